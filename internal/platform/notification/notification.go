// Package notification delivers fire-and-forget messages raised by consent
// rules. Sinks publish to Redis or the log; the Dispatcher keeps a bounded
// delivery history that can be inspected over HTTP.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Delivery statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification is one outbound message.
type Notification struct {
	ID        string     `json:"id"`
	Recipient string     `json:"recipient"`
	Body      string     `json:"body"`
	Status    string     `json:"status,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Sink delivers a single notification.
type Sink interface {
	Send(ctx context.Context, n *Notification) error
}

// Render performs {{key}} replacement on tpl. Placeholders without a value in
// data are left as-is.
func Render(tpl string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(tpl, "{{") {
		return tpl
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

const defaultHistory = 500

// Dispatcher sends through a Sink and remembers the most recent deliveries.
// It satisfies the consent engine's Notify contract.
type Dispatcher struct {
	sink    Sink
	now     func() time.Time
	max     int
	mu      sync.RWMutex
	history []*Notification
}

func NewDispatcher(sink Sink) *Dispatcher {
	return &Dispatcher{sink: sink, now: time.Now, max: defaultHistory}
}

// Notify builds a Notification and sends it. A failed send is recorded and
// its error returned; callers decide whether that matters.
func (d *Dispatcher) Notify(ctx context.Context, recipient, message string) error {
	if recipient == "" {
		return errors.New("notification recipient is required")
	}
	n := &Notification{
		ID:        uuid.New().String(),
		Recipient: recipient,
		Body:      message,
		CreatedAt: d.now().UTC(),
	}

	err := d.sink.Send(ctx, n)
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
	} else {
		n.Status = StatusSent
		sentAt := d.now().UTC()
		n.SentAt = &sentAt
	}
	d.remember(n)
	return err
}

func (d *Dispatcher) remember(n *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, n)
	if over := len(d.history) - d.max; over > 0 {
		d.history = append([]*Notification(nil), d.history[over:]...)
	}
}

// ListByRecipient returns up to limit notifications for recipient, newest
// first.
func (d *Dispatcher) ListByRecipient(recipient string, limit int) []*Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := []*Notification{}
	for i := len(d.history) - 1; i >= 0 && len(result) < limit; i-- {
		if n := d.history[i]; n.Recipient == recipient {
			cp := *n
			result = append(result, &cp)
		}
	}
	return result
}

// Stats counts remembered notifications by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := map[string]int{StatusSent: 0, StatusFailed: 0}
	for _, n := range d.history {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// Recorder (test double)
// ---------------------------------------------------------------------------

// Recorder is an in-memory Sink.
type Recorder struct {
	mu         sync.Mutex
	sent       []Notification
	ShouldFail bool
	FailError  string
}

func (r *Recorder) Send(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, *n)
	if r.ShouldFail {
		return errors.New(r.FailError)
	}
	return nil
}

// Sent returns a copy of recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications", h.HandleList)
}

// HandleList handles GET /notifications?recipient=...&limit=...
func (h *Handler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
		}
		limit = n
	}
	return c.JSON(http.StatusOK, h.dispatcher.ListByRecipient(recipient, limit))
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}
