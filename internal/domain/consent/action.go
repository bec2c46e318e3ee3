package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/platform/notification"
)

const defaultNotificationMessage = "Consent contract {{contract_id}} ({{status}}): rule {{rule}} matched action {{action}} by {{actor_id}}"

// ActionRequest is the per-execution input shared by every rule.
type ActionRequest struct {
	Contract   *Contract
	Action     string
	Parameters map[string]any
	ActorID    string
}

// ActionResult is what the executor did for one rule.
type ActionResult struct {
	ActionTaken Action
	Outcome     RuleOutcome
	Transition  *Transition
	Detail      string
}

// ActionExecutor applies rule actions. Status-changing actions only propose a
// transition; applying it is the Service's job.
type ActionExecutor struct {
	accessLogs    AccessLogStore
	notifier      Notifier
	logger        zerolog.Logger
	now           func() time.Time
	notifyTimeout time.Duration
	storeTimeout  time.Duration
}

func NewActionExecutor(accessLogs AccessLogStore, notifier Notifier, logger zerolog.Logger, now func() time.Time) *ActionExecutor {
	if now == nil {
		now = time.Now
	}
	return &ActionExecutor{
		accessLogs:    accessLogs,
		notifier:      notifier,
		logger:        logger,
		now:           now,
		notifyTimeout: 2 * time.Second,
		storeTimeout:  defaultStoreTimeout,
	}
}

// statusActions maps each status-changing action to the status it is valid
// from and the status it proposes.
var statusActions = map[Action]struct{ from, to Status }{
	ActionAutoApprove:    {StatusPending, StatusApproved},
	ActionAutoReject:     {StatusPending, StatusRejected},
	ActionExpireContract: {StatusApproved, StatusExpired},
}

// Execute applies rule.Action to req.Contract. An action that is not valid
// for the current status is a no-op, never an error.
func (x *ActionExecutor) Execute(ctx context.Context, rule Rule, req ActionRequest) ActionResult {
	res := ActionResult{ActionTaken: rule.Action}

	if edge, ok := statusActions[rule.Action]; ok {
		if req.Contract.Status != edge.from {
			res.Outcome = OutcomeNoOp
			res.Detail = fmt.Sprintf("%s requires status %s, contract is %s", rule.Action, edge.from, req.Contract.Status)
			return res
		}
		res.Outcome = OutcomeProposed
		res.Transition = &Transition{
			From:   edge.from,
			To:     edge.to,
			RuleID: rule.ID,
			Reason: fmt.Sprintf("rule %s (%s) matched action %q", rule.ID, rule.Name, req.Action),
		}
		return res
	}

	switch rule.Action {
	case ActionLogAccess:
		return x.logAccess(ctx, rule, req)
	case ActionSendNotification:
		return x.sendNotification(ctx, rule, req)
	}

	res.Outcome = OutcomeFailed
	res.Detail = fmt.Sprintf("unknown action %q", rule.Action)
	return res
}

func (x *ActionExecutor) logAccess(ctx context.Context, rule Rule, req ActionRequest) ActionResult {
	res := ActionResult{ActionTaken: rule.Action}

	dataType := stringParam(rule.Parameters, "data_type")
	if dataType == "" {
		dataType = stringParam(req.Parameters, "data_type")
	}
	entry := &AccessLogEntry{
		ID:         uuid.New(),
		ContractID: req.Contract.ID,
		ActorID:    actorOrSystem(req.ActorID),
		Action:     req.Action,
		DataType:   dataType,
		Timestamp:  x.now().UTC(),
		Success:    true,
	}
	resourceID := stringParam(rule.Parameters, "resource_id")
	if resourceID == "" {
		resourceID = stringParam(req.Parameters, "resource_id")
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}

	sctx, cancel := context.WithTimeout(ctx, x.storeTimeout)
	defer cancel()
	if err := x.accessLogs.Append(sctx, entry); err != nil {
		res.Outcome = OutcomeFailed
		res.Detail = fmt.Sprintf("append access log: %v", err)
		return res
	}
	res.Outcome = OutcomeApplied
	res.Detail = "access logged"
	return res
}

func (x *ActionExecutor) sendNotification(ctx context.Context, rule Rule, req ActionRequest) ActionResult {
	res := ActionResult{ActionTaken: rule.Action, Outcome: OutcomeApplied}

	recipient := stringParam(rule.Parameters, "recipient")
	if recipient == "" {
		recipient = req.Contract.PatientID.String()
	}
	tpl := stringParam(rule.Parameters, "message")
	if tpl == "" {
		tpl = defaultNotificationMessage
	}
	msg := notification.Render(tpl, map[string]string{
		"contract_id": req.Contract.ContractID,
		"status":      string(req.Contract.Status),
		"action":      req.Action,
		"actor_id":    actorOrSystem(req.ActorID),
		"rule":        rule.Name,
	})

	if x.notifier == nil {
		res.Detail = "no notification sink configured"
		return res
	}

	nctx, cancel := context.WithTimeout(ctx, x.notifyTimeout)
	defer cancel()
	if err := x.notifier.Notify(nctx, recipient, msg); err != nil {
		x.logger.Warn().Err(err).
			Str("contract_id", req.Contract.ID.String()).
			Str("rule_id", rule.ID).
			Str("recipient", recipient).
			Msg("notification delivery failed")
		res.Detail = fmt.Sprintf("delivery to %s failed: %v", recipient, err)
		return res
	}
	res.Detail = "notification sent to " + recipient
	return res
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch v := params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
