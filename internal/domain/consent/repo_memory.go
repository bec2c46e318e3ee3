package consent

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process implementation of every store the Service
// needs. It backs STORE_BACKEND=memory and the package tests.
type MemoryBackend struct {
	Contracts  *MemoryContractStore
	Rules      *MemoryRuleStore
	Audit      *MemoryAuditStore
	AccessLogs *MemoryAccessLogStore
	Parties    *MemoryPartyDirectory
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		Contracts:  NewMemoryContractStore(),
		Rules:      NewMemoryRuleStore(),
		Audit:      NewMemoryAuditStore(),
		AccessLogs: NewMemoryAccessLogStore(),
		Parties:    NewMemoryPartyDirectory(),
	}
}

// Stores returns the backend as a Stores bundle. Writes are not rolled back
// on failure.
func (b *MemoryBackend) Stores() Stores {
	return Stores{
		Contracts:  b.Contracts,
		Rules:      b.Rules,
		Audit:      b.Audit,
		AccessLogs: b.AccessLogs,
		Parties:    b.Parties,
		Tx:         NoTx{},
	}
}

// -- Contracts --

type MemoryContractStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Contract
	byRef map[string]uuid.UUID
}

func NewMemoryContractStore() *MemoryContractStore {
	return &MemoryContractStore{
		byID:  make(map[uuid.UUID]*Contract),
		byRef: make(map[string]uuid.UUID),
	}
}

func (s *MemoryContractStore) Create(ctx context.Context, c *Contract) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.byRef[c.ContractID]; ok {
		return ErrConflict
	}
	stored := c.Clone()
	stored.Rules = nil
	s.byID[c.ID] = stored
	s.byRef[c.ContractID] = c.ID
	return nil
}

func (s *MemoryContractStore) GetByID(ctx context.Context, id uuid.UUID) (*Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryContractStore) GetByRef(ctx context.Context, contractID string) (*Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryContractStore) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expected Status, update StatusUpdate) (*Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != expected {
		return nil, ErrConcurrentModification
	}
	applyStatusUpdate(c, update)
	return c.Clone(), nil
}

func applyStatusUpdate(c *Contract, u StatusUpdate) {
	c.Status = u.Status
	c.UpdatedAt = u.UpdatedAt
	if u.ApprovedAt != nil {
		t := *u.ApprovedAt
		c.ApprovedAt = &t
	}
	if u.RevokedAt != nil {
		t := *u.RevokedAt
		c.RevokedAt = &t
	}
	if u.RevocationReason != nil {
		r := *u.RevocationReason
		c.RevocationReason = &r
	}
}

func (s *MemoryContractStore) ListByPatient(ctx context.Context, patientID uuid.UUID, filter ListFilter) ([]*Contract, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	var matched []*Contract
	for _, c := range s.byID {
		if c.PatientID != patientID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.RequesterID != uuid.Nil && c.RequesterID != filter.RequesterID {
			continue
		}
		if filter.DataType != "" && !c.CoversDataType(filter.DataType) {
			continue
		}
		matched = append(matched, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ContractID < matched[j].ContractID
	})
	total := len(matched)
	return page(matched, filter.Limit, filter.Offset), total, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// -- Rules --

type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[uuid.UUID][]Rule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[uuid.UUID][]Rule)}
}

func (s *MemoryRuleStore) CreateRules(ctx context.Context, contractID uuid.UUID, rules []Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[contractID]; ok {
		return ErrConflict
	}
	stored := make([]Rule, len(rules))
	for i, r := range rules {
		stored[i] = r.clone()
	}
	s.rules[contractID] = stored
	return nil
}

func (s *MemoryRuleStore) ListByContract(ctx context.Context, contractID uuid.UUID) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.rules[contractID]
	out := make([]Rule, len(stored))
	for i, r := range stored {
		out[i] = r.clone()
	}
	return out, nil
}

// -- Audit --

type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditTrailEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(ctx context.Context, e *AuditTrailEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *e
	s.mu.Lock()
	s.entries = append(s.entries, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryAuditStore) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*AuditTrailEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*AuditTrailEntry{}
	for _, e := range s.entries {
		if e.ContractID == contractID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- Access logs --

type MemoryAccessLogStore struct {
	mu      sync.RWMutex
	entries []*AccessLogEntry
}

func NewMemoryAccessLogStore() *MemoryAccessLogStore {
	return &MemoryAccessLogStore{}
}

func (s *MemoryAccessLogStore) Append(ctx context.Context, e *AccessLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *e
	s.mu.Lock()
	s.entries = append(s.entries, &cp)
	s.mu.Unlock()
	return nil
}

// ListByContract returns entries newest first.
func (s *MemoryAccessLogStore) ListByContract(ctx context.Context, contractID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	var matched []*AccessLogEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if e := s.entries[i]; e.ContractID == contractID {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()
	return page(matched, limit, offset), len(matched), nil
}

// -- Parties --

// MemoryPartyDirectory knows only the parties registered with it, unless
// Open is set, in which case every non-nil id exists.
type MemoryPartyDirectory struct {
	Open bool

	mu         sync.RWMutex
	patients   map[uuid.UUID]bool
	requesters map[uuid.UUID]bool
}

func NewMemoryPartyDirectory() *MemoryPartyDirectory {
	return &MemoryPartyDirectory{
		patients:   make(map[uuid.UUID]bool),
		requesters: make(map[uuid.UUID]bool),
	}
}

func (d *MemoryPartyDirectory) AddPatient(id uuid.UUID) {
	d.mu.Lock()
	d.patients[id] = true
	d.mu.Unlock()
}

func (d *MemoryPartyDirectory) AddRequester(id uuid.UUID) {
	d.mu.Lock()
	d.requesters[id] = true
	d.mu.Unlock()
}

func (d *MemoryPartyDirectory) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.patients[id] || (d.Open && id != uuid.Nil), nil
}

func (d *MemoryPartyDirectory) RequesterExists(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.requesters[id] || (d.Open && id != uuid.Nil), nil
}
