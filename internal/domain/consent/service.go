package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultStoreTimeout = 3 * time.Second
	defaultListLimit    = 20
	maxListLimit        = 100
)

// Service is the contract lifecycle manager. It owns creation, status
// transitions and revocation, and drives the rule engine.
type Service struct {
	contracts  ContractStore
	rules      RuleStore
	audit      AuditStore
	accessLogs AccessLogStore
	parties    PartyDirectory
	tx         TxRunner

	engine   *RuleEngine
	recorder *AuditRecorder
	logger   zerolog.Logger
	now      func() time.Time
	timeout  time.Duration
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStoreTimeout bounds every individual store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(stores Stores, notifier Notifier, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		contracts:  stores.Contracts,
		rules:      stores.Rules,
		audit:      stores.Audit,
		accessLogs: stores.AccessLogs,
		parties:    stores.Parties,
		tx:         stores.Tx,
		logger:     logger.With().Str("component", "consent").Logger(),
		now:        time.Now,
		timeout:    defaultStoreTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.tx == nil {
		s.tx = NoTx{}
	}
	clock := func() time.Time { return s.now() }
	s.recorder = NewAuditRecorder(s.audit, clock)
	actions := NewActionExecutor(s.accessLogs, notifier, s.logger, clock)
	actions.storeTimeout = s.timeout
	s.engine = NewRuleEngine(NewConditionEvaluator(), actions, s.logger)
	return s
}

// NoTx runs fn directly. It serves stores without transactions.
type NoTx struct{}

func (NoTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// -- Create --

// Create validates req, computes the expiry and persists a pending contract
// with its rules and a "created" audit entry in one unit of work.
func (s *Service) Create(ctx context.Context, req *CreateRequest, actorID string) (*Contract, error) {
	rules, err := validateCreate(req)
	if err != nil {
		return nil, err
	}

	if err := s.checkParty(ctx, "patient", req.PatientID, s.parties.PatientExists); err != nil {
		return nil, err
	}
	if err := s.checkParty(ctx, "requester", req.RequesterID, s.parties.RequesterExists); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt, err := CalculateExpiry(req.Duration, now)
	if err != nil {
		return nil, err
	}

	c := &Contract{
		ID:          uuid.New(),
		ContractID:  strings.TrimSpace(req.ContractID),
		PatientID:   req.PatientID,
		RequesterID: req.RequesterID,
		DataTypes:   normalizeDataTypes(req.DataTypes),
		Purpose:     strings.TrimSpace(req.Purpose),
		Duration:    req.Duration,
		Conditions:  req.Conditions,
		Rules:       rules,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		UpdatedAt:   now,
	}
	if c.ContractID == "" {
		c.ContractID = newContractRef()
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err = s.tx.InTx(sctx, func(tctx context.Context) error {
		if err := s.contracts.Create(tctx, c); err != nil {
			return err
		}
		if len(rules) > 0 {
			if err := s.rules.CreateRules(tctx, c.ID, rules); err != nil {
				return err
			}
		}
		_, err := s.recorder.RecordCreated(tctx, c, actorID)
		return err
	})
	if err != nil {
		return nil, storeError("create contract", err)
	}

	s.logger.Info().
		Str("contract_id", c.ID.String()).
		Str("ref", c.ContractID).
		Str("duration", string(c.Duration)).
		Int("rules", len(rules)).
		Msg("consent contract created")
	return c.Clone(), nil
}

func (s *Service) checkParty(ctx context.Context, kind string, id uuid.UUID, exists func(context.Context, uuid.UUID) (bool, error)) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	ok, err := exists(sctx, id)
	if err != nil {
		return storeError("lookup "+kind, err)
	}
	if !ok {
		return notFoundf("%s %s", kind, id)
	}
	return nil
}

func validateCreate(req *CreateRequest) ([]Rule, error) {
	if req == nil {
		return nil, validationErrorf("request body is required")
	}
	if req.PatientID == uuid.Nil {
		return nil, validationErrorf("patient_id is required")
	}
	if req.RequesterID == uuid.Nil {
		return nil, validationErrorf("requester_id is required")
	}
	if len(normalizeDataTypes(req.DataTypes)) == 0 {
		return nil, validationErrorf("data_types must contain at least one data type")
	}
	if strings.TrimSpace(req.Purpose) == "" {
		return nil, validationErrorf("purpose is required")
	}
	if req.Duration == "" {
		return nil, validationErrorf("duration is required")
	}
	if !req.Duration.Valid() {
		return nil, validationErrorf("unknown duration %q", req.Duration)
	}

	rules := make([]Rule, 0, len(req.Rules))
	seen := make(map[string]bool, len(req.Rules))
	for i, spec := range req.Rules {
		if strings.TrimSpace(spec.Name) == "" {
			return nil, validationErrorf("rules[%d]: name is required", i)
		}
		if !spec.Action.Valid() {
			return nil, validationErrorf("rules[%d]: unknown action %q", i, spec.Action)
		}
		if _, err := ParseCondition(spec.Condition); err != nil {
			return nil, validationErrorf("rules[%d]: invalid condition: %v", i, err)
		}
		r := Rule{
			ID:         strings.TrimSpace(spec.ID),
			Name:       strings.TrimSpace(spec.Name),
			Condition:  spec.Condition,
			Action:     spec.Action,
			Parameters: spec.Parameters,
			Priority:   spec.Priority,
			IsActive:   spec.IsActive == nil || *spec.IsActive,
		}
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if seen[r.ID] {
			return nil, validationErrorf("rules[%d]: duplicate rule id %q", i, r.ID)
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}
	return rules, nil
}

func normalizeDataTypes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, dt := range in {
		dt = strings.TrimSpace(dt)
		if dt == "" || seen[dt] {
			continue
		}
		seen[dt] = true
		out = append(out, dt)
	}
	return out
}

func newContractRef() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "CC-" + strings.ToUpper(id[:12])
}

// -- Reads --

// Get loads a contract with its rules. ref is either the UUID id or the
// human-readable contract reference.
func (s *Service) Get(ctx context.Context, ref string) (*Contract, error) {
	c, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rules, err := s.rules.ListByContract(sctx, c.ID)
	if err != nil {
		return nil, storeError("load rules", err)
	}
	c.Rules = rules
	return c, nil
}

func (s *Service) resolve(ctx context.Context, ref string) (*Contract, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, validationErrorf("contract id is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var (
		c   *Contract
		err error
	)
	if id, perr := uuid.Parse(ref); perr == nil {
		c, err = s.contracts.GetByID(sctx, id)
	} else {
		c, err = s.contracts.GetByRef(sctx, ref)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundf("contract %s", ref)
		}
		return nil, storeError("load contract", err)
	}
	return c, nil
}

// ListForPatient returns the patient's contracts, newest first, and the total
// count matching filter.
func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID, filter ListFilter) ([]*Contract, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, validationErrorf("patient_id is required")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, validationErrorf("unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	items, total, err := s.contracts.ListByPatient(sctx, patientID, filter)
	if err != nil {
		return nil, 0, storeError("list contracts", err)
	}
	return items, total, nil
}

// AuditTrail returns the contract's audit entries, oldest first.
func (s *Service) AuditTrail(ctx context.Context, ref string) ([]*AuditTrailEntry, error) {
	c, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	entries, err := s.audit.ListByContract(sctx, c.ID)
	if err != nil {
		return nil, storeError("list audit trail", err)
	}
	return entries, nil
}

// -- Execute --

// Execute runs the contract's rules for the requested action and applies the
// first proposed transition with a compare-and-swap against the status read
// at the start. A lost race aborts with ErrConcurrentModification.
func (s *Service) Execute(ctx context.Context, ref, action string, params map[string]any, actorID string) (*ExecutionResult, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, validationErrorf("action is required")
	}

	c, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	snapshot := c.Clone()
	now := s.now().UTC()

	eval := s.engine.Run(ctx, ActionRequest{
		Contract:   snapshot,
		Action:     action,
		Parameters: params,
		ActorID:    actorID,
	}, snapshot.Rules, now)

	result := &ExecutionResult{
		ContractID:     c.ID,
		ExecutedRules:  eval.ExecutedRules,
		PreviousStatus: c.Status,
		Warnings:       eval.Warnings,
	}
	if eval.Transition == nil {
		return result, nil
	}

	t := eval.Transition
	if t.From != c.Status || !CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("rule %s proposed invalid transition %s -> %s", t.RuleID, t.From, t.To)
	}

	update := StatusUpdate{Status: t.To, UpdatedAt: now}
	if t.To == StatusApproved {
		update.ApprovedAt = &now
	}

	after, err := s.swap(ctx, c.ID, c.Status, update)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("contract_id", c.ID.String()).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Msg("transition not applied")
		return nil, err
	}

	newStatus := after.Status
	result.StatusChanged = true
	result.NewStatus = &newStatus

	reason := t.Reason
	if actorID != "" {
		reason += " by " + actorID
	}
	if w := s.recordTransition(ctx, c, after, SystemActor, reason); w != "" {
		result.Warnings = append(result.Warnings, w)
	}

	s.logger.Info().
		Str("contract_id", c.ID.String()).
		Str("rule_id", t.RuleID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("consent contract transitioned")
	return result, nil
}

func (s *Service) swap(ctx context.Context, id uuid.UUID, expected Status, update StatusUpdate) (*Contract, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	after, err := s.contracts.CompareAndSwapStatus(sctx, id, expected, update)
	if err != nil {
		return nil, storeError("update contract status", err)
	}
	return after, nil
}

// recordTransition appends the audit entry after a committed transition. A
// failure here cannot undo the commit; it is logged and returned as a warning.
func (s *Service) recordTransition(ctx context.Context, before, after *Contract, changedBy, reason string) string {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.recorder.RecordTransition(sctx, before, after, changedBy, reason); err != nil {
		s.logger.Error().Err(err).
			Str("contract_id", after.ID.String()).
			Str("status", string(after.Status)).
			Msg("audit write failed after committed transition")
		return fmt.Sprintf("audit trail entry not written: %v", err)
	}
	return ""
}

// -- Revoke --

// Revoke moves a pending or approved contract to revoked. Revoking an
// already revoked contract returns ErrAlreadyRevoked.
func (s *Service) Revoke(ctx context.Context, ref, reason, actorID string) (*Contract, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationErrorf("revocation reason is required")
	}

	c, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := revocable(c.Status); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	after, err := s.swap(ctx, c.ID, c.Status, StatusUpdate{
		Status:           StatusRevoked,
		UpdatedAt:        now,
		RevokedAt:        &now,
		RevocationReason: &reason,
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			if cur, rerr := s.resolve(ctx, c.ID.String()); rerr == nil && cur.Status == StatusRevoked {
				return nil, ErrAlreadyRevoked
			}
		}
		return nil, err
	}

	if w := s.recordTransition(ctx, c, after, actorID, reason); w != "" {
		s.logger.Warn().Str("contract_id", c.ID.String()).Msg(w)
	}
	s.logger.Info().
		Str("contract_id", c.ID.String()).
		Str("from", string(c.Status)).
		Str("actor_id", actorID).
		Msg("consent contract revoked")
	return after, nil
}

func revocable(st Status) error {
	switch st {
	case StatusPending, StatusApproved:
		return nil
	case StatusRevoked:
		return ErrAlreadyRevoked
	}
	return fmt.Errorf("%w: cannot revoke a %s contract", ErrConflict, st)
}

// -- Access logs --

// LogAccess appends a caller-reported access attempt. It never changes the
// contract status and is accepted for contracts in any status.
func (s *Service) LogAccess(ctx context.Context, ref string, in *AccessLogInput) (*AccessLogEntry, error) {
	if in == nil {
		return nil, validationErrorf("request body is required")
	}
	if strings.TrimSpace(in.ActorID) == "" {
		return nil, validationErrorf("actor_id is required")
	}
	if strings.TrimSpace(in.Action) == "" {
		return nil, validationErrorf("action is required")
	}
	if strings.TrimSpace(in.DataType) == "" {
		return nil, validationErrorf("data_type is required")
	}

	c, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	e := &AccessLogEntry{
		ID:           uuid.New(),
		ContractID:   c.ID,
		ActorID:      strings.TrimSpace(in.ActorID),
		Action:       strings.TrimSpace(in.Action),
		DataType:     strings.TrimSpace(in.DataType),
		ResourceID:   in.ResourceID,
		Timestamp:    s.now().UTC(),
		Success:      in.Success == nil || *in.Success,
		ErrorMessage: in.ErrorMessage,
	}
	if err := s.appendAccess(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) appendAccess(ctx context.Context, e *AccessLogEntry) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.accessLogs.Append(sctx, e); err != nil {
		return storeError("append access log", err)
	}
	return nil
}

// AccessLogs pages through a contract's access log, newest first.
func (s *Service) AccessLogs(ctx context.Context, ref string, limit, offset int) ([]*AccessLogEntry, int, error) {
	c, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	items, total, err := s.accessLogs.ListByContract(sctx, c.ID, limit, offset)
	if err != nil {
		return nil, 0, storeError("list access logs", err)
	}
	return items, total, nil
}

// VerifyAccess checks whether requesterID may read dataType under the
// contract right now and records the attempt either way. An approved
// contract past its expiry is denied but not transitioned.
func (s *Service) VerifyAccess(ctx context.Context, ref string, requesterID uuid.UUID, dataType, resourceID string) (*AccessDecision, error) {
	dataType = strings.TrimSpace(dataType)
	if requesterID == uuid.Nil {
		return nil, validationErrorf("requester_id is required")
	}
	if dataType == "" {
		return nil, validationErrorf("data_type is required")
	}

	c, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	var denial string
	switch {
	case c.RequesterID != requesterID:
		denial = "requester is not party to this contract"
	case c.Status != StatusApproved:
		denial = fmt.Sprintf("contract is %s", c.Status)
	case now.After(c.ExpiresAt):
		denial = "contract has expired"
	case !c.CoversDataType(dataType):
		denial = fmt.Sprintf("data type %q is not covered", dataType)
	}

	e := &AccessLogEntry{
		ID:         uuid.New(),
		ContractID: c.ID,
		ActorID:    requesterID.String(),
		Action:     "verify_access",
		DataType:   dataType,
		Timestamp:  now,
		Success:    denial == "",
	}
	if resourceID != "" {
		e.ResourceID = &resourceID
	}
	if denial != "" {
		e.ErrorMessage = &denial
	}
	if err := s.appendAccess(ctx, e); err != nil {
		return nil, err
	}
	return &AccessDecision{Allowed: denial == "", Reason: denial, Entry: e}, nil
}
