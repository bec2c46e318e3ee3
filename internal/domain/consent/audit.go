package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Audit trail action tags.
const (
	AuditCreated = "created"
)

// SystemActor is recorded as changedBy for rule-driven transitions.
const SystemActor = "system"

// AuditRecorder appends before/after records to the audit store.
type AuditRecorder struct {
	store AuditStore
	now   func() time.Time
}

func NewAuditRecorder(store AuditStore, now func() time.Time) *AuditRecorder {
	if now == nil {
		now = time.Now
	}
	return &AuditRecorder{store: store, now: now}
}

// RecordCreated writes the "created" entry of a new contract.
func (a *AuditRecorder) RecordCreated(ctx context.Context, c *Contract, actorID string) (*AuditTrailEntry, error) {
	e := &AuditTrailEntry{
		ID:         uuid.New(),
		ContractID: c.ID,
		Action:     AuditCreated,
		NewValues:  creationSnapshot(c),
		ChangedBy:  actorOrSystem(actorID),
		Reason:     "contract created",
		Timestamp:  a.now().UTC(),
	}
	if err := a.store.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordTransition writes one entry for a committed status change. The
// action tag is the new status.
func (a *AuditRecorder) RecordTransition(ctx context.Context, before, after *Contract, changedBy, reason string) (*AuditTrailEntry, error) {
	e := &AuditTrailEntry{
		ID:         uuid.New(),
		ContractID: after.ID,
		Action:     string(after.Status),
		OldValues:  statusSnapshot(before),
		NewValues:  statusSnapshot(after),
		ChangedBy:  actorOrSystem(changedBy),
		Reason:     reason,
		Timestamp:  a.now().UTC(),
	}
	if err := a.store.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return SystemActor
	}
	return actorID
}

func statusSnapshot(c *Contract) map[string]any {
	snap := map[string]any{
		"status":     string(c.Status),
		"updated_at": c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.ApprovedAt != nil {
		snap["approved_at"] = c.ApprovedAt.UTC().Format(time.RFC3339Nano)
	}
	if c.RevokedAt != nil {
		snap["revoked_at"] = c.RevokedAt.UTC().Format(time.RFC3339Nano)
	}
	if c.RevocationReason != nil {
		snap["revocation_reason"] = *c.RevocationReason
	}
	return snap
}

func creationSnapshot(c *Contract) map[string]any {
	snap := statusSnapshot(c)
	snap["contract_id"] = c.ContractID
	snap["patient_id"] = c.PatientID.String()
	snap["requester_id"] = c.RequesterID.String()
	snap["data_types"] = append([]string(nil), c.DataTypes...)
	snap["purpose"] = c.Purpose
	snap["duration"] = string(c.Duration)
	snap["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339Nano)
	snap["rule_count"] = len(c.Rules)
	return snap
}
