package consent

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a consent contract.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// transitions lists the statuses reachable from each state. Terminal states
// have no entry.
var transitions = map[Status]map[Status]bool{
	StatusPending:  {StatusApproved: true, StatusRejected: true, StatusRevoked: true},
	StatusApproved: {StatusExpired: true, StatusRevoked: true},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExpired || s == StatusRevoked
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Action is the closed set of rule actions.
type Action string

const (
	ActionAutoApprove      Action = "auto_approve"
	ActionAutoReject       Action = "auto_reject"
	ActionExpireContract   Action = "expire_contract"
	ActionLogAccess        Action = "log_access"
	ActionSendNotification Action = "send_notification"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAutoApprove, ActionAutoReject, ActionExpireContract, ActionLogAccess, ActionSendNotification:
		return true
	}
	return false
}

// ChangesStatus reports whether the action proposes a status transition.
func (a Action) ChangesStatus() bool {
	return a == ActionAutoApprove || a == ActionAutoReject || a == ActionExpireContract
}

// Contract is a time-bounded data access grant between a patient and a requester.
type Contract struct {
	ID               uuid.UUID         `json:"id"`
	ContractID       string            `json:"contract_id"`
	PatientID        uuid.UUID         `json:"patient_id"`
	RequesterID      uuid.UUID         `json:"requester_id"`
	DataTypes        []string          `json:"data_types"`
	Purpose          string            `json:"purpose"`
	Duration         Duration          `json:"duration"`
	Conditions       map[string]string `json:"conditions,omitempty"`
	Rules            []Rule            `json:"rules,omitempty"`
	Status           Status            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	ApprovedAt       *time.Time        `json:"approved_at,omitempty"`
	ExpiresAt        time.Time         `json:"expires_at"`
	RevokedAt        *time.Time        `json:"revoked_at,omitempty"`
	RevocationReason *string           `json:"revocation_reason,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// CoversDataType reports whether dataType is one of the contract's data types.
func (c *Contract) CoversDataType(dataType string) bool {
	for _, dt := range c.DataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so that callers can hold a snapshot that is not
// affected by later store mutations.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	out := *c
	out.DataTypes = append([]string(nil), c.DataTypes...)
	if c.Conditions != nil {
		out.Conditions = make(map[string]string, len(c.Conditions))
		for k, v := range c.Conditions {
			out.Conditions[k] = v
		}
	}
	if c.Rules != nil {
		out.Rules = make([]Rule, len(c.Rules))
		for i, r := range c.Rules {
			out.Rules[i] = r.clone()
		}
	}
	if c.ApprovedAt != nil {
		t := *c.ApprovedAt
		out.ApprovedAt = &t
	}
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	if c.RevocationReason != nil {
		r := *c.RevocationReason
		out.RevocationReason = &r
	}
	return &out
}

// Rule is a prioritized condition -> action pair attached to a contract at
// creation time. Rules are never edited afterwards.
type Rule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Condition  string         `json:"condition"`
	Action     Action         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority"`
	IsActive   bool           `json:"is_active"`
}

func (r Rule) clone() Rule {
	if r.Parameters != nil {
		params := make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			params[k] = v
		}
		r.Parameters = params
	}
	return r
}

// AuditTrailEntry is an immutable before/after record of a contract change.
type AuditTrailEntry struct {
	ID         uuid.UUID      `json:"id"`
	ContractID uuid.UUID      `json:"contract_id"`
	Action     string         `json:"action"`
	OldValues  map[string]any `json:"old_values,omitempty"`
	NewValues  map[string]any `json:"new_values,omitempty"`
	ChangedBy  string         `json:"changed_by"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AccessLogEntry records one attempt by an actor to use a contract.
type AccessLogEntry struct {
	ID           uuid.UUID `json:"id"`
	ContractID   uuid.UUID `json:"contract_id"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	DataType     string    `json:"data_type"`
	ResourceID   *string   `json:"resource_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// CreateRequest carries the caller-supplied fields of a new contract.
type CreateRequest struct {
	ContractID  string            `json:"contract_id,omitempty"`
	PatientID   uuid.UUID         `json:"patient_id"`
	RequesterID uuid.UUID         `json:"requester_id"`
	DataTypes   []string          `json:"data_types"`
	Purpose     string            `json:"purpose"`
	Duration    Duration          `json:"duration"`
	Conditions  map[string]string `json:"conditions,omitempty"`
	Rules       []RuleSpec        `json:"rules,omitempty"`
}

// RuleSpec is a rule as supplied at creation. IsActive defaults to true.
type RuleSpec struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Condition  string         `json:"condition"`
	Action     Action         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority"`
	IsActive   *bool          `json:"is_active,omitempty"`
}

// AccessLogInput is a caller-reported use of a contract.
type AccessLogInput struct {
	ActorID      string  `json:"actor_id"`
	Action       string  `json:"action"`
	DataType     string  `json:"data_type"`
	ResourceID   *string `json:"resource_id,omitempty"`
	Success      *bool   `json:"success,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// ListFilter narrows listForPatient results. Zero values do not filter.
type ListFilter struct {
	Status      Status
	RequesterID uuid.UUID
	DataType    string
	Limit       int
	Offset      int
}

// Transition is a status change proposed by the action executor or by revoke.
type Transition struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	RuleID string `json:"rule_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RuleOutcome describes what happened to one matched rule.
type RuleOutcome string

const (
	OutcomeProposed RuleOutcome = "proposed"
	OutcomeApplied  RuleOutcome = "applied"
	OutcomeNoOp     RuleOutcome = "no_op"
	OutcomeFailed   RuleOutcome = "failed"
)

// RuleExecution is one entry of the executedRules list.
type RuleExecution struct {
	RuleID  string      `json:"rule_id"`
	Name    string      `json:"name"`
	Action  Action      `json:"action"`
	Outcome RuleOutcome `json:"outcome"`
	Detail  string      `json:"detail,omitempty"`
}

// ExecutionResult is returned from Service.Execute.
type ExecutionResult struct {
	ContractID     uuid.UUID       `json:"contract_id"`
	ExecutedRules  []RuleExecution `json:"executed_rules"`
	StatusChanged  bool            `json:"status_changed"`
	PreviousStatus Status          `json:"previous_status"`
	NewStatus      *Status         `json:"new_status,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// ExecutedRuleIDs returns the rule ids in execution order.
func (r *ExecutionResult) ExecutedRuleIDs() []string {
	ids := make([]string, len(r.ExecutedRules))
	for i, e := range r.ExecutedRules {
		ids[i] = e.RuleID
	}
	return ids
}

// AccessDecision is the result of Service.VerifyAccess.
type AccessDecision struct {
	Allowed bool            `json:"allowed"`
	Reason  string          `json:"reason,omitempty"`
	Entry   *AccessLogEntry `json:"access_log"`
}
