package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StatusUpdate is the set of columns written by a status compare-and-swap.
// Nil pointers leave the stored value unchanged.
type StatusUpdate struct {
	Status           Status
	UpdatedAt        time.Time
	ApprovedAt       *time.Time
	RevokedAt        *time.Time
	RevocationReason *string
}

type ContractStore interface {
	Create(ctx context.Context, c *Contract) error
	GetByID(ctx context.Context, id uuid.UUID) (*Contract, error)
	GetByRef(ctx context.Context, contractID string) (*Contract, error)
	// CompareAndSwapStatus applies update only if the stored status still
	// equals expected. It returns ErrConcurrentModification when it does not
	// and ErrNotFound when the contract does not exist.
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expected Status, update StatusUpdate) (*Contract, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, filter ListFilter) ([]*Contract, int, error)
}

// RuleStore holds the rules of a contract. Rules are written once at creation.
type RuleStore interface {
	CreateRules(ctx context.Context, contractID uuid.UUID, rules []Rule) error
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]Rule, error)
}

// AuditStore is append-only.
type AuditStore interface {
	Append(ctx context.Context, e *AuditTrailEntry) error
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]*AuditTrailEntry, error)
}

// AccessLogStore is append-only.
type AccessLogStore interface {
	Append(ctx context.Context, e *AccessLogEntry) error
	ListByContract(ctx context.Context, contractID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error)
}

// PartyDirectory answers whether referenced patients and requesters exist.
type PartyDirectory interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	RequesterExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// TxRunner runs fn in a single unit of work. Stores that support
// transactions pick the transaction up from the context passed to fn.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier delivers a message to an actor id or role. Delivery is
// fire-and-forget from the engine's point of view.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string) error
}

// Stores bundles the collaborators the Service is constructed with.
type Stores struct {
	Contracts  ContractStore
	Rules      RuleStore
	Audit      AuditStore
	AccessLogs AccessLogStore
	Parties    PartyDirectory
	Tx         TxRunner
}
