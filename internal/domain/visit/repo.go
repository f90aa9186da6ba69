package visit

import (
	"context"

	"github.com/google/uuid"
)

// Commit is one atomic lifecycle write. The store applies it only when the
// persisted version equals ExpectedVersion, then bumps the version by one.
// Either every part of a commit persists or none does.
type Commit struct {
	ExpectedVersion int
	// Visit is the new state. Status, signature refs, void reason,
	// corrections_resolved and the countersign flag are written from it.
	Visit          *Visit
	Signature      *Signature
	CorrectionNote *CorrectionNote
	Audit          *AuditEntry
}

// Store is the conditional-write storage contract of the lifecycle.
//
// Implementations return *Error values of kind ErrNotFound, ErrConflict or
// ErrInvalidTransition for the conditions below; anything else is an
// infrastructure failure.
type Store interface {
	// Create inserts a new visit together with its creation audit entry.
	Create(ctx context.Context, v *Visit, entry *AuditEntry) error
	// Get loads a visit with its correction notes.
	Get(ctx context.Context, id uuid.UUID) (*Visit, error)
	// Commit applies c if the stored version matches and returns the stored visit.
	Commit(ctx context.Context, c *Commit) (*Visit, error)
	// AppendAddendum inserts a, bumps addendum_count and writes entry, only if
	// the visit's current status is one of allowed. The version is untouched.
	AppendAddendum(ctx context.Context, a *Addendum, entry *AuditEntry, allowed []Status) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error)
	Signatures(ctx context.Context, visitID uuid.UUID) ([]*Signature, error)
	// Addenda are returned oldest first.
	Addenda(ctx context.Context, visitID uuid.UUID) ([]*Addendum, error)
	// AuditTrail is returned in commit order.
	AuditTrail(ctx context.Context, visitID uuid.UUID) ([]*AuditEntry, error)
}
