package store

import (
	"context"
	"errors"

	"github.com/roach88/flowguard/internal/policy"
)

var (
	// ErrNotFound is returned when no policy has the requested id.
	ErrNotFound = errors.New("store: policy not found")
	// ErrStale is returned when an evaluation would overwrite a newer one.
	ErrStale = errors.New("store: stale evaluation")
	// ErrDuplicate is returned when a policy id is inserted twice.
	ErrDuplicate = errors.New("store: duplicate policy id")
)

// Store is the durable set of policy records plus the event log.
// Implemented by *SQL and *Memory.
type Store interface {
	// Update runs fn in a transaction. The transaction commits iff fn
	// returns nil.
	Update(ctx context.Context, fn func(Tx) error) error

	Get(ctx context.Context, id policy.ID) (policy.Record, error)
	// ListByOwner returns the owner's policies ordered by id.
	ListByOwner(ctx context.Context, owner policy.Account) ([]policy.Record, error)
	// Owners returns every distinct owner in ascending order.
	Owners(ctx context.Context) ([]policy.Account, error)
	Count(ctx context.Context) (int64, error)
	// Events returns the log ordered by seq. id 0 means every policy.
	Events(ctx context.Context, id policy.ID) ([]policy.Event, error)

	Close() error
}

// Tx is the write side of Store, valid only inside Update.
type Tx interface {
	// NextID allocates a policy id. Ids start at 1 and increase by one per
	// committed mint.
	NextID(ctx context.Context) (policy.ID, error)
	// NextSeq allocates the next logical sequence number.
	NextSeq(ctx context.Context) (int64, error)

	Get(ctx context.Context, id policy.ID) (policy.Record, error)
	Insert(ctx context.Context, rec policy.Record) error
	// UpdateEvaluation writes State, LastObservedFlowRate and
	// LastEvaluatedSeq. It returns ErrStale unless rec.LastEvaluatedSeq is
	// greater than the stored value.
	UpdateEvaluation(ctx context.Context, rec policy.Record) error
	UpdateOwner(ctx context.Context, id policy.ID, owner policy.Account) error
	// AppendEvent is idempotent on the event id.
	AppendEvent(ctx context.Context, ev policy.Event) error
}
