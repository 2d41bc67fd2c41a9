package mutation

import (
	"context"
	"time"
)

// Status is a mutation's journal state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// Entry is one journal record.
type Entry struct {
	ID        string
	Function  string
	Args      string // canonical wire text
	Keys      []string
	Status    Status
	ErrorKind string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal records each mutation's lifecycle. Implemented by store.Store.
// Journal failures are logged and never fail the mutation itself.
type Journal interface {
	Begin(ctx context.Context, e Entry) error
	Finish(ctx context.Context, id string, status Status, cause error) error
}

// Observer receives mutation outcomes. Implemented by metrics.Collector.
type Observer interface {
	ObserveMutation(function string, outcome string, elapsed time.Duration)
	ObserveRollback(function string, keys int)
}
