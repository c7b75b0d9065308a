package leakwatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is wrapped by repositories when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Transactor runs fn inside a single transaction carried by ctx. Repositories
// built on the same connection pick the transaction up from ctx.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventRepo archives event-log batches locally so history survives a dashboard restart.
type EventRepo interface {
	InsertEvents(ctx context.Context, resource string, events []Event) (int, error)
	// ListEvents returns up to limit of the most recent events for resource, oldest
	// first. limit <= 0 returns everything.
	ListEvents(ctx context.Context, resource string, limit int) ([]ExistingEventRecord, error)
}

type ExistingEventRecord struct {
	Event
	ID         int
	Resource   string
	ArchivedAt time.Time
}

type SyncSessionRepo interface {
	InsertSession(ctx context.Context, session SyncSessionRecord) (ExistingSyncSessionRecord, error)
	GetSession(ctx context.Context, id uuid.UUID) (ExistingSyncSessionRecord, error)
	GetLastSession(ctx context.Context, resource string, status SyncStatus) (ExistingSyncSessionRecord, error)
	UpdateSession(ctx context.Context, id uuid.UUID, updated SyncSessionRecord) (ExistingSyncSessionRecord, error)
	// DeleteSessions removes sessions for resource created before the given time,
	// keeping the last successful one. It returns the number removed.
	DeleteSessions(ctx context.Context, resource string, before time.Time) (int, error)
}

// SyncSessionRecord describes the outcome of one event-log sync tick.
type SyncSessionRecord struct {
	Resource string
	Status   SyncStatus
	Error    string
	Received int
	Cursor   Cursor
}

type ExistingSyncSessionRecord struct {
	SyncSessionRecord
	ID        uuid.UUID
	CreatedAt time.Time
}

type SyncStatus int

const (
	_                 SyncStatus = iota
	SyncStatusSuccess            // batch applied to client history
	SyncStatusError
)

func (s SyncStatus) String() string {
	switch s {
	case SyncStatusSuccess:
		return "success"
	case SyncStatusError:
		return "error"
	default:
		return "unknown"
	}
}
