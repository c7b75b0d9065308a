package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benjamonnguyen/leakwatch"
)

// Recorder observes the outcome of every tick. Recorder errors are logged and
// never affect the synchronizer's cursor or history.
type Recorder interface {
	RecordBatch(ctx context.Context, b Batch) error
	RecordFailure(ctx context.Context, cursor leakwatch.Cursor, err error) error
}

type repoRecorder struct {
	resource string
	events   leakwatch.EventRepo
	sessions leakwatch.SyncSessionRepo
	tx       leakwatch.Transactor

	// mu serialises writes so last matches the newest session row.
	mu   sync.Mutex
	last *leakwatch.ExistingSyncSessionRecord
}

type RecorderOption func(*repoRecorder)

// WithTransactor archives a batch and its session atomically.
func WithTransactor(tx leakwatch.Transactor) RecorderOption {
	return func(r *repoRecorder) {
		r.tx = tx
	}
}

// NewRepoRecorder archives received events and a sync session per change of
// outcome. Idle ticks that leave the cursor where it was write nothing, and a
// run of identical failures keeps a single row. Either repo may be nil.
func NewRepoRecorder(resource string, events leakwatch.EventRepo, sessions leakwatch.SyncSessionRepo, opts ...RecorderOption) Recorder {
	r := &repoRecorder{
		resource: resource,
		events:   events,
		sessions: sessions,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *repoRecorder) RecordBatch(ctx context.Context, b Batch) error {
	return r.record(ctx, func(ctx context.Context) (*leakwatch.ExistingSyncSessionRecord, error) {
		return r.recordBatch(ctx, b)
	})
}

func (r *repoRecorder) RecordFailure(ctx context.Context, cursor leakwatch.Cursor, err error) error {
	return r.record(ctx, func(ctx context.Context) (*leakwatch.ExistingSyncSessionRecord, error) {
		return r.recordFailure(ctx, cursor, err)
	})
}

// record runs fn, inside a transaction if one is configured, and remembers the
// session it wrote only once that write is committed.
func (r *repoRecorder) record(ctx context.Context, fn func(context.Context) (*leakwatch.ExistingSyncSessionRecord, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var session *leakwatch.ExistingSyncSessionRecord
	run := func(ctx context.Context) error {
		var err error
		session, err = fn(ctx)
		return err
	}

	var err error
	if r.tx == nil {
		err = run(ctx)
	} else {
		err = r.tx.WithinTransaction(ctx, run)
	}
	if err != nil {
		return err
	}
	if session != nil {
		r.last = session
	}
	return nil
}

func (r *repoRecorder) recordBatch(ctx context.Context, b Batch) (*leakwatch.ExistingSyncSessionRecord, error) {
	if r.events != nil && len(b.Events) > 0 {
		if _, err := r.events.InsertEvents(ctx, r.resource, b.Events); err != nil {
			return nil, err
		}
	}
	if r.sessions == nil {
		return nil, nil
	}

	session := leakwatch.SyncSessionRecord{
		Resource: r.resource,
		Status:   leakwatch.SyncStatusSuccess,
		Received: len(b.Events),
		Cursor:   b.Cursor(),
	}
	if last := r.last; len(b.Events) == 0 && last != nil && last.Status == leakwatch.SyncStatusSuccess {
		if last.Cursor == session.Cursor {
			return nil, nil
		}
		if last.Received == 0 {
			return r.update(ctx, last.ID, session)
		}
	}
	return r.insert(ctx, session)
}

func (r *repoRecorder) recordFailure(ctx context.Context, cursor leakwatch.Cursor, err error) (*leakwatch.ExistingSyncSessionRecord, error) {
	if r.sessions == nil {
		return nil, nil
	}

	session := leakwatch.SyncSessionRecord{
		Resource: r.resource,
		Status:   leakwatch.SyncStatusError,
		Error:    err.Error(),
		Cursor:   cursor,
	}
	if last := r.last; last != nil && last.SyncSessionRecord == session {
		return nil, nil
	}
	return r.insert(ctx, session)
}

func (r *repoRecorder) insert(ctx context.Context, session leakwatch.SyncSessionRecord) (*leakwatch.ExistingSyncSessionRecord, error) {
	rec, err := r.sessions.InsertSession(ctx, session)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *repoRecorder) update(ctx context.Context, id uuid.UUID, session leakwatch.SyncSessionRecord) (*leakwatch.ExistingSyncSessionRecord, error) {
	rec, err := r.sessions.UpdateSession(ctx, id, session)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SeedFromArchive rebuilds a Batch from archived events so a restarted dashboard
// shows prior history. The cursor comes from the last successful session; with no
// such session it returns nil and no error.
func SeedFromArchive(ctx context.Context, resource string, limit int, events leakwatch.EventRepo, sessions leakwatch.SyncSessionRepo) (*Batch, error) {
	records, err := events.ListEvents(ctx, resource, limit)
	if err != nil {
		return nil, err
	}
	last, err := sessions.GetLastSession(ctx, resource, leakwatch.SyncStatusSuccess)
	if errors.Is(err, leakwatch.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b := &Batch{
		LastTimestamp: last.Cursor.LastTimestamp,
		EventsSince:   last.Cursor.EventsSince,
		Events:        make([]leakwatch.Event, 0, len(records)),
	}
	for _, rec := range records {
		b.Events = append(b.Events, rec.Event)
	}
	return b, nil
}

// PruneSessions drops sync sessions for resource older than retention. The last
// successful session survives so SeedFromArchive still finds a cursor.
func PruneSessions(ctx context.Context, resource string, retention time.Duration, sessions leakwatch.SyncSessionRepo) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	return sessions.DeleteSessions(ctx, resource, time.Now().Add(-retention))
}
