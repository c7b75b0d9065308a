package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	txStdLib "github.com/Thiht/transactor/stdlib"

	"github.com/benjamonnguyen/leakwatch"
)

const (
	selectAllEvents = "SELECT id, resource, timestamp, level, message, archived_at FROM events"

	// keeps a single insert under sqlite's default bound-parameter limit
	maxEventsPerInsert = 100
)

type eventEntity struct {
	ID         int
	Resource   string
	Timestamp  string
	Level      string
	Message    string
	ArchivedAt int64
}

// eventRepo
type eventRepo struct {
	dbGetter txStdLib.DBGetter
	l        leakwatch.Logger
}

var _ leakwatch.EventRepo = (*eventRepo)(nil)

func NewEventRepo(dbGetter txStdLib.DBGetter, logger leakwatch.Logger) leakwatch.EventRepo {
	return &eventRepo{
		l:        logger,
		dbGetter: dbGetter,
	}
}

func (r *eventRepo) InsertEvents(ctx context.Context, resource string, events []leakwatch.Event) (int, error) {
	if resource == "" {
		return 0, fmt.Errorf("provide resource")
	}

	db := r.dbGetter(ctx)
	now := time.Now().UnixMilli()
	var inserted int
	for start := 0; start < len(events); start += maxEventsPerInsert {
		chunk := events[start:min(start+maxEventsPerInsert, len(events))]

		args := make([]any, 0, len(chunk)*5)
		for _, e := range chunk {
			args = append(args, resource, e.Timestamp, string(e.Level), e.Message, now)
		}
		query := "INSERT INTO events (resource, timestamp, level, message, archived_at) VALUES " + generateValues(len(chunk), 5)
		r.l.Debug("archiving events", "resource", resource, "count", len(chunk))
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}

	return inserted, nil
}

func (r *eventRepo) ListEvents(ctx context.Context, resource string, limit int) ([]leakwatch.ExistingEventRecord, error) {
	if resource == "" {
		return nil, fmt.Errorf("provide resource")
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf("SELECT * FROM (%s WHERE resource=? ORDER BY id DESC LIMIT ?) ORDER BY id ASC", selectAllEvents)
	r.l.Debug("listing events", "query", query, "resource", resource, "limit", limit)
	rows, err := r.dbGetter(ctx).QueryContext(ctx, query, resource, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var records []leakwatch.ExistingEventRecord
	for rows.Next() {
		rec, err := extractEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func extractEvent(s scannable) (leakwatch.ExistingEventRecord, error) {
	var e eventEntity
	if err := s.Scan(&e.ID, &e.Resource, &e.Timestamp, &e.Level, &e.Message, &e.ArchivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leakwatch.ExistingEventRecord{}, fmt.Errorf("failed to extract event: %w", leakwatch.ErrNotFound)
		}
		return leakwatch.ExistingEventRecord{}, err
	}

	return leakwatch.ExistingEventRecord{
		ID:         e.ID,
		Resource:   e.Resource,
		ArchivedAt: time.UnixMilli(e.ArchivedAt).Local(),
		Event: leakwatch.Event{
			Timestamp: e.Timestamp,
			Level:     leakwatch.Level(e.Level),
			Message:   e.Message,
		},
	}, nil
}
