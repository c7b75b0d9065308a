package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	txStdLib "github.com/Thiht/transactor/stdlib"
	"github.com/google/uuid"

	"github.com/benjamonnguyen/leakwatch"
)

const (
	selectAllSyncSessions = "SELECT id, resource, status, error, received, last_timestamp, events_since, created_at FROM sync_sessions"
)

type syncSessionEntity struct {
	ID            string
	Resource      string
	Status        int
	Error         sql.NullString
	Received      int
	LastTimestamp string
	EventsSince   string
	CreatedAt     int64
}

// syncSessionRepo
type syncSessionRepo struct {
	dbGetter txStdLib.DBGetter
	l        leakwatch.Logger
}

var _ leakwatch.SyncSessionRepo = (*syncSessionRepo)(nil)

func NewSyncSessionRepo(dbGetter txStdLib.DBGetter, logger leakwatch.Logger) leakwatch.SyncSessionRepo {
	return &syncSessionRepo{
		l:        logger,
		dbGetter: dbGetter,
	}
}

func (r *syncSessionRepo) GetSession(ctx context.Context, id uuid.UUID) (leakwatch.ExistingSyncSessionRecord, error) {
	if id == uuid.Nil {
		return leakwatch.ExistingSyncSessionRecord{}, fmt.Errorf("provide id")
	}

	db := r.dbGetter(ctx)
	row := db.QueryRowContext(
		ctx,
		fmt.Sprintf("%s WHERE id=?", selectAllSyncSessions), id.String(),
	)

	return extractSyncSession(row)
}

func (r *syncSessionRepo) GetLastSession(ctx context.Context, resource string, status leakwatch.SyncStatus) (leakwatch.ExistingSyncSessionRecord, error) {
	if resource == "" {
		return leakwatch.ExistingSyncSessionRecord{}, fmt.Errorf("provide resource")
	}

	db := r.dbGetter(ctx)
	row := db.QueryRowContext(
		ctx,
		fmt.Sprintf("%s WHERE resource=? AND status=? ORDER BY created_at DESC, rowid DESC LIMIT 1", selectAllSyncSessions),
		resource, int(status),
	)

	return extractSyncSession(row)
}

func (r *syncSessionRepo) InsertSession(ctx context.Context, session leakwatch.SyncSessionRecord) (leakwatch.ExistingSyncSessionRecord, error) {
	if session.Resource == "" {
		return leakwatch.ExistingSyncSessionRecord{}, fmt.Errorf("provide required field 'Resource'")
	}

	db := r.dbGetter(ctx)
	existingRecord := leakwatch.ExistingSyncSessionRecord{
		SyncSessionRecord: session,
		ID:                uuid.New(),
		CreatedAt:         time.Now(),
	}
	e := mapToSyncSessionEntity(existingRecord)

	args := []any{
		e.ID,
		e.Resource,
		e.Status,
		e.Error,
		e.Received,
		e.LastTimestamp,
		e.EventsSince,
		e.CreatedAt,
	}
	query := "INSERT INTO sync_sessions (id, resource, status, error, received, last_timestamp, events_since, created_at) VALUES " + generateParameters(len(args))
	r.l.Debug("creating sync session", "query", query, "entity", e)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return leakwatch.ExistingSyncSessionRecord{}, err
	}

	return existingRecord, nil
}

func (r *syncSessionRepo) UpdateSession(ctx context.Context, id uuid.UUID, updated leakwatch.SyncSessionRecord) (leakwatch.ExistingSyncSessionRecord, error) {
	existing, err := r.GetSession(ctx, id)
	if err != nil {
		return existing, err
	}

	query := "UPDATE sync_sessions SET status = ?, error = ?, received = ?, last_timestamp = ?, events_since = ? WHERE id = ?"
	existing.Status = updated.Status
	existing.Error = updated.Error
	existing.Received = updated.Received
	existing.Cursor = updated.Cursor
	e := mapToSyncSessionEntity(existing)

	r.l.Debug("updating sync session", "query", query, "entity", e)
	if _, err := r.dbGetter(ctx).ExecContext(
		ctx,
		query,
		e.Status, e.Error, e.Received, e.LastTimestamp, e.EventsSince, e.ID,
	); err != nil {
		return leakwatch.ExistingSyncSessionRecord{}, err
	}

	return existing, nil
}

func (r *syncSessionRepo) DeleteSessions(ctx context.Context, resource string, before time.Time) (int, error) {
	if resource == "" {
		return 0, fmt.Errorf("provide resource")
	}

	// the last success carries the cursor a restart seeds from
	query := `DELETE FROM sync_sessions WHERE resource = ? AND created_at < ? AND id NOT IN (
	SELECT id FROM sync_sessions WHERE resource = ? AND status = ? ORDER BY created_at DESC, rowid DESC LIMIT 1)`
	r.l.Debug("deleting sync sessions", "query", query, "resource", resource, "before", before)
	res, err := r.dbGetter(ctx).ExecContext(
		ctx,
		query,
		resource, before.UnixMilli(), resource, int(leakwatch.SyncStatusSuccess),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(n), nil
}

func extractSyncSession(s scannable) (leakwatch.ExistingSyncSessionRecord, error) {
	var e syncSessionEntity
	if err := s.Scan(&e.ID, &e.Resource, &e.Status, &e.Error, &e.Received, &e.LastTimestamp, &e.EventsSince, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leakwatch.ExistingSyncSessionRecord{}, fmt.Errorf("failed to extract sync session: %w", leakwatch.ErrNotFound)
		}
		return leakwatch.ExistingSyncSessionRecord{}, err
	}

	return mapToExistingSyncSessionRecord(e)
}

func mapToSyncSessionEntity(session leakwatch.ExistingSyncSessionRecord) syncSessionEntity {
	e := syncSessionEntity{
		ID:            session.ID.String(),
		Resource:      session.Resource,
		Status:        int(session.Status),
		Received:      session.Received,
		LastTimestamp: session.Cursor.LastTimestamp,
		EventsSince:   session.Cursor.EventsSince,
		CreatedAt:     session.CreatedAt.UnixMilli(),
	}
	if session.Error != "" {
		e.Error = sql.NullString{
			Valid:  true,
			String: session.Error,
		}
	}
	return e
}

func mapToExistingSyncSessionRecord(e syncSessionEntity) (leakwatch.ExistingSyncSessionRecord, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return leakwatch.ExistingSyncSessionRecord{}, fmt.Errorf("parse sync session id %q: %w", e.ID, err)
	}

	var errorStr string
	if e.Error.Valid {
		errorStr = e.Error.String
	}

	return leakwatch.ExistingSyncSessionRecord{
		ID:        id,
		CreatedAt: time.UnixMilli(e.CreatedAt).Local(),
		SyncSessionRecord: leakwatch.SyncSessionRecord{
			Resource: e.Resource,
			Status:   leakwatch.SyncStatus(e.Status),
			Error:    errorStr,
			Received: e.Received,
			Cursor: leakwatch.Cursor{
				LastTimestamp: e.LastTimestamp,
				EventsSince:   e.EventsSince,
			},
		},
	}, nil
}
