package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/store"
)

const eventColumns = `id, instance_id, kind, subtype, checkpoint_id, payload, created_at`

func scanEvent(row rowScanner) (*store.Event, error) {
	var ev store.Event
	err := row.Scan(&ev.ID, &ev.InstanceID, &ev.Kind, &ev.Subtype, &ev.CheckpointID, &ev.Payload, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) InsertEvent(ctx context.Context, ev *store.Event) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `INSERT INTO events (instance_id, kind, subtype, checkpoint_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	err := s.db.QueryRowContext(ctx, query,
		ev.InstanceID, ev.Kind, ev.Subtype, ev.CheckpointID, ev.Payload, createdAt,
	).Scan(&ev.ID)
	if err != nil {
		return fault.Storage(err)
	}
	ev.CreatedAt = createdAt
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]*store.Event, error) {
	query, args := buildEventQuery(fmt.Sprintf("SELECT %s FROM events", eventColumns), f, true)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage(err)
	}
	defer rows.Close()

	var out []*store.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fault.Storage(err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(err)
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context, f store.EventFilter) (int64, error) {
	f.Limit, f.Offset = 0, 0
	query, args := buildEventQuery("SELECT COUNT(*) FROM events", f, false)
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fault.Storage(err)
	}
	return count, nil
}

func (s *Store) LatestEventAt(ctx context.Context, instanceID string) (*time.Time, error) {
	query := `SELECT MAX(created_at) FROM events WHERE instance_id = $1`
	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, instanceID).Scan(&latest); err != nil {
		return nil, fault.Storage(err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time
	return &t, nil
}

func buildEventQuery(base string, f store.EventFilter, paged bool) (string, []interface{}) {
	query := base + " WHERE 1=1"
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.InstanceID != "" {
		query += " AND instance_id = " + arg(f.InstanceID)
	}
	if f.Kind != "" {
		query += " AND kind = " + arg(f.Kind)
	}
	if f.Subtype != "" {
		query += " AND subtype = " + arg(f.Subtype)
	}
	if f.PayloadMatch != "" {
		query += " AND convert_from(payload, 'UTF8') LIKE " + arg("%"+f.PayloadMatch+"%")
	}
	if f.CreatedAfter != nil {
		query += " AND created_at >= " + arg(f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		query += " AND created_at <= " + arg(f.CreatedBefore.UTC())
	}
	if paged {
		query += " ORDER BY id ASC"
		limit := f.Limit
		if limit <= 0 {
			limit = 100
		}
		query += " LIMIT " + arg(limit)
		if f.Offset > 0 {
			query += " OFFSET " + arg(f.Offset)
		}
	}
	return query, args
}
