package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"specflow/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(subject_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

// EventFilters narrows event queries. Cursor is exclusive.
type EventFilters struct {
	SubjectID string
	Type      string
	Cursor    int64
	Limit     int
}

// LatestEvents returns events newest first, strictly before Cursor when set.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses, args := eventClauses(f)
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	return r.queryEvents(ctx, clauses, args, "DESC", f.Limit)
}

// EventsAfter returns events with IDs greater than Cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses, args := eventClauses(f)
	if f.Cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.Cursor)
	}
	return r.queryEvents(ctx, clauses, args, "ASC", f.Limit)
}

func eventClauses(f EventFilters) ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	return clauses, args
}

func (r Repo) queryEvents(ctx context.Context, clauses []string, args []any, order string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id %s LIMIT ?`, eventColumns, strings.Join(clauses, " AND "), order)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SubjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally for one subject.
func (r Repo) LatestEventID(ctx context.Context, subjectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id=?`
		args = append(args, subjectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
