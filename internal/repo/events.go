package repo

import (
	"context"
	"database/sql"
	"strings"

	"journeyline/internal/domain"
)

type eventRow struct {
	ID         int64          `db:"id"`
	TS         string         `db:"ts"`
	Type       string         `db:"type"`
	JourneyID  sql.NullString `db:"journey_id"`
	EntityKind string         `db:"entity_kind"`
	EntityID   sql.NullString `db:"entity_id"`
	ActorID    string         `db:"actor_id"`
	Payload    string         `db:"payload_json"`
}

func (r eventRow) toDomain() domain.Event {
	return domain.Event{
		ID:         r.ID,
		TS:         r.TS,
		Type:       r.Type,
		JourneyID:  r.JourneyID.String,
		EntityKind: r.EntityKind,
		EntityID:   r.EntityID.String,
		ActorID:    r.ActorID,
		Payload:    r.Payload,
	}
}

// InsertEvent appends to the outbox and returns the assigned id.
func (r Repo) InsertEvent(ctx context.Context, q Queryer, e domain.Event) (int64, error) {
	var id int64
	err := get(ctx, q, &id, `INSERT INTO events(ts,type,journey_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?) RETURNING id`,
		e.TS, e.Type, nullable(e.JourneyID), e.EntityKind, nullable(e.EntityID), e.ActorID, e.Payload)
	return id, err
}

// EventFilters narrows LatestEvents. Type is an exact event type or a family
// such as "ticket.*".
type EventFilters struct {
	JourneyID  string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, q Queryer, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if f.JourneyID != "" {
		clauses = append(clauses, "journey_id=?")
		args = append(args, f.JourneyID)
	}
	if family, ok := strings.CutSuffix(f.Type, ".*"); ok {
		clauses = append(clauses, "type LIKE ?")
		args = append(args, family+".%")
	} else if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	args = append(args, f.Limit)
	return r.queryEvents(ctx, q, `SELECT id,ts,type,journey_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
}

// EventsAfter returns up to limit events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, q Queryer, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, q, `SELECT id,ts,type,journey_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context, q Queryer) (int64, error) {
	var id int64
	if err := get(ctx, q, &id, `SELECT COALESCE(MAX(id),0) FROM events`); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, q Queryer, query string, args ...any) ([]domain.Event, error) {
	var rows []eventRow
	if err := selectAll(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}
