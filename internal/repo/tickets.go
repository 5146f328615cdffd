package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"journeyline/internal/domain"
)

type ticketRow struct {
	ID                 string         `db:"id"`
	Title              string         `db:"title"`
	RequesterID        string         `db:"requester_id"`
	AssigneeID         sql.NullString `db:"assignee_id"`
	Priority           string         `db:"priority"`
	Status             string         `db:"status"`
	CreatedAt          string         `db:"created_at"`
	FirstResponseDueAt string         `db:"first_response_due_at"`
	ResolutionDueAt    string         `db:"resolution_due_at"`
	FirstRespondedAt   sql.NullString `db:"first_responded_at"`
	ResolvedAt         sql.NullString `db:"resolved_at"`
}

const ticketColumns = `id,title,requester_id,assignee_id,priority,status,created_at,first_response_due_at,resolution_due_at,first_responded_at,resolved_at`

func (r ticketRow) toDomain() (domain.Ticket, error) {
	t := domain.Ticket{
		ID:          r.ID,
		Title:       r.Title,
		RequesterID: r.RequesterID,
		AssigneeID:  r.AssigneeID.String,
		Priority:    domain.Priority(r.Priority),
		Status:      domain.TicketStatus(r.Status),
	}
	var err error
	if t.CreatedAt, err = ParseTime(r.CreatedAt); err != nil {
		return t, fmt.Errorf("ticket %s created_at: %w", r.ID, err)
	}
	if t.FirstResponseDueAt, err = ParseTime(r.FirstResponseDueAt); err != nil {
		return t, fmt.Errorf("ticket %s first_response_due_at: %w", r.ID, err)
	}
	if t.ResolutionDueAt, err = ParseTime(r.ResolutionDueAt); err != nil {
		return t, fmt.Errorf("ticket %s resolution_due_at: %w", r.ID, err)
	}
	if t.FirstRespondedAt, err = parseNullTime(r.FirstRespondedAt); err != nil {
		return t, fmt.Errorf("ticket %s first_responded_at: %w", r.ID, err)
	}
	if t.ResolvedAt, err = parseNullTime(r.ResolvedAt); err != nil {
		return t, fmt.Errorf("ticket %s resolved_at: %w", r.ID, err)
	}
	return t, nil
}

func (r Repo) InsertTicket(ctx context.Context, q Queryer, t domain.Ticket) error {
	_, err := exec(ctx, q, `INSERT INTO tickets(`+ticketColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.RequesterID, nullable(t.AssigneeID), string(t.Priority), string(t.Status), FormatTime(t.CreatedAt),
		FormatTime(t.FirstResponseDueAt), FormatTime(t.ResolutionDueAt), formatTimePtr(t.FirstRespondedAt), formatTimePtr(t.ResolvedAt))
	return err
}

func (r Repo) GetTicket(ctx context.Context, q Queryer, id string) (domain.Ticket, error) {
	var row ticketRow
	if err := get(ctx, q, &row, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id); err != nil {
		return domain.Ticket{}, err
	}
	return row.toDomain()
}

// UpdateTicketDeadlines stores a new priority and its re-derived deadlines on
// an open ticket.
func (r Repo) UpdateTicketDeadlines(ctx context.Context, q Queryer, t domain.Ticket) error {
	res, err := exec(ctx, q, `UPDATE tickets SET priority=?, first_response_due_at=?, resolution_due_at=? WHERE id=? AND status='open'`,
		string(t.Priority), FormatTime(t.FirstResponseDueAt), FormatTime(t.ResolutionDueAt), t.ID)
	return expectOne(res, err, ErrConflict)
}

func (r Repo) MarkTicketResponded(ctx context.Context, q Queryer, id string, at time.Time) error {
	res, err := exec(ctx, q, `UPDATE tickets SET first_responded_at=? WHERE id=? AND first_responded_at IS NULL AND status='open'`,
		FormatTime(at), id)
	return expectOne(res, err, ErrConflict)
}

// ResolveTicket closes an open ticket; a ticket resolved without a prior
// response counts its resolution as the first response.
func (r Repo) ResolveTicket(ctx context.Context, q Queryer, id string, at time.Time) error {
	ts := FormatTime(at)
	res, err := exec(ctx, q, `UPDATE tickets SET status='resolved', resolved_at=?, first_responded_at=COALESCE(first_responded_at, ?) WHERE id=? AND status='open'`,
		ts, ts, id)
	return expectOne(res, err, ErrConflict)
}

// ListOpenTicketsDueBefore returns open tickets whose first-response (not yet
// given) or resolution deadline is earlier than cutoff.
func (r Repo) ListOpenTicketsDueBefore(ctx context.Context, q Queryer, cutoff time.Time) ([]domain.Ticket, error) {
	c := FormatTime(cutoff)
	var rows []ticketRow
	if err := selectAll(ctx, q, &rows, `SELECT `+ticketColumns+` FROM tickets
WHERE status='open' AND ((first_responded_at IS NULL AND first_response_due_at<?) OR resolution_due_at<?)
ORDER BY first_response_due_at ASC, id ASC`, c, c); err != nil {
		return nil, err
	}
	res := make([]domain.Ticket, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
