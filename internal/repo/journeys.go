package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"journeyline/internal/domain"
)

type journeyRow struct {
	ID          string         `db:"id"`
	TemplateID  string         `db:"template_id"`
	ClientID    string         `db:"client_id"`
	CaseID      sql.NullString `db:"case_id"`
	OwnerID     string         `db:"owner_id"`
	CreatedBy   string         `db:"created_by"`
	Status      string         `db:"status"`
	ProgressPct int            `db:"progress_pct"`
	NextAction  sql.NullString `db:"next_action_json"`
	StartedAt   string         `db:"started_at"`
	UpdatedAt   string         `db:"updated_at"`
	CompletedAt sql.NullString `db:"completed_at"`
}

const journeyColumns = `id,template_id,client_id,case_id,owner_id,created_by,status,progress_pct,next_action_json,started_at,updated_at,completed_at`

func (r journeyRow) toDomain() (domain.JourneyInstance, error) {
	j := domain.JourneyInstance{
		ID:          r.ID,
		TemplateID:  r.TemplateID,
		Subject:     domain.SubjectRef{ClientID: r.ClientID, CaseID: r.CaseID.String},
		OwnerID:     r.OwnerID,
		CreatedBy:   r.CreatedBy,
		Status:      domain.JourneyStatus(r.Status),
		ProgressPct: r.ProgressPct,
	}
	var err error
	if j.StartedAt, err = ParseTime(r.StartedAt); err != nil {
		return j, fmt.Errorf("journey %s started_at: %w", r.ID, err)
	}
	if j.UpdatedAt, err = ParseTime(r.UpdatedAt); err != nil {
		return j, fmt.Errorf("journey %s updated_at: %w", r.ID, err)
	}
	if j.CompletedAt, err = parseNullTime(r.CompletedAt); err != nil {
		return j, fmt.Errorf("journey %s completed_at: %w", r.ID, err)
	}
	if r.NextAction.Valid && r.NextAction.String != "" {
		var na domain.NextAction
		if err := json.Unmarshal([]byte(r.NextAction.String), &na); err != nil {
			return j, fmt.Errorf("journey %s next_action: %w", r.ID, err)
		}
		j.NextAction = &na
	}
	return j, nil
}

func marshalNextAction(na *domain.NextAction) (any, error) {
	if na == nil {
		return nil, nil
	}
	b, err := json.Marshal(na)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertJourney(ctx context.Context, q Queryer, j domain.JourneyInstance) error {
	na, err := marshalNextAction(j.NextAction)
	if err != nil {
		return err
	}
	_, err = exec(ctx, q, `INSERT INTO journey_instances(`+journeyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TemplateID, j.Subject.ClientID, nullable(j.Subject.CaseID), j.OwnerID, j.CreatedBy, string(j.Status),
		j.ProgressPct, na, FormatTime(j.StartedAt), FormatTime(j.UpdatedAt), formatTimePtr(j.CompletedAt))
	return err
}

func (r Repo) GetJourney(ctx context.Context, q Queryer, id string) (domain.JourneyInstance, error) {
	var row journeyRow
	if err := get(ctx, q, &row, `SELECT `+journeyColumns+` FROM journey_instances WHERE id=?`, id); err != nil {
		return domain.JourneyInstance{}, err
	}
	return row.toDomain()
}

type JourneyFilters struct {
	Status   string
	ClientID string
	CaseID   string
	OwnerID  string
	Limit    int
}

func (r Repo) ListJourneys(ctx context.Context, q Queryer, f JourneyFilters) ([]domain.JourneyInstance, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	query := `SELECT ` + journeyColumns + ` FROM journey_instances WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []journeyRow
	if err := selectAll(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.JourneyInstance, 0, len(rows))
	for _, row := range rows {
		j, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, nil
}

// TransitionJourney moves a journey from one status to another, failing with
// ErrConflict when the stored status is no longer from.
func (r Repo) TransitionJourney(ctx context.Context, q Queryer, id string, from, to domain.JourneyStatus, at time.Time) error {
	var completedAt any
	if to == domain.JourneyCompleted {
		completedAt = FormatTime(at)
	}
	res, err := exec(ctx, q, `UPDATE journey_instances SET status=?, updated_at=?, completed_at=? WHERE id=? AND status=?`,
		string(to), FormatTime(at), completedAt, id, string(from))
	return expectOne(res, err, ErrConflict)
}

// LockJourney takes the journey's row lock for the rest of the transaction.
// Every mutation of a journey or its stages calls it before reading, so
// concurrent mutations of one journey serialize and each recompute sees the
// stage writes committed before it. The no-op UPDATE locks on both dialects.
func (r Repo) LockJourney(ctx context.Context, q Queryer, id string) error {
	res, err := exec(ctx, q, `UPDATE journey_instances SET updated_at=updated_at WHERE id=?`, id)
	return expectOne(res, err, ErrNotFound)
}

// UpdateJourneyCache stores the derived progress and next action.
func (r Repo) UpdateJourneyCache(ctx context.Context, q Queryer, id string, progress int, next *domain.NextAction, at time.Time) error {
	na, err := marshalNextAction(next)
	if err != nil {
		return err
	}
	res, err := exec(ctx, q, `UPDATE journey_instances SET progress_pct=?, next_action_json=?, updated_at=? WHERE id=?`,
		progress, na, FormatTime(at), id)
	return expectOne(res, err, ErrNotFound)
}
