package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"journeyline/internal/domain"
)

type stageRow struct {
	ID              string         `db:"id"`
	JourneyID       string         `db:"journey_id"`
	TemplateStageID sql.NullString `db:"template_stage_id"`
	Seq             int64          `db:"seq"`
	Position        int            `db:"position"`
	Title           string         `db:"title"`
	Description     sql.NullString `db:"description"`
	Kind            string         `db:"kind"`
	Mandatory       bool           `db:"mandatory"`
	Custom          bool           `db:"custom"`
	Status          string         `db:"status"`
	CreatedAt       string         `db:"created_at"`
	StartedAt       sql.NullString `db:"started_at"`
	DueAt           sql.NullString `db:"due_at"`
	CompletedAt     sql.NullString `db:"completed_at"`
	CompletedBy     sql.NullString `db:"completed_by"`
}

const stageColumns = `id,journey_id,template_stage_id,seq,position,title,description,kind,mandatory,custom,status,created_at,started_at,due_at,completed_at,completed_by`

// stageOrder is the canonical stage ordering: position, then creation sequence.
const stageOrder = ` ORDER BY position ASC, seq ASC, id ASC`

func (r stageRow) toDomain() (domain.StageInstance, error) {
	s := domain.StageInstance{
		ID:              r.ID,
		JourneyID:       r.JourneyID,
		TemplateStageID: r.TemplateStageID.String,
		Seq:             r.Seq,
		Position:        r.Position,
		Title:           r.Title,
		Description:     r.Description.String,
		Kind:            domain.StageKind(r.Kind),
		Mandatory:       r.Mandatory,
		Custom:          r.Custom,
		Status:          domain.StageStatus(r.Status),
		CompletedBy:     r.CompletedBy.String,
	}
	var err error
	if s.CreatedAt, err = ParseTime(r.CreatedAt); err != nil {
		return s, fmt.Errorf("stage %s created_at: %w", r.ID, err)
	}
	if s.StartedAt, err = parseNullTime(r.StartedAt); err != nil {
		return s, fmt.Errorf("stage %s started_at: %w", r.ID, err)
	}
	if s.DueAt, err = parseNullTime(r.DueAt); err != nil {
		return s, fmt.Errorf("stage %s due_at: %w", r.ID, err)
	}
	if s.CompletedAt, err = parseNullTime(r.CompletedAt); err != nil {
		return s, fmt.Errorf("stage %s completed_at: %w", r.ID, err)
	}
	return s, nil
}

func toStages(rows []stageRow) ([]domain.StageInstance, error) {
	res := make([]domain.StageInstance, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) InsertStage(ctx context.Context, q Queryer, s domain.StageInstance) error {
	_, err := exec(ctx, q, `INSERT INTO stage_instances(`+stageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.JourneyID, nullable(s.TemplateStageID), s.Seq, s.Position, s.Title, nullable(s.Description), string(s.Kind),
		s.Mandatory, s.Custom, string(s.Status), FormatTime(s.CreatedAt), formatTimePtr(s.StartedAt), formatTimePtr(s.DueAt),
		formatTimePtr(s.CompletedAt), nullable(s.CompletedBy))
	return err
}

func (r Repo) GetStage(ctx context.Context, q Queryer, id string) (domain.StageInstance, error) {
	var row stageRow
	if err := get(ctx, q, &row, `SELECT `+stageColumns+` FROM stage_instances WHERE id=?`, id); err != nil {
		return domain.StageInstance{}, err
	}
	return row.toDomain()
}

// ListStages returns a journey's stages in canonical order.
func (r Repo) ListStages(ctx context.Context, q Queryer, journeyID string) ([]domain.StageInstance, error) {
	var rows []stageRow
	if err := selectAll(ctx, q, &rows, `SELECT `+stageColumns+` FROM stage_instances WHERE journey_id=?`+stageOrder, journeyID); err != nil {
		return nil, err
	}
	return toStages(rows)
}

// ListOpenStagesDueBefore returns non-completed stages with a due-at earlier
// than cutoff, optionally restricted to one journey.
func (r Repo) ListOpenStagesDueBefore(ctx context.Context, q Queryer, journeyID string, cutoff time.Time) ([]domain.StageInstance, error) {
	query := `SELECT ` + stageColumns + ` FROM stage_instances WHERE status<>'completed' AND due_at IS NOT NULL AND due_at<?`
	args := []any{FormatTime(cutoff)}
	if journeyID != "" {
		query += ` AND journey_id=?`
		args = append(args, journeyID)
	}
	var rows []stageRow
	if err := selectAll(ctx, q, &rows, query+` ORDER BY due_at ASC, journey_id ASC, seq ASC`, args...); err != nil {
		return nil, err
	}
	return toStages(rows)
}

// CompleteStage is the atomic completion check-and-set: it fails with
// ErrConflict when the stage is already completed.
func (r Repo) CompleteStage(ctx context.Context, q Queryer, id, actorID string, at time.Time) error {
	res, err := exec(ctx, q, `UPDATE stage_instances SET status='completed', completed_at=?, completed_by=? WHERE id=? AND status<>'completed'`,
		FormatTime(at), nullable(actorID), id)
	return expectOne(res, err, ErrConflict)
}

// StartStage moves a pending stage to in_progress.
func (r Repo) StartStage(ctx context.Context, q Queryer, id string, at time.Time) error {
	res, err := exec(ctx, q, `UPDATE stage_instances SET status='in_progress', started_at=? WHERE id=? AND status='pending'`,
		FormatTime(at), id)
	return expectOne(res, err, ErrConflict)
}

// NextStageSlot returns the next creation sequence and the position after the
// highest existing one for a journey.
func (r Repo) NextStageSlot(ctx context.Context, q Queryer, journeyID string) (seq int64, position int, err error) {
	var row struct {
		Seq      int64 `db:"seq"`
		Position int   `db:"position"`
	}
	if err := get(ctx, q, &row, `SELECT COALESCE(MAX(seq),0) AS seq, COALESCE(MAX(position),0) AS position FROM stage_instances WHERE journey_id=?`, journeyID); err != nil {
		return 0, 0, err
	}
	return row.Seq + 1, row.Position + 1, nil
}
