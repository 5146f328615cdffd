package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"journeyline/internal/domain"
)

type templateRow struct {
	ID           string         `db:"id"`
	Key          string         `db:"template_key"`
	Version      string         `db:"version"`
	Name         string         `db:"name"`
	Niche        sql.NullString `db:"niche"`
	ExpectedDays int            `db:"expected_days"`
	CreatedAt    string         `db:"created_at"`
	StageCount   int            `db:"stage_count"`
}

func (r templateRow) toDomain() (domain.JourneyTemplate, error) {
	created, err := ParseTime(r.CreatedAt)
	if err != nil {
		return domain.JourneyTemplate{}, fmt.Errorf("template %s created_at: %w", r.ID, err)
	}
	return domain.JourneyTemplate{
		ID:           r.ID,
		Key:          r.Key,
		Version:      r.Version,
		Name:         r.Name,
		Niche:        r.Niche.String,
		StageCount:   r.StageCount,
		ExpectedDays: r.ExpectedDays,
		CreatedAt:    created,
	}, nil
}

const templateSelect = `SELECT t.id, t.template_key, t.version, t.name, t.niche, t.expected_days, t.created_at,
(SELECT COUNT(*) FROM template_stages s WHERE s.template_id=t.id) AS stage_count
FROM journey_templates t`

func (r Repo) InsertTemplate(ctx context.Context, q Queryer, t domain.JourneyTemplate) error {
	_, err := exec(ctx, q, `INSERT INTO journey_templates(id,template_key,version,name,niche,expected_days,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Key, t.Version, t.Name, nullable(t.Niche), t.ExpectedDays, FormatTime(t.CreatedAt))
	return err
}

func (r Repo) UpdateTemplate(ctx context.Context, q Queryer, t domain.JourneyTemplate) error {
	res, err := exec(ctx, q, `UPDATE journey_templates SET template_key=?, version=?, name=?, niche=?, expected_days=? WHERE id=?`,
		t.Key, t.Version, t.Name, nullable(t.Niche), t.ExpectedDays, t.ID)
	return expectOne(res, err, ErrNotFound)
}

func (r Repo) GetTemplate(ctx context.Context, q Queryer, id string) (domain.JourneyTemplate, error) {
	var row templateRow
	if err := get(ctx, q, &row, templateSelect+` WHERE t.id=?`, id); err != nil {
		return domain.JourneyTemplate{}, err
	}
	return row.toDomain()
}

func (r Repo) GetTemplateByKey(ctx context.Context, q Queryer, key, version string) (domain.JourneyTemplate, error) {
	var row templateRow
	if err := get(ctx, q, &row, templateSelect+` WHERE t.template_key=? AND t.version=?`, key, version); err != nil {
		return domain.JourneyTemplate{}, err
	}
	return row.toDomain()
}

// ListTemplates returns all templates, or those of one key when key is set.
func (r Repo) ListTemplates(ctx context.Context, q Queryer, key string) ([]domain.JourneyTemplate, error) {
	query := templateSelect
	var args []any
	if key != "" {
		query += ` WHERE t.template_key=?`
		args = append(args, key)
	}
	query += ` ORDER BY t.template_key, t.created_at, t.id`
	var rows []templateRow
	if err := selectAll(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.JourneyTemplate, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// TemplateInUse reports whether any journey instance references the template.
func (r Repo) TemplateInUse(ctx context.Context, q Queryer, templateID string) (bool, error) {
	var n int
	if err := get(ctx, q, &n, `SELECT COUNT(*) FROM journey_instances WHERE template_id=?`, templateID); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteTemplateStages(ctx context.Context, q Queryer, templateID string) error {
	_, err := exec(ctx, q, `DELETE FROM template_stages WHERE template_id=?`, templateID)
	return err
}

type templateStageRow struct {
	ID          string         `db:"id"`
	TemplateID  string         `db:"template_id"`
	Position    int            `db:"position"`
	Title       string         `db:"title"`
	Description sql.NullString `db:"description"`
	Kind        string         `db:"kind"`
	Mandatory   bool           `db:"mandatory"`
	SLAHours    sql.NullInt64  `db:"sla_hours"`
}

func (r templateStageRow) toDomain() domain.TemplateStage {
	s := domain.TemplateStage{
		ID:          r.ID,
		TemplateID:  r.TemplateID,
		Position:    r.Position,
		Title:       r.Title,
		Description: r.Description.String,
		Kind:        domain.StageKind(r.Kind),
		Mandatory:   r.Mandatory,
	}
	if r.SLAHours.Valid {
		h := int(r.SLAHours.Int64)
		s.SLAHours = &h
	}
	return s
}

func (r Repo) InsertTemplateStage(ctx context.Context, q Queryer, s domain.TemplateStage) error {
	_, err := exec(ctx, q, `INSERT INTO template_stages(id,template_id,position,title,description,kind,mandatory,sla_hours) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.TemplateID, s.Position, s.Title, nullable(s.Description), string(s.Kind), s.Mandatory, nullableIntPtr(s.SLAHours))
	return err
}

func (r Repo) GetTemplateStage(ctx context.Context, q Queryer, id string) (domain.TemplateStage, error) {
	var row templateStageRow
	if err := get(ctx, q, &row, `SELECT id,template_id,position,title,description,kind,mandatory,sla_hours FROM template_stages WHERE id=?`, id); err != nil {
		return domain.TemplateStage{}, err
	}
	return row.toDomain(), nil
}

// ListTemplateStages returns stages in (position, id) order.
func (r Repo) ListTemplateStages(ctx context.Context, q Queryer, templateID string) ([]domain.TemplateStage, error) {
	var rows []templateStageRow
	if err := selectAll(ctx, q, &rows, `SELECT id,template_id,position,title,description,kind,mandatory,sla_hours FROM template_stages WHERE template_id=? ORDER BY position ASC, id ASC`, templateID); err != nil {
		return nil, err
	}
	res := make([]domain.TemplateStage, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

type requirementRow struct {
	ID              string         `db:"id"`
	TemplateStageID sql.NullString `db:"template_stage_id"`
	StageInstanceID sql.NullString `db:"stage_instance_id"`
	Name            string         `db:"name"`
	Required        bool           `db:"required"`
	AcceptedTypes   string         `db:"accepted_types_json"`
	MaxSizeMB       int            `db:"max_size_mb"`
}

func (r requirementRow) toDomain() (domain.DocumentRequirement, error) {
	req := domain.DocumentRequirement{
		ID:              r.ID,
		TemplateStageID: r.TemplateStageID.String,
		StageInstanceID: r.StageInstanceID.String,
		Name:            r.Name,
		Required:        r.Required,
		MaxSizeMB:       r.MaxSizeMB,
	}
	if err := json.Unmarshal([]byte(r.AcceptedTypes), &req.AcceptedTypes); err != nil {
		return req, fmt.Errorf("requirement %s accepted types: %w", r.ID, err)
	}
	return req, nil
}

const requirementColumns = `id,template_stage_id,stage_instance_id,name,required,accepted_types_json,max_size_mb`

func (r Repo) InsertRequirement(ctx context.Context, q Queryer, req domain.DocumentRequirement, ordinal int) error {
	types, err := json.Marshal(req.AcceptedTypes)
	if err != nil {
		return err
	}
	_, err = exec(ctx, q, `INSERT INTO document_requirements(id,template_stage_id,stage_instance_id,name,required,accepted_types_json,max_size_mb,ordinal) VALUES (?,?,?,?,?,?,?,?)`,
		req.ID, nullable(req.TemplateStageID), nullable(req.StageInstanceID), req.Name, req.Required, string(types), req.MaxSizeMB, ordinal)
	return err
}

func (r Repo) GetRequirement(ctx context.Context, q Queryer, id string) (domain.DocumentRequirement, error) {
	var row requirementRow
	if err := get(ctx, q, &row, `SELECT `+requirementColumns+` FROM document_requirements WHERE id=?`, id); err != nil {
		return domain.DocumentRequirement{}, err
	}
	return row.toDomain()
}

// ListRequirements returns the requirements owned by a template stage.
func (r Repo) ListRequirements(ctx context.Context, q Queryer, templateStageID string) ([]domain.DocumentRequirement, error) {
	return r.listRequirements(ctx, q, `template_stage_id=?`, templateStageID)
}

// ListStageRequirements returns the requirements that apply to a stage
// instance: its template stage's blueprints plus any it owns directly.
func (r Repo) ListStageRequirements(ctx context.Context, q Queryer, stage domain.StageInstance) ([]domain.DocumentRequirement, error) {
	if stage.TemplateStageID == "" {
		return r.listRequirements(ctx, q, `stage_instance_id=?`, stage.ID)
	}
	return r.listRequirements(ctx, q, `(template_stage_id=? OR stage_instance_id=?)`, stage.TemplateStageID, stage.ID)
}

func (r Repo) listRequirements(ctx context.Context, q Queryer, where string, args ...any) ([]domain.DocumentRequirement, error) {
	var rows []requirementRow
	if err := selectAll(ctx, q, &rows, `SELECT `+requirementColumns+` FROM document_requirements WHERE `+where+` ORDER BY ordinal ASC, id ASC`, args...); err != nil {
		return nil, err
	}
	res := make([]domain.DocumentRequirement, 0, len(rows))
	for _, row := range rows {
		req, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, nil
}
