package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// ErrTemplateInUse is returned when an import would change a template version
// that running journeys already reference.
var ErrTemplateInUse = errors.New("template version is referenced by journeys; publish a new version")

// ErrInvalidDefinition wraps every parse and validation failure of a
// definition document.
var ErrInvalidDefinition = errors.New("invalid template definition")

// Registry serves journey templates. Reads take the Queryer so the caller can
// run them inside its own transaction.
type Registry struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Registry) GetTemplate(ctx context.Context, q repo.Queryer, id string) (domain.JourneyTemplate, error) {
	return r.Repo.GetTemplate(ctx, q, id)
}

// ListStages returns the template's stages in (position, id) order with their
// requirement blueprints attached.
func (r Registry) ListStages(ctx context.Context, q repo.Queryer, templateID string) ([]domain.TemplateStage, error) {
	stages, err := r.Repo.ListTemplateStages(ctx, q, templateID)
	if err != nil {
		return nil, err
	}
	for i := range stages {
		reqs, err := r.Repo.ListRequirements(ctx, q, stages[i].ID)
		if err != nil {
			return nil, err
		}
		stages[i].Requirements = reqs
	}
	return stages, nil
}

func (r Registry) GetRequirements(ctx context.Context, q repo.Queryer, templateStageID string) ([]domain.DocumentRequirement, error) {
	if _, err := r.Repo.GetTemplateStage(ctx, q, templateStageID); err != nil {
		return nil, err
	}
	return r.Repo.ListRequirements(ctx, q, templateStageID)
}

func (r Registry) ListTemplates(ctx context.Context, q repo.Queryer) ([]domain.JourneyTemplate, error) {
	return r.Repo.ListTemplates(ctx, q, "")
}

// Latest returns the highest semantic version published under key.
func (r Registry) Latest(ctx context.Context, q repo.Queryer, key string) (domain.JourneyTemplate, error) {
	all, err := r.Repo.ListTemplates(ctx, q, key)
	if err != nil {
		return domain.JourneyTemplate{}, err
	}
	type versioned struct {
		v *semver.Version
		t domain.JourneyTemplate
	}
	var candidates []versioned
	for _, t := range all {
		v, err := semver.NewVersion(t.Version)
		if err != nil {
			continue
		}
		candidates = append(candidates, versioned{v: v, t: t})
	}
	if len(candidates) == 0 {
		return domain.JourneyTemplate{}, repo.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].v.GreaterThan(candidates[j].v)
	})
	return candidates[0].t, nil
}

// Import stores a parsed definition. Re-importing identical content is a
// no-op; changing a version that journeys reference fails with
// ErrTemplateInUse.
func (r Registry) Import(ctx context.Context, def Definition) (domain.JourneyTemplate, error) {
	if err := def.Normalize(); err != nil {
		return domain.JourneyTemplate{}, err
	}
	tmpl, stages := r.build(def)

	tx, err := r.Repo.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.JourneyTemplate{}, err
	}
	defer tx.Rollback()

	existing, err := r.Repo.GetTemplateByKey(ctx, tx, def.Key, def.Version)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if err := r.Repo.InsertTemplate(ctx, tx, tmpl); err != nil {
			return domain.JourneyTemplate{}, fmt.Errorf("insert template: %w", err)
		}
	case err != nil:
		return domain.JourneyTemplate{}, err
	default:
		tmpl.ID = existing.ID
		tmpl.CreatedAt = existing.CreatedAt
		_, stages = r.buildWithID(def, existing.ID)
		current, err := r.ListStages(ctx, tx, existing.ID)
		if err != nil {
			return domain.JourneyTemplate{}, err
		}
		if sameContent(existing, current, tmpl, stages) {
			return existing, nil
		}
		inUse, err := r.Repo.TemplateInUse(ctx, tx, existing.ID)
		if err != nil {
			return domain.JourneyTemplate{}, err
		}
		if inUse {
			return domain.JourneyTemplate{}, fmt.Errorf("%s@%s: %w", def.Key, def.Version, ErrTemplateInUse)
		}
		if err := r.Repo.UpdateTemplate(ctx, tx, tmpl); err != nil {
			return domain.JourneyTemplate{}, fmt.Errorf("update template: %w", err)
		}
		if err := r.Repo.DeleteTemplateStages(ctx, tx, existing.ID); err != nil {
			return domain.JourneyTemplate{}, fmt.Errorf("replace stages: %w", err)
		}
	}
	for _, s := range stages {
		if err := r.Repo.InsertTemplateStage(ctx, tx, s); err != nil {
			return domain.JourneyTemplate{}, fmt.Errorf("insert stage %d: %w", s.Position, err)
		}
		for i, req := range s.Requirements {
			if err := r.Repo.InsertRequirement(ctx, tx, req, i); err != nil {
				return domain.JourneyTemplate{}, fmt.Errorf("insert requirement %s: %w", req.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.JourneyTemplate{}, err
	}
	tmpl.StageCount = len(stages)
	return tmpl, nil
}

func (r Registry) build(def Definition) (domain.JourneyTemplate, []domain.TemplateStage) {
	id := def.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("template|"+def.Key+"|"+def.Version)).String()
	}
	return r.buildWithID(def, id)
}

func (r Registry) buildWithID(def Definition, id string) (domain.JourneyTemplate, []domain.TemplateStage) {
	tmpl := domain.JourneyTemplate{
		ID:           id,
		Key:          def.Key,
		Version:      def.Version,
		Name:         def.Name,
		Niche:        def.Niche,
		StageCount:   len(def.Stages),
		ExpectedDays: def.ExpectedDays,
		CreatedAt:    r.now().UTC(),
	}
	stages := make([]domain.TemplateStage, 0, len(def.Stages))
	for _, sd := range def.Stages {
		sid := sd.ID
		if sid == "" {
			sid = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id+"|stage|"+strconv.Itoa(sd.Position))).String()
		}
		s := domain.TemplateStage{
			ID:          sid,
			TemplateID:  id,
			Position:    sd.Position,
			Title:       sd.Title,
			Description: sd.Description,
			Kind:        sd.Kind,
			Mandatory:   boolOr(sd.Mandatory, true),
			SLAHours:    sd.SLAHours,
		}
		for i, rd := range sd.Requirements {
			rid := rd.ID
			if rid == "" {
				rid = uuid.NewSHA1(uuid.NameSpaceOID, []byte(sid+"|req|"+strconv.Itoa(i))).String()
			}
			s.Requirements = append(s.Requirements, domain.DocumentRequirement{
				ID:              rid,
				TemplateStageID: sid,
				Name:            rd.Name,
				Required:        boolOr(rd.Required, true),
				AcceptedTypes:   rd.AcceptedTypes,
				MaxSizeMB:       rd.MaxSizeMB,
			})
		}
		stages = append(stages, s)
	}
	return tmpl, stages
}

func sameContent(storedTmpl domain.JourneyTemplate, stored []domain.TemplateStage, tmpl domain.JourneyTemplate, stages []domain.TemplateStage) bool {
	if storedTmpl.Name != tmpl.Name || storedTmpl.Niche != tmpl.Niche || storedTmpl.ExpectedDays != tmpl.ExpectedDays {
		return false
	}
	if len(stored) != len(stages) {
		return false
	}
	for i := range stored {
		a, b := stored[i], stages[i]
		if len(a.Requirements) == 0 && len(b.Requirements) == 0 {
			a.Requirements, b.Requirements = nil, nil
		}
		if !reflect.DeepEqual(a, b) {
			return false
		}
	}
	return true
}
