package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"

	"journeyline/internal/domain"
	"journeyline/internal/events"
	"journeyline/internal/journey"
	"journeyline/internal/repo"
)

// JourneyView is a journey with its stages in canonical order.
type JourneyView struct {
	Journey domain.JourneyInstance `json:"journey"`
	Stages  []domain.StageInstance `json:"stages"`
}

type StartJourneyOptions struct {
	// TemplateID pins a template version; TemplateKey picks the latest
	// version of a template family when TemplateID is empty.
	TemplateID  string
	TemplateKey string
	Subject     domain.SubjectRef
	OwnerID     string
	ActorID     string
}

// StartJourney instantiates a template against a subject: one pending stage
// per template stage, status active, progress 0 and an initial next action.
func (e Engine) StartJourney(ctx context.Context, opts StartJourneyOptions) (view JourneyView, err error) {
	ctx, end := startSpan(ctx, "engine.StartJourney", attribute.String("template.id", opts.TemplateID), attribute.String("template.key", opts.TemplateKey))
	defer func() { end(err) }()

	if opts.TemplateID == "" && opts.TemplateKey == "" {
		return view, &domain.InvalidInputError{Field: "template", Reason: "template id or key is required"}
	}
	if opts.OwnerID == "" {
		opts.OwnerID = opts.ActorID
	}
	if opts.OwnerID == "" {
		return view, &domain.InvalidInputError{Field: "owner_id", Reason: "is required"}
	}
	if e.Subjects != nil {
		if err := e.Subjects.Resolve(ctx, opts.Subject); err != nil {
			return view, err
		}
	}
	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		var (
			tmpl domain.JourneyTemplate
			err  error
		)
		if opts.TemplateID != "" {
			tmpl, err = e.Registry.GetTemplate(ctx, tx, opts.TemplateID)
			err = notFound("template", opts.TemplateID, err)
		} else {
			tmpl, err = e.Registry.Latest(ctx, tx, opts.TemplateKey)
			err = notFound("template", opts.TemplateKey, err)
		}
		if err != nil {
			return err
		}
		blueprints, err := e.Registry.ListStages(ctx, tx, tmpl.ID)
		if err != nil {
			return err
		}
		j, stages := journey.Instantiate(e.newID(), tmpl, blueprints, opts.Subject, opts.OwnerID, opts.ActorID, e.now(), e.newID)
		if err := e.Repo.InsertJourney(ctx, tx, j); err != nil {
			return fmt.Errorf("insert journey: %w", err)
		}
		for _, s := range stages {
			if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
				return fmt.Errorf("insert stage %d: %w", s.Position, err)
			}
		}
		if err := e.append(ctx, tx, o, events.JourneyStarted, j.ID, "journey", j.ID, opts.ActorID, events.EventPayload{
			"template_id":      tmpl.ID,
			"template_version": tmpl.Version,
			"client_id":        j.Subject.ClientID,
			"case_id":          j.Subject.CaseID,
			"owner_id":         j.OwnerID,
			"stage_count":      len(stages),
		}); err != nil {
			return err
		}
		j, ordered, err := e.refresh(ctx, tx, o, j, opts.ActorID)
		if err != nil {
			return err
		}
		view = JourneyView{Journey: j, Stages: ordered}
		return nil
	})
	return view, err
}

// CompleteStage completes a stage. The storage write is a compare-and-set, so
// of two racing calls exactly one succeeds and the other gets
// AlreadyCompleted.
func (e Engine) CompleteStage(ctx context.Context, stageID, actorID string) (stage domain.StageInstance, err error) {
	ctx, end := startSpan(ctx, "engine.CompleteStage", attribute.String("stage.id", stageID))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		s, j, err := e.lockStage(ctx, tx, stageID)
		if err != nil {
			return err
		}
		g, err := e.Gates.StatusOf(ctx, tx, s)
		if err != nil {
			return err
		}
		done, err := journey.CompleteStage(j, s, g, actorID, e.now())
		if err != nil {
			if errors.Is(err, domain.ErrGateNotSatisfied) {
				add(ctx, metrics.gateRejections, 1, attribute.String("stage.kind", string(s.Kind)))
			}
			return err
		}
		if err := e.Repo.CompleteStage(ctx, tx, s.ID, actorID, *done.CompletedAt); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return e.alreadyCompleted(ctx, tx, s.ID)
			}
			return err
		}
		if err := e.append(ctx, tx, o, events.StageCompleted, j.ID, "stage", s.ID, actorID, events.EventPayload{
			"position":  s.Position,
			"kind":      string(s.Kind),
			"mandatory": s.Mandatory,
			"from":      string(s.Status),
		}); err != nil {
			return err
		}
		if _, _, err := e.refresh(ctx, tx, o, j, actorID); err != nil {
			return err
		}
		stage = done
		return nil
	})
	if err == nil {
		add(ctx, metrics.stageCompletions, 1, attribute.String("stage.kind", string(stage.Kind)))
	}
	return stage, err
}

func (e Engine) alreadyCompleted(ctx context.Context, q repo.Queryer, stageID string) error {
	cur, err := e.Repo.GetStage(ctx, q, stageID)
	if err != nil {
		return notFound("stage", stageID, err)
	}
	return &domain.AlreadyCompletedError{StageID: stageID, CompletedAt: cur.CompletedAt}
}

// StartStage marks a pending stage in progress. The step is advisory;
// CompleteStage accepts pending stages directly.
func (e Engine) StartStage(ctx context.Context, stageID, actorID string) (stage domain.StageInstance, err error) {
	ctx, end := startSpan(ctx, "engine.StartStage", attribute.String("stage.id", stageID))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		s, j, err := e.lockStage(ctx, tx, stageID)
		if err != nil {
			return err
		}
		started, err := journey.StartStage(j, s, e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.StartStage(ctx, tx, s.ID, *started.StartedAt); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return &domain.InvalidTransitionError{Entity: "stage", ID: s.ID, From: string(s.Status), To: string(domain.StageInProgress), Reason: "stage changed concurrently"}
			}
			return err
		}
		if err := e.append(ctx, tx, o, events.StageStarted, j.ID, "stage", s.ID, actorID, nil); err != nil {
			return err
		}
		if _, _, err := e.refresh(ctx, tx, o, j, actorID); err != nil {
			return err
		}
		stage = started
		return nil
	})
	return stage, err
}

// AddCustomStage appends an ad-hoc stage after the highest existing position.
func (e Engine) AddCustomStage(ctx context.Context, journeyID string, def journey.CustomStage, actorID string) (stage domain.StageInstance, err error) {
	ctx, end := startSpan(ctx, "engine.AddCustomStage", attribute.String("journey.id", journeyID))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		j, err := e.lockJourney(ctx, tx, journeyID)
		if err != nil {
			return err
		}
		seq, position, err := e.Repo.NextStageSlot(ctx, tx, j.ID)
		if err != nil {
			return err
		}
		s, reqs, err := journey.AppendCustomStage(j, def, e.newID(), seq, position, e.now(), e.newID)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
			return fmt.Errorf("insert custom stage: %w", err)
		}
		for i, r := range reqs {
			if err := e.Repo.InsertRequirement(ctx, tx, r, i); err != nil {
				return fmt.Errorf("insert requirement %s: %w", r.Name, err)
			}
		}
		if err := e.append(ctx, tx, o, events.StageAdded, j.ID, "stage", s.ID, actorID, events.EventPayload{
			"position":     s.Position,
			"kind":         string(s.Kind),
			"mandatory":    s.Mandatory,
			"title":        s.Title,
			"requirements": len(reqs),
		}); err != nil {
			return err
		}
		if _, _, err := e.refresh(ctx, tx, o, j, actorID); err != nil {
			return err
		}
		stage = s
		return nil
	})
	return stage, err
}

func (e Engine) Pause(ctx context.Context, journeyID, actorID string) (domain.JourneyInstance, error) {
	return e.setJourneyStatus(ctx, journeyID, actorID, "engine.Pause", journey.Pause, events.JourneyPaused)
}

func (e Engine) Resume(ctx context.Context, journeyID, actorID string) (domain.JourneyInstance, error) {
	return e.setJourneyStatus(ctx, journeyID, actorID, "engine.Resume", journey.Resume, events.JourneyResumed)
}

type journeyTransition func(domain.JourneyInstance, time.Time) (domain.JourneyInstance, error)

func (e Engine) setJourneyStatus(ctx context.Context, journeyID, actorID, op string, apply journeyTransition, evtType string) (out domain.JourneyInstance, err error) {
	ctx, end := startSpan(ctx, op, attribute.String("journey.id", journeyID))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		j, err := e.lockJourney(ctx, tx, journeyID)
		if err != nil {
			return err
		}
		next, err := apply(j, e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.TransitionJourney(ctx, tx, j.ID, j.Status, next.Status, next.UpdatedAt); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return &domain.InvalidTransitionError{Entity: "journey", ID: j.ID, From: string(j.Status), To: string(next.Status), Reason: "journey changed concurrently"}
			}
			return err
		}
		if err := e.append(ctx, tx, o, evtType, j.ID, "journey", j.ID, actorID, events.EventPayload{
			"from": string(j.Status),
			"to":   string(next.Status),
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// Reconcile recomputes a journey's cached progress and next action and runs
// the completion check. Reads call it when they observe a journey that should
// already be completed.
func (e Engine) Reconcile(ctx context.Context, journeyID, actorID string) (view JourneyView, err error) {
	ctx, end := startSpan(ctx, "engine.Reconcile", attribute.String("journey.id", journeyID))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		j, err := e.lockJourney(ctx, tx, journeyID)
		if err != nil {
			return err
		}
		j, stages, err := e.refresh(ctx, tx, o, j, actorID)
		if err != nil {
			return err
		}
		view = JourneyView{Journey: j, Stages: stages}
		return nil
	})
	return view, err
}

// GetJourney returns the journey and its stages in canonical order.
func (e Engine) GetJourney(ctx context.Context, journeyID string) (JourneyView, error) {
	return retryRead(ctx, e.Retry, func() (JourneyView, error) {
		j, err := e.loadJourney(ctx, e.DB, journeyID)
		if err != nil {
			return JourneyView{}, err
		}
		stages, err := e.Repo.ListStages(ctx, e.DB, j.ID)
		if err != nil {
			return JourneyView{}, err
		}
		return JourneyView{Journey: j, Stages: stages}, nil
	})
}

func (e Engine) ListJourneys(ctx context.Context, f repo.JourneyFilters) ([]domain.JourneyInstance, error) {
	return retryRead(ctx, e.Retry, func() ([]domain.JourneyInstance, error) {
		return e.Repo.ListJourneys(ctx, e.DB, f)
	})
}
