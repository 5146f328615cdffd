package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"journeyline/internal/config"
	"journeyline/internal/deadline"
	"journeyline/internal/domain"
	"journeyline/internal/events"
	"journeyline/internal/gate"
	"journeyline/internal/journey"
	"journeyline/internal/notify"
	"journeyline/internal/progress"
	"journeyline/internal/registry"
	"journeyline/internal/repo"
)

// Engine is the orchestration façade: the only component that persists. Each
// mutation runs in one transaction, writes its events to the outbox in that
// transaction and publishes them once committed.
type Engine struct {
	DB       *sqlx.DB
	Repo     repo.Repo
	Registry registry.Registry
	Gates    gate.Evaluator
	Policy   deadline.Policy
	Config   *config.Config
	Notifier notify.Publisher
	Sink     notify.Sink
	Subjects SubjectResolver
	Logger   *slog.Logger
	Retry    RetryPolicy
	Now      func() time.Time
	NewID    func() string
}

func New(db *sqlx.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Registry: registry.Registry{Repo: r},
		Gates:    gate.Evaluator{Repo: r},
		Policy:   deadline.PolicyFromConfig(cfg),
		Config:   cfg,
		Subjects: RuleResolver{RequireCase: cfg.Subjects.RequireCase},
		Logger:   slog.Default().With("component", "engine"),
		Retry:    DefaultRetry,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) writer() events.Writer {
	return events.Writer{Repo: e.Repo, Now: e.now}
}

// outcome collects what a committed mutation must announce.
type outcome struct {
	events  []domain.Event
	notices []notify.Notification
}

func (o *outcome) event(evt domain.Event) { o.events = append(o.events, evt) }

func (o *outcome) notify(n notify.Notification) { o.notices = append(o.notices, n) }

// append writes an outbox event in tx and remembers it for publishing.
func (e Engine) append(ctx context.Context, tx repo.Queryer, o *outcome, evtType, journeyID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	evt, err := e.writer().Append(ctx, tx, evtType, journeyID, entityKind, entityID, actorID, payload)
	if err != nil {
		return err
	}
	o.event(evt)
	return nil
}

// announce runs after commit. Failures are logged and never undo the
// committed mutation.
func (e Engine) announce(ctx context.Context, o outcome) {
	if e.Notifier != nil {
		for _, evt := range o.events {
			if err := e.Notifier.Publish(ctx, evt); err != nil {
				e.logger().WarnContext(ctx, "publish event failed", "type", evt.Type, "entity_id", evt.EntityID, "err", err)
			}
		}
	}
	if e.Sink != nil {
		for _, n := range o.notices {
			if err := e.Sink.Send(ctx, n); err != nil {
				e.logger().WarnContext(ctx, "send notification failed", "recipient", n.Recipient, "related_id", n.Related.ID, "err", err)
			}
		}
	}
}

// mutate runs fn in a transaction, commits, then announces the outcome.
func (e Engine) mutate(ctx context.Context, fn func(tx *sqlx.Tx, o *outcome) error) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var o outcome
	if err := fn(tx, &o); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.announce(ctx, o)
	return nil
}

// gateLookup evaluates gates through q so reads stay inside the caller's
// transaction.
func (e Engine) gateLookup(ctx context.Context, q repo.Queryer) progress.GateLookup {
	return func(s domain.StageInstance) (gate.Status, error) {
		return e.Gates.StatusOf(ctx, q, s)
	}
}

// refresh recomputes progress and next action from a read inside tx, after
// the triggering write, and completes the journey when its mandatory stages
// are done. It returns the updated journey and its ordered stages.
func (e Engine) refresh(ctx context.Context, tx repo.Queryer, o *outcome, j domain.JourneyInstance, actorID string) (domain.JourneyInstance, []domain.StageInstance, error) {
	stages, err := e.Repo.ListStages(ctx, tx, j.ID)
	if err != nil {
		return j, nil, err
	}
	now := e.now()
	if j.Status == domain.JourneyActive && journey.MandatoryComplete(stages) {
		if err := e.Repo.TransitionJourney(ctx, tx, j.ID, domain.JourneyActive, domain.JourneyCompleted, now); err != nil {
			return j, nil, fmt.Errorf("complete journey %s: %w", j.ID, err)
		}
		j.Status = domain.JourneyCompleted
		j.CompletedAt = &now
		if err := e.append(ctx, tx, o, events.JourneyCompleted, j.ID, "journey", j.ID, actorID, events.EventPayload{
			"template_id": j.TemplateID,
			"client_id":   j.Subject.ClientID,
		}); err != nil {
			return j, nil, err
		}
		o.notify(notify.Notification{
			Recipient: j.OwnerID,
			Subject:   "Journey completed",
			Body:      fmt.Sprintf("Every mandatory stage of journey %s for client %s is complete.", j.ID, j.Subject.ClientID),
			Related:   notify.EntityRef{Kind: "journey", ID: j.ID},
		})
	}
	var next *domain.NextAction
	if j.Status != domain.JourneyCompleted {
		next, err = progress.ComputeNextAction(stages, e.gateLookup(ctx, tx), now)
		if err != nil {
			return j, nil, err
		}
	}
	j.ProgressPct = progress.ComputeProgress(stages)
	j.NextAction = next
	j.UpdatedAt = now
	if err := e.Repo.UpdateJourneyCache(ctx, tx, j.ID, j.ProgressPct, next, now); err != nil {
		return j, nil, err
	}
	return j, progress.Order(stages), nil
}

func (e Engine) loadJourney(ctx context.Context, q repo.Queryer, id string) (domain.JourneyInstance, error) {
	j, err := e.Repo.GetJourney(ctx, q, id)
	if err != nil {
		return j, notFound("journey", id, err)
	}
	return j, nil
}

// lockJourney locks the journey row in tx and then reads it.
func (e Engine) lockJourney(ctx context.Context, tx *sqlx.Tx, id string) (domain.JourneyInstance, error) {
	if err := e.Repo.LockJourney(ctx, tx, id); err != nil {
		return domain.JourneyInstance{}, notFound("journey", id, err)
	}
	return e.loadJourney(ctx, tx, id)
}

// lockStage resolves the stage's journey, locks it, then re-reads the stage
// so its status is not older than the lock.
func (e Engine) lockStage(ctx context.Context, tx *sqlx.Tx, id string) (domain.StageInstance, domain.JourneyInstance, error) {
	s, err := e.Repo.GetStage(ctx, tx, id)
	if err != nil {
		return s, domain.JourneyInstance{}, notFound("stage", id, err)
	}
	j, err := e.lockJourney(ctx, tx, s.JourneyID)
	if err != nil {
		return s, j, err
	}
	s, err = e.Repo.GetStage(ctx, tx, id)
	if err != nil {
		return s, j, notFound("stage", id, err)
	}
	return s, j, nil
}
