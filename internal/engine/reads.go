package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"journeyline/internal/deadline"
	"journeyline/internal/domain"
	"journeyline/internal/events"
	"journeyline/internal/gate"
	"journeyline/internal/journey"
	"journeyline/internal/notify"
	"journeyline/internal/progress"
	"journeyline/internal/repo"
)

// GateStatus evaluates a stage's document gate against the current uploads.
func (e Engine) GateStatus(ctx context.Context, stageID string) (st gate.Status, err error) {
	ctx, end := startSpan(ctx, "engine.GateStatus", attribute.String("stage.id", stageID))
	defer func() { end(err) }()

	return retryRead(ctx, e.Retry, func() (gate.Status, error) {
		s, err := e.Repo.GetStage(ctx, e.DB, stageID)
		if err != nil {
			return gate.Status{}, notFound("stage", stageID, err)
		}
		return e.Gates.StatusOf(ctx, e.DB, s)
	})
}

// ComputeProgress derives the percentage from the stored stages rather than
// the cached column.
func (e Engine) ComputeProgress(ctx context.Context, journeyID string) (pct int, err error) {
	ctx, end := startSpan(ctx, "engine.ComputeProgress", attribute.String("journey.id", journeyID))
	defer func() { end(err) }()

	return retryRead(ctx, e.Retry, func() (int, error) {
		j, err := e.loadJourney(ctx, e.DB, journeyID)
		if err != nil {
			return 0, err
		}
		stages, err := e.Repo.ListStages(ctx, e.DB, j.ID)
		if err != nil {
			return 0, err
		}
		return progress.ComputeProgress(stages), nil
	})
}

// NextAction computes the journey's next step from fresh reads. A journey
// whose mandatory stages are all done but which is still active is repaired
// through Reconcile before answering.
func (e Engine) NextAction(ctx context.Context, journeyID string) (next *domain.NextAction, err error) {
	ctx, end := startSpan(ctx, "engine.NextAction", attribute.String("journey.id", journeyID))
	defer func() { end(err) }()

	type snapshot struct {
		journey domain.JourneyInstance
		stages  []domain.StageInstance
		next    *domain.NextAction
	}
	snap, err := retryRead(ctx, e.Retry, func() (snapshot, error) {
		j, err := e.loadJourney(ctx, e.DB, journeyID)
		if err != nil {
			return snapshot{}, err
		}
		stages, err := e.Repo.ListStages(ctx, e.DB, j.ID)
		if err != nil {
			return snapshot{}, err
		}
		if j.Status == domain.JourneyCompleted {
			return snapshot{journey: j, stages: stages}, nil
		}
		na, err := progress.ComputeNextAction(stages, e.gateLookup(ctx, e.DB), e.now())
		if err != nil {
			return snapshot{}, err
		}
		return snapshot{journey: j, stages: stages, next: na}, nil
	})
	if err != nil {
		return nil, err
	}
	if snap.journey.Status == domain.JourneyActive && journey.MandatoryComplete(snap.stages) {
		e.logger().InfoContext(ctx, "repairing journey left active after its mandatory stages completed", "journey_id", journeyID)
		view, err := e.Reconcile(ctx, journeyID, "system")
		if err != nil {
			return nil, fmt.Errorf("reconcile journey %s: %w", journeyID, err)
		}
		return view.Journey.NextAction, nil
	}
	return snap.next, nil
}

// OverdueStage is a stage past its due-at, with the journey context needed to
// act on it.
type OverdueStage struct {
	Stage         domain.StageInstance `json:"stage"`
	ClientID      string               `json:"client_id"`
	OwnerID       string               `json:"owner_id"`
	JourneyStatus domain.JourneyStatus `json:"journey_status"`
	OverdueBy     time.Duration        `json:"overdue_by"`
}

// FindOverdue lists non-completed stages past their due-at, oldest deadline
// first. An empty journeyID searches every journey.
func (e Engine) FindOverdue(ctx context.Context, journeyID string) (out []OverdueStage, err error) {
	ctx, end := startSpan(ctx, "engine.FindOverdue", attribute.String("journey.id", journeyID))
	defer func() { end(err) }()

	if journeyID != "" {
		if _, err := e.loadJourney(ctx, e.DB, journeyID); err != nil {
			return nil, err
		}
	}
	return retryRead(ctx, e.Retry, func() ([]OverdueStage, error) {
		now := e.now()
		candidates, err := e.Repo.ListOpenStagesDueBefore(ctx, e.DB, journeyID, now)
		if err != nil {
			return nil, err
		}
		journeys := map[string]domain.JourneyInstance{}
		res := make([]OverdueStage, 0, len(candidates))
		for _, s := range deadline.FindOverdue(candidates, now) {
			j, ok := journeys[s.JourneyID]
			if !ok {
				if j, err = e.Repo.GetJourney(ctx, e.DB, s.JourneyID); err != nil {
					return nil, err
				}
				journeys[s.JourneyID] = j
			}
			res = append(res, OverdueStage{
				Stage:         s,
				ClientID:      j.Subject.ClientID,
				OwnerID:       j.OwnerID,
				JourneyStatus: j.Status,
				OverdueBy:     now.Sub(*s.DueAt),
			})
		}
		return res, nil
	})
}

type SweepReport struct {
	Overdue  []OverdueStage `json:"overdue"`
	Notified int            `json:"notified"`
}

// SweepOverdue finds overdue stages and, for active journeys, notifies the
// owner and publishes deadline.passed. The sweep writes nothing, so repeated
// runs repeat their notices.
func (e Engine) SweepOverdue(ctx context.Context) (report SweepReport, err error) {
	ctx, end := startSpan(ctx, "engine.SweepOverdue")
	defer func() { end(err) }()

	overdue, err := e.FindOverdue(ctx, "")
	if err != nil {
		return report, err
	}
	report.Overdue = overdue
	var o outcome
	for _, od := range overdue {
		if od.JourneyStatus != domain.JourneyActive {
			continue
		}
		s := od.Stage
		evt, err := e.writer().Build(events.DeadlinePassed, s.JourneyID, "stage", s.ID, "system", events.EventPayload{
			"position":   s.Position,
			"title":      s.Title,
			"due_at":     repo.FormatTime(*s.DueAt),
			"overdue_by": od.OverdueBy.String(),
		})
		if err != nil {
			return report, err
		}
		o.event(evt)
		o.notify(notify.Notification{
			Recipient: od.OwnerID,
			Subject:   "Stage overdue",
			Body:      fmt.Sprintf("Stage %d %q of journey %s for client %s was due %s.", s.Position, s.Title, s.JourneyID, od.ClientID, repo.FormatTime(*s.DueAt)),
			Related:   notify.EntityRef{Kind: "stage", ID: s.ID},
		})
		report.Notified++
	}
	add(ctx, metrics.overdueFound, len(overdue))
	e.announce(ctx, o)
	return report, nil
}

// ListEvents returns the outbox, newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return retryRead(ctx, e.Retry, func() ([]domain.Event, error) {
		return e.Repo.LatestEvents(ctx, e.DB, f)
	})
}
