package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// Domain event types written to the outbox.
const (
	JourneyStarted      = "journey.started"
	JourneyCompleted    = "journey.completed"
	JourneyPaused       = "journey.paused"
	JourneyResumed      = "journey.resumed"
	StageStarted        = "stage.started"
	StageAdded          = "stage.added"
	StageCompleted      = "stage.completed"
	DocumentSubmitted   = "document.submitted"
	DocumentReviewed    = "document.reviewed"
	DeadlinePassed      = "deadline.passed"
	TicketCreated       = "ticket.created"
	TicketReprioritized = "ticket.reprioritized"
	TicketResponded     = "ticket.responded"
	TicketResolved      = "ticket.resolved"
	TicketSLAViolated   = "ticket.sla_violated"
)

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

// Build assembles an event with a canonical JSON payload without storing it.
func (w Writer) Build(evtType, journeyID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	canon, err := jcs.Transform(data)
	if err != nil {
		return domain.Event{}, fmt.Errorf("canonicalize event payload: %w", err)
	}
	return domain.Event{
		TS:         repo.FormatTime(w.Now()),
		Type:       evtType,
		JourneyID:  journeyID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(canon),
	}, nil
}

// Append writes an event inside the caller's transaction and returns it so
// the caller can publish it once the transaction commits.
func (w Writer) Append(ctx context.Context, q repo.Queryer, evtType, journeyID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	evt, err := w.Build(evtType, journeyID, entityKind, entityID, actorID, payload)
	if err != nil {
		return domain.Event{}, err
	}
	id, err := w.Repo.InsertEvent(ctx, q, evt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append %s event: %w", evtType, err)
	}
	evt.ID = id
	return evt, nil
}
