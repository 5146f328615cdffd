package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/notify"
	"journeyline/internal/repo"
)

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent outbox events, newest first",
	}, func(ctx context.Context, input *struct {
		JourneyID  string `query:"journey_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"journey,stage,upload,ticket"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, repo.EventFilters{
			JourneyID:  input.JourneyID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: items}}, nil
	})
}

// registerEventStream serves committed events as server-sent events. The
// stream is live only: it starts at subscription time and drops events a slow
// client cannot keep up with.
func registerEventStream(api huma.API, bus *notify.Bus) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/events/stream",
		Summary:     "Live event stream",
	}, map[string]any{
		"event": domain.Event{},
	}, func(ctx context.Context, input *struct {
		JourneyID string `query:"journey_id"`
		Type      string `query:"type" doc:"Exact type or a family such as ticket.*"`
	}, send sse.Sender) {
		ch, cancel := bus.Subscribe(64)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if input.JourneyID != "" && evt.JourneyID != input.JourneyID {
					continue
				}
				if !typeMatches(input.Type, evt.Type) {
					continue
				}
				if err := send(sse.Message{ID: int(evt.ID), Data: evt}); err != nil {
					return
				}
			}
		}
	})
}

func typeMatches(pattern, typ string) bool {
	switch {
	case pattern == "":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(typ, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == typ
	}
}
