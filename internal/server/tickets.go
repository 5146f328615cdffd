package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"journeyline/internal/domain"
	"journeyline/internal/engine"
)

type ticketResult struct {
	Body domain.Ticket `json:"body"`
}

type ticketPath struct {
	TicketID string `path:"ticket_id"`
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Open a support ticket",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*ticketResult, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		t, err := e.CreateTicket(ctx, engine.CreateTicketInput{
			Title:       input.Body.Title,
			RequesterID: input.Body.RequesterID,
			AssigneeID:  input.Body.AssigneeID,
			Priority:    input.Body.Priority,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketResult{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ticket-violations",
		Method:      http.MethodGet,
		Path:        "/tickets/violations",
		Summary:     "Open tickets past a deadline",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TicketViolationList `json:"body"`
	}, error) {
		items, err := e.FindViolatedTickets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []engine.TicketViolation{}
		}
		return &struct {
			Body TicketViolationList `json:"body"`
		}{Body: TicketViolationList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Get a ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ticketPath) (*ticketResult, error) {
		t, err := e.GetTicket(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketResult{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-ticket-priority",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/priority",
		Summary:     "Change priority and recompute deadlines from creation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TicketID string                `path:"ticket_id"`
		Body     ChangePriorityRequest `json:"body"`
	}) (*ticketResult, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		t, err := e.ChangeTicketPriority(ctx, input.TicketID, input.Body.Priority, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketResult{Body: t}, nil
	})

	for _, op := range []struct {
		id, verb, summary string
		apply             func(context.Context, string, string) (domain.Ticket, error)
	}{
		{"ticket-first-response", "first-response", "Record the first response", e.RecordFirstResponse},
		{"resolve-ticket", "resolve", "Resolve a ticket", e.ResolveTicket},
	} {
		apply := op.apply
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/tickets/{ticket_id}/" + op.verb,
			Summary:     op.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *ticketPath) (*ticketResult, error) {
			actor, aerr := actorFromContext(ctx)
			if aerr != nil {
				return nil, aerr
			}
			t, err := apply(ctx, input.TicketID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &ticketResult{Body: t}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "sweep-tickets",
		Method:      http.MethodPost,
		Path:        "/sweeps/tickets",
		Summary:     "Notify assignees of SLA breaches",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.TicketSweepReport `json:"body"`
	}, error) {
		report, err := e.SweepTickets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if report.Violations == nil {
			report.Violations = []engine.TicketViolation{}
		}
		return &struct {
			Body engine.TicketSweepReport `json:"body"`
		}{Body: report}, nil
	})
}
