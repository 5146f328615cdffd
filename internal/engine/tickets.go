package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"

	"journeyline/internal/deadline"
	"journeyline/internal/domain"
	"journeyline/internal/events"
	"journeyline/internal/notify"
	"journeyline/internal/repo"
)

type CreateTicketInput struct {
	Title       string `json:"title"`
	RequesterID string `json:"requester_id"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	Priority    string `json:"priority"`
}

// CreateTicket opens a ticket with deadlines derived from the SLA policy.
func (e Engine) CreateTicket(ctx context.Context, in CreateTicketInput, actorID string) (ticket domain.Ticket, err error) {
	ctx, end := startSpan(ctx, "engine.CreateTicket", attribute.String("priority", in.Priority))
	defer func() { end(err) }()

	if strings.TrimSpace(in.Title) == "" {
		return ticket, &domain.InvalidInputError{Field: "title", Reason: "is required"}
	}
	if in.RequesterID == "" {
		in.RequesterID = actorID
	}
	now := e.now()
	pr := deadline.Normalize(in.Priority)
	frt, ttr, err := e.Policy.ComputeTicketDeadlines(pr, now)
	if err != nil {
		return ticket, err
	}
	t := domain.Ticket{
		ID:                 e.newID(),
		Title:              strings.TrimSpace(in.Title),
		RequesterID:        in.RequesterID,
		AssigneeID:         in.AssigneeID,
		Priority:           pr,
		Status:             domain.TicketOpen,
		CreatedAt:          now,
		FirstResponseDueAt: frt,
		ResolutionDueAt:    ttr,
	}
	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		return e.append(ctx, tx, o, events.TicketCreated, "", "ticket", t.ID, actorID, events.EventPayload{
			"priority":              string(t.Priority),
			"assignee_id":           t.AssigneeID,
			"first_response_due_at": repo.FormatTime(frt),
			"resolution_due_at":     repo.FormatTime(ttr),
		})
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// ChangeTicketPriority re-derives both deadlines from the ticket's creation
// time under the new priority.
func (e Engine) ChangeTicketPriority(ctx context.Context, ticketID, priority, actorID string) (ticket domain.Ticket, err error) {
	ctx, end := startSpan(ctx, "engine.ChangeTicketPriority", attribute.String("ticket.id", ticketID), attribute.String("priority", priority))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		t, err := e.loadTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if t.Status != domain.TicketOpen {
			return &domain.InvalidTransitionError{Entity: "ticket", ID: t.ID, From: string(t.Status), To: string(t.Status), Reason: "only open tickets can be reprioritized"}
		}
		next, err := e.Policy.Reprioritize(t, domain.Priority(priority))
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateTicketDeadlines(ctx, tx, next); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return &domain.InvalidTransitionError{Entity: "ticket", ID: t.ID, From: string(t.Status), Reason: "ticket changed concurrently"}
			}
			return err
		}
		if err := e.append(ctx, tx, o, events.TicketReprioritized, "", "ticket", t.ID, actorID, events.EventPayload{
			"from":                  string(t.Priority),
			"to":                    string(next.Priority),
			"first_response_due_at": repo.FormatTime(next.FirstResponseDueAt),
			"resolution_due_at":     repo.FormatTime(next.ResolutionDueAt),
		}); err != nil {
			return err
		}
		ticket = next
		return nil
	})
	return ticket, err
}

// RecordFirstResponse stops the first-response clock. It can be recorded once.
func (e Engine) RecordFirstResponse(ctx context.Context, ticketID, actorID string) (ticket domain.Ticket, err error) {
	ctx, end := startSpan(ctx, "engine.RecordFirstResponse", attribute.String("ticket.id", ticketID))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		t, err := e.loadTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if t.Status != domain.TicketOpen || t.FirstRespondedAt != nil {
			return &domain.InvalidTransitionError{Entity: "ticket", ID: t.ID, From: string(t.Status), Reason: "first response already recorded"}
		}
		now := e.now()
		if err := e.Repo.MarkTicketResponded(ctx, tx, t.ID, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return &domain.InvalidTransitionError{Entity: "ticket", ID: t.ID, From: string(t.Status), Reason: "first response already recorded"}
			}
			return err
		}
		if err := e.append(ctx, tx, o, events.TicketResponded, "", "ticket", t.ID, actorID, events.EventPayload{
			"late": deadline.Violated(t.FirstResponseDueAt, now),
		}); err != nil {
			return err
		}
		t.FirstRespondedAt = &now
		ticket = t
		return nil
	})
	return ticket, err
}

func (e Engine) ResolveTicket(ctx context.Context, ticketID, actorID string) (ticket domain.Ticket, err error) {
	ctx, end := startSpan(ctx, "engine.ResolveTicket", attribute.String("ticket.id", ticketID))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		t, err := e.loadTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		invalid := &domain.InvalidTransitionError{Entity: "ticket", ID: t.ID, From: string(t.Status), To: string(domain.TicketResolved)}
		if t.Status != domain.TicketOpen {
			return invalid
		}
		now := e.now()
		if err := e.Repo.ResolveTicket(ctx, tx, t.ID, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return invalid
			}
			return err
		}
		if err := e.append(ctx, tx, o, events.TicketResolved, "", "ticket", t.ID, actorID, events.EventPayload{
			"late": deadline.Violated(t.ResolutionDueAt, now),
		}); err != nil {
			return err
		}
		t.Status = domain.TicketResolved
		t.ResolvedAt = &now
		if t.FirstRespondedAt == nil {
			t.FirstRespondedAt = &now
		}
		ticket = t
		return nil
	})
	return ticket, err
}

func (e Engine) GetTicket(ctx context.Context, ticketID string) (domain.Ticket, error) {
	return retryRead(ctx, e.Retry, func() (domain.Ticket, error) {
		return e.loadTicket(ctx, e.DB, ticketID)
	})
}

func (e Engine) loadTicket(ctx context.Context, q repo.Queryer, id string) (domain.Ticket, error) {
	t, err := e.Repo.GetTicket(ctx, q, id)
	if err != nil {
		return t, notFound("ticket", id, err)
	}
	return t, nil
}

// TicketViolation is an open ticket with the deadlines it has missed.
type TicketViolation struct {
	Ticket   domain.Ticket     `json:"ticket"`
	Breaches []deadline.Breach `json:"breaches"`
}

// FindViolatedTickets lists open tickets past a first-response or resolution
// deadline.
func (e Engine) FindViolatedTickets(ctx context.Context) (out []TicketViolation, err error) {
	ctx, end := startSpan(ctx, "engine.FindViolatedTickets")
	defer func() { end(err) }()

	return retryRead(ctx, e.Retry, func() ([]TicketViolation, error) {
		now := e.now()
		tickets, err := e.Repo.ListOpenTicketsDueBefore(ctx, e.DB, now)
		if err != nil {
			return nil, err
		}
		res := make([]TicketViolation, 0, len(tickets))
		for _, t := range tickets {
			if b := deadline.Breaches(t, now); len(b) > 0 {
				res = append(res, TicketViolation{Ticket: t, Breaches: b})
			}
		}
		return res, nil
	})
}

type TicketSweepReport struct {
	Violations []TicketViolation `json:"violations"`
	Notified   int               `json:"notified"`
}

// SweepTickets publishes ticket.sla_violated for each breach and notifies the
// assignee, or the escalation recipient for unassigned tickets. Like
// SweepOverdue it writes nothing.
func (e Engine) SweepTickets(ctx context.Context) (report TicketSweepReport, err error) {
	ctx, end := startSpan(ctx, "engine.SweepTickets")
	defer func() { end(err) }()

	violations, err := e.FindViolatedTickets(ctx)
	if err != nil {
		return report, err
	}
	report.Violations = violations
	escalation := ""
	if e.Config != nil {
		escalation = e.Config.Tickets.EscalationRecipient
	}
	var o outcome
	breaches := 0
	for _, v := range violations {
		t := v.Ticket
		kinds := make([]string, 0, len(v.Breaches))
		for _, b := range v.Breaches {
			evt, err := e.writer().Build(events.TicketSLAViolated, "", "ticket", t.ID, "system", events.EventPayload{
				"kind":     string(b.Kind),
				"due_at":   repo.FormatTime(b.DueAt),
				"priority": string(t.Priority),
			})
			if err != nil {
				return report, err
			}
			o.event(evt)
			kinds = append(kinds, string(b.Kind))
			breaches++
		}
		recipient := t.AssigneeID
		if recipient == "" {
			recipient = escalation
		}
		if recipient == "" {
			e.logger().WarnContext(ctx, "ticket sla violated with no recipient", "ticket_id", t.ID)
			continue
		}
		o.notify(notify.Notification{
			Recipient: recipient,
			Subject:   "Ticket SLA violated",
			Body:      fmt.Sprintf("Ticket %s %q (%s) missed its %s deadline.", t.ID, t.Title, t.Priority, strings.Join(kinds, " and ")),
			Related:   notify.EntityRef{Kind: "ticket", ID: t.ID},
		})
		report.Notified++
	}
	add(ctx, metrics.ticketViolations, breaches)
	e.announce(ctx, o)
	return report, nil
}
