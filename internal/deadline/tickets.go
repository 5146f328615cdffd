package deadline

import (
	"strings"
	"time"

	"journeyline/internal/config"
	"journeyline/internal/domain"
)

// Policy is the ticket SLA table: priority to first-response and resolution
// durations. It is loaded from configuration so it can change without code.
type Policy struct {
	table   map[domain.Priority]config.SLAPolicy
	aliases map[domain.Priority]domain.Priority
}

func NewPolicy(table map[string]config.SLAPolicy, aliases map[string]string) Policy {
	p := Policy{
		table:   make(map[domain.Priority]config.SLAPolicy, len(table)),
		aliases: make(map[domain.Priority]domain.Priority, len(aliases)),
	}
	for k, v := range table {
		p.table[Normalize(k)] = v
	}
	for k, v := range aliases {
		p.aliases[Normalize(k)] = Normalize(v)
	}
	return p
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return NewPolicy(cfg.Tickets.SLA, cfg.Tickets.Aliases)
}

func Normalize(s string) domain.Priority {
	return domain.Priority(strings.ToLower(strings.TrimSpace(s)))
}

// Lookup resolves aliases and returns the policy row. An unknown priority is
// an error, never a silent "no deadline".
func (p Policy) Lookup(pr domain.Priority) (config.SLAPolicy, error) {
	pr = Normalize(string(pr))
	if target, ok := p.aliases[pr]; ok {
		pr = target
	}
	row, ok := p.table[pr]
	if !ok {
		return config.SLAPolicy{}, &domain.PolicyMissingError{Priority: pr}
	}
	return row, nil
}

// ComputeTicketDeadlines returns the first-response and resolution deadlines
// for a ticket created at createdAt.
func (p Policy) ComputeTicketDeadlines(pr domain.Priority, createdAt time.Time) (frt, ttr time.Time, err error) {
	row, err := p.Lookup(pr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	base := createdAt.UTC()
	return base.Add(row.FirstResponse), base.Add(row.Resolution), nil
}

// Reprioritize re-derives both deadlines from the ticket's creation time so a
// priority change never re-bases the clock.
func (p Policy) Reprioritize(t domain.Ticket, pr domain.Priority) (domain.Ticket, error) {
	frt, ttr, err := p.ComputeTicketDeadlines(pr, t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Priority = Normalize(string(pr))
	t.FirstResponseDueAt = frt
	t.ResolutionDueAt = ttr
	return t, nil
}

type BreachKind string

const (
	BreachFirstResponse BreachKind = "first_response"
	BreachResolution    BreachKind = "resolution"
)

type Breach struct {
	Kind  BreachKind `json:"kind" enum:"first_response,resolution"`
	DueAt time.Time  `json:"due_at" format:"date-time"`
}

// Breaches lists the deadlines an open ticket has missed as of now. A
// first response that was given stops that clock.
func Breaches(t domain.Ticket, now time.Time) []Breach {
	if t.Status != domain.TicketOpen {
		return nil
	}
	var out []Breach
	if t.FirstRespondedAt == nil && Violated(t.FirstResponseDueAt, now) {
		out = append(out, Breach{Kind: BreachFirstResponse, DueAt: t.FirstResponseDueAt})
	}
	if Violated(t.ResolutionDueAt, now) {
		out = append(out, Breach{Kind: BreachResolution, DueAt: t.ResolutionDueAt})
	}
	return out
}
