// Package journey holds the journey and stage state machines as pure
// transitions over domain values. Callers load state, apply a transition and
// persist the result with a compare-and-set write.
package journey

import (
	"fmt"
	"time"

	"journeyline/internal/deadline"
	"journeyline/internal/domain"
	"journeyline/internal/gate"
)

// Instantiate builds an active journey and one pending stage per template
// stage, in template order. Mandatory flags and due-at are copied now so later
// template changes never reach a running instance.
func Instantiate(id string, tmpl domain.JourneyTemplate, stages []domain.TemplateStage, subject domain.SubjectRef, ownerID, actorID string, now time.Time, newID func() string) (domain.JourneyInstance, []domain.StageInstance) {
	now = now.UTC()
	j := domain.JourneyInstance{
		ID:         id,
		TemplateID: tmpl.ID,
		Subject:    subject,
		OwnerID:    ownerID,
		CreatedBy:  actorID,
		Status:     domain.JourneyActive,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	out := make([]domain.StageInstance, 0, len(stages))
	for i, ts := range stages {
		out = append(out, domain.StageInstance{
			ID:              newID(),
			JourneyID:       id,
			TemplateStageID: ts.ID,
			Seq:             int64(i + 1),
			Position:        ts.Position,
			Title:           ts.Title,
			Description:     ts.Description,
			Kind:            ts.Kind,
			Mandatory:       ts.Mandatory,
			Status:          domain.StagePending,
			CreatedAt:       now,
			DueAt:           deadline.DueAt(now, ts.SLAHours),
		})
	}
	return j, out
}

// ensureMutable rejects stage mutations on completed and paused journeys.
func ensureMutable(j domain.JourneyInstance, stageID string, from domain.StageStatus, to domain.StageStatus) error {
	switch j.Status {
	case domain.JourneyCompleted:
		return &domain.InstanceTerminalError{JourneyID: j.ID}
	case domain.JourneyPaused:
		return &domain.InvalidTransitionError{Entity: "stage", ID: stageID, From: string(from), To: string(to), Reason: "journey is paused"}
	case domain.JourneyActive:
	}
	return nil
}

// CompleteStage completes s. An already completed stage is reported before
// the journey's terminal state so a double submit of the final stage reads as
// AlreadyCompleted.
func CompleteStage(j domain.JourneyInstance, s domain.StageInstance, g gate.Status, actorID string, now time.Time) (domain.StageInstance, error) {
	if s.Status == domain.StageCompleted {
		return s, &domain.AlreadyCompletedError{StageID: s.ID, CompletedAt: s.CompletedAt}
	}
	if err := ensureMutable(j, s.ID, s.Status, domain.StageCompleted); err != nil {
		return s, err
	}
	if s.Kind.Gated() && !g.Satisfied {
		missing := g.MissingRequired()
		refs := make([]domain.RequirementRef, 0, len(missing))
		for _, r := range missing {
			refs = append(refs, domain.RequirementRef{ID: r.ID, Name: r.Name, Required: r.Required})
		}
		return s, &domain.GateNotSatisfiedError{StageID: s.ID, Missing: refs}
	}
	at := now.UTC()
	s.Status = domain.StageCompleted
	s.CompletedAt = &at
	s.CompletedBy = actorID
	return s, nil
}

// StartStage is the advisory pending -> in_progress step.
func StartStage(j domain.JourneyInstance, s domain.StageInstance, now time.Time) (domain.StageInstance, error) {
	if err := ensureMutable(j, s.ID, s.Status, domain.StageInProgress); err != nil {
		return s, err
	}
	if s.Status != domain.StagePending {
		return s, &domain.InvalidTransitionError{Entity: "stage", ID: s.ID, From: string(s.Status), To: string(domain.StageInProgress)}
	}
	at := now.UTC()
	s.Status = domain.StageInProgress
	s.StartedAt = &at
	return s, nil
}

// CustomStage describes an ad-hoc stage appended by a case worker.
type CustomStage struct {
	Title        string                       `json:"title"`
	Description  string                       `json:"description,omitempty"`
	Kind         domain.StageKind             `json:"kind"`
	Mandatory    bool                         `json:"mandatory"`
	SLAHours     *int                         `json:"sla_hours,omitempty"`
	Requirements []domain.DocumentRequirement `json:"requirements,omitempty"`
}

// AppendCustomStage builds a stage placed after the highest existing position.
// Requirements it carries are owned by the new stage instance.
func AppendCustomStage(j domain.JourneyInstance, def CustomStage, id string, seq int64, position int, now time.Time, newID func() string) (domain.StageInstance, []domain.DocumentRequirement, error) {
	if err := ensureMutable(j, id, "", domain.StagePending); err != nil {
		return domain.StageInstance{}, nil, err
	}
	if def.Title == "" {
		return domain.StageInstance{}, nil, &domain.InvalidInputError{Field: "title", Reason: "is required"}
	}
	if !def.Kind.Valid() {
		return domain.StageInstance{}, nil, &domain.InvalidInputError{Field: "kind", Reason: fmt.Sprintf("unknown stage kind %q", def.Kind)}
	}
	if def.SLAHours != nil && *def.SLAHours <= 0 {
		return domain.StageInstance{}, nil, &domain.InvalidInputError{Field: "sla_hours", Reason: "must be positive"}
	}
	if len(def.Requirements) > 0 && !def.Kind.Gated() {
		return domain.StageInstance{}, nil, &domain.InvalidInputError{Field: "requirements", Reason: "only allowed on upload and gate stages"}
	}
	now = now.UTC()
	s := domain.StageInstance{
		ID:          id,
		JourneyID:   j.ID,
		Seq:         seq,
		Position:    position,
		Title:       def.Title,
		Description: def.Description,
		Kind:        def.Kind,
		Mandatory:   def.Mandatory,
		Custom:      true,
		Status:      domain.StagePending,
		CreatedAt:   now,
		DueAt:       deadline.DueAt(now, def.SLAHours),
	}
	reqs := make([]domain.DocumentRequirement, 0, len(def.Requirements))
	for _, r := range def.Requirements {
		if r.Name == "" || r.MaxSizeMB <= 0 || len(r.AcceptedTypes) == 0 {
			return domain.StageInstance{}, nil, &domain.InvalidInputError{Field: "requirements", Reason: fmt.Sprintf("requirement %q needs a name, accepted types and a positive max size", r.Name)}
		}
		r.ID = newID()
		r.TemplateStageID = ""
		r.StageInstanceID = id
		reqs = append(reqs, r)
	}
	return s, reqs, nil
}

func Pause(j domain.JourneyInstance, now time.Time) (domain.JourneyInstance, error) {
	return transition(j, domain.JourneyActive, domain.JourneyPaused, now)
}

func Resume(j domain.JourneyInstance, now time.Time) (domain.JourneyInstance, error) {
	return transition(j, domain.JourneyPaused, domain.JourneyActive, now)
}

func transition(j domain.JourneyInstance, from, to domain.JourneyStatus, now time.Time) (domain.JourneyInstance, error) {
	if j.Status == domain.JourneyCompleted {
		return j, &domain.InstanceTerminalError{JourneyID: j.ID}
	}
	if j.Status != from {
		return j, &domain.InvalidTransitionError{Entity: "journey", ID: j.ID, From: string(j.Status), To: string(to)}
	}
	j.Status = to
	j.UpdatedAt = now.UTC()
	return j, nil
}

// MandatoryComplete reports whether the journey may complete: every mandatory
// stage is completed. A journey without mandatory stages needs every stage
// completed instead.
func MandatoryComplete(stages []domain.StageInstance) bool {
	if len(stages) == 0 {
		return false
	}
	mandatory := 0
	for _, s := range stages {
		if !s.Mandatory {
			continue
		}
		mandatory++
		if s.Status != domain.StageCompleted {
			return false
		}
	}
	if mandatory > 0 {
		return true
	}
	for _, s := range stages {
		if s.Status != domain.StageCompleted {
			return false
		}
	}
	return true
}
