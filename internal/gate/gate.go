package gate

import (
	"context"

	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// RequirementStatus is the evaluation of one requirement against the uploads
// addressed to its stage.
type RequirementStatus struct {
	Requirement domain.DocumentRequirement `json:"requirement"`
	// ApprovedUploadID is the most recent approved upload, if any.
	ApprovedUploadID string `json:"approved_upload_id,omitempty"`
	PendingReview    bool   `json:"pending_review"`
	Attempts         int    `json:"attempts"`
}

func (s RequirementStatus) Approved() bool { return s.ApprovedUploadID != "" }

type Status struct {
	StageID      string              `json:"stage_id"`
	Gated        bool                `json:"gated"`
	Satisfied    bool                `json:"satisfied"`
	Requirements []RequirementStatus `json:"requirements"`
	// Pending lists requirements without an approved upload, required ones
	// first, each group in requirement order.
	Pending []domain.DocumentRequirement `json:"pending"`
}

// MissingRequired returns the pending requirements that block the gate.
func (s Status) MissingRequired() []domain.DocumentRequirement {
	var out []domain.DocumentRequirement
	for _, r := range s.Pending {
		if r.Required {
			out = append(out, r)
		}
	}
	return out
}

// AwaitingReview reports whether every blocking requirement already has an
// upload waiting for a reviewer.
func (s Status) AwaitingReview() bool {
	missing := 0
	for _, rs := range s.Requirements {
		if !rs.Requirement.Required || rs.Approved() {
			continue
		}
		missing++
		if !rs.PendingReview {
			return false
		}
	}
	return missing > 0
}

// Evaluate decides the gate from requirements and the uploads of one stage.
// Uploads without a requirement, pending uploads and rejected uploads never
// satisfy anything.
func Evaluate(reqs []domain.DocumentRequirement, uploads []domain.DocumentUpload) Status {
	byReq := make(map[string][]domain.DocumentUpload, len(reqs))
	for _, u := range uploads {
		if u.RequirementID == "" {
			continue
		}
		byReq[u.RequirementID] = append(byReq[u.RequirementID], u)
	}
	st := Status{Satisfied: true, Requirements: make([]RequirementStatus, 0, len(reqs))}
	var required, optional []domain.DocumentRequirement
	for _, req := range reqs {
		rs := RequirementStatus{Requirement: req}
		for _, u := range byReq[req.ID] {
			rs.Attempts++
			switch u.Status {
			case domain.UploadApproved:
				rs.ApprovedUploadID = u.ID
			case domain.UploadPending:
				rs.PendingReview = true
			case domain.UploadRejected:
			}
		}
		st.Requirements = append(st.Requirements, rs)
		if rs.Approved() {
			continue
		}
		if req.Required {
			st.Satisfied = false
			required = append(required, req)
		} else {
			optional = append(optional, req)
		}
	}
	st.Pending = append(required, optional...)
	return st
}

// Evaluator answers gate questions from the store. Nothing is cached; every
// call reads the current uploads.
type Evaluator struct {
	Repo repo.Repo
}

func (e Evaluator) Status(ctx context.Context, q repo.Queryer, stageID string) (Status, error) {
	stage, err := e.Repo.GetStage(ctx, q, stageID)
	if err != nil {
		return Status{}, err
	}
	return e.StatusOf(ctx, q, stage)
}

// StatusOf evaluates an already loaded stage. Stages whose kind is not gated
// report satisfied but still surface their requirements.
func (e Evaluator) StatusOf(ctx context.Context, q repo.Queryer, stage domain.StageInstance) (Status, error) {
	reqs, err := e.Repo.ListStageRequirements(ctx, q, stage)
	if err != nil {
		return Status{}, err
	}
	uploads, err := e.Repo.ListUploads(ctx, q, stage.ID)
	if err != nil {
		return Status{}, err
	}
	st := Evaluate(reqs, uploads)
	st.StageID = stage.ID
	st.Gated = stage.Kind.Gated()
	if !st.Gated {
		st.Satisfied = true
	}
	return st, nil
}

func (e Evaluator) IsSatisfied(ctx context.Context, q repo.Queryer, stageID string) (bool, error) {
	st, err := e.Status(ctx, q, stageID)
	if err != nil {
		return false, err
	}
	return st.Satisfied, nil
}

func (e Evaluator) PendingRequirements(ctx context.Context, q repo.Queryer, stageID string) ([]domain.DocumentRequirement, error) {
	st, err := e.Status(ctx, q, stageID)
	if err != nil {
		return nil, err
	}
	return st.Pending, nil
}
