package engine

import (
	"context"
	"strings"

	"journeyline/internal/domain"
)

// SubjectResolver decides whether a subject reference names a real client
// and case. The engine does not own client records.
type SubjectResolver interface {
	Resolve(ctx context.Context, ref domain.SubjectRef) error
}

// RuleResolver accepts any well-formed reference.
type RuleResolver struct {
	RequireCase bool
}

func (r RuleResolver) Resolve(_ context.Context, ref domain.SubjectRef) error {
	if strings.TrimSpace(ref.ClientID) == "" {
		return &domain.SubjectInvalidError{Subject: ref, Reason: "client id is required"}
	}
	if r.RequireCase && strings.TrimSpace(ref.CaseID) == "" {
		return &domain.SubjectInvalidError{Subject: ref, Reason: "case id is required"}
	}
	return nil
}
