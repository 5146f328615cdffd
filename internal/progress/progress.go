package progress

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"journeyline/internal/deadline"
	"journeyline/internal/domain"
	"journeyline/internal/gate"
)

// Order returns a copy of stages in canonical order: position, then creation
// sequence, then id.
func Order(stages []domain.StageInstance) []domain.StageInstance {
	out := append([]domain.StageInstance(nil), stages...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	return out
}

// ComputeProgress is round(100 * completed / total) over every stage,
// mandatory or not. A journey without stages is at 0.
func ComputeProgress(stages []domain.StageInstance) int {
	if len(stages) == 0 {
		return 0
	}
	done := 0
	for _, s := range stages {
		if s.Status == domain.StageCompleted {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(stages))))
}

// GateLookup evaluates the document gate of one stage.
type GateLookup func(domain.StageInstance) (gate.Status, error)

// ComputeNextAction picks the first non-completed stage in canonical order.
// Gated stages with unmet requirements produce a supply or await-review
// action instead of "complete". It returns nil when every stage is done.
func ComputeNextAction(stages []domain.StageInstance, lookup GateLookup, now time.Time) (*domain.NextAction, error) {
	for _, s := range Order(stages) {
		if s.Status == domain.StageCompleted {
			continue
		}
		na := &domain.NextAction{
			StageID:    s.ID,
			StageTitle: s.Title,
			StageKind:  s.Kind,
			Position:   s.Position,
			Action:     domain.ActionCompleteStage,
			DueAt:      s.DueAt,
			Overdue:    deadline.IsOverdue(s, now),
		}
		if s.Kind.Gated() && lookup != nil {
			st, err := lookup(s)
			if err != nil {
				return nil, err
			}
			if !st.Satisfied {
				missing := st.MissingRequired()
				na.Missing = refs(missing)
				if st.AwaitingReview() {
					na.Action = domain.ActionAwaitReview
					na.Message = fmt.Sprintf("Documents for %q are awaiting review: %s", s.Title, names(missing))
				} else {
					na.Action = domain.ActionSupplyDocuments
					na.Message = fmt.Sprintf("Supply the missing documents for %q: %s", s.Title, names(missing))
				}
				return na, nil
			}
		}
		na.Message = fmt.Sprintf("Complete stage %d: %s", s.Position, s.Title)
		return na, nil
	}
	return nil, nil
}

func refs(reqs []domain.DocumentRequirement) []domain.RequirementRef {
	out := make([]domain.RequirementRef, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, domain.RequirementRef{ID: r.ID, Name: r.Name, Required: r.Required})
	}
	return out
}

func names(reqs []domain.DocumentRequirement) string {
	parts := make([]string, 0, len(reqs))
	for _, r := range reqs {
		parts = append(parts, r.Name)
	}
	return strings.Join(parts, ", ")
}
