package deadline

import (
	"time"

	"journeyline/internal/domain"
)

// DueAt derives a stage deadline once, at creation. A nil SLA means no deadline.
func DueAt(createdAt time.Time, slaHours *int) *time.Time {
	if slaHours == nil {
		return nil
	}
	due := createdAt.UTC().Add(time.Duration(*slaHours) * time.Hour)
	return &due
}

// IsOverdue is false for completed stages whatever their due-at.
func IsOverdue(s domain.StageInstance, now time.Time) bool {
	return s.Status != domain.StageCompleted && s.DueAt != nil && s.DueAt.Before(now)
}

// FindOverdue filters stages down to the overdue ones, preserving order.
func FindOverdue(stages []domain.StageInstance, now time.Time) []domain.StageInstance {
	var out []domain.StageInstance
	for _, s := range stages {
		if IsOverdue(s, now) {
			out = append(out, s)
		}
	}
	return out
}

// Violated mirrors IsOverdue for a bare deadline.
func Violated(due, now time.Time) bool {
	return due.Before(now)
}
