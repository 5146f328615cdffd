package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrGateNotSatisfied  = errors.New("gate not satisfied")
	ErrAlreadyCompleted  = errors.New("already completed")
	ErrInstanceTerminal  = errors.New("instance terminal")
	ErrPolicyMissing     = errors.New("policy missing")
	ErrSubjectInvalid    = errors.New("subject invalid")
	ErrInvalidUpload     = errors.New("invalid upload")
	ErrInvalidInput      = errors.New("invalid input")
)

// NotFoundError reports an unresolved template, journey, stage, upload or
// ticket id.
type NotFoundError struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type InvalidTransitionError struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s transition %s -> %s for %s", e.Entity, e.From, e.To, e.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type GateNotSatisfiedError struct {
	StageID string           `json:"stage_id"`
	Missing []RequirementRef `json:"missing"`
}

func (e *GateNotSatisfiedError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		names = append(names, m.Name)
	}
	return fmt.Sprintf("stage %s gate not satisfied: missing %s", e.StageID, strings.Join(names, ", "))
}
func (e *GateNotSatisfiedError) Is(target error) bool { return target == ErrGateNotSatisfied }

type AlreadyCompletedError struct {
	StageID     string     `json:"stage_id"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("stage %s already completed", e.StageID)
}
func (e *AlreadyCompletedError) Is(target error) bool { return target == ErrAlreadyCompleted }

type InstanceTerminalError struct {
	JourneyID string `json:"journey_id"`
}

func (e *InstanceTerminalError) Error() string {
	return fmt.Sprintf("journey %s is completed", e.JourneyID)
}

// Is also matches ErrInvalidTransition: mutating a completed journey is a
// state machine violation as well.
func (e *InstanceTerminalError) Is(target error) bool {
	return target == ErrInstanceTerminal || target == ErrInvalidTransition
}

type PolicyMissingError struct {
	Priority Priority `json:"priority"`
}

func (e *PolicyMissingError) Error() string {
	return fmt.Sprintf("no sla policy configured for priority %q", e.Priority)
}
func (e *PolicyMissingError) Is(target error) bool { return target == ErrPolicyMissing }

type SubjectInvalidError struct {
	Subject SubjectRef `json:"subject"`
	Reason  string     `json:"reason"`
}

func (e *SubjectInvalidError) Error() string {
	return fmt.Sprintf("subject %s/%s invalid: %s", e.Subject.ClientID, e.Subject.CaseID, e.Reason)
}
func (e *SubjectInvalidError) Is(target error) bool { return target == ErrSubjectInvalid }

type InvalidUploadError struct {
	StageID string `json:"stage_id"`
	Reason  string `json:"reason"`
}

func (e *InvalidUploadError) Error() string {
	return fmt.Sprintf("upload to stage %s rejected: %s", e.StageID, e.Reason)
}
func (e *InvalidUploadError) Is(target error) bool { return target == ErrInvalidUpload }

// InvalidInputError reports a missing or malformed caller-supplied field.
type InvalidInputError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }
