package domain

import "fmt"

type StageKind string

const (
	KindLesson  StageKind = "lesson"
	KindForm    StageKind = "form"
	KindUpload  StageKind = "upload"
	KindMeeting StageKind = "meeting"
	KindGate    StageKind = "gate"
	KindTask    StageKind = "task"
)

func (k StageKind) Valid() bool {
	switch k {
	case KindLesson, KindForm, KindUpload, KindMeeting, KindGate, KindTask:
		return true
	}
	return false
}

// Gated reports whether completion of a stage of this kind depends on
// document approval.
func (k StageKind) Gated() bool {
	switch k {
	case KindUpload, KindGate:
		return true
	case KindLesson, KindForm, KindMeeting, KindTask:
		return false
	}
	return false
}

func ParseStageKind(s string) (StageKind, error) {
	k := StageKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("invalid stage kind %q", s)
	}
	return k, nil
}

type JourneyStatus string

const (
	JourneyActive    JourneyStatus = "active"
	JourneyPaused    JourneyStatus = "paused"
	JourneyCompleted JourneyStatus = "completed"
)

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
)

type UploadStatus string

const (
	UploadPending  UploadStatus = "pending"
	UploadApproved UploadStatus = "approved"
	UploadRejected UploadStatus = "rejected"
)

type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

func (d ReviewDecision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

type ActionKind string

const (
	ActionCompleteStage   ActionKind = "complete_stage"
	ActionSupplyDocuments ActionKind = "supply_documents"
	ActionAwaitReview     ActionKind = "await_review"
)

// Priority is a ticket priority as named in the SLA policy table.
type Priority string

const (
	PriorityBaixa   Priority = "baixa"
	PriorityNormal  Priority = "normal"
	PriorityMedia   Priority = "media"
	PriorityAlta    Priority = "alta"
	PriorityUrgente Priority = "urgente"
)

type TicketStatus string

const (
	TicketOpen     TicketStatus = "open"
	TicketResolved TicketStatus = "resolved"
)
