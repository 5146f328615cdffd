package server

import (
	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/gate"
)

// Request payloads

type ImportTemplateRequest struct {
	// Definition is the YAML template document.
	Definition string `json:"definition" minLength:"1"`
}

type StartJourneyRequest struct {
	TemplateID  string `json:"template_id,omitempty"`
	TemplateKey string `json:"template_key,omitempty"`
	ClientID    string `json:"client_id"`
	CaseID      string `json:"case_id,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
}

type AddStageRequest struct {
	Title        string               `json:"title" minLength:"1"`
	Description  string               `json:"description,omitempty"`
	Kind         string               `json:"kind" enum:"lesson,form,upload,meeting,gate,task"`
	Mandatory    bool                 `json:"mandatory,omitempty"`
	SLAHours     *int                 `json:"sla_hours,omitempty" minimum:"1"`
	Requirements []RequirementRequest `json:"requirements,omitempty"`
}

type RequirementRequest struct {
	Name          string   `json:"name" minLength:"1"`
	Required      *bool    `json:"required,omitempty"`
	AcceptedTypes []string `json:"accepted_types"`
	MaxSizeMB     int      `json:"max_size_mb" minimum:"1"`
}

type SubmitUploadRequest struct {
	RequirementID string `json:"requirement_id,omitempty"`
	Filename      string `json:"filename"`
	SizeBytes     int64  `json:"size_bytes"`
	MimeType      string `json:"mime_type"`
}

type ReviewUploadRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Notes    string `json:"notes,omitempty"`
}

type CreateTicketRequest struct {
	Title       string `json:"title" minLength:"1"`
	RequesterID string `json:"requester_id,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	Priority    string `json:"priority"`
}

type ChangePriorityRequest struct {
	Priority string `json:"priority"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type TemplateDetail struct {
	Template domain.JourneyTemplate `json:"template"`
	Stages   []domain.TemplateStage `json:"stages"`
}

type TemplateList struct {
	Items []domain.JourneyTemplate `json:"items"`
}

type JourneyList struct {
	Items []domain.JourneyInstance `json:"items"`
}

type UploadList struct {
	Items []domain.DocumentUpload `json:"items"`
}

type OverdueList struct {
	Items []engine.OverdueStage `json:"items"`
}

type TicketViolationList struct {
	Items []engine.TicketViolation `json:"items"`
}

type EventList struct {
	Items []domain.Event `json:"items"`
}

type ProgressResponse struct {
	JourneyID   string `json:"journey_id"`
	ProgressPct int    `json:"progress_pct"`
}

type NextActionResponse struct {
	JourneyID  string             `json:"journey_id"`
	NextAction *domain.NextAction `json:"next_action"`
}

type GateResponse = gate.Status
