package domain

import "time"

type JourneyTemplate struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	Version      string    `json:"version"`
	Name         string    `json:"name"`
	Niche        string    `json:"niche,omitempty"`
	StageCount   int       `json:"stage_count"`
	ExpectedDays int       `json:"expected_days"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

type TemplateStage struct {
	ID           string                `json:"id"`
	TemplateID   string                `json:"template_id"`
	Position     int                   `json:"position"`
	Title        string                `json:"title"`
	Description  string                `json:"description,omitempty"`
	Kind         StageKind             `json:"kind" enum:"lesson,form,upload,meeting,gate,task"`
	Mandatory    bool                  `json:"mandatory"`
	SLAHours     *int                  `json:"sla_hours,omitempty"`
	Requirements []DocumentRequirement `json:"requirements,omitempty"`
}

// DocumentRequirement is owned either by a template stage or, for ad-hoc
// stages, by a single stage instance.
type DocumentRequirement struct {
	ID              string   `json:"id"`
	TemplateStageID string   `json:"template_stage_id,omitempty"`
	StageInstanceID string   `json:"stage_instance_id,omitempty"`
	Name            string   `json:"name"`
	Required        bool     `json:"required"`
	AcceptedTypes   []string `json:"accepted_types"`
	MaxSizeMB       int      `json:"max_size_mb"`
}

type SubjectRef struct {
	ClientID string `json:"client_id"`
	CaseID   string `json:"case_id,omitempty"`
}

type JourneyInstance struct {
	ID          string        `json:"id"`
	TemplateID  string        `json:"template_id"`
	Subject     SubjectRef    `json:"subject"`
	OwnerID     string        `json:"owner_id"`
	CreatedBy   string        `json:"created_by"`
	Status      JourneyStatus `json:"status" enum:"active,paused,completed"`
	ProgressPct int           `json:"progress_pct"`
	NextAction  *NextAction   `json:"next_action,omitempty"`
	StartedAt   time.Time     `json:"started_at" format:"date-time"`
	UpdatedAt   time.Time     `json:"updated_at" format:"date-time"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" format:"date-time"`
}

type StageInstance struct {
	ID              string      `json:"id"`
	JourneyID       string      `json:"journey_id"`
	TemplateStageID string      `json:"template_stage_id,omitempty"`
	Seq             int64       `json:"seq"`
	Position        int         `json:"position"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Kind            StageKind   `json:"kind" enum:"lesson,form,upload,meeting,gate,task"`
	Mandatory       bool        `json:"mandatory"`
	Custom          bool        `json:"custom"`
	Status          StageStatus `json:"status" enum:"pending,in_progress,completed"`
	CreatedAt       time.Time   `json:"created_at" format:"date-time"`
	StartedAt       *time.Time  `json:"started_at,omitempty" format:"date-time"`
	DueAt           *time.Time  `json:"due_at,omitempty" format:"date-time"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy     string      `json:"completed_by,omitempty"`
}

type DocumentUpload struct {
	ID            string       `json:"id"`
	StageID       string       `json:"stage_id"`
	RequirementID string       `json:"requirement_id,omitempty"`
	Filename      string       `json:"filename"`
	SizeBytes     int64        `json:"size_bytes"`
	MimeType      string       `json:"mime_type"`
	Status        UploadStatus `json:"status" enum:"pending,approved,rejected"`
	UploadedBy    string       `json:"uploaded_by"`
	UploadedAt    time.Time    `json:"uploaded_at" format:"date-time"`
	ReviewerID    string       `json:"reviewer_id,omitempty"`
	ReviewNotes   string       `json:"review_notes,omitempty"`
	ReviewedAt    *time.Time   `json:"reviewed_at,omitempty" format:"date-time"`
}

// NextAction describes the single step a user should take next on a journey.
type NextAction struct {
	StageID    string           `json:"stage_id"`
	StageTitle string           `json:"stage_title"`
	StageKind  StageKind        `json:"stage_kind"`
	Position   int              `json:"position"`
	Action     ActionKind       `json:"action" enum:"complete_stage,supply_documents,await_review"`
	Message    string           `json:"message"`
	Missing    []RequirementRef `json:"missing,omitempty"`
	DueAt      *time.Time       `json:"due_at,omitempty" format:"date-time"`
	Overdue    bool             `json:"overdue"`
}

type RequirementRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

type Ticket struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	RequesterID        string       `json:"requester_id"`
	AssigneeID         string       `json:"assignee_id,omitempty"`
	Priority           Priority     `json:"priority"`
	Status             TicketStatus `json:"status" enum:"open,resolved"`
	CreatedAt          time.Time    `json:"created_at" format:"date-time"`
	FirstResponseDueAt time.Time    `json:"first_response_due_at" format:"date-time"`
	ResolutionDueAt    time.Time    `json:"resolution_due_at" format:"date-time"`
	FirstRespondedAt   *time.Time   `json:"first_responded_at,omitempty" format:"date-time"`
	ResolvedAt         *time.Time   `json:"resolved_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JourneyID  string `json:"journey_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
