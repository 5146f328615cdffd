package journey

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"journeyline/internal/domain"
)

// UploadInput is the metadata of a submitted document. File bytes never pass
// through the engine.
type UploadInput struct {
	RequirementID string `json:"requirement_id,omitempty"`
	Filename      string `json:"filename"`
	SizeBytes     int64  `json:"size_bytes"`
	MimeType      string `json:"mime_type"`
}

// NewUpload validates an upload against the stage and, when addressed to a
// requirement, that requirement's type and size limits. Each submission is a
// new row; rejected attempts are kept.
func NewUpload(j domain.JourneyInstance, s domain.StageInstance, reqs []domain.DocumentRequirement, in UploadInput, id, actorID string, now time.Time) (domain.DocumentUpload, error) {
	if j.Status == domain.JourneyCompleted {
		return domain.DocumentUpload{}, &domain.InstanceTerminalError{JourneyID: j.ID}
	}
	invalid := func(format string, args ...any) error {
		return &domain.InvalidUploadError{StageID: s.ID, Reason: fmt.Sprintf(format, args...)}
	}
	if s.Status == domain.StageCompleted {
		return domain.DocumentUpload{}, invalid("stage is already completed")
	}
	if strings.TrimSpace(in.Filename) == "" {
		return domain.DocumentUpload{}, invalid("filename is required")
	}
	if in.SizeBytes <= 0 {
		return domain.DocumentUpload{}, invalid("size must be positive")
	}
	if strings.TrimSpace(in.MimeType) == "" {
		return domain.DocumentUpload{}, invalid("mime type is required")
	}
	if in.RequirementID != "" {
		var req *domain.DocumentRequirement
		for i := range reqs {
			if reqs[i].ID == in.RequirementID {
				req = &reqs[i]
				break
			}
		}
		if req == nil {
			return domain.DocumentUpload{}, invalid("requirement %s does not apply to this stage", in.RequirementID)
		}
		if !Accepts(req.AcceptedTypes, in.MimeType, in.Filename) {
			return domain.DocumentUpload{}, invalid("%s is not an accepted type for %s (%s)", in.MimeType, req.Name, strings.Join(req.AcceptedTypes, ", "))
		}
		if limit := int64(req.MaxSizeMB) * 1024 * 1024; in.SizeBytes > limit {
			return domain.DocumentUpload{}, invalid("%d bytes exceeds the %d MB limit for %s", in.SizeBytes, req.MaxSizeMB, req.Name)
		}
	}
	return domain.DocumentUpload{
		ID:            id,
		StageID:       s.ID,
		RequirementID: in.RequirementID,
		Filename:      in.Filename,
		SizeBytes:     in.SizeBytes,
		MimeType:      in.MimeType,
		Status:        domain.UploadPending,
		UploadedBy:    actorID,
		UploadedAt:    now.UTC(),
	}, nil
}

// Accepts matches a mime type or file extension against an accepted set.
// Entries may be full mime types, wildcards like "image/*", or extensions.
func Accepts(accepted []string, mimeType, filename string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	for _, a := range accepted {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case a == mimeType:
			return true
		case strings.HasSuffix(a, "/*") && strings.HasPrefix(mimeType, strings.TrimSuffix(a, "*")):
			return true
		case !strings.Contains(a, "/") && ext != "" && strings.TrimPrefix(a, ".") == ext:
			return true
		}
	}
	return false
}

// Review approves or rejects a pending upload.
func Review(j domain.JourneyInstance, u domain.DocumentUpload, decision domain.ReviewDecision, reviewerID, notes string, now time.Time) (domain.DocumentUpload, error) {
	target := domain.UploadApproved
	if decision == domain.DecisionReject {
		target = domain.UploadRejected
	}
	if !decision.Valid() {
		return u, &domain.InvalidTransitionError{Entity: "upload", ID: u.ID, From: string(u.Status), To: string(decision), Reason: "decision must be approve or reject"}
	}
	if j.Status == domain.JourneyCompleted {
		return u, &domain.InstanceTerminalError{JourneyID: j.ID}
	}
	if u.Status != domain.UploadPending {
		return u, &domain.InvalidTransitionError{Entity: "upload", ID: u.ID, From: string(u.Status), To: string(target)}
	}
	at := now.UTC()
	u.Status = target
	u.ReviewerID = reviewerID
	u.ReviewNotes = notes
	u.ReviewedAt = &at
	return u, nil
}
