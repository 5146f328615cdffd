package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"

	"journeyline/internal/domain"
	"journeyline/internal/events"
	"journeyline/internal/journey"
	"journeyline/internal/notify"
	"journeyline/internal/repo"
)

// SubmitUpload records a document submission against a stage. The upload
// starts pending; the gate only counts it once approved.
func (e Engine) SubmitUpload(ctx context.Context, stageID string, in journey.UploadInput, actorID string) (upload domain.DocumentUpload, err error) {
	ctx, end := startSpan(ctx, "engine.SubmitUpload", attribute.String("stage.id", stageID))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		s, j, err := e.lockStage(ctx, tx, stageID)
		if err != nil {
			return err
		}
		reqs, err := e.Repo.ListStageRequirements(ctx, tx, s)
		if err != nil {
			return err
		}
		u, err := journey.NewUpload(j, s, reqs, in, e.newID(), actorID, e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.InsertUpload(ctx, tx, u); err != nil {
			return fmt.Errorf("insert upload: %w", err)
		}
		if err := e.append(ctx, tx, o, events.DocumentSubmitted, j.ID, "upload", u.ID, actorID, events.EventPayload{
			"stage_id":       s.ID,
			"requirement_id": u.RequirementID,
			"filename":       u.Filename,
			"size_bytes":     u.SizeBytes,
			"mime_type":      u.MimeType,
		}); err != nil {
			return err
		}
		if _, _, err := e.refresh(ctx, tx, o, j, actorID); err != nil {
			return err
		}
		upload = u
		return nil
	})
	return upload, err
}

// ReviewUpload approves or rejects a pending upload. A rejection notifies the
// uploader so they can submit again.
func (e Engine) ReviewUpload(ctx context.Context, uploadID string, decision domain.ReviewDecision, reviewerID, notes string) (upload domain.DocumentUpload, err error) {
	ctx, end := startSpan(ctx, "engine.ReviewUpload", attribute.String("upload.id", uploadID), attribute.String("decision", string(decision)))
	defer func() { end(err) }()

	err = e.mutate(ctx, func(tx *sqlx.Tx, o *outcome) error {
		u, err := e.Repo.GetUpload(ctx, tx, uploadID)
		if err != nil {
			return notFound("upload", uploadID, err)
		}
		s, j, err := e.lockStage(ctx, tx, u.StageID)
		if err != nil {
			return err
		}
		if u, err = e.Repo.GetUpload(ctx, tx, uploadID); err != nil {
			return err
		}
		reviewed, err := journey.Review(j, u, decision, reviewerID, notes, e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.ReviewUpload(ctx, tx, reviewed); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				cur, gerr := e.Repo.GetUpload(ctx, tx, uploadID)
				if gerr != nil {
					return gerr
				}
				return &domain.InvalidTransitionError{Entity: "upload", ID: uploadID, From: string(cur.Status), To: string(reviewed.Status)}
			}
			return err
		}
		if err := e.append(ctx, tx, o, events.DocumentReviewed, j.ID, "upload", u.ID, reviewerID, events.EventPayload{
			"stage_id":       s.ID,
			"requirement_id": u.RequirementID,
			"decision":       string(decision),
			"status":         string(reviewed.Status),
			"notes":          notes,
		}); err != nil {
			return err
		}
		if reviewed.Status == domain.UploadRejected && reviewed.UploadedBy != "" {
			body := fmt.Sprintf("%s for stage %q was rejected.", reviewed.Filename, s.Title)
			if notes != "" {
				body += " " + notes
			}
			o.notify(notify.Notification{
				Recipient: reviewed.UploadedBy,
				Subject:   "Document rejected",
				Body:      body,
				Related:   notify.EntityRef{Kind: "upload", ID: reviewed.ID},
			})
		}
		if _, _, err := e.refresh(ctx, tx, o, j, reviewerID); err != nil {
			return err
		}
		upload = reviewed
		return nil
	})
	return upload, err
}

func (e Engine) ListUploads(ctx context.Context, stageID string) ([]domain.DocumentUpload, error) {
	return retryRead(ctx, e.Retry, func() ([]domain.DocumentUpload, error) {
		if _, err := e.Repo.GetStage(ctx, e.DB, stageID); err != nil {
			return nil, notFound("stage", stageID, err)
		}
		return e.Repo.ListUploads(ctx, e.DB, stageID)
	})
}
