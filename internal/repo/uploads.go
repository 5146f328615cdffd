package repo

import (
	"context"
	"database/sql"
	"fmt"

	"journeyline/internal/domain"
)

type uploadRow struct {
	ID            string         `db:"id"`
	StageID       string         `db:"stage_id"`
	RequirementID sql.NullString `db:"requirement_id"`
	Filename      string         `db:"filename"`
	SizeBytes     int64          `db:"size_bytes"`
	MimeType      string         `db:"mime_type"`
	Status        string         `db:"status"`
	UploadedBy    string         `db:"uploaded_by"`
	UploadedAt    string         `db:"uploaded_at"`
	ReviewerID    sql.NullString `db:"reviewer_id"`
	ReviewNotes   sql.NullString `db:"review_notes"`
	ReviewedAt    sql.NullString `db:"reviewed_at"`
}

const uploadColumns = `id,stage_id,requirement_id,filename,size_bytes,mime_type,status,uploaded_by,uploaded_at,reviewer_id,review_notes,reviewed_at`

func (r uploadRow) toDomain() (domain.DocumentUpload, error) {
	u := domain.DocumentUpload{
		ID:            r.ID,
		StageID:       r.StageID,
		RequirementID: r.RequirementID.String,
		Filename:      r.Filename,
		SizeBytes:     r.SizeBytes,
		MimeType:      r.MimeType,
		Status:        domain.UploadStatus(r.Status),
		UploadedBy:    r.UploadedBy,
		ReviewerID:    r.ReviewerID.String,
		ReviewNotes:   r.ReviewNotes.String,
	}
	var err error
	if u.UploadedAt, err = ParseTime(r.UploadedAt); err != nil {
		return u, fmt.Errorf("upload %s uploaded_at: %w", r.ID, err)
	}
	if u.ReviewedAt, err = parseNullTime(r.ReviewedAt); err != nil {
		return u, fmt.Errorf("upload %s reviewed_at: %w", r.ID, err)
	}
	return u, nil
}

func (r Repo) InsertUpload(ctx context.Context, q Queryer, u domain.DocumentUpload) error {
	_, err := exec(ctx, q, `INSERT INTO document_uploads(`+uploadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.StageID, nullable(u.RequirementID), u.Filename, u.SizeBytes, u.MimeType, string(u.Status),
		u.UploadedBy, FormatTime(u.UploadedAt), nullable(u.ReviewerID), nullable(u.ReviewNotes), formatTimePtr(u.ReviewedAt))
	return err
}

func (r Repo) GetUpload(ctx context.Context, q Queryer, id string) (domain.DocumentUpload, error) {
	var row uploadRow
	if err := get(ctx, q, &row, `SELECT `+uploadColumns+` FROM document_uploads WHERE id=?`, id); err != nil {
		return domain.DocumentUpload{}, err
	}
	return row.toDomain()
}

// ListUploads returns every attempt addressed to a stage, oldest first.
func (r Repo) ListUploads(ctx context.Context, q Queryer, stageID string) ([]domain.DocumentUpload, error) {
	var rows []uploadRow
	if err := selectAll(ctx, q, &rows, `SELECT `+uploadColumns+` FROM document_uploads WHERE stage_id=? ORDER BY uploaded_at ASC, id ASC`, stageID); err != nil {
		return nil, err
	}
	res := make([]domain.DocumentUpload, 0, len(rows))
	for _, row := range rows {
		u, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, nil
}

// ReviewUpload records a review decision on a pending upload. It fails with
// ErrConflict when the upload was already reviewed.
func (r Repo) ReviewUpload(ctx context.Context, q Queryer, u domain.DocumentUpload) error {
	res, err := exec(ctx, q, `UPDATE document_uploads SET status=?, reviewer_id=?, review_notes=?, reviewed_at=? WHERE id=? AND status='pending'`,
		string(u.Status), nullable(u.ReviewerID), nullable(u.ReviewNotes), formatTimePtr(u.ReviewedAt), u.ID)
	return expectOne(res, err, ErrConflict)
}
