package journey

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/domain"
	"journeyline/internal/gate"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func templateStages() []domain.TemplateStage {
	sla := 24
	return []domain.TemplateStage{
		{ID: "ts1", Position: 1, Title: "Welcome", Kind: domain.KindLesson, Mandatory: true},
		{ID: "ts2", Position: 2, Title: "Documents", Kind: domain.KindUpload, Mandatory: true, SLAHours: &sla},
		{ID: "ts3", Position: 3, Title: "Kickoff", Kind: domain.KindMeeting, Mandatory: false},
	}
}

func TestInstantiateCopiesTemplateOrder(t *testing.T) {
	tmpl := domain.JourneyTemplate{ID: "tpl"}
	j, stages := Instantiate("j1", tmpl, templateStages(), domain.SubjectRef{ClientID: "c1"}, "owner", "actor", now, seqIDs())
	assert.Equal(t, domain.JourneyActive, j.Status)
	assert.Equal(t, 0, j.ProgressPct)
	require.Len(t, stages, 3)
	for i, s := range stages {
		assert.Equal(t, i+1, s.Position)
		assert.Equal(t, int64(i+1), s.Seq)
		assert.Equal(t, domain.StagePending, s.Status)
		assert.Nil(t, s.CompletedAt)
	}
	assert.Nil(t, stages[0].DueAt)
	require.NotNil(t, stages[1].DueAt)
	assert.Equal(t, now.Add(24*time.Hour), *stages[1].DueAt)
	assert.False(t, stages[2].Mandatory)
}

func TestCompleteStageChecks(t *testing.T) {
	j := domain.JourneyInstance{ID: "j1", Status: domain.JourneyActive}
	upload := domain.StageInstance{ID: "s1", Kind: domain.KindUpload, Status: domain.StagePending}
	blocked := gate.Evaluate([]domain.DocumentRequirement{{ID: "r1", Name: "ID", Required: true}}, nil)

	_, err := CompleteStage(j, upload, blocked, "actor", now)
	var gns *domain.GateNotSatisfiedError
	require.True(t, errors.As(err, &gns))
	require.Len(t, gns.Missing, 1)
	assert.Equal(t, "r1", gns.Missing[0].ID)

	done, err := CompleteStage(j, upload, gate.Status{Satisfied: true}, "actor", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "actor", done.CompletedBy)

	_, err = CompleteStage(j, done, gate.Status{Satisfied: true}, "actor", now)
	assert.True(t, errors.Is(err, domain.ErrAlreadyCompleted))

	j.Status = domain.JourneyCompleted
	_, err = CompleteStage(j, done, gate.Status{Satisfied: true}, "actor", now)
	assert.True(t, errors.Is(err, domain.ErrAlreadyCompleted), "already completed wins over terminal")

	_, err = CompleteStage(j, domain.StageInstance{ID: "s2", Kind: domain.KindTask, Status: domain.StagePending}, gate.Status{}, "actor", now)
	assert.True(t, errors.Is(err, domain.ErrInstanceTerminal))

	j.Status = domain.JourneyPaused
	_, err = CompleteStage(j, domain.StageInstance{ID: "s2", Kind: domain.KindTask, Status: domain.StagePending}, gate.Status{}, "actor", now)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestStartStage(t *testing.T) {
	j := domain.JourneyInstance{ID: "j1", Status: domain.JourneyActive}
	s, err := StartStage(j, domain.StageInstance{ID: "s1", Status: domain.StagePending}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInProgress, s.Status)
	_, err = StartStage(j, s, now)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestPauseResume(t *testing.T) {
	j := domain.JourneyInstance{ID: "j1", Status: domain.JourneyActive}
	_, err := Resume(j, now)
	var it *domain.InvalidTransitionError
	require.True(t, errors.As(err, &it))
	assert.Equal(t, "active", it.From)
	assert.Equal(t, "active", it.To)

	j, err = Pause(j, now)
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyPaused, j.Status)
	_, err = Pause(j, now)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	j, err = Resume(j, now)
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyActive, j.Status)

	j.Status = domain.JourneyCompleted
	_, err = Pause(j, now)
	assert.True(t, errors.Is(err, domain.ErrInstanceTerminal))
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestMandatoryComplete(t *testing.T) {
	stages := []domain.StageInstance{
		{Mandatory: true, Status: domain.StageCompleted},
		{Mandatory: true, Status: domain.StageCompleted},
		{Mandatory: true, Status: domain.StageCompleted},
		{Mandatory: false, Status: domain.StagePending},
	}
	assert.True(t, MandatoryComplete(stages))
	stages[2].Status = domain.StageInProgress
	assert.False(t, MandatoryComplete(stages))

	optionalOnly := []domain.StageInstance{{Status: domain.StageCompleted}, {Status: domain.StagePending}}
	assert.False(t, MandatoryComplete(optionalOnly))
	optionalOnly[1].Status = domain.StageCompleted
	assert.True(t, MandatoryComplete(optionalOnly))
	assert.False(t, MandatoryComplete(nil))
}

func TestAppendCustomStage(t *testing.T) {
	j := domain.JourneyInstance{ID: "j1", Status: domain.JourneyActive}
	sla := 2
	s, reqs, err := AppendCustomStage(j, CustomStage{
		Title: "Extra proof", Kind: domain.KindUpload, SLAHours: &sla,
		Requirements: []domain.DocumentRequirement{{Name: "Bank statement", Required: true, AcceptedTypes: []string{"pdf"}, MaxSizeMB: 4}},
	}, "s9", 5, 4, now, seqIDs())
	require.NoError(t, err)
	assert.True(t, s.Custom)
	assert.False(t, s.Mandatory)
	assert.Equal(t, 4, s.Position)
	require.NotNil(t, s.DueAt)
	require.Len(t, reqs, 1)
	assert.Equal(t, "s9", reqs[0].StageInstanceID)

	_, _, err = AppendCustomStage(j, CustomStage{Title: "Call", Kind: domain.KindTask,
		Requirements: []domain.DocumentRequirement{{Name: "x", AcceptedTypes: []string{"pdf"}, MaxSizeMB: 1}}}, "s10", 6, 5, now, seqIDs())
	var in *domain.InvalidInputError
	require.ErrorAs(t, err, &in)
	assert.Equal(t, "requirements", in.Field)

	_, _, err = AppendCustomStage(j, CustomStage{Kind: domain.KindTask}, "s10", 6, 5, now, seqIDs())
	require.ErrorAs(t, err, &in)
	assert.Equal(t, "title", in.Field)

	zero := 0
	_, _, err = AppendCustomStage(j, CustomStage{Title: "Call", Kind: domain.KindTask, SLAHours: &zero}, "s10", 6, 5, now, seqIDs())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	j.Status = domain.JourneyCompleted
	_, _, err = AppendCustomStage(j, CustomStage{Title: "Late", Kind: domain.KindTask}, "s11", 7, 6, now, seqIDs())
	assert.True(t, errors.Is(err, domain.ErrInstanceTerminal))
}

func TestNewUploadValidation(t *testing.T) {
	j := domain.JourneyInstance{ID: "j1", Status: domain.JourneyPaused}
	s := domain.StageInstance{ID: "s1", Kind: domain.KindUpload, Status: domain.StagePending}
	reqs := []domain.DocumentRequirement{{ID: "r1", Name: "ID", Required: true, AcceptedTypes: []string{"image/*", "pdf"}, MaxSizeMB: 1}}

	u, err := NewUpload(j, s, reqs, UploadInput{RequirementID: "r1", Filename: "id.png", SizeBytes: 1000, MimeType: "image/png"}, "u1", "client", now)
	require.NoError(t, err, "uploads are accepted while paused")
	assert.Equal(t, domain.UploadPending, u.Status)

	_, err = NewUpload(j, s, reqs, UploadInput{RequirementID: "r1", Filename: "id.pdf", SizeBytes: 1000, MimeType: "application/octet-stream"}, "u2", "client", now)
	require.NoError(t, err, "extension match")

	_, err = NewUpload(j, s, reqs, UploadInput{RequirementID: "r1", Filename: "id.doc", SizeBytes: 1000, MimeType: "application/msword"}, "u3", "client", now)
	assert.True(t, errors.Is(err, domain.ErrInvalidUpload))

	_, err = NewUpload(j, s, reqs, UploadInput{RequirementID: "r1", Filename: "id.png", SizeBytes: 2 * 1024 * 1024, MimeType: "image/png"}, "u4", "client", now)
	assert.True(t, errors.Is(err, domain.ErrInvalidUpload))

	_, err = NewUpload(j, s, reqs, UploadInput{RequirementID: "nope", Filename: "id.png", SizeBytes: 10, MimeType: "image/png"}, "u5", "client", now)
	assert.True(t, errors.Is(err, domain.ErrInvalidUpload))

	_, err = NewUpload(j, s, reqs, UploadInput{Filename: "note.txt", SizeBytes: 10, MimeType: "text/plain"}, "u6", "client", now)
	require.NoError(t, err, "unsolicited uploads are allowed")
}

func TestReviewOnlyPending(t *testing.T) {
	j := domain.JourneyInstance{ID: "j1", Status: domain.JourneyActive}
	u := domain.DocumentUpload{ID: "u1", Status: domain.UploadPending}
	approved, err := Review(j, u, domain.DecisionApprove, "rev", "ok", now)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadApproved, approved.Status)
	require.NotNil(t, approved.ReviewedAt)

	_, err = Review(j, approved, domain.DecisionReject, "rev", "", now)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	_, err = Review(j, u, domain.ReviewDecision("maybe"), "rev", "", now)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}
