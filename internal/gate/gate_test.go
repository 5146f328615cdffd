package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/domain"
)

func reqs() []domain.DocumentRequirement {
	return []domain.DocumentRequirement{
		{ID: "r-opt", Name: "Proof of address", Required: false, AcceptedTypes: []string{"application/pdf"}, MaxSizeMB: 5},
		{ID: "r-id", Name: "ID card", Required: true, AcceptedTypes: []string{"image/png"}, MaxSizeMB: 5},
	}
}

func TestEvaluateZeroUploadsIsPending(t *testing.T) {
	st := Evaluate(reqs(), nil)
	assert.False(t, st.Satisfied)
	require.Len(t, st.Pending, 2)
	assert.Equal(t, "r-id", st.Pending[0].ID, "required requirements come first")
	assert.Equal(t, "r-opt", st.Pending[1].ID)
	require.Len(t, st.MissingRequired(), 1)
	assert.False(t, st.AwaitingReview())
}

func TestEvaluateRejectedAndPendingNeverSatisfy(t *testing.T) {
	uploads := []domain.DocumentUpload{
		{ID: "u1", RequirementID: "r-id", Status: domain.UploadRejected},
		{ID: "u2", RequirementID: "r-id", Status: domain.UploadPending},
		{ID: "u3", Status: domain.UploadApproved},
	}
	st := Evaluate(reqs(), uploads)
	assert.False(t, st.Satisfied)
	assert.True(t, st.AwaitingReview())
	assert.Equal(t, 2, st.Requirements[1].Attempts)
}

func TestEvaluateOptionalNeverBlocks(t *testing.T) {
	uploads := []domain.DocumentUpload{
		{ID: "u1", RequirementID: "r-id", Status: domain.UploadApproved},
		{ID: "u2", RequirementID: "r-id", Status: domain.UploadApproved},
	}
	st := Evaluate(reqs(), uploads)
	assert.True(t, st.Satisfied)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, "r-opt", st.Pending[0].ID)
	assert.Equal(t, "u2", st.Requirements[1].ApprovedUploadID, "latest approved upload wins")
	assert.Empty(t, st.MissingRequired())
}

func TestEvaluateNoRequirementsIsSatisfied(t *testing.T) {
	st := Evaluate(nil, nil)
	assert.True(t, st.Satisfied)
	assert.Empty(t, st.Pending)
}
