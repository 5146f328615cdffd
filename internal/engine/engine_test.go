package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/events"
	"journeyline/internal/journey"
	"journeyline/internal/migrate"
	"journeyline/internal/notify"
	"journeyline/internal/registry"
	"journeyline/internal/repo"
)

func TestConcurrentCompletionOfSiblingStagesCompletesJourney(t *testing.T) {
	env := newTestEnv(t)
	tmpl, err := env.Engine.ImportTemplate(env.Ctx, []byte(`key: checklist
version: 1.0.0
name: Checklist
stages:
  - title: Sign contract
    kind: task
  - title: Pay deposit
    kind: task
  - title: Book call
    kind: task
  - title: Pick a photo
    kind: task
`))
	require.NoError(t, err)
	view, err := env.Engine.StartJourney(env.Ctx, engine.StartJourneyOptions{
		TemplateID: tmpl.ID,
		Subject:    domain.SubjectRef{ClientID: "client-2"},
		OwnerID:    "owner-1",
		ActorID:    "advisor",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, len(view.Stages))
	for i, st := range view.Stages {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.CompleteStage(env.Ctx, id, "advisor")
		}(i, st.ID)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := env.Engine.GetJourney(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyCompleted, got.Journey.Status)
	assert.Equal(t, 100, got.Journey.ProgressPct)
	assert.Nil(t, got.Journey.NextAction)

	done, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{JourneyID: view.Journey.ID, Type: events.JourneyCompleted})
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

const onboardingYAML = `key: onboarding
version: 1.0.0
name: Client onboarding
stages:
  - title: Welcome lesson
    kind: lesson
    sla_hours: 24
  - title: Identity documents
    kind: upload
    sla_hours: 48
    requirements:
      - name: Passport
        accepted_types: [application/pdf, image/*]
        max_size_mb: 5
      - name: Utility bill
        required: false
        accepted_types: [pdf]
        max_size_mb: 5
  - title: Kickoff meeting
    kind: meeting
  - title: Feedback form
    kind: form
    mandatory: false
`

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (s *recordingSink) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) notifications() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.got...)
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Template domain.JourneyTemplate
	Bus      *notify.Bus
	Sink     *recordingSink
	clock    *time.Time
}

func (env testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := t0
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	bus := notify.NewBus()
	sink := &recordingSink{}
	eng.Notifier = bus
	eng.Sink = sink
	ctx := context.Background()

	def, err := registry.ParseDefinition([]byte(onboardingYAML))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	tmpl, err := eng.Registry.Import(ctx, def)
	if err != nil {
		t.Fatalf("import template: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Template: tmpl, Bus: bus, Sink: sink, clock: &clock}
}

func (env testEnv) start(t *testing.T) engine.JourneyView {
	t.Helper()
	view, err := env.Engine.StartJourney(env.Ctx, engine.StartJourneyOptions{
		TemplateID: env.Template.ID,
		Subject:    domain.SubjectRef{ClientID: "client-1", CaseID: "case-9"},
		OwnerID:    "owner-1",
		ActorID:    "advisor",
	})
	require.NoError(t, err)
	return view
}

func (env testEnv) approveAll(t *testing.T, stageID string) {
	t.Helper()
	st, err := env.Engine.GateStatus(env.Ctx, stageID)
	require.NoError(t, err)
	for _, rs := range st.Requirements {
		if !rs.Requirement.Required || rs.Approved() {
			continue
		}
		up, err := env.Engine.SubmitUpload(env.Ctx, stageID, journey.UploadInput{
			RequirementID: rs.Requirement.ID,
			Filename:      "scan.pdf",
			SizeBytes:     1024,
			MimeType:      "application/pdf",
		}, "client-1")
		require.NoError(t, err)
		_, err = env.Engine.ReviewUpload(env.Ctx, up.ID, domain.DecisionApprove, "reviewer", "")
		require.NoError(t, err)
	}
}

func TestStartJourneyCreatesStagesInTemplateOrder(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)

	j := view.Journey
	assert.Equal(t, domain.JourneyActive, j.Status)
	assert.Equal(t, 0, j.ProgressPct)
	require.Len(t, view.Stages, 4)
	for i, s := range view.Stages {
		assert.Equal(t, i+1, s.Position)
		assert.Equal(t, int64(i+1), s.Seq)
		assert.Equal(t, domain.StagePending, s.Status)
	}
	assert.Equal(t, []bool{true, true, true, false}, []bool{view.Stages[0].Mandatory, view.Stages[1].Mandatory, view.Stages[2].Mandatory, view.Stages[3].Mandatory})
	require.NotNil(t, view.Stages[0].DueAt)
	assert.Equal(t, t0.Add(24*time.Hour), *view.Stages[0].DueAt)
	assert.Nil(t, view.Stages[2].DueAt)

	require.NotNil(t, j.NextAction)
	assert.Equal(t, view.Stages[0].ID, j.NextAction.StageID)
	assert.Equal(t, domain.ActionCompleteStage, j.NextAction.Action)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{JourneyID: j.ID})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.JourneyStarted, evts[0].Type)
}

func TestStartJourneyByKeyUsesLatestVersion(t *testing.T) {
	env := newTestEnv(t)
	def, err := registry.ParseDefinition([]byte(`key: onboarding
version: 1.10.0
name: Client onboarding (short)
stages:
  - title: Welcome lesson
    kind: lesson
`))
	require.NoError(t, err)
	newer, err := env.Engine.Registry.Import(env.Ctx, def)
	require.NoError(t, err)

	view, err := env.Engine.StartJourney(env.Ctx, engine.StartJourneyOptions{
		TemplateKey: "onboarding",
		Subject:     domain.SubjectRef{ClientID: "client-1"},
		ActorID:     "advisor",
	})
	require.NoError(t, err)
	assert.Equal(t, newer.ID, view.Journey.TemplateID)
	assert.Equal(t, "advisor", view.Journey.OwnerID)
	assert.Len(t, view.Stages, 1)
}

func TestStartJourneyErrors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.StartJourney(env.Ctx, engine.StartJourneyOptions{TemplateID: "missing", Subject: domain.SubjectRef{ClientID: "c"}, ActorID: "a"})
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "template", nf.Entity)

	_, err = env.Engine.StartJourney(env.Ctx, engine.StartJourneyOptions{TemplateID: env.Template.ID, Subject: domain.SubjectRef{ClientID: "  "}, ActorID: "a"})
	assert.ErrorIs(t, err, domain.ErrSubjectInvalid)

	_, err = env.Engine.StartJourney(env.Ctx, engine.StartJourneyOptions{Subject: domain.SubjectRef{ClientID: "c"}, ActorID: "a"})
	var in *domain.InvalidInputError
	require.ErrorAs(t, err, &in)
	assert.Equal(t, "template", in.Field)

	_, err = env.Engine.StartJourney(env.Ctx, engine.StartJourneyOptions{TemplateID: env.Template.ID, Subject: domain.SubjectRef{ClientID: "c"}})
	require.ErrorAs(t, err, &in)
	assert.Equal(t, "owner_id", in.Field)

	journeys, err := env.Engine.ListJourneys(env.Ctx, repo.JourneyFilters{})
	require.NoError(t, err)
	assert.Empty(t, journeys)
}

func TestGateBlocksCompletionUntilApproved(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)
	lesson, upload := view.Stages[0], view.Stages[1]

	_, err := env.Engine.CompleteStage(env.Ctx, lesson.ID, "client-1")
	require.NoError(t, err)

	_, err = env.Engine.CompleteStage(env.Ctx, upload.ID, "client-1")
	var gateErr *domain.GateNotSatisfiedError
	require.ErrorAs(t, err, &gateErr)
	require.Len(t, gateErr.Missing, 1)
	assert.Equal(t, "Passport", gateErr.Missing[0].Name)

	next, err := env.Engine.NextAction(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, domain.ActionSupplyDocuments, next.Action)
	assert.Contains(t, next.Message, "Passport")
	assert.NotContains(t, next.Message, "Utility bill")

	st, err := env.Engine.GateStatus(env.Ctx, upload.ID)
	require.NoError(t, err)
	passport := st.Requirements[0].Requirement
	rejected, err := env.Engine.SubmitUpload(env.Ctx, upload.ID, journey.UploadInput{RequirementID: passport.ID, Filename: "blurry.jpg", SizeBytes: 2048, MimeType: "image/jpeg"}, "client-1")
	require.NoError(t, err)

	next, err = env.Engine.NextAction(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAwaitReview, next.Action)

	_, err = env.Engine.ReviewUpload(env.Ctx, rejected.ID, domain.DecisionReject, "reviewer", "unreadable")
	require.NoError(t, err)
	_, err = env.Engine.CompleteStage(env.Ctx, upload.ID, "client-1")
	assert.ErrorIs(t, err, domain.ErrGateNotSatisfied)

	notices := env.Sink.notifications()
	require.NotEmpty(t, notices)
	assert.Equal(t, "client-1", notices[len(notices)-1].Recipient)
	assert.Contains(t, notices[len(notices)-1].Body, "unreadable")

	_, err = env.Engine.ReviewUpload(env.Ctx, rejected.ID, domain.DecisionApprove, "reviewer", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	env.approveAll(t, upload.ID)
	done, err := env.Engine.CompleteStage(env.Ctx, upload.ID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, done.Status)
}

func TestSubmitUploadValidatesRequirement(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)
	upload := view.Stages[1]
	st, err := env.Engine.GateStatus(env.Ctx, upload.ID)
	require.NoError(t, err)
	passport := st.Requirements[0].Requirement

	_, err = env.Engine.SubmitUpload(env.Ctx, upload.ID, journey.UploadInput{RequirementID: passport.ID, Filename: "a.docx", SizeBytes: 10, MimeType: "application/msword"}, "client-1")
	assert.ErrorIs(t, err, domain.ErrInvalidUpload)

	_, err = env.Engine.SubmitUpload(env.Ctx, upload.ID, journey.UploadInput{RequirementID: passport.ID, Filename: "a.pdf", SizeBytes: 6 * 1024 * 1024, MimeType: "application/pdf"}, "client-1")
	assert.ErrorIs(t, err, domain.ErrInvalidUpload)

	_, err = env.Engine.SubmitUpload(env.Ctx, "missing", journey.UploadInput{Filename: "a.pdf", SizeBytes: 10, MimeType: "application/pdf"}, "client-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	uploads, err := env.Engine.ListUploads(env.Ctx, upload.ID)
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestJourneyCompletesWhenMandatoryStagesDone(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)
	sub, cancel := env.Bus.Subscribe(64)
	defer cancel()

	_, err := env.Engine.CompleteStage(env.Ctx, view.Stages[0].ID, "advisor")
	require.NoError(t, err)
	env.approveAll(t, view.Stages[1].ID)
	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[1].ID, "advisor")
	require.NoError(t, err)
	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[2].ID, "advisor")
	require.NoError(t, err)

	got, err := env.Engine.GetJourney(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyCompleted, got.Journey.Status)
	require.NotNil(t, got.Journey.CompletedAt)
	assert.Equal(t, 75, got.Journey.ProgressPct)
	assert.Nil(t, got.Journey.NextAction)

	next, err := env.Engine.NextAction(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[2].ID, "advisor")
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[3].ID, "advisor")
	assert.ErrorIs(t, err, domain.ErrInstanceTerminal)
	_, err = env.Engine.Pause(env.Ctx, view.Journey.ID, "advisor")
	assert.ErrorIs(t, err, domain.ErrInstanceTerminal)

	var types []string
	for len(sub) > 0 {
		types = append(types, (<-sub).Type)
	}
	assert.Contains(t, types, events.JourneyCompleted)
	notices := env.Sink.notifications()
	require.NotEmpty(t, notices)
	assert.Equal(t, "owner-1", notices[len(notices)-1].Recipient)
}

func TestConcurrentCompletionSucceedsOnce(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)
	stageID := view.Stages[0].ID

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CompleteStage(env.Ctx, stageID, "advisor")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
	}
	assert.Equal(t, 1, ok)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{JourneyID: view.Journey.ID, Type: events.StageCompleted})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestProgressMatchesStoredStages(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)

	check := func(want int) {
		t.Helper()
		pct, err := env.Engine.ComputeProgress(env.Ctx, view.Journey.ID)
		require.NoError(t, err)
		got, err := env.Engine.GetJourney(env.Ctx, view.Journey.ID)
		require.NoError(t, err)
		assert.Equal(t, want, pct)
		assert.Equal(t, pct, got.Journey.ProgressPct)
	}
	check(0)
	_, err := env.Engine.CompleteStage(env.Ctx, view.Stages[0].ID, "advisor")
	require.NoError(t, err)
	check(25)
	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[3].ID, "advisor")
	require.NoError(t, err)
	check(50)
	_, err = env.Engine.AddCustomStage(env.Ctx, view.Journey.ID, journey.CustomStage{Title: "Extra call", Kind: domain.KindMeeting}, "advisor")
	require.NoError(t, err)
	check(40)
}

func TestPauseBlocksStageMutations(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)

	paused, err := env.Engine.Pause(env.Ctx, view.Journey.ID, "advisor")
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyPaused, paused.Status)
	_, err = env.Engine.Pause(env.Ctx, view.Journey.ID, "advisor")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[0].ID, "advisor")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.AddCustomStage(env.Ctx, view.Journey.ID, journey.CustomStage{Title: "x", Kind: domain.KindTask}, "advisor")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.SubmitUpload(env.Ctx, view.Stages[1].ID, journey.UploadInput{Filename: "note.pdf", SizeBytes: 1, MimeType: "application/pdf"}, "client-1")
	assert.NoError(t, err)

	resumed, err := env.Engine.Resume(env.Ctx, view.Journey.ID, "advisor")
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyActive, resumed.Status)
	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[0].ID, "advisor")
	assert.NoError(t, err)
}

func TestStartStageIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)

	s, err := env.Engine.StartStage(env.Ctx, view.Stages[0].ID, "advisor")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInProgress, s.Status)
	_, err = env.Engine.StartStage(env.Ctx, view.Stages[0].ID, "advisor")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[2].ID, "advisor")
	assert.NoError(t, err)
}

func TestAddCustomStageAppendsAfterLastPosition(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)

	s, err := env.Engine.AddCustomStage(env.Ctx, view.Journey.ID, journey.CustomStage{
		Title: "Extra proof",
		Kind:  domain.KindUpload,
		Requirements: []domain.DocumentRequirement{
			{Name: "Bank statement", Required: true, AcceptedTypes: []string{"pdf"}, MaxSizeMB: 2},
		},
	}, "advisor")
	require.NoError(t, err)
	assert.Equal(t, 5, s.Position)
	assert.True(t, s.Custom)
	assert.False(t, s.Mandatory)

	st, err := env.Engine.GateStatus(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, st.Satisfied)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, "Bank statement", st.Pending[0].Name)
}

func TestOverdueIsFrozenByCompletion(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)
	env.advance(25 * time.Hour)

	overdue, err := env.Engine.FindOverdue(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, view.Stages[0].ID, overdue[0].Stage.ID)
	assert.Equal(t, time.Hour, overdue[0].OverdueBy)

	next, err := env.Engine.NextAction(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	assert.True(t, next.Overdue)

	sub, cancel := env.Bus.Subscribe(8)
	defer cancel()
	report, err := env.Engine.SweepOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	evt := <-sub
	assert.Equal(t, events.DeadlinePassed, evt.Type)
	persisted, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: events.DeadlinePassed})
	require.NoError(t, err)
	assert.Empty(t, persisted)

	_, err = env.Engine.CompleteStage(env.Ctx, view.Stages[0].ID, "advisor")
	require.NoError(t, err)
	overdue, err = env.Engine.FindOverdue(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestSweepSkipsPausedJourneys(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)
	_, err := env.Engine.Pause(env.Ctx, view.Journey.ID, "advisor")
	require.NoError(t, err)
	env.advance(72 * time.Hour)

	report, err := env.Engine.SweepOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, report.Overdue, 2)
	assert.Zero(t, report.Notified)
}

func TestTicketPriorityChangeRebasesFromCreation(t *testing.T) {
	env := newTestEnv(t)
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.CreateTicketInput{Title: "Cannot log in", Priority: "urgente"}, "client-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), tk.FirstResponseDueAt)
	assert.Equal(t, t0.Add(4*time.Hour), tk.ResolutionDueAt)
	assert.Equal(t, "client-1", tk.RequesterID)

	env.advance(30 * time.Minute)
	tk, err = env.Engine.ChangeTicketPriority(env.Ctx, tk.ID, "baixa", "agent")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityBaixa, tk.Priority)
	assert.Equal(t, t0.Add(24*time.Hour), tk.FirstResponseDueAt)
	assert.Equal(t, t0.Add(72*time.Hour), tk.ResolutionDueAt)

	stored, err := env.Engine.GetTicket(env.Ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ResolutionDueAt, stored.ResolutionDueAt)

	_, err = env.Engine.ChangeTicketPriority(env.Ctx, tk.ID, "critical", "agent")
	var pm *domain.PolicyMissingError
	require.ErrorAs(t, err, &pm)
	assert.Equal(t, domain.Priority("critical"), pm.Priority)
}

func TestCreateTicketUnknownPriority(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTicket(env.Ctx, engine.CreateTicketInput{Title: "x", Priority: "whenever"}, "client-1")
	assert.ErrorIs(t, err, domain.ErrPolicyMissing)

	_, err = env.Engine.CreateTicket(env.Ctx, engine.CreateTicketInput{Title: "   ", Priority: "media"}, "client-1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	tk, err := env.Engine.CreateTicket(env.Ctx, engine.CreateTicketInput{Title: "x", Priority: "Media"}, "client-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(8*time.Hour), tk.FirstResponseDueAt)
}

func TestTicketLifecycleAndSweep(t *testing.T) {
	env := newTestEnv(t)
	assigned, err := env.Engine.CreateTicket(env.Ctx, engine.CreateTicketInput{Title: "Refund", AssigneeID: "agent-7", Priority: "alta"}, "client-1")
	require.NoError(t, err)
	orphan, err := env.Engine.CreateTicket(env.Ctx, engine.CreateTicketInput{Title: "Question", Priority: "urgente"}, "client-2")
	require.NoError(t, err)
	answered, err := env.Engine.CreateTicket(env.Ctx, engine.CreateTicketInput{Title: "Docs", Priority: "urgente"}, "client-3")
	require.NoError(t, err)
	_, err = env.Engine.RecordFirstResponse(env.Ctx, answered.ID, "agent-7")
	require.NoError(t, err)
	_, err = env.Engine.RecordFirstResponse(env.Ctx, answered.ID, "agent-7")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	env.advance(2 * time.Hour)
	report, err := env.Engine.SweepTickets(env.Ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, orphan.ID, report.Violations[0].Ticket.ID)
	notices := env.Sink.notifications()
	require.Len(t, notices, 1)
	assert.Equal(t, "support-lead", notices[0].Recipient)

	env.advance(3 * time.Hour)
	violations, err := env.Engine.FindViolatedTickets(env.Ctx)
	require.NoError(t, err)
	ids := map[string]int{}
	for _, v := range violations {
		ids[v.Ticket.ID] = len(v.Breaches)
	}
	assert.Equal(t, 1, ids[assigned.ID])
	assert.Equal(t, 2, ids[orphan.ID])
	assert.Equal(t, 1, ids[answered.ID])

	resolved, err := env.Engine.ResolveTicket(env.Ctx, orphan.ID, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketResolved, resolved.Status)
	require.NotNil(t, resolved.FirstRespondedAt)
	_, err = env.Engine.ResolveTicket(env.Ctx, orphan.ID, "agent-7")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.ChangeTicketPriority(env.Ctx, orphan.ID, "baixa", "agent-7")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.GetTicket(env.Ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	family, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: "ticket.*", Limit: 100})
	require.NoError(t, err)
	require.NotEmpty(t, family)
	for _, e := range family {
		assert.True(t, strings.HasPrefix(e.Type, "ticket."), e.Type)
	}
}

func TestReconcileRepairsStaleJourney(t *testing.T) {
	env := newTestEnv(t)
	view := env.start(t)
	// Complete the mandatory stages behind the engine's back.
	for _, s := range view.Stages[:3] {
		require.NoError(t, env.Engine.Repo.CompleteStage(env.Ctx, env.Engine.DB, s.ID, "import", t0))
	}
	got, err := env.Engine.GetJourney(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JourneyActive, got.Journey.Status)

	next, err := env.Engine.NextAction(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	assert.Nil(t, next)
	got, err = env.Engine.GetJourney(env.Ctx, view.Journey.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyCompleted, got.Journey.Status)
}
