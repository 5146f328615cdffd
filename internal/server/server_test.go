package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
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
	"journeyline/internal/migrate"
	"journeyline/internal/notify"
)

const testSecret = "test-secret"

const onboardingYAML = `key: onboarding
version: 1.0.0
name: Client onboarding
stages:
  - title: Welcome lesson
    kind: lesson
    sla_hours: 24
  - title: Identity documents
    kind: upload
    requirements:
      - name: Passport
        accepted_types: [application/pdf]
        max_size_mb: 5
  - title: Kickoff meeting
    kind: meeting
`

type testServer struct {
	URL    string
	Bus    *notify.Bus
	client *http.Client
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	bus := notify.NewBus()
	e.Notifier = bus
	cfg := Config{
		Engine:   e,
		BasePath: "/v1",
		Bus:      bus,
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true, DevLogin: true},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Bus: bus, client: &http.Client{Timeout: 5 * time.Second}}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

// as sends the request as actor through the development header.
func (s *testServer) as(t *testing.T, actor, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return s.do(t, method, path, body, map[string]string{"X-Actor-Id": actor})
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func (s *testServer) startJourney(t *testing.T) engine.JourneyView {
	t.Helper()
	res, data := s.as(t, "admin", http.MethodPost, "/v1/templates", ImportTemplateRequest{Definition: onboardingYAML})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = s.as(t, "advisor", http.MethodPost, "/v1/journeys", StartJourneyRequest{
		TemplateKey: "onboarding",
		ClientID:    "client-1",
		OwnerID:     "owner-1",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[engine.JourneyView](t, data)
}

func TestJourneyThroughTheAPI(t *testing.T) {
	srv := newTestServer(t)
	view := srv.startJourney(t)
	require.Len(t, view.Stages, 3)
	assert.Equal(t, domain.JourneyActive, view.Journey.Status)
	lesson, upload, meeting := view.Stages[0], view.Stages[1], view.Stages[2]

	res, data := srv.as(t, "advisor", http.MethodPost, "/v1/stages/"+lesson.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.StageCompleted, decode[domain.StageInstance](t, data).Status)

	res, data = srv.as(t, "advisor", http.MethodPost, "/v1/stages/"+upload.ID+"/complete", nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "gate_not_satisfied", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details["missing"])

	res, data = srv.as(t, "advisor", http.MethodGet, "/v1/journeys/"+view.Journey.ID+"/next-action", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[NextActionResponse](t, data)
	require.NotNil(t, next.NextAction)
	assert.Equal(t, upload.ID, next.NextAction.StageID)
	assert.Equal(t, domain.ActionSupplyDocuments, next.NextAction.Action)

	res, data = srv.as(t, "advisor", http.MethodGet, "/v1/stages/"+upload.ID+"/gate", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	gateStatus := decode[GateResponse](t, data)
	require.Len(t, gateStatus.Requirements, 1)

	res, data = srv.as(t, "client-1", http.MethodPost, "/v1/stages/"+upload.ID+"/uploads", SubmitUploadRequest{
		RequirementID: gateStatus.Requirements[0].Requirement.ID,
		Filename:      "passport.pdf",
		SizeBytes:     2048,
		MimeType:      "application/pdf",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	up := decode[domain.DocumentUpload](t, data)
	assert.Equal(t, domain.UploadPending, up.Status)

	res, data = srv.as(t, "reviewer", http.MethodPost, "/v1/uploads/"+up.ID+"/review", ReviewUploadRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.UploadApproved, decode[domain.DocumentUpload](t, data).Status)

	for _, id := range []string{upload.ID, meeting.ID} {
		res, data = srv.as(t, "advisor", http.MethodPost, "/v1/stages/"+id+"/complete", nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	res, data = srv.as(t, "advisor", http.MethodGet, "/v1/journeys/"+view.Journey.ID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	done := decode[engine.JourneyView](t, data)
	assert.Equal(t, domain.JourneyCompleted, done.Journey.Status)
	assert.Equal(t, 100, done.Journey.ProgressPct)
	assert.Nil(t, done.Journey.NextAction)

	res, data = srv.as(t, "advisor", http.MethodGet, "/v1/events?journey_id="+view.Journey.ID+"&type=journey.completed", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[EventList](t, data).Items, 1)
}

func TestErrorEnvelopes(t *testing.T) {
	srv := newTestServer(t)
	view := srv.startJourney(t)
	lesson, upload := view.Stages[0], view.Stages[1]

	res, data := srv.as(t, "advisor", http.MethodGet, "/v1/journeys/missing", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)

	_, _ = srv.as(t, "advisor", http.MethodPost, "/v1/stages/"+lesson.ID+"/complete", nil)
	res, data = srv.as(t, "advisor", http.MethodPost, "/v1/stages/"+lesson.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_completed", decode[errorEnvelope](t, data).Error.Code)

	res, data = srv.as(t, "client-1", http.MethodPost, "/v1/stages/"+upload.ID+"/uploads", SubmitUploadRequest{
		Filename:  "passport.pdf",
		SizeBytes: 0,
		MimeType:  "application/pdf",
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_upload", decode[errorEnvelope](t, data).Error.Code)

	res, data = srv.as(t, "advisor", http.MethodPost, "/v1/journeys/"+view.Journey.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", decode[errorEnvelope](t, data).Error.Code)

	res, data = srv.as(t, "agent", http.MethodPost, "/v1/tickets", CreateTicketRequest{Title: "Help", Priority: "critica"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "policy_missing", decode[errorEnvelope](t, data).Error.Code)

	res, data = srv.as(t, "agent", http.MethodPost, "/v1/tickets", CreateTicketRequest{Title: "   ", Priority: "media"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "invalid_input", env.Error.Code)
	assert.Equal(t, "title", env.Error.Details["field"])

	res, data = srv.as(t, "advisor", http.MethodPost, "/v1/journeys", StartJourneyRequest{TemplateKey: "onboarding"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "subject_invalid", decode[errorEnvelope](t, data).Error.Code)

	res, data = srv.as(t, "admin", http.MethodPost, "/v1/templates", ImportTemplateRequest{Definition: "key: x\nstages: nope"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_template", decode[errorEnvelope](t, data).Error.Code)
}

func TestTicketsThroughTheAPI(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.as(t, "agent", http.MethodPost, "/v1/tickets", CreateTicketRequest{Title: "Login fails", Priority: "urgente", AssigneeID: "agent-2"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	ticket := decode[domain.Ticket](t, data)
	assert.Equal(t, "agent", ticket.RequesterID)
	assert.Equal(t, time.Hour, ticket.FirstResponseDueAt.Sub(ticket.CreatedAt))

	res, data = srv.as(t, "agent", http.MethodPost, "/v1/tickets/"+ticket.ID+"/priority", ChangePriorityRequest{Priority: "baixa"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	changed := decode[domain.Ticket](t, data)
	assert.Equal(t, 72*time.Hour, changed.ResolutionDueAt.Sub(changed.CreatedAt))

	res, data = srv.as(t, "agent-2", http.MethodPost, "/v1/tickets/"+ticket.ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.TicketResolved, decode[domain.Ticket](t, data).Status)

	res, data = srv.as(t, "agent-2", http.MethodPost, "/v1/tickets/"+ticket.ID+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = srv.as(t, "ops", http.MethodGet, "/v1/tickets/violations", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[TicketViolationList](t, data).Items)

	res, data = srv.as(t, "ops", http.MethodPost, "/v1/sweeps/tickets", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Zero(t, decode[engine.TicketSweepReport](t, data).Notified)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowActorHeader = false })

	res, data := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Actor-Id": "mallory"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, data).Error.Code)

	forged, err := SignToken("other-secret", "mallory", nil, time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	expired, err := SignToken(testSecret, "alice", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = srv.do(t, http.MethodPost, "/v1/auth/dev/login", DevLoginRequest{ActorID: "alice", Roles: []string{"advisor"}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token

	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[map[string]any](t, data)
	assert.Equal(t, "alice", me["actor_id"])
	assert.Equal(t, "jwt", me["source"])
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})
	for i := 0; i < 2; i++ {
		res, _ := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
	}
	res, data := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate_limited", decode[errorEnvelope](t, data).Error.Code)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := decode[map[string]any](t, data)
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{"/v1/journeys", "/v1/stages/{stage_id}/complete", "/v1/tickets/{ticket_id}/priority", "/v1/sweeps/overdue"} {
		assert.Contains(t, paths, p)
	}
}

func TestOpenAPIDocumentServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	const readers = 8
	bodies := make([][]byte, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.client.Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
	assert.NotEmpty(t, bodies[0])
}

func TestEventStreamFiltersByFamily(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Publish until the subscriber shows up; the stream only carries live events.
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				srv.Bus.Publish(ctx, domain.Event{ID: 1, Type: "stage.completed", EntityKind: "stage"})
				srv.Bus.Publish(ctx, domain.Event{ID: 2, Type: "ticket.created", EntityKind: "ticket", EntityID: "t-1"})
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events/stream?type=ticket.*", nil)
	require.NoError(t, err)
	req.Header.Set("X-Actor-Id", "watcher")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var evt domain.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &evt))
		assert.Equal(t, "ticket.created", evt.Type)
		return
	}
	t.Fatalf("stream ended without a ticket event: %v", scanner.Err())
}

func TestTypeMatches(t *testing.T) {
	assert.True(t, typeMatches("", "journey.started"))
	assert.True(t, typeMatches("ticket.*", "ticket.sla_violated"))
	assert.False(t, typeMatches("ticket.*", "journey.started"))
	assert.True(t, typeMatches("stage.completed", "stage.completed"))
	assert.False(t, typeMatches("stage.completed", "stage.started"))
}
