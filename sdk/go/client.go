package journeylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal journeyline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Servers accept it
	// only in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Journey represents the API journey model (partial).
type Journey struct {
	ID          string      `json:"id"`
	TemplateID  string      `json:"template_id"`
	OwnerID     string      `json:"owner_id"`
	Status      string      `json:"status"`
	ProgressPct int         `json:"progress_pct"`
	NextAction  *NextAction `json:"next_action,omitempty"`
	Subject     struct {
		ClientID string `json:"client_id"`
		CaseID   string `json:"case_id,omitempty"`
	} `json:"subject"`
}

type Stage struct {
	ID        string     `json:"id"`
	JourneyID string     `json:"journey_id"`
	Position  int        `json:"position"`
	Title     string     `json:"title"`
	Kind      string     `json:"kind"`
	Mandatory bool       `json:"mandatory"`
	Status    string     `json:"status"`
	DueAt     *time.Time `json:"due_at,omitempty"`
}

// JourneyView is a journey with its ordered stages.
type JourneyView struct {
	Journey Journey `json:"journey"`
	Stages  []Stage `json:"stages"`
}

type NextAction struct {
	StageID    string `json:"stage_id"`
	StageTitle string `json:"stage_title"`
	Action     string `json:"action"`
	Message    string `json:"message"`
	Overdue    bool   `json:"overdue"`
}

type Upload struct {
	ID            string `json:"id"`
	StageID       string `json:"stage_id"`
	RequirementID string `json:"requirement_id,omitempty"`
	Filename      string `json:"filename"`
	Status        string `json:"status"`
}

type Ticket struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	AssigneeID         string    `json:"assignee_id,omitempty"`
	Priority           string    `json:"priority"`
	Status             string    `json:"status"`
	FirstResponseDueAt time.Time `json:"first_response_due_at"`
	ResolutionDueAt    time.Time `json:"resolution_due_at"`
}

// Event represents an outbox entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	JourneyID  string `json:"journey_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body carries the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ImportTemplate uploads a YAML template definition and returns the template id.
func (c *Client) ImportTemplate(ctx context.Context, definition string) (string, error) {
	var resp struct {
		Template struct {
			ID string `json:"id"`
		} `json:"template"`
	}
	err := c.do(ctx, http.MethodPost, "templates", map[string]any{"definition": definition}, &resp)
	return resp.Template.ID, err
}

// StartJourney starts the latest version of templateKey for a client.
func (c *Client) StartJourney(ctx context.Context, templateKey, clientID, caseID string) (JourneyView, error) {
	body := map[string]any{
		"template_key": templateKey,
		"client_id":    clientID,
		"case_id":      caseID,
	}
	var resp JourneyView
	err := c.do(ctx, http.MethodPost, "journeys", body, &resp)
	return resp, err
}

func (c *Client) Journey(ctx context.Context, journeyID string) (JourneyView, error) {
	var resp JourneyView
	err := c.do(ctx, http.MethodGet, "journeys/"+url.PathEscape(journeyID), nil, &resp)
	return resp, err
}

// NextAction returns nil when the journey has nothing left to do.
func (c *Client) NextAction(ctx context.Context, journeyID string) (*NextAction, error) {
	var resp struct {
		NextAction *NextAction `json:"next_action"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("journeys/%s/next-action", url.PathEscape(journeyID)), nil, &resp)
	return resp.NextAction, err
}

func (c *Client) CompleteStage(ctx context.Context, stageID string) (Stage, error) {
	var resp Stage
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stages/%s/complete", url.PathEscape(stageID)), nil, &resp)
	return resp, err
}

// SubmitUpload records document metadata against a stage requirement.
func (c *Client) SubmitUpload(ctx context.Context, stageID, requirementID, filename, mimeType string, size int64) (Upload, error) {
	body := map[string]any{
		"requirement_id": requirementID,
		"filename":       filename,
		"mime_type":      mimeType,
		"size_bytes":     size,
	}
	var resp Upload
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stages/%s/uploads", url.PathEscape(stageID)), body, &resp)
	return resp, err
}

// ReviewUpload approves or rejects a pending upload. decision is "approve" or "reject".
func (c *Client) ReviewUpload(ctx context.Context, uploadID, decision, notes string) (Upload, error) {
	var resp Upload
	body := map[string]any{"decision": decision, "notes": notes}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("uploads/%s/review", url.PathEscape(uploadID)), body, &resp)
	return resp, err
}

func (c *Client) CreateTicket(ctx context.Context, title, priority, assigneeID string) (Ticket, error) {
	body := map[string]any{"title": title, "priority": priority, "assignee_id": assigneeID}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, "tickets", body, &resp)
	return resp, err
}

func (c *Client) ResolveTicket(ctx context.Context, ticketID string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tickets/%s/resolve", url.PathEscape(ticketID)), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first. journeyID may be empty.
func (c *Client) Events(ctx context.Context, journeyID string, limit int) ([]Event, error) {
	q := url.Values{}
	if journeyID != "" {
		q.Set("journey_id", journeyID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
