// Package relay forwards outbox events to configured webhooks. Each hook has
// its own persisted cursor, so delivery is at-least-once and a failing hook
// neither blocks the others nor loses its place.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"journeyline/internal/config"
	"journeyline/internal/domain"
	"journeyline/internal/notify"
	"journeyline/internal/repo"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultBatch    = 100
)

type Relay struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Client   *http.Client
	Logger   *slog.Logger
	Interval time.Duration
	Batch    int
	Now      func() time.Time
}

func New(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Repo:     r,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: notify.DefaultWebhookTimeout},
		Logger:   logger.With("component", "relay"),
		Interval: DefaultInterval,
		Batch:    DefaultBatch,
	}
}

// Run dispatches until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			r.Logger.WarnContext(ctx, "relay pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce makes one pass over every enabled hook and returns how many
// events were delivered.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	delivered := 0
	for _, hook := range r.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n, err := r.dispatchHook(ctx, hook)
		delivered += n
		if err != nil {
			r.Logger.WarnContext(ctx, "webhook delivery failed", "url", hook.URL, "err", err)
		}
	}
	return delivered, nil
}

func target(hook config.WebhookConfig) string { return "webhook:" + hook.URL }

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// cursorFor starts a hook that has never been relayed to at the current end of
// the log rather than replaying history.
func (r *Relay) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, ok, err := r.Repo.RelayCursor(ctx, r.Repo.DB, target(hook))
	if err != nil || ok {
		return cur, err
	}
	cur, err = r.Repo.LatestEventID(ctx, r.Repo.DB)
	if err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	return cur, r.Repo.SetRelayCursor(ctx, r.Repo.DB, target(hook), cur, r.now())
}

func (r *Relay) dispatchHook(ctx context.Context, hook config.WebhookConfig) (int, error) {
	cursor, err := r.cursorFor(ctx, hook)
	if err != nil {
		return 0, err
	}
	batch := r.Batch
	if batch <= 0 {
		batch = DefaultBatch
	}
	evts, err := r.Repo.EventsAfter(ctx, r.Repo.DB, batch, cursor)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	filter := newEventFilter(hook.Events)
	delivered := 0
	last := cursor
	defer func() {
		if last != cursor {
			if err := r.Repo.SetRelayCursor(ctx, r.Repo.DB, target(hook), last, r.now()); err != nil {
				r.Logger.WarnContext(ctx, "save relay cursor failed", "url", hook.URL, "err", err)
			}
		}
	}()
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := r.post(ctx, hook, evt); err != nil {
				return delivered, fmt.Errorf("event %d: %w", evt.ID, err)
			}
			delivered++
		}
		last = evt.ID
	}
	return delivered, nil
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	JourneyID  string          `json:"journey_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (r *Relay) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		JourneyID:  evt.JourneyID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	return notify.PostJSON(ctx, r.Client, hook, map[string]string{
		"X-Journeyline-Event":    evt.Type,
		"X-Journeyline-Delivery": fmt.Sprintf("%d", evt.ID),
	}, body)
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match accepts exact types and family wildcards such as "ticket.*".
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
