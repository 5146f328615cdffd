package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigCarriesObservedPolicy(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)
	assert.Equal(t, 24*time.Hour, cfg.Tickets.SLA["baixa"].FirstResponse)
	assert.Equal(t, 72*time.Hour, cfg.Tickets.SLA["baixa"].Resolution)
	assert.Equal(t, time.Hour, cfg.Tickets.SLA["urgente"].FirstResponse)
	assert.Equal(t, 4*time.Hour, cfg.Tickets.SLA["urgente"].Resolution)
	assert.Equal(t, "normal", cfg.Tickets.Aliases["media"])
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown driver": `database: {driver: mysql}
tickets: {sla: {normal: {first_response: 1h, resolution: 2h}}}`,
		"postgres without dsn": `database: {driver: postgres}
tickets: {sla: {normal: {first_response: 1h, resolution: 2h}}}`,
		"empty sla":   `tickets: {sla: {}}`,
		"zero window": `tickets: {sla: {normal: {first_response: 0s, resolution: 2h}}}`,
		"frt after ttr": `tickets: {sla: {normal: {first_response: 3h, resolution: 2h}}}`,
		"dangling alias": `tickets:
  sla: {normal: {first_response: 1h, resolution: 2h}}
  aliases: {media: medium}`,
		"webhook without url": `tickets: {sla: {normal: {first_response: 1h, resolution: 2h}}}
notifications: {webhooks: [{events: [stage.completed]}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	cfg, err := LoadOrDefault(t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, cfg.Tickets.SLA, "alta")
}
