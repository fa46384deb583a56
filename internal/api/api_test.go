package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nkkko/statepopup/internal/notifier"
	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/internal/source"
	"github.com/nkkko/statepopup/internal/storage"
	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	cfg *settings.EffectiveConfig
}

func (p *fakePipeline) Config() *settings.EffectiveConfig {
	return p.cfg
}

type testEnv struct {
	api      *API
	entry    *storage.Entry
	pipeline *fakePipeline
	ingest   *source.ChannelSource
}

func setupTestAPI(t *testing.T, config Config) *testEnv {
	t.Helper()

	store, err := storage.NewStore(storage.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Shutdown(context.Background())
	})

	env := &testEnv{
		entry:    storage.NewEntry(store),
		pipeline: &fakePipeline{},
		ingest:   source.NewChannelSource(1),
	}
	n := notifier.NewNotifier(notifier.DefaultConfig(), nil)
	env.api = NewAPI(config, env.entry, env.pipeline, n, env.ingest)
	return env
}

// do runs one request against the app and decodes the envelope
func (e *testEnv) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.api.App().Test(req, int((5 * time.Second).Milliseconds()))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp.StatusCode, env
}

func TestAPIDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, ":8080", config.Addr)
	assert.Equal(t, "/metrics", config.MetricsPath)
}

func TestNewAPIAppliesDefaults(t *testing.T) {
	env := setupTestAPI(t, Config{Addr: ":9999"})
	assert.Equal(t, ":9999", env.api.config.Addr)
	assert.Equal(t, 1024*1024, env.api.config.BodyLimit)
	assert.Equal(t, "*", env.api.config.CORSOrigins)
}

func TestHealthAndReadiness(t *testing.T) {
	env := setupTestAPI(t, DefaultConfig())

	status, _ := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, body.Success)

	env.pipeline.cfg = settings.Resolve(settings.Defaults())
	status, _ = env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestConfigLayers(t *testing.T) {
	env := setupTestAPI(t, DefaultConfig())

	status, _ := env.do(t, http.MethodGet, "/config/data", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body := env.do(t, http.MethodPut, "/config/data", `{"entities":["light.kitchen"],"cooldown":5}`)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)

	status, body = env.do(t, http.MethodGet, "/config/data", "")
	require.Equal(t, http.StatusOK, status)
	data := body.Data.(map[string]any)
	assert.Equal(t, []any{"light.kitchen"}, data["entities"])
	assert.Equal(t, float64(5), data["cooldown"])

	status, _ = env.do(t, http.MethodPut, "/config/options", `{"text_position":"top"}`)
	require.Equal(t, http.StatusOK, status)

	options, err := env.entry.GetOptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "top", options[settings.KeyTextPosition])

	status, _ = env.do(t, http.MethodDelete, "/config/options", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = env.do(t, http.MethodGet, "/config/options", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestConfigValidation(t *testing.T) {
	env := setupTestAPI(t, DefaultConfig())

	tests := []struct {
		name string
		body string
	}{
		{"not an object", `["light.kitchen"]`},
		{"cooldown too large", `{"cooldown":500}`},
		{"bad position", `{"text_position":"left"}`},
		{"unknown key", `{"entites":["light.kitchen"]}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPut, "/config/options", tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, body.Success)
			assert.NotNil(t, body.Error)
		})
	}

	_, err := env.entry.GetOptions(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEffectiveConfig(t *testing.T) {
	env := setupTestAPI(t, DefaultConfig())

	status, _ := env.do(t, http.MethodGet, "/config/effective", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	env.pipeline.cfg = settings.Resolve(settings.Defaults(), settings.Record{
		settings.KeyEntities: []string{"light.kitchen"},
	})
	status, body := env.do(t, http.MethodGet, "/config/effective", "")
	require.Equal(t, http.StatusOK, status)

	data := body.Data.(map[string]any)
	assert.Equal(t, []any{"light.kitchen"}, data[settings.KeyEntities])
	assert.Equal(t, settings.DefaultCooldown, data[settings.KeyCooldown])
	assert.Nil(t, data[settings.KeyBackgroundURL])
}

func TestPostEvent(t *testing.T) {
	env := setupTestAPI(t, DefaultConfig())

	event := `{"event_type":"state_changed","data":{"entity_id":"light.kitchen",` +
		`"old_state":{"state":"off"},"new_state":{"state":"on","attributes":{"friendly_name":"Kitchen"}}}}`
	status, body := env.do(t, http.MethodPost, "/events", event)
	require.Equal(t, http.StatusAccepted, status)
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.RequestID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan string, 1)
	go func() {
		_ = env.ingest.Start(ctx, func(_ context.Context, change *proto.StateChange) {
			received <- change.EntityID
		})
	}()

	select {
	case id := <-received:
		assert.Equal(t, "light.kitchen", id)
	case <-time.After(time.Second):
		t.Fatal("event was not forwarded")
	}

	status, _ = env.do(t, http.MethodPost, "/events", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPostEventWithoutIngest(t *testing.T) {
	env := setupTestAPI(t, DefaultConfig())
	env.api = NewAPI(DefaultConfig(), env.entry, env.pipeline, nil, nil)

	status, body := env.do(t, http.MethodPost, "/events", `{"data":{"entity_id":"light.kitchen"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, body.Success)
}

func TestRateLimit(t *testing.T) {
	config := DefaultConfig()
	config.RequestsPerMinute = 2
	env := setupTestAPI(t, config)

	for i := 0; i < 2; i++ {
		status, _ := env.do(t, http.MethodGet, "/healthz", "")
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestUnknownRoute(t *testing.T) {
	env := setupTestAPI(t, DefaultConfig())

	status, body := env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, body.Success)
}
