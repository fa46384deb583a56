package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkkko/statepopup/internal/api"
	"github.com/nkkko/statepopup/internal/notifier"
	"github.com/nkkko/statepopup/internal/router"
	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/internal/source"
	"github.com/nkkko/statepopup/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs the public API on a random port with a live pipeline
func startServer(t *testing.T) (*Client, *router.Router) {
	t.Helper()

	store, err := storage.NewStore(storage.Config{InMemory: true})
	require.NoError(t, err)

	hub := notifier.NewHub(10)
	n := notifier.NewNotifier(notifier.DefaultConfig(), hub)
	r := router.NewRouter(router.DefaultConfig(), hub)
	src := source.NewChannelSource(16)
	a := api.NewAPI(api.DefaultConfig(), storage.NewEntry(store), r, n, src)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Start(ctx, src) }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = a.App().Listener(ln) }()

	t.Cleanup(func() {
		cancel()
		_ = a.Shutdown(context.Background())
		_ = n.Shutdown(context.Background())
		_ = store.Shutdown(context.Background())
	})

	return New("http://"+ln.Addr().String(), WithTimeout(5*time.Second)), r
}

func TestClientConfigRoundTrip(t *testing.T) {
	c, _ := startServer(t)
	ctx := context.Background()

	_, err := c.GetData(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	require.NoError(t, c.PutData(ctx, map[string]any{"entities": []string{"light.kitchen"}}))
	data, err := c.GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"light.kitchen"}, data["entities"])

	err = c.PutOptions(ctx, map[string]any{"cooldown": -1})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_settings", apiErr.Code)

	require.NoError(t, c.PutOptions(ctx, map[string]any{"cooldown": 3}))
	require.NoError(t, c.ResetOptions(ctx))
	_, err = c.GetOptions(ctx)
	assert.Error(t, err)
}

func TestClientReceivesPopups(t *testing.T) {
	c, r := startServer(t)
	ctx := context.Background()

	require.NoError(t, r.SetConfig(settings.Resolve(settings.Defaults(), settings.Record{
		settings.KeyIncludeDomains: []string{"light"},
		settings.KeyCooldown:       0,
	})))

	effective, err := c.Effective(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"light"}, effective[settings.KeyIncludeDomains])

	sub, err := c.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	post := func(entityID, from, to string) {
		require.NoError(t, c.PostEvent(ctx, map[string]any{
			"event_type": "state_changed",
			"data": map[string]any{
				"entity_id": entityID,
				"old_state": map[string]any{"state": from},
				"new_state": map[string]any{"state": to, "attributes": map[string]any{"friendly_name": "Kitchen"}},
			},
		}))
	}

	// Filtered by domain, then delivered
	post("switch.pump", "off", "on")
	post("light.kitchen", "off", "on")

	select {
	case popup := <-sub.Events:
		assert.Equal(t, "light.kitchen", popup.EntityID)
		assert.Equal(t, "Kitchen", popup.FriendlyName)
		require.NotNil(t, popup.Old)
		assert.Equal(t, "off", *popup.Old)
		assert.Equal(t, "on", popup.New)
	case <-time.After(3 * time.Second):
		t.Fatal("popup was not received")
	}
}

func TestPostEventAcceptsPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Accepted"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	assert.NoError(t, c.PostEvent(context.Background(), map[string]any{"event_type": "state_changed"}))

	_, err := c.GetData(context.Background())
	assert.Error(t, err)
}
