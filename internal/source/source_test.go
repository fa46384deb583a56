package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSourceDeliversInOrder(t *testing.T) {
	src := NewChannelSource(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 10)
	done := make(chan error, 1)
	go func() {
		done <- src.Start(ctx, func(_ context.Context, change *proto.StateChange) {
			received <- change.EntityID
		})
	}()

	for _, id := range []string{"light.a", "light.b", "light.c"} {
		require.NoError(t, src.Emit(ctx, &proto.StateChange{EntityID: id}))
	}
	for _, want := range []string{"light.a", "light.b", "light.c"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for change")
		}
	}

	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())
	assert.NoError(t, <-done)
	assert.ErrorIs(t, src.Emit(ctx, &proto.StateChange{EntityID: "light.d"}), ErrStopped)
}

func TestChannelSourceEmitHonoursContext(t *testing.T) {
	src := NewChannelSource(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := src.Emit(ctx, &proto.StateChange{EntityID: "light.a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecodeStateChanged(t *testing.T) {
	change, err := DecodeStateChanged([]byte(`{
		"event_type": "state_changed",
		"data": {
			"entity_id": "light.kitchen",
			"old_state": {"state": "off", "attributes": {}},
			"new_state": {
				"state": "on",
				"last_changed": "2024-05-01T12:30:15.250000+00:00",
				"attributes": {"friendly_name": "Kitchen Light"}
			}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "light.kitchen", change.EntityID)
	require.NotNil(t, change.OldState)
	assert.Equal(t, "off", change.OldState.State)
	require.NotNil(t, change.NewState)
	assert.Equal(t, "on", change.NewState.State)
	assert.Equal(t, "Kitchen Light", change.NewState.FriendlyName)
	require.NotNil(t, change.NewState.LastChanged)
	assert.Equal(t,
		time.Date(2024, 5, 1, 12, 30, 15, 250000000, time.UTC),
		change.NewState.LastChanged.AsTime())
}

func TestDecodeStateChangedRemovedEntity(t *testing.T) {
	change, err := DecodeStateChanged([]byte(`{
		"event_type": "state_changed",
		"data": {"entity_id": "sensor.gone", "old_state": {"state": "1"}, "new_state": null}
	}`))
	require.NoError(t, err)
	assert.Nil(t, change.NewState)
}

func TestDecodeStateChangedRejectsMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     `{`,
		"wrong type":   `{"event_type": "call_service", "data": {"entity_id": "light.a"}}`,
		"no entity id": `{"event_type": "state_changed", "data": {}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeStateChanged([]byte(raw))
			assert.Error(t, err)
		})
	}
}

// fakeHomeAssistant serves the auth and subscribe_events handshake and then
// pushes the given events.
func fakeHomeAssistant(t *testing.T, token string, events []string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(map[string]any{"type": "auth_required"})

		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["access_token"] != token {
			_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "auth_ok"})

		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub["type"] != "subscribe_events" || sub["event_type"] != "state_changed" {
			return
		}
		_ = conn.WriteJSON(map[string]any{"id": sub["id"], "type": "result", "success": true})

		for _, event := range events {
			frame := `{"id":1,"type":"event","event":` + event + `}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}

		// Hold the connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestHomeAssistantSourceForwardsEvents(t *testing.T) {
	server := fakeHomeAssistant(t, "secret", []string{
		`{"event_type":"state_changed","data":{"entity_id":"light.kitchen","old_state":{"state":"off"},"new_state":{"state":"on"}}}`,
		`{"event_type":"state_changed","data":{}}`,
		`{"event_type":"state_changed","data":{"entity_id":"switch.pump","old_state":null,"new_state":{"state":"on"}}}`,
	})
	defer server.Close()

	src := NewHomeAssistantSource(HomeAssistantConfig{
		URL:   "ws" + strings.TrimPrefix(server.URL, "http"),
		Token: "secret",
	})

	var mu sync.Mutex
	var ids []string
	got := make(chan struct{}, 10)

	done := make(chan error, 1)
	go func() {
		done <- src.Start(context.Background(), func(_ context.Context, change *proto.StateChange) {
			mu.Lock()
			ids = append(ids, change.EntityID)
			mu.Unlock()
			got <- struct{}{}
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for upstream event")
		}
	}

	require.NoError(t, src.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"light.kitchen", "switch.pump"}, ids)
}

func TestHomeAssistantSourceInvalidToken(t *testing.T) {
	server := fakeHomeAssistant(t, "secret", nil)
	defer server.Close()

	src := NewHomeAssistantSource(HomeAssistantConfig{
		URL:   "ws" + strings.TrimPrefix(server.URL, "http"),
		Token: "wrong",
	})

	err := src.Start(context.Background(), func(context.Context, *proto.StateChange) {})
	assert.ErrorIs(t, err, ErrAuthInvalid)
}
