package notifier

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Sink that keeps everything it receives
type recorder struct {
	mu   sync.Mutex
	msgs []*proto.PopupMessage
	got  chan struct{}
	err  error
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 1024)}
}

func (r *recorder) Deliver(msg *proto.PopupMessage) error {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) received() []*proto.PopupMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*proto.PopupMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for delivery %d/%d", i+1, n)
		}
	}
}

func popup(entityID, state string) *proto.PopupMessage {
	return &proto.PopupMessage{EntityID: entityID, New: state, FriendlyName: entityID}
}

func TestHubScenarioTwoSubscribers(t *testing.T) {
	hub := NewHub(10)
	defer hub.Close()

	first, second := newRecorder(), newRecorder()
	_, err := hub.Subscribe("conn-1", 1, first)
	require.NoError(t, err)
	_, err = hub.Subscribe("conn-2", 1, second)
	require.NoError(t, err)

	msg := popup("light.kitchen", "on")
	assert.Equal(t, 2, hub.Publish(msg))

	first.wait(t, 1)
	second.wait(t, 1)
	assert.Same(t, msg, first.received()[0])
	assert.Same(t, msg, second.received()[0])

	hub.Unsubscribe("conn-1", 1)

	msg2 := popup("light.kitchen", "off")
	assert.Equal(t, 1, hub.Publish(msg2))
	second.wait(t, 1)

	assert.Len(t, first.received(), 1)
	assert.Equal(t, []*proto.PopupMessage{msg, msg2}, second.received())
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(10)
	defer hub.Close()

	handle, err := hub.Subscribe("conn-1", 7, newRecorder())
	require.NoError(t, err)

	assert.True(t, hub.Unsubscribe("conn-1", 7))
	assert.False(t, hub.Unsubscribe("conn-1", 7))
	assert.Equal(t, 0, hub.Count())

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine did not stop")
	}
}

func TestHubRequestIDsAreScopedPerConnection(t *testing.T) {
	hub := NewHub(10)
	defer hub.Close()

	_, err := hub.Subscribe("conn-1", 1, newRecorder())
	require.NoError(t, err)
	_, err = hub.Subscribe("conn-2", 1, newRecorder())
	require.NoError(t, err)

	_, err = hub.Subscribe("conn-1", 1, newRecorder())
	assert.ErrorIs(t, err, ErrDuplicateSubscription)
	assert.Equal(t, 2, hub.Count())
}

func TestHubPreservesOrderPerSubscriber(t *testing.T) {
	hub := NewHub(100)
	defer hub.Close()

	rec := newRecorder()
	_, err := hub.Subscribe("conn-1", 1, rec)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		hub.Publish(popup(fmt.Sprintf("sensor.s%d", i), "on"))
	}
	rec.wait(t, 50)

	for i, msg := range rec.received() {
		assert.Equal(t, fmt.Sprintf("sensor.s%d", i), msg.EntityID)
	}
}

func TestHubIsolatesFailingSubscriber(t *testing.T) {
	hub := NewHub(10)
	defer hub.Close()

	broken := newRecorder()
	broken.err = errors.New("connection reset")
	healthy := newRecorder()

	brokenHandle, err := hub.Subscribe("conn-bad", 1, broken)
	require.NoError(t, err)
	_, err = hub.Subscribe("conn-good", 1, healthy)
	require.NoError(t, err)

	hub.Publish(popup("light.kitchen", "on"))
	healthy.wait(t, 1)

	select {
	case <-brokenHandle.Done():
	case <-time.After(time.Second):
		t.Fatal("failing subscriber was not removed")
	}
	assert.Equal(t, 1, hub.Count())

	hub.Publish(popup("light.kitchen", "off"))
	healthy.wait(t, 1)
	assert.Len(t, healthy.received(), 2)
}

func TestHubSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	release := make(chan struct{})
	defer close(release)
	blocked := SinkFunc(func(msg *proto.PopupMessage) error {
		<-release
		return nil
	})
	_, err := hub.Subscribe("conn-slow", 1, blocked)
	require.NoError(t, err)

	fast := newRecorder()
	_, err = hub.Subscribe("conn-fast", 1, fast)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			hub.Publish(popup("light.kitchen", fmt.Sprint(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	fast.wait(t, 1)
}

func TestHubUnsubscribeConnection(t *testing.T) {
	hub := NewHub(10)
	defer hub.Close()

	for i := 1; i <= 3; i++ {
		_, err := hub.Subscribe("conn-1", i, newRecorder())
		require.NoError(t, err)
	}
	_, err := hub.Subscribe("conn-2", 1, newRecorder())
	require.NoError(t, err)

	assert.Equal(t, 3, hub.UnsubscribeConnection("conn-1"))
	assert.Equal(t, 0, hub.UnsubscribeConnection("conn-1"))

	snapshot := hub.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "conn-2", snapshot[0].ConnID)
}

func TestHubSnapshotIsOrdered(t *testing.T) {
	hub := NewHub(10)
	defer hub.Close()

	for _, key := range []Key{{"conn-b", 2}, {"conn-a", 3}, {"conn-b", 1}, {"conn-a", 1}} {
		_, err := hub.Subscribe(key.ConnID, key.RequestID, newRecorder())
		require.NoError(t, err)
	}

	var got []Key
	for _, info := range hub.Snapshot() {
		got = append(got, Key{ConnID: info.ConnID, RequestID: info.RequestID})
	}
	assert.Equal(t, []Key{{"conn-a", 1}, {"conn-a", 3}, {"conn-b", 1}, {"conn-b", 2}}, got)
}

func TestHubConcurrentSubscribeAndPublish(t *testing.T) {
	hub := NewHub(1000)
	defer hub.Close()

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", c)
			for i := 0; i < 50; i++ {
				_, err := hub.Subscribe(conn, i, newRecorder())
				assert.NoError(t, err)
				hub.Unsubscribe(conn, i)
				hub.Unsubscribe(conn, i)
			}
		}(c)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			hub.Publish(popup("light.kitchen", "on"))
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, hub.Count())
}

func TestHubClose(t *testing.T) {
	hub := NewHub(10)
	handle, err := hub.Subscribe("conn-1", 1, newRecorder())
	require.NoError(t, err)

	require.NoError(t, hub.Close())
	<-handle.Done()

	_, err = hub.Subscribe("conn-1", 2, newRecorder())
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.Equal(t, 0, hub.Publish(popup("light.kitchen", "on")))
}
