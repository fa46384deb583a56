package notifier

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrDuplicateSubscription is returned when a connection reuses a request id
	ErrDuplicateSubscription = errors.New("subscription id already in use")

	// ErrHubClosed is returned when subscribing to a closed hub
	ErrHubClosed = errors.New("hub is closed")
)

// Key identifies a subscription: request ids are only unique per connection
type Key struct {
	ConnID    string
	RequestID int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.ConnID, k.RequestID)
}

type queued struct {
	msg *proto.PopupMessage
	at  time.Time
}

// Handle is a registered subscription with its own delivery queue.
// Messages are delivered in publish order.
type Handle struct {
	key     Key
	since   time.Time
	sink    Sink
	queue   chan queued
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// Key returns the subscription key
func (h *Handle) Key() Key {
	return h.key
}

// Done is closed once the delivery goroutine has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) close() {
	h.stopped.Do(func() { close(h.stop) })
}

// SubscriberInfo describes one registered subscription
type SubscriberInfo struct {
	ConnID    string    `json:"conn_id"`
	RequestID int       `json:"request_id"`
	Since     time.Time `json:"since"`
	Queued    int       `json:"queued"`
}

// Hub fans popups out to every registered subscription
type Hub struct {
	queueSize int

	subscribers     map[Key]*Handle
	subscribersLock sync.RWMutex
	closed          bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates a hub whose subscriptions buffer up to queueSize popups
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultConfig().QueueSize
	}
	return &Hub{
		queueSize:   queueSize,
		subscribers: make(map[Key]*Handle),
		logger:      log.With().Str("component", "hub").Logger(),
		metrics:     metrics.GetMetrics(),
	}
}

// Subscribe registers sink under (connID, requestID) and starts its
// delivery goroutine
func (h *Hub) Subscribe(connID string, requestID int, sink Sink) (*Handle, error) {
	key := Key{ConnID: connID, RequestID: requestID}

	h.subscribersLock.Lock()
	defer h.subscribersLock.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.subscribers[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, key)
	}

	handle := &Handle{
		key:   key,
		since: time.Now(),
		sink:  sink,
		queue: make(chan queued, h.queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	h.subscribers[key] = handle
	h.metrics.NotifierSubscribersActive.Inc()

	go h.deliverLoop(handle)

	h.logger.Debug().Str("subscription", key.String()).Msg("Subscriber registered")
	return handle, nil
}

// Unsubscribe removes the subscription and stops delivery to it.
// Unknown keys are ignored, so calling it twice is harmless.
func (h *Hub) Unsubscribe(connID string, requestID int) bool {
	key := Key{ConnID: connID, RequestID: requestID}

	h.subscribersLock.Lock()
	handle, ok := h.subscribers[key]
	if ok {
		delete(h.subscribers, key)
		h.metrics.NotifierSubscribersActive.Dec()
	}
	h.subscribersLock.Unlock()

	if !ok {
		return false
	}
	handle.close()
	h.logger.Debug().Str("subscription", key.String()).Msg("Subscriber removed")
	return true
}

// UnsubscribeConnection removes every subscription of a connection
func (h *Hub) UnsubscribeConnection(connID string) int {
	var handles []*Handle

	h.subscribersLock.Lock()
	for key, handle := range h.subscribers {
		if key.ConnID == connID {
			handles = append(handles, handle)
			delete(h.subscribers, key)
			h.metrics.NotifierSubscribersActive.Dec()
		}
	}
	h.subscribersLock.Unlock()

	for _, handle := range handles {
		handle.close()
	}
	return len(handles)
}

// Publish hands msg to every current subscription. It never blocks: a
// subscription whose queue is full misses this popup. Returns the number
// of subscriptions the popup was queued for.
func (h *Hub) Publish(msg *proto.PopupMessage) int {
	// Snapshot so subscribe/unsubscribe never wait on delivery
	h.subscribersLock.RLock()
	handles := make([]*Handle, 0, len(h.subscribers))
	for _, handle := range h.subscribers {
		handles = append(handles, handle)
	}
	h.subscribersLock.RUnlock()

	item := queued{msg: msg, at: time.Now()}
	sent := 0
	for _, handle := range handles {
		select {
		case <-handle.stop:
			continue
		default:
		}

		select {
		case handle.queue <- item:
			sent++
		default:
			h.metrics.NotifierEventsPublished.WithLabelValues("dropped").Inc()
			h.logger.Warn().
				Str("subscription", handle.key.String()).
				Str("entity_id", msg.EntityID).
				Msg("Subscriber queue is full, dropping popup")
		}
	}
	return sent
}

// deliverLoop drains one subscription's queue in order
func (h *Hub) deliverLoop(handle *Handle) {
	defer close(handle.done)

	for {
		select {
		case <-handle.stop:
			return
		case item := <-handle.queue:
			select {
			case <-handle.stop:
				return
			default:
			}
			if err := handle.sink.Deliver(item.msg); err != nil {
				h.metrics.NotifierDeliveryErrors.WithLabelValues("sink_error").Inc()
				h.logger.Warn().
					Err(err).
					Str("subscription", handle.key.String()).
					Msg("Delivery failed, removing subscriber")
				h.Unsubscribe(handle.key.ConnID, handle.key.RequestID)
				return
			}
			h.metrics.NotifierEventsPublished.WithLabelValues("delivered").Inc()
			h.metrics.NotifierEventDelay.Observe(time.Since(item.at).Seconds())
		}
	}
}

// Count returns the number of registered subscriptions
func (h *Hub) Count() int {
	h.subscribersLock.RLock()
	defer h.subscribersLock.RUnlock()
	return len(h.subscribers)
}

// Snapshot lists the registered subscriptions ordered by connection and id
func (h *Hub) Snapshot() []SubscriberInfo {
	h.subscribersLock.RLock()
	out := make([]SubscriberInfo, 0, len(h.subscribers))
	for key, handle := range h.subscribers {
		out = append(out, SubscriberInfo{
			ConnID:    key.ConnID,
			RequestID: key.RequestID,
			Since:     handle.since,
			Queued:    len(handle.queue),
		})
	}
	h.subscribersLock.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnID != out[j].ConnID {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// Close removes every subscription and rejects new ones
func (h *Hub) Close() error {
	h.subscribersLock.Lock()
	h.closed = true
	handles := make([]*Handle, 0, len(h.subscribers))
	for key, handle := range h.subscribers {
		handles = append(handles, handle)
		delete(h.subscribers, key)
		h.metrics.NotifierSubscribersActive.Dec()
	}
	h.subscribersLock.Unlock()

	for _, handle := range handles {
		handle.close()
	}
	return nil
}
