// Package client talks to a statepopup server: it edits the config entry
// over HTTP and receives popups over the websocket endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/statepopup/pkg/proto"
)

// WebSocketPath is where the server mounts the push endpoint
const WebSocketPath = "/api/websocket"

// Client is an HTTP client for interacting with the statepopup API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new statepopup API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         10 * time.Second,
	}

	for _, option := range options {
		option(client)
	}
	return client
}

// APIError is a failed API response
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

// GetData returns the base data layer
func (c *Client) GetData(ctx context.Context) (map[string]any, error) {
	return c.getRecord(ctx, "/config/data")
}

// PutData replaces the base data layer
func (c *Client) PutData(ctx context.Context, record map[string]any) error {
	return c.call(ctx, http.MethodPut, "/config/data", record, nil)
}

// GetOptions returns the options layer
func (c *Client) GetOptions(ctx context.Context) (map[string]any, error) {
	return c.getRecord(ctx, "/config/options")
}

// PutOptions replaces the options layer
func (c *Client) PutOptions(ctx context.Context, record map[string]any) error {
	return c.call(ctx, http.MethodPut, "/config/options", record, nil)
}

// ResetOptions removes the options layer
func (c *Client) ResetOptions(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, "/config/options", nil, nil)
}

// Effective returns the configuration the server is applying
func (c *Client) Effective(ctx context.Context) (map[string]any, error) {
	return c.getRecord(ctx, "/config/effective")
}

// PostEvent sends one state_changed event to the webhook
func (c *Client) PostEvent(ctx context.Context, event any) error {
	return c.call(ctx, http.MethodPost, "/events", event, nil)
}

func (c *Client) getRecord(ctx context.Context, path string) (map[string]any, error) {
	var record map[string]any
	if err := c.call(ctx, http.MethodGet, path, nil, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// call makes an HTTP request and decodes the data field of the response
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	u.Path = path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 400 && out != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Message: resp.Status}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// Subscribe opens a websocket and subscribes to popups. It returns once
// the server has acknowledged the subscription.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = WebSocketPath

	headers := http.Header{}
	for k, v := range c.headers {
		if k != "Content-Type" {
			headers[k] = v
		}
	}

	conn, _, err := c.websocketDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	sub := &Subscription{
		Conn:   conn,
		Events: make(chan *proto.PopupMessage, 100),
		Done:   make(chan struct{}),
		nextID: 1,
	}

	if err := sub.subscribe(c.timeout); err != nil {
		conn.Close()
		return nil, err
	}

	go sub.receiveEvents()
	return sub, nil
}

// Subscription is a websocket subscription to popups
type Subscription struct {
	Conn   *websocket.Conn
	Events chan *proto.PopupMessage
	Done   chan struct{}

	writeMu sync.Mutex
	nextID  int
	subID   int
}

// subscribe sends the subscribe command and waits for its result
func (s *Subscription) subscribe(timeout time.Duration) error {
	s.subID = s.nextID
	s.nextID++

	if err := s.write(proto.Command{ID: s.subID, Type: proto.TypeSubscribe}); err != nil {
		return err
	}

	_ = s.Conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.Conn.SetReadDeadline(time.Time{})

	for {
		var result proto.ResultMessage
		if err := s.Conn.ReadJSON(&result); err != nil {
			return fmt.Errorf("failed to read subscribe result: %w", err)
		}
		if result.Type != proto.TypeResult || result.ID != s.subID {
			continue
		}
		if !result.Success {
			if result.Error != nil {
				return fmt.Errorf("subscribe rejected: %s: %s", result.Error.Code, result.Error.Message)
			}
			return fmt.Errorf("subscribe rejected")
		}
		return nil
	}
}

func (s *Subscription) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Conn.WriteJSON(v)
}

// receiveEvents processes WebSocket messages
func (s *Subscription) receiveEvents() {
	defer func() {
		close(s.Events)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}

		var event proto.EventMessage
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Type != proto.TypeEvent || event.ID != s.subID || event.Event == nil {
			// Results of later commands and pongs
			continue
		}

		select {
		case s.Events <- event.Event:
		default:
			// Channel is full, drop event
		}
	}
}

// Close unsubscribes and closes the connection
func (s *Subscription) Close() error {
	s.writeMu.Lock()
	id := s.nextID
	s.nextID++
	s.writeMu.Unlock()

	_ = s.write(proto.Command{ID: id, Type: proto.TypeUnsubscribeEvents, Subscription: s.subID})

	s.writeMu.Lock()
	err := s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}
	return err
}
