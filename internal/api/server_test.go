package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bashobot/internal/config"
	"bashobot/internal/events"
	"bashobot/internal/llm"
	"bashobot/internal/session"
)

// pingClient is an llm.Client whose reachability check is scripted.
type pingClient struct {
	pingErr error
}

func (c *pingClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (c *pingClient) Ping(ctx context.Context) error { return c.pingErr }

func newTestServer(t *testing.T) (*Server, *events.Bus, *session.Store) {
	t.Helper()
	sessions, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bus := events.New()
	return New("127.0.0.1", 0, sessions, nil, nil, bus, nil), bus, sessions
}

// newTestServerWithProvider wires a registry and runtime overlay so
// /status exercises the provider reachability check.
func newTestServerWithProvider(t *testing.T, client llm.Client) *Server {
	t.Helper()
	sessions, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	providers := llm.NewRegistry(nil)
	providers.Register("fake", func(logger *slog.Logger) (llm.Client, error) {
		return client, nil
	})
	runtime := config.NewRuntimeStore(t.TempDir(), config.Runtime{
		Provider: "fake",
		Model:    "test-model",
	})
	return New("127.0.0.1", 0, sessions, providers, runtime, events.New(), nil)
}

func TestHandleStatus(t *testing.T) {
	srv, _, sessions := newTestServer(t)
	sessions.Append("main", "user", "hello")

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var body struct {
		Status      string         `json:"status"`
		Build       map[string]any `json:"build"`
		Uptime      string         `json:"uptime"`
		Sessions    []string       `json:"sessions"`
		Subscribers int            `json:"subscribers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q", body.Status)
	}
	if body.Uptime == "" {
		t.Error("uptime missing")
	}
	if len(body.Sessions) != 1 || body.Sessions[0] != "main" {
		t.Errorf("sessions = %v", body.Sessions)
	}
}

func TestHandleStatusReportsProviderReachable(t *testing.T) {
	srv := newTestServerWithProvider(t, &pingClient{})

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var body struct {
		Provider struct {
			Name      string `json:"name"`
			Model     string `json:"model"`
			Reachable bool   `json:"reachable"`
			Error     string `json:"error"`
		} `json:"provider"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Provider.Name != "fake" || body.Provider.Model != "test-model" {
		t.Errorf("provider = %+v", body.Provider)
	}
	if !body.Provider.Reachable {
		t.Errorf("reachable = false, error = %q", body.Provider.Error)
	}
}

func TestHandleStatusReportsProviderDown(t *testing.T) {
	srv := newTestServerWithProvider(t, &pingClient{pingErr: errors.New("connection refused")})

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var body struct {
		Provider struct {
			Reachable bool   `json:"reachable"`
			Error     string `json:"error"`
		} `json:"provider"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Provider.Reachable {
		t.Error("down provider reported reachable")
	}
	if body.Provider.Error != "connection refused" {
		t.Errorf("error = %q", body.Provider.Error)
	}
}

func TestHandleEventsStreamsBus(t *testing.T) {
	srv, bus, _ := newTestServer(t)

	httpServer := httptest.NewServer(http.HandlerFunc(srv.handleEvents))
	defer httpServer.Close()

	wsURL := "ws" + httpServer.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// wait for the subscription before publishing
	deadline := time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRequestStart,
		Data:   map[string]any{"request_id": "r1"},
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if e.Source != events.SourceAgent || e.Kind != events.KindRequestStart {
		t.Errorf("event = %+v", e)
	}
}

func TestHandleEventsUnsubscribesOnDisconnect(t *testing.T) {
	srv, bus, _ := newTestServer(t)

	httpServer := httptest.NewServer(http.HandlerFunc(srv.handleEvents))
	defer httpServer.Close()

	wsURL := "ws" + httpServer.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber leaked after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
