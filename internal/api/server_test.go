package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/sentrycam/internal/config"
	"github.com/mikeyg42/sentrycam/internal/event"
	"github.com/mikeyg42/sentrycam/internal/eventstore"
	"github.com/mikeyg42/sentrycam/internal/framestream"
	"github.com/mikeyg42/sentrycam/internal/metrics"
	"github.com/mikeyg42/sentrycam/internal/pipeline"
)

type fixture struct {
	api     *Server
	srv     *httptest.Server
	store   *eventstore.Store
	pipe    *pipeline.Pipeline
	frames  *framestream.Publisher
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, tweak func(*config.ServerConfig, *Deps)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		store:  eventstore.New(100, nil, logger),
		frames: framestream.NewPublisher(),
	}
	f.pipe = pipeline.New(pipeline.Config{DefaultMode: event.ModeMotion}, nil, nil, f.store, logger)
	f.metrics = metrics.New(metrics.Sources{Events: f.store})

	cfg := config.NewDefaultConfig().Server
	cfg.FrameInterval = 5 * time.Millisecond
	cfg.EventInterval = 5 * time.Millisecond
	cfg.ModeRateLimit = 0

	deps := Deps{Modes: f.pipe, Events: f.store, Frames: f.frames, Metrics: f.metrics}
	if tweak != nil {
		tweak(&cfg, &deps)
	}

	f.api = NewServer(cfg, deps, logger)
	f.srv = httptest.NewServer(f.api.Handler())
	t.Cleanup(func() {
		f.api.Shutdown(context.Background())
		f.srv.Close()
	})
	return f
}

func (f *fixture) addEvent(id string) {
	f.store.Add(event.Event{
		ID:        id,
		Type:      "motion",
		Mode:      event.ModeMotion,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
}

func decodeJSONMap(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func postMode(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/api/mode", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/mode: %v", err)
	}
	defer resp.Body.Close()
	return resp, decodeJSONMap(t, resp.Body)
}

func TestGetMode(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/api/mode")
	if err != nil {
		t.Fatalf("GET /api/mode: %v", err)
	}
	defer resp.Body.Close()

	body := decodeJSONMap(t, resp.Body)
	if resp.StatusCode != http.StatusOK || body["mode"] != "motion" {
		t.Fatalf("GET /api/mode = %d %v", resp.StatusCode, body)
	}
}

func TestPostMode(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMode event.Mode
	}{
		{"switch to gesture", `{"mode":"gesture"}`, http.StatusOK, event.ModeGesture},
		{"unknown mode", `{"mode":"bogus"}`, http.StatusBadRequest, event.ModeGesture},
		{"padded mode", `{"mode":" gesture"}`, http.StatusBadRequest, event.ModeGesture},
		{"trailing newline", `{"mode":"motion\n"}`, http.StatusBadRequest, event.ModeGesture},
		{"malformed body", `{"mode":`, http.StatusBadRequest, event.ModeGesture},
		{"missing mode", `{}`, http.StatusBadRequest, event.ModeGesture},
		{"empty body", ``, http.StatusBadRequest, event.ModeGesture},
		{"back to motion", `{"mode":"motion"}`, http.StatusOK, event.ModeMotion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postMode(t, f.srv.URL, tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.wantCode, body)
			}
			if tt.wantCode == http.StatusOK {
				if body["ok"] != true || body["mode"] != string(tt.wantMode) {
					t.Fatalf("unexpected success body %v", body)
				}
			} else {
				msg, _ := body["error"].(string)
				if body["ok"] != false || !strings.Contains(msg, "invalid mode") {
					t.Fatalf("unexpected error body %v", body)
				}
			}
			if f.pipe.Mode() != tt.wantMode {
				t.Fatalf("mode = %q, want %q", f.pipe.Mode(), tt.wantMode)
			}
		})
	}
}

func TestPostModeRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.ServerConfig, _ *Deps) {
		cfg.ModeRateLimit = 2
	})

	for i := 0; i < 2; i++ {
		if resp, body := postMode(t, f.srv.URL, `{"mode":"gesture"}`); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d %v", i, resp.StatusCode, body)
		}
	}
	resp, body := postMode(t, f.srv.URL, `{"mode":"motion"}`)
	if resp.StatusCode != http.StatusTooManyRequests || body["ok"] != false {
		t.Fatalf("expected 429, got %d %v", resp.StatusCode, body)
	}
	if f.pipe.Mode() != event.ModeGesture {
		t.Fatal("rate limited request changed the mode")
	}

	// GET is never limited
	getResp, err := http.Get(f.srv.URL + "/api/mode")
	if err != nil || getResp.StatusCode != http.StatusOK {
		t.Fatalf("GET after limit: %v %v", err, getResp)
	}
	getResp.Body.Close()
}

func TestLatestEvents(t *testing.T) {
	f := newFixture(t, func(cfg *config.ServerConfig, _ *Deps) {
		cfg.LatestCount = 3
	})

	get := func() (string, []event.Event) {
		resp, err := http.Get(f.srv.URL + "/api/latest_events")
		if err != nil {
			t.Fatalf("GET /api/latest_events: %v", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		var events []event.Event
		if err := json.Unmarshal(raw, &events); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		return strings.TrimSpace(string(raw)), events
	}

	if raw, _ := get(); raw != "[]" {
		t.Fatalf("empty store returned %q, want []", raw)
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		f.addEvent(id)
	}
	_, events := get()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"b", "c", "d"} {
		if events[i].ID != want {
			t.Fatalf("events[%d] = %q, want %q (oldest first)", i, events[i].ID, want)
		}
	}
	if events[0].Confidence != nil {
		t.Fatal("absent confidence should encode as null")
	}
}

func TestEventCursor(t *testing.T) {
	ev := func(ids ...string) []event.Event {
		out := make([]event.Event, len(ids))
		for i, id := range ids {
			out[i] = event.Event{ID: id}
		}
		return out
	}

	tests := []struct {
		name   string
		view   []event.Event
		wantID string
		wantOK bool
	}{
		{"empty view", nil, "", false},
		{"first view sends newest", ev("a", "b"), "b", true},
		{"unchanged view", ev("a", "b"), "", false},
		{"grown view", ev("a", "b", "c"), "c", true},
		{"full store evicting", ev("b", "c", "d"), "d", true},
		{"still unchanged", ev("b", "c", "d"), "", false},
	}

	var c eventCursor
	for _, tt := range tests {
		got, ok := c.next(tt.view)
		if ok != tt.wantOK || got.ID != tt.wantID {
			t.Fatalf("%s: next = (%q, %v), want (%q, %v)", tt.name, got.ID, ok, tt.wantID, tt.wantOK)
		}
	}
}

func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, url string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEventsSSE(t *testing.T) {
	f := newFixture(t, nil)
	f.addEvent("first")

	resp := openStream(t, f.srv.URL+"/events")
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	var got event.Event
	if err := json.Unmarshal([]byte(readSSEData(t, r)), &got); err != nil {
		t.Fatalf("decode SSE payload: %v", err)
	}
	if got.ID != "first" {
		t.Fatalf("new client should receive the newest event, got %q", got.ID)
	}

	f.addEvent("second")
	if err := json.Unmarshal([]byte(readSSEData(t, r)), &got); err != nil {
		t.Fatalf("decode SSE payload: %v", err)
	}
	if got.ID != "second" {
		t.Fatalf("expected second event, got %q", got.ID)
	}

	if f.metrics.ActiveStreams.Load() != 1 {
		t.Fatalf("active streams = %d", f.metrics.ActiveStreams.Load())
	}
}

func TestEventsSSEEndsOnShutdown(t *testing.T) {
	f := newFixture(t, nil)
	resp := openStream(t, f.srv.URL+"/events")

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()

	if err := f.api.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream ended with %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream still open after Shutdown")
	}
}

func TestVideoFeed(t *testing.T) {
	f := newFixture(t, nil)
	jpeg := []byte{0xFF, 0xD8, 'j', 'p', 'g', 0xFF, 0xD9}
	f.frames.Publish(jpeg)

	resp := openStream(t, f.srv.URL+"/video_feed")
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "multipart/x-mixed-replace") || !strings.Contains(ct, "boundary=frame") {
		t.Fatalf("content-type = %q", ct)
	}

	want := append(append([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"), jpeg...), "\r\n"...)
	buf := make([]byte, 2*len(want))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read parts: %v", err)
	}
	if !bytes.Equal(buf[:len(want)], want) || !bytes.Equal(buf[len(want):], want) {
		t.Fatalf("unexpected MJPEG parts %q", buf)
	}
}

func TestVideoFeedEmptyBufferWritesNothing(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/video_feed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /video_feed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected the read to be cut off by the deadline")
	}
	if len(body) != 0 {
		t.Fatalf("empty publisher produced %q", body)
	}
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t, nil)
	f.addEvent("ws-1")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got event.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != "ws-1" {
		t.Fatalf("got %q, want ws-1", got.ID)
	}

	f.addEvent("ws-2")
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != "ws-2" {
		t.Fatalf("got %q, want ws-2", got.ID)
	}
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/events"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]HealthCheck
		wantCode int
		want     string
	}{
		{"no checks", nil, http.StatusOK, "ok"},
		{"passing", map[string]HealthCheck{"archive": func(context.Context) error { return nil }}, http.StatusOK, "ok"},
		{"failing", map[string]HealthCheck{"archive": func(context.Context) error { return errors.New("down") }}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(_ *config.ServerConfig, d *Deps) { d.Checks = tt.checks })
			resp, err := http.Get(f.srv.URL + "/api/health")
			if err != nil {
				t.Fatalf("GET /api/health: %v", err)
			}
			defer resp.Body.Close()
			body := decodeJSONMap(t, resp.Body)
			if resp.StatusCode != tt.wantCode || body["status"] != tt.want {
				t.Fatalf("health = %d %v", resp.StatusCode, body)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.addEvent("a")
	f.frames.Publish([]byte{1})

	resp, err := http.Get(f.srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Mode != event.ModeMotion || st.Events.InMemory != 1 || st.Events.Total != 1 || st.FrameSeq != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	// the fixture pipeline has no analyzers
	if len(st.DegradedModes) != 2 {
		t.Fatalf("degraded modes = %v", st.DegradedModes)
	}
}

func TestIndexAndStatic(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/", http.StatusOK, "/video_feed"},
		{"/static/app.js", http.StatusOK, "EventSource"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		resp, err := http.Get(f.srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.wantCode || !strings.Contains(string(body), tt.contains) {
			t.Fatalf("GET %s = %d", tt.path, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.addEvent("a")

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "sentrycam_events_stored_total 1") {
		t.Fatalf("metrics missing event counter:\n%s", body)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil)

	for _, tt := range []struct {
		origin string
		want   string
	}{
		{"http://localhost:3000", "http://localhost:3000"},
		{"http://evil.example", ""},
	} {
		req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/mode", nil)
		req.Header.Set("Origin", tt.origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("OPTIONS: %v", err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want || resp.StatusCode != http.StatusOK {
			t.Fatalf("origin %s: allow=%q status=%d", tt.origin, got, resp.StatusCode)
		}
	}
}
