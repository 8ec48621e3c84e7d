package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/event"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

var mjpegPartHeader = []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")

// eventCursor remembers what one feed consumer was last sent. A view is
// new when its length changed or its newest event ID differs. Comparing
// lengths alone would go quiet once the 50-event view is full, since every
// later append evicts one event and leaves the length unchanged.
type eventCursor struct {
	lastLen int
	lastID  string
}

func (c *eventCursor) next(view []event.Event) (event.Event, bool) {
	if len(view) == 0 {
		return event.Event{}, false
	}
	newest := view[len(view)-1]
	if len(view) == c.lastLen && newest.ID == c.lastID {
		return event.Event{}, false
	}
	c.lastLen = len(view)
	c.lastID = newest.ID
	return newest, true
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	closed := s.deps.Metrics.StreamOpened()
	defer closed()

	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		if f, ok := s.deps.Frames.Latest(); ok {
			if err := writeMJPEGPart(w, f.Data); err != nil {
				s.logger.Debug("MJPEG client gone", zap.Error(err))
				return
			}
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func writeMJPEGPart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := w.Write(mjpegPartHeader); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleEvents streams the newest event as SSE whenever the recent view
// changes. A change is a new length or a new newest ID, not length alone,
// so a saturated view keeps emitting as events are evicted.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	closed := s.deps.Metrics.StreamOpened()
	defer closed()

	poll := time.NewTicker(s.cfg.EventInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var cursor eventCursor
	for {
		if e, ok := cursor.next(s.deps.Events.Latest(s.cfg.LatestCount)); ok {
			if err := writeSSE(w, e); err != nil {
				s.logger.Debug("SSE client gone", zap.Error(err))
				return
			}
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				s.logger.Debug("SSE client gone during keepalive", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-poll.C:
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts same-host and whitelisted origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		allowed = defaultAllowedOrigins
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// handleEventsWebsocket pushes the same feed as /events as JSON text
// messages. Client messages are read and discarded.
func (s *Server) handleEventsWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := s.deps.Metrics.StreamOpened()
	defer closed()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(s.cfg.EventInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var cursor eventCursor
	for {
		if e, ok := cursor.next(s.deps.Events.Latest(s.cfg.LatestCount)); ok {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("Websocket client gone", zap.Error(err))
				return
			}
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case <-keepAlive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-poll.C:
		}
	}
}
