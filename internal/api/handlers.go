package api

import (
	"context"
	"embed"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/event"
)

//go:embed static
var staticFS embed.FS

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleLatestEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events := s.deps.Events.Latest(s.cfg.LatestCount)
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"mode": s.deps.Modes.Mode()})
	case http.MethodPost:
		if s.limiter != nil {
			s.limiter.Middleware(s.setMode)(w, r)
			return
		}
		s.setMode(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// setMode treats an unreadable body as an empty request, so it fails as an
// invalid mode rather than a separate error shape.
func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.logger.Debug("Ignoring malformed mode request", zap.Error(err))
			req = modeRequest{}
		}
	}

	if err := s.deps.Modes.SetMode(req.Mode); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"mode": s.deps.Modes.Mode(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	if s.deps.Producer != nil && !s.deps.Producer.Stats().Running {
		checks["producer"] = "stopped"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	resp := map[string]any{"status": status}
	if len(checks) > 0 {
		resp["checks"] = checks
	}
	writeJSON(w, code, resp)
}

type statusResponse struct {
	Mode          event.Mode     `json:"mode"`
	DegradedModes []event.Mode   `json:"degraded_modes"`
	Events        eventsStatus   `json:"events"`
	FrameSeq      uint64         `json:"frame_seq"`
	Producer      *producerState `json:"producer,omitempty"`
	Streams       int64          `json:"stream_consumers"`
}

type eventsStatus struct {
	InMemory int    `json:"in_memory"`
	Total    uint64 `json:"total"`
}

type producerState struct {
	Running       bool      `json:"running"`
	FramesRead    int64     `json:"frames_read"`
	Published     int64     `json:"published"`
	ReadFailures  int64     `json:"read_failures"`
	LastFrameTime time.Time `json:"last_frame_time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Mode:          s.deps.Modes.Mode(),
		DegradedModes: s.deps.Modes.Degraded(),
		Events: eventsStatus{
			InMemory: s.deps.Events.Len(),
			Total:    s.deps.Events.Total(),
		},
		FrameSeq: s.deps.Frames.Seq(),
	}
	if resp.DegradedModes == nil {
		resp.DegradedModes = []event.Mode{}
	}
	if s.deps.Producer != nil {
		st := s.deps.Producer.Stats()
		resp.Producer = &producerState{
			Running:       st.Running,
			FramesRead:    st.FramesRead,
			Published:     st.Published,
			ReadFailures:  st.ReadFailures,
			LastFrameTime: st.LastFrameTime,
		}
	}
	if s.deps.Metrics != nil {
		resp.Streams = s.deps.Metrics.ActiveStreams.Load()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) registerStatic() {
	s.mux.Handle("/static/", http.FileServer(http.FS(staticFS)))
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		page, err := staticFS.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "index unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	})
}
