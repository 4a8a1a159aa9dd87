package run

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"marketscope/internal/pipeline"
)

// Handler exposes the run service over HTTP: start, inspect, abort and a
// websocket progress stream.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Mux returns the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", h.handleStart)
	mux.HandleFunc("GET /runs/{id}", h.handleStatus)
	mux.HandleFunc("GET /runs/{id}/artifact", h.handleArtifact)
	mux.HandleFunc("POST /runs/{id}/abort", h.handleAbort)
	mux.HandleFunc("GET /runs/{id}/watch", h.handleWatch)
	return mux
}

type startRequest struct {
	Industry               string `json:"industry"`
	MaxCategories          int    `json:"max_categories,omitempty"`
	MaxSegmentsPerCategory int    `json:"max_segments_per_category,omitempty"`
}

type startResponse struct {
	RunID     string    `json:"run_id"`
	Industry  string    `json:"industry"`
	StartedAt time.Time `json:"started_at"`
}

type statusResponse struct {
	RunID     string            `json:"run_id"`
	Industry  string            `json:"industry"`
	StartedAt time.Time         `json:"started_at"`
	Progress  pipeline.Snapshot `json:"progress"`
	Error     string            `json:"error,omitempty"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	opts := h.svc.Defaults()
	if req.MaxCategories > 0 {
		opts.MaxCategories = req.MaxCategories
	}
	if req.MaxSegmentsPerCategory > 0 {
		opts.MaxSegmentsPerCategory = req.MaxSegmentsPerCategory
	}
	run, err := h.svc.Start(r.Context(), req.Industry, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		RunID:     run.ID,
		Industry:  run.Industry,
		StartedAt: run.StartedAt,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	resp := statusResponse{
		RunID:     run.ID,
		Industry:  run.Industry,
		StartedAt: run.StartedAt,
		Progress:  run.Progress(),
	}
	if _, runErr := run.Result(); runErr != nil {
		resp.Error = runErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := h.svc.Artifact(r.PathValue("id"))
	if err != nil {
		code := http.StatusConflict
		if errors.Is(err, ErrNotFound) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

type abortRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := h.svc.Abort(r.PathValue("id"), req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

const (
	watchWriteWait = 10 * time.Second
	watchPongWait  = 60 * time.Second
	watchPingEvery = (watchPongWait * 9) / 10
	watchInterval  = time.Second
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleWatch streams progress snapshots until the run terminates or the
// client goes away.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(watchPongWait)); err != nil {
		log.Printf("watch ws set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})

	// Reader goroutine exists only to surface client disconnects and pongs.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	pinger := time.NewTicker(watchPingEvery)
	defer pinger.Stop()

	writeSnapshot := func() bool {
		if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
			return false
		}
		return conn.WriteJSON(run.Progress()) == nil
	}

	if !writeSnapshot() {
		return
	}
	for {
		select {
		case <-readerGone:
			return
		case <-run.Done():
			writeSnapshot()
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
			return
		case <-ticker.C:
			if !writeSnapshot() {
				return
			}
		case <-pinger.C:
			if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

// Server hosts the run API. h2c lets HTTP/2 clients connect without a TLS
// terminator in front, which is how the watch stream is consumed in dev.
type Server struct {
	http *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	log.Printf("run api listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
