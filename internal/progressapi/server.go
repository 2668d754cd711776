// Package progressapi is an optional HTTP server exposing a running
// backup or restore's progress over /progress, for long-running jobs
// supervised by an external process rather than watched on a terminal.
package progressapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Snapshot is the current progress state rendered by GET /progress.
type Snapshot struct {
	Phase     string `json:"phase"` // "starting", "spooling", "downloading", "finished", "failed"
	Total     int64  `json:"total"`
	LastBatch uint32 `json:"lastBatch"`
	StartedAt string `json:"startedAt"`
	Error     string `json:"error,omitempty"`
}

// Tracker is an http.Handler's backing store: the orchestrator's
// progress callbacks write to it, the HTTP handlers read it.
type Tracker struct {
	mu        sync.RWMutex
	phase     string
	total     int64
	lastBatch uint32
	startedAt time.Time
	err       string
}

// NewTracker creates a Tracker with phase "starting".
func NewTracker() *Tracker {
	return &Tracker{phase: "starting", startedAt: time.Now()}
}

// SetPhase records the pipeline's current phase.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
}

// Update records progress after a completed batch.
func (t *Tracker) Update(batch uint32, total int64) {
	t.mu.Lock()
	t.lastBatch = batch
	t.total = total
	t.mu.Unlock()
}

// Fail records a terminal error and moves the phase to "failed".
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	t.phase = "failed"
	if err != nil {
		t.err = err.Error()
	}
	t.mu.Unlock()
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Phase:     t.phase,
		Total:     t.total,
		LastBatch: t.lastBatch,
		StartedAt: t.startedAt.UTC().Format(time.RFC3339),
		Error:     t.err,
	}
}

// NewRouter builds the chi mux serving GET /health and GET /progress for
// tracker.
func NewRouter(tracker *Tracker) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Get("/progress", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tracker.Snapshot())
	})

	return r
}
