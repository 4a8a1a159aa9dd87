package run

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
	"marketscope/internal/pipeline"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run: not found")

// Run is one pipeline execution tracked by the service.
type Run struct {
	ID        string
	Industry  string
	StartedAt time.Time

	orch *pipeline.Orchestrator
	done chan struct{}

	mu       sync.RWMutex
	artifact *artifact.Artifact
	err      error
}

// Done is closed when the run has terminated.
func (r *Run) Done() <-chan struct{} { return r.done }

// Progress returns the run's current pipeline snapshot.
func (r *Run) Progress() pipeline.Snapshot { return r.orch.Progress() }

// Wait blocks until the run terminates or ctx is done.
func (r *Run) Wait(ctx context.Context) (*artifact.Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return r.Result()
	}
}

// Result returns the frozen artifact and terminal error once the run is
// done; before that both are nil.
func (r *Run) Result() (*artifact.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.artifact, r.err
}

func (r *Run) finish(a *artifact.Artifact, err error) {
	r.mu.Lock()
	r.artifact = a
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// Service starts and tracks pipeline runs, persisting every artifact to the
// local store and to the optional S3 mirror and Postgres registry.
type Service struct {
	settings pipeline.Settings
	defaults pipeline.Options
	calls    *call.Client
	factory  pipeline.ClientFactory

	store    *artifact.Store
	mirror   *artifact.S3Store
	registry *PGRegistry

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewService wires the run service. mirror and registry may be nil.
func NewService(settings pipeline.Settings, defaults pipeline.Options, calls *call.Client, factory pipeline.ClientFactory, store *artifact.Store, mirror *artifact.S3Store, registry *PGRegistry) *Service {
	// One limiter for the whole service: concurrent runs share the backend
	// quota, so the cap must hold across runs, not per run.
	if settings.Limiter == nil {
		settings.Limiter = pipeline.NewLimiter(settings.Concurrency)
	}
	return &Service{
		settings: settings,
		defaults: defaults,
		calls:    calls,
		factory:  factory,
		store:    store,
		mirror:   mirror,
		registry: registry,
		runs:     make(map[string]*Run),
	}
}

// Defaults returns the service-level fan-out caps applied when a request
// does not override them.
func (s *Service) Defaults() pipeline.Options { return s.defaults }

// Start launches a pipeline run for the industry and returns immediately.
// The run executes on its own goroutine, detached from the caller's context.
func (s *Service) Start(ctx context.Context, industry string, opts pipeline.Options) (*Run, error) {
	industry = strings.TrimSpace(industry)
	if industry == "" {
		return nil, fmt.Errorf("run: industry is required")
	}

	orch, err := pipeline.New(s.settings, s.calls, s.factory)
	if err != nil {
		return nil, err
	}

	r := &Run{
		ID:        uuid.NewString(),
		Industry:  industry,
		StartedAt: time.Now().UTC(),
		orch:      orch,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[r.ID] = r
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.Insert(ctx, r.ID, industry, r.StartedAt); err != nil {
			log.Printf("run %s: registry insert: %v", r.ID, err)
		}
	}

	go s.execute(r, opts)
	return r, nil
}

func (s *Service) execute(r *Run, opts pipeline.Options) {
	ctx := context.Background()
	art, runErr := r.orch.Run(ctx, r.ID, r.Industry, opts)
	s.persist(ctx, r, art, runErr)
	r.finish(art, runErr)
}

func (s *Service) persist(ctx context.Context, r *Run, art *artifact.Artifact, runErr error) {
	if err := s.store.Save(art); err != nil {
		log.Printf("run %s: save artifact: %v", r.ID, err)
	}
	if s.mirror != nil {
		putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := s.mirror.Put(putCtx, art); err != nil {
			log.Printf("run %s: mirror artifact: %v", r.ID, err)
		}
		cancel()
	}
	if s.registry != nil {
		snap := r.orch.Progress()
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		finCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.registry.Finish(finCtx, r.ID, snap.RunState, art.PartialCoverage(), errMsg); err != nil {
			log.Printf("run %s: registry finish: %v", r.ID, err)
		}
		cancel()
	}
}

// Get looks up a tracked run.
func (s *Service) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Abort requests a soft stop of a run: in-flight calls finish, nothing new
// is dispatched.
func (s *Service) Abort(id, reason string) error {
	r, err := s.Get(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "operator abort"
	}
	r.orch.Abort(reason)
	return nil
}

// Artifact returns the frozen artifact of a finished run.
func (s *Service) Artifact(id string) (*artifact.Artifact, error) {
	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	default:
		return nil, fmt.Errorf("run: %s still in flight", id)
	}
	art, _ := r.Result()
	if art == nil {
		return nil, ErrNotFound
	}
	return art, nil
}
