package pipeline

import (
	"fmt"
	"sync"
)

// StageState is the lifecycle of one stage within a run.
type StageState int

const (
	StatePending StageState = iota
	StateRunning
	StateCompleted
	StatePartiallyCompleted
	StateFailed
)

func (s StageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StatePartiallyCompleted:
		return "partially_completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("stage_state(%d)", int(s))
}

// RunState is the overall run status.
type RunState int

const (
	RunRunning RunState = iota
	RunCompleted
	RunCompletedPartial
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunCompletedPartial:
		return "completed_partial"
	case RunFailed:
		return "failed"
	}
	return fmt.Sprintf("run_state(%d)", int(s))
}

// StageSnapshot is the observable state of one stage, JSON-ready for a
// polling UI.
type StageSnapshot struct {
	Role      string `json:"role"`
	State     string `json:"state"`
	Total     int    `json:"total"`
	Done      int    `json:"done"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Snapshot is a point-in-time view of the whole run.
type Snapshot struct {
	RunState     string          `json:"run_state"`
	CurrentStage string          `json:"current_stage"`
	Stages       []StageSnapshot `json:"stages"`
	AbortReason  string          `json:"abort_reason,omitempty"`
}

type stageCounters struct {
	state     StageState
	total     int
	done      int
	succeeded int
	failed    int
}

// progressTracker is the only mutable state shared between concurrent item
// calls besides the semaphore; all access goes through the mutex.
type progressTracker struct {
	mu          sync.RWMutex
	stages      map[StageRole]*stageCounters
	current     StageRole
	runState    RunState
	abortReason string
}

func newProgressTracker() *progressTracker {
	p := &progressTracker{stages: make(map[StageRole]*stageCounters, len(StageOrder))}
	for _, role := range StageOrder {
		p.stages[role] = &stageCounters{state: StatePending}
	}
	return p
}

func (p *progressTracker) startStage(role StageRole, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = role
	c := p.stages[role]
	c.state = StateRunning
	c.total = total
}

func (p *progressTracker) itemDone(role StageRole, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.stages[role]
	c.done++
	if ok {
		c.succeeded++
	} else {
		c.failed++
	}
}

func (p *progressTracker) finishStage(role StageRole, state StageState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages[role].state = state
}

// failFrom marks role and every later stage Failed (propagation).
func (p *progressTracker) failFrom(role StageRole) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range StageOrder {
		if r >= role {
			p.stages[r].state = StateFailed
		}
	}
}

func (p *progressTracker) finishRun(state RunState, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runState = state
	if reason != "" {
		p.abortReason = reason
	}
}

func (p *progressTracker) snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Snapshot{
		RunState:     p.runState.String(),
		CurrentStage: p.current.String(),
		AbortReason:  p.abortReason,
		Stages:       make([]StageSnapshot, 0, len(StageOrder)),
	}
	for _, role := range StageOrder {
		c := p.stages[role]
		s.Stages = append(s.Stages, StageSnapshot{
			Role:      role.String(),
			State:     c.state.String(),
			Total:     c.total,
			Done:      c.done,
			Succeeded: c.succeeded,
			Failed:    c.failed,
		})
	}
	return s
}
