// Package controller implements the shared coordinator used by sibling
// receiver workers to elect once-only actions and rendezvous on session
// boundaries: the "threads controller" of a receiver's global session.
package controller

import "sync"

// ThreadsController is shared across every worker handling the same
// receiver session. All of its state is internally mutex-protected; no
// caller may hold one of its locks across a network I/O call.
type ThreadsController struct {
	registry *registry

	funnelsMu sync.Mutex
	funnels   map[string]*Funnel

	conditionsMu sync.Mutex
	conditions   map[string]*Condition

	barrierMu    sync.Mutex
	startDone    bool
	endCount     int
	totalWorkers int
}

// NewThreadsController returns a controller for a session expected to have
// totalWorkers sibling workers.
func NewThreadsController(totalWorkers int) *ThreadsController {
	return &ThreadsController{
		registry:     newRegistry(),
		funnels:      make(map[string]*Funnel),
		conditions:   make(map[string]*Condition),
		totalWorkers: totalWorkers,
	}
}

// RegisterThread adds worker i to the membership/state registry.
func (c *ThreadsController) RegisterThread(i int) {
	c.registry.register(i)
}

// DeRegisterThread removes worker i. A worker must never be observed
// holding one of the controller's mutexes after this call.
func (c *ThreadsController) DeRegisterThread(i int) {
	c.registry.deregister(i)
}

// MarkState records worker i's current lifecycle state.
func (c *ThreadsController) MarkState(i int, s WorkerState) {
	c.registry.mark(i, s)
}

// HasThreads reports whether any sibling other than i is currently in
// state s.
func (c *ThreadsController) HasThreads(i int, s WorkerState) bool {
	return c.registry.hasOthersIn(i, s)
}

// GetFunnel returns the named funnel, creating it in its initial Start
// state on first use.
func (c *ThreadsController) GetFunnel(name string) *Funnel {
	c.funnelsMu.Lock()
	defer c.funnelsMu.Unlock()
	f, ok := c.funnels[name]
	if !ok {
		f = NewFunnel()
		c.funnels[name] = f
	}
	return f
}

// GetCondition returns the named condition, creating it on first use.
func (c *ThreadsController) GetCondition(name string) *Condition {
	c.conditionsMu.Lock()
	defer c.conditionsMu.Unlock()
	cv, ok := c.conditions[name]
	if !ok {
		cv = NewCondition()
		c.conditions[name] = cv
	}
	return cv
}

// ExecuteAtStart invokes fn exactly once across all siblings, on whichever
// worker is first to call this.
func (c *ThreadsController) ExecuteAtStart(fn func()) {
	c.barrierMu.Lock()
	defer c.barrierMu.Unlock()
	if c.startDone {
		return
	}
	c.startDone = true
	fn()
}

// ExecuteAtEnd invokes fn exactly once across all siblings, on whichever
// worker is last to call this (the totalWorkers-th call).
func (c *ThreadsController) ExecuteAtEnd(fn func()) {
	c.barrierMu.Lock()
	defer c.barrierMu.Unlock()
	c.endCount++
	if c.endCount == c.totalWorkers {
		fn()
	}
}

// RegisteredCount reports how many workers are currently registered.
func (c *ThreadsController) RegisteredCount() int {
	return c.registry.count()
}
