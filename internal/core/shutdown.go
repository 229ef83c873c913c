package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerState is the lifecycle state of a registered worker as tracked by the Shutdown
// Coordinator.
type WorkerState int32

const (
	WorkerRunning WorkerState = iota
	WorkerStopping
	WorkerStopped
)

// WorkerKind groups registrants into the priority order the coordinator shuts them down in:
// ingest workers first (stop pulling new packets), then recording controllers, then segment
// writers (flush and finalize open files), then the HLS publisher, then the storage/metadata
// store last.
type WorkerKind int

const (
	KindIngest WorkerKind = iota
	KindController
	KindWriter
	KindPublisher
	KindStore
)

// shutdownPriority orders kinds for the phased shutdown walk (lowest value stops first).
var shutdownPriority = map[WorkerKind]int{
	KindIngest:     0,
	KindController: 1,
	KindWriter:     2,
	KindPublisher:  3,
	KindStore:      4,
}

// Worker is a registrant of the Shutdown Coordinator.
type Worker struct {
	Name  string
	Kind  WorkerKind
	Stop  func(ctx context.Context) error
	state atomic.Int32
}

func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// ShutdownCoordinator is a process-wide registry driving a priority-ordered, bounded-time
// shutdown: ingest → controller → writers → publisher → store, waiting for each phase to reach
// STOPPED before signaling the next.
type ShutdownCoordinator struct {
	mu        sync.Mutex
	workers   []*Worker
	destroyed atomic.Bool
	initiated atomic.Bool
	logger    *slog.Logger
}

// NewShutdownCoordinator creates a coordinator.
func NewShutdownCoordinator(logger *slog.Logger) *ShutdownCoordinator {
	return &ShutdownCoordinator{logger: logger.With("component", "shutdown")}
}

// Register adds a worker to the registry. After Shutdown has completed, Register is a safe
// no-op that immediately marks the registrant STOPPED, so late-starting components never hang
// a second shutdown attempt.
func (c *ShutdownCoordinator) Register(w *Worker) {
	if c.destroyed.Load() {
		w.state.Store(int32(WorkerStopped))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w.state.Store(int32(WorkerRunning))
	c.workers = append(c.workers, w)
}

// Initiated reports whether Shutdown has been called, for workers that poll it cooperatively
// between packets/segments instead of selecting on a context.
func (c *ShutdownCoordinator) Initiated() bool {
	return c.initiated.Load()
}

// Shutdown signals every registered worker in priority order, giving each phase an equal slice
// of the overall timeout (default 10s total) to reach STOPPED before the next phase is
// signaled. It never force-kills a worker; on timeout it logs the names still outstanding and
// returns, trusting process exit to reclaim resources.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context, timeout time.Duration) {
	c.initiated.Store(true)

	c.mu.Lock()
	workers := make([]*Worker, len(c.workers))
	copy(workers, c.workers)
	c.mu.Unlock()

	if len(workers) == 0 {
		c.destroyed.Store(true)
		return
	}

	sort.SliceStable(workers, func(i, j int) bool {
		return shutdownPriority[workers[i].Kind] < shutdownPriority[workers[j].Kind]
	})

	phases := map[WorkerKind][]*Worker{}
	var order []WorkerKind
	for _, w := range workers {
		if _, ok := phases[w.Kind]; !ok {
			order = append(order, w.Kind)
		}
		phases[w.Kind] = append(phases[w.Kind], w)
	}

	perPhase := timeout / time.Duration(len(order))
	if perPhase <= 0 {
		perPhase = timeout
	}

	for _, kind := range order {
		phaseCtx, cancel := context.WithTimeout(ctx, perPhase)
		c.runPhase(phaseCtx, phases[kind])
		cancel()
	}

	c.logOutstanding(workers)
	c.destroyed.Store(true)
}

func (c *ShutdownCoordinator) runPhase(ctx context.Context, workers []*Worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.state.Store(int32(WorkerStopping))
			if err := w.Stop(ctx); err != nil {
				c.logger.Warn("worker stop returned error", "worker", w.Name, "error", err)
			}
			w.state.Store(int32(WorkerStopped))
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// WorkerStatus is a point-in-time snapshot of one registered worker, for GET /health.
type WorkerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Workers reports the current name/state of every registered worker.
func (c *ShutdownCoordinator) Workers() []WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerStatus, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, WorkerStatus{Name: w.Name, State: w.State().String()})
	}
	return out
}

func (c *ShutdownCoordinator) logOutstanding(workers []*Worker) {
	var names []string
	for _, w := range workers {
		if w.State() != WorkerStopped {
			names = append(names, w.Name)
		}
	}
	if len(names) > 0 {
		c.logger.Warn("shutdown timed out with workers still running", "workers", names)
	}
}
