package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

var (
	ErrGrainNotFound = errors.New("grain not found")
	ErrGrainExists   = errors.New("grain already running")
	ErrInvalidGrain  = errors.New("invalid grain spec")
	ErrClosed        = errors.New("worker closed")
)

// GrainState represents the lifecycle state of a grain.
type GrainState string

const (
	// GrainStarting means the launcher has been asked for a process.
	GrainStarting GrainState = "starting"
	// GrainRunning means the grain process is alive.
	GrainRunning GrainState = "running"
	// GrainStopped means the process exited cleanly or was stopped.
	GrainStopped GrainState = "stopped"
	// GrainFailed means the process could not start or exited with an error.
	GrainFailed GrainState = "failed"
)

// GrainSpec describes a grain to start.
type GrainSpec struct {
	ID   string   `json:"id"`
	Argv []string `json:"argv"`
}

// GrainInfo is a snapshot of one grain.
type GrainInfo struct {
	ID        string     `json:"id"`
	Argv      []string   `json:"argv"`
	State     GrainState `json:"state"`
	Pid       int        `json:"pid,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
}

// Status is the answer to a ping.
type Status struct {
	Grains   int    `json:"grains"`
	Running  int    `json:"running"`
	Starts   uint64 `json:"starts"`
	Failures uint64 `json:"failures"`
}

// Process is a launched grain.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	// Stop asks the process to exit.
	Stop() error
}

// Launcher starts the process for a grain. The process must not outlive
// ctx.
type Launcher func(ctx context.Context, spec GrainSpec) (Process, error)

type grain struct {
	spec      GrainSpec
	state     GrainState
	proc      Process
	err       error
	startedAt time.Time
	stopping  bool
	exited    chan struct{}
}

func (g *grain) info() GrainInfo {
	info := GrainInfo{
		ID:        g.spec.ID,
		Argv:      slices.Clone(g.spec.Argv),
		State:     g.state,
		StartedAt: g.startedAt,
	}
	if g.proc != nil {
		info.Pid = g.proc.Pid()
	}
	if g.err != nil {
		info.Error = g.err.Error()
	}
	return info
}

// Worker supervises the grains of one machine.
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	launch Launcher

	mu     sync.RWMutex
	grains map[string]*grain
	closed bool
	wg     sync.WaitGroup

	starts   atomic.Uint64
	failures atomic.Uint64
}

// New returns a worker whose grains live no longer than ctx.
func New(ctx context.Context, launch Launcher) *Worker {
	ctx, cancel := context.WithCancel(ctx)
	return &Worker{
		ctx:    ctx,
		cancel: cancel,
		launch: launch,
		grains: make(map[string]*grain),
	}
}

// StartGrain launches spec. A grain id can be reused once the previous
// grain with that id has stopped or failed.
func (w *Worker) StartGrain(ctx context.Context, spec GrainSpec) (GrainInfo, error) {
	if spec.ID == "" || len(spec.Argv) == 0 {
		return GrainInfo{}, fmt.Errorf("%w: id and argv are required", ErrInvalidGrain)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return GrainInfo{}, ErrClosed
	}
	if g, ok := w.grains[spec.ID]; ok && (g.state == GrainStarting || g.state == GrainRunning) {
		w.mu.Unlock()
		return GrainInfo{}, fmt.Errorf("%w: %s", ErrGrainExists, spec.ID)
	}
	g := &grain{
		spec:      GrainSpec{ID: spec.ID, Argv: slices.Clone(spec.Argv)},
		state:     GrainStarting,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	w.grains[spec.ID] = g
	w.wg.Add(1)
	w.mu.Unlock()

	w.starts.Add(1)
	proc, err := w.launch(w.ctx, g.spec)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.wg.Done()
		w.failures.Add(1)
		g.state = GrainFailed
		g.err = err
		close(g.exited)
		slog.Warn("grain failed to start", "grain", spec.ID, "err", err)
		return g.info(), fmt.Errorf("start grain %s: %w", spec.ID, err)
	}
	g.proc = proc
	g.state = GrainRunning
	// Close ran while launching; the cancelled context ends the process.
	g.stopping = w.closed
	slog.Info("grain started", "grain", spec.ID, "pid", proc.Pid())

	go w.reap(g)
	return g.info(), nil
}

func (w *Worker) reap(g *grain) {
	defer w.wg.Done()
	err := g.proc.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case err == nil || g.stopping:
		g.state = GrainStopped
	default:
		w.failures.Add(1)
		g.state = GrainFailed
		g.err = err
	}
	close(g.exited)
	slog.Info("grain exited", "grain", g.spec.ID, "state", g.state, "err", err)
}

// StopGrain stops a running grain and waits for it to exit or for ctx to
// be done. Stopping a grain that already exited is not an error.
func (w *Worker) StopGrain(ctx context.Context, id string) error {
	w.mu.Lock()
	g, ok := w.grains[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGrainNotFound, id)
	}
	running := g.state == GrainRunning
	if running {
		g.stopping = true
	}
	w.mu.Unlock()

	if !running {
		return nil
	}
	if err := g.proc.Stop(); err != nil {
		return fmt.Errorf("stop grain %s: %w", id, err)
	}
	select {
	case <-g.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Grain returns a snapshot of one grain.
func (w *Worker) Grain(id string) (GrainInfo, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	g, ok := w.grains[id]
	if !ok {
		return GrainInfo{}, fmt.Errorf("%w: %s", ErrGrainNotFound, id)
	}
	return g.info(), nil
}

// ListGrains returns every known grain ordered by id.
func (w *Worker) ListGrains(ctx context.Context) ([]GrainInfo, error) {
	w.mu.RLock()
	out := make([]GrainInfo, 0, len(w.grains))
	for _, g := range w.grains {
		out = append(out, g.info())
	}
	w.mu.RUnlock()

	slices.SortFunc(out, func(a, b GrainInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Ping reports the worker's status, or ErrClosed once it has been closed.
func (w *Worker) Ping(ctx context.Context) (Status, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return Status{}, ErrClosed
	}
	s := Status{
		Grains:   len(w.grains),
		Starts:   w.starts.Load(),
		Failures: w.failures.Load(),
	}
	for _, g := range w.grains {
		if g.state == GrainRunning {
			s.Running++
		}
	}
	return s, nil
}

// Close stops every grain and waits for them to exit.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, g := range w.grains {
		if g.state == GrainRunning {
			g.stopping = true
		}
	}
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	return nil
}
