package vat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/quarry/internal/metrics"
)

// Session is the server-side view of one inbound channel. It lives exactly
// as long as the peer's session stream; when the stream ends the session
// closes and its OnClose callbacks run.
// Thread-safe: all methods are safe for concurrent access.
type Session struct {
	id       string
	peer     string
	ctx      context.Context
	cancel   context.CancelFunc
	beat     chan struct{}
	mu       sync.Mutex
	onClose  []func()
	closed   bool
	lastBeat time.Time
}

func newSession(peer string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       uuid.NewString(),
		peer:     peer,
		ctx:      ctx,
		cancel:   cancel,
		beat:     make(chan struct{}, 1),
		lastBeat: time.Now(),
	}
}

// ID returns the session identifier carried by calls made on this channel.
func (s *Session) ID() string { return s.id }

// Peer returns the remote network address of the channel.
func (s *Session) Peer() string { return s.peer }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// OnClose registers fn to run when the session ends. If the session has
// already ended fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// LastBeat returns when a heartbeat was last delivered to the peer.
func (s *Session) LastBeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

func (s *Session) markBeat() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	callbacks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	s.cancel()
	for _, fn := range callbacks {
		fn()
	}
}

type sessionKey struct{}

// SessionFromContext returns the session a call arrived on. Calls made
// without a channel, such as direct capability imports, carry none.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// ContextWithSession attaches s to ctx.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// sessionTracker owns every open inbound session of a vat and drives their
// heartbeats. Sessions whose stream stalls longer than maxMisses intervals
// are reaped.
type sessionTracker struct {
	sessions  map[string]*Session
	metrics   *metrics.Registry
	interval  time.Duration
	maxMisses int
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

func newSessionTracker(interval time.Duration, m *metrics.Registry) *sessionTracker {
	return &sessionTracker{
		sessions:  make(map[string]*Session),
		metrics:   m,
		interval:  interval,
		maxMisses: 3,
	}
}

// Start runs the heartbeat loop until ctx is cancelled.
func (t *sessionTracker) Start(ctx context.Context) {
	t.wg.Add(1)
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.beatAll()
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until Start has returned.
func (t *sessionTracker) Wait() {
	t.wg.Wait()
}

func (t *sessionTracker) open(peer string) *Session {
	s := newSession(peer)
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.VatSessions.Inc()
	}
	slog.Debug("session opened", "session", s.id, "peer", peer)
	return s
}

func (t *sessionTracker) get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *sessionTracker) remove(s *Session) {
	t.mu.Lock()
	_, ok := t.sessions[s.id]
	delete(t.sessions, s.id)
	t.mu.Unlock()

	if ok {
		if t.metrics != nil {
			t.metrics.VatSessions.Dec()
		}
		slog.Debug("session closed", "session", s.id, "peer", s.peer)
	}
	s.close()
}

func (t *sessionTracker) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// beatAll asks every session stream to emit a heartbeat and reaps the ones
// that have not managed to for too long.
func (t *sessionTracker) beatAll() {
	t.mu.RLock()
	all := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.RUnlock()

	deadline := time.Duration(t.maxMisses) * t.interval
	for _, s := range all {
		if time.Since(s.LastBeat()) > deadline {
			slog.Info("reaping stalled session", "session", s.id, "peer", s.peer)
			t.remove(s)
			continue
		}
		select {
		case s.beat <- struct{}{}:
		default:
		}
	}
}

func (t *sessionTracker) closeAll() {
	t.mu.RLock()
	all := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.RUnlock()

	for _, s := range all {
		t.remove(s)
	}
}
