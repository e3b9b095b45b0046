package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/quarry/internal/cluster"
	"github.com/dreamware/quarry/internal/metrics"
	"github.com/dreamware/quarry/internal/vat"
)

// ErrMachineNotFound is returned for ids that are not registered.
var ErrMachineNotFound = errors.New("machine not found")

type machine struct {
	id       string
	session  string
	joinedAt time.Time
	broker   *cluster.MachineClient
	roles    []string
}

func (m *machine) info() cluster.MachineInfo {
	return cluster.MachineInfo{
		ID:       m.id,
		Vat:      m.broker.Ref().Vat,
		JoinedAt: m.joinedAt,
		Roles:    slices.Clone(m.roles),
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records membership and role requests in m.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source for join timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the master's table of connected machines. A machine is
// present from its addMachine call until the channel it joined on closes.
type Registry struct {
	mu       sync.RWMutex
	machines []*machine // join order
	metrics  *metrics.Registry
	now      func() time.Time
}

var _ cluster.Master = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddMachine registers broker. When ctx carries the caller's session the
// entry is dropped as soon as that session closes; otherwise it stays
// until Remove.
func (r *Registry) AddMachine(ctx context.Context, broker *cluster.MachineClient) error {
	if broker == nil {
		return fmt.Errorf("%w: machine reference is required", vat.ErrBadRequest)
	}

	m := &machine{
		id:       uuid.NewString(),
		joinedAt: r.now(),
		broker:   broker,
	}
	session, hasSession := vat.SessionFromContext(ctx)
	if hasSession {
		m.session = session.ID()
	}

	r.mu.Lock()
	r.machines = append(r.machines, m)
	n := len(r.machines)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ClusterJoinsTotal.Inc()
		r.metrics.ClusterMachines.Set(float64(n))
	}
	slog.Info("machine joined", "machine", m.id, "broker", broker.Ref().Vat.String(), "session", m.session, "machines", n)

	if hasSession {
		session.OnClose(func() { r.disconnect(m.id) })
	}
	return nil
}

func (r *Registry) disconnect(id string) {
	if !r.Remove(id) {
		return
	}
	if r.metrics != nil {
		r.metrics.ClusterDisconnectsTotal.Inc()
	}
	slog.Info("machine disconnected", "machine", id, "machines", r.Len())
}

// ListMachines implements cluster.Master.
func (r *Registry) ListMachines(ctx context.Context) ([]cluster.MachineInfo, error) {
	return r.Machines(), nil
}

// Len returns the number of registered machines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// Machines returns a snapshot of every registered machine in join order.
func (r *Registry) Machines() []cluster.MachineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.MachineInfo, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m.info())
	}
	return out
}

// Get returns the machine registered under id.
func (r *Registry) Get(id string) (cluster.MachineInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m := r.find(id); m != nil {
		return m.info(), true
	}
	return cluster.MachineInfo{}, false
}

// Remove drops id from the registry and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	idx := slices.IndexFunc(r.machines, func(m *machine) bool { return m.id == id })
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.machines = slices.Delete(r.machines, idx, idx+1)
	n := len(r.machines)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ClusterMachines.Set(float64(n))
	}
	return true
}

// ActivateStorage asks machine id to become a storage node.
func (r *Registry) ActivateStorage(ctx context.Context, id string) (cluster.StorageBundle, error) {
	broker, err := r.broker(id)
	if err != nil {
		return cluster.StorageBundle{}, err
	}
	bundle, err := broker.BecomeStorage(ctx)
	r.recordRole(id, cluster.RoleStorage, err)
	if err != nil {
		return cluster.StorageBundle{}, fmt.Errorf("machine %s: %w", id, err)
	}
	return bundle, nil
}

// ActivateWorker asks machine id to become a worker.
func (r *Registry) ActivateWorker(ctx context.Context, id string) (cluster.CapRef, error) {
	broker, err := r.broker(id)
	if err != nil {
		return cluster.CapRef{}, err
	}
	ref, err := broker.BecomeWorker(ctx)
	r.recordRole(id, cluster.RoleWorker, err)
	if err != nil {
		return cluster.CapRef{}, fmt.Errorf("machine %s: %w", id, err)
	}
	return ref, nil
}

func (r *Registry) broker(id string) (*cluster.MachineClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.find(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, id)
	}
	return m.broker, nil
}

func (r *Registry) recordRole(id, role string, err error) {
	if r.metrics != nil {
		r.metrics.RecordRoleRequest(role, err)
	}
	if err != nil {
		slog.Warn("role request failed", "machine", id, "role", role, "err", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.find(id); m != nil && !slices.Contains(m.roles, role) {
		m.roles = append(m.roles, role)
	}
}

// find must be called with r.mu held.
func (r *Registry) find(id string) *machine {
	idx := slices.IndexFunc(r.machines, func(m *machine) bool { return m.id == id })
	if idx < 0 {
		return nil
	}
	return r.machines[idx]
}
