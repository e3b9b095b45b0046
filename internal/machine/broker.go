package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dreamware/quarry/internal/cluster"
	"github.com/dreamware/quarry/internal/metrics"
	"github.com/dreamware/quarry/internal/storage"
	"github.com/dreamware/quarry/internal/vat"
	"github.com/dreamware/quarry/internal/worker"
)

// ErrRoleActivation is returned when a role cannot be taken on. Nothing is
// memoized after a failure, so a later call tries again.
var ErrRoleActivation = cluster.ErrRoleActivation

// ErrClosed is wrapped into activation errors once the broker is closed.
var ErrClosed = errors.New("broker closed")

// Exporter publishes role objects. *vat.Network implements it.
type Exporter interface {
	Export(obj vat.Server) vat.CapRef
	Revoke(ref vat.CapRef)
}

// Config holds the local resources a broker can hand out.
type Config struct {
	// StorageRoot is the directory of the storage role. It is created on
	// first activation.
	StorageRoot string
	// Launcher starts grain processes for the worker role.
	Launcher worker.Launcher
	// Metrics is optional.
	Metrics *metrics.Registry
}

type storageRole struct {
	engine *storage.Engine
	bundle cluster.StorageBundle
}

type workerRole struct {
	worker *worker.Worker
	ref    cluster.CapRef
}

// Broker is the Machine a slave exports to its master. It turns role
// requests into capabilities on this machine's resources. Each role is
// activated at most once; later requests return the same capabilities.
type Broker struct {
	exp    Exporter
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	// Roles are independent: each has its own lock, held for the whole
	// activation so that concurrent requests share one result.
	storageMu sync.Mutex
	storage   *storageRole
	workerMu  sync.Mutex
	worker    *workerRole

	mu     sync.Mutex
	closed bool
}

var _ cluster.Machine = (*Broker)(nil)

// NewBroker returns a broker exporting role objects through exp.
func NewBroker(exp Exporter, cfg Config) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{exp: exp, cfg: cfg, ctx: ctx, cancel: cancel}
}

// BecomeStorage creates the storage root if needed, opens the storage
// engine on it and returns capabilities to its factory and root set.
func (b *Broker) BecomeStorage(ctx context.Context) (cluster.StorageBundle, error) {
	b.storageMu.Lock()
	defer b.storageMu.Unlock()

	if b.isClosed() {
		return cluster.StorageBundle{}, fmt.Errorf("%w: %w", ErrRoleActivation, ErrClosed)
	}
	if b.storage != nil {
		b.record(cluster.RoleStorage, nil)
		return b.storage.bundle, nil
	}

	role, err := b.activateStorage()
	b.record(cluster.RoleStorage, err)
	if err != nil {
		slog.Warn("storage role activation failed", "root", b.cfg.StorageRoot, "err", err)
		return cluster.StorageBundle{}, fmt.Errorf("%w: storage: %w", ErrRoleActivation, err)
	}
	b.storage = role
	slog.Info("storage role activated", "root", b.cfg.StorageRoot)
	return role.bundle, nil
}

func (b *Broker) activateStorage() (*storageRole, error) {
	if b.cfg.StorageRoot == "" {
		return nil, errors.New("no storage root configured")
	}
	if err := os.MkdirAll(b.cfg.StorageRoot, 0o777); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	engine, err := storage.Open(b.cfg.StorageRoot)
	if err != nil {
		return nil, err
	}
	return &storageRole{
		engine: engine,
		bundle: cluster.StorageBundle{
			StorageFactory: b.exp.Export(cluster.NewStorageFactoryServer(engine.Factory())),
			RootSet:        b.exp.Export(cluster.NewRootSetServer(engine.RootSet())),
		},
	}, nil
}

// BecomeWorker starts the grain supervisor and returns a capability to it.
// It has no filesystem effects.
func (b *Broker) BecomeWorker(ctx context.Context) (cluster.CapRef, error) {
	b.workerMu.Lock()
	defer b.workerMu.Unlock()

	if b.isClosed() {
		return cluster.CapRef{}, fmt.Errorf("%w: %w", ErrRoleActivation, ErrClosed)
	}
	if b.worker != nil {
		b.record(cluster.RoleWorker, nil)
		return b.worker.ref, nil
	}
	if b.cfg.Launcher == nil {
		err := errors.New("no grain launcher configured")
		b.record(cluster.RoleWorker, err)
		return cluster.CapRef{}, fmt.Errorf("%w: worker: %w", ErrRoleActivation, err)
	}

	w := worker.New(b.ctx, b.cfg.Launcher)
	b.worker = &workerRole{
		worker: w,
		ref:    b.exp.Export(cluster.NewWorkerServer(w)),
	}
	b.record(cluster.RoleWorker, nil)
	slog.Info("worker role activated")
	return b.worker.ref, nil
}

// Roles returns the roles activated so far.
func (b *Broker) Roles() []string {
	var roles []string
	b.storageMu.Lock()
	if b.storage != nil {
		roles = append(roles, cluster.RoleStorage)
	}
	b.storageMu.Unlock()
	b.workerMu.Lock()
	if b.worker != nil {
		roles = append(roles, cluster.RoleWorker)
	}
	b.workerMu.Unlock()
	return roles
}

// Close revokes every role capability, stops the worker and closes the
// storage engine. Later activations fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	b.workerMu.Lock()
	if b.worker != nil {
		b.exp.Revoke(b.worker.ref)
		errs = append(errs, b.worker.worker.Close())
	}
	b.workerMu.Unlock()
	b.cancel()

	b.storageMu.Lock()
	if b.storage != nil {
		b.exp.Revoke(b.storage.bundle.StorageFactory)
		b.exp.Revoke(b.storage.bundle.RootSet)
		errs = append(errs, b.storage.engine.Close())
	}
	b.storageMu.Unlock()
	return errors.Join(errs...)
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) record(role string, err error) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.RecordRoleActivation(role, err)
	}
}
