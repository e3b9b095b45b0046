package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quarry/internal/address"
	"github.com/dreamware/quarry/internal/storage"
	"github.com/dreamware/quarry/internal/vat"
	"github.com/dreamware/quarry/internal/worker"
)

func newTestVat(t *testing.T, bootstrap vat.Server) *vat.Network {
	t.Helper()
	n, err := vat.Listen(vat.BindSpec{Listen: "127.0.0.1:0", Heartbeat: 20 * time.Millisecond}, bootstrap)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("vat did not shut down")
		}
	})
	return n
}

type fakeMaster struct {
	mu       sync.Mutex
	machines []*MachineClient
}

func (m *fakeMaster) AddMachine(ctx context.Context, machine *MachineClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines = append(m.machines, machine)
	return nil
}

func (m *fakeMaster) ListMachines(ctx context.Context) ([]MachineInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MachineInfo, 0, len(m.machines))
	for _, mc := range m.machines {
		out = append(out, MachineInfo{ID: mc.Ref().Token, Vat: mc.Ref().Vat})
	}
	return out, nil
}

type fakeMachine struct {
	bundle StorageBundle
	worker CapRef
	err    error
}

func (m *fakeMachine) BecomeStorage(ctx context.Context) (StorageBundle, error) {
	return m.bundle, m.err
}

func (m *fakeMachine) BecomeWorker(ctx context.Context) (CapRef, error) {
	return m.worker, m.err
}

func TestMasterAddMachine(t *testing.T) {
	ctx := context.Background()
	m := &fakeMaster{}
	masterVat := newTestVat(t, nil)
	masterVat.SetBootstrap(NewMasterServer(masterVat, m))
	slaveVat := newTestVat(t, nil)

	broker := slaveVat.Export(NewMachineServer(&fakeMachine{}))
	client := NewMasterClient(slaveVat.Import(CapRef{Vat: masterVat.Self(), Token: vat.BootstrapToken}))

	require.NoError(t, client.AddMachine(ctx, NewMachineClient(slaveVat.Import(broker))))

	machines, err := client.ListMachines(ctx)
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, broker.Vat, machines[0].Vat)
}

func TestMasterAddMachineRejectsBadReference(t *testing.T) {
	ctx := context.Background()
	masterVat := newTestVat(t, nil)
	server := NewMasterServer(masterVat, &fakeMaster{})

	_, err := server.Dispatch(ctx, MethodAddMachine, []byte(`{"machine":{}}`))
	assert.ErrorIs(t, err, vat.ErrBadRequest)

	_, err = server.Dispatch(ctx, MethodAddMachine,
		[]byte(`{"machine":{"vat":{"host":"","port":0,"vat_id":"x"},"token":"t"}}`))
	assert.ErrorIs(t, err, address.ErrMalformedAddress)

	_, err = server.Dispatch(ctx, MethodAddMachine, []byte(`not json`))
	assert.ErrorIs(t, err, vat.ErrBadRequest)

	_, err = server.Dispatch(ctx, "becomeMaster", nil)
	assert.ErrorIs(t, err, vat.ErrUnknownMethod)
}

func TestMachineRoles(t *testing.T) {
	ctx := context.Background()
	n := newTestVat(t, nil)
	want := StorageBundle{
		StorageFactory: CapRef{Vat: n.Self(), Token: "factory"},
		RootSet:        CapRef{Vat: n.Self(), Token: "roots"},
	}
	workerRef := CapRef{Vat: n.Self(), Token: "worker"}
	client := NewMachineClient(n.Import(n.Export(NewMachineServer(&fakeMachine{bundle: want, worker: workerRef}))))

	bundle, err := client.BecomeStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, bundle)

	ref, err := client.BecomeWorker(ctx)
	require.NoError(t, err)
	assert.Equal(t, workerRef, ref)
}

func TestMachineRoleActivationErrorCrossesWire(t *testing.T) {
	ctx := context.Background()
	n := newTestVat(t, nil)
	failing := &fakeMachine{err: errors.Join(ErrRoleActivation, errors.New("permission denied"))}
	client := NewMachineClient(n.Import(n.Export(NewMachineServer(failing))))

	_, err := client.BecomeStorage(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRoleActivation)
	assert.Contains(t, err.Error(), "permission denied")

	var remote *vat.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, KindRoleActivation, remote.Kind)
}

func TestRemoteRootSet(t *testing.T) {
	ctx := context.Background()
	engine, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	n := newTestVat(t, nil)
	var rs storage.Store = NewRootSetClient(n.Import(n.Export(NewRootSetServer(engine.RootSet()))))

	require.NoError(t, rs.Put(ctx, "main", []byte("hello")))
	value, err := rs.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), value)

	_, err = rs.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	assert.ErrorIs(t, rs.Put(ctx, "", []byte("x")), storage.ErrInvalidKey)

	require.NoError(t, rs.Put(ctx, "empty", nil))
	value, err = rs.Get(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, []byte{}, value)

	keys, err := rs.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "main"}, keys)

	stats, err := rs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.Stats{Keys: 2, Bytes: 5}, stats)

	require.NoError(t, rs.Delete(ctx, "main"))
	_, err = rs.Get(ctx, "main")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestRemoteStorageFactory(t *testing.T) {
	ctx := context.Background()
	engine, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	n := newTestVat(t, nil)
	f := NewStorageFactoryClient(n.Import(n.Export(NewStorageFactoryServer(engine.Factory()))))

	id, err := f.Create(ctx, []byte("blob"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	data, err := f.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	_, err = f.Read(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

type stubProcess struct {
	exit chan struct{}
	once sync.Once
}

func (p *stubProcess) Pid() int { return 42 }
func (p *stubProcess) Wait() error {
	<-p.exit
	return nil
}
func (p *stubProcess) Stop() error {
	p.once.Do(func() { close(p.exit) })
	return nil
}

func TestRemoteWorker(t *testing.T) {
	ctx := context.Background()
	w := worker.New(ctx, func(ctx context.Context, spec worker.GrainSpec) (worker.Process, error) {
		p := &stubProcess{exit: make(chan struct{})}
		go func() {
			<-ctx.Done()
			_ = p.Stop()
		}()
		return p, nil
	})
	t.Cleanup(func() { _ = w.Close() })

	n := newTestVat(t, nil)
	client := NewWorkerClient(n.Import(n.Export(NewWorkerServer(w))))

	status, err := client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Grains)

	info, err := client.StartGrain(ctx, worker.GrainSpec{ID: "g1", Argv: []string{"sleep", "1"}})
	require.NoError(t, err)
	assert.Equal(t, worker.GrainRunning, info.State)
	assert.Equal(t, 42, info.Pid)

	_, err = client.StartGrain(ctx, worker.GrainSpec{ID: "g1", Argv: []string{"sleep", "1"}})
	assert.ErrorIs(t, err, worker.ErrGrainExists)

	grains, err := client.ListGrains(ctx)
	require.NoError(t, err)
	require.Len(t, grains, 1)
	assert.Equal(t, "g1", grains[0].ID)

	require.NoError(t, client.StopGrain(ctx, "g1"))
	assert.ErrorIs(t, client.StopGrain(ctx, "g2"), worker.ErrGrainNotFound)
}
