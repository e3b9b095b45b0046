package cluster

import (
	"context"

	"github.com/dreamware/quarry/internal/storage"
	"github.com/dreamware/quarry/internal/vat"
	"github.com/dreamware/quarry/internal/worker"
)

// MasterClient calls a remote Master.
type MasterClient struct {
	cap *vat.Capability
}

var _ Master = (*MasterClient)(nil)

// NewMasterClient wraps c, which must refer to a master bootstrap object.
func NewMasterClient(c *vat.Capability) *MasterClient {
	return &MasterClient{cap: c}
}

// Ref returns the master's capability reference.
func (c *MasterClient) Ref() CapRef { return c.cap.Ref() }

func (c *MasterClient) AddMachine(ctx context.Context, machine *MachineClient) error {
	return c.cap.Call(ctx, MethodAddMachine, AddMachineRequest{Machine: machine.Ref()}, nil)
}

func (c *MasterClient) ListMachines(ctx context.Context) ([]MachineInfo, error) {
	var resp ListMachinesResponse
	if err := c.cap.Call(ctx, MethodListMachines, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Machines, nil
}

// MachineClient calls a remote role broker.
type MachineClient struct {
	cap *vat.Capability
}

var _ Machine = (*MachineClient)(nil)

// NewMachineClient wraps c, which must refer to a role broker.
func NewMachineClient(c *vat.Capability) *MachineClient {
	return &MachineClient{cap: c}
}

// Ref returns the broker's capability reference.
func (c *MachineClient) Ref() CapRef { return c.cap.Ref() }

func (c *MachineClient) BecomeStorage(ctx context.Context) (StorageBundle, error) {
	var bundle StorageBundle
	if err := c.cap.Call(ctx, MethodBecomeStorage, nil, &bundle); err != nil {
		return StorageBundle{}, err
	}
	return bundle, nil
}

func (c *MachineClient) BecomeWorker(ctx context.Context) (CapRef, error) {
	var resp BecomeWorkerResponse
	if err := c.cap.Call(ctx, MethodBecomeWorker, nil, &resp); err != nil {
		return CapRef{}, err
	}
	return resp.Worker, nil
}

// RootSetClient calls a remote root table.
type RootSetClient struct {
	cap *vat.Capability
}

var _ storage.Store = (*RootSetClient)(nil)

// NewRootSetClient wraps c, which must refer to a root set.
func NewRootSetClient(c *vat.Capability) *RootSetClient {
	return &RootSetClient{cap: c}
}

func (c *RootSetClient) Get(ctx context.Context, key string) ([]byte, error) {
	var resp ValueResponse
	if err := c.cap.Call(ctx, MethodGet, KeyRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		resp.Value = []byte{}
	}
	return resp.Value, nil
}

func (c *RootSetClient) Put(ctx context.Context, key string, value []byte) error {
	return c.cap.Call(ctx, MethodPut, PutRequest{Key: key, Value: value}, nil)
}

func (c *RootSetClient) Delete(ctx context.Context, key string) error {
	return c.cap.Call(ctx, MethodDelete, KeyRequest{Key: key}, nil)
}

func (c *RootSetClient) List(ctx context.Context) ([]string, error) {
	var resp ListResponse
	if err := c.cap.Call(ctx, MethodList, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *RootSetClient) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	err := c.cap.Call(ctx, MethodStats, nil, &stats)
	return stats, err
}

// StorageFactoryClient calls a remote object factory.
type StorageFactoryClient struct {
	cap *vat.Capability
}

var _ StorageFactory = (*StorageFactoryClient)(nil)

// NewStorageFactoryClient wraps c, which must refer to a storage factory.
func NewStorageFactoryClient(c *vat.Capability) *StorageFactoryClient {
	return &StorageFactoryClient{cap: c}
}

func (c *StorageFactoryClient) Create(ctx context.Context, data []byte) (string, error) {
	var resp ObjectRequest
	if err := c.cap.Call(ctx, MethodCreate, CreateRequest{Data: data}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *StorageFactoryClient) Read(ctx context.Context, id string) ([]byte, error) {
	var resp ObjectResponse
	if err := c.cap.Call(ctx, MethodRead, ObjectRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = []byte{}
	}
	return resp.Data, nil
}

// WorkerClient calls a remote worker.
type WorkerClient struct {
	cap *vat.Capability
}

var _ Worker = (*WorkerClient)(nil)

// NewWorkerClient wraps c, which must refer to a worker.
func NewWorkerClient(c *vat.Capability) *WorkerClient {
	return &WorkerClient{cap: c}
}

func (c *WorkerClient) StartGrain(ctx context.Context, spec worker.GrainSpec) (worker.GrainInfo, error) {
	var info worker.GrainInfo
	err := c.cap.Call(ctx, MethodStartGrain, spec, &info)
	return info, err
}

func (c *WorkerClient) StopGrain(ctx context.Context, id string) error {
	return c.cap.Call(ctx, MethodStopGrain, StopGrainRequest{ID: id}, nil)
}

func (c *WorkerClient) ListGrains(ctx context.Context) ([]worker.GrainInfo, error) {
	var resp ListGrainsResponse
	if err := c.cap.Call(ctx, MethodListGrains, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Grains, nil
}

func (c *WorkerClient) Ping(ctx context.Context) (worker.Status, error) {
	var status worker.Status
	err := c.cap.Call(ctx, MethodPing, nil, &status)
	return status, err
}
