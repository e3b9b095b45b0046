package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dreamware/quarry/internal/address"
	"github.com/dreamware/quarry/internal/storage"
	"github.com/dreamware/quarry/internal/vat"
	"github.com/dreamware/quarry/internal/worker"
)

type masterServer struct {
	imp  Importer
	impl Master
}

// NewMasterServer exports m over the vat protocol. imp resolves the
// machine references callers pass to addMachine.
func NewMasterServer(imp Importer, m Master) vat.Server {
	return &masterServer{imp: imp, impl: m}
}

func (s *masterServer) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodAddMachine:
		var req AddMachineRequest
		if err := vat.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		if req.Machine.IsZero() {
			return nil, fmt.Errorf("%w: machine reference is required", vat.ErrBadRequest)
		}
		if err := req.Machine.Vat.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", address.ErrMalformedAddress, err)
		}
		return nil, s.impl.AddMachine(ctx, NewMachineClient(s.imp.Import(req.Machine)))
	case MethodListMachines:
		machines, err := s.impl.ListMachines(ctx)
		if err != nil {
			return nil, err
		}
		return ListMachinesResponse{Machines: machines}, nil
	}
	return nil, vat.UnknownMethod(method)
}

type machineServer struct {
	impl Machine
}

// NewMachineServer exports a role broker.
func NewMachineServer(m Machine) vat.Server {
	return &machineServer{impl: m}
}

func (s *machineServer) Dispatch(ctx context.Context, method string, _ json.RawMessage) (any, error) {
	switch method {
	case MethodBecomeStorage:
		return s.impl.BecomeStorage(ctx)
	case MethodBecomeWorker:
		ref, err := s.impl.BecomeWorker(ctx)
		if err != nil {
			return nil, err
		}
		return BecomeWorkerResponse{Worker: ref}, nil
	}
	return nil, vat.UnknownMethod(method)
}

type rootSetServer struct {
	impl storage.Store
}

// NewRootSetServer exports a root table.
func NewRootSetServer(s storage.Store) vat.Server {
	return &rootSetServer{impl: s}
}

func (s *rootSetServer) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodGet:
		var req KeyRequest
		if err := vat.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		value, err := s.impl.Get(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		return ValueResponse{Value: value}, nil
	case MethodPut:
		var req PutRequest
		if err := vat.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.impl.Put(ctx, req.Key, req.Value)
	case MethodDelete:
		var req KeyRequest
		if err := vat.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.impl.Delete(ctx, req.Key)
	case MethodList:
		keys, err := s.impl.List(ctx)
		if err != nil {
			return nil, err
		}
		return ListResponse{Keys: keys}, nil
	case MethodStats:
		return s.impl.Stats(ctx)
	}
	return nil, vat.UnknownMethod(method)
}

type storageFactoryServer struct {
	impl StorageFactory
}

// NewStorageFactoryServer exports an object factory.
func NewStorageFactoryServer(f StorageFactory) vat.Server {
	return &storageFactoryServer{impl: f}
}

func (s *storageFactoryServer) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodCreate:
		var req CreateRequest
		if err := vat.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		id, err := s.impl.Create(ctx, req.Data)
		if err != nil {
			return nil, err
		}
		return ObjectRequest{ID: id}, nil
	case MethodRead:
		var req ObjectRequest
		if err := vat.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		data, err := s.impl.Read(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return ObjectResponse{Data: data}, nil
	}
	return nil, vat.UnknownMethod(method)
}

type workerServer struct {
	impl Worker
}

// NewWorkerServer exports a grain supervisor.
func NewWorkerServer(w Worker) vat.Server {
	return &workerServer{impl: w}
}

func (s *workerServer) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodStartGrain:
		var spec worker.GrainSpec
		if err := vat.DecodeParams(params, &spec); err != nil {
			return nil, err
		}
		return s.impl.StartGrain(ctx, spec)
	case MethodStopGrain:
		var req StopGrainRequest
		if err := vat.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.impl.StopGrain(ctx, req.ID)
	case MethodListGrains:
		grains, err := s.impl.ListGrains(ctx)
		if err != nil {
			return nil, err
		}
		return ListGrainsResponse{Grains: grains}, nil
	case MethodPing:
		return s.impl.Ping(ctx)
	}
	return nil, vat.UnknownMethod(method)
}
