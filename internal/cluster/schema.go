package cluster

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dreamware/quarry/internal/address"
	"github.com/dreamware/quarry/internal/storage"
	"github.com/dreamware/quarry/internal/vat"
	"github.com/dreamware/quarry/internal/worker"
)

// CapRef is the portable form of a capability.
type CapRef = vat.CapRef

// Method names.
const (
	MethodAddMachine    = "addMachine"
	MethodListMachines  = "listMachines"
	MethodBecomeStorage = "becomeStorage"
	MethodBecomeWorker  = "becomeWorker"

	MethodPut    = "put"
	MethodGet    = "get"
	MethodDelete = "delete"
	MethodList   = "list"
	MethodStats  = "stats"

	MethodCreate = "create"
	MethodRead   = "read"

	MethodStartGrain = "startGrain"
	MethodStopGrain  = "stopGrain"
	MethodListGrains = "listGrains"
	MethodPing       = "ping"
)

// Role names.
const (
	RoleStorage = "storage"
	RoleWorker  = "worker"
)

// ErrRoleActivation is returned by a machine that could not take on a role.
var ErrRoleActivation = errors.New("role activation failed")

// Wire error kinds for the cluster schema.
const (
	KindRoleActivation   = "role_activation"
	KindMalformedAddress = "malformed_address"
	KindKeyNotFound      = "key_not_found"
	KindObjectNotFound   = "object_not_found"
	KindInvalidKey       = "invalid_key"
	KindStorageClosed    = "storage_closed"
	KindGrainNotFound    = "grain_not_found"
	KindGrainExists      = "grain_exists"
	KindInvalidGrain     = "invalid_grain"
	KindWorkerClosed     = "worker_closed"
)

func init() {
	vat.RegisterErrorKind(KindRoleActivation, ErrRoleActivation, http.StatusInternalServerError)
	vat.RegisterErrorKind(KindMalformedAddress, address.ErrMalformedAddress, http.StatusBadRequest)
	vat.RegisterErrorKind(KindKeyNotFound, storage.ErrKeyNotFound, http.StatusNotFound)
	vat.RegisterErrorKind(KindObjectNotFound, storage.ErrObjectNotFound, http.StatusNotFound)
	vat.RegisterErrorKind(KindInvalidKey, storage.ErrInvalidKey, http.StatusBadRequest)
	vat.RegisterErrorKind(KindStorageClosed, storage.ErrClosed, http.StatusGone)
	vat.RegisterErrorKind(KindGrainNotFound, worker.ErrGrainNotFound, http.StatusNotFound)
	vat.RegisterErrorKind(KindGrainExists, worker.ErrGrainExists, http.StatusConflict)
	vat.RegisterErrorKind(KindInvalidGrain, worker.ErrInvalidGrain, http.StatusBadRequest)
	vat.RegisterErrorKind(KindWorkerClosed, worker.ErrClosed, http.StatusGone)
}

// Master is the bootstrap object of the master process.
type Master interface {
	// AddMachine registers a machine. The machine stays registered until
	// the channel it joined on closes.
	AddMachine(ctx context.Context, machine *MachineClient) error
	// ListMachines returns the registered machines in join order.
	ListMachines(ctx context.Context) ([]MachineInfo, error)
}

// Machine is the role broker a slave exports to the master.
type Machine interface {
	// BecomeStorage makes the machine a storage node. Repeated calls return
	// capabilities to the same storage.
	BecomeStorage(ctx context.Context) (StorageBundle, error)
	// BecomeWorker makes the machine a worker. Repeated calls return the
	// same worker.
	BecomeWorker(ctx context.Context) (CapRef, error)
}

// StorageFactory creates objects in a machine's storage.
type StorageFactory interface {
	Create(ctx context.Context, data []byte) (string, error)
	Read(ctx context.Context, id string) ([]byte, error)
}

// Worker runs grains on a machine.
type Worker interface {
	StartGrain(ctx context.Context, spec worker.GrainSpec) (worker.GrainInfo, error)
	StopGrain(ctx context.Context, id string) error
	ListGrains(ctx context.Context) ([]worker.GrainInfo, error)
	Ping(ctx context.Context) (worker.Status, error)
}

// Importer turns a CapRef into a callable capability. *vat.Network and
// *vat.Channel both satisfy it.
type Importer interface {
	Import(ref CapRef) *vat.Capability
}

// MachineInfo describes one registered machine. It names where the
// machine lives, never a capability on it.
type MachineInfo struct {
	ID       string              `json:"id"`
	Vat      address.PeerAddress `json:"vat"`
	JoinedAt time.Time           `json:"joined_at"`
	Roles    []string            `json:"roles,omitempty"`
}

// StorageBundle is the result of becomeStorage.
type StorageBundle struct {
	StorageFactory CapRef `json:"storageFactory"`
	RootSet        CapRef `json:"rootSet"`
}

// AddMachineRequest is the addMachine params.
type AddMachineRequest struct {
	Machine CapRef `json:"machine"`
}

// ListMachinesResponse is the listMachines result.
type ListMachinesResponse struct {
	Machines []MachineInfo `json:"machines"`
}

// BecomeWorkerResponse is the becomeWorker result.
type BecomeWorkerResponse struct {
	Worker CapRef `json:"worker"`
}

// KeyRequest is the params of get and delete.
type KeyRequest struct {
	Key string `json:"key"`
}

// PutRequest is the put params.
type PutRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// ValueResponse is the get result.
type ValueResponse struct {
	Value []byte `json:"value"`
}

// ListResponse is the list result.
type ListResponse struct {
	Keys []string `json:"keys"`
}

// CreateRequest is the create params.
type CreateRequest struct {
	Data []byte `json:"data"`
}

// ObjectRequest is the read params and create result.
type ObjectRequest struct {
	ID string `json:"id"`
}

// ObjectResponse is the read result.
type ObjectResponse struct {
	Data []byte `json:"data"`
}

// StopGrainRequest is the stopGrain params.
type StopGrainRequest struct {
	ID string `json:"id"`
}

// ListGrainsResponse is the listGrains result.
type ListGrainsResponse struct {
	Grains []worker.GrainInfo `json:"grains"`
}
