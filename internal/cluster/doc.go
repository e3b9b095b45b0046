// Package cluster defines the objects quarry processes exchange over the
// vat network and the typed glue around them.
//
// # Objects
//
//	Master          bootstrap object of the master: addMachine, listMachines
//	Machine         role broker exported by each slave: becomeStorage, becomeWorker
//	RootSet         named roots of a machine's storage: put, get, delete, list, stats
//	StorageFactory  object creation in a machine's storage: create, read
//	Worker          grain supervision: startGrain, stopGrain, listGrains, ping
//
// # Server adapters and clients
//
// NewMasterServer, NewMachineServer and friends wrap a typed
// implementation as a vat.Server so it can be exported. The matching
// clients (MasterClient, MachineClient, ...) wrap a vat.Capability and
// implement the same interfaces, so code written against an interface
// works with a local object or a remote one.
//
// # Errors
//
// The package registers wire kinds for the storage, worker and address
// sentinels, so errors.Is(err, storage.ErrKeyNotFound) holds on the
// calling side of a remote get.
package cluster
