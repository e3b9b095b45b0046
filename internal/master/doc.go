// Package master keeps the master's view of the cluster.
//
// The Registry is the master's bootstrap object: slaves call addMachine
// with a reference to their role broker, and the registry keeps that
// reference for as long as the slave's channel stays open. When the
// channel closes the entry is removed; a machine that comes back joins as
// a new entry. The registry never asks a machine to take a role on its
// own. ActivateStorage and ActivateWorker, and the Admin endpoints built
// on them, are the hooks through which an operator or a scheduler does.
//
// listMachines and the Admin endpoints describe machines by id, address
// and roles only. Broker references and the capabilities roles produce
// stay inside the master.
package master
