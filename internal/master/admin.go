package master

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dreamware/quarry/internal/cluster"
	"github.com/dreamware/quarry/internal/vat"
)

// Admin serves operator endpoints over a Registry:
//
//	GET  /machines               list registered machines
//	POST /machines/{id}/storage  ask a machine to become storage
//	POST /machines/{id}/worker   ask a machine to become a worker
//
// Responses describe machines by id, address and roles. The capabilities
// a role request produces stay inside the master process. Mount the
// endpoints on an operator listener, not on the vat endpoint.
type Admin struct {
	reg *Registry
}

// NewAdmin returns the admin endpoints for reg.
func NewAdmin(reg *Registry) *Admin {
	return &Admin{reg: reg}
}

// Mount registers the endpoints on rt.
func (a *Admin) Mount(rt *mux.Router) {
	rt.Handle("/machines", http.HandlerFunc(a.handleListMachines)).Methods(http.MethodGet)
	rt.Handle("/machines/{id}/storage", http.HandlerFunc(a.handleStorage)).Methods(http.MethodPost)
	rt.Handle("/machines/{id}/worker", http.HandlerFunc(a.handleWorker)).Methods(http.MethodPost)
}

func (a *Admin) handleListMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, cluster.ListMachinesResponse{Machines: a.reg.Machines()})
}

func (a *Admin) handleStorage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.reg.ActivateStorage(r.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	a.writeMachine(w, id)
}

func (a *Admin) handleWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.reg.ActivateWorker(r.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	a.writeMachine(w, id)
}

// writeMachine answers with the machine's current entry. A machine that
// disconnected after activating is gone.
func (a *Admin) writeMachine(w http.ResponseWriter, id string) {
	info, ok := a.reg.Get(id)
	if !ok {
		http.Error(w, ErrMachineNotFound.Error()+": "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMachineNotFound):
		return http.StatusNotFound
	case errors.Is(err, vat.ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, cluster.ErrRoleActivation):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
