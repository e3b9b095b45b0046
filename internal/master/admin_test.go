package master

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quarry/internal/cluster"
)

func newAdminServer(t *testing.T, reg *Registry) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	NewAdmin(reg).Mount(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func getBody(t *testing.T, resp *http.Response, err error) []byte {
	t.Helper()
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return body
}

func TestAdminListMachines(t *testing.T) {
	registry := NewRegistry()
	s := newSlave(t)
	require.NoError(t, registry.AddMachine(context.Background(), cluster.NewMachineClient(s.net.Import(s.ref))))
	srv := newAdminServer(t, registry)

	resp, err := http.Get(srv.URL + "/machines")
	raw := getBody(t, resp, err)
	assert.NotContains(t, string(raw), s.ref.Token)

	var body cluster.ListMachinesResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Machines, 1)
	assert.Equal(t, s.net.Self(), body.Machines[0].Vat)
}

func TestAdminActivate(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	s := newSlave(t)
	require.NoError(t, registry.AddMachine(ctx, cluster.NewMachineClient(s.net.Import(s.ref))))
	id := registry.Machines()[0].ID
	srv := newAdminServer(t, registry)

	resp, err := http.Post(srv.URL+"/machines/"+id+"/worker", "application/json", nil)
	raw := getBody(t, resp, err)
	var info cluster.MachineInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, id, info.ID)
	assert.Equal(t, []string{cluster.RoleWorker}, info.Roles)

	resp, err = http.Post(srv.URL+"/machines/"+id+"/storage", "application/json", nil)
	raw2 := getBody(t, resp, err)
	require.NoError(t, json.Unmarshal(raw2, &info))
	assert.Equal(t, []string{cluster.RoleWorker, cluster.RoleStorage}, info.Roles)

	// The memoized capabilities never leave the master.
	workerRef, err := registry.ActivateWorker(ctx, id)
	require.NoError(t, err)
	bundle, err := registry.ActivateStorage(ctx, id)
	require.NoError(t, err)
	for _, secret := range []string{s.ref.Token, workerRef.Token, bundle.RootSet.Token, bundle.StorageFactory.Token} {
		assert.NotContains(t, string(raw), secret)
		assert.NotContains(t, string(raw2), secret)
	}
}

func TestAdminErrors(t *testing.T) {
	srv := newAdminServer(t, NewRegistry())

	resp, err := http.Post(srv.URL+"/machines/nope/storage", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/machines/nope/worker")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
