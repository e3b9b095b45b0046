package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/quarry/internal/address"
	"github.com/dreamware/quarry/internal/cluster"
	"github.com/dreamware/quarry/internal/config"
	"github.com/dreamware/quarry/internal/master"
	"github.com/dreamware/quarry/internal/metrics"
	"github.com/dreamware/quarry/internal/vat"
)

// MasterPathLabel prefixes the master's address token on stdout.
const MasterPathLabel = "master path: "

const adminShutdownGrace = 5 * time.Second

// Master is a running master process.
type Master struct {
	net      *vat.Network
	registry *master.Registry
	metrics  *metrics.Registry
	token    string

	// operator endpoints; nil when cfg.Admin is empty
	admin   *http.Server
	adminLn net.Listener
}

// StartMaster binds the master's vat and installs the registry as its
// bootstrap object. The admin endpoints and /metrics are bound on
// cfg.Admin, apart from the vat endpoint. Nothing is served until Serve.
func StartMaster(cfg config.Config) (*Master, error) {
	m := metrics.NewRegistry()
	n, err := vat.Listen(bindSpec(cfg, m), nil)
	if err != nil {
		return nil, fmt.Errorf("master: %w", err)
	}
	reg := master.NewRegistry(master.WithMetrics(m))
	n.SetBootstrap(cluster.NewMasterServer(n, reg))
	ms := &Master{net: n, registry: reg, metrics: m}

	if cfg.Admin != "" {
		ln, err := net.Listen("tcp", cfg.Admin)
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("master admin listen %s: %w", cfg.Admin, err)
		}
		router := mux.NewRouter()
		master.NewAdmin(reg).Mount(router)
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
		ms.adminLn = ln
		ms.admin = &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	token, err := address.Encode(n.Self())
	if err != nil {
		ms.close()
		return nil, fmt.Errorf("master address: %w", err)
	}
	ms.token = token
	return ms, nil
}

// Address returns the token slaves pass on their command line.
func (m *Master) Address() string { return m.token }

// AdminAddr returns the bound address of the operator endpoints, or ""
// when they are disabled.
func (m *Master) AdminAddr() string {
	if m.adminLn == nil {
		return ""
	}
	return m.adminLn.Addr().String()
}

// Registry returns the master's machine registry.
func (m *Master) Registry() *master.Registry { return m.registry }

// Serve runs the master until ctx is cancelled.
func (m *Master) Serve(ctx context.Context) error {
	self := m.net.Self()
	slog.Info("master listening", "addr", self.HostPort(), "vat", self.VatID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.net.Serve(gctx)
	})
	if m.admin != nil {
		slog.Info("admin listening", "addr", m.AdminAddr())
		g.Go(func() error {
			if err := m.admin.Serve(m.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve admin: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), adminShutdownGrace)
			defer cancel()
			return m.admin.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func (m *Master) close() {
	_ = m.net.Close()
	if m.adminLn != nil {
		_ = m.adminLn.Close()
	}
}

// RunMaster starts a master, prints its address token to out and serves
// until ctx is cancelled.
func RunMaster(ctx context.Context, cfg config.Config, out io.Writer) error {
	m, err := StartMaster(cfg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "%s%s\n", MasterPathLabel, m.Address()); err != nil {
		m.close()
		return fmt.Errorf("print master path: %w", err)
	}
	return m.Serve(ctx)
}

func bindSpec(cfg config.Config, m *metrics.Registry) vat.BindSpec {
	return vat.BindSpec{
		Listen:    cfg.Listen,
		Advertise: cfg.Advertise,
		Heartbeat: cfg.Heartbeat,
		Metrics:   m,
	}
}
