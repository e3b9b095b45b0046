package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/quarry/internal/address"
	"github.com/dreamware/quarry/internal/cluster"
	"github.com/dreamware/quarry/internal/config"
	"github.com/dreamware/quarry/internal/machine"
	"github.com/dreamware/quarry/internal/metrics"
	"github.com/dreamware/quarry/internal/vat"
	"github.com/dreamware/quarry/internal/worker"
)

// Slave is a machine that has joined a master.
type Slave struct {
	net     *vat.Network
	broker  *machine.Broker
	channel *vat.Channel
}

// StartSlave decodes the master token, connects to the master and
// registers this machine's role broker. It returns once the master has
// accepted the machine. A malformed token fails with
// address.ErrMalformedAddress and an unreachable master with
// vat.ErrConnection; no join is retried.
func StartSlave(ctx context.Context, cfg config.Config, token string, launch worker.Launcher) (*Slave, error) {
	peer, err := address.Decode(token)
	if err != nil {
		return nil, err
	}

	m := metrics.NewRegistry()
	n, err := vat.Listen(bindSpec(cfg, m), nil)
	if err != nil {
		return nil, fmt.Errorf("slave: %w", err)
	}
	n.Handle("/metrics", m.Handler())
	broker := machine.NewBroker(n, machine.Config{
		StorageRoot: cfg.StorageRoot,
		Launcher:    launch,
		Metrics:     m,
	})
	ref := n.Export(cluster.NewMachineServer(broker))

	fail := func(err error) (*Slave, error) {
		_ = broker.Close()
		_ = n.Close()
		return nil, err
	}

	ch, err := n.Connect(ctx, peer)
	if err != nil {
		return fail(err)
	}
	master := cluster.NewMasterClient(ch.Bootstrap())
	if err := master.AddMachine(ctx, cluster.NewMachineClient(n.Import(ref))); err != nil {
		return fail(fmt.Errorf("join master: %w", err))
	}
	slog.Info("joined master", "master", peer.String(), "self", n.Self().String())
	return &Slave{net: n, broker: broker, channel: ch}, nil
}

// Serve runs the machine until ctx is cancelled. Losing the master is
// logged; the machine keeps serving capabilities already handed out.
func (s *Slave) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.net.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-s.channel.Done():
			slog.Info("master disconnected", "master", s.channel.Peer().String(), "err", s.channel.Err())
		case <-gctx.Done():
		}
		return nil
	})
	return errors.Join(g.Wait(), s.broker.Close())
}

// RunSlave joins the master named by token and serves until ctx is
// cancelled. Grains are launched by re-executing the running binary.
func RunSlave(ctx context.Context, cfg config.Config, token string) error {
	launch, err := worker.DefaultLauncher()
	if err != nil {
		slog.Warn("worker role unavailable", "err", err)
	}
	s, err := StartSlave(ctx, cfg, token, launch)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}
