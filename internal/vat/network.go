package vat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/quarry/internal/address"
	"github.com/dreamware/quarry/internal/metrics"
)

// BootstrapToken is the reserved token of the object a vat hands to anyone
// who connects to it.
const BootstrapToken = "bootstrap"

const (
	headerSession = "X-Quarry-Session"
	shutdownGrace = 5 * time.Second
	maxCallBody   = 4 << 20
)

// Server is an object that can be exported as a capability.
type Server interface {
	// Dispatch invokes method with JSON-encoded params. The returned value
	// is JSON-encoded as the call result.
	Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// CapRef is the portable form of a capability: the vat that hosts the
// object and the unguessable token it was exported under. Holding a CapRef
// is all the authority needed to call the object.
type CapRef struct {
	Vat   address.PeerAddress `json:"vat"`
	Token string              `json:"token"`
}

// IsZero reports whether r refers to nothing.
func (r CapRef) IsZero() bool {
	return r.Token == ""
}

// BindSpec describes the local endpoint of a vat.
type BindSpec struct {
	// Listen is the bind address, ":0" for every interface on any port.
	Listen string
	// Advertise is the host peers should dial. Empty means auto-detect.
	Advertise string
	// Heartbeat is the session heartbeat interval.
	Heartbeat time.Duration
	// Metrics is optional.
	Metrics *metrics.Registry
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Network is one vat: a listening endpoint, its table of exported
// capabilities and the sessions of peers connected to it.
type Network struct {
	self     address.PeerAddress
	listener net.Listener
	router   *mux.Router
	srv      *http.Server
	client   *http.Client
	tracer   trace.Tracer
	metrics  *metrics.Registry
	sessions *sessionTracker

	mu        sync.RWMutex
	exports   map[string]Server
	bootstrap Server
	channels  map[*Channel]struct{}
	closed    bool
}

// Listen binds spec.Listen and returns the vat. bootstrap may be nil for a
// vat that only makes outbound connections.
func Listen(spec BindSpec, bootstrap Server) (*Network, error) {
	if spec.Listen == "" {
		spec.Listen = ":0"
	}
	if spec.Heartbeat <= 0 {
		spec.Heartbeat = 5 * time.Second
	}
	tp := spec.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	ln, err := net.Listen("tcp", spec.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", spec.Listen, err)
	}
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("listen %s: not a tcp address", spec.Listen)
	}

	n := &Network{
		self: address.PeerAddress{
			Host:  advertiseHost(spec.Advertise, tcp),
			Port:  uint16(tcp.Port),
			VatID: uuid.NewString(),
		},
		listener:  ln,
		router:    mux.NewRouter(),
		client:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		tracer:    tp.Tracer("github.com/dreamware/quarry/internal/vat"),
		metrics:   spec.Metrics,
		sessions:  newSessionTracker(spec.Heartbeat, spec.Metrics),
		exports:   make(map[string]Server),
		bootstrap: bootstrap,
		channels:  make(map[*Channel]struct{}),
	}
	if err := n.self.Validate(); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("self address: %w", err)
	}

	n.routes()
	n.srv = &http.Server{
		Handler:           n.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return n, nil
}

// Self returns the address peers use to reach this vat.
func (n *Network) Self() address.PeerAddress {
	return n.self
}

// SetBootstrap replaces the object handed to peers that connect. Objects
// that need the Network to import references are installed this way.
func (n *Network) SetBootstrap(s Server) {
	n.mu.Lock()
	n.bootstrap = s
	n.mu.Unlock()
}

// Handle mounts an additional HTTP handler on the vat's endpoint. It must
// be called before Serve.
func (n *Network) Handle(path string, h http.Handler) *mux.Route {
	return n.router.Handle(path, h)
}

// Export publishes obj under a fresh unguessable token.
func (n *Network) Export(obj Server) CapRef {
	token := uuid.NewString()
	n.mu.Lock()
	n.exports[token] = obj
	n.mu.Unlock()
	return CapRef{Vat: n.self, Token: token}
}

// Revoke withdraws a previously exported capability. Later calls fail with
// ErrNoSuchCapability.
func (n *Network) Revoke(ref CapRef) {
	n.mu.Lock()
	delete(n.exports, ref.Token)
	n.mu.Unlock()
}

// Import returns a callable handle for ref. No connection is made until
// the first call.
func (n *Network) Import(ref CapRef) *Capability {
	return &Capability{net: n, ref: ref}
}

func (n *Network) lookup(token string) (Server, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if token == BootstrapToken {
		return n.bootstrap, n.bootstrap != nil
	}
	s, ok := n.exports[token]
	return s, ok
}

// Serve handles inbound traffic until ctx is cancelled, then closes every
// session and channel and shuts the endpoint down.
func (n *Network) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.sessions.Start(gctx)
		return nil
	})
	g.Go(func() error {
		// Serve also returns when Close is called directly.
		defer cancel()
		if err := n.srv.Serve(n.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve vat %s: %w", n.self, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return n.Close()
	})
	return g.Wait()
}

// Close ends every session and outbound channel and stops the endpoint.
// It is safe to call more than once.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	channels := make([]*Channel, 0, len(n.channels))
	for c := range n.channels {
		channels = append(channels, c)
	}
	n.mu.Unlock()

	for _, c := range channels {
		_ = c.Close()
	}
	n.sessions.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := n.srv.Shutdown(ctx)
	// Shutdown only closes the listener when Serve was running.
	_ = n.listener.Close()
	if err != nil {
		slog.Warn("vat shutdown", "vat", n.self.VatID, "err", err)
		return fmt.Errorf("shutdown vat: %w", err)
	}
	n.client.CloseIdleConnections()
	return nil
}

// Sessions returns the number of open inbound sessions.
func (n *Network) Sessions() int {
	return n.sessions.len()
}

func (n *Network) trackChannel(c *Channel) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.channels[c] = struct{}{}
	return true
}

func (n *Network) untrackChannel(c *Channel) {
	n.mu.Lock()
	delete(n.channels, c)
	n.mu.Unlock()
}

// advertiseHost picks the host peers should dial: the configured one, the
// bound IP when specific, else the first non-loopback IPv4 address.
func advertiseHost(configured string, bound *net.TCPAddr) string {
	if configured != "" {
		return configured
	}
	if bound.IP != nil && !bound.IP.IsUnspecified() {
		return bound.IP.String()
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
