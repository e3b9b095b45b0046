package vat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dreamware/quarry/internal/address"
	"github.com/dreamware/quarry/internal/metrics"
)

var errCustom = errors.New("custom failure")

func init() {
	RegisterErrorKind("test_custom", errCustom, http.StatusTeapot)
}

// echoServer is a minimal exported object used across the transport tests.
type echoServer struct {
	mu     sync.Mutex
	closed []string
}

func (e *echoServer) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "echo":
		var s string
		if err := DecodeParams(params, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "whoami":
		s, ok := SessionFromContext(ctx)
		if !ok {
			return "", nil
		}
		s.OnClose(func() {
			e.mu.Lock()
			e.closed = append(e.closed, s.ID())
			e.mu.Unlock()
		})
		return s.ID(), nil
	case "custom":
		return nil, errCustom
	case "boom":
		return nil, errors.New("boom")
	default:
		return nil, UnknownMethod(method)
	}
}

func (e *echoServer) closedSessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.closed...)
}

func newTestVat(t *testing.T, bootstrap Server, opts ...func(*BindSpec)) *Network {
	t.Helper()
	spec := BindSpec{
		Listen:    "127.0.0.1:0",
		Heartbeat: 20 * time.Millisecond,
		Metrics:   metrics.NewRegistry(),
	}
	for _, o := range opts {
		o(&spec)
	}
	n, err := Listen(spec, bootstrap)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("vat did not shut down")
		}
	})
	return n
}

func TestListenSelfAddress(t *testing.T) {
	n := newTestVat(t, nil)
	self := n.Self()

	assert.Equal(t, "127.0.0.1", self.Host)
	assert.NotZero(t, self.Port)
	_, err := uuid.Parse(self.VatID)
	assert.NoError(t, err)

	token, err := address.Encode(self)
	require.NoError(t, err)
	decoded, err := address.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, self, decoded)
}

func TestListenAdvertiseOverride(t *testing.T) {
	n, err := Listen(BindSpec{Listen: "127.0.0.1:0", Advertise: "machine-1.example"}, nil)
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, "machine-1.example", n.Self().Host)
}

func TestBootstrapCall(t *testing.T) {
	server := newTestVat(t, &echoServer{})
	client := newTestVat(t, nil)

	ch, err := client.Connect(context.Background(), server.Self())
	require.NoError(t, err)
	defer ch.Close()

	var out string
	require.NoError(t, ch.Bootstrap().Call(context.Background(), "echo", "hello", &out))
	assert.Equal(t, "hello", out)
	assert.Equal(t, server.Self(), ch.Peer())
}

func TestExportedCapability(t *testing.T) {
	server := newTestVat(t, nil)
	client := newTestVat(t, nil)

	ref := server.Export(&echoServer{})
	assert.Equal(t, server.Self(), ref.Vat)
	assert.False(t, ref.IsZero())

	var out string
	capability := client.Import(ref)
	require.NoError(t, capability.Call(context.Background(), "echo", "direct", &out))
	assert.Equal(t, "direct", out)

	server.Revoke(ref)
	err := capability.Call(context.Background(), "echo", "again", &out)
	assert.ErrorIs(t, err, ErrNoSuchCapability)
	assert.NotErrorIs(t, err, ErrConnection)
}

func TestCallErrors(t *testing.T) {
	server := newTestVat(t, &echoServer{})
	client := newTestVat(t, nil)
	bootstrap := client.Import(CapRef{Vat: server.Self(), Token: BootstrapToken})
	ctx := context.Background()

	t.Run("unknown method", func(t *testing.T) {
		err := bootstrap.Call(ctx, "nope", nil, nil)
		assert.ErrorIs(t, err, ErrUnknownMethod)
	})

	t.Run("bad params", func(t *testing.T) {
		err := bootstrap.Call(ctx, "echo", 42, nil)
		assert.ErrorIs(t, err, ErrBadRequest)
	})

	t.Run("registered kind", func(t *testing.T) {
		err := bootstrap.Call(ctx, "custom", nil, nil)
		assert.ErrorIs(t, err, errCustom)
		var rerr *RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "test_custom", rerr.Kind)
	})

	t.Run("internal", func(t *testing.T) {
		err := bootstrap.Call(ctx, "boom", nil, nil)
		var rerr *RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, KindInternal, rerr.Kind)
		assert.Contains(t, rerr.Message, "boom")
	})

	t.Run("no bootstrap object", func(t *testing.T) {
		other := client.Import(CapRef{Vat: client.Self(), Token: BootstrapToken})
		err := other.Call(ctx, "echo", "x", nil)
		assert.ErrorIs(t, err, ErrNoSuchCapability)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := bootstrap.Call(cctx, "echo", "x", nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConnectFailures(t *testing.T) {
	client := newTestVat(t, nil)
	ctx := context.Background()

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		_, err = client.Connect(ctx, address.PeerAddress{Host: "127.0.0.1", Port: uint16(port), VatID: uuid.NewString()})
		assert.ErrorIs(t, err, ErrConnection)
	})

	t.Run("wrong vat", func(t *testing.T) {
		server := newTestVat(t, &echoServer{})
		peer := server.Self()
		peer.VatID = uuid.NewString()

		_, err := client.Connect(ctx, peer)
		assert.ErrorIs(t, err, ErrConnection)
		assert.ErrorIs(t, err, ErrUnknownVat)
	})

	t.Run("invalid address", func(t *testing.T) {
		_, err := client.Connect(ctx, address.PeerAddress{Host: "127.0.0.1"})
		assert.ErrorIs(t, err, ErrConnection)
	})

	t.Run("not a vat", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>hello</html>\n"))
		}))
		defer ts.Close()
		tcp := ts.Listener.Addr().(*net.TCPAddr)

		_, err := client.Connect(ctx, address.PeerAddress{Host: "127.0.0.1", Port: uint16(tcp.Port), VatID: uuid.NewString()})
		assert.ErrorIs(t, err, ErrConnection)
	})
}

func TestSessionLifecycle(t *testing.T) {
	echo := &echoServer{}
	server := newTestVat(t, echo)
	client := newTestVat(t, nil)

	ch, err := client.Connect(context.Background(), server.Self())
	require.NoError(t, err)
	assert.NotEmpty(t, ch.Session())

	var id string
	require.NoError(t, ch.Bootstrap().Call(context.Background(), "whoami", nil, &id))
	assert.Equal(t, ch.Session(), id, "calls on a channel carry its session")
	assert.Equal(t, 1, server.Sessions())

	var none string
	require.NoError(t, client.Import(ch.Bootstrap().Ref()).Call(context.Background(), "whoami", nil, &none))
	assert.Empty(t, none, "imports outside a channel carry no session")

	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool {
		return len(echo.closedSessions()) == 1 && server.Sessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{id}, echo.closedSessions())

	err = ch.Bootstrap().Call(context.Background(), "echo", "late", nil)
	assert.ErrorIs(t, err, ErrConnection, "a closed session is a connection failure")
}

func TestChannelEndsWhenServerStops(t *testing.T) {
	server, err := Listen(BindSpec{Listen: "127.0.0.1:0", Heartbeat: 20 * time.Millisecond}, &echoServer{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	client := newTestVat(t, nil)
	ch, err := client.Connect(context.Background(), server.Self())
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-served)

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel still open after server stopped")
	}

	err = ch.Bootstrap().Call(context.Background(), "echo", "x", nil)
	assert.ErrorIs(t, err, ErrConnection, "a stale address is a connection failure")
}

func TestCloseEndsOutboundChannels(t *testing.T) {
	server := newTestVat(t, &echoServer{})
	client, err := Listen(BindSpec{Listen: "127.0.0.1:0"}, nil)
	require.NoError(t, err)

	ch, err := client.Connect(context.Background(), server.Self())
	require.NoError(t, err)

	require.NoError(t, client.Close())
	<-ch.Done()
	require.NoError(t, client.Close(), "close is idempotent")

	_, err = client.Connect(context.Background(), server.Self())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestCallsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	withTracer := func(s *BindSpec) { s.TracerProvider = tp }

	server := newTestVat(t, &echoServer{}, withTracer)
	client := newTestVat(t, nil, withTracer)

	capability := client.Import(CapRef{Vat: server.Self(), Token: BootstrapToken})
	require.NoError(t, capability.Call(context.Background(), "echo", "traced", nil))

	names := make(map[string]bool)
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["vat.call echo"])
	assert.True(t, names["vat.dispatch echo"])
}

func TestHealthEndpoint(t *testing.T) {
	n := newTestVat(t, nil)
	resp, err := http.Get("http://" + n.Self().HostPort() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
