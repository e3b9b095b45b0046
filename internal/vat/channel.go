package vat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dreamware/quarry/internal/address"
)

// Channel is an outbound connection to another vat. It stays open until
// Close is called, the local vat shuts down or the remote end goes away.
type Channel struct {
	net     *Network
	peer    address.PeerAddress
	session string
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// Connect opens a channel to peer. Every failure, whether refused,
// unreachable, wrong vat or protocol mismatch, is a *ConnectionError.
// Connect does not retry.
func (n *Network) Connect(ctx context.Context, peer address.PeerAddress) (*Channel, error) {
	if err := peer.Validate(); err != nil {
		return nil, &ConnectionError{Addr: peer.String(), Err: err}
	}

	// The session request outlives ctx; ctx only bounds the handshake.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	fail := func(err error) (*Channel, error) {
		stop()
		cancel()
		return nil, &ConnectionError{Addr: peer.String(), Err: err}
	}

	url := fmt.Sprintf("http://%s/vat/%s/session", peer.HostPort(), peer.VatID)
	body, _ := json.Marshal(struct {
		From string `json:"from"`
	}{From: n.self.String()})
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fail(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var env envelope
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&env) == nil && env.Error != nil {
			return fail(&RemoteError{Method: "session", Kind: env.Error.Kind, Message: env.Error.Message})
		}
		return fail(fmt.Errorf("protocol mismatch: session status %d", resp.StatusCode))
	}

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadBytes('\n')
	if err != nil {
		resp.Body.Close()
		return fail(fmt.Errorf("read session hello: %w", err))
	}
	var h hello
	if err := json.Unmarshal(line, &h); err != nil || h.Session == "" {
		resp.Body.Close()
		return fail(errors.New("protocol mismatch: bad session hello"))
	}
	if h.Vat != peer.VatID {
		resp.Body.Close()
		return fail(fmt.Errorf("%w: expected %s, found %s", ErrUnknownVat, peer.VatID, h.Vat))
	}
	if !stop() {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionError{Addr: peer.String(), Err: ctx.Err()}
	}

	c := &Channel{
		net:     n,
		peer:    peer,
		session: h.Session,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if !n.trackChannel(c) {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionError{Addr: peer.String(), Err: errors.New("local vat closed")}
	}
	go c.watch(resp.Body, br)

	slog.Debug("channel open", "peer", peer.String(), "session", h.Session)
	return c, nil
}

// watch consumes heartbeats until the stream breaks.
func (c *Channel) watch(body io.Closer, br *bufio.Reader) {
	var err error
	for {
		if _, err = br.ReadBytes('\n'); err != nil {
			break
		}
	}
	body.Close()

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.net.untrackChannel(c)
	close(c.done)
	slog.Debug("channel closed", "peer", c.peer.String(), "session", c.session, "err", err)
}

// Peer returns the address of the remote vat.
func (c *Channel) Peer() address.PeerAddress { return c.peer }

// Session returns the id the remote vat assigned to this channel.
func (c *Channel) Session() string { return c.session }

// Done is closed when the channel has ended for any reason.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the channel ended, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the channel and waits for it to wind down.
func (c *Channel) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// Bootstrap returns the remote vat's bootstrap capability.
func (c *Channel) Bootstrap() *Capability {
	return c.Import(CapRef{Vat: c.peer, Token: BootstrapToken})
}

// Import returns a handle for ref. Calls to objects hosted by the remote
// vat of this channel are made on the channel's session.
func (c *Channel) Import(ref CapRef) *Capability {
	capability := c.net.Import(ref)
	if ref.Vat == c.peer {
		capability.session = c.session
	}
	return capability
}
