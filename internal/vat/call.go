package vat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Capability is a callable handle on an object exported by some vat.
type Capability struct {
	net     *Network
	ref     CapRef
	session string
}

// Ref returns the portable form of the capability, suitable for passing to
// another vat inside call params or results.
func (c *Capability) Ref() CapRef {
	return c.ref
}

// Call invokes method on the remote object. params is JSON-encoded; the
// call result is decoded into result unless result is nil. Call returns
// once the remote side has answered or ctx is done; it never blocks other
// calls. Calls issued one after another from the same goroutine reach the
// remote object in that order.
func (c *Capability) Call(ctx context.Context, method string, params, result any) error {
	ctx, span := c.net.tracer.Start(ctx, "vat.call "+method, trace.WithAttributes(
		attribute.String("quarry.peer", c.ref.Vat.String()),
		attribute.String("quarry.method", method),
	))
	defer span.End()

	err := c.call(ctx, method, params, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Capability) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	target := fmt.Sprintf("http://%s/vat/%s/cap/%s/%s",
		c.ref.Vat.HostPort(), c.ref.Vat.VatID, url.PathEscape(c.ref.Token), url.PathEscape(method))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.Header.Set(headerSession, c.session)
	}

	resp, err := c.net.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectionError{Addr: c.ref.Vat.String(), Err: err}
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCallBody)).Decode(&env); err != nil {
		return &ConnectionError{
			Addr: c.ref.Vat.String(),
			Err:  fmt.Errorf("protocol mismatch: status %d: %v", resp.StatusCode, err),
		}
	}
	if env.Error != nil {
		rerr := &RemoteError{Method: method, Kind: env.Error.Kind, Message: env.Error.Message}
		switch env.Error.Kind {
		case KindUnknownVat, KindSessionClosed:
			return &ConnectionError{Addr: c.ref.Vat.String(), Err: rerr}
		}
		return rerr
	}
	if resp.StatusCode >= 300 {
		return &ConnectionError{
			Addr: c.ref.Vat.String(),
			Err:  fmt.Errorf("protocol mismatch: status %d", resp.StatusCode),
		}
	}

	if result == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
