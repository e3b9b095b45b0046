// Package vat is quarry's peer network transport: one listening endpoint per
// process, a table of capabilities exported from it, and outbound channels
// to other processes.
//
// # Vats and capabilities
//
// Every process owns exactly one vat. Listen binds its endpoint and mints a
// vat id; together with the advertised host and port that forms the
// process's address.PeerAddress. Objects become reachable by exporting
// them, which yields a CapRef: the vat's address plus a random token.
// Possessing a CapRef is both necessary and sufficient to call the object.
// There is no other access check.
//
// Each vat may have one bootstrap object, reachable under BootstrapToken by
// anyone who can reach the vat. It is the entry point a newly connected
// peer uses to reach the vat's top-level API.
//
// # Wire protocol
//
// Everything is JSON over HTTP/1.1:
//
//	POST /vat/{vat}/session               open a channel session (streamed)
//	POST /vat/{vat}/cap/{token}/{method}  invoke a method
//	GET  /health                          liveness
//
// A call answers {"result": ...} or {"error": {"kind": ..., "message": ...}}.
// Error kinds registered with RegisterErrorKind unwrap to their sentinel on
// the calling side, so errors.Is works across processes.
//
// # Channels and sessions
//
// Connect opens a session stream to a peer. The server writes a hello line
// followed by periodic heartbeats; the stream lasting is what keeps the
// channel alive. Calls made through a Channel carry its session id, so the
// serving vat can find the session with SessionFromContext and register
// OnClose hooks. That is the disconnect signal the master registry uses to
// drop machines. A stream that stalls for three heartbeat intervals is
// reaped.
//
// # Concurrency
//
// Every inbound call runs on its own goroutine and every outbound call is an
// independent HTTP request, so a hung peer only stalls the calls waiting on
// it. Calls issued sequentially by one goroutine arrive in order; there is
// no ordering across goroutines or channels. Cancelling a call's context is
// the only way to abandon it.
package vat
