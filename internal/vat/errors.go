package vat

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrConnection matches every *ConnectionError.
var ErrConnection = errors.New("vat connection failed")

var (
	// ErrUnknownVat means the endpoint is reachable but hosts a different vat,
	// typically because the process behind a stale address restarted.
	ErrUnknownVat = errors.New("unknown vat")
	// ErrNoSuchCapability means the token was never exported or was revoked.
	ErrNoSuchCapability = errors.New("no such capability")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrBadRequest       = errors.New("bad request")
	ErrSessionClosed    = errors.New("session closed")
)

// Wire error kinds.
const (
	KindUnknownVat    = "unknown_vat"
	KindNoSuchCap     = "no_such_capability"
	KindUnknownMethod = "unknown_method"
	KindBadRequest    = "bad_request"
	KindSessionClosed = "session_closed"
	KindInternal      = "internal"
)

// ConnectionError reports a failure to reach a peer: refused, unreachable,
// wrong vat or a protocol mismatch. Callers do not distinguish the cases.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnection) hold for any ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// RemoteError is a failure reported by the vat that served a call.
type RemoteError struct {
	Method  string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Unwrap returns the sentinel registered for the error kind, if any, so
// errors.Is works across the wire.
func (e *RemoteError) Unwrap() error {
	return kindSentinel(e.Kind)
}

type errorKind struct {
	kind     string
	sentinel error
	status   int
}

var (
	kindsMu sync.RWMutex
	kinds   = []errorKind{
		{KindUnknownVat, ErrUnknownVat, http.StatusNotFound},
		{KindNoSuchCap, ErrNoSuchCapability, http.StatusNotFound},
		{KindUnknownMethod, ErrUnknownMethod, http.StatusNotFound},
		{KindBadRequest, ErrBadRequest, http.StatusBadRequest},
		{KindSessionClosed, ErrSessionClosed, http.StatusConflict},
	}
)

// RegisterErrorKind associates a sentinel error with a wire kind. Servers
// report errors matching sentinel under kind; clients unwrap kind back to
// sentinel. Call it from package init.
func RegisterErrorKind(kind string, sentinel error, status int) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	for i, k := range kinds {
		if k.kind == kind {
			kinds[i] = errorKind{kind, sentinel, status}
			return
		}
	}
	kinds = append(kinds, errorKind{kind, sentinel, status})
}

func kindSentinel(kind string) error {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for _, k := range kinds {
		if k.kind == kind {
			return k.sentinel
		}
	}
	return nil
}

// classify maps a handler error to its wire kind and HTTP status.
func classify(err error) (string, int) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind, k.status
		}
	}
	return KindInternal, http.StatusInternalServerError
}
