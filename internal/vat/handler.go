package vat

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// hello is the first line of every session stream.
type hello struct {
	Session string `json:"session"`
	Vat     string `json:"vat"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

func (n *Network) routes() {
	n.router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	v := n.router.PathPrefix("/vat/{vat}").Subrouter()
	v.Use(n.requireVat)
	v.HandleFunc("/session", n.handleSession).Methods(http.MethodPost)
	v.HandleFunc("/cap/{token}/{method}", n.handleCall).Methods(http.MethodPost)
}

// requireVat rejects requests addressed to another vat, so that a stale
// address pointing at a restarted process fails instead of reaching
// whatever now listens on that port.
func (n *Network) requireVat(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["vat"] != n.self.VatID {
			writeError(w, KindUnknownVat, http.StatusNotFound, ErrUnknownVat.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleSession holds the session stream open and writes heartbeats until
// either side goes away.
//
// Endpoint: POST /vat/{vat}/session
func (n *Network) handleSession(w http.ResponseWriter, r *http.Request) {
	// Drain the body so the server notices when the client disconnects.
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<16))

	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		writeError(w, KindSessionClosed, http.StatusServiceUnavailable, "vat is shutting down")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, KindInternal, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s := n.sessions.open(r.RemoteAddr)
	defer n.sessions.remove(s)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set(headerSession, s.id)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(hello{Session: s.id, Vat: n.self.VatID}); err != nil {
		return
	}
	flusher.Flush()
	s.markBeat()

	rc := http.NewResponseController(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.Done():
			return
		case <-s.beat:
			_ = rc.SetWriteDeadline(time.Now().Add(n.sessions.interval))
			if _, err := io.WriteString(w, "\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			s.markBeat()
		}
	}
}

// handleCall dispatches one capability invocation.
//
// Endpoint: POST /vat/{vat}/cap/{token}/{method}
func (n *Network) handleCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token, method := vars["token"], vars["method"]

	ctx, span := n.tracer.Start(r.Context(), "vat.dispatch "+method, trace.WithAttributes(
		attribute.String("quarry.vat", n.self.VatID),
		attribute.String("quarry.method", method),
	))
	defer span.End()

	obj, ok := n.lookup(token)
	if !ok {
		n.fail(w, span, method, ErrNoSuchCapability)
		return
	}

	if id := r.Header.Get(headerSession); id != "" {
		s, ok := n.sessions.get(id)
		if !ok {
			n.fail(w, span, method, ErrSessionClosed)
			return
		}
		ctx = ContextWithSession(ctx, s)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody+1))
	if err != nil || len(body) > maxCallBody {
		n.fail(w, span, method, fmt.Errorf("%w: unreadable body", ErrBadRequest))
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}

	result, err := obj.Dispatch(ctx, method, body)
	if err != nil {
		n.fail(w, span, method, err)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		n.fail(w, span, method, fmt.Errorf("encode result: %w", err))
		return
	}
	if n.metrics != nil {
		n.metrics.RecordCall(method, nil)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{Result: raw})
}

func (n *Network) fail(w http.ResponseWriter, span trace.Span, method string, err error) {
	kind, status := classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	if n.metrics != nil {
		n.metrics.RecordCall(method, err)
	}
	if kind == KindInternal {
		slog.Warn("capability call failed", "method", method, "err", err)
	}
	writeError(w, kind, status, err.Error())
}

func writeError(w http.ResponseWriter, kind string, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &wireError{Kind: kind, Message: msg}})
}

// DecodeParams unmarshals call params into v, reporting ErrBadRequest on
// malformed input.
func DecodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// UnknownMethod is the error a Server returns for a method it does not
// implement.
func UnknownMethod(method string) error {
	return fmt.Errorf("%w %q", ErrUnknownMethod, method)
}
