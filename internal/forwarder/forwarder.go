// Package forwarder implements the request forwarder: the
// HTTP handler behind /forward/v1/{deviceKey}/{rest...} that turns an
// inbound HTTP request into a forward frame, parks the response, and
// waits for it to be resolved. The JSON-error-body and status-code shape
// follow the internal/admin/http.go writeJSON convention;
// request-id allocation with bounded retry is new, grounded on
// the forwarding path's explicit rejection-and-retry design.
package forwarder

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlgate/ctrlgate/internal/controller"
	"github.com/ctrlgate/ctrlgate/internal/logging"
	"github.com/ctrlgate/ctrlgate/internal/observability"
	"github.com/ctrlgate/ctrlgate/internal/rawheader"
	"github.com/ctrlgate/ctrlgate/internal/registry"
	"github.com/ctrlgate/ctrlgate/internal/wire"
)

// MaxBodyBytes is the 1 MiB request-body cap. A reverse proxy in front of
// this handler may also enforce it, but the handler guards it directly
// too since it is the last line before the body reaches the wire codec.
const MaxBodyBytes = 1 << 20

// maxIDAttempts bounds the request-id collision retry loop before giving
// up with a 503.
const maxIDAttempts = 32

// Handler serves /forward/v1/{deviceKey}/{rest...}.
type Handler struct {
	Registry *registry.Registry
	Logger   logging.Logger
}

// New constructs a forwarder Handler.
func New(reg *registry.Registry, logger logging.Logger) *Handler {
	return &Handler{
		Registry: reg,
		Logger:   logger.With(logging.Fields{"component": "forwarder"}),
	}
}

// ServeHTTP implements the forwarding procedure. It is registered
// against the Go 1.22+ ServeMux pattern "/forward/v1/{deviceKey}/{rest...}"
// plus a bare "/forward/v1/{deviceKey}" pattern that redirects to the
// trailing-slash form.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceKey := r.PathValue("deviceKey")
	if deviceKey == "" {
		writeJSONError(w, http.StatusUnauthorized, "No device key was specified or an invalid format was used.")
		observability.ForwardsTotal.WithLabelValues("no_key").Inc()
		return
	}

	sessionAny := h.Registry.Lookup(deviceKey)
	session, ok := sessionAny.(*controller.Session)
	if !ok || session == nil {
		writeJSONError(w, http.StatusNotFound, "Specified device does not exist or is not connected.")
		observability.ForwardsTotal.WithLabelValues("no_device").Inc()
		return
	}

	path := forwardedPath(r, deviceKey)

	body, err := readBoundedBody(r)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body exceeds the maximum allowed size.")
		observability.ForwardsTotal.WithLabelValues("body_too_large").Inc()
		return
	}

	logContext := uuid.NewString()
	id, pending, reserved := h.reserveRequestID(session, w, logContext)
	if !reserved {
		writeJSONError(w, http.StatusServiceUnavailable, "The device has too many in-flight requests; try again later.")
		observability.ForwardsTotal.WithLabelValues("id_exhausted").Inc()
		return
	}

	frame := wire.ForwardFrame{
		ID:          id,
		Method:      r.Method,
		Path:        path,
		HTTPVersion: httpVersionOf(r),
		Header:      requestHeaderFields(r),
		Body:        body,
	}

	h.Logger.Debug("forwarding request to device", logging.Fields{
		"request_id": logContext,
		"device_key": deviceKey,
		"method":     r.Method,
		"path":       path,
	})

	if err := session.SendForward(frame); err != nil {
		session.Cancel(id)
		writeJSONError(w, http.StatusBadGateway, "Failed to deliver the request to the device.")
		observability.ForwardsTotal.WithLabelValues("send_failed").Inc()
		return
	}

	start := time.Now()
	select {
	case <-pending.Done():
		h.Logger.Debug("forward resolved", logging.Fields{"request_id": logContext})
	case <-r.Context().Done():
		session.Cancel(id)
		h.Logger.Debug("forward cancelled: client disconnected", logging.Fields{"request_id": logContext})
	}
	observability.ForwardDurationSeconds.Observe(time.Since(start).Seconds())
}

// reserveRequestID draws random ids and atomically reserves the first one
// not already present in session's pending table, retrying on collision.
func (h *Handler) reserveRequestID(session *controller.Session, w http.ResponseWriter, logContext string) (wire.RequestID, *controller.PendingResponse, bool) {
	for i := 0; i < maxIDAttempts; i++ {
		id := wire.NewRandomRequestID()
		pending := controller.NewPendingResponse(id, w, logContext)
		if session.TryReserve(id, pending) {
			return id, pending, true
		}
	}
	return "", nil, false
}

func forwardedPath(r *http.Request, deviceKey string) string {
	prefix := "/forward/v1/" + deviceKey
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	if r.URL.RawQuery != "" {
		rest += "?" + r.URL.RawQuery
	}
	return rest
}

func httpVersionOf(r *http.Request) string {
	if r.ProtoMajor == 2 {
		return "2"
	}
	if r.ProtoMinor == 0 {
		return "1.0"
	}
	return "1.1"
}

// requestHeaderFields returns r's headers in their original wire order
// and casing when that is recoverable, falling back to headerFields
// otherwise. HTTP/2 requests never carry a recoverable raw header block
// (see internal/rawheader's package doc comment), so they go straight to
// the fallback.
func requestHeaderFields(r *http.Request) []wire.HeaderField {
	if r.ProtoMajor != 2 {
		if raw, ok := rawheader.FromContext(r.Context()); ok {
			fields := make([]wire.HeaderField, 0, len(raw))
			for _, f := range raw {
				fields = append(fields, wire.HeaderField{Name: f.Name, Value: f.Value})
			}
			return fields
		}
	}
	return headerFields(r.Header)
}

// headerFields flattens an http.Header into wire.HeaderField, sorted by
// canonicalized name for determinism: map iteration order is randomized
// per-run, and this path is only reached when the original wire order
// could not be recovered (HTTP/2, or a raw capture miss), so it cannot
// reconstruct true wire order or casing either. requestHeaderFields is
// the primary path and should be preferred wherever a *http.Request is
// available.
func headerFields(h http.Header) []wire.HeaderField {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]wire.HeaderField, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			fields = append(fields, wire.HeaderField{Name: name, Value: v})
		}
	}
	return fields
}

func readBoundedBody(r *http.Request) ([]byte, error) {
	limited := io.LimitReader(r.Body, MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

var errBodyTooLarge = errors.New("forwarder: request body exceeds maximum size")

type jsonErrorBody struct {
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonErrorBody{Message: message})
}

// RedirectTrailingSlash implements the ALL /forward/v1/:deviceKey → 301
// redirect for a bare device key with no trailing path.
func RedirectTrailingSlash(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
}
