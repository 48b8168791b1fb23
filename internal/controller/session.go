// Package controller implements the controller session:
// the admission handshake, the liveness ping/pong state machine, the
// per-device pending-request table, and idempotent teardown for a single
// controller's socket. The read/write pump split and ping/pong deadline
// handling are grounded on the pack's gorilla/websocket usage
// (moltbunker-moltbunker's internal/api/websocket.go); the pending-table
// and forward/response correlation are new, built on top
// of the request/response proxying shape this codebase already used
// elsewhere for local HTTP forwarding.
package controller

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlgate/ctrlgate/internal/auth"
	"github.com/ctrlgate/ctrlgate/internal/logging"
	"github.com/ctrlgate/ctrlgate/internal/observability"
	"github.com/ctrlgate/ctrlgate/internal/registry"
	"github.com/ctrlgate/ctrlgate/internal/wire"
)

const (
	livenessInterval = 10 * time.Second
	writeWait        = 5 * time.Second
	maxFrameBytes    = 1 << 20 // 1 MiB; controller replies are opaque bodies, not bounded by the forward cap
)

// livenessState is the ping/pong liveness state machine.
type livenessState int

const (
	stateAlive livenessState = iota
	stateAwaitingPong
	stateDead
)

// PendingResponse parks one forwarded HTTP request's raw response stream
// while it awaits a device reply. sink is the raw HTTP
// response writer; it is written to (and its status set) at most once,
// then the done channel is closed.
type PendingResponse struct {
	sink http.ResponseWriter
	done chan struct{}
	// requestID and logContext exist for observability only.
	requestID  wire.RequestID
	logContext string
}

// NewPendingResponse creates a pending response parked against sink, which
// must be the raw byte stream of the originating HTTP response.
func NewPendingResponse(id wire.RequestID, sink http.ResponseWriter, logContext string) *PendingResponse {
	return &PendingResponse{
		sink:       sink,
		done:       make(chan struct{}),
		requestID:  id,
		logContext: logContext,
	}
}

// Done reports the channel closed once the pending response has been
// resolved (delivered, cancelled, or torn down).
func (p *PendingResponse) Done() <-chan struct{} { return p.done }

func (p *PendingResponse) resolveDelivered(body []byte) {
	if p.sink != nil {
		_, _ = p.sink.Write(body)
		if f, ok := p.sink.(http.Flusher); ok {
			f.Flush()
		}
	}
	close(p.done)
}

func (p *PendingResponse) resolveUpstreamFailure() {
	if p.sink != nil {
		p.sink.Header().Set("Content-Type", "application/json")
		p.sink.WriteHeader(http.StatusBadGateway)
		_, _ = p.sink.Write([]byte(UpstreamFailureBody))
	}
	close(p.done)
}

// resolveCancelled is used when the HTTP client disconnected first; no
// write is attempted.
func (p *PendingResponse) resolveCancelled() {
	close(p.done)
}

// Session owns one controller socket end to end: admission has already
// happened by the time a Session exists (see Admit), so Session's job is
// serving frames, running liveness, and tearing itself down exactly once.
type Session struct {
	deviceKey string
	conn      *websocket.Conn
	registry  *registry.Registry
	logger    logging.Logger

	// writeMu serializes writes to conn: gorilla/websocket forbids
	// concurrent writers, and both the frame forwarder and the liveness
	// ticker write to the same socket.
	writeMu sync.Mutex

	// pendingMu serializes all access to pending, satisfying the
	// "appear as if running on a cooperative single-threaded executor per
	// session" contract via a per-session mutex rather than a funneled
	// channel.
	pendingMu sync.Mutex
	pending   map[wire.RequestID]*PendingResponse

	livenessMu sync.Mutex
	liveness   livenessState

	teardownOnce sync.Once
	closed       chan struct{}
}

// AdmissionError is returned by Admit when the handshake must be rejected
// with a specific ERR: frame. ErrFrame is the exact text sent back to the
// peer before closing.
type AdmissionError struct {
	Reason   string
	ErrFrame string
}

func (e *AdmissionError) Error() string { return e.Reason }

// Admit performs the full admission protocol
// against an already-upgraded websocket connection and, on success,
// returns a registered, running Session. On failure it writes the
// appropriate ERR: frame and closes conn itself; the caller has nothing
// further to do.
func Admit(ctx context.Context, conn *websocket.Conn, deviceKey string, reg *registry.Registry, plugin auth.Plugin, logger logging.Logger) (*Session, error) {
	log := logger.With(logging.Fields{"device_key": deviceKey})

	if deviceKey == "" {
		rejectAdmission(conn, "ERR: deviceKey was not properly specified.")
		observability.AdmissionsTotal.WithLabelValues("missing_key").Inc()
		return nil, &AdmissionError{Reason: "missing device key", ErrFrame: "ERR: deviceKey was not properly specified."}
	}

	if reg.Lookup(deviceKey) != nil {
		rejectAdmission(conn, "ERR: A controller with this device key is already connected.")
		observability.AdmissionsTotal.WithLabelValues("duplicate_key").Inc()
		return nil, &AdmissionError{Reason: "duplicate device key", ErrFrame: "ERR: A controller with this device key is already connected."}
	}

	ok, err := plugin.ValidateKey(ctx, deviceKey)
	if err != nil {
		log.Error("auth plugin validateKey failed", logging.Fields{"error": err.Error()})
		rejectAdmission(conn, "ERR: Error validating device key.")
		observability.AdmissionsTotal.WithLabelValues("auth_error").Inc()
		return nil, &AdmissionError{Reason: "auth plugin error", ErrFrame: "ERR: Error validating device key."}
	}
	if !ok {
		rejectAdmission(conn, "ERR: Invalid device key.")
		observability.AdmissionsTotal.WithLabelValues("auth_denied").Inc()
		return nil, &AdmissionError{Reason: "invalid device key", ErrFrame: "ERR: Invalid device key."}
	}

	s := &Session{
		deviceKey: deviceKey,
		conn:      conn,
		registry:  reg,
		logger:    log,
		pending:   make(map[wire.RequestID]*PendingResponse),
		liveness:  stateAlive,
		closed:    make(chan struct{}),
	}

	switch reg.TryInsert(deviceKey, s) {
	case registry.AlreadyPresent:
		// Lost a race against a concurrent admission for the same key
		// between the Lookup above and now.
		rejectAdmission(conn, "ERR: A controller with this device key is already connected.")
		observability.AdmissionsTotal.WithLabelValues("duplicate_key").Inc()
		return nil, &AdmissionError{Reason: "duplicate device key", ErrFrame: "ERR: A controller with this device key is already connected."}
	case registry.Inserted:
	}

	observability.AdmissionsTotal.WithLabelValues("ok").Inc()
	observability.ConnectedControllers.Set(float64(reg.Len()))
	log.Info("controller admitted", nil)
	return s, nil
}

func rejectAdmission(conn *websocket.Conn, frame string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
	_ = conn.Close()
}

// RejectInvalidPath writes the "invalid path" ERR: frame over an
// already-upgraded conn and closes it. The controller socket has a
// single endpoint, so a request that reached the WebSocket upgrade on
// any other path is rejected here, by the same admission-error frame
// mechanism Admit itself uses, rather than by a pre-upgrade HTTP status.
func RejectInvalidPath(conn *websocket.Conn) {
	rejectAdmission(conn, "ERR: invalid path.")
}

// DeviceKey returns the session's immutable device key.
func (s *Session) DeviceKey() string { return s.deviceKey }

// Serve runs the session's frame-read loop and liveness ticker until the
// socket closes or is torn down, then tears the session down. It blocks
// until the session ends.
func (s *Session) Serve(ctx context.Context) {
	livenessDone := make(chan struct{})
	go func() {
		defer close(livenessDone)
		s.runLiveness(ctx)
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetPongHandler(func(string) error {
		s.onPong()
		return nil
	})

	s.readLoop()

	s.Teardown()
	<-livenessDone
}

func (s *Session) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			s.logger.Debug("discarding binary controller frame", logging.Fields{"message_type": msgType})
			observability.DiscardedFramesTotal.WithLabelValues("binary").Inc()
			continue
		}
		s.handleInbound(data)
	}
}

// handleInbound implements the inbound-frame handling: decode, and on a
// valid response frame, look up and resolve the matching pending
// entry. This method is only ever called from readLoop, so it is
// naturally serialized with respect to itself; it takes pendingMu to
// serialize against forwarder insertions and teardown.
func (s *Session) handleInbound(data []byte) {
	frame, err := wire.DecodeResponseFrame(data)
	if err != nil {
		s.logger.Debug("discarding malformed controller frame", logging.Fields{"error": err.Error()})
		observability.DiscardedFramesTotal.WithLabelValues("malformed").Inc()
		return
	}

	s.pendingMu.Lock()
	entry, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug("discarding response for unknown request id", logging.Fields{"request_id": string(frame.ID)})
		observability.DiscardedFramesTotal.WithLabelValues("unknown_id").Inc()
		return
	}

	entry.resolveDelivered(frame.Body)
	observability.ForwardsTotal.WithLabelValues("ok").Inc()
	observability.PendingRequests.Dec()
}

// SendForward encodes and writes a forward frame to the controller
// socket. It is safe to call concurrently with itself and with the
// liveness ticker's pings.
func (s *Session) SendForward(f wire.ForwardFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, wire.EncodeForwardFrame(f))
}

// TryReserve inserts a PendingResponse under id if and only if id is not
// already present, returning false if it collides. This is the insertion
// half of the forwarder's bounded-retry allocation.
func (s *Session) TryReserve(id wire.RequestID, p *PendingResponse) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if _, exists := s.pending[id]; exists {
		return false
	}
	s.pending[id] = p
	observability.PendingRequests.Inc()
	return true
}

// Cancel drops the pending entry for id without writing to its sink, used
// when the originating HTTP client disconnects before a reply arrives.
func (s *Session) Cancel(id wire.RequestID) {
	s.pendingMu.Lock()
	entry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	if ok {
		entry.resolveCancelled()
		observability.ForwardsTotal.WithLabelValues("cancelled").Inc()
		observability.PendingRequests.Dec()
	}
}

func (s *Session) onPong() {
	s.livenessMu.Lock()
	s.liveness = stateAlive
	s.livenessMu.Unlock()
}

// runLiveness drives the ping/pong liveness state machine on a 10-second
// cadence until ctx is cancelled or the session closes.
func (s *Session) runLiveness(ctx context.Context) {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.livenessMu.Lock()
			switch s.liveness {
			case stateAlive:
				s.liveness = stateAwaitingPong
				s.livenessMu.Unlock()
				if err := s.sendPing(); err != nil {
					s.forceClose()
					return
				}
			case stateAwaitingPong:
				s.liveness = stateDead
				s.livenessMu.Unlock()
				observability.LivenessEvictionsTotal.Inc()
				s.logger.Warn("controller missed liveness pong, tearing down session", nil)
				s.forceClose()
				return
			case stateDead:
				s.livenessMu.Unlock()
				return
			}
		}
	}
}

func (s *Session) sendPing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *Session) forceClose() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Teardown is the idempotent session cleanup: stop liveness (via
// closing s.closed, observed by runLiveness), remove from the registry
// only if still the stored instance, resolve every pending entry to a 502
// upstream failure, and drop the socket. Calling it more than once is a
// no-op after the first call.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		close(s.closed)
		s.registry.Remove(s.deviceKey, s)
		observability.ConnectedControllers.Set(float64(s.registry.Len()))

		s.pendingMu.Lock()
		leftover := s.pending
		s.pending = make(map[wire.RequestID]*PendingResponse)
		s.pendingMu.Unlock()

		for _, entry := range leftover {
			entry.resolveUpstreamFailure()
			observability.ForwardsTotal.WithLabelValues("upstream_failure").Inc()
			observability.PendingRequests.Dec()
		}

		s.forceClose()
		if s.logger != nil {
			s.logger.Info("controller session torn down", logging.Fields{"resolved_pending": len(leftover)})
		}
	})
}

// UpstreamFailureBody is the short JSON body written to any HTTP response
// still parked when its session is torn down. The session tests assert on
// it directly rather than duplicating the literal.
const UpstreamFailureBody = `{"message": "The controller session ended before a reply was received."}`
