// Package rawheader recovers the exact order and casing of an incoming
// HTTP/1.1 request's header block, which net/http's own parser discards
// by the time a handler sees *http.Request: header names are
// canonicalized (textproto.CanonicalMIMEHeaderKey), and http.Header's
// map representation has no ordering guarantee across distinct names.
//
// There is no ecosystem library for this narrow need, and no public
// net/http API exposes the wire-level header bytes, so capture happens
// one layer below the parser: a net.Listener wrapper tees raw bytes off
// each connection's Read calls, and a pair of documented http.Server
// extension points — ConnState and ConnContext — carry the captured
// blocks into request context in the same order the server parses
// requests off that connection.
//
// HTTP/2 connections are left alone: once ALPN (or the h2c preface)
// hands a connection to the http2 package, net/http stops driving its
// own per-request read loop for it, so the StateIdle transitions this
// package re-arms capture on never line up with streams, and RFC 7540 §8.1.2
// already mandates lowercase header names, so there is nothing to
// recover. Callers should skip FromContext for ProtoMajor == 2 requests
// entirely.
package rawheader

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
)

type ctxKey struct{}

// maxHeaderBlock bounds how many bytes of a connection's stream are
// scanned for the blank-line header terminator before giving up on the
// current request; matches net/http's own default header size limit.
const maxHeaderBlock = http.DefaultMaxHeaderBytes

// Field is one raw header line, in its original wire order and casing.
type Field struct {
	Name  string
	Value string
}

// Conn wraps a net.Conn accepted from a Listener, teeing bytes read off
// it so the header block of each HTTP/1.1 request on it can be
// recovered.
type Conn struct {
	net.Conn

	mu       sync.Mutex
	armed    bool
	disabled bool
	partial  []byte
	queue    [][]Field
}

// Listener wraps a net.Listener so every accepted connection is
// capture-aware. Pass the result to http.Server.Serve in place of the
// bare listener.
type Listener struct {
	net.Listener
}

// Wrap returns l wrapped for header capture.
func Wrap(l net.Listener) *Listener {
	return &Listener{Listener: l}
}

// Accept wraps each accepted connection in a *Conn, armed for its first
// request's header block.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, armed: true}, nil
}

// Read tees bytes read off the underlying connection into the capture
// state machine before returning them to the caller untouched.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.observe(p[:n])
	}
	return n, err
}

// observe feeds freshly read bytes into the capture state machine.
// While armed, bytes accumulate in partial until a "\r\n\r\n" header
// terminator is found; everything up to it is parsed into a Field
// slice, queued, and capture disarms until Arm is called again for the
// next request.
func (c *Conn) observe(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled || !c.armed {
		return
	}

	if len(c.partial) == 0 && looksLikeNonHTTP1(p) {
		// A TLS handshake record or an HTTP/2 connection preface: the
		// bytes on this connection are not a plaintext HTTP/1.1 request
		// stream, so disarm and stop scanning for good rather than
		// accumulate bytes that can never form a valid header block.
		c.disabled = true
		c.armed = false
		return
	}

	c.partial = append(c.partial, p...)
	if len(c.partial) > maxHeaderBlock {
		// The header block never terminated within budget; net/http
		// will itself reject this request, so stop holding the buffer.
		c.armed = false
		c.partial = nil
		return
	}

	idx := bytes.Index(c.partial, []byte("\r\n\r\n"))
	if idx < 0 {
		return
	}

	block := c.partial[:idx]
	c.queue = append(c.queue, parseHeaderBlock(block))
	c.armed = false
	c.partial = nil
}

// looksLikeNonHTTP1 reports whether the first bytes of a connection are
// a TLS handshake record (0x16) or the HTTP/2 client connection preface,
// neither of which is an HTTP/1.1 request line.
func looksLikeNonHTTP1(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	if p[0] == 0x16 {
		return true
	}
	return bytes.HasPrefix(p, []byte("PRI * HTTP/2.0"))
}

// Arm tells conn that the next bytes read off it begin a new request's
// header block. The first request is armed by Listener.Accept; the
// gateway's http.Server.ConnState hook calls this on every transition to
// http.StateIdle, which fires once a request has been handled (its body
// consumed) and the connection waits for the next keep-alive request.
func (c *Conn) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return
	}
	c.armed = true
	c.partial = nil
}

// Dequeue pops the oldest captured header block, if any. Requests on a
// single connection are parsed and handled strictly in order by
// net/http, so the queue's FIFO order always matches the order handlers
// are invoked in.
func (c *Conn) Dequeue() ([]Field, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	block := c.queue[0]
	c.queue = c.queue[1:]
	return block, true
}

// parseHeaderBlock splits a raw "METHOD path HTTP/ver\r\nName: value\r\n..."
// block into ordered Fields, skipping the request line itself.
func parseHeaderBlock(block []byte) []Field {
	lines := strings.Split(string(block), "\r\n")
	fields := make([]Field, 0, len(lines))
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields = append(fields, Field{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return fields
}

// ConnState is an http.Server.ConnState hook. Install it so capture is
// re-armed at every keep-alive request boundary (http.StateIdle),
// keeping Dequeue lined up with the request net/http parses next.
func ConnState(conn net.Conn, state http.ConnState) {
	if state != http.StateIdle {
		return
	}
	if c, ok := conn.(*Conn); ok {
		c.Arm()
	}
}

// ConnContext is an http.Server.ConnContext hook. Install it so the
// *Conn backing a request is reachable from that request's context via
// FromContext.
func ConnContext(ctx context.Context, conn net.Conn) context.Context {
	if c, ok := conn.(*Conn); ok {
		return context.WithValue(ctx, ctxKey{}, c)
	}
	return ctx
}

// FromContext returns the raw header block captured for the request
// that produced ctx, if the connection serving it was wrapped with
// Listener and a block was successfully captured for it. Callers should
// not call this for HTTP/2 requests: see the package doc comment.
func FromContext(ctx context.Context) ([]Field, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Conn)
	if !ok {
		return nil, false
	}
	return c.Dequeue()
}
