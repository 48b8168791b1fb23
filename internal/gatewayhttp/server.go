// Package gatewayhttp builds the *http.Server used for both the
// forward-facing HTTP surface (which also carries the admin API) and the
// controller-socket listener, ported directly from the original
// internal/proxy/server.go NewHTTPServer, which configures HTTP/2 over
// TLS via golang.org/x/net/http2 alongside the standard library server.
// New wires the server's ConnState and ConnContext hooks to
// internal/rawheader and Serve wraps the listener for it, so handlers
// downstream can recover a plaintext HTTP/1.1 request's original header
// order and casing. ServeTLS wraps the listener below TLS, where only
// encrypted records are visible, so capture switches itself off on those
// connections and handlers get no raw header block.
//
// Listen is split out from Serve/ServeTLS so a caller can bind the
// address synchronously at startup — and treat a bind failure as fatal —
// before handing the listener off to a goroutine that blocks in Serve
// for the life of the process.
package gatewayhttp

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/ctrlgate/ctrlgate/internal/rawheader"
)

// New builds an *http.Server bound to addr serving handler, with HTTP/2
// support configured in addition to HTTP/1.1.
func New(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ConnState:         rawheader.ConnState,
		ConnContext:       rawheader.ConnContext,
	}
	_ = http2.ConfigureServer(srv, &http2.Server{})
	return srv
}

// Listen binds addr for later use with Serve or ServeTLS.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Serve serves srv off of ln, wrapping it for rawheader capture. Unlike
// http.Server.ListenAndServe, it takes an already-bound listener rather
// than binding one itself, so a caller can separate a fatal bind-time
// failure (Listen's error) from a Serve-time failure.
func Serve(srv *http.Server, ln net.Listener) error {
	return srv.Serve(rawheader.Wrap(ln))
}

// ServeTLS is Serve's counterpart for a TLS-terminating srv (srv.TLSConfig
// must already be populated, as gatewayhttp.New plus ACME/certificate
// wiring does).
func ServeTLS(srv *http.Server, ln net.Listener, certFile, keyFile string) error {
	return srv.ServeTLS(rawheader.Wrap(ln), certFile, keyFile)
}
