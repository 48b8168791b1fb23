// Package gateway wires together the controller registry, auth plugin,
// admission handling, and the two HTTP surfaces (forward-facing and
// controller-socket-facing) into a single long-lived object, owned by one
// "gateway" value instantiated at startup rather than file-scoped
// mutables. The accept loop and per-connection goroutine shape are
// grounded on the cmd/server/main.go DTLS accept loop, adapted to a
// WebSocket upgrade handler since there is no long-running Accept() call
// in that model.
package gateway

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctrlgate/ctrlgate/internal/admin"
	"github.com/ctrlgate/ctrlgate/internal/auth"
	"github.com/ctrlgate/ctrlgate/internal/controller"
	"github.com/ctrlgate/ctrlgate/internal/forwarder"
	"github.com/ctrlgate/ctrlgate/internal/logging"
	"github.com/ctrlgate/ctrlgate/internal/observability"
	"github.com/ctrlgate/ctrlgate/internal/registry"
)

// Gateway owns the process-wide state of the reverse-tunnel gateway: the
// controller registry and the active auth plugin. It is created once at
// startup and lives until process exit.
type Gateway struct {
	Registry *registry.Registry
	Auth     auth.Plugin
	Logger   logging.Logger
	upgrader websocket.Upgrader
}

// New constructs a Gateway around an already-initialized auth plugin.
func New(plugin auth.Plugin, logger logging.Logger) *Gateway {
	return &Gateway{
		Registry: registry.New(),
		Auth:     plugin,
		Logger:   logger.With(logging.Fields{"component": "gateway"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The device key is bearer credential and identity together,
			// so origin checking adds nothing a stolen key doesn't
			// already defeat, and controllers are not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ForwardHandler returns the HTTP handler for the /forward/v1/ surface.
func (g *Gateway) ForwardHandler() http.Handler {
	return forwarder.New(g.Registry, g.Logger)
}

// ServeSocket upgrades r to a WebSocket connection, then runs admission:
// a path check first, exactly as the wire protocol's single endpoint
// model expects, followed by the deviceKey/registry/auth checks Admit
// performs. Both the path check and Admit reject over the now-upgraded
// socket with an ERR: frame rather than a pre-upgrade HTTP status, since
// the controller's whole admission protocol is defined in terms of
// frames exchanged after the socket exists.
func (g *Gateway) ServeSocket(w http.ResponseWriter, r *http.Request) {
	deviceKey := r.URL.Query().Get("deviceKey")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	if r.URL.Path != "/socket/v1" {
		controller.RejectInvalidPath(conn)
		observability.AdmissionsTotal.WithLabelValues("invalid_path").Inc()
		return
	}

	session, err := controller.Admit(r.Context(), conn, deviceKey, g.Registry, g.Auth, g.Logger)
	if err != nil {
		// Admit has already written the ERR: frame and closed conn.
		return
	}

	session.Serve(context.Background())
}

// SocketMux builds the ServeMux backing the controller-socket listener.
// Every path is routed to ServeSocket, which performs the path check
// itself after upgrading — the controller socket exposes one logical
// endpoint, and a ServeMux pattern restricted to "/socket/v1" would
// leave any other path dead at the routing layer, never reaching the
// admission protocol at all.
func (g *Gateway) SocketMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.ServeSocket)
	return mux
}

// ForwardMux builds the ServeMux backing the forward-facing HTTP listener,
// including a trailing-slash redirect for bare device keys.
func (g *Gateway) ForwardMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/forward/v1/{deviceKey}", forwarder.RedirectTrailingSlash)
	mux.Handle("/forward/v1/{deviceKey}/{rest...}", g.ForwardHandler())
	return mux
}

// PublicMux builds the single HTTP surface exposed on HTTP_PORT: the
// forward-facing routes plus the ambient device-key admin plane and the
// Prometheus scrape endpoint, all sharing one listener since
// GatewayConfig has no separate admin port.
func (g *Gateway) PublicMux(adminHandler *admin.Handler) *http.ServeMux {
	mux := g.ForwardMux()
	if adminHandler != nil {
		adminHandler.RegisterRoutes(mux)
	}
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
