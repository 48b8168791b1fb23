package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/ctrlgate/ctrlgate/internal/acme"
	"github.com/ctrlgate/ctrlgate/internal/admin"
	"github.com/ctrlgate/ctrlgate/internal/auth"
	_ "github.com/ctrlgate/ctrlgate/internal/auth/sqlplugin"
	_ "github.com/ctrlgate/ctrlgate/internal/auth/staticplugin"
	"github.com/ctrlgate/ctrlgate/internal/config"
	"github.com/ctrlgate/ctrlgate/internal/gateway"
	"github.com/ctrlgate/ctrlgate/internal/gatewayhttp"
	"github.com/ctrlgate/ctrlgate/internal/httpx"
	"github.com/ctrlgate/ctrlgate/internal/logging"
	"github.com/ctrlgate/ctrlgate/internal/observability"
)

func main() {
	logger := logging.NewStdJSONLogger("gateway", logging.InfoLevel)

	// 1. Load gateway settings (.env + environment).
	cfg, err := config.LoadGatewayConfigFromEnv()
	if err != nil {
		logger.Error("failed to load gateway config from env", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	logger = logging.NewStdJSONLogger("gateway", logging.ParseLevel(cfg.LogLevel))

	logger.Info("ctrlgate starting", logging.Fields{
		"http_port":      cfg.HTTPPort,
		"websocket_port": cfg.WebSocketPort,
		"auth_plugin":    cfg.AuthPlugin,
		"acme_enable":    cfg.ACMEEnable,
	})

	// 2. Initialize the authentication plugin. A plugin that fails to
	// initialize is a fatal startup error, not a runtime condition.
	plugin, err := auth.New(cfg.AuthPlugin)
	if err != nil {
		logger.Error("unknown authentication plugin", logging.Fields{"plugin": cfg.AuthPlugin, "error": err.Error()})
		os.Exit(1)
	}
	ctx := context.Background()
	if err := plugin.Init(ctx, logger); err != nil {
		logger.Error("authentication plugin failed to initialize", logging.Fields{"plugin": cfg.AuthPlugin, "error": err.Error()})
		os.Exit(1)
	}

	// 3. Register Prometheus metrics.
	observability.MustRegister()

	// 4. Build the device-key admin plane, if an admin key is configured.
	var adminHandler *admin.Handler
	var adminDB *sql.DB
	if cfg.AdminAPIKey != "" {
		if cfg.MySQLConnURL == "" || cfg.MySQLTable == "" {
			logger.Error("ADMIN_API_KEY is set but MYSQL_CONNECTION_URL/MYSQL_TABLE are not", nil)
			os.Exit(1)
		}
		adminDB, err = sql.Open("mysql", cfg.MySQLConnURL)
		if err != nil {
			logger.Error("failed to open admin database connection", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = adminDB.PingContext(pingCtx)
		cancel()
		if err != nil {
			logger.Error("failed to ping admin database", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}

		svc := admin.NewSQLDeviceService(logger, adminDB, cfg.MySQLTable)
		adminHandler = admin.NewHandler(logger, cfg.AdminAPIKey, svc)
		logger.Info("device-key admin plane enabled", logging.Fields{"table": cfg.MySQLTable})
	} else {
		logger.Warn("ADMIN_API_KEY not set, device-key admin plane is disabled", nil)
	}

	// 5. Build the gateway object and its two HTTP surfaces.
	g := gateway.New(plugin, logger)
	publicHandler := httpx.CORS(g.PublicMux(adminHandler))
	socketHandler := g.SocketMux()

	httpAddr := config.BindAddr(cfg.Host, cfg.HTTPPort, ":3000")
	wsAddr := config.BindAddr(cfg.Host, cfg.WebSocketPort, ":8080")

	httpServer := gatewayhttp.New(httpAddr, publicHandler)
	socketServer := gatewayhttp.New(wsAddr, socketHandler)

	// 6. Optional automatic TLS for the forward-facing HTTP surface.
	// gatewayhttp.New already primed a non-nil httpServer.TLSConfig via
	// http2.ConfigureServer (for "h2" ALPN), so TLS-vs-plaintext is
	// tracked with its own flag rather than a TLSConfig nil check.
	tlsEnabled := false
	if cfg.ACMEEnable {
		manager, err := acme.NewManager(acme.Config{
			Enable:            true,
			Domain:            cfg.ACMEDomain,
			Email:             cfg.ACMEEmail,
			DirectoryURL:      cfg.ACMEDirectoryURL,
			HTTPChallengeAddr: cfg.ACMEHTTPChallenge,
		}, logger)
		if err != nil {
			logger.Error("failed to build acme manager", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
		// http2.ConfigureServer (inside gatewayhttp.New) already primed
		// httpServer.TLSConfig with the "h2" ALPN protocol; only the
		// certificate source is swapped in here so HTTP/2 negotiation
		// still works over the ACME/self-signed certificate.
		acmeTLS := manager.TLSConfig()
		httpServer.TLSConfig.Certificates = acmeTLS.Certificates
		httpServer.TLSConfig.GetCertificate = acmeTLS.GetCertificate
		tlsEnabled = true
	}

	// 7. Bind both listen addresses synchronously, before any goroutine
	// starts: a bind failure here is a fatal startup error exactly like
	// the plugin/admin-db failures above, and must exit(1) the same way
	// rather than surface later as an indistinguishable runtime listener
	// failure on errCh.
	httpLn, err := gatewayhttp.Listen(httpAddr)
	if err != nil {
		logger.Error("failed to bind forward-facing http listener", logging.Fields{"addr": httpAddr, "error": err.Error()})
		os.Exit(1)
	}
	wsLn, err := gatewayhttp.Listen(wsAddr)
	if err != nil {
		logger.Error("failed to bind controller socket listener", logging.Fields{"addr": wsAddr, "error": err.Error()})
		_ = httpLn.Close()
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("forward-facing http listener starting", logging.Fields{"addr": httpAddr, "tls": tlsEnabled})
		var err error
		if tlsEnabled {
			err = gatewayhttp.ServeTLS(httpServer, httpLn, "", "")
		} else {
			err = gatewayhttp.Serve(httpServer, httpLn)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("controller socket listener starting", logging.Fields{"addr": wsAddr})
		if err := socketServer.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Wait for a shutdown signal or a listener failure. A signal is a
	// clean shutdown (exit 0); a listener failure after startup is still
	// an operational fault, so it drains the same way but exits nonzero.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	drain := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = socketServer.Shutdown(shutdownCtx)
		if adminDB != nil {
			_ = adminDB.Close()
		}
	}

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.Fields{"signal": sig.String()})
		drain()
		logger.Info("ctrlgate stopped", nil)
	case err := <-errCh:
		logger.Error("listener failed", logging.Fields{"error": err.Error()})
		drain()
		os.Exit(1)
	}
}
