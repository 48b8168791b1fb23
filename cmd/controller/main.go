// The controller command is a reference implementation of the outbound
// agent the gateway expects on the other end of "/socket/v1": it dials
// the gateway, answers forwarded HTTP requests against a local target,
// and reconnects if the connection drops. It descends from a DTLS tunnel
// client's cmd/client/main.go and internal/proxy/client.go, adapted
// from DTLS + JSON-framed protocol.Request/Response to a WebSocket
// transport carrying wire.ForwardFrame/ResponseFrame.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlgate/ctrlgate/internal/config"
	"github.com/ctrlgate/ctrlgate/internal/logging"
	"github.com/ctrlgate/ctrlgate/internal/wire"
)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// maskDeviceKey shows only the first and last four characters of a device
// key in logs, mirroring the maskAPIKey helper used for client API keys.
func maskDeviceKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func main() {
	logger := logging.NewStdJSONLogger("controller", logging.InfoLevel)

	envCfg, err := config.LoadControllerConfigFromEnv()
	if err != nil {
		logger.Error("failed to load controller config from env", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	gatewayAddrFlag := flag.String("gateway-addr", "", "ctrlgate controller endpoint address (host:port)")
	deviceKeyFlag := flag.String("device-key", "", "device key to authenticate this controller")
	localTargetFlag := flag.String("local-target", "", "local HTTP target (host:port) requests are forwarded to")
	tlsFlag := flag.Bool("tls", false, "use wss:// instead of ws:// when dialing the gateway")
	flag.Parse()

	logger = logging.NewStdJSONLogger("controller", logging.ParseLevel(envCfg.LogLevel))

	gatewayAddr := firstNonEmpty(*gatewayAddrFlag, envCfg.GatewayAddr)
	deviceKey := firstNonEmpty(*deviceKeyFlag, envCfg.DeviceKey)
	localTarget := firstNonEmpty(*localTargetFlag, envCfg.LocalTarget)
	useTLS := *tlsFlag || envCfg.UseTLS

	var missing []string
	if gatewayAddr == "" {
		missing = append(missing, "gateway_addr")
	}
	if deviceKey == "" {
		missing = append(missing, "device_key")
	}
	if localTarget == "" {
		missing = append(missing, "local_target")
	}
	if len(missing) > 0 {
		logger.Error("controller config missing required fields", logging.Fields{"missing": missing})
		os.Exit(1)
	}

	logger.Info("ctrlgate controller starting", logging.Fields{
		"gateway_addr":      gatewayAddr,
		"device_key_masked": maskDeviceKey(deviceKey),
		"local_target":      localTarget,
		"tls":               useTLS,
	})

	agent := &agent{
		gatewayAddr: gatewayAddr,
		deviceKey:   deviceKey,
		localTarget: localTarget,
		useTLS:      useTLS,
		logger:      logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}

	ctx := context.Background()
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := agent.runOnce(ctx)
		if err == nil {
			logger.Info("controller session ended cleanly", nil)
		} else {
			logger.Error("controller session ended with error", logging.Fields{"error": err.Error()})
		}

		logger.Info("reconnecting to gateway", logging.Fields{"backoff": backoff.String()})
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// agent holds one controller's dial target and local-forwarding settings.
type agent struct {
	gatewayAddr string
	deviceKey   string
	localTarget string
	useTLS      bool
	logger      logging.Logger
	httpClient  *http.Client
}

// runOnce dials the gateway, serves forward frames until the connection
// drops, and returns the reason it ended.
func (a *agent) runOnce(ctx context.Context) error {
	scheme := "ws"
	if a.useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: a.gatewayAddr, Path: "/socket/v1", RawQuery: "deviceKey=" + a.deviceKey}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error { return nil })
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	a.logger.Info("connected to gateway", logging.Fields{"addr": a.gatewayAddr})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if bytes.HasPrefix(data, []byte("ERR: ")) {
			return fmt.Errorf("gateway rejected admission: %s", string(data))
		}

		frame, err := wire.ParseForwardFrame(data)
		if err != nil {
			a.logger.Warn("discarding malformed forward frame", logging.Fields{"error": err.Error()})
			continue
		}

		go a.handleForward(ctx, conn, frame)
	}
}

// handleForward performs the local HTTP request described by frame and
// writes the reply back onto conn as a response frame.
func (a *agent) handleForward(ctx context.Context, conn *websocket.Conn, frame *wire.ForwardFrame) {
	log := a.logger.With(logging.Fields{"request_id": string(frame.ID), "method": frame.Method, "path": frame.Path})
	log.Info("received forward frame", nil)

	body, err := a.forwardToLocal(ctx, frame)
	if err != nil {
		log.Error("local forward failed", logging.Fields{"error": err.Error()})
		body = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
	}

	resp := wire.EncodeResponseFrame(wire.ResponseFrame{ID: frame.ID, Body: body})
	if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
		log.Error("failed to write response frame", logging.Fields{"error": err.Error()})
	}
}

// forwardToLocal issues an HTTP request against the local target and
// serializes the raw HTTP/1.1 response line, headers, and body into a
// single buffer — the response frame's body is opaque bytes on the wire,
// so the controller is responsible for producing something the original
// caller can be handed back.
func (a *agent) forwardToLocal(ctx context.Context, frame *wire.ForwardFrame) ([]byte, error) {
	target := &url.URL{Scheme: "http", Host: a.localTarget, Path: frame.Path}
	if idx := strings.IndexByte(frame.Path, '?'); idx >= 0 {
		target.Path = frame.Path[:idx]
		target.RawQuery = frame.Path[idx+1:]
	}

	req, err := http.NewRequestWithContext(ctx, frame.Method, target.String(), bytes.NewReader(frame.Body))
	if err != nil {
		return nil, fmt.Errorf("build local request: %w", err)
	}
	for _, h := range frame.Header {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/%d.%d %s\r\n", resp.ProtoMajor, resp.ProtoMinor, resp.Status)
	for name, values := range resp.Header {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	buf.WriteString("\r\n")
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read local response body: %w", err)
	}

	return buf.Bytes(), nil
}
