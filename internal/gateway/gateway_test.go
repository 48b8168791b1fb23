package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/ctrlgate/ctrlgate/internal/logging"
)

// wsURL rewrites an httptest server's http(s):// URL to ws(s):// and
// appends path.
func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestServeSocketRejectsWrongPathOverSocket(t *testing.T) {
	g := New(nil, logging.NewStdJSONLogger("test", logging.SilentLevel))
	srv := httptest.NewServer(http.HandlerFunc(g.ServeSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/not-the-socket-path"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(data) != "ERR: invalid path." {
		t.Fatalf("got %q want %q", data, "ERR: invalid path.")
	}

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after the ERR frame")
	}
}

func TestSocketMuxRoutesArbitraryPathToServeSocket(t *testing.T) {
	g := New(nil, logging.NewStdJSONLogger("test", logging.SilentLevel))
	srv := httptest.NewServer(g.SocketMux())
	defer srv.Close()

	// A pre-fix ServeMux registered only "/socket/v1" would 404 this
	// path before the upgrade ever happened; it must now reach
	// ServeSocket and be rejected as an admission error instead.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/anything/goes/here"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(data) != "ERR: invalid path." {
		t.Fatalf("got %q want %q", data, "ERR: invalid path.")
	}
}

func TestForwardMuxRedirectsBareDeviceKey(t *testing.T) {
	g := New(nil, logging.NewStdJSONLogger("test", logging.SilentLevel))
	mux := g.ForwardMux()

	req := httptest.NewRequest(http.MethodGet, "/forward/v1/dev1", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusMovedPermanently)
	}
}

func TestForwardMuxRoutesToForwarder(t *testing.T) {
	g := New(nil, logging.NewStdJSONLogger("test", logging.SilentLevel))
	mux := g.ForwardMux()

	req := httptest.NewRequest(http.MethodGet, "/forward/v1/dev1/status", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	// No device is connected, so the forwarder must answer 404, proving
	// the request actually reached the forward handler rather than
	// falling through to a default mux response.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusNotFound)
	}
}

func TestPublicMuxServesMetrics(t *testing.T) {
	g := New(nil, logging.NewStdJSONLogger("test", logging.SilentLevel))
	mux := g.PublicMux(nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}

func TestPublicMuxWithNilAdminHandlerStillServesForward(t *testing.T) {
	g := New(nil, logging.NewStdJSONLogger("test", logging.SilentLevel))
	mux := g.PublicMux(nil)

	req := httptest.NewRequest(http.MethodGet, "/forward/v1/dev1/status", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusNotFound)
	}
}
