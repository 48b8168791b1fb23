package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlgate/ctrlgate/internal/auth"
	"github.com/ctrlgate/ctrlgate/internal/logging"
	"github.com/ctrlgate/ctrlgate/internal/registry"
)

// fakePlugin is a minimal auth.Plugin whose ValidateKey outcome is fixed
// per test, covering the auth-error and auth-denied branches Admit has to
// handle without pulling in a real SQL or static backend.
type fakePlugin struct {
	valid bool
	err   error
}

func (f *fakePlugin) Init(context.Context, logging.Logger) error { return nil }

func (f *fakePlugin) ValidateKey(context.Context, string) (bool, error) {
	return f.valid, f.err
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// admitResult is what the server-side handler reports back after running
// Admit against the just-upgraded connection.
type admitResult struct {
	session *Session
	err     error
}

// newAdmitServer starts an httptest server whose only handler upgrades the
// connection and runs Admit(deviceKey, reg, plugin) against it, reporting
// the outcome on the returned channel. The caller is responsible for
// dialing it and, on a successful admission, tearing the returned Session
// down.
func newAdmitServer(t *testing.T, deviceKey string, reg *registry.Registry, plugin auth.Plugin) (*httptest.Server, <-chan admitResult) {
	t.Helper()
	results := make(chan admitResult, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			results <- admitResult{err: err}
			return
		}
		session, err := Admit(r.Context(), conn, deviceKey, reg, plugin, logging.NewStdJSONLogger("test", logging.SilentLevel))
		results <- admitResult{session: session, err: err}
	}))
	return srv, results
}

func dialAdmitServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readResultOrTimeout(t *testing.T, results <-chan admitResult) admitResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Admit never returned")
		return admitResult{}
	}
}

func expectErrFrame(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(data) != want {
		t.Fatalf("got %q want %q", data, want)
	}
}

func TestAdmitRejectsMissingDeviceKey(t *testing.T) {
	reg := registry.New()
	srv, results := newAdmitServer(t, "", reg, &fakePlugin{valid: true})
	defer srv.Close()

	conn := dialAdmitServer(t, srv)
	defer conn.Close()

	expectErrFrame(t, conn, "ERR: deviceKey was not properly specified.")

	result := readResultOrTimeout(t, results)
	if result.err == nil {
		t.Fatal("expected an AdmissionError")
	}
	if result.session != nil {
		t.Fatal("expected no session on rejection")
	}
}

func TestAdmitRejectsDuplicateDeviceKey(t *testing.T) {
	reg := registry.New()
	reg.TryInsert("dev1", "incumbent-session-placeholder")

	srv, results := newAdmitServer(t, "dev1", reg, &fakePlugin{valid: true})
	defer srv.Close()

	conn := dialAdmitServer(t, srv)
	defer conn.Close()

	expectErrFrame(t, conn, "ERR: A controller with this device key is already connected.")

	result := readResultOrTimeout(t, results)
	if result.err == nil {
		t.Fatal("expected an AdmissionError")
	}
	if result.session != nil {
		t.Fatal("expected no session on rejection")
	}
}

func TestAdmitRejectsOnAuthPluginError(t *testing.T) {
	reg := registry.New()
	srv, results := newAdmitServer(t, "dev1", reg, &fakePlugin{err: errors.New("boom")})
	defer srv.Close()

	conn := dialAdmitServer(t, srv)
	defer conn.Close()

	expectErrFrame(t, conn, "ERR: Error validating device key.")

	result := readResultOrTimeout(t, results)
	if result.err == nil {
		t.Fatal("expected an AdmissionError")
	}
	if reg.Lookup("dev1") != nil {
		t.Fatal("expected no registration on auth error")
	}
}

func TestAdmitRejectsOnAuthDenied(t *testing.T) {
	reg := registry.New()
	srv, results := newAdmitServer(t, "dev1", reg, &fakePlugin{valid: false})
	defer srv.Close()

	conn := dialAdmitServer(t, srv)
	defer conn.Close()

	expectErrFrame(t, conn, "ERR: Invalid device key.")

	result := readResultOrTimeout(t, results)
	if result.err == nil {
		t.Fatal("expected an AdmissionError")
	}
	if reg.Lookup("dev1") != nil {
		t.Fatal("expected no registration on auth denial")
	}
}

func TestAdmitSucceedsAndRegisters(t *testing.T) {
	reg := registry.New()
	srv, results := newAdmitServer(t, "dev1", reg, &fakePlugin{valid: true})
	defer srv.Close()

	conn := dialAdmitServer(t, srv)
	defer conn.Close()

	result := readResultOrTimeout(t, results)
	if result.err != nil {
		t.Fatalf("unexpected error: %v", result.err)
	}
	if result.session == nil {
		t.Fatal("expected a session")
	}
	if result.session.DeviceKey() != "dev1" {
		t.Fatalf("device key: got %q want %q", result.session.DeviceKey(), "dev1")
	}
	if reg.Lookup("dev1") != result.session {
		t.Fatal("expected the session to be registered under dev1")
	}

	result.session.Teardown()
	if reg.Lookup("dev1") != nil {
		t.Fatal("expected teardown to remove the registration")
	}
}
