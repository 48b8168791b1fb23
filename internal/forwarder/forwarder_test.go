package forwarder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ctrlgate/ctrlgate/internal/logging"
	"github.com/ctrlgate/ctrlgate/internal/registry"
	"github.com/ctrlgate/ctrlgate/internal/wire"
)

func testLogger() logging.Logger {
	return logging.NewStdJSONLogger("test", logging.SilentLevel)
}

func TestServeHTTPMissingDeviceKeyReturns401(t *testing.T) {
	h := New(registry.New(), testLogger())
	req := httptest.NewRequest(http.MethodGet, "/forward/v1//x", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusUnauthorized)
	}
	var body jsonErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Message != "No device key was specified or an invalid format was used." {
		t.Errorf("unexpected message: %q", body.Message)
	}
}

func TestServeHTTPUnknownDeviceReturns404(t *testing.T) {
	h := New(registry.New(), testLogger())
	req := httptest.NewRequest(http.MethodGet, "/forward/v1/nosuch/status", nil)
	req.SetPathValue("deviceKey", "nosuch")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusNotFound)
	}
	var body jsonErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Message != "Specified device does not exist or is not connected." {
		t.Errorf("unexpected message: %q", body.Message)
	}
}

func TestForwardedPathDefaultsToRoot(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/forward/v1/dev1", nil)
	if got := forwardedPath(r, "dev1"); got != "/" {
		t.Errorf("got %q want %q", got, "/")
	}
}

func TestForwardedPathStripsPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/forward/v1/dev1/status/deep", nil)
	if got := forwardedPath(r, "dev1"); got != "/status/deep" {
		t.Errorf("got %q want %q", got, "/status/deep")
	}
}

func TestForwardedPathPreservesQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/forward/v1/dev1/status?x=1", nil)
	if got := forwardedPath(r, "dev1"); got != "/status?x=1" {
		t.Errorf("got %q want %q", got, "/status?x=1")
	}
}

func TestHTTPVersionOf(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.ProtoMajor, r1.ProtoMinor = 1, 1
	if got := httpVersionOf(r1); got != "1.1" {
		t.Errorf("1.1: got %q", got)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.ProtoMajor, r2.ProtoMinor = 1, 0
	if got := httpVersionOf(r2); got != "1.0" {
		t.Errorf("1.0: got %q", got)
	}

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.ProtoMajor = 2
	if got := httpVersionOf(r3); got != "2" {
		t.Errorf("2: got %q", got)
	}
}

func TestHeaderFieldsPreservesMultiValue(t *testing.T) {
	h := http.Header{}
	h.Add("X-Foo", "a")
	h.Add("X-Foo", "b")

	fields := headerFields(h)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
}

func TestHeaderFieldsIsDeterministicAcrossNames(t *testing.T) {
	h := http.Header{}
	h.Set("X-Zebra", "1")
	h.Set("Accept", "*/*")
	h.Set("X-Apple", "2")

	want := []wire.HeaderField{
		{Name: "Accept", Value: "*/*"},
		{Name: "X-Apple", Value: "2"},
		{Name: "X-Zebra", Value: "1"},
	}
	for i := 0; i < 5; i++ {
		got := headerFields(h)
		if len(got) != len(want) {
			t.Fatalf("run %d: field count got %d want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("run %d: field %d got %+v want %+v", i, j, got[j], want[j])
			}
		}
	}
}

func TestRequestHeaderFieldsFallsBackWithoutCapturedContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept", "*/*")

	fields := requestHeaderFields(r)
	if len(fields) != 1 || fields[0].Name != "Accept" {
		t.Fatalf("got %+v", fields)
	}
}

func TestRedirectTrailingSlash(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/forward/v1/dev1", nil)
	rec := httptest.NewRecorder()

	RedirectTrailingSlash(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusMovedPermanently)
	}
	if loc := rec.Header().Get("Location"); loc != "/forward/v1/dev1/" {
		t.Errorf("location: got %q", loc)
	}
}
