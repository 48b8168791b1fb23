package wire

import (
	"bytes"
	"testing"
)

func TestForwardFrameRoundTrip(t *testing.T) {
	f := ForwardFrame{
		ID:          "a1b2",
		Method:      "POST",
		Path:        "/status",
		HTTPVersion: "1.1",
		Header: []HeaderField{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "X-Trace-Id", Value: "abc123"},
		},
		Body: []byte("hello"),
	}

	encoded := EncodeForwardFrame(f)
	want := "FWD: a1b2\r\nPOST /status HTTP/1.1\r\nContent-Type: text/plain\r\nX-Trace-Id: abc123\r\n\r\nhello"
	if string(encoded) != want {
		t.Fatalf("encoded frame mismatch:\ngot:  %q\nwant: %q", encoded, want)
	}

	decoded, err := ParseForwardFrame(encoded)
	if err != nil {
		t.Fatalf("ParseForwardFrame: %v", err)
	}
	if decoded.ID != f.ID {
		t.Errorf("id: got %q want %q", decoded.ID, f.ID)
	}
	if decoded.Method != f.Method {
		t.Errorf("method: got %q want %q", decoded.Method, f.Method)
	}
	if decoded.Path != f.Path {
		t.Errorf("path: got %q want %q", decoded.Path, f.Path)
	}
	if len(decoded.Header) != len(f.Header) {
		t.Fatalf("header count: got %d want %d", len(decoded.Header), len(f.Header))
	}
	for i := range f.Header {
		if decoded.Header[i] != f.Header[i] {
			t.Errorf("header[%d]: got %+v want %+v", i, decoded.Header[i], f.Header[i])
		}
	}
	if !bytes.Equal(decoded.Body, f.Body) {
		t.Errorf("body: got %q want %q", decoded.Body, f.Body)
	}
}

func TestForwardFrameEmptyBody(t *testing.T) {
	f := ForwardFrame{ID: "0000", Method: "GET", Path: "/", HTTPVersion: "1.1"}
	encoded := EncodeForwardFrame(f)
	decoded, err := ParseForwardFrame(encoded)
	if err != nil {
		t.Fatalf("ParseForwardFrame: %v", err)
	}
	if len(decoded.Body) != 0 {
		t.Errorf("expected empty body, got %q", decoded.Body)
	}
}

func TestResponseFrameRoundTrip(t *testing.T) {
	f := ResponseFrame{ID: "ffff", Body: []byte("OK")}
	encoded := EncodeResponseFrame(f)
	if string(encoded) != "RES: ffff\nOK" {
		t.Fatalf("unexpected encoding: %q", encoded)
	}

	decoded, err := DecodeResponseFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeResponseFrame: %v", err)
	}
	if decoded.ID != f.ID {
		t.Errorf("id: got %q want %q", decoded.ID, f.ID)
	}
	if !bytes.Equal(decoded.Body, f.Body) {
		t.Errorf("body: got %q want %q", decoded.Body, f.Body)
	}
}

func TestResponseFrameBodyContainingFrameLikeBytes(t *testing.T) {
	// A body containing something that looks like another response frame
	// must be delivered unmodified — the codec never re-parses the body.
	body := []byte("RES: 0000\nmore data")
	f := ResponseFrame{ID: "1234", Body: body}
	encoded := EncodeResponseFrame(f)

	decoded, err := DecodeResponseFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeResponseFrame: %v", err)
	}
	if !bytes.Equal(decoded.Body, body) {
		t.Errorf("body: got %q want %q", decoded.Body, body)
	}
}

func TestResponseFrameFragmentedInput(t *testing.T) {
	whole := EncodeResponseFrame(ResponseFrame{ID: "0042", Body: []byte("hello world")})
	// Split into arbitrary fragments as if delivered as a fragmented
	// byte-buffer list.
	fragments := [][]byte{whole[:5], whole[5:9], whole[9:]}

	decoded, err := DecodeResponseFrame(fragments...)
	if err != nil {
		t.Fatalf("DecodeResponseFrame: %v", err)
	}
	if decoded.ID != "0042" {
		t.Errorf("id: got %q want %q", decoded.ID, "0042")
	}
	if string(decoded.Body) != "hello world" {
		t.Errorf("body: got %q want %q", decoded.Body, "hello world")
	}
}

func TestResponseFrameInvalidIDShape(t *testing.T) {
	_, err := DecodeResponseFrame([]byte("RES: zzzz\nbody"))
	if err == nil {
		t.Fatal("expected error for malformed request id")
	}
}

func TestResponseFrameInvalidUTF8Header(t *testing.T) {
	// Invalid UTF-8 in the header portion must be rejected even though the
	// id shape (if it could be extracted) would otherwise be valid.
	bad := append([]byte("RES: 00"), 0xff, 0xfe)
	bad = append(bad, "00\nbody"...)
	_, err := DecodeResponseFrame(bad)
	if err == nil {
		t.Fatal("expected error for invalid UTF-8 header")
	}
}

func TestResponseFrameMissingTag(t *testing.T) {
	_, err := DecodeResponseFrame([]byte("garbage\nbody"))
	if err == nil {
		t.Fatal("expected error for missing RES: tag")
	}
}

func TestValidRequestIDExtremes(t *testing.T) {
	for _, id := range []string{"0000", "ffff", "a1b2"} {
		if !ValidRequestID(id) {
			t.Errorf("expected %q to be a valid request id", id)
		}
	}
	for _, id := range []string{"zzzz", "ABCD", "123", "12345", ""} {
		if ValidRequestID(id) {
			t.Errorf("expected %q to be rejected", id)
		}
	}
}

func TestNewRandomRequestIDShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewRandomRequestID()
		if !ValidRequestID(string(id)) {
			t.Fatalf("generated request id %q does not match wire shape", id)
		}
	}
}
