package wire

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	forwardTag  = "FWD: "
	responseTag = "RES: "
	crlf        = "\r\n"
	crlfcrlf    = "\r\n\r\n"
)

// EncodeForwardFrame renders a ForwardFrame in the wire format the
// controller socket expects:
//
//	FWD: <requestId>\r\n<METHOD> <path> HTTP/<httpVersion>\r\n<Header>: <Value>\r\n...\r\n\r\n<body>
//
// Header order and names are emitted exactly as given — callers are
// responsible for preserving the order of the originating HTTP request.
func EncodeForwardFrame(f ForwardFrame) []byte {
	var buf bytes.Buffer
	buf.WriteString(forwardTag)
	buf.WriteString(string(f.ID))
	buf.WriteString(crlf)
	buf.WriteString(f.Method)
	buf.WriteByte(' ')
	buf.WriteString(f.Path)
	buf.WriteString(" HTTP/")
	buf.WriteString(f.HTTPVersion)
	buf.WriteString(crlf)
	for _, h := range f.Header {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString(crlf)
	}
	buf.WriteString(crlf)
	buf.Write(f.Body)
	return buf.Bytes()
}

// ParseForwardFrame decodes a forward frame produced by EncodeForwardFrame.
// It is used by controller-side agents; the gateway itself only encodes
// forward frames, but a defensive decoder is provided so a controller
// implementation and the round-trip tests share one codec.
func ParseForwardFrame(data []byte) (*ForwardFrame, error) {
	if !bytes.HasPrefix(data, []byte(forwardTag)) {
		return nil, fmt.Errorf("wire: forward frame missing %q tag", forwardTag)
	}
	rest := data[len(forwardTag):]

	headerEnd := bytes.Index(rest, []byte(crlfcrlf))
	if headerEnd < 0 {
		return nil, fmt.Errorf("wire: forward frame missing header terminator")
	}
	head := rest[:headerEnd]
	body := rest[headerEnd+len(crlfcrlf):]

	if !utf8.Valid(head) {
		return nil, fmt.Errorf("wire: forward frame header is not valid UTF-8")
	}

	lines := strings.Split(string(head), crlf)
	if len(lines) < 2 {
		return nil, fmt.Errorf("wire: forward frame header too short")
	}

	id := lines[0]
	if !ValidRequestID(id) {
		return nil, fmt.Errorf("wire: forward frame has malformed request id %q", id)
	}

	reqLineParts := strings.SplitN(lines[1], " ", 3)
	if len(reqLineParts) != 3 {
		return nil, fmt.Errorf("wire: forward frame has malformed request line %q", lines[1])
	}
	method := reqLineParts[0]
	path := reqLineParts[1]
	httpVersion := strings.TrimPrefix(reqLineParts[2], "HTTP/")

	headers := make([]HeaderField, 0, len(lines)-2)
	for _, line := range lines[2:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("wire: forward frame has malformed header line %q", line)
		}
		headers = append(headers, HeaderField{Name: name, Value: value})
	}

	return &ForwardFrame{
		ID:          RequestID(id),
		Method:      method,
		Path:        path,
		HTTPVersion: httpVersion,
		Header:      headers,
		Body:        append([]byte(nil), body...),
	}, nil
}

// EncodeResponseFrame renders a response frame:
//
//	RES: <requestId>\n<body>
//
// The body is opaque bytes and is never re-parsed or UTF-8 validated.
func EncodeResponseFrame(f ResponseFrame) []byte {
	var buf bytes.Buffer
	buf.WriteString(responseTag)
	buf.WriteString(string(f.ID))
	buf.WriteByte('\n')
	buf.Write(f.Body)
	return buf.Bytes()
}

// DecodeResponseFrame parses a response frame delivered as one or more
// fragments (a single []byte, or several that must be concatenated before
// parsing — the codec never assumes its caller already joined them).
//
// The header portion ("RES: <id>") is validated as UTF-8 before the id
// shape is checked; the body after the first '\n' is treated as opaque
// bytes and is never UTF-8 validated or re-parsed, so a body containing
// "RES: 0000\n" round-trips unmodified.
func DecodeResponseFrame(parts ...[]byte) (ResponseFrame, error) {
	var data []byte
	if len(parts) == 1 {
		data = parts[0]
	} else {
		var buf bytes.Buffer
		for _, p := range parts {
			buf.Write(p)
		}
		data = buf.Bytes()
	}

	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return ResponseFrame{}, fmt.Errorf("wire: response frame missing line terminator")
	}
	head := data[:nl]
	body := data[nl+1:]

	// A bare CR before the LF is tolerated defensively even though the
	// format is specified with a single '\n' terminator.
	head = bytes.TrimSuffix(head, []byte("\r"))

	if !utf8.Valid(head) {
		return ResponseFrame{}, fmt.Errorf("wire: response frame header is not valid UTF-8")
	}

	headStr := string(head)
	if !strings.HasPrefix(headStr, responseTag) {
		return ResponseFrame{}, fmt.Errorf("wire: response frame missing %q tag", responseTag)
	}
	id := strings.TrimPrefix(headStr, responseTag)
	if !ValidRequestID(id) {
		return ResponseFrame{}, fmt.Errorf("wire: response frame has malformed request id %q", id)
	}

	return ResponseFrame{
		ID:   RequestID(id),
		Body: append([]byte(nil), body...),
	}, nil
}
