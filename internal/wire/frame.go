// Package wire implements the controller-socket frame format: forward
// frames carrying an HTTP request from the gateway to a controller, and
// response frames carrying the controller's reply back.
package wire

import "regexp"

// requestIDPattern is the exact shape a RequestID must have on the wire:
// four lowercase hex digits, nothing else.
var requestIDPattern = regexp.MustCompile(`^[0-9a-f]{4}$`)

// RequestID identifies one in-flight forwarded request within a single
// controller's pending table. It is rendered as four lowercase hex digits.
type RequestID string

// ValidRequestID reports whether s has the exact [0-9a-f]{4} shape the wire
// format requires.
func ValidRequestID(s string) bool {
	return requestIDPattern.MatchString(s)
}

// HeaderField is one header line of a forwarded request. Forward frames
// preserve the order and casing of the incoming HTTP request's headers, so
// a plain slice is used instead of a map.
type HeaderField struct {
	Name  string
	Value string
}

// ForwardFrame is a gateway-to-controller message: an HTTP request
// serialized for delivery over the controller socket.
type ForwardFrame struct {
	ID          RequestID
	Method      string
	Path        string
	HTTPVersion string
	Header      []HeaderField
	Body        []byte
}

// ResponseFrame is a controller-to-gateway message: an opaque reply body
// correlated to a ForwardFrame by RequestID.
type ResponseFrame struct {
	ID   RequestID
	Body []byte
}
