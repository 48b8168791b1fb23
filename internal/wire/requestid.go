package wire

import (
	"fmt"
	"math/rand/v2"
)

// NewRandomRequestID draws a RequestID uniformly from 0x0000..0xffff. The
// top-level math/rand/v2 functions are safe for concurrent use, matching
// how forwarders across different controller sessions call this
// concurrently.
func NewRandomRequestID() RequestID {
	return RequestID(fmt.Sprintf("%04x", rand.N(uint32(0x10000))))
}
