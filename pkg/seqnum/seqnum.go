// Package seqnum implements the wrap-safe sequence number arithmetic that
// every other layer of the protocol builds on: ordering, the in-flight send
// buffer, and the 33-slot ack window.
package seqnum

// Number is a 16-bit sequence number, counted modulo 2^16 per direction.
type Number = uint16

const half Number = 1 << 15

// GreaterThan reports whether a is newer than b under wraparound, bisecting
// the sequence space at the halfway point as RFC 1982-style comparisons do.
func GreaterThan(a, b Number) bool {
	return (a > b && a-b <= half) || (a < b && b-a > half)
}

// LessThan reports whether a is older than b under wraparound.
func LessThan(a, b Number) bool {
	return GreaterThan(b, a)
}
