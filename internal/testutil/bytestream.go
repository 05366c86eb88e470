// Package testutil drives fuzz and model tests: it turns raw fuzz input into
// change sets over a small closed vocabulary and tracks the documents those
// change sets should produce.
package testutil

// ByteStream reads bytes sequentially from fuzz input. Once exhausted every
// read returns the zero value, so the same input always yields the same
// sequence.
type ByteStream struct {
	bytes []byte
	pos   int
}

// NewByteStream creates a stream over b.
func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextInt returns a value in [0, n).
func (s *ByteStream) NextInt(n int) int {
	if n <= 0 {
		return 0
	}

	return int(s.NextByte()) % n
}

// Pick returns one element of from.
func Pick[T any](s *ByteStream, from []T) T {
	return from[s.NextInt(len(from))]
}
