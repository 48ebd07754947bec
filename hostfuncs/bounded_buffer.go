package hostfuncs

import (
	"bytes"
	"io"
)

// DefaultMaxBodySize caps response bodies returned by network.fetch (10MB).
const DefaultMaxBodySize = 10 * 1024 * 1024

// DefaultMaxRequestSize caps the payload of a single host call (1MB), so a
// plugin cannot make the host allocate arbitrary amounts.
const DefaultMaxRequestSize = 1 * 1024 * 1024

// BoundedBuffer is an io.Writer that keeps at most limit bytes and silently
// drops the rest, recording that it did.
type BoundedBuffer struct {
	buffer    bytes.Buffer
	limit     int
	Truncated bool
}

// NewBoundedBuffer creates a new BoundedBuffer with the specified limit.
func NewBoundedBuffer(limit int) *BoundedBuffer {
	return &BoundedBuffer{limit: limit}
}

// Write implements io.Writer. It always reports len(p) so io.Copy keeps
// draining the source after the limit is hit.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buffer.Len()
	if remaining <= 0 {
		b.Truncated = b.Truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.Truncated = true
		if _, err := b.buffer.Write(p[:remaining]); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return b.buffer.Write(p)
}

// ReadFrom copies r into the buffer, stopping one byte past the limit so
// truncation is detected without draining unbounded input.
func (b *BoundedBuffer) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(writerOnly{b}, io.LimitReader(r, int64(b.limit-b.buffer.Len())+1))
	return n, err
}

// writerOnly hides ReadFrom so io.Copy does not recurse.
type writerOnly struct{ io.Writer }

// String returns the buffer contents as a string.
func (b *BoundedBuffer) String() string {
	return b.buffer.String()
}

// Bytes returns the buffer contents.
func (b *BoundedBuffer) Bytes() []byte {
	return b.buffer.Bytes()
}

// Len returns the current length of the buffer.
func (b *BoundedBuffer) Len() int {
	return b.buffer.Len()
}

// Reset empties the buffer and clears Truncated.
func (b *BoundedBuffer) Reset() {
	b.buffer.Reset()
	b.Truncated = false
}
