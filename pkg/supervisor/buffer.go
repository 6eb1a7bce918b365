package supervisor

import "sync"

// DefaultBufferMax caps each output buffer at 100 000 characters.
const DefaultBufferMax = 100_000

// outputBuffer is a head-truncated text buffer: appends past the cap drop
// the oldest content so the tail is always retained.
type outputBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newOutputBuffer(max int) *outputBuffer {
	if max <= 0 {
		max = DefaultBufferMax
	}
	return &outputBuffer{max: max}
}

func (b *outputBuffer) Append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, chunk...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
