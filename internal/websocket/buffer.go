package websocket

// Buffer accumulates incoming bytes. Decoded frames are consumed from the
// front; consumed space is reclaimed when the buffer next grows.
type Buffer struct {
	buf []byte
	off int
}

func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Bytes returns the unconsumed bytes. The slice is valid until the next
// Append.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:]
}

func (b *Buffer) Append(p []byte) {
	if b.off > 0 && len(b.buf)+len(p) > cap(b.buf) {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	b.buf = append(b.buf, p...)
}

// Consume drops n bytes from the front.
func (b *Buffer) Consume(n int) {
	b.off += n
	if b.off >= len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// tail returns spare capacity at the end of the buffer, growing it to at
// least min bytes, so reads can land in place.
func (b *Buffer) tail(min int) []byte {
	if cap(b.buf)-len(b.buf) < min {
		if b.off > 0 {
			n := copy(b.buf, b.buf[b.off:])
			b.buf = b.buf[:n]
			b.off = 0
		}
		if cap(b.buf)-len(b.buf) < min {
			grown := make([]byte, len(b.buf), 2*cap(b.buf)+min)
			copy(grown, b.buf)
			b.buf = grown
		}
	}
	return b.buf[len(b.buf):cap(b.buf)]
}

// commit marks n bytes written into the slice returned by tail.
func (b *Buffer) commit(n int) {
	b.buf = b.buf[:len(b.buf)+n]
}
