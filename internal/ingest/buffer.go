// Package ingest collects a trace streamed by a producer over TCP and
// serves it to viewers over a websocket.
package ingest

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when a write would grow the buffer past its
// limit. The bytes that fit are kept.
var ErrBufferFull = errors.New("ingest: buffer full")

// Buffer is an append-only byte buffer with an upper bound.
type Buffer struct {
	mu   sync.RWMutex
	data []byte
	max  int64
}

// NewBuffer creates a buffer holding at most max bytes. A non-positive
// max means no limit.
func NewBuffer(max int64) *Buffer {
	return &Buffer{data: make([]byte, 0, 1<<20), max: max}
}

// Write appends p.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.max > 0 {
		if room := b.max - int64(len(b.data)); int64(n) > room {
			n = int(max(room, 0))
		}
	}
	b.data = append(b.data, p[:n]...)
	if n < len(p) {
		return n, ErrBufferFull
	}
	return n, nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Since returns a copy of the bytes from off to the end.
func (b *Buffer) Since(off int) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off < 0 || off >= len(b.data) {
		return nil
	}
	return append([]byte(nil), b.data[off:]...)
}
