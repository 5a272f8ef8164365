package session

import "sync"

// chunkBuffer collects device buffers in arrival order
type chunkBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
}

func (b *chunkBuffer) append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

// concat joins every chunk received so far into one buffer
func (b *chunkBuffer) concat() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

func (b *chunkBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
