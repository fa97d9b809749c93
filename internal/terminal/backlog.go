package terminal

import "sync"

// Backlog is a thread-safe circular buffer holding the tail of a shell's
// output. New attachments are seeded with its contents so a reconnecting
// client sees recent terminal state instead of a blank screen.
type Backlog struct {
	data []byte
	size int
	head int
	tail int
	full bool
	mu   sync.Mutex
}

// NewBacklog creates a circular buffer of the given capacity
func NewBacklog(size int) *Backlog {
	return &Backlog{data: make([]byte, size), size: size}
}

// Write appends data, evicting the oldest bytes once full
func (b *Backlog) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		b.data[b.tail] = c
		b.tail = (b.tail + 1) % b.size
		if b.full {
			b.head = b.tail
		} else if b.tail == b.head {
			b.full = true
		}
	}
	return len(p), nil
}

// Bytes returns a copy of the buffered output, oldest first
func (b *Backlog) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full && b.head == b.tail {
		return nil
	}
	if b.full {
		out := make([]byte, b.size)
		n := copy(out, b.data[b.head:])
		copy(out[n:], b.data[:b.tail])
		return out
	}

	out := make([]byte, b.tail-b.head)
	copy(out, b.data[b.head:b.tail])
	return out
}
