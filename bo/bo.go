// Package bo defines the buffer-object contract jobs submit against.
// Buffer objects are opaque to the engine: it only pins them for
// device access and maps them for CPU-side patching.
package bo

import (
	"sync"

	"github.com/c35s/host1x/dma"
)

// An Object is a command or data buffer referenced by a job.
type Object interface {

	// Size returns the buffer size in bytes.
	Size() int

	// Pin maps the buffer for device access and returns its device
	// address. Pins nest: the mapping is released when every Pin has
	// been matched by an Unpin.
	Pin() (dma.Addr, error)

	// Unpin releases one pin. Unpinning a buffer that isn't pinned is
	// a programming error.
	Unpin()

	// Mmap returns a CPU view of the buffer as words. The slice
	// aliases the buffer: stores are visible to the device once the
	// buffer is pinned.
	Mmap() []uint32
}

// Mem is a RAM-backed buffer object.
type Mem struct {
	mu    sync.Mutex
	space *dma.Space
	words []uint32
	addr  dma.Addr
	pins  int
}

// NewMem allocates a buffer of the given word count, pinnable into
// space.
func NewMem(space *dma.Space, words int) *Mem {
	return &Mem{
		space: space,
		words: make([]uint32, words),
	}
}

func (m *Mem) Size() int {
	return len(m.words) * 4
}

func (m *Mem) Pin() (dma.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pins == 0 {
		addr, err := m.space.Map(m.words)
		if err != nil {
			return 0, err
		}

		m.addr = addr
	}

	m.pins++
	return m.addr, nil
}

func (m *Mem) Unpin() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pins == 0 {
		panic("bo: unpin without pin")
	}

	if m.pins--; m.pins == 0 {
		m.space.Unmap(m.addr)
		m.addr = 0
	}
}

func (m *Mem) Mmap() []uint32 {
	return m.words
}
