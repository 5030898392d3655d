// Package pushbuf implements the push buffer: a circular array of
// command words written by the CPU and fetched by the engine. It works
// slightly differently to the sync queue; fence == pos means the
// buffer is full, not empty, so one slot is permanently reserved.
package pushbuf

import (
	"fmt"

	"github.com/c35s/host1x/dma"
	"github.com/c35s/host1x/opcode"
)

// DefaultSlots is the default number of two-word slots.
const DefaultSlots = 512

// A Buffer is one channel's push buffer, mapped into the device
// address space for its lifetime. Cursors are byte offsets, as the
// engine's fetch pointer is. No locking: all mutation happens under
// the owning channel's lock.
type Buffer struct {
	space *dma.Space
	words []uint32
	addr  dma.Addr

	size  uint32 // bytes
	pos   uint32 // next write
	fence uint32 // consumed up to, as last known by the CPU
}

// New allocates and maps a buffer of the given slot count, which must
// be a power of two. One extra word past the ring holds a RESTART
// opcode so the engine wraps back to the start.
func New(space *dma.Space, slots int) (*Buffer, error) {
	if slots <= 0 || slots&(slots-1) != 0 {
		return nil, fmt.Errorf("pushbuf: slot count %d is not a power of two", slots)
	}

	b := &Buffer{
		space: space,
		words: make([]uint32, slots*2+1),
		size:  uint32(slots * 8),
	}

	addr, err := space.Map(b.words)
	if err != nil {
		return nil, err
	}

	b.addr = addr
	b.words[slots*2] = opcode.Restart<<28 | uint32(addr)>>4
	b.fence = b.size - 8
	b.pos = 0

	return b, nil
}

// Destroy unmaps the buffer. The channel must be stopped first.
func (b *Buffer) Destroy() {
	b.space.Unmap(b.addr)
	b.words = nil
}

// Push appends one two-word slot. The caller must have checked Space:
// pushing into a full buffer would overwrite unconsumed commands.
func (b *Buffer) Push(op1, op2 uint32) {
	if b.pos == b.fence {
		panic("pushbuf: push into a full buffer")
	}

	w := b.pos / 4
	b.words[w] = op1
	b.words[w+1] = op2
	b.pos = (b.pos + 8) & (b.size - 1)
}

// Pop reclaims slots the engine has provably consumed. It only moves
// the fence; the write position is untouched.
func (b *Buffer) Pop(slots int) {
	b.fence = (b.fence + uint32(slots)*8) & (b.size - 1)
}

// Space returns the number of free slots: the slots from the write
// position up to but not including the fence slot, which stays
// reserved.
func (b *Buffer) Space() int {
	return int(((b.fence - b.pos) & (b.size - 1)) / 8)
}

// Consumed counts the whole slots strictly between the fence slot and
// a fetch position, i.e. how many slots the engine has provably moved
// past since the fence was last advanced.
func Consumed(fence, get, size uint32) int {
	return int(((get - (fence + 8)) & (size - 1)) / 8)
}

// Fill overwrites n slots starting at the byte offset start. Timeout
// recovery uses it to NOP out the remains of a stuck job before
// restarting the engine.
func (b *Buffer) Fill(start uint32, n int, op1, op2 uint32) {
	for i := 0; i < n; i++ {
		w := ((start + uint32(i)*8) & (b.size - 1)) / 4
		b.words[w] = op1
		b.words[w+1] = op2
	}
}

// Addr returns the buffer's device base address.
func (b *Buffer) Addr() dma.Addr {
	return b.addr
}

// Pos returns the write cursor as a byte offset.
func (b *Buffer) Pos() uint32 {
	return b.pos
}

// Fence returns the consumption cursor as a byte offset.
func (b *Buffer) Fence() uint32 {
	return b.fence
}

// Size returns the ring size in bytes.
func (b *Buffer) Size() uint32 {
	return b.size
}

// SetPos rewinds the write cursor. Only the abort path uses it, to
// discard pushes the engine has never been told about.
func (b *Buffer) SetPos(pos uint32) {
	b.pos = pos
}
