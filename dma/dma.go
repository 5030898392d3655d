// Package dma models the device-visible address space that buffer
// objects and push buffers are mapped into. The fetch engine resolves
// addresses through a Space the same way real hardware goes through
// the IOMMU.
package dma

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Addr is a device-visible byte address. Addresses are word-aligned.
type Addr uint32

// Base is the first mappable address. Address 0 is never valid.
const Base Addr = 0x1000

var (
	ErrNoSpace = errors.New("dma: address space exhausted")
	ErrBadAddr = errors.New("dma: address is not mapped")
)

// A Space is a fixed-size device address space. Map and Unmap
// correspond to pinning and unpinning a buffer for device access.
type Space struct {
	mu   sync.Mutex
	size uint32
	segs []seg // sorted by addr
}

type seg struct {
	addr  Addr
	words []uint32
}

// NewSpace returns a Space covering size bytes above Base.
func NewSpace(size int) *Space {
	return &Space{size: uint32(size)}
}

// Map makes words visible to the device and returns their base
// address. The returned mapping aliases words: CPU stores are seen by
// subsequent Resolve calls, as with coherent DMA memory.
func (s *Space) Map(words []uint32) (Addr, error) {
	n := uint32(len(words) * 4)

	s.mu.Lock()
	defer s.mu.Unlock()

	addr := Base
	for _, sg := range s.segs {
		if uint32(sg.addr)-uint32(addr) >= n {
			break
		}

		addr = sg.addr + Addr(len(sg.words)*4)
	}

	if uint32(addr)+n > uint32(Base)+s.size {
		return 0, fmt.Errorf("%w: %d bytes", ErrNoSpace, n)
	}

	s.segs = append(s.segs, seg{addr: addr, words: words})
	sort.Slice(s.segs, func(i, j int) bool {
		return s.segs[i].addr < s.segs[j].addr
	})

	return addr, nil
}

// Resolve returns the n words mapped at addr. The slice aliases the
// mapped memory. Resolve fails if [addr, addr+4n) isn't contained in
// a single mapping.
func (s *Space) Resolve(addr Addr, n int) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sg := range s.segs {
		end := sg.addr + Addr(len(sg.words)*4)
		if addr >= sg.addr && addr < end {
			off := int(addr-sg.addr) / 4
			if off+n > len(sg.words) {
				return nil, fmt.Errorf("%w: %#x+%d crosses mapping end %#x",
					ErrBadAddr, addr, n*4, end)
			}

			return sg.words[off : off+n], nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrBadAddr, addr)
}

// Unmap removes the mapping at addr. Unmapping an unknown address is
// a no-op.
func (s *Space) Unmap(addr Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sg := range s.segs {
		if sg.addr == addr {
			s.segs = append(s.segs[:i], s.segs[i+1:]...)
			return
		}
	}
}
