package bo

import (
	"testing"

	"github.com/c35s/host1x/dma"
)

func TestMemPinNesting(t *testing.T) {
	space := dma.NewSpace(1 << 12)
	m := NewMem(space, 4)

	a1, err := m.Pin()
	if err != nil {
		t.Fatal(err)
	}

	a2, err := m.Pin()
	if err != nil {
		t.Fatal(err)
	}

	if a1 != a2 {
		t.Fatalf("nested pin moved the buffer: %#x then %#x", a1, a2)
	}

	m.Unpin()

	// still pinned: the mapping must survive
	if _, err := space.Resolve(a1, 4); err != nil {
		t.Fatalf("mapping gone after first unpin: %v", err)
	}

	m.Unpin()

	if _, err := space.Resolve(a1, 4); err == nil {
		t.Fatal("mapping survived the last unpin")
	}
}

func TestMemUnpinWithoutPin(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("unpin without pin didn't panic")
		}
	}()

	NewMem(dma.NewSpace(1<<12), 4).Unpin()
}

func TestMemMmapAliases(t *testing.T) {
	space := dma.NewSpace(1 << 12)
	m := NewMem(space, 4)

	addr, err := m.Pin()
	if err != nil {
		t.Fatal(err)
	}

	defer m.Unpin()

	m.Mmap()[1] = 42

	words, err := space.Resolve(addr, 4)
	if err != nil {
		t.Fatal(err)
	}

	if words[1] != 42 {
		t.Fatalf("device view reads %d, should be 42", words[1])
	}
}

func TestMemSize(t *testing.T) {
	if got := NewMem(dma.NewSpace(64), 4).Size(); got != 16 {
		t.Fatalf("size is %d, should be 16", got)
	}
}
