// Package syncpt implements syncpoints: monotonically increasing
// 32-bit counters the engine increments as command streams complete.
// A syncpoint's live value together with a threshold is the only
// completion and ordering primitive in the system.
package syncpt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNoSyncpts = errors.New("syncpt: all syncpoints are in use")

// A Table owns a fixed set of syncpoints shared by every channel.
type Table struct {
	mu    sync.Mutex
	sps   map[uint32]*Syncpoint
	n     uint32
	watch chan struct{}
}

// NewTable returns a table of n syncpoints, all free.
func NewTable(n int) *Table {
	return &Table{
		sps:   make(map[uint32]*Syncpoint),
		n:     uint32(n),
		watch: make(chan struct{}, 1),
	}
}

// Request allocates a free syncpoint.
func (t *Table) Request() (*Syncpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := uint32(0); id < t.n; id++ {
		if _, ok := t.sps[id]; !ok {
			sp := &Syncpoint{id: id, table: t}
			t.sps[id] = sp
			return sp, nil
		}
	}

	return nil, fmt.Errorf("%w: %d allocated", ErrNoSyncpts, t.n)
}

// Release returns sp to the table. Outstanding fences are signaled so
// waiters can't hang on a counter that will never move again.
func (t *Table) Release(sp *Syncpoint) {
	sp.mu.Lock()
	for _, f := range sp.fences {
		close(f.done)
	}

	sp.fences = nil
	sp.mu.Unlock()

	t.mu.Lock()
	delete(t.sps, sp.id)
	t.mu.Unlock()
}

// Get returns the allocated syncpoint with the given ID, or nil.
func (t *Table) Get(id uint32) *Syncpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sps[id]
}

// Watch returns a channel that receives after any syncpoint in the
// table is incremented. Notifications are coalesced: one receive may
// cover many increments.
func (t *Table) Watch() <-chan struct{} {
	return t.watch
}

func (t *Table) notify() {
	select {
	case t.watch <- struct{}{}:
	default:
	}
}

// A Syncpoint is one hardware counter. The live value only ever
// increases; max tracks the highest value reserved by submitted work.
type Syncpoint struct {
	id    uint32
	table *Table

	mu     sync.Mutex
	value  uint32
	max    uint32
	fences []*Fence
}

// ID returns the syncpoint's stable identifier.
func (s *Syncpoint) ID() uint32 {
	return s.id
}

// Load returns the live value.
func (s *Syncpoint) Load() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.value
}

// Max returns the highest reserved value.
func (s *Syncpoint) Max() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.max
}

// IsExpired reports whether the live value has reached or passed
// thresh, accounting for wraparound.
func (s *Syncpoint) IsExpired(thresh uint32) bool {
	return Expired(s.Load(), thresh)
}

// Expired is the wraparound-safe "value has reached thresh" test.
func Expired(value, thresh uint32) bool {
	return int32(value-thresh) >= 0
}

// IncrMax reserves the next n increments and returns the new max.
// A submission's completion threshold is the value returned here.
func (s *Syncpoint) IncrMax(n uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.max += n
	return s.max
}

// Incr is the hardware increment path: the engine calls it when an
// INCR_SYNCPT condition is met.
func (s *Syncpoint) Incr() {
	s.incr()
}

// CPUIncr issues one increment without any engine involvement. It
// exists for timeout recovery, which synthesizes the completion of a
// stuck job; keeping it separate from Incr keeps real and synthetic
// completions distinguishable.
func (s *Syncpoint) CPUIncr() {
	s.incr()
}

// Sync forces the live value forward to the reserved max. Used when a
// submission is aborted after reserving increments that no work will
// ever perform.
func (s *Syncpoint) Sync() {
	s.mu.Lock()
	s.value = s.max
	s.signalLocked()
	s.mu.Unlock()

	s.table.notify()
}

// Wait blocks until the syncpoint reaches thresh or ctx is done.
func (s *Syncpoint) Wait(ctx context.Context, thresh uint32) error {
	f := s.NewFence(thresh)

	select {
	case <-f.Done():
		return nil

	case <-ctx.Done():
		f.cancel()
		return ctx.Err()
	}
}

func (s *Syncpoint) incr() {
	s.mu.Lock()
	s.value++
	if int32(s.value-s.max) > 0 {
		s.max = s.value
	}

	s.signalLocked()
	s.mu.Unlock()

	s.table.notify()
}

func (s *Syncpoint) signalLocked() {
	live := s.fences[:0]
	for _, f := range s.fences {
		if Expired(s.value, f.thresh) {
			close(f.done)
			continue
		}

		live = append(live, f)
	}

	s.fences = live
}
