// Package job describes one channel submission: the command-buffer
// gathers to fetch, the relocations to patch into them, the
// waitchecks the stream declares, and the syncpoint increments it
// must perform. A job owns the pinning of every buffer it references
// for as long as it sits on a channel's sync queue.
package job

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c35s/host1x/bo"
	"github.com/c35s/host1x/dma"
	"github.com/c35s/host1x/syncpt"
	"github.com/rs/xid"
)

var (
	ErrNotPinned = errors.New("job: buffer could not be pinned")
)

// A Gather is one region of a command buffer submitted by the job.
type Gather struct {
	BO     bo.Object
	Offset uint32 // bytes, word-aligned
	Words  uint32
	Class  uint32

	// set during Prepare: the device address and offset of the stream
	// the engine will actually fetch. With the firewall enabled this
	// points into the validated copy, not the original buffer.
	base    dma.Addr
	cpyOff  uint32
	handled bool
}

// Base returns the device address of the gather's fetchable stream.
// Valid only after Prepare.
func (g *Gather) Base() dma.Addr {
	return g.base + dma.Addr(g.cpyOff)
}

// A Reloc patches a device address into a command stream word before
// submission.
type Reloc struct {
	CmdbufBO     bo.Object
	CmdbufOffset uint32 // byte offset of the word to patch
	TargetBO     bo.Object
	TargetOffset uint32
	Shift        uint32
}

// A WaitChk declares a WAIT_SYNCPT the stream is allowed to contain,
// at an exact position.
type WaitChk struct {
	BO       bo.Object
	Offset   uint32 // byte offset of the wait operand
	SyncptID uint32
	Thresh   uint32
}

// Config describes a new job.
type Config struct {

	// Syncpt is the syncpoint the job's completion is tracked on.
	Syncpt *syncpt.Syncpoint

	// Incrs is the number of syncpoint increments the stream performs.
	Incrs uint32

	// Class is the hardware class the stream starts in.
	Class uint32

	// Timeout bounds the job's execution once submitted. Zero disables
	// timeout tracking.
	Timeout time.Duration

	// Serialize forces a wait for the previous job before this one
	// starts.
	Serialize bool

	// AddrSpace is where the validated stream copy is mapped.
	AddrSpace *dma.Space

	// IsAddrReg reports whether a register holds a device address and
	// so must be backed by a relocation. Supplied by the client.
	IsAddrReg func(class, reg uint32) bool

	// IsValidClass reports whether the stream may select a class. If
	// nil, only Class itself is legal.
	IsValidClass func(class uint32) bool

	// Syncpts are the client's syncpoints; the stream may only
	// increment these.
	Syncpts []*syncpt.Syncpoint

	Log *slog.Logger
}

// A Job is reference-counted: the submitter and the channel's sync
// queue each hold a reference. The last Put must happen only after
// Unpin.
type Job struct {
	ID string

	Syncpt    *syncpt.Syncpoint
	Incrs     uint32
	SyncptEnd uint32
	Class     uint32
	Timeout   time.Duration
	Serialize bool

	// FirstGet and NumSlots record the push-buffer region occupied by
	// the job's commands, for reclamation after completion.
	FirstGet uint32
	NumSlots int

	cfg      Config
	gathers  []*Gather
	relocs   []Reloc
	waitchks []WaitChk

	refs atomic.Int32
	pins []bo.Object

	relocAddrs []dma.Addr

	gatherCopy     []uint32
	gatherCopyAddr dma.Addr

	log *slog.Logger
}

// New returns an empty job holding one reference.
func New(cfg Config) *Job {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	j := &Job{
		ID:        xid.New().String(),
		Syncpt:    cfg.Syncpt,
		Incrs:     cfg.Incrs,
		Class:     cfg.Class,
		Timeout:   cfg.Timeout,
		Serialize: cfg.Serialize,
		cfg:       cfg,
		log:       log,
	}

	j.refs.Store(1)
	return j
}

// AddGather appends a command-buffer region to the job.
func (j *Job) AddGather(obj bo.Object, offset, words, class uint32) {
	j.gathers = append(j.gathers, &Gather{
		BO:     obj,
		Offset: offset,
		Words:  words,
		Class:  class,
	})
}

// AddReloc appends a relocation.
func (j *Job) AddReloc(r Reloc) {
	j.relocs = append(j.relocs, r)
}

// AddWaitChk appends a waitcheck declaration.
func (j *Job) AddWaitChk(w WaitChk) {
	j.waitchks = append(j.waitchks, w)
}

// Gathers returns the job's gathers in submission order.
func (j *Job) Gathers() []*Gather {
	return j.gathers
}

// Get takes a reference.
func (j *Job) Get() *Job {
	j.refs.Add(1)
	return j
}

// Put drops a reference. Dropping the last reference while buffers
// are still pinned is a contract violation: completion and abort both
// unpin before the final Put.
func (j *Job) Put() {
	if n := j.refs.Add(-1); n == 0 {
		if len(j.pins) > 0 || j.gatherCopy != nil {
			panic("job: released while still pinned")
		}
	} else if n < 0 {
		panic("job: put without get")
	}
}

// Prepare pins every referenced buffer, copies and validates the
// command streams when the firewall is enabled, and patches
// relocations. On error nothing stays pinned.
func (j *Job) Prepare(firewall, iommu bool) error {
	if err := j.pin(firewall); err != nil {
		return err
	}

	if firewall {
		if err := j.copyGathers(iommu); err != nil {
			j.Unpin()
			return err
		}
	}

	if err := j.patchRelocs(firewall); err != nil {
		j.Unpin()
		return err
	}

	return nil
}

// pin resolves device addresses for every relocation target and, when
// the firewall is disabled, every gather buffer. Partial pins are
// undone on failure.
func (j *Job) pin(firewall bool) error {
	for _, r := range j.relocs {
		addr, err := r.TargetBO.Pin()
		if err != nil {
			j.Unpin()
			return fmt.Errorf("%w: relocation target: %w", ErrNotPinned, err)
		}

		j.pins = append(j.pins, r.TargetBO)
		j.relocAddrs = append(j.relocAddrs, addr)
	}

	// the streams are copied out of the gather buffers before
	// submission, so there is no need to pin them
	if firewall {
		return nil
	}

	for _, g := range j.gathers {
		if g.handled {
			continue
		}

		addr, err := g.BO.Pin()
		if err != nil {
			j.Unpin()
			return fmt.Errorf("%w: gather: %w", ErrNotPinned, err)
		}

		j.pins = append(j.pins, g.BO)
		g.base = addr + dma.Addr(g.Offset)

		// a buffer shared by several gathers is pinned once
		for _, o := range j.gathers {
			if o != g && o.BO == g.BO && !o.handled {
				o.handled = true
				o.base = addr + dma.Addr(o.Offset)
			}
		}
	}

	return nil
}

// patchRelocs overwrites each relocation's command word with the
// pinned target address. With a validated copy in place the copy is
// patched; otherwise the original buffer's mapped words are.
func (j *Job) patchRelocs(firewall bool) error {
	for i := range j.relocs {
		r := &j.relocs[i]
		val := (uint32(j.relocAddrs[i]) + r.TargetOffset) >> r.Shift

		if firewall {
			patched := false
			for _, g := range j.gathers {
				if g.BO != r.CmdbufBO {
					continue
				}

				j.gatherCopy[g.cpyOff/4+r.CmdbufOffset/4] = val
				patched = true
				break
			}

			if !patched {
				return fmt.Errorf("job: relocation at %#x has no gather", r.CmdbufOffset)
			}

			continue
		}

		r.CmdbufBO.Mmap()[r.CmdbufOffset/4] = val
	}

	return nil
}

// Unpin releases everything Prepare pinned or mapped. It is
// idempotent: unpinning an unpinned job is a no-op. It runs exactly
// once for real on normal completion or on abort.
func (j *Job) Unpin() {
	for _, obj := range j.pins {
		obj.Unpin()
	}

	j.pins = nil
	j.relocAddrs = nil

	if j.gatherCopy != nil {
		j.cfg.AddrSpace.Unmap(j.gatherCopyAddr)
		j.gatherCopy = nil
	}
}
