// Package hwsim is a software model of a host1x channel's fetch
// engine. It consumes the push buffer concurrently with the driver,
// follows GATHER ops into command buffers, performs syncpoint
// increments and waits, and honors freeze/restart, which is what the
// timeout recovery path leans on. Tests and the demo binary use it in
// place of real hardware.
package hwsim

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/host1x/dma"
	"github.com/c35s/host1x/opcode"
	"github.com/c35s/host1x/pushbuf"
	"github.com/c35s/host1x/syncpt"
)

const waitPoll = 50 * time.Microsecond

var (
	errHalted   = errors.New("hwsim: halted")
	errUnderrun = errors.New("hwsim: opcode ran out of operands")
)

// Config describes a new engine.
type Config struct {

	// Space resolves device addresses, standing in for the IOMMU.
	Space *dma.Space

	// Syncpts is the shared syncpoint table the engine increments.
	Syncpts *syncpt.Table

	// Delay is an artificial per-word execution delay. Tests use it to
	// hold races open; zero means full speed.
	Delay time.Duration

	// OnWrite, if set, observes every client register write.
	OnWrite func(class, reg, val uint32)

	Log *slog.Logger
}

// An Engine executes one channel's command stream in a goroutine.
type Engine struct {
	space   *dma.Space
	table   *syncpt.Table
	delay   time.Duration
	onWrite func(class, reg, val uint32)
	log     *slog.Logger

	mu      sync.Mutex
	ring    []uint32
	base    dma.Addr
	size    uint32
	get     uint32
	put     uint32
	class   uint32
	frozen  bool
	stopped bool
	kick    chan struct{}
	parked  chan struct{}
	done    chan struct{}
}

// New returns a stopped engine. Start attaches it to a push buffer.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		space:   cfg.Space,
		table:   cfg.Syncpts,
		delay:   cfg.Delay,
		onWrite: cfg.OnWrite,
		log:     log,
		stopped: true,
	}
}

// Start begins fetching from the start of the push buffer. Nothing is
// fetchable until the first Flush.
func (e *Engine) Start(pb *pushbuf.Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stopped {
		panic("hwsim: started twice")
	}

	ring, err := e.space.Resolve(pb.Addr(), int(pb.Size()/4))
	if err != nil {
		panic(err)
	}

	e.ring = ring
	e.base = pb.Addr()
	e.size = pb.Size()
	e.get = pb.Pos()
	e.put = pb.Pos()
	e.frozen = false
	e.stopped = false
	e.kick = make(chan struct{}, 1)
	e.done = make(chan struct{})

	go e.run()
}

// Stop halts the engine and waits for its goroutine to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}

	e.stopped = true
	done := e.done
	e.mu.Unlock()

	e.wake()
	<-done
}

// Flush makes words up to the byte offset put fetchable.
func (e *Engine) Flush(put uint32) {
	e.mu.Lock()
	e.put = put & (e.size - 1)
	e.mu.Unlock()

	e.wake()
}

// FetchPos returns the current fetch offset in bytes.
func (e *Engine) FetchPos() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.get
}

// Freeze halts the command processor, aborting an in-progress
// syncpoint wait. It returns only once the engine has actually
// stopped executing: no increment lands after Freeze returns.
func (e *Engine) Freeze() {
	e.mu.Lock()

	if e.frozen || e.stopped {
		e.mu.Unlock()
		return
	}

	e.frozen = true
	parked := make(chan struct{})
	e.parked = parked
	e.mu.Unlock()

	e.wake()
	<-parked
}

// Resume re-enables the processor, discarding anything fetchable but
// not yet executed. Restart rewinds to a chosen offset afterward.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.get = e.put
	e.frozen = false
	e.mu.Unlock()

	e.wake()
}

// Restart rewinds the fetch offset to get and resumes fetching.
func (e *Engine) Restart(get uint32) {
	e.mu.Lock()
	e.get = get & (e.size - 1)
	e.frozen = false
	e.mu.Unlock()

	e.wake()
}

func (e *Engine) wake() {
	e.mu.Lock()
	kick := e.kick
	e.mu.Unlock()

	if kick == nil {
		return
	}

	select {
	case kick <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	defer e.signalParked()

	for {
		w, err := e.ringNext()
		if err == nil {
			err = e.exec(w, e.ringNext)
		}

		if err == nil {
			continue
		}

		if !errors.Is(err, errHalted) {
			e.log.Error("command stream error", "err", err)
			continue
		}

		if e.isStopped() {
			return
		}

		// Frozen: tell Freeze the halt landed, then park until
		// resumed or restarted.
		e.signalParked()
		<-e.kick
	}
}

// signalParked releases a Freeze caller waiting for the engine to
// halt.
func (e *Engine) signalParked() {
	e.mu.Lock()
	parked := e.parked
	e.parked = nil
	e.mu.Unlock()

	if parked != nil {
		close(parked)
	}
}

// ringNext blocks until a push-buffer word is fetchable, then
// consumes it. It fails with errHalted when the engine is frozen or
// stopped.
func (e *Engine) ringNext() (uint32, error) {
	for {
		e.mu.Lock()

		if e.stopped || e.frozen {
			e.mu.Unlock()
			return 0, errHalted
		}

		if e.get != e.put {
			w := e.ring[e.get/4]
			e.get = (e.get + 4) & (e.size - 1)
			e.mu.Unlock()

			if e.delay > 0 {
				time.Sleep(e.delay)
			}

			return w, nil
		}

		kick := e.kick
		e.mu.Unlock()

		<-kick
	}
}

// exec runs one opcode, pulling operands from next.
func (e *Engine) exec(w uint32, next func() (uint32, error)) error {
	switch opcode.Kind(w) {

	case opcode.SetClass:
		e.class = opcode.Class(w)
		reg := opcode.Reg(w)
		for mask := opcode.ClassMask(w); mask != 0; mask >>= 1 {
			if mask&1 != 0 {
				v, err := next()
				if err != nil {
					return err
				}

				if err := e.write(reg, v); err != nil {
					return err
				}
			}

			reg++
		}

	case opcode.Incr:
		reg := opcode.Reg(w)
		for n := opcode.Count(w); n > 0; n-- {
			v, err := next()
			if err != nil {
				return err
			}

			if err := e.write(reg, v); err != nil {
				return err
			}

			reg++
		}

	case opcode.NonIncr:
		reg := opcode.Reg(w)
		for n := opcode.Count(w); n > 0; n-- {
			v, err := next()
			if err != nil {
				return err
			}

			if err := e.write(reg, v); err != nil {
				return err
			}
		}

	case opcode.Mask:
		reg := opcode.Reg(w)
		for mask := opcode.WriteMask(w); mask != 0; mask >>= 1 {
			if mask&1 != 0 {
				v, err := next()
				if err != nil {
					return err
				}

				if err := e.write(reg, v); err != nil {
					return err
				}
			}

			reg++
		}

	case opcode.Imm:
		return e.write(opcode.ImmReg(w), w&0xffff)

	case opcode.Gather:
		addr, err := next()
		if err != nil {
			return err
		}

		words, err := e.space.Resolve(dma.Addr(addr), int(opcode.Count(w)))
		if err != nil {
			return err
		}

		i := 0
		sub := func() (uint32, error) {
			if e.isHalted() {
				return 0, errHalted
			}

			if i >= len(words) {
				return 0, errUnderrun
			}

			v := words[i]
			i++
			return v, nil
		}

		for i < len(words) {
			v, err := sub()
			if err != nil {
				return err
			}

			if err := e.exec(v, sub); err != nil {
				return err
			}
		}

	case opcode.Restart:
		e.mu.Lock()
		e.get = (uint32(dma.Addr(w&0x0fffffff)<<4) - uint32(e.base)) & (e.size - 1)
		e.mu.Unlock()

	default:
		e.log.Error("skipping unknown opcode", "word", w)
	}

	return nil
}

// write performs one register write in the current class. Syncpoint
// increments and waits execute here; anything else is a client
// register.
func (e *Engine) write(reg, val uint32) error {
	if e.isHalted() {
		return errHalted
	}

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	switch {
	case reg == opcode.RegIncrSyncpt:
		id := opcode.SyncptID(val, false)
		sp := e.table.Get(id)
		if sp == nil {
			e.log.Error("increment of unknown syncpoint", "id", id)
			return nil
		}

		sp.Incr()

	case reg == opcode.RegWaitSyncpt && e.class == opcode.ClassHost1x:
		id := opcode.SyncptID(val, true)
		thresh := opcode.WaitThresh(val)
		sp := e.table.Get(id)
		if sp == nil {
			e.log.Error("wait on unknown syncpoint", "id", id)
			return nil
		}

		for !sp.IsExpired(thresh) {
			if e.isHalted() {
				return errHalted
			}

			time.Sleep(waitPoll)
		}

	default:
		if e.onWrite != nil {
			e.onWrite(e.class, reg, val)
		}
	}

	return nil
}

func (e *Engine) isHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.stopped || e.frozen
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.stopped
}
