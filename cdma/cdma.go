// Package cdma drives one channel's command DMA: it owns the push
// buffer and the sync queue of in-flight jobs, serializes job
// construction against completion bookkeeping, and recovers the
// channel when a job times out.
package cdma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/c35s/host1x/dma"
	"github.com/c35s/host1x/job"
	"github.com/c35s/host1x/opcode"
	"github.com/c35s/host1x/pushbuf"
)

// FlushPeriod is how many pushes may accumulate before pending words
// are made fetchable, so the engine can make progress without waiting
// for the whole batch.
const FlushPeriod = 8

// An Event is a blocking condition a waiter can park on. Only one
// waiter condition is tracked at a time per channel; a second waiter
// yields and retries.
type Event int

const (
	EventNone Event = iota

	// EventSyncQueueEmpty: every submitted job has completed.
	EventSyncQueueEmpty

	// EventPushBufferSpace: at least one push-buffer slot is free.
	EventPushBufferSpace
)

var (
	ErrBusy  = errors.New("cdma: channel is still running")
	ErrStuck = errors.New("cdma: channel stopped making progress")
)

// An Engine is the hardware fetch unit of one channel. It consumes
// the push buffer concurrently with CPU-side bookkeeping; the CPU
// observes it only through FetchPos and syncpoint values.
type Engine interface {

	// Start begins fetching from the start of the push buffer. Nothing
	// is fetchable until the first Flush.
	Start(pb *pushbuf.Buffer)

	// Stop halts fetching. The channel must be idle.
	Stop()

	// Flush makes words up to the byte offset put fetchable.
	Flush(put uint32)

	// FetchPos returns the engine's current fetch offset in bytes.
	FetchPos() uint32

	// Freeze halts the command processor immediately, aborting any
	// in-progress wait, and resets the client unit.
	Freeze()

	// Resume re-enables the command processor, keeping fetch stopped.
	Resume()

	// Restart rewinds the fetch offset to get and resumes fetching.
	Restart(get uint32)
}

// CDMA serializes all access to one channel's push buffer and sync
// queue. Jobs are constructed under the channel lock between Begin
// and End; the completion poller takes the same lock in Update.
type CDMA struct {
	mu  sync.Mutex
	sem chan struct{}

	pb  *pushbuf.Buffer
	eng Engine
	log *slog.Logger

	syncQueue []*job.Job
	event     Event
	running   bool

	prepared  *job.Job
	firstGet  uint32
	slotsUsed int
	lastPos   uint32

	timeout struct {
		initialized bool
		job         *job.Job
		timer       *time.Timer
	}
}

// New allocates a CDMA with a push buffer of the given slot count
// mapped into space.
func New(space *dma.Space, eng Engine, slots int, log *slog.Logger) (*CDMA, error) {
	pb, err := pushbuf.New(space, slots)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}

	return &CDMA{
		sem: make(chan struct{}, 1),
		pb:  pb,
		eng: eng,
		log: log,
	}, nil
}

// Deinit releases the push buffer. It fails if the engine is still
// running; Stop first.
func (c *CDMA) Deinit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrBusy
	}

	c.pb.Destroy()
	return nil
}

// Stop waits for the sync queue to drain, then halts the engine.
func (c *CDMA) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if _, err := c.waitLocked(ctx, EventSyncQueueEmpty); err != nil {
		return err
	}

	c.eng.Stop()
	c.running = false

	return nil
}

// PushBuffer returns the channel's push buffer. All access outside
// Begin..End is racy by construction.
func (c *CDMA) PushBuffer() *pushbuf.Buffer {
	return c.pb
}

// Begin opens a submission. It acquires the channel lock, which End
// or EndAbort releases, and ensures the engine is running.
func (c *CDMA) Begin(j *job.Job) error {
	c.mu.Lock()

	if j.Timeout > 0 && !c.timeout.initialized {
		c.timeout.initialized = true
	}

	if !c.running {
		c.eng.Start(c.pb)
		c.running = true
		c.lastPos = c.pb.Pos()
	}

	c.prepared = j
	c.slotsUsed = 0
	c.firstGet = c.pb.Pos()

	return nil
}

// Push appends one command slot, blocking if the push buffer is full.
// Must be called between Begin and End.
func (c *CDMA) Push(ctx context.Context, op1, op2 uint32) error {

	// flush periodically so the engine isn't starved mid-job
	if c.slotsUsed%FlushPeriod == 0 {
		c.flushLocked()
	}

	if c.pb.Space() == 0 {
		c.flushLocked()

		if _, err := c.waitLocked(ctx, EventPushBufferSpace); err != nil {
			return err
		}
	}

	c.slotsUsed++
	c.pb.Push(op1, op2)

	return nil
}

// End closes a submission: flushes outstanding words, records the
// job's push-buffer region, appends it to the sync queue, and starts
// the timeout timer on an idle-to-active transition. Releases the
// channel lock.
func (c *CDMA) End(j *job.Job) {
	idle := len(c.syncQueue) == 0

	c.flushLocked()
	c.prepared = nil

	j.FirstGet = c.firstGet
	j.NumSlots = c.slotsUsed
	j.Get()
	c.syncQueue = append(c.syncQueue, j)

	if j.Timeout > 0 && idle {
		c.startTimerLocked(j)
	}

	c.mu.Unlock()
}

// EndAbort discards a submission whose construction failed. The job
// may be partially executed already, so the channel is reset and the
// syncpoint force-synchronized to reach a determined state. Releases
// the channel lock.
func (c *CDMA) EndAbort(j *job.Job) {
	c.resetLocked()
	j.Syncpt.Sync()
	c.prepared = nil
	c.mu.Unlock()
}

// Wait blocks until the event's condition holds. For
// EventPushBufferSpace the returned count is the number of free
// slots.
func (c *CDMA) Wait(ctx context.Context, ev Event) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.waitLocked(ctx, ev)
}

// Update walks the sync queue from the head, reaping every job whose
// syncpoint has reached its target: unpin, reclaim push-buffer slots,
// drop the queue's reference. Stops at the first incomplete job,
// arming its timeout if it has one. Wakes a parked waiter whose
// condition now holds.
func (c *CDMA) Update() {
	c.mu.Lock()
	c.updateLocked()
	c.mu.Unlock()
}

func (c *CDMA) updateLocked() {
	if !c.running {
		return
	}

	signal := false

	for len(c.syncQueue) > 0 {
		j := c.syncQueue[0]

		if !j.Syncpt.IsExpired(j.SyncptEnd) {
			if j.Timeout > 0 {
				c.startTimerLocked(j)
			}

			break
		}

		if c.timeout.job != nil {
			c.stopTimerLocked()
		}

		j.Unpin()

		if j.NumSlots > 0 {
			c.pb.Pop(j.NumSlots)

			if c.event == EventPushBufferSpace {
				signal = true
			}
		}

		c.syncQueue = c.syncQueue[1:]
		j.Put()
	}

	if c.event == EventSyncQueueEmpty && len(c.syncQueue) == 0 {
		signal = true
	}

	if signal {
		c.event = EventNone
		c.up()
	}
}

// waitLocked sleeps until the requested event happens. Entered and
// exited with the lock held. If another waiter is already registered,
// it yields and retries rather than overwriting the registration.
func (c *CDMA) waitLocked(ctx context.Context, ev Event) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		var space int

		idle := len(c.syncQueue) == 0

		switch ev {
		case EventSyncQueueEmpty:
			if idle {
				space = 1
			}

		case EventPushBufferSpace:
			space = c.pb.Space()

			// parking with an idle queue would sleep forever: nothing
			// will ever signal. Assume the engine is consuming our
			// own pushes and poll it instead.
			if space == 0 && idle {
				if err := c.progressWaitLocked(); err != nil {
					return 0, err
				}

				space = c.pb.Space()
			}

		default:
			panic(fmt.Sprintf("cdma: wait for unknown event %d", ev))
		}

		if space > 0 {
			return space, nil
		}

		if c.event != EventNone {
			c.mu.Unlock()
			runtime.Gosched()
			c.mu.Lock()
			continue
		}

		c.event = ev
		c.mu.Unlock()

		select {
		case <-c.sem:
			c.mu.Lock()

		case <-ctx.Done():
			c.mu.Lock()

			if c.event == ev {
				c.event = EventNone
			} else {
				// the signal raced with cancellation; consume it
				select {
				case <-c.sem:
				default:
				}
			}

			return 0, ctx.Err()
		}
	}
}

// progressWaitLocked polls the engine's fetch position until it
// advances past the consumption fence, reclaiming the slots it has
// provably consumed. Errors out if the engine stalls for a
// substantial time.
func (c *CDMA) progressWaitLocked() error {
	for tries, i := 30, 1; tries > 0; tries, i = tries-1, i+1 {
		if c.progressedLocked() {
			return nil
		}

		time.Sleep(time.Duration(3*i) * time.Microsecond)
	}

	c.log.Error("timeout waiting for channel to progress")
	return ErrStuck
}

func (c *CDMA) progressedLocked() bool {
	pos := c.eng.FetchPos()
	consumed := pushbuf.Consumed(c.pb.Fence(), pos, c.pb.Size())

	if consumed > 0 {
		c.pb.Pop(consumed)
		c.firstGet = (c.pb.Fence() + 8) & (c.pb.Size() - 1)
		c.slotsUsed -= consumed
	}

	return consumed > 0
}

func (c *CDMA) flushLocked() {
	c.eng.Flush(c.pb.Pos())
	c.lastPos = c.pb.Pos()
}

// resetLocked reverts the channel after a failed submission. If
// nothing was flushed, rewinding the write cursor is enough;
// otherwise the channel is frozen, the partial pushes skipped, and
// the command processor re-enabled with fetch stopped.
func (c *CDMA) resetLocked() {
	if c.lastPos == c.firstGet {
		c.pb.SetPos(c.firstGet)
		return
	}

	c.waitLocked(context.Background(), EventSyncQueueEmpty)

	c.eng.Freeze()
	c.pb.Pop(c.slotsUsed)
	c.eng.Resume()
}

func (c *CDMA) startTimerLocked(j *job.Job) {
	if c.timeout.job != nil {
		// timer already started
		return
	}

	c.timeout.job = j
	c.timeout.timer = time.AfterFunc(j.Timeout, func() {
		c.timedOut(j)
	})
}

func (c *CDMA) stopTimerLocked() {
	c.timeout.timer.Stop()
	c.timeout.timer = nil
	c.timeout.job = nil
}

// timedOut runs when a job's deadline elapses. The original submitter
// has long returned, so nothing is reported to it; recovery is logged
// and must be transparent to every other job on the channel.
func (c *CDMA) timedOut(j *job.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout.job != j {
		// stale timer: the job completed and another was armed
		return
	}

	c.stopTimerLocked()

	if j.Syncpt.IsExpired(j.SyncptEnd) {
		// completed during timer delivery
		c.updateLocked()
		return
	}

	c.log.Warn("job timed out, recovering channel",
		"job", j.ID,
		"syncpt", j.Syncpt.ID(),
		"target", j.SyncptEnd,
		"value", j.Syncpt.Load())

	c.forceCompleteTimedOutLocked(j)
	c.updateLocked()
}

// forceCompleteTimedOutLocked abandons the timed-out job's remaining
// engine work and synthesizes its completion: the job's push-buffer
// slots are NOP-ed out, the missing syncpoint increments are issued
// from the CPU so dependent waiters observe a consistent completion,
// and fetch restarts past the stuck commands. Only this job's
// completion is synthetic; later jobs run for real.
func (c *CDMA) forceCompleteTimedOutLocked(j *job.Job) {

	// freeze before reading the syncpoint: increments the engine
	// lands after the read would be double-counted by the synthesis
	// loop below
	c.eng.Freeze()

	if j.Syncpt.IsExpired(j.SyncptEnd) {
		// completed while the freeze landed; resume where fetch left
		// off, nothing to synthesize
		c.eng.Restart(c.eng.FetchPos())
		return
	}

	incrs := j.SyncptEnd - j.Syncpt.Load()

	// won't need a timeout when replayed
	j.Timeout = 0

	c.pb.Fill(j.FirstGet, j.NumSlots, opcode.Nop, opcode.Nop)

	for n := incrs; n > 0; n-- {
		j.Syncpt.CPUIncr()
	}

	restart := c.lastPos
	if len(c.syncQueue) > 0 {
		// always taken: the timed-out job is still at the head of the
		// queue. lastPos is a vestigial fallback.
		restart = j.FirstGet
	}

	c.eng.Resume()
	c.eng.Restart(restart)
}

func (c *CDMA) up() {
	select {
	case c.sem <- struct{}{}:
	default:
	}
}
