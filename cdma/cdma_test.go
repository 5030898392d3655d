package cdma

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c35s/host1x/dma"
	"github.com/c35s/host1x/job"
	"github.com/c35s/host1x/opcode"
	"github.com/c35s/host1x/pushbuf"
	"github.com/c35s/host1x/syncpt"
)

// fakeEngine records calls and lets tests move the fetch position by
// hand. It never executes anything. onFreeze, if set, runs before a
// freeze lands, standing in for work the engine completes on its way
// to the halt.
type fakeEngine struct {
	mu       sync.Mutex
	pb       *pushbuf.Buffer
	get      uint32
	put      uint32
	starts   int
	stops    int
	freezes  int
	resumes  int
	restarts []uint32
	onFreeze func()
}

func (e *fakeEngine) Start(pb *pushbuf.Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pb = pb
	e.get = pb.Pos()
	e.starts++
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stops++
}

func (e *fakeEngine) Flush(put uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.put = put
}

func (e *fakeEngine) FetchPos() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.get
}

func (e *fakeEngine) Freeze() {
	e.mu.Lock()
	fn := e.onFreeze
	e.freezes++
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (e *fakeEngine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resumes++
}

func (e *fakeEngine) Restart(get uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.get = get
	e.restarts = append(e.restarts, get)
}

func (e *fakeEngine) seek(get uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.get = get
}

type testChannel struct {
	cd    *CDMA
	eng   *fakeEngine
	sp    *syncpt.Syncpoint
	space *dma.Space
}

func newTestChannel(t *testing.T, slots int) *testChannel {
	t.Helper()

	space := dma.NewSpace(1 << 16)

	sp, err := syncpt.NewTable(4).Request()
	if err != nil {
		t.Fatal(err)
	}

	eng := new(fakeEngine)
	cd, err := New(space, eng, slots, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &testChannel{cd: cd, eng: eng, sp: sp, space: space}
}

// submit reserves incrs increments, pushes slots command slots and
// closes the submission, as a channel frontend would.
func (tc *testChannel) submit(t *testing.T, slots int, incrs uint32, timeout time.Duration) *job.Job {
	t.Helper()

	j := job.New(job.Config{Syncpt: tc.sp, Incrs: incrs, Timeout: timeout})

	if err := tc.cd.Begin(j); err != nil {
		t.Fatal(err)
	}

	j.SyncptEnd = tc.sp.IncrMax(incrs)

	for i := 0; i < slots; i++ {
		if err := tc.cd.Push(context.Background(), opcode.Nop, opcode.Nop); err != nil {
			t.Fatal(err)
		}
	}

	tc.cd.End(j)
	return j
}

func TestSubmitQueuesJob(t *testing.T) {
	tc := newTestChannel(t, 8)
	j := tc.submit(t, 3, 1, 0)

	if tc.eng.starts != 1 {
		t.Fatalf("engine started %d times", tc.eng.starts)
	}

	if j.FirstGet != 0 || j.NumSlots != 3 {
		t.Fatalf("job records slots %d at %d, should be 3 at 0", j.NumSlots, j.FirstGet)
	}

	// End flushed everything pushed so far
	if tc.eng.put != tc.cd.PushBuffer().Pos() {
		t.Fatalf("engine put %d, pushbuf pos %d", tc.eng.put, tc.cd.PushBuffer().Pos())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tc.cd.Wait(ctx, EventSyncQueueEmpty); !errors.Is(err, context.Canceled) {
		t.Fatalf("err is %v, should be %v: the queue should not be empty", err, context.Canceled)
	}
}

// A job whose syncpoint target is already reached is reaped on the
// first update pass.
func TestUpdateReapsExpired(t *testing.T) {
	tc := newTestChannel(t, 8)
	tc.submit(t, 3, 1, 0)

	spaceBefore := tc.cd.PushBuffer().Space()

	tc.sp.Incr()
	tc.cd.Update()

	if _, err := tc.cd.Wait(context.Background(), EventSyncQueueEmpty); err != nil {
		t.Fatalf("queue not empty after update: %v", err)
	}

	if got := tc.cd.PushBuffer().Space(); got != spaceBefore+3 {
		t.Fatalf("space is %d after reap, should be %d", got, spaceBefore+3)
	}
}

// Jobs complete strictly in submission order: an incomplete head
// blocks reaping of everything behind it.
func TestUpdateFIFO(t *testing.T) {
	tc := newTestChannel(t, 16)

	tc.submit(t, 2, 1, 0) // target 1
	tc.submit(t, 2, 1, 0) // target 2

	fence := tc.cd.PushBuffer().Fence()

	tc.cd.Update()
	if got := tc.cd.PushBuffer().Fence(); got != fence {
		t.Fatal("update reaped with nothing complete")
	}

	tc.sp.Incr()
	tc.cd.Update()

	if got := tc.cd.PushBuffer().Fence(); got != (fence+16)&(tc.cd.PushBuffer().Size()-1) {
		t.Fatalf("fence is %d, should only have reaped the first job", got)
	}

	tc.sp.Incr()
	tc.cd.Update()

	if _, err := tc.cd.Wait(context.Background(), EventSyncQueueEmpty); err != nil {
		t.Fatalf("queue not empty after both targets: %v", err)
	}
}

// With a full ring and an in-flight job, Push parks until completion
// bookkeeping reclaims slots.
func TestPushBlocksUntilSpace(t *testing.T) {
	tc := newTestChannel(t, 4) // capacity 3

	tc.submit(t, 3, 1, 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tc.sp.Incr()
		tc.cd.Update()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.submit(t, 2, 1, 0)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push never unblocked")
	}
}

// With a full ring and an empty queue the only possible producer of
// space is the engine itself, so the channel polls its fetch
// position.
func TestPushReclaimsFromEngine(t *testing.T) {
	tc := newTestChannel(t, 4)

	j := job.New(job.Config{Syncpt: tc.sp})
	if err := tc.cd.Begin(j); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := tc.cd.Push(context.Background(), opcode.Nop, opcode.Nop); err != nil {
			t.Fatal(err)
		}
	}

	// the engine has consumed the first two slots
	tc.eng.seek(16)

	if err := tc.cd.Push(context.Background(), opcode.Nop, opcode.Nop); err != nil {
		t.Fatal(err)
	}

	j.SyncptEnd = tc.sp.IncrMax(1)
	tc.cd.End(j)

	if j.FirstGet != 16 || j.NumSlots != 2 {
		t.Fatalf("job records slots %d at %d, should be 2 at 16", j.NumSlots, j.FirstGet)
	}

	t.Run("stuck", func(t *testing.T) {
		tc.sp.Incr()
		tc.cd.Update()

		// engine caught up with the write cursor, then stalled
		tc.eng.seek(tc.cd.PushBuffer().Pos())

		j := job.New(job.Config{Syncpt: tc.sp})
		if err := tc.cd.Begin(j); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 3; i++ {
			if err := tc.cd.Push(context.Background(), opcode.Nop, opcode.Nop); err != nil {
				t.Fatal(err)
			}
		}

		// engine makes no progress at all
		if err := tc.cd.Push(context.Background(), opcode.Nop, opcode.Nop); !errors.Is(err, ErrStuck) {
			t.Fatalf("err is %v, should be %v", err, ErrStuck)
		}

		tc.cd.EndAbort(j)
	})
}

func TestEndAbort(t *testing.T) {
	t.Run("rewind", func(t *testing.T) {
		tc := newTestChannel(t, 8)

		j := job.New(job.Config{Syncpt: tc.sp})
		if err := tc.cd.Begin(j); err != nil {
			t.Fatal(err)
		}

		j.SyncptEnd = tc.sp.IncrMax(1)

		// fewer pushes than a flush period: nothing past the first
		// flush is fetchable, so aborting is a cursor rewind
		for i := 0; i < 2; i++ {
			if err := tc.cd.Push(context.Background(), opcode.Nop, opcode.Nop); err != nil {
				t.Fatal(err)
			}
		}

		tc.cd.EndAbort(j)

		if pos := tc.cd.PushBuffer().Pos(); pos != 0 {
			t.Fatalf("pos is %d after abort, should be rewound to 0", pos)
		}

		if tc.eng.freezes != 0 {
			t.Fatal("a rewind abort shouldn't freeze the channel")
		}

		if !tc.sp.IsExpired(1) {
			t.Fatal("aborted reservation not synced")
		}
	})

	t.Run("skip", func(t *testing.T) {
		tc := newTestChannel(t, 16)

		j := job.New(job.Config{Syncpt: tc.sp})
		if err := tc.cd.Begin(j); err != nil {
			t.Fatal(err)
		}

		j.SyncptEnd = tc.sp.IncrMax(1)

		// enough pushes that some were flushed and may be executing:
		// the abort must freeze and skip them instead of rewinding
		for i := 0; i < 9; i++ {
			if err := tc.cd.Push(context.Background(), opcode.Nop, opcode.Nop); err != nil {
				t.Fatal(err)
			}
		}

		tc.cd.EndAbort(j)

		if tc.eng.freezes != 1 || tc.eng.resumes != 1 {
			t.Fatalf("freezes %d resumes %d, should be 1 and 1", tc.eng.freezes, tc.eng.resumes)
		}

		if space := tc.cd.PushBuffer().Space(); space != 15 {
			t.Fatalf("space is %d after abort, should be 15", space)
		}
	})
}

// Timeout recovery: the stuck job's slots are NOP-ed, its missing
// increments synthesized from the CPU, and fetch restarted. Jobs
// behind it are untouched.
func TestTimeoutRecovery(t *testing.T) {
	tc := newTestChannel(t, 16)

	j := tc.submit(t, 3, 2, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for tc.sp.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no recovery: syncpt is %d, should be 2", tc.sp.Load())
		}

		time.Sleep(time.Millisecond)
	}

	if _, err := tc.cd.Wait(context.Background(), EventSyncQueueEmpty); err != nil {
		t.Fatalf("queue not drained after recovery: %v", err)
	}

	tc.eng.mu.Lock()
	defer tc.eng.mu.Unlock()

	if tc.eng.freezes != 1 || tc.eng.resumes != 1 {
		t.Errorf("freezes %d resumes %d, should be 1 and 1", tc.eng.freezes, tc.eng.resumes)
	}

	if len(tc.eng.restarts) != 1 || tc.eng.restarts[0] != j.FirstGet {
		t.Errorf("restarts %v, should be [%d]", tc.eng.restarts, j.FirstGet)
	}

	// the job's slots must have been NOP-ed out
	pb := tc.cd.PushBuffer()
	words, err := tc.space.Resolve(pb.Addr()+dma.Addr(j.FirstGet), j.NumSlots*2)
	if err != nil {
		t.Fatal(err)
	}

	for i, w := range words {
		if w != opcode.Nop {
			t.Fatalf("slot word %d is %#x, should be a NOP", i, w)
		}
	}
}

// An increment the engine lands on its way to the freeze must not be
// double-counted by the synthesized completion: the remaining-
// increment count is computed only after the channel is frozen.
func TestTimeoutRecoveryFreezeRace(t *testing.T) {
	tc := newTestChannel(t, 16)
	tc.eng.onFreeze = func() { tc.sp.Incr() }

	j := tc.submit(t, 3, 2, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for !tc.sp.IsExpired(j.SyncptEnd) {
		if time.Now().After(deadline) {
			t.Fatalf("no recovery: syncpt is %d, should be %d", tc.sp.Load(), j.SyncptEnd)
		}

		time.Sleep(time.Millisecond)
	}

	if _, err := tc.cd.Wait(context.Background(), EventSyncQueueEmpty); err != nil {
		t.Fatalf("queue not drained after recovery: %v", err)
	}

	if got := tc.sp.Load(); got != j.SyncptEnd {
		t.Fatalf("syncpt is %d after recovery, should be exactly %d", got, j.SyncptEnd)
	}
}

// A completed job disarms its timer; the next incomplete job arms its
// own.
func TestTimeoutRearm(t *testing.T) {
	tc := newTestChannel(t, 16)

	tc.submit(t, 2, 1, time.Hour) // completes immediately below
	tc.submit(t, 2, 1, 10*time.Millisecond)

	tc.sp.Incr()
	tc.cd.Update()

	deadline := time.Now().Add(time.Second)
	for tc.sp.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("second job's timeout never fired")
		}

		time.Sleep(time.Millisecond)
	}
}

func TestStopDeinit(t *testing.T) {
	tc := newTestChannel(t, 8)
	tc.submit(t, 2, 1, 0)

	if err := tc.cd.Deinit(); !errors.Is(err, ErrBusy) {
		t.Fatalf("err is %v, should be %v", err, ErrBusy)
	}

	tc.sp.Incr()
	tc.cd.Update()

	if err := tc.cd.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if tc.eng.stops != 1 {
		t.Fatalf("engine stopped %d times", tc.eng.stops)
	}

	if err := tc.cd.Deinit(); err != nil {
		t.Fatal(err)
	}
}
