// Package host1x implements command-stream submission and syncpoint
// synchronization for a host1x-style command DMA engine. A Host owns
// the device address space and the syncpoint table; each Channel
// pairs a push buffer with a fetch engine and accepts jobs built
// from client command buffers.
package host1x

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/host1x/bo"
	"github.com/c35s/host1x/cdma"
	"github.com/c35s/host1x/dma"
	"github.com/c35s/host1x/hwsim"
	"github.com/c35s/host1x/job"
	"github.com/c35s/host1x/opcode"
	"github.com/c35s/host1x/pushbuf"
	"github.com/c35s/host1x/syncpt"
	"golang.org/x/sync/errgroup"
)

// Config describes a new Host.
type Config struct {

	// Syncpoints is the size of the syncpoint table.
	// If Syncpoints is 0, the host has 32 syncpoints.
	Syncpoints int

	// Channels is the maximum number of open channels.
	// If Channels is 0, the host has 8 channels.
	Channels int

	// PushBufSlots is the per-channel push buffer capacity in two-word
	// slots. It must be a power of two. If PushBufSlots is 0, the
	// default capacity is used.
	PushBufSlots int

	// AddrSpaceWords is the size of the device address space.
	// If AddrSpaceWords is 0, the space holds 4M words.
	AddrSpaceWords int

	// Firewall enables command-stream validation: submitted streams
	// are copied and scanned before the engine can fetch them.
	Firewall bool

	// IOMMU marks the device as living behind an IOMMU, which relaxes
	// the firewall's address-register checks.
	IOMMU bool

	// Timeout is the default per-job execution bound. Zero means the
	// 10s default; negative disables timeout tracking.
	Timeout time.Duration

	// NewEngine, if set, supplies the fetch engine for each new
	// channel. If NewEngine is nil, a simulated engine is used.
	// Setting NewEngine is probably only useful for testing.
	NewEngine func(space *dma.Space, syncpts *syncpt.Table) cdma.Engine

	Log *slog.Logger
}

const (
	SyncpointsDefault     = 32
	ChannelsDefault       = 8
	AddrSpaceWordsDefault = 4 << 20
	TimeoutDefault        = 10 * time.Second
)

var (
	ErrConfig     = errors.New("host1x: invalid config")
	ErrNoChannels = errors.New("host1x: all channels are in use")
	ErrClosed     = errors.New("host1x: channel is closed")
	ErrSubmit     = errors.New("host1x: submit failed")
)

func (cfg Config) withDefaults() Config {
	if cfg.Syncpoints == 0 {
		cfg.Syncpoints = SyncpointsDefault
	}

	if cfg.Channels == 0 {
		cfg.Channels = ChannelsDefault
	}

	if cfg.PushBufSlots == 0 {
		cfg.PushBufSlots = pushbuf.DefaultSlots
	}

	if cfg.AddrSpaceWords == 0 {
		cfg.AddrSpaceWords = AddrSpaceWordsDefault
	}

	switch {
	case cfg.Timeout == 0:
		cfg.Timeout = TimeoutDefault
	case cfg.Timeout < 0:
		cfg.Timeout = 0
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Syncpoints < 1 {
		return fmt.Errorf("syncpoints %d < 1", cfg.Syncpoints)
	}

	if cfg.Channels < 1 {
		return fmt.Errorf("channels %d < 1", cfg.Channels)
	}

	if s := cfg.PushBufSlots; s < 2 || s&(s-1) != 0 {
		return fmt.Errorf("push buffer slots %d is not a power of two", s)
	}

	if cfg.AddrSpaceWords < 2*cfg.PushBufSlots+1 {
		return fmt.Errorf("address space of %d words can't hold a push buffer", cfg.AddrSpaceWords)
	}

	return nil
}

// A Client describes a hardware unit jobs are submitted to. It knows
// which classes its streams may select, which registers hold buffer
// addresses, and how to reset the unit before a job runs.
type Client interface {

	// Class is the class a submitted stream starts in.
	Class() uint32

	// IsValidClass reports whether a stream may select class.
	IsValidClass(class uint32) bool

	// IsAddrReg reports whether reg holds a buffer address in class.
	IsAddrReg(class, reg uint32) bool

	// InitGather returns the pinned address and word count of a
	// trusted stream pushed ahead of every job. Zero words means
	// the client needs no init.
	InitGather() (dma.Addr, int)
}

// A Host owns the device address space and the syncpoint table and
// hands out channels.
type Host struct {
	cfg     Config
	log     *slog.Logger
	space   *dma.Space
	syncpts *syncpt.Table

	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// New creates a new Host.
func New(cfg Config) (*Host, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if cfg.NewEngine == nil {
		cfg.NewEngine = func(space *dma.Space, syncpts *syncpt.Table) cdma.Engine {
			return hwsim.New(hwsim.Config{
				Space:   space,
				Syncpts: syncpts,
				Log:     cfg.Log,
			})
		}
	}

	return &Host{
		cfg:      cfg,
		log:      cfg.Log,
		space:    dma.NewSpace(4 * cfg.AddrSpaceWords),
		syncpts:  syncpt.NewTable(cfg.Syncpoints),
		channels: make(map[*Channel]struct{}),
	}, nil
}

// AddrSpace returns the host's device address space. Buffer objects
// pin into it.
func (h *Host) AddrSpace() *dma.Space {
	return h.space
}

// Syncpoints returns the host's syncpoint table.
func (h *Host) Syncpoints() *syncpt.Table {
	return h.syncpts
}

// OpenChannel allocates a channel for the client, with its own push
// buffer, fetch engine, and syncpoint.
func (h *Host) OpenChannel(client Client) (*Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.channels) >= h.cfg.Channels {
		return nil, ErrNoChannels
	}

	sp, err := h.syncpts.Request()
	if err != nil {
		return nil, err
	}

	eng := h.cfg.NewEngine(h.space, h.syncpts)
	cd, err := cdma.New(h.space, eng, h.cfg.PushBufSlots, h.log)
	if err != nil {
		h.syncpts.Release(sp)
		return nil, err
	}

	ch := &Channel{
		host:   h,
		client: client,
		sp:     sp,
		cdma:   cd,
		log:    h.log.With("syncpt", sp.ID()),
	}

	h.channels[ch] = struct{}{}
	return ch, nil
}

// Run drives job completion until ctx is canceled: whenever a
// syncpoint advances, every channel's sync queue is checked for
// finished jobs.
func (h *Host) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-h.syncpts.Watch():
				for _, ch := range h.channelList() {
					ch.cdma.Update()
				}
			}
		}
	})

	return g.Wait()
}

// Close drains and closes every open channel.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	for _, ch := range h.channelList() {
		if err := ch.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (h *Host) channelList() []*Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	chs := make([]*Channel, 0, len(h.channels))
	for ch := range h.channels {
		chs = append(chs, ch)
	}

	return chs
}

// A Channel accepts jobs for one client. Submissions are serialized
// on the channel's lock; completion is tracked on the channel's
// syncpoint.
type Channel struct {
	host   *Host
	client Client
	sp     *syncpt.Syncpoint
	cdma   *cdma.CDMA
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Syncpoint returns the channel's syncpoint.
func (ch *Channel) Syncpoint() *syncpt.Syncpoint {
	return ch.sp
}

// Close waits for the channel's queued jobs to finish, stops the
// engine, and releases the channel's resources.
func (ch *Channel) Close(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}

	ch.closed = true
	ch.mu.Unlock()

	if err := ch.cdma.Stop(ctx); err != nil {
		return err
	}

	if err := ch.cdma.Deinit(); err != nil {
		return err
	}

	ch.host.syncpts.Release(ch.sp)

	ch.host.mu.Lock()
	delete(ch.host.channels, ch)
	ch.host.mu.Unlock()

	return nil
}

// A Cmdbuf is one region of a buffer object holding opcodes to fetch.
type Cmdbuf struct {
	BO     bo.Object
	Offset uint32 // bytes, word-aligned
	Words  uint32
}

// A Submit describes one job.
type Submit struct {

	// Cmdbufs are the command streams to fetch, in order.
	Cmdbufs []Cmdbuf

	// Relocs are the buffer addresses to patch into the streams.
	Relocs []job.Reloc

	// Waits declares the WAIT_SYNCPT operations the streams contain.
	Waits []job.WaitChk

	// Incrs is the number of times the streams increment the
	// channel's syncpoint.
	Incrs uint32

	// Timeout bounds the job's execution. Zero means the host
	// default; negative disables the timeout.
	Timeout time.Duration

	// Serialize makes the job wait for all previous work on the
	// channel before it starts.
	Serialize bool
}

// Submit validates, pins, and pushes one job, returning a fence that
// signals when the job's last syncpoint increment lands. It blocks
// only for push buffer space; completion is asynchronous.
func (ch *Channel) Submit(ctx context.Context, s Submit) (*syncpt.Fence, error) {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	timeout := s.Timeout
	switch {
	case timeout == 0:
		timeout = ch.host.cfg.Timeout
	case timeout < 0:
		timeout = 0
	}

	j := job.New(job.Config{
		Syncpt:       ch.sp,
		Incrs:        s.Incrs,
		Class:        ch.client.Class(),
		Timeout:      timeout,
		Serialize:    s.Serialize,
		AddrSpace:    ch.host.space,
		IsAddrReg:    ch.client.IsAddrReg,
		IsValidClass: ch.client.IsValidClass,
		Log:          ch.log,
	})

	defer j.Put()

	for _, cb := range s.Cmdbufs {
		j.AddGather(cb.BO, cb.Offset, cb.Words, j.Class)
	}

	for _, r := range s.Relocs {
		j.AddReloc(r)
	}

	for _, w := range s.Waits {
		j.AddWaitChk(w)
	}

	if err := j.Precheck(ch.host.syncpts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	if err := j.Prepare(ch.host.cfg.Firewall, ch.host.cfg.IOMMU); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	if err := ch.cdma.Begin(j); err != nil {
		j.Unpin()
		return nil, fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	syncval, err := ch.pushJob(ctx, j)
	if err != nil {
		ch.cdma.EndAbort(j)
		j.Unpin()
		return nil, fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	fence := ch.sp.NewFence(syncval)
	ch.cdma.End(j)

	return fence, nil
}

// pushJob writes the job's commands into the push buffer. Called with
// the channel's cdma lock held by Begin.
func (ch *Channel) pushJob(ctx context.Context, j *job.Job) (uint32, error) {
	if j.Serialize {
		err := ch.cdma.Push(ctx,
			opcode.EncSetClass(opcode.ClassHost1x, opcode.RegWaitSyncpt, 1),
			opcode.EncWaitSyncpt(ch.sp.ID(), ch.sp.Max()))

		if err != nil {
			return 0, err
		}
	}

	// one increment past the stream's own, for job completion
	syncval := ch.sp.IncrMax(j.Incrs + 1)
	j.SyncptEnd = syncval

	if addr, words := ch.client.InitGather(); words > 0 {
		err := ch.cdma.Push(ctx, opcode.EncGather(uint32(words)), uint32(addr))
		if err != nil {
			return 0, err
		}
	}

	var class uint32
	for _, g := range j.Gathers() {
		if g.Class != class {
			err := ch.cdma.Push(ctx, opcode.EncSetClass(g.Class, 0, 0), opcode.Nop)
			if err != nil {
				return 0, err
			}

			class = g.Class
		}

		if err := ch.cdma.Push(ctx, opcode.EncGather(g.Words), uint32(g.Base())); err != nil {
			return 0, err
		}
	}

	// job-done increment, fetched from the push buffer so the
	// firewall never needs to see it
	err := ch.cdma.Push(ctx,
		opcode.EncNonIncr(opcode.RegIncrSyncpt, 1),
		opcode.EncIncrSyncpt(opcode.CondOpDone, ch.sp.ID()))

	if err != nil {
		return 0, err
	}

	return syncval, nil
}
