// Command host1x-sim submits 2D fill jobs to a simulated host1x
// channel and waits for their fences.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/host1x"
	"github.com/c35s/host1x/bo"
	"github.com/c35s/host1x/gr2d"
	"github.com/c35s/host1x/job"
)

func main() {

	var (
		jobs     = flag.Int("jobs", 4, "number of fill jobs to submit")
		width    = flag.Uint("width", 64, "surface width in pixels")
		height   = flag.Uint("height", 64, "surface height in pixels")
		slots    = flag.Int("slots", 512, "push buffer capacity in slots")
		firewall = flag.Bool("firewall", true, "validate command streams before submission")
	)

	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	host, err := host1x.New(host1x.Config{
		PushBufSlots: *slots,
		Firewall:     *firewall,
		Log:          log,
	})

	if err != nil {
		panic(err)
	}

	client, err := gr2d.New(host.AddrSpace())
	if err != nil {
		panic(err)
	}

	defer client.Close()

	ch, err := host.OpenChannel(client)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := host.Run(ctx); err != nil && ctx.Err() == nil {
			panic(err)
		}
	}()

	pitch := uint32(*width) * 2 // 16bpp
	surface := bo.NewMem(host.AddrSpace(), int(pitch/4*uint32(*height)))

	for i := 0; i < *jobs; i++ {
		fill := gr2d.Fill{
			Color:  uint32(0xf800 >> (i % 3 * 5)), // cycle r, g, b
			Pitch:  pitch,
			Width:  uint32(*width),
			Height: uint32(*height),
		}

		words, dstIdx := fill.Stream(ch.Syncpoint().ID())

		cmdbuf := bo.NewMem(host.AddrSpace(), len(words))
		copy(cmdbuf.Mmap(), words)

		fence, err := ch.Submit(ctx, host1x.Submit{
			Cmdbufs: []host1x.Cmdbuf{
				{BO: cmdbuf, Words: uint32(len(words))},
			},

			Relocs: []job.Reloc{{
				CmdbufBO:     cmdbuf,
				CmdbufOffset: uint32(dstIdx) * 4,
				TargetBO:     surface,
			}},

			Incrs: 1,
		})

		if err != nil {
			panic(err)
		}

		<-fence.Done()
		fmt.Printf("job %d done: syncpt %d = %d\n", i, ch.Syncpoint().ID(), ch.Syncpoint().Load())
	}

	if err := host.Close(ctx); err != nil {
		panic(err)
	}
}
