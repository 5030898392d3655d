package job

import (
	"errors"
	"testing"

	"github.com/c35s/host1x/bo"
	"github.com/c35s/host1x/dma"
	"github.com/c35s/host1x/opcode"
	"github.com/c35s/host1x/syncpt"
)

const addrReg = 0x2b

func isAddrReg(class, reg uint32) bool {
	return class == opcode.ClassGR2D && reg == addrReg
}

func isValidClass(class uint32) bool {
	switch class {
	case opcode.ClassHost1x, opcode.ClassGR2D, opcode.ClassGR2DSB:
		return true
	}

	return false
}

func TestPrecheck(t *testing.T) {
	space := dma.NewSpace(1 << 12)
	table := syncpt.NewTable(4)

	sp, err := table.Request()
	if err != nil {
		t.Fatal(err)
	}

	newJob := func() *Job {
		return New(Config{Syncpt: sp, Incrs: 1, Class: opcode.ClassGR2D, AddrSpace: space})
	}

	cmdbuf := bo.NewMem(space, 8)

	t.Run("ok", func(t *testing.T) {
		j := newJob()
		j.AddGather(cmdbuf, 0, 8, j.Class)

		if err := j.Precheck(table); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("foreign syncpt", func(t *testing.T) {
		other := &syncpt.Syncpoint{}
		j := New(Config{Syncpt: other, Incrs: 1, Class: opcode.ClassGR2D, AddrSpace: space})

		if err := j.Precheck(table); !errors.Is(err, ErrValidation) {
			t.Fatalf("err is %v, should be %v", err, ErrValidation)
		}
	})

	t.Run("unaligned gather", func(t *testing.T) {
		j := newJob()
		j.AddGather(cmdbuf, 2, 4, j.Class)

		if err := j.Precheck(table); !errors.Is(err, ErrValidation) {
			t.Fatalf("err is %v, should be %v", err, ErrValidation)
		}
	})

	t.Run("oversized gather", func(t *testing.T) {
		j := newJob()
		j.AddGather(cmdbuf, 0, MaxGatherWords+1, j.Class)

		if err := j.Precheck(table); !errors.Is(err, ErrValidation) {
			t.Fatalf("err is %v, should be %v", err, ErrValidation)
		}
	})

	t.Run("gather overruns buffer", func(t *testing.T) {
		j := newJob()
		j.AddGather(cmdbuf, 16, 8, j.Class)

		if err := j.Precheck(table); !errors.Is(err, ErrValidation) {
			t.Fatalf("err is %v, should be %v", err, ErrValidation)
		}
	})

	t.Run("bad reloc offset", func(t *testing.T) {
		j := newJob()
		j.AddGather(cmdbuf, 0, 8, j.Class)
		j.AddReloc(Reloc{CmdbufBO: cmdbuf, CmdbufOffset: 64, TargetBO: cmdbuf})

		if err := j.Precheck(table); !errors.Is(err, ErrValidation) {
			t.Fatalf("err is %v, should be %v", err, ErrValidation)
		}
	})

	t.Run("bad waitchk syncpt", func(t *testing.T) {
		j := newJob()
		j.AddGather(cmdbuf, 0, 8, j.Class)
		j.AddWaitChk(WaitChk{BO: cmdbuf, Offset: 4, SyncptID: 99})

		if err := j.Precheck(table); !errors.Is(err, ErrValidation) {
			t.Fatalf("err is %v, should be %v", err, ErrValidation)
		}
	})
}

func TestFirewall(t *testing.T) {
	space := dma.NewSpace(1 << 16)
	table := syncpt.NewTable(4)

	sp, err := table.Request()
	if err != nil {
		t.Fatal(err)
	}

	foreign, err := table.Request()
	if err != nil {
		t.Fatal(err)
	}

	endIncr := []uint32{
		opcode.EncNonIncr(opcode.RegIncrSyncpt, 1),
		opcode.EncIncrSyncpt(opcode.CondOpDone, sp.ID()),
	}

	cases := []struct {
		name   string
		words  []uint32
		incrs  uint32
		relocs []Reloc
		waits  []WaitChk
		iommu  bool
		ok     bool
	}{
		{
			name:  "minimal",
			words: endIncr,
			incrs: 1,
			ok:    true,
		},
		{
			name: "writes and masks",
			words: append([]uint32{
				opcode.EncSetClass(opcode.ClassGR2D, 0x9, 0x1),
				0x3a,
				opcode.EncIncr(0x35, 2), 1, 2,
				opcode.EncMask(0x38, 0x5), 3, 4,
				opcode.EncImm(0x3a, 0),
			}, endIncr...),
			incrs: 1,
			ok:    true,
		},
		{
			name:  "gather forbidden",
			words: append([]uint32{opcode.EncGather(2), 0x1000}, endIncr...),
			incrs: 1,
		},
		{
			name:  "restart forbidden",
			words: append([]uint32{opcode.Restart << 28}, endIncr...),
			incrs: 1,
		},
		{
			name:  "extend forbidden",
			words: append([]uint32{opcode.Extend << 28}, endIncr...),
			incrs: 1,
		},
		{
			name:  "invalid opcode",
			words: append([]uint32{0x7 << 28}, endIncr...),
			incrs: 1,
		},
		{
			name:  "no increments declared",
			words: endIncr,
			incrs: 0,
		},
		{
			name: "early increment",
			words: append([]uint32{
				opcode.EncNonIncr(opcode.RegIncrSyncpt, 1),
				opcode.EncIncrSyncpt(opcode.CondImmediate, sp.ID()),
			}, endIncr...),
			incrs: 1,
		},
		{
			name: "final increment not last",
			words: append(append([]uint32{}, endIncr...),
				opcode.EncImm(0x3a, 0)),
			incrs: 1,
		},
		{
			name: "final increment wrong condition",
			words: []uint32{
				opcode.EncNonIncr(opcode.RegIncrSyncpt, 1),
				opcode.EncIncrSyncpt(opcode.CondImmediate, sp.ID()),
			},
			incrs: 1,
		},
		{
			name: "immediate final increment",
			words: []uint32{
				opcode.EncImm(opcode.RegIncrSyncpt,
					opcode.EncIncrSyncpt(opcode.CondOpDone, sp.ID())),
			},
			incrs: 1,
			ok:    true,
		},
		{
			name: "foreign syncpoint increment",
			words: append([]uint32{
				opcode.EncNonIncr(opcode.RegIncrSyncpt, 1),
				opcode.EncIncrSyncpt(opcode.CondImmediate, foreign.ID()),
			}, endIncr...),
			incrs: 2,
		},
		{
			name: "address register needs reloc",
			words: append([]uint32{
				opcode.EncNonIncr(addrReg, 1), 0,
			}, endIncr...),
			incrs: 1,
		},
		{
			name: "address register with reloc",
			words: append([]uint32{
				opcode.EncNonIncr(addrReg, 1), 0,
			}, endIncr...),
			incrs:  1,
			relocs: []Reloc{{CmdbufOffset: 4}},
			ok:     true,
		},
		{
			name: "reloc offset mismatch",
			words: append([]uint32{
				opcode.EncNonIncr(addrReg, 1), 0,
			}, endIncr...),
			incrs:  1,
			relocs: []Reloc{{CmdbufOffset: 8}},
		},
		{
			name: "immediate write to address register",
			words: append([]uint32{
				opcode.EncImm(addrReg, 0),
			}, endIncr...),
			incrs: 1,
		},
		{
			name: "iommu skips address checks",
			words: append([]uint32{
				opcode.EncNonIncr(addrReg, 1), 0,
			}, endIncr...),
			incrs: 1,
			iommu: true,
			ok:    true,
		},
		{
			name: "iommu still checks syncpoints",
			words: append([]uint32{
				opcode.EncNonIncr(opcode.RegIncrSyncpt, 1),
				opcode.EncIncrSyncpt(opcode.CondImmediate, foreign.ID()),
			}, endIncr...),
			incrs: 2,
			iommu: true,
		},
		{
			name: "wait outside host1x class",
			words: append([]uint32{
				opcode.EncNonIncr(opcode.RegWaitSyncpt, 1),
				opcode.EncWaitSyncpt(sp.ID(), 1),
			}, endIncr...),
			incrs: 1,
			waits: []WaitChk{{Offset: 4, SyncptID: sp.ID(), Thresh: 1}},
		},
		{
			name: "declared wait",
			words: append([]uint32{
				opcode.EncSetClass(opcode.ClassHost1x, 0, 0),
				opcode.EncNonIncr(opcode.RegWaitSyncpt, 1),
				opcode.EncWaitSyncpt(sp.ID(), 1),
				opcode.EncSetClass(opcode.ClassGR2D, 0, 0),
			}, endIncr...),
			incrs: 1,
			waits: []WaitChk{{Offset: 8, SyncptID: sp.ID(), Thresh: 1}},
			ok:    true,
		},
		{
			name: "undeclared wait",
			words: append([]uint32{
				opcode.EncSetClass(opcode.ClassHost1x, 0, 0),
				opcode.EncNonIncr(opcode.RegWaitSyncpt, 1),
				opcode.EncWaitSyncpt(sp.ID(), 1),
				opcode.EncSetClass(opcode.ClassGR2D, 0, 0),
			}, endIncr...),
			incrs: 1,
		},
		{
			name: "invalid class",
			words: append([]uint32{
				opcode.EncSetClass(0x60, 0, 0),
			}, endIncr...),
			incrs: 1,
		},
		{
			name:  "incr overruns gather",
			words: []uint32{opcode.EncIncr(0x35, 8), 1, 2},
			incrs: 1,
		},
		{
			name:  "mask overruns gather",
			words: []uint32{opcode.EncMask(0x35, 0xf), 1},
			incrs: 1,
		},
		{
			name:   "leftover reloc",
			words:  endIncr,
			incrs:  1,
			relocs: []Reloc{{CmdbufOffset: 4}},
		},
		{
			name:  "leftover wait",
			words: endIncr,
			incrs: 1,
			waits: []WaitChk{{Offset: 4, SyncptID: sp.ID()}},
		},
		{
			name: "leftover increments",
			words: append([]uint32{
				opcode.EncNonIncr(opcode.RegIncrSyncpt, 1),
				opcode.EncIncrSyncpt(opcode.CondImmediate, sp.ID()),
			}, endIncr...),
			incrs: 3,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmdbuf := bo.NewMem(space, len(tc.words))
			copy(cmdbuf.Mmap(), tc.words)

			j := New(Config{
				Syncpt:       sp,
				Incrs:        tc.incrs,
				Class:        opcode.ClassGR2D,
				AddrSpace:    space,
				IsAddrReg:    isAddrReg,
				IsValidClass: isValidClass,
			})

			j.AddGather(cmdbuf, 0, uint32(len(tc.words)), j.Class)

			for _, r := range tc.relocs {
				r.CmdbufBO = cmdbuf
				r.TargetBO = cmdbuf
				j.AddReloc(r)
			}

			for _, w := range tc.waits {
				w.BO = cmdbuf
				j.AddWaitChk(w)
			}

			err := j.Prepare(true, tc.iommu)

			if tc.ok {
				if err != nil {
					t.Fatal(err)
				}

				j.Unpin()
			} else if !errors.Is(err, ErrValidation) {
				t.Fatalf("err is %v, should be %v", err, ErrValidation)
			}

			j.Put()
		})
	}
}
