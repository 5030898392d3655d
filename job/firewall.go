package job

import (
	"errors"
	"fmt"

	"github.com/c35s/host1x/bo"
	"github.com/c35s/host1x/opcode"
	"github.com/c35s/host1x/syncpt"
)

// ErrValidation is wrapped by every firewall rejection.
var ErrValidation = errors.New("job: command stream validation failed")

// MaxGatherWords is the largest fetch the engine accepts in one
// gather; a higher count means the submission is malformed.
const MaxGatherWords = 16383

// Precheck validates the job's descriptive data before any buffer is
// pinned or copied: bounds, alignment, and syncpoint identity. The
// opcode-level scan happens later, against the copied streams.
func (j *Job) Precheck(table *syncpt.Table) error {
	if j.Syncpt == nil || table.Get(j.Syncpt.ID()) != j.Syncpt {
		return fmt.Errorf("%w: job syncpoint is invalid", ErrValidation)
	}

	for i, g := range j.gathers {
		size := uint64(g.Words) * 4

		if g.Offset&3 != 0 {
			return fmt.Errorf("%w: gather #%d has unaligned offset %d",
				ErrValidation, i, g.Offset)
		}

		if g.Words > MaxGatherWords {
			return fmt.Errorf("%w: gather #%d has too many words %d, max %d",
				ErrValidation, i, g.Words, MaxGatherWords)
		}

		if uint64(g.Offset)+size > uint64(g.BO.Size()) {
			return fmt.Errorf("%w: gather #%d overruns its buffer: offset %d, words %d, size %d",
				ErrValidation, i, g.Offset, g.Words, g.BO.Size())
		}
	}

	for i, r := range j.relocs {
		if r.TargetOffset&3 != 0 || int(r.TargetOffset) >= r.TargetBO.Size() {
			return fmt.Errorf("%w: relocation #%d has bad target offset %d",
				ErrValidation, i, r.TargetOffset)
		}

		if r.CmdbufOffset&3 != 0 || int(r.CmdbufOffset) >= r.CmdbufBO.Size() {
			return fmt.Errorf("%w: relocation #%d has bad cmdbuf offset %d",
				ErrValidation, i, r.CmdbufOffset)
		}
	}

	for i, w := range j.waitchks {
		if table.Get(w.SyncptID) == nil {
			return fmt.Errorf("%w: waitcheck #%d has invalid syncpoint %d",
				ErrValidation, i, w.SyncptID)
		}

		if w.Offset&3 != 0 || int(w.Offset) >= w.BO.Size() {
			return fmt.Errorf("%w: waitcheck #%d has bad offset %d",
				ErrValidation, i, w.Offset)
		}
	}

	return nil
}

// firewall is the transient state of one validation pass: a cursor
// over the copied word stream plus the not-yet-consumed relocation,
// waitcheck and increment declarations.
type firewall struct {
	job   *Job
	iommu bool

	relocs   []Reloc
	waitchks []WaitChk
	incrs    uint32

	class uint32

	// per-gather scan state
	words  []uint32
	cmdbuf bo.Object
	offset int
	left   uint32
	last   bool

	reg, mask, count uint32
}

// copyGathers copies every gather's words into one device-mapped
// buffer and validates the copy opcode by opcode. Validating a copy
// means a hostile client can't rewrite the stream between validation
// and fetch.
func (j *Job) copyGathers(iommu bool) error {
	fw := firewall{
		job:      j,
		iommu:    iommu,
		relocs:   j.relocs,
		waitchks: j.waitchks,
		incrs:    j.Incrs,
		class:    j.Class,
	}

	var size uint32
	for _, g := range j.gathers {
		size += g.Words
	}

	j.gatherCopy = make([]uint32, size)

	addr, err := j.cfg.AddrSpace.Map(j.gatherCopy)
	if err != nil {
		j.gatherCopy = nil
		return err
	}

	j.gatherCopyAddr = addr

	var offset uint32
	for i, g := range j.gathers {
		copy(j.gatherCopy[offset/4:], g.BO.Mmap()[g.Offset/4:g.Offset/4+g.Words])

		g.base = addr
		g.cpyOff = offset

		if err := fw.validateGather(g, i == len(j.gathers)-1); err != nil {
			j.log.Error("firewall rejected command stream",
				"job", j.ID, "gather", i, "word", fw.offset, "err", err)
			return err
		}

		offset += g.Words * 4
	}

	// every declared relocation, waitcheck and increment must have
	// been consumed by the scan
	if len(fw.relocs) != 0 {
		return fmt.Errorf("%w: %d relocations left over", ErrValidation, len(fw.relocs))
	}

	if len(fw.waitchks) != 0 {
		return fmt.Errorf("%w: %d waitchecks left over", ErrValidation, len(fw.waitchks))
	}

	if fw.incrs != 0 {
		return fmt.Errorf("%w: %d syncpoint increments left over", ErrValidation, fw.incrs)
	}

	return nil
}

func (fw *firewall) validateGather(g *Gather, last bool) error {
	if fw.incrs == 0 {
		return fmt.Errorf("%w: no syncpoint increments declared", ErrValidation)
	}

	fw.words = fw.job.gatherCopy[g.cpyOff/4 : g.cpyOff/4+g.Words]
	fw.cmdbuf = g.BO
	fw.offset = 0
	fw.left = g.Words
	fw.last = last

	for fw.left > 0 {
		word := fw.words[fw.offset]

		fw.mask = 0
		fw.reg = 0
		fw.count = 0
		fw.left--
		fw.offset++

		switch opcode.Kind(word) {
		case opcode.SetClass:
			fw.mask = opcode.ClassMask(word)
			fw.reg = opcode.Reg(word)
			if err := fw.checkClass(opcode.Class(word)); err != nil {
				return err
			}

			if err := fw.checkMask(); err != nil {
				return err
			}

		case opcode.Incr:
			fw.reg = opcode.Reg(word)
			fw.count = opcode.Count(word)
			if err := fw.checkIncr(); err != nil {
				return err
			}

		case opcode.NonIncr:
			fw.reg = opcode.Reg(word)
			fw.count = opcode.Count(word)
			if err := fw.checkNonIncr(); err != nil {
				return err
			}

		case opcode.Mask:
			fw.mask = opcode.WriteMask(word)
			fw.reg = opcode.Reg(word)
			if err := fw.checkMask(); err != nil {
				return err
			}

		case opcode.Imm:
			fw.reg = opcode.ImmReg(word)
			if err := fw.checkRegister(fw.reg, word&0xffff, true); err != nil {
				fw.offset--
				return err
			}

		case opcode.Restart, opcode.Gather, opcode.Extend:
			fw.offset--
			return fmt.Errorf("%w: forbidden opcode %#x at word %d",
				ErrValidation, opcode.Kind(word), fw.offset)

		default:
			fw.offset--
			return fmt.Errorf("%w: invalid opcode %#x at word %d",
				ErrValidation, opcode.Kind(word), fw.offset)
		}
	}

	return nil
}

func (fw *firewall) checkClass(class uint32) error {
	if valid := fw.job.cfg.IsValidClass; valid != nil {
		if !valid(class) {
			return fmt.Errorf("%w: invalid class %#x", ErrValidation, class)
		}
	} else if class != fw.job.Class {
		return fmt.Errorf("%w: class %#x, should be %#x",
			ErrValidation, class, fw.job.Class)
	}

	fw.class = class
	return nil
}

func (fw *firewall) checkMask() error {
	var (
		mask = fw.mask
		reg  = fw.reg
	)

	for mask != 0 {
		if mask&1 != 0 {
			if fw.left == 0 {
				return fmt.Errorf("%w: write mask overruns gather", ErrValidation)
			}

			if err := fw.checkRegister(reg, fw.words[fw.offset], false); err != nil {
				return err
			}

			fw.left--
			fw.offset++
		}

		mask >>= 1
		reg++
	}

	return nil
}

func (fw *firewall) checkIncr() error {
	var (
		count = fw.count
		reg   = fw.reg
	)

	for ; count > 0; count-- {
		if fw.left == 0 {
			return fmt.Errorf("%w: write count overruns gather", ErrValidation)
		}

		if err := fw.checkRegister(reg, fw.words[fw.offset], false); err != nil {
			return err
		}

		reg++
		fw.left--
		fw.offset++
	}

	return nil
}

func (fw *firewall) checkNonIncr() error {
	for count := fw.count; count > 0; count-- {
		if fw.left == 0 {
			return fmt.Errorf("%w: write count overruns gather", ErrValidation)
		}

		if err := fw.checkRegister(fw.reg, fw.words[fw.offset], false); err != nil {
			return err
		}

		fw.left--
		fw.offset++
	}

	return nil
}

// checkRegister validates a single register write of the given
// operand. Syncpoint identity and ordering always apply;
// address-register and waitcheck validation is skipped under IOMMU
// translation, where arbitrary physical addressing is no longer
// reachable anyway.
func (fw *firewall) checkRegister(reg, operand uint32, immediate bool) error {
	if reg == opcode.RegIncrSyncpt {
		cond := opcode.SyncptCond(operand)
		id := opcode.SyncptID(operand, false)

		if fw.incrs == 0 {
			return fmt.Errorf("%w: undeclared syncpoint increment", ErrValidation)
		}

		// the final increment must be the last word of the stream
		// with an OP_DONE condition, so all engine work completes
		// before the job's fence signals
		if fw.incrs == 1 {
			want := uint32(1)
			if immediate {
				want = 0
			}

			if !fw.last || fw.left != want {
				return fmt.Errorf("%w: final syncpoint increment must end the stream",
					ErrValidation)
			}

			if cond != opcode.CondOpDone {
				return fmt.Errorf("%w: final increment condition %d, should be %d (OP_DONE)",
					ErrValidation, cond, opcode.CondOpDone)
			}
		}

		if !fw.ownsSyncpt(id) {
			return fmt.Errorf("%w: syncpoint %d doesn't belong to the client",
				ErrValidation, id)
		}

		fw.incrs--
	}

	if fw.iommu {
		return nil
	}

	if isAddr := fw.job.cfg.IsAddrReg; isAddr != nil && isAddr(fw.class, reg) {
		if immediate {
			return fmt.Errorf("%w: immediate write to address register %#x",
				ErrValidation, reg)
		}

		if len(fw.relocs) == 0 {
			return fmt.Errorf("%w: address register %#x has no relocation",
				ErrValidation, reg)
		}

		if err := fw.checkReloc(&fw.relocs[0]); err != nil {
			return err
		}

		fw.relocs = fw.relocs[1:]
	}

	if reg == opcode.RegWaitSyncpt {
		if fw.class != opcode.ClassHost1x {
			return fmt.Errorf("%w: waitcheck outside the host1x class", ErrValidation)
		}

		if len(fw.waitchks) == 0 {
			return fmt.Errorf("%w: undeclared waitcheck", ErrValidation)
		}

		if err := fw.checkWait(&fw.waitchks[0]); err != nil {
			return err
		}

		fw.waitchks = fw.waitchks[1:]
	}

	return nil
}

func (fw *firewall) checkReloc(r *Reloc) error {
	offset := uint32(fw.offset) * 4

	if r.CmdbufBO != fw.cmdbuf {
		return fmt.Errorf("%w: relocation doesn't belong to cmdbuf", ErrValidation)
	}

	if r.CmdbufOffset != offset {
		return fmt.Errorf("%w: relocation cmdbuf offset %#x, stream says %#x",
			ErrValidation, r.CmdbufOffset, offset)
	}

	// relocation shift validation isn't implemented, so none at all
	if r.Shift != 0 {
		return fmt.Errorf("%w: relocation shift is forbidden", ErrValidation)
	}

	return nil
}

func (fw *firewall) checkWait(w *WaitChk) error {
	offset := uint32(fw.offset) * 4

	if w.BO != fw.cmdbuf {
		return fmt.Errorf("%w: waitcheck doesn't belong to cmdbuf", ErrValidation)
	}

	if w.Offset != offset {
		return fmt.Errorf("%w: waitcheck offset %#x, stream says %#x",
			ErrValidation, w.Offset, offset)
	}

	return nil
}

func (fw *firewall) ownsSyncpt(id uint32) bool {
	if fw.job.Syncpt != nil && fw.job.Syncpt.ID() == id {
		return true
	}

	for _, sp := range fw.job.cfg.Syncpts {
		if sp.ID() == id {
			return true
		}
	}

	return false
}
