// Package opcode encodes and decodes host1x command words. Every word
// fetched by the engine is either an opcode or an operand of the
// preceding opcode; the opcode kind lives in the top four bits.
package opcode

// Opcode kinds, word bits 31:28.
const (
	SetClass = 0x0
	Incr     = 0x1
	NonIncr  = 0x2
	Mask     = 0x3
	Imm      = 0x4
	Restart  = 0x5
	Gather   = 0x6
	Extend   = 0xe
)

// Hardware class IDs.
const (
	ClassHost1x = 0x01
	ClassGR2D   = 0x51
	ClassGR2DSB = 0x52
)

// Registers common to every client class. INCR_SYNCPT is the syncpoint
// increment trigger; WAIT_SYNCPT stalls the channel until a syncpoint
// reaches a threshold and is only legal in the host1x class.
const (
	RegIncrSyncpt = 0x0
	RegWaitSyncpt = 0x8
)

// INCR_SYNCPT condition codes.
const (
	CondImmediate = 0x0
	CondOpDone    = 0x1
)

// Nop is a word the fetch engine skips.
const Nop = NonIncr << 28

// EncSetClass selects class and optionally writes up to six registers
// starting at reg, one per mask bit.
func EncSetClass(class, reg, mask uint32) uint32 {
	return SetClass<<28 | reg<<16 | class<<6 | mask&0x3f
}

// EncIncr writes count words to consecutive registers starting at reg.
func EncIncr(reg, count uint32) uint32 {
	return Incr<<28 | reg<<16 | count&0xffff
}

// EncNonIncr writes count words to the single register reg.
func EncNonIncr(reg, count uint32) uint32 {
	return NonIncr<<28 | reg<<16 | count&0xffff
}

// EncMask writes one word per set mask bit, to reg plus the bit index.
func EncMask(reg, mask uint32) uint32 {
	return Mask<<28 | reg<<16 | mask&0xffff
}

// EncImm writes a 16-bit immediate value to reg.
func EncImm(reg, value uint32) uint32 {
	return Imm<<28 | reg<<16 | value&0xffff
}

// EncGather fetches count words from the address in the next word.
func EncGather(count uint32) uint32 {
	return Gather<<28 | count&0x3fff
}

// EncIncrSyncpt is the INCR_SYNCPT register operand: increment
// syncpoint id when cond is met.
func EncIncrSyncpt(cond, id uint32) uint32 {
	return cond<<8 | id&0xff
}

// EncWaitSyncpt is the WAIT_SYNCPT register operand: stall until
// syncpoint id reaches thresh.
func EncWaitSyncpt(id, thresh uint32) uint32 {
	return id<<24 | thresh&0xffffff
}

// Kind returns the opcode kind of a command word.
func Kind(word uint32) uint32 {
	return word >> 28
}

// Reg returns the register field of a SETCLASS, INCR, NONINCR or MASK
// word.
func Reg(word uint32) uint32 {
	return word >> 16 & 0xfff
}

// ImmReg returns the register field of an IMM word.
func ImmReg(word uint32) uint32 {
	return word >> 16 & 0x1fff
}

// Class returns the class field of a SETCLASS word.
func Class(word uint32) uint32 {
	return word >> 6 & 0x3ff
}

// ClassMask returns the write mask of a SETCLASS word.
func ClassMask(word uint32) uint32 {
	return word & 0x3f
}

// Count returns the operand count of an INCR, NONINCR or GATHER word.
func Count(word uint32) uint32 {
	if Kind(word) == Gather {
		return word & 0x3fff
	}

	return word & 0xffff
}

// WriteMask returns the register mask of a MASK word.
func WriteMask(word uint32) uint32 {
	return word & 0xffff
}

// SyncptID returns the syncpoint index of an INCR_SYNCPT or
// WAIT_SYNCPT operand.
func SyncptID(word uint32, wait bool) uint32 {
	if wait {
		return word >> 24 & 0xff
	}

	return word & 0xff
}

// SyncptCond returns the condition code of an INCR_SYNCPT operand.
func SyncptCond(word uint32) uint32 {
	return word >> 8 & 0xff
}

// WaitThresh returns the threshold of a WAIT_SYNCPT operand.
func WaitThresh(word uint32) uint32 {
	return word & 0xffffff
}
