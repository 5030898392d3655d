// Package gr2d is the 2D engine client. It owns the engine's
// hardware-init command stream, knows which of the engine's registers
// carry buffer addresses, and can build simple fill streams for tests
// and demos.
package gr2d

import (
	"github.com/c35s/host1x/bo"
	"github.com/c35s/host1x/dma"
	"github.com/c35s/host1x/opcode"
)

// 2D engine register offsets.
const (
	RegTrigger0      = 0x009
	RegCmdSel        = 0x00c
	RegUABase        = 0x01a
	RegVABase        = 0x01b
	RegControlSecond = 0x01e
	RegControlMain   = 0x01f
	RegROPFade       = 0x020
	RegPatBase       = 0x026
	RegDstABase      = 0x02b
	RegDstBBase      = 0x02c
	RegDstCBase      = 0x02d
	RegDstStride     = 0x02e
	RegSrcABase      = 0x031
	RegSrcBBase      = 0x032
	RegSrcColor      = 0x035
	RegDstSize       = 0x038
	RegTileMode      = 0x046
	RegPatBaseSB     = 0x047
	RegSrcBaseSB     = 0x048
	RegDstABaseSB    = 0x049
	RegDstBBaseSB    = 0x04a
	RegUABaseSB      = 0x04b
	RegVABaseSB      = 0x04c

	NumRegs = 0x04d
)

// poisonAddr lands in unmapped space so a write through a stale
// address register faults instead of scribbling on a freed buffer.
const poisonAddr = 0x666c_afe0

var addrRegs = [...]uint16{
	RegUABase,
	RegVABase,
	RegPatBase,
	RegDstABase,
	RegDstBBase,
	RegDstCBase,
	RegSrcABase,
	RegSrcBBase,
	RegPatBaseSB,
	RegSrcBaseSB,
	RegDstABaseSB,
	RegDstBBaseSB,
	RegUABaseSB,
	RegVABaseSB,
}

// hwInit resets the trigger and address registers in both of the
// engine's classes. It runs as a trusted gather ahead of every job.
var hwInit = []uint32{
	opcode.EncSetClass(opcode.ClassGR2D, RegTrigger0, 0x7),
	0, 0, 0,
	opcode.EncIncr(RegDstABase, 3),
	poisonAddr, poisonAddr, poisonAddr,

	opcode.EncSetClass(opcode.ClassGR2DSB, RegTrigger0, 0x7),
	0, 0, 0,
	opcode.EncIncr(RegDstABase, 3),
	poisonAddr, poisonAddr, poisonAddr,
	opcode.EncIncr(RegDstABaseSB, 2),
	poisonAddr, poisonAddr,
}

// A Client holds the pinned init gather for one 2D engine context.
type Client struct {
	init *bo.Mem
	addr dma.Addr
}

// New allocates and pins the client's init gather.
func New(space *dma.Space) (*Client, error) {
	init := bo.NewMem(space, len(hwInit))
	copy(init.Mmap(), hwInit)

	addr, err := init.Pin()
	if err != nil {
		return nil, err
	}

	return &Client{init: init, addr: addr}, nil
}

// Close unpins the init gather.
func (c *Client) Close() {
	c.init.Unpin()
}

// Class returns the client's default class.
func (c *Client) Class() uint32 {
	return opcode.ClassGR2D
}

// InitGather returns the pinned address and length of the client's
// hardware-init stream.
func (c *Client) InitGather() (dma.Addr, int) {
	return c.addr, len(hwInit)
}

// IsValidClass reports whether a command stream submitted to this
// client may switch to the given class.
func (c *Client) IsValidClass(class uint32) bool {
	return class == opcode.ClassGR2D || class == opcode.ClassGR2DSB
}

// IsAddrReg reports whether reg holds a buffer address in the given
// class. Writes to these registers must be relocated.
func (c *Client) IsAddrReg(class, reg uint32) bool {
	if !c.IsValidClass(class) {
		return false
	}

	for _, r := range addrRegs {
		if reg == uint32(r) {
			return true
		}
	}

	return false
}

// A Fill is a solid-color fill of a pitch-linear 16bpp surface.
type Fill struct {
	Color  uint32
	Pitch  uint32 // bytes
	Width  uint32 // pixels
	Height uint32 // pixels
}

// Stream returns the command words for f, ending with an OP_DONE
// increment of the given syncpoint. The destination address operand
// is left zero at the returned word index; the submitter patches it
// with a relocation. A job built from the stream declares one
// increment and one relocation.
func (f Fill) Stream(syncptID uint32) (words []uint32, dstIdx int) {
	words = []uint32{
		opcode.EncSetClass(opcode.ClassGR2D, RegTrigger0, 0x9),
		0x3a, // trigger on dst position write
		0x00, // cmdsel: host-initiated

		opcode.EncMask(RegControlSecond, 0x7),
		0x00,        // controlsecond
		0x0000_00cc, // controlmain: solid fill, 16bpp, turbofill
		0x00,        // ropfade

		opcode.EncMask(RegDstABase, 0x9),
		0x00, // dst base, relocated
		f.Pitch,

		opcode.EncNonIncr(RegSrcColor, 1),
		f.Color,

		opcode.EncNonIncr(RegTileMode, 1),
		0x00, // pitch-linear

		opcode.EncMask(RegDstSize, 0x5),
		f.Height<<16 | f.Width,
		0x00, // dst position, kicks the fill

		opcode.EncNonIncr(opcode.RegIncrSyncpt, 1),
		opcode.EncIncrSyncpt(opcode.CondOpDone, syncptID),
	}

	return words, 8
}
