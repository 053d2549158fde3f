package flexspi

import "fmt"

// NumSeqs is the number of sequence slots in the LUT. Each slot holds
// four words, eight instructions.
const NumSeqs = lutWords / SeqWords

// SeqWords is the number of LUT words per sequence slot.
const SeqWords = 4

// Opcode is a LUT instruction opcode.
type Opcode uint8

const (
	OpStop         Opcode = 0x00
	OpCmd          Opcode = 0x01
	OpAddr         Opcode = 0x02
	OpCAddr        Opcode = 0x03
	OpMode         Opcode = 0x04
	OpMode2        Opcode = 0x05
	OpMode4        Opcode = 0x06
	OpMode8        Opcode = 0x07
	OpWrite        Opcode = 0x08
	OpRead         Opcode = 0x09
	OpLearn        Opcode = 0x0a
	OpDataSize     Opcode = 0x0b
	OpDummy        Opcode = 0x0c
	OpDummyRWDS    Opcode = 0x0d
	OpJumpOnCS     Opcode = 0x1f
	OpCmdDDR       Opcode = 0x21
	OpAddrDDR      Opcode = 0x22
	OpCAddrDDR     Opcode = 0x23
	OpModeDDR      Opcode = 0x24
	OpMode2DDR     Opcode = 0x25
	OpMode4DDR     Opcode = 0x26
	OpMode8DDR     Opcode = 0x27
	OpWriteDDR     Opcode = 0x28
	OpReadDDR      Opcode = 0x29
	OpLearnDDR     Opcode = 0x2a
	OpDataSizeDDR  Opcode = 0x2b
	OpDummyDDR     Opcode = 0x2c
	OpDummyRWDSDDR Opcode = 0x2d
)

// Pad is the number of data lines an instruction uses.
type Pad uint8

const (
	Pad1 Pad = iota
	Pad2
	Pad4
	Pad8
)

// Instr encodes one LUT instruction.
func Instr(op Opcode, pad Pad, operand uint8) uint16 {
	return uint16(op&0x3f)<<10 | uint16(pad&0x3)<<8 | uint16(operand)
}

// Seq packs two instructions into a LUT word. The first instruction
// executes first and occupies the low half.
func Seq(op0 Opcode, pad0 Pad, operand0 uint8, op1 Opcode, pad1 Pad, operand1 uint8) uint32 {
	return uint32(Instr(op0, pad0, operand0)) | uint32(Instr(op1, pad1, operand1))<<16
}

// DecodeInstr splits a LUT instruction into its fields.
func DecodeInstr(in uint16) (op Opcode, pad Pad, operand uint8) {
	return Opcode(in >> 10), Pad(in >> 8 & 0x3), uint8(in)
}

// ProgramLUT stores words into the LUT starting at sequence slot. The
// LUT is unlocked for the duration of the call and locked again before
// it returns. A range past the end of the LUT fails with ErrOutOfRange
// and writes nothing.
func (c *Controller) ProgramLUT(slot uint32, words []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if uint64(slot)*SeqWords+uint64(len(words)) > lutWords {
		return fmt.Errorf("flexspi: LUT slot %d, %d words: %w", slot, len(words), ErrOutOfRange)
	}
	r := c.regs
	r.LUTKEY.Set(lutKey)
	r.LUTCR.Set(lutUnlock)
	start := int(slot) * SeqWords
	for i, w := range words {
		r.LUT[start+i].Set(w)
	}
	r.LUTKEY.Set(lutKey)
	r.LUTCR.Set(lutLock)
	if len(words) > 0 {
		c.trace("lut", r.LUT[start:start+len(words)]...)
	}
	c.trace("lut locked", r.LUTCR)
	return nil
}
