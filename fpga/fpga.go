// Package fpga describes the command set of the data acquisition FPGA
// attached to the FlexSPI port, and the LUT image that issues it.
package fpga

import (
	"fmt"

	"qspitool.com/driver/flexspi"
)

// Command is an FPGA command opcode.
type Command struct {
	Name   string
	Opcode uint8
}

// Read reports whether the command returns data.
func (c Command) Read() bool {
	return c.Opcode&0x80 != 0
}

// Commands lists the FPGA commands in LUT order: the command at index i
// is issued by LUT sequence i.
var Commands = []Command{
	{"WR_SPI1", 0x01},
	{"WR_SPI2", 0x02},
	{"WR_DCU_OUT", 0x03},
	{"WR_GENERIC_CMD", 0x04},
	{"WR_UART1", 0x05},
	{"WR_UART2", 0x06},
	{"WR_UART3", 0x07},
	{"WR_UART4", 0x08},
	{"WR_MCASP_CFG", 0x09},
	{"WR_PPS_SEL", 0x0a},
	{"WR_MST_CLK", 0x0c},
	{"RD_SAMPLE", 0x80},
	{"RD_SPI1", 0x81},
	{"RD_SPI2", 0x82},
	{"RD_UART1", 0x85},
	{"RD_UART2", 0x86},
	{"RD_UART3", 0x87},
	{"RD_UART4", 0x88},
	{"RD_SYNC_IN", 0x8b},
	{"RD_MST_CLK", 0x8c},
}

const (
	addrBits    = 32
	dummyCycles = 8
	// dataOperand is the operand of the data instruction. The FlexSPI
	// ignores it for IP commands; the size comes from IPCR1.
	dataOperand = 4
)

// Index returns the LUT sequence of the named command.
func Index(name string) (uint8, error) {
	for i, c := range Commands {
		if c.Name == name {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("fpga: unknown command %q", name)
}

// LUT returns the LUT image for Commands, four words per command.
// Writes send the opcode and a 32-bit address on four lines followed by
// the data. Reads wait eight dummy cycles before the data.
func LUT() []uint32 {
	lut := make([]uint32, 0, len(Commands)*flexspi.SeqWords)
	for _, c := range Commands {
		seq := [flexspi.SeqWords]uint32{
			flexspi.Seq(flexspi.OpCmd, flexspi.Pad4, c.Opcode, flexspi.OpAddr, flexspi.Pad4, addrBits),
		}
		if c.Read() {
			seq[1] = flexspi.Seq(flexspi.OpDummy, flexspi.Pad4, dummyCycles, flexspi.OpRead, flexspi.Pad4, dataOperand)
		} else {
			seq[1] = flexspi.Seq(flexspi.OpWrite, flexspi.Pad4, dataOperand, flexspi.OpStop, flexspi.Pad1, 0)
		}
		lut = append(lut, seq[:]...)
	}
	return lut
}

// LUTProgrammer stores sequences in a LUT.
type LUTProgrammer interface {
	ProgramLUT(slot uint32, words []uint32) error
}

// Program stores the LUT image starting at sequence 0.
func Program(p LUTProgrammer) error {
	return p.ProgramLUT(0, LUT())
}
