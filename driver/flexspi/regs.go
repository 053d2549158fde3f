package flexspi

import "unsafe"

// layout mirrors the FlexSPI register block. Register offsets are taken
// from it, never written out by hand.
type layout struct {
	MCR0        uint32 // Module Control Register 0
	MCR1        uint32
	MCR2        uint32
	AHBCR       uint32 // AHB Bus Control Register
	INTEN       uint32 // Interrupt Enable Register
	INTR        uint32 // Interrupt Register
	LUTKEY      uint32
	LUTCR       uint32
	AHBRXBUFCR0 [8]uint32
	_           [32]byte
	FLSHCR0     [4]uint32
	FLSHCR1     [4]uint32
	FLSHCR2     [4]uint32
	_           [4]byte
	FLSHCR4     uint32
	_           [8]byte
	IPCR0       uint32 // IP Control Register 0: device address
	IPCR1       uint32 // IP Control Register 1: size, sequence id and count
	_           [8]byte
	IPCMD       uint32
	DLPR        uint32
	IPRXFCR     uint32
	IPTXFCR     uint32
	DLLCR       [2]uint32
	_           [24]byte
	STS0        uint32
	STS1        uint32
	STS2        uint32
	AHBSPNDSTS  uint32
	IPRXFSTS    uint32
	IPTXFSTS    uint32
	_           [8]byte
	RFDR        [fifoWords]uint32 // IP RX FIFO data
	TFDR        [fifoWords]uint32 // IP TX FIFO data
	LUT         [lutWords]uint32
}

const (
	fifoWords = 32
	lutWords  = 128

	// layoutSize is the size of the FlexSPI register window.
	layoutSize = int(unsafe.Sizeof(layout{}))

	offMCR0     = uint32(unsafe.Offsetof(layout{}.MCR0))
	offINTEN    = uint32(unsafe.Offsetof(layout{}.INTEN))
	offINTR     = uint32(unsafe.Offsetof(layout{}.INTR))
	offLUTKEY   = uint32(unsafe.Offsetof(layout{}.LUTKEY))
	offLUTCR    = uint32(unsafe.Offsetof(layout{}.LUTCR))
	offFLSHCR2  = uint32(unsafe.Offsetof(layout{}.FLSHCR2))
	offIPCR0    = uint32(unsafe.Offsetof(layout{}.IPCR0))
	offIPCR1    = uint32(unsafe.Offsetof(layout{}.IPCR1))
	offIPCMD    = uint32(unsafe.Offsetof(layout{}.IPCMD))
	offIPRXFCR  = uint32(unsafe.Offsetof(layout{}.IPRXFCR))
	offIPTXFCR  = uint32(unsafe.Offsetof(layout{}.IPTXFCR))
	offSTS0     = uint32(unsafe.Offsetof(layout{}.STS0))
	offSTS1     = uint32(unsafe.Offsetof(layout{}.STS1))
	offSTS2     = uint32(unsafe.Offsetof(layout{}.STS2))
	offIPRXFSTS = uint32(unsafe.Offsetof(layout{}.IPRXFSTS))
	offIPTXFSTS = uint32(unsafe.Offsetof(layout{}.IPTXFSTS))
	offRFDR     = uint32(unsafe.Offsetof(layout{}.RFDR))
	offTFDR     = uint32(unsafe.Offsetof(layout{}.TFDR))
	offLUT      = uint32(unsafe.Offsetof(layout{}.LUT))
)

// FlexSPI register bits.
const (
	mcr0MDIS = 0b1 << 1 // Module disable.

	// INTR and INTEN share bit positions.
	intrIPCmdDone       = 0b1 << 0
	intrIPCmdGE         = 0b1 << 1 // IP command grant timeout.
	intrAHBCmdGE        = 0b1 << 2
	intrIPRXUnderflow   = 0b1 << 3 // IP command error; raised on RX FIFO underflow.
	intrAHBCmdErr       = 0b1 << 4
	intrIPRXWA          = 0b1 << 5 // IP RX FIFO watermark available.
	intrIPTXWE          = 0b1 << 6 // IP TX FIFO watermark empty.
	intrDataLearnFail   = 0b1 << 7
	intrSCKStopByRead   = 0b1 << 8
	intrSCKStopByWrite  = 0b1 << 9
	intrAHBBusTimeout   = 0b1 << 10
	intrSeqTimeout      = 0b1 << 11
	intrCommandFailures = intrIPCmdGE | intrSeqTimeout

	intenAll = intrSeqTimeout | intrAHBBusTimeout | intrSCKStopByWrite |
		intrSCKStopByRead | intrDataLearnFail | intrIPTXWE | intrIPRXWA |
		intrAHBCmdErr | intrIPRXUnderflow | intrAHBCmdGE | intrIPCmdGE |
		intrIPCmdDone

	fifoFlush     = 0b1 << 0 // IPTXFCR.CLRIPTXF, IPRXFCR.CLRIPRXF.
	fifoWmMask    = 0x1fc    // IPTXFCR.TXWMRK, IPRXFCR.RXWMRK.
	fifoWmShift   = 2
	maxWatermark  = fifoWords / 2
	ipcmdTrigger  = 0b1 << 0
	clrInstrPtr   = 0b1 << 31 // FLSHCR2.CLRINSTRPTR.
	ipcr1SizeMask = 0xffff

	lutKey    = 0x5af05af0
	lutLock   = 0b01
	lutUnlock = 0b10
)

// Clock controller (CCM) registers.
const (
	ccmSize        = 0x10000
	ccmCCGR47      = 0x42f0 // Clock gating for the FlexSPI domain.
	ccmQSPIClkRoot = 0xab80 // TARGET_ROOT87.

	ccgrAlwaysOn = 0x3

	clkRootEnable    = 0b1 << 28
	clkRootMuxShift  = 24
	clkRootMuxMask   = 0x7
	clkRootPreShift  = 16
	clkRootPreMask   = 0x7
	clkRootPostShift = 0
	clkRootPostMask  = 0x3f
)

// Pin multiplexer (IOMUXC) registers.
const (
	iomuxcSize = 0x1000

	padFlexSPIASCLK  = 0x0e0
	padFlexSPIASS0B  = 0x0e4
	padFlexSPIAData0 = 0x0f8
	padFlexSPIAData1 = 0x0fc
	padFlexSPIAData2 = 0x100
	padFlexSPIAData3 = 0x104

	muxAlt1 = 0x1
	muxSION = 0x10 // Software input on.
)

// reg is a 32-bit register within a mapped window.
type reg struct {
	w    Window
	base uint64
	off  uint32
}

func (r reg) Get() uint32 {
	return r.w.Read32(r.off)
}

func (r reg) Set(v uint32) {
	r.w.Write32(r.off, v)
}

func (r reg) SetBits(m uint32) {
	r.Set(r.Get() | m)
}

func (r reg) ClearBits(m uint32) {
	r.Set(r.Get() &^ m)
}

func (r reg) HasBits(m uint32) bool {
	return r.Get()&m != 0
}

// Addr returns the physical address of the register.
func (r reg) Addr() uint64 {
	return r.base + uint64(r.off)
}

// regs is the typed view of a FlexSPI window.
type regs struct {
	MCR0     reg
	INTEN    reg
	INTR     reg
	LUTKEY   reg
	LUTCR    reg
	FLSHCR2  [numPorts]reg
	IPCR0    reg
	IPCR1    reg
	IPCMD    reg
	IPRXFCR  reg
	IPTXFCR  reg
	STS0     reg
	STS1     reg
	STS2     reg
	IPRXFSTS reg
	IPTXFSTS reg
	RFDR     [fifoWords]reg
	TFDR     [fifoWords]reg
	LUT      [lutWords]reg
}

func newRegs(w Window, base uint64) *regs {
	at := func(off uint32) reg {
		return reg{w: w, base: base, off: off}
	}
	r := &regs{
		MCR0:     at(offMCR0),
		INTEN:    at(offINTEN),
		INTR:     at(offINTR),
		LUTKEY:   at(offLUTKEY),
		LUTCR:    at(offLUTCR),
		IPCR0:    at(offIPCR0),
		IPCR1:    at(offIPCR1),
		IPCMD:    at(offIPCMD),
		IPRXFCR:  at(offIPRXFCR),
		IPTXFCR:  at(offIPTXFCR),
		STS0:     at(offSTS0),
		STS1:     at(offSTS1),
		STS2:     at(offSTS2),
		IPRXFSTS: at(offIPRXFSTS),
		IPTXFSTS: at(offIPTXFSTS),
	}
	for i := range r.FLSHCR2 {
		r.FLSHCR2[i] = at(offFLSHCR2 + uint32(i)*4)
	}
	for i := 0; i < fifoWords; i++ {
		r.RFDR[i] = at(offRFDR + uint32(i)*4)
		r.TFDR[i] = at(offTFDR + uint32(i)*4)
	}
	for i := 0; i < lutWords; i++ {
		r.LUT[i] = at(offLUT + uint32(i)*4)
	}
	return r
}
