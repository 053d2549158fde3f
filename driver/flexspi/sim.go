package flexspi

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
)

// Simulator is a Mapper backed by a register level model of a FlexSPI
// controller and the flash behind it. Windows at the FlexSPI base behave
// like the hardware: interrupt flags clear on write-one, FIFOs move in
// watermark bursts acknowledged through INTR, and the LUT honours the
// key and lock protocol. Windows at any other base are plain memory.
type Simulator struct {
	mu   sync.Mutex
	base uint64

	regs  [layoutSize / 4]uint32
	plain map[uint64][]uint32
	live  map[uint64]int

	flash  map[uint32]byte
	cmd    *simCmd
	tx     [fifoWords]uint32
	ntx    int
	rx     []uint32
	locked bool

	cmds         []SimCommand
	txBursts     [][]uint32
	rxBursts     [][]uint32
	lockedWrites int
	writes       int
	underflow    bool
	grantTimeout bool
	stalled      bool
}

// SimCommand records an IP command triggered on a Simulator.
type SimCommand struct {
	Addr  uint32
	Seq   uint8
	Count uint8
	Size  int
	Read  bool
}

type simCmd struct {
	SimCommand
	moved  int
	failed bool
}

// NewSimulator returns a Simulator with the FlexSPI block at
// DefaultConfig.FlexSPIBase, in its reset state.
func NewSimulator() *Simulator {
	s := &Simulator{
		base:  DefaultConfig.FlexSPIBase,
		plain: make(map[uint64][]uint32),
		live:  make(map[uint64]int),
		flash: make(map[uint32]byte),
	}
	s.regs[offMCR0/4] = 0xffff80c2
	s.regs[offLUTCR/4] = lutUnlock
	return s
}

func (s *Simulator) Map(base uint64, size int) (Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("flexspi: simulator: map %#x: invalid size %d", base, size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if base != s.base {
		words := (size + 3) / 4
		if len(s.plain[base]) < words {
			m := make([]uint32, words)
			copy(m, s.plain[base])
			s.plain[base] = m
		}
	} else if size > layoutSize {
		return nil, fmt.Errorf("flexspi: simulator: map %#x: %d bytes exceeds register block", base, size)
	}
	s.live[base]++
	return &simWindow{sim: s, base: base}, nil
}

// Live returns the number of open windows at base.
func (s *Simulator) Live(base uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[base]
}

// Reg returns the stored value of the register at base+off without
// triggering any side effect.
func (s *Simulator) Reg(base uint64, off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if base == s.base {
		return s.regs[off/4]
	}
	m := s.plain[base]
	if int(off/4) >= len(m) {
		return 0
	}
	return m[off/4]
}

// Writes returns the number of register writes to every window so far.
func (s *Simulator) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Commands returns the IP commands triggered so far.
func (s *Simulator) Commands() []SimCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cmds)
}

// TXBursts returns the words of every acknowledged TX FIFO burst.
func (s *Simulator) TXBursts() [][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.txBursts)
}

// RXBursts returns the words of every acknowledged RX FIFO burst.
func (s *Simulator) RXBursts() [][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rxBursts)
}

// SetMemory stores data in the simulated flash at addr.
func (s *Simulator) SetMemory(addr uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range data {
		s.flash[addr+uint32(i)] = b
	}
}

// Memory returns n bytes of simulated flash at addr. Unwritten bytes
// read as 0xff.
func (s *Simulator) Memory(addr uint32, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = s.byteAt(addr + uint32(i))
	}
	return buf
}

func (s *Simulator) byteAt(addr uint32) byte {
	if b, ok := s.flash[addr]; ok {
		return b
	}
	return 0xff
}

// LUT returns the contents of the LUT store.
func (s *Simulator) LUT() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.regs[offLUT/4 : offLUT/4+lutWords])
}

// LUTLocked reports whether the LUT is locked.
func (s *Simulator) LUTLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// LockedLUTWrites returns the number of LUT writes dropped because the
// LUT was locked.
func (s *Simulator) LockedLUTWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedWrites
}

// InjectRXUnderflow makes the next RX FIFO fill raise an underflow
// instead of delivering data.
func (s *Simulator) InjectRXUnderflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underflow = true
}

// InjectGrantTimeout makes the next command complete with an IP
// command grant timeout.
func (s *Simulator) InjectGrantTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantTimeout = true
}

// Stall stops or resumes command progress. A stalled command never
// requests data and never completes.
func (s *Simulator) Stall(stall bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = stall
}

type simWindow struct {
	sim    *Simulator
	base   uint64
	closed bool
}

func (w *simWindow) Read32(off uint32) uint32 {
	s := w.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	w.check(off)
	if w.base != s.base {
		return s.plain[w.base][off/4]
	}
	return s.read(off)
}

func (w *simWindow) Write32(off uint32, v uint32) {
	s := w.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	w.check(off)
	s.writes++
	if w.base != s.base {
		s.plain[w.base][off/4] = v
		return
	}
	s.write(off, v)
}

func (w *simWindow) check(off uint32) {
	if w.closed {
		panic(fmt.Sprintf("flexspi: simulator: access to closed window %#x", w.base))
	}
	if off%4 != 0 {
		panic(fmt.Sprintf("flexspi: simulator: unaligned access %#x+%#x", w.base, off))
	}
}

func (w *simWindow) Close() error {
	s := w.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	s.live[w.base]--
	return nil
}

func (s *Simulator) read(off uint32) uint32 {
	switch {
	case off == offINTR:
		s.step()
	case off == offIPRXFSTS:
		return uint32(len(s.rx)+1) / 2
	case off >= offRFDR && off < offRFDR+fifoWords*4:
		if i := int(off-offRFDR) / 4; i < len(s.rx) {
			return s.rx[i]
		}
		return 0
	}
	return s.regs[off/4]
}

func (s *Simulator) write(off uint32, v uint32) {
	switch {
	case off == offINTR:
		ack := v & s.regs[off/4]
		s.regs[off/4] &^= v
		if ack&intrIPTXWE != 0 {
			s.pushTX()
		}
		if ack&intrIPRXWA != 0 {
			s.popRX()
		}
	case off == offIPTXFCR:
		if v&fifoFlush != 0 {
			s.ntx = 0
			s.regs[offINTR/4] &^= intrIPTXWE
		}
		s.regs[off/4] = v &^ fifoFlush
	case off == offIPRXFCR:
		if v&fifoFlush != 0 {
			s.rx = nil
			s.regs[offINTR/4] &^= intrIPRXWA
		}
		s.regs[off/4] = v &^ fifoFlush
	case off == offIPCMD:
		if v&ipcmdTrigger != 0 {
			s.trigger()
		}
	case off == offLUTCR:
		if s.regs[offLUTKEY/4] == lutKey {
			switch v {
			case lutLock:
				s.locked = true
			case lutUnlock:
				s.locked = false
			}
			s.regs[off/4] = v
		}
		s.regs[offLUTKEY/4] = 0
	case off >= offLUT && off < offLUT+lutWords*4:
		if s.locked {
			s.lockedWrites++
			return
		}
		s.regs[off/4] = v
	case off >= offTFDR && off < offTFDR+fifoWords*4:
		i := int(off-offTFDR) / 4
		s.tx[i] = v
		s.ntx = max(s.ntx, i+1)
	case off >= offFLSHCR2 && off < offFLSHCR2+numPorts*4:
		// The instruction pointer clears immediately.
		s.regs[off/4] = v &^ clrInstrPtr
	default:
		s.regs[off/4] = v
	}
}

func (s *Simulator) trigger() {
	ipcr1 := s.regs[offIPCR1/4]
	c := &simCmd{SimCommand: SimCommand{
		Addr:  s.regs[offIPCR0/4],
		Size:  int(ipcr1 & ipcr1SizeMask),
		Seq:   uint8(ipcr1 >> 16 & 0x1f),
		Count: uint8(ipcr1>>24&0x7) + 1,
	}}
	c.Read = s.seqReads(c.Seq)
	s.cmds = append(s.cmds, c.SimCommand)
	s.cmd = c
}

// seqReads reports whether the sequence at slot contains a read
// instruction.
func (s *Simulator) seqReads(slot uint8) bool {
	start := offLUT/4 + uint32(slot)*SeqWords
	for _, w := range s.regs[start : start+SeqWords] {
		for _, in := range []uint16{uint16(w), uint16(w >> 16)} {
			switch op, _, _ := DecodeInstr(in); op {
			case OpRead, OpReadDDR:
				return true
			}
		}
	}
	return false
}

func (s *Simulator) watermark(off uint32) int {
	return int(s.regs[off/4]&fifoWmMask>>fifoWmShift) + 1
}

// step advances the active command by one observable state change.
func (s *Simulator) step() {
	c := s.cmd
	if c == nil || s.stalled {
		return
	}
	intr := &s.regs[offINTR/4]
	remaining := c.Size - c.moved
	switch {
	case c.failed || remaining == 0:
		if !c.Read || len(s.rx) == 0 {
			*intr |= intrIPCmdDone
			if s.grantTimeout {
				s.grantTimeout = false
				*intr |= intrIPCmdGE
			}
			s.cmd = nil
		}
	case !c.Read:
		*intr |= intrIPTXWE
	case len(s.rx) == 0 && *intr&intrIPRXWA == 0:
		if s.underflow {
			s.underflow = false
			c.failed = true
			*intr |= intrIPRXUnderflow
			return
		}
		n := min(s.watermark(offIPRXFCR), (remaining+3)/4)
		var word [4]byte
		for i := 0; i < n; i++ {
			for j := range word {
				word[j] = s.byteAt(c.Addr + uint32(c.moved+4*i+j))
			}
			s.rx = append(s.rx, binary.LittleEndian.Uint32(word[:]))
		}
		*intr |= intrIPRXWA
	}
}

func (s *Simulator) pushTX() {
	c := s.cmd
	if c == nil || c.Read || s.ntx == 0 {
		s.ntx = 0
		return
	}
	burst := slices.Clone(s.tx[:s.ntx])
	s.txBursts = append(s.txBursts, burst)
	n := min(c.Size-c.moved, 4*len(burst), 8*s.watermark(offIPTXFCR))
	var word [4]byte
	for i := 0; i < n; i++ {
		if i%4 == 0 {
			binary.LittleEndian.PutUint32(word[:], burst[i/4])
		}
		s.flash[c.Addr+uint32(c.moved+i)] = word[i%4]
	}
	c.moved += n
	s.ntx = 0
}

func (s *Simulator) popRX() {
	c := s.cmd
	if c == nil || !c.Read || len(s.rx) == 0 {
		return
	}
	s.rxBursts = append(s.rxBursts, s.rx)
	c.moved += min(c.Size-c.moved, 4*len(s.rx))
	s.rx = nil
}
