package flexspi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Port selects one of the four flash devices a controller can address.
type Port int

const (
	PortA1 Port = iota
	PortA2
	PortB1
	PortB2

	numPorts = 4
)

// Kind is the direction of an IP command.
type Kind int

const (
	// KindRead moves data from the device into the RX FIFO.
	KindRead Kind = iota + 1
	// KindWrite moves data from the TX FIFO to the device.
	KindWrite
	// KindConfig is a write to device configuration registers.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindConfig:
		return "config"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

const (
	maxSeqCount = 8
	maxDataSize = ipcr1SizeMask
)

// Transfer describes one IP command. It is consumed by Execute and not
// retained.
type Transfer struct {
	// Addr is the device address.
	Addr     uint32
	Port     Port
	Kind     Kind
	SeqIndex uint8
	// SeqCount is the number of consecutive sequences to run, 1 through 8.
	SeqCount uint8
	// Data is the payload for writes and the destination for reads.
	Data []byte
}

func (t *Transfer) validate() error {
	switch t.Kind {
	case KindRead, KindWrite, KindConfig:
	default:
		return fmt.Errorf("flexspi: %v: %w", t.Kind, ErrUnsupportedKind)
	}
	switch {
	case t.SeqIndex >= NumSeqs:
		return fmt.Errorf("flexspi: sequence %d: %w", t.SeqIndex, ErrOutOfRange)
	case t.SeqCount < 1 || t.SeqCount > maxSeqCount:
		return fmt.Errorf("flexspi: sequence count %d: %w", t.SeqCount, ErrOutOfRange)
	case len(t.Data) > maxDataSize:
		return fmt.Errorf("flexspi: %d bytes: %w", len(t.Data), ErrOutOfRange)
	case t.Port < 0 || t.Port >= numPorts:
		return fmt.Errorf("flexspi: port %d: %w", t.Port, ErrOutOfRange)
	}
	return nil
}

// Execute runs t to completion. Malformed transfers are rejected before
// any register is touched. A transfer that fails after the command was
// triggered leaves the controller faulted.
func (c *Controller) Execute(t *Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if err := t.validate(); err != nil {
		return err
	}
	if err := c.execute(t); err != nil {
		c.state = stateFaulted
		c.log.Error("flexspi: transfer failed", "kind", t.Kind, "addr", fmt.Sprintf("%#x", t.Addr), "err", err)
		return err
	}
	return nil
}

func (c *Controller) execute(t *Transfer) error {
	r := c.regs
	r.FLSHCR2[t.Port].SetBits(clrInstrPtr)
	c.clearFlags(0)
	r.IPCR0.Set(t.Addr)
	r.IPTXFCR.SetBits(fifoFlush)
	r.IPRXFCR.SetBits(fifoFlush)
	r.IPCR1.Set(uint32(len(t.Data))&ipcr1SizeMask |
		uint32(t.SeqIndex)<<16 |
		uint32(t.SeqCount-1)<<24)
	c.trace("ip command", r.IPCR0, r.IPCR1)
	r.IPCMD.Set(ipcmdTrigger)

	var perr error
	if t.Kind == KindRead {
		perr = c.readPump(t.Data)
	} else {
		perr = c.writePump(t.Data)
	}
	// The command is awaited even after a pump failure; the waiter bounds
	// how long.
	if err := c.wait.Wait(func() bool { return r.INTR.HasBits(intrIPCmdDone) }); err != nil {
		return errors.Join(perr, fmt.Errorf("flexspi: command done: %w", err))
	}
	if perr != nil {
		return perr
	}
	if st := r.INTR.Get(); st&intrCommandFailures != 0 {
		return fmt.Errorf("flexspi: INTR %#x: %w", st, ErrCommand)
	}
	r.INTR.Set(intrIPTXWE)
	return nil
}

// clearFlags acknowledges every pending interrupt flag except those in
// keep. INTR is write-one-to-clear.
func (c *Controller) clearFlags(keep uint32) {
	intr := c.regs.INTR
	if st := intr.Get() &^ keep; st != 0 {
		intr.Set(st)
	}
}

// writePump feeds data into the TX FIFO one watermark at a time. A full
// watermark moves 2W words; anything shorter moves as whole words plus
// one little-endian packed partial word.
func (c *Controller) writePump(data []byte) error {
	r := c.regs
	wm := int(r.IPTXFCR.Get()&fifoWmMask>>fifoWmShift) + 1
	burst := 8 * wm
	ready := func() bool { return r.INTR.HasBits(intrIPTXWE) }
	for len(data) > 0 {
		if err := c.wait.Wait(ready); err != nil {
			return fmt.Errorf("flexspi: TX FIFO: %w", err)
		}
		// Writing TXWE would push the FIFO early, and command status
		// must survive until the command completes.
		c.clearFlags(intrIPTXWE | intrIPCmdDone | intrCommandFailures | intrIPRXUnderflow)
		n := min(len(data), burst)
		words := n / 4
		for i := 0; i < words; i++ {
			r.TFDR[i].Set(binary.LittleEndian.Uint32(data[4*i:]))
		}
		if n%4 != 0 {
			var tail [4]byte
			copy(tail[:], data[4*words:n])
			r.TFDR[words].Set(binary.LittleEndian.Uint32(tail[:]))
		}
		data = data[n:]
		r.INTR.Set(intrIPTXWE)
	}
	return nil
}

// readPump drains the RX FIFO into buf one watermark at a time. A full
// watermark moves W words; the tail moves as whole words plus one word
// split byte-wise.
func (c *Controller) readPump(buf []byte) error {
	r := c.regs
	r.IPRXFCR.SetBits(fifoFlush)
	wm := int(r.IPRXFCR.Get()&fifoWmMask>>fifoWmShift) + 1
	burst := 4 * wm
	ready := func() bool { return r.INTR.HasBits(intrIPRXWA | intrIPRXUnderflow) }
	for len(buf) > 0 {
		if err := c.wait.Wait(ready); err != nil {
			return fmt.Errorf("flexspi: RX FIFO: %w", err)
		}
		if st := r.INTR.Get(); st&intrIPRXUnderflow != 0 {
			c.trace("rx underflow", r.INTR, r.IPRXFSTS)
			return fmt.Errorf("flexspi: INTR %#x: %w", st, ErrFIFOUnderflow)
		}
		c.clearFlags(intrIPRXWA | intrIPCmdDone | intrCommandFailures)
		n := min(len(buf), burst)
		words := n / 4
		for i := 0; i < words; i++ {
			binary.LittleEndian.PutUint32(buf[4*i:], r.RFDR[i].Get())
		}
		if n%4 != 0 {
			var tail [4]byte
			binary.LittleEndian.PutUint32(tail[:], r.RFDR[words].Get())
			copy(buf[4*words:n], tail[:])
		}
		buf = buf[n:]
		r.INTR.Set(intrIPRXWA)
	}
	return nil
}

// Write runs LUT sequence seq at addr, sending data.
func (c *Controller) Write(addr uint32, seq uint8, data []byte) error {
	c.log.Debug("flexspi: write", "addr", fmt.Sprintf("%#x", addr), "seq", seq, "len", len(data))
	return c.Execute(&Transfer{
		Addr:     addr,
		Port:     c.cfg.Port,
		Kind:     KindWrite,
		SeqIndex: seq,
		SeqCount: 1,
		Data:     data,
	})
}

// Read fills buf from addr using the configured read sequence.
func (c *Controller) Read(addr uint32, buf []byte) error {
	return c.ReadSeq(addr, c.cfg.ReadSeq, buf)
}

// ReadSeq fills buf from addr using LUT sequence seq.
func (c *Controller) ReadSeq(addr uint32, seq uint8, buf []byte) error {
	c.log.Debug("flexspi: read", "addr", fmt.Sprintf("%#x", addr), "seq", seq, "len", len(buf))
	return c.Execute(&Transfer{
		Addr:     addr,
		Port:     c.cfg.Port,
		Kind:     KindRead,
		SeqIndex: seq,
		SeqCount: 1,
		Data:     buf,
	})
}

// PollBusy inspects the interrupt status once. It reports an RX FIFO
// underflow as ErrFIFOUnderflow and a completed command with grant or
// sequence errors as ErrCommand. A cleanly completed command clears the
// pending flags and reports not busy. Anything else is still busy.
func (c *Controller) PollBusy() (busy bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs == nil {
		return true, ErrNotReady
	}
	r := c.regs
	c.trace("poll", r.INTR, r.STS0, r.STS1, r.STS2)
	st := r.INTR.Get()
	switch {
	case st&intrIPRXUnderflow != 0:
		return false, fmt.Errorf("flexspi: INTR %#x: %w", st, ErrFIFOUnderflow)
	case st&intrIPCmdDone == 0:
		return true, nil
	case st&intrCommandFailures != 0:
		return false, fmt.Errorf("flexspi: INTR %#x: %w", st, ErrCommand)
	}
	c.clearFlags(0)
	return false, nil
}
