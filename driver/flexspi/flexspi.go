// Package flexspi drives the FlexSPI serial flash controller of i.MX8M
// class SoCs from user space. Registers are reached through physical
// memory windows; every transfer is IP triggered and completion is
// detected by polling.
//
// A Controller moves through the states uninitialized, ready and faulted.
// Init performs the one-shot bring-up, ProgramLUT stores command
// sequences and Execute, Write and Read run blocking transfers. Close
// releases every mapping and returns the controller to uninitialized.
package flexspi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"qspitool.com/driver/devmem"
)

// Mapper maps physical address ranges into the process.
type Mapper interface {
	Map(base uint64, size int) (Window, error)
}

// Window is a mapped range of physical memory holding 32-bit registers.
// Offsets are relative to the base the window was mapped at.
type Window interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	// Close unmaps the window. Closing twice is a no-op.
	Close() error
}

var (
	ErrOutOfRange         = errors.New("flexspi: out of range")
	ErrUnsupportedKind    = errors.New("flexspi: unsupported transfer kind")
	ErrFIFOUnderflow      = errors.New("flexspi: IP RX FIFO underflow")
	ErrCommand            = errors.New("flexspi: IP command failed")
	ErrTimeout            = errors.New("flexspi: timeout")
	ErrNotReady           = errors.New("flexspi: not initialized")
	ErrAlreadyInitialized = errors.New("flexspi: already initialized")
	ErrFaulted            = errors.New("flexspi: controller faulted; close and re-initialize")
)

// Config describes where the controller lives and how it is clocked.
type Config struct {
	FlexSPIBase uint64
	CCMBase     uint64
	IOMUXCBase  uint64

	// ClockMux selects the clock root source; ClockPreDiv and
	// ClockPostDiv are the divider fields (divide by value+1).
	ClockMux     uint32
	ClockPreDiv  uint32
	ClockPostDiv uint32

	// TXWatermark and RXWatermark are the IP FIFO watermarks in 64-bit
	// FIFO entries, 1 through 16.
	TXWatermark int
	RXWatermark int

	// Port is the flash port IP commands are issued on.
	Port Port
	// ReadSeq is the LUT sequence used by Read.
	ReadSeq uint8

	// Timeout bounds every poll loop when Waiter is nil. A zero Timeout
	// spins without bound.
	Timeout time.Duration
	Waiter  Waiter

	// Logger receives diagnostic traces. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig is the FlexSPI instance of the i.MX8M Mini.
var DefaultConfig = Config{
	FlexSPIBase:  0x30bb0000,
	CCMBase:      0x30380000,
	IOMUXCBase:   0x30330000,
	ClockMux:     2, // SYS_PLL2_333M.
	ClockPreDiv:  0,
	ClockPostDiv: 7,
	TXWatermark:  8,
	RXWatermark:  8,
	Port:         PortA1,
	ReadSeq:      0,
	Timeout:      time.Second,
}

func (c *Config) validate() error {
	switch {
	case c.ClockMux > clkRootMuxMask:
		return fmt.Errorf("flexspi: clock mux %d: %w", c.ClockMux, ErrOutOfRange)
	case c.ClockPreDiv > clkRootPreMask:
		return fmt.Errorf("flexspi: clock pre-divider %d: %w", c.ClockPreDiv, ErrOutOfRange)
	case c.ClockPostDiv > clkRootPostMask:
		return fmt.Errorf("flexspi: clock post-divider %d: %w", c.ClockPostDiv, ErrOutOfRange)
	case c.TXWatermark < 1 || c.TXWatermark > maxWatermark:
		return fmt.Errorf("flexspi: TX watermark %d: %w", c.TXWatermark, ErrOutOfRange)
	case c.RXWatermark < 1 || c.RXWatermark > maxWatermark:
		return fmt.Errorf("flexspi: RX watermark %d: %w", c.RXWatermark, ErrOutOfRange)
	case c.Port < 0 || c.Port >= numPorts:
		return fmt.Errorf("flexspi: port %d: %w", c.Port, ErrOutOfRange)
	case c.ReadSeq >= NumSeqs:
		return fmt.Errorf("flexspi: read sequence %d: %w", c.ReadSeq, ErrOutOfRange)
	}
	return nil
}

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
	stateFaulted
)

// Controller is a FlexSPI instance. Its methods are safe for concurrent
// use; transfers are serialized.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	log    *slog.Logger
	wait   Waiter
	mapper Mapper
	state  state

	// devPath is set for controllers that own their physical memory
	// device.
	devPath string
	mem     *devmem.Mem

	fspi   Window
	ccm    Window
	iomuxc Window
	regs   *regs
}

var _ conn.Resource = (*Controller)(nil)

// New returns an uninitialized controller mapping its windows through m.
func New(m Mapper, cfg Config) *Controller {
	c := &Controller{
		cfg:    cfg,
		mapper: m,
		log:    cfg.Logger,
		wait:   cfg.Waiter,
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.wait == nil {
		c.wait = Timeout(cfg.Timeout)
	}
	return c
}

// NewDevice returns an uninitialized controller that opens the physical
// memory device at path during Init and closes it in Close.
func NewDevice(path string, cfg Config) *Controller {
	c := New(nil, cfg)
	c.devPath = path
	return c
}

// Open is New followed by Init.
func Open(m Mapper, cfg Config) (*Controller, error) {
	c := New(m, cfg)
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c, nil
}

// DevMem adapts a physical memory device to a Mapper.
func DevMem(m *devmem.Mem) Mapper {
	return devMapper{m}
}

type devMapper struct {
	mem *devmem.Mem
}

func (d devMapper) Map(base uint64, size int) (Window, error) {
	w, err := d.mem.Map(base, size)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// IsReady reports whether bring-up completed and the controller has not
// been closed since. A faulted controller is still ready in this sense;
// it holds its mappings until Close.
func (c *Controller) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady || c.state == stateFaulted
}

// Faulted reports whether a transfer failed and left the FIFOs in an
// unknown state.
func (c *Controller) Faulted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateFaulted
}

func (c *Controller) usable() error {
	switch c.state {
	case stateReady:
		return nil
	case stateFaulted:
		return ErrFaulted
	}
	return ErrNotReady
}

// Close unmaps every window, releases an owned physical memory device
// and returns the controller to uninitialized. Closing an uninitialized
// controller is a no-op.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateUninitialized {
		return nil
	}
	err := c.release()
	c.state = stateUninitialized
	c.log.Debug("flexspi: closed", "err", err)
	return err
}

func (c *Controller) release() error {
	var errs []error
	for _, w := range []*Window{&c.iomuxc, &c.ccm, &c.fspi} {
		if *w != nil {
			errs = append(errs, (*w).Close())
			*w = nil
		}
	}
	c.regs = nil
	if c.mem != nil {
		errs = append(errs, c.mem.Close())
		c.mem = nil
		c.mapper = nil
	}
	return errors.Join(errs...)
}

// Halt disables the module without releasing its mappings.
func (c *Controller) Halt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs == nil {
		return nil
	}
	c.regs.MCR0.SetBits(mcr0MDIS)
	c.trace("halt", c.regs.MCR0)
	return nil
}

func (c *Controller) String() string {
	return fmt.Sprintf("FlexSPI@%#x", c.cfg.FlexSPIBase)
}

// LevelTrace is the level of register dumps, below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

func (c *Controller) trace(msg string, regs ...reg) {
	ctx := context.Background()
	if !c.log.Enabled(ctx, LevelTrace) {
		return
	}
	attrs := make([]slog.Attr, 0, len(regs))
	for _, r := range regs {
		attrs = append(attrs, slog.String(fmt.Sprintf("%#x", r.Addr()), fmt.Sprintf("%#08x", r.Get())))
	}
	c.log.LogAttrs(ctx, LevelTrace, msg, attrs...)
}
