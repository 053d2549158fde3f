package flexspi

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"qspitool.com/driver/devmem"
)

// clockSources are the QSPI clock root inputs, indexed by mux value.
// Zero marks a source whose rate depends on PLL configuration.
var clockSources = [...]physic.Frequency{
	24 * physic.MegaHertz,    // OSC_24M
	400 * physic.MegaHertz,   // SYS_PLL1_400M
	333333333 * physic.Hertz, // SYS_PLL2_333M
	500 * physic.MegaHertz,   // SYS_PLL2_500M
	0,                        // AUDIO_PLL2_OUT
	266666667 * physic.Hertz, // SYS_PLL1_266M
	0,                        // SYS_PLL3_OUT
	100 * physic.MegaHertz,   // SYS_PLL1_100M
}

// Init takes the controller from reset to ready: the module is disabled,
// its clock gated on and divided, its pins routed, and the module
// re-enabled with every interrupt source armed. A mapping failure
// releases the windows mapped so far and leaves the controller
// uninitialized. Init on an initialized controller fails with
// ErrAlreadyInitialized without touching any mapping.
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	if err := c.cfg.validate(); err != nil {
		return err
	}
	c.state = stateInitializing
	if err := c.bringUp(); err != nil {
		err = errors.Join(err, c.release())
		c.state = stateUninitialized
		return err
	}
	c.state = stateReady
	c.log.Info("flexspi: ready", "controller", c.String())
	return nil
}

func (c *Controller) bringUp() error {
	if c.devPath != "" {
		mem, err := devmem.Open(c.devPath)
		if err != nil {
			return err
		}
		c.mem = mem
		c.mapper = DevMem(mem)
	}
	if c.mapper == nil {
		return fmt.Errorf("flexspi: no physical memory mapper")
	}
	w, err := c.mapper.Map(c.cfg.FlexSPIBase, layoutSize)
	if err != nil {
		return fmt.Errorf("flexspi: map controller: %w", err)
	}
	c.fspi = w
	c.regs = newRegs(w, c.cfg.FlexSPIBase)
	r := c.regs

	c.trace("module disable", r.MCR0)
	r.MCR0.SetBits(mcr0MDIS)
	c.trace("module disabled", r.MCR0)

	if err := c.initClock(); err != nil {
		return err
	}
	if err := c.initPins(); err != nil {
		return err
	}

	r.MCR0.ClearBits(mcr0MDIS)
	r.INTEN.Set(intenAll)
	r.IPTXFCR.Set(uint32(c.cfg.TXWatermark-1) << fifoWmShift & fifoWmMask)
	r.IPRXFCR.Set(uint32(c.cfg.RXWatermark-1) << fifoWmShift & fifoWmMask)
	c.trace("module enabled", r.MCR0, r.INTEN, r.IPTXFCR, r.IPRXFCR)
	return nil
}

func (c *Controller) initClock() error {
	w, err := c.mapper.Map(c.cfg.CCMBase, ccmSize)
	if err != nil {
		return fmt.Errorf("flexspi: map clock controller: %w", err)
	}
	c.ccm = w
	gate := reg{w: w, base: c.cfg.CCMBase, off: ccmCCGR47}
	root := reg{w: w, base: c.cfg.CCMBase, off: ccmQSPIClkRoot}

	c.trace("clock gate", gate)
	gate.Set(ccgrAlwaysOn)
	c.trace("clock gated on", gate)

	c.trace("clock root", root)
	root.Set(clkRootEnable |
		c.cfg.ClockMux<<clkRootMuxShift |
		c.cfg.ClockPreDiv<<clkRootPreShift |
		c.cfg.ClockPostDiv<<clkRootPostShift)
	// The root may drop the enable bit while it switches mux and
	// dividers; assert it again.
	root.SetBits(clkRootEnable)
	c.trace("clock root set", root)

	if f := c.SerialClock(); f != 0 {
		c.log.Debug("flexspi: serial clock", "freq", f.String())
	}
	return nil
}

// SerialClock returns the configured clock root rate, or zero if the
// selected source has no fixed rate.
func (c *Controller) SerialClock() physic.Frequency {
	src := clockSources[c.cfg.ClockMux&clkRootMuxMask]
	div := int64(c.cfg.ClockPreDiv+1) * int64(c.cfg.ClockPostDiv+1)
	return physic.Frequency(int64(src) / div)
}

func (c *Controller) initPins() error {
	w, err := c.mapper.Map(c.cfg.IOMUXCBase, iomuxcSize)
	if err != nil {
		return fmt.Errorf("flexspi: map pin multiplexer: %w", err)
	}
	c.iomuxc = w
	pads := []uint32{
		padFlexSPIASCLK,
		padFlexSPIASS0B,
		padFlexSPIAData0,
		padFlexSPIAData1,
		padFlexSPIAData2,
		padFlexSPIAData3,
	}
	for _, off := range pads {
		pad := reg{w: w, base: c.cfg.IOMUXCBase, off: off}
		pad.Set(muxAlt1 | muxSION)
		c.trace("pin mux", pad)
	}
	return nil
}
