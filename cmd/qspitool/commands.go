package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
	"qspitool.com/driver/flexspi"
	"qspitool.com/fpga"
)

// probeLUT issues a quad read of opcode 0x8f.
var probeLUT = []uint32{
	flexspi.Seq(flexspi.OpCmd, flexspi.Pad4, 0x8f, flexspi.OpRead, flexspi.Pad4, uint8(flexspi.OpDummy)),
	0,
	0,
	0,
}

func newProbeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Bring up the controller and issue a test command.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.guard(func(c *flexspi.Controller) error {
				if err := c.ProgramLUT(0, probeLUT); err != nil {
					return err
				}
				if err := c.Write(0xcafecafe, 0, nil); err != nil {
					return fmt.Errorf("probe: %w", err)
				}
				opts.log.Info("probe complete")
				fmt.Fprintln(opts.stdout, "ok")
				return nil
			})
		},
	}
}

// seqFlags selects the LUT sequence of a transfer, either by index or
// by FPGA command name.
type seqFlags struct {
	seq  uint8
	name string
}

func (f *seqFlags) register(cmd *cobra.Command) {
	cmd.Flags().Uint8Var(&f.seq, "seq", 0, "LUT sequence index")
	cmd.Flags().StringVar(&f.name, "cmd", "", "FPGA command name, e.g. WR_SPI1")
	cmd.MarkFlagsMutuallyExclusive("seq", "cmd")
}

func (f *seqFlags) resolve() (uint8, error) {
	if f.name == "" {
		return f.seq, nil
	}
	return fpga.Index(f.name)
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", s, err)
	}
	return uint32(v), nil
}

func newWriteCmd(opts *options) *cobra.Command {
	var sf seqFlags
	cmd := &cobra.Command{
		Use:   "write ADDR HEXDATA",
		Short: "Send data to the device with a LUT sequence.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			data, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
			seq, err := sf.resolve()
			if err != nil {
				return err
			}
			return opts.guard(func(c *flexspi.Controller) error {
				if err := fpga.Program(c); err != nil {
					return err
				}
				return c.Write(addr, seq, data)
			})
		},
	}
	sf.register(cmd)
	return cmd
}

func newReadCmd(opts *options) *cobra.Command {
	var sf seqFlags
	cmd := &cobra.Command{
		Use:   "read ADDR LENGTH",
		Short: "Read data from the device with a LUT sequence and dump it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.ParseUint(args[1], 0, 16)
			if err != nil {
				return fmt.Errorf("length %q: %w", args[1], err)
			}
			seq, err := sf.resolve()
			if err != nil {
				return err
			}
			return opts.guard(func(c *flexspi.Controller) error {
				if err := fpga.Program(c); err != nil {
					return err
				}
				buf := make([]byte, n)
				if err := c.ReadSeq(addr, seq, buf); err != nil {
					return err
				}
				_, err := fmt.Fprint(opts.stdout, hex.Dump(buf))
				return err
			})
		},
	}
	sf.register(cmd)
	return cmd
}

func newSampleCmd(opts *options) *cobra.Command {
	var (
		addr   uint32
		count  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Read acquisition frames from the FPGA.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "cbor" {
				return fmt.Errorf("unknown format %q", format)
			}
			return opts.guard(func(c *flexspi.Controller) error {
				if err := fpga.Program(c); err != nil {
					return err
				}
				enc := cbor.NewEncoder(opts.stdout)
				for i := 0; i < count; i++ {
					s, err := fpga.ReadSample(c, addr)
					if err != nil {
						return err
					}
					if format == "cbor" {
						if err := enc.Encode(s); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(opts.stdout, "%d: %v quality=%d range=%#x overflow=%#x fail=%#x count=%d sync=%d/%d\n",
						s.Index, s.Values, s.ExtQuality, s.OutOfRange, s.Overflow, s.HWFail, s.Count, s.SyncHigh, s.SyncHighTrig)
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&addr, "addr", 0, "device address of the sample")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of samples")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or cbor")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Bring up the controller and report its state.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.guard(func(c *flexspi.Controller) error {
				busy, err := c.PollBusy()
				if err != nil {
					return err
				}
				clk := "unknown"
				if f := c.SerialClock(); f != 0 {
					clk = f.String()
				}
				fmt.Fprintf(opts.stdout, "%s ready=%t busy=%t clock=%s\n", c, c.IsReady(), busy, clk)
				return nil
			})
		},
	}
}
