// Command qspitool brings up the FlexSPI controller of an i.MX8M and
// exchanges commands with the FPGA attached to it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"periph.io/x/conn/v3"
	"qspitool.com/driver/flexspi"
)

// Version is set by the Go linker with -ldflags='-X main.Version=...'.
var Version string

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "qspitool: %v\n", err)
		atexit.Exit(2)
	}
	atexit.Exit(0)
}

func run(args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd(newOptions(stdout, stderr))
	cmd.SetArgs(args)
	return cmd.Execute()
}

// options are the flags shared by every subcommand.
type options struct {
	sim     bool
	envFile string
	noDebug bool
	noInfo  bool
	quiet   bool

	stdout io.Writer
	stderr io.Writer
	log    *slog.Logger
	level  *slog.LevelVar
	// simulator backs the controller when --sim is set. It survives
	// across commands run with the same options.
	simulator *flexspi.Simulator
}

func newOptions(stdout, stderr io.Writer) *options {
	return &options{
		stdout: stdout,
		stderr: stderr,
		level:  new(slog.LevelVar),
	}
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "qspitool",
		Short:         "Drive the i.MX8M FlexSPI controller from user space.",
		Version:       version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.setupLogging()
		},
	}
	root.SetOut(opts.stdout)
	root.SetErr(opts.stderr)
	flags := root.PersistentFlags()
	flags.BoolVar(&opts.sim, "sim", false, "use the register simulator instead of physical memory")
	flags.StringVar(&opts.envFile, "env", "", "load configuration from this env file")
	flags.BoolVar(&opts.noDebug, "no-debug", false, "disable debug logging")
	flags.BoolVar(&opts.noInfo, "no-info", false, "disable info logging")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "disable all logging")

	root.AddCommand(
		newProbeCmd(opts),
		newWriteCmd(opts),
		newReadCmd(opts),
		newSampleCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

func version() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}

func (o *options) setupLogging() {
	switch {
	case o.quiet:
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	case o.noInfo:
		o.level.Set(slog.LevelWarn)
	case o.noDebug:
		o.level.Set(slog.LevelInfo)
	default:
		o.level.Set(flexspi.LevelTrace)
	}
	o.log = slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: o.level}))
}

// open brings up a controller and arranges for it to be torn down on
// every exit path: normal return, exit through atexit, SIGINT, SIGTERM
// and memory faults on the mapped registers.
func (o *options) open() (*flexspi.Controller, func() error, error) {
	cfg, devPath, err := loadConfig(o.envFile)
	if err != nil {
		return nil, nil, err
	}
	cfg.Logger = o.log
	// Transfers poll through ctx so a signal can pull a stuck transfer
	// off the controller lock before teardown takes it.
	ctx, abort := context.WithCancel(context.Background())
	cfg.Waiter = flexspi.WithContext(ctx, flexspi.Timeout(cfg.Timeout))
	var c *flexspi.Controller
	if o.sim {
		if o.simulator == nil {
			o.simulator = flexspi.NewSimulator()
		}
		c = flexspi.New(o.simulator, cfg)
	} else {
		c = flexspi.NewDevice(devPath, cfg)
	}
	teardown := func() error {
		defer abort()
		return shutdown(o.log, c)
	}
	atexit.Register(func() { teardown() })

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go o.watchSignals(sigs, abort, atexit.Exit)
	debug.SetPanicOnFault(true)

	o.log.Info("starting", "version", version(), "controller", c.String())
	if err := c.Init(); err != nil {
		return nil, nil, err
	}
	return c, teardown, nil
}

// watchSignals aborts the transfer in flight on the first signal and
// exits with status 1.
func (o *options) watchSignals(sigs <-chan os.Signal, abort context.CancelFunc, exit func(code int)) {
	s := <-sigs
	o.log.Warn("terminating", "signal", s)
	abort()
	exit(1)
}

// shutdown disables r and releases it.
func shutdown(log *slog.Logger, r interface {
	conn.Resource
	io.Closer
}) error {
	err := errors.Join(r.Halt(), r.Close())
	if err != nil {
		log.Error("teardown", "resource", r.String(), "err", err)
	}
	return err
}

// guard runs f with c open, converting a fault on mapped memory into an
// error after tearing the controller down.
func (o *options) guard(f func(c *flexspi.Controller) error) (err error) {
	c, teardown, err := o.open()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			teardown()
			err = fmt.Errorf("fault: %v", r)
		}
	}()
	if err := f(c); err != nil {
		teardown()
		return err
	}
	return teardown()
}
