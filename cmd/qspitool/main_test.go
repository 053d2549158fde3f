package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"qspitool.com/driver/flexspi"
	"qspitool.com/fpga"
)

func runTool(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), err
}

func TestProbe(t *testing.T) {
	out, err := runTool(t, "--sim", "-q", "probe")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

func TestWriteRead(t *testing.T) {
	var stdout bytes.Buffer
	opts := newOptions(&stdout, io.Discard)
	exec := func(args ...string) error {
		cmd := newRootCmd(opts)
		cmd.SetArgs(args)
		return cmd.Execute()
	}
	require.NoError(t, exec("--sim", "-q", "write", "--cmd", "WR_SPI1", "0x10", "deadbeef"))
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, opts.simulator.Memory(0x10, 4))

	require.NoError(t, exec("--sim", "-q", "read", "--cmd", "RD_SPI1", "0x10", "6"))
	assert.Contains(t, stdout.String(), "de ad be ef ff ff")
}

func TestReadErased(t *testing.T) {
	out, err := runTool(t, "--sim", "-q", "read", "--cmd", "RD_SPI1", "0x10", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "ff ff ff ff")
}

func TestSignalAbortsTransfer(t *testing.T) {
	ctx, abort := context.WithCancel(context.Background())
	cfg := flexspi.DefaultConfig
	cfg.Waiter = flexspi.WithContext(ctx, flexspi.Spin())
	sim := flexspi.NewSimulator()
	c, err := flexspi.Open(sim, cfg)
	require.NoError(t, err)

	sim.Stall(true)
	errc := make(chan error, 1)
	go func() { errc <- c.Write(0, 0, []byte{1, 2, 3, 4}) }()
	require.Eventually(t, func() bool { return len(sim.Commands()) == 1 }, time.Second, time.Millisecond)

	opts := newOptions(io.Discard, io.Discard)
	opts.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	sigs := make(chan os.Signal, 1)
	exited := make(chan int, 1)
	go opts.watchSignals(sigs, abort, func(code int) {
		shutdown(opts.log, c)
		exited <- code
	})
	sigs <- syscall.SIGINT
	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown blocked behind the transfer")
	}
	assert.ErrorIs(t, <-errc, flexspi.ErrTimeout)
	assert.False(t, c.IsReady())
}

func TestCommandErrors(t *testing.T) {
	tests := [][]string{
		{"--sim", "-q", "write", "0x10", "xyz"},
		{"--sim", "-q", "write", "--cmd", "WR_NOTHING", "0", "00"},
		{"--sim", "-q", "write", "--cmd", "WR_SPI1", "--seq", "1", "0", "00"},
		{"--sim", "-q", "read", "banana", "4"},
		{"--sim", "-q", "read", "0", "0x10000"},
		{"--sim", "-q", "sample", "--format", "json"},
		{"--sim", "-q", "write", "--seq", "40", "0", "00"},
	}
	for _, args := range tests {
		_, err := runTool(t, args...)
		assert.Error(t, err, strings.Join(args, " "))
	}
}

func TestSampleCBOR(t *testing.T) {
	out, err := runTool(t, "--sim", "-q", "sample", "-n", "2", "--format", "cbor")
	require.NoError(t, err)

	dec := cbor.NewDecoder(strings.NewReader(out))
	for i := 0; i < 2; i++ {
		var s fpga.Sample
		require.NoError(t, dec.Decode(&s), "sample %d", i)
		assert.Equal(t, uint32(0xffffffff), s.Index)
		assert.Equal(t, int32(-1), s.Values[0])
	}
}

func TestSampleText(t *testing.T) {
	out, err := runTool(t, "--sim", "-q", "sample")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "4294967295: "), out)
}

func TestStatus(t *testing.T) {
	out, err := runTool(t, "--sim", "-q", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "FlexSPI@0x30bb0000 ready=true")
	want := flexspi.New(nil, flexspi.DefaultConfig).SerialClock()
	assert.Contains(t, out, "clock="+want.String())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qspi.env")
	env := `QSPI_DEVMEM=/tmp/mem
QSPI_FLEXSPI_BASE=0x30bc0000
QSPI_TX_WATERMARK=4
QSPI_CLOCK_MUX=1
QSPI_TIMEOUT=50ms
`
	require.NoError(t, os.WriteFile(path, []byte(env), 0o600))
	t.Setenv("QSPI_CLOCK_MUX", "3")

	cfg, dev, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mem", dev)
	assert.Equal(t, uint64(0x30bc0000), cfg.FlexSPIBase)
	assert.Equal(t, 4, cfg.TXWatermark)
	assert.Equal(t, flexspi.DefaultConfig.RXWatermark, cfg.RXWatermark)
	assert.Equal(t, uint32(3), cfg.ClockMux, "environment overrides the file")
	assert.Equal(t, 50*time.Millisecond, cfg.Timeout)

	_, _, err = loadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	t.Setenv("QSPI_RX_WATERMARK", "many")
	_, _, err = loadConfig("")
	assert.ErrorContains(t, err, "QSPI_RX_WATERMARK")
}
