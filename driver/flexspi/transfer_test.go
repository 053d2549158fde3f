package flexspi

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	writeSeq = []uint32{
		Seq(OpCmd, Pad4, 0x01, OpAddr, Pad4, 32),
		Seq(OpWrite, Pad4, 4, OpStop, Pad1, 0),
	}
	readSeq = []uint32{
		Seq(OpCmd, Pad4, 0x80, OpAddr, Pad4, 32),
		Seq(OpDummy, Pad4, 8, OpRead, Pad4, 4),
	}
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + n)
	}
	return data
}

func TestWriteEndToEnd(t *testing.T) {
	c, sim := newReady(t)
	require.NoError(t, c.ProgramLUT(0, writeSeq))

	data := pattern(37)
	require.NoError(t, c.Write(0xcafecafe, 0, data))

	assert.Equal(t, []SimCommand{{Addr: 0xcafecafe, Seq: 0, Count: 1, Size: 37}}, sim.Commands())
	bursts := sim.TXBursts()
	require.Len(t, bursts, 1)
	require.Len(t, bursts[0], 10, "9 whole words and one remainder word")
	for i := 0; i < 9; i++ {
		assert.Equal(t, binary.LittleEndian.Uint32(data[4*i:]), bursts[0][i], "word %d", i)
	}
	assert.Equal(t, uint32(data[36]), bursts[0][9])
	assert.Equal(t, data, sim.Memory(0xcafecafe, len(data)))
	assert.False(t, c.Faulted())
}

func TestWritePump(t *testing.T) {
	for _, wm := range []int{1, 2, 8, 16} {
		t.Run(fmt.Sprintf("watermark=%d", wm), func(t *testing.T) {
			sim := NewSimulator()
			cfg := testConfig()
			cfg.TXWatermark = wm
			c, err := Open(sim, cfg)
			require.NoError(t, err)
			defer c.Close()

			burst := 8 * wm
			var sizes []int
			for s := 1; s < burst; s++ {
				sizes = append(sizes, s)
			}
			sizes = append(sizes, burst, burst+1, burst+5, 3*burst, 3*burst+3)
			addr := uint32(0)
			for _, size := range sizes {
				data := pattern(size)
				before := len(sim.TXBursts())
				require.NoError(t, c.Write(addr, 0, data), "size %d", size)
				bursts := sim.TXBursts()[before:]

				full, rem := size/burst, size%burst
				want := full
				if rem != 0 {
					want++
				}
				require.Len(t, bursts, want, "size %d", size)
				for i := 0; i < full; i++ {
					assert.Len(t, bursts[i], 2*wm, "size %d: full burst %d", size, i)
				}
				if rem != 0 {
					last := bursts[len(bursts)-1]
					assert.Len(t, last, (rem+3)/4, "size %d: remainder burst", size)
					if tail := rem % 4; tail != 0 {
						var packed [4]byte
						copy(packed[:], data[size-tail:])
						assert.Equal(t, binary.LittleEndian.Uint32(packed[:]), last[len(last)-1], "size %d: packed tail", size)
					}
				}
				assert.Equal(t, data, sim.Memory(addr, size), "size %d", size)
				addr += 0x10000
			}
		})
	}
}

func TestReadPump(t *testing.T) {
	for _, wm := range []int{1, 4, 8} {
		t.Run(fmt.Sprintf("watermark=%d", wm), func(t *testing.T) {
			sim := NewSimulator()
			cfg := testConfig()
			cfg.RXWatermark = wm
			cfg.ReadSeq = 3
			c, err := Open(sim, cfg)
			require.NoError(t, err)
			defer c.Close()
			require.NoError(t, c.ProgramLUT(3, readSeq))

			burst := 4 * wm
			for _, size := range []int{1, 2, 3, 4, 5, burst - 1, burst, burst + 1, 2*burst + 3, 5 * burst} {
				data := pattern(size)
				addr := uint32(size) << 12
				sim.SetMemory(addr, data)
				before := len(sim.RXBursts())
				buf := make([]byte, size)
				require.NoError(t, c.Read(addr, buf), "size %d", size)
				assert.Equal(t, data, buf, "size %d", size)

				bursts := sim.RXBursts()[before:]
				full, rem := size/burst, size%burst
				for i := 0; i < full; i++ {
					assert.Len(t, bursts[i], wm, "size %d: full burst %d", size, i)
				}
				if rem != 0 {
					require.Len(t, bursts, full+1, "size %d", size)
					assert.Len(t, bursts[full], (rem+3)/4, "size %d: remainder burst", size)
				} else {
					assert.Len(t, bursts, full, "size %d", size)
				}
			}
			for _, cmd := range sim.Commands() {
				assert.True(t, cmd.Read)
				assert.Equal(t, uint8(3), cmd.Seq)
			}
		})
	}
}

func TestReadUnderflow(t *testing.T) {
	c, sim := newReady(t)
	require.NoError(t, c.ProgramLUT(0, readSeq))
	sim.InjectRXUnderflow()

	err := c.Read(0x100, make([]byte, 64))
	require.ErrorIs(t, err, ErrFIFOUnderflow)
	assert.True(t, c.IsReady(), "a fault keeps the controller mapped")
	assert.True(t, c.Faulted())

	busy, err := c.PollBusy()
	assert.False(t, busy)
	assert.ErrorIs(t, err, ErrFIFOUnderflow)

	assert.ErrorIs(t, c.Write(0, 0, nil), ErrFaulted)
	assert.ErrorIs(t, c.ProgramLUT(0, writeSeq), ErrFaulted)

	require.NoError(t, c.Close())
	assert.False(t, c.IsReady())
	assert.False(t, c.Faulted())

	require.NoError(t, c.Init())
	require.NoError(t, c.ProgramLUT(0, readSeq))
	sim.SetMemory(0x100, []byte{1, 2, 3})
	buf := make([]byte, 3)
	require.NoError(t, c.Read(0x100, buf))
	assert.Equal(t, []byte{1, 2, 3}, buf)
}

func TestExecuteRejects(t *testing.T) {
	tests := []struct {
		name string
		tr   Transfer
		want error
	}{
		{"zero kind", Transfer{SeqCount: 1}, ErrUnsupportedKind},
		{"unknown kind", Transfer{Kind: 7, SeqCount: 1}, ErrUnsupportedKind},
		{"sequence index", Transfer{Kind: KindWrite, SeqIndex: NumSeqs, SeqCount: 1}, ErrOutOfRange},
		{"zero count", Transfer{Kind: KindWrite}, ErrOutOfRange},
		{"count", Transfer{Kind: KindRead, SeqCount: 9}, ErrOutOfRange},
		{"size", Transfer{Kind: KindWrite, SeqCount: 1, Data: make([]byte, 0x10000)}, ErrOutOfRange},
		{"port", Transfer{Kind: KindConfig, SeqCount: 1, Port: numPorts}, ErrOutOfRange},
	}
	c, sim := newReady(t)
	for _, test := range tests {
		writes := sim.Writes()
		err := c.Execute(&test.tr)
		assert.ErrorIs(t, err, test.want, test.name)
		assert.Equal(t, writes, sim.Writes(), "%s: registers written", test.name)
		assert.False(t, c.Faulted(), test.name)
	}
	assert.Empty(t, sim.Commands())
}

func TestExecuteConfig(t *testing.T) {
	c, sim := newReady(t)
	require.NoError(t, c.ProgramLUT(5, writeSeq))
	tr := &Transfer{
		Addr:     0x40,
		Port:     PortB1,
		Kind:     KindConfig,
		SeqIndex: 5,
		SeqCount: 2,
		Data:     []byte{0xaa, 0x55},
	}
	require.NoError(t, c.Execute(tr))
	assert.Equal(t, []SimCommand{{Addr: 0x40, Seq: 5, Count: 2, Size: 2}}, sim.Commands())
	assert.Equal(t, [][]uint32{{0x55aa}}, sim.TXBursts())
}

func TestExecuteTimeout(t *testing.T) {
	sim := NewSimulator()
	cfg := testConfig()
	cfg.Waiter = Deadline(10 * time.Millisecond)
	c, err := Open(sim, cfg)
	require.NoError(t, err)
	defer c.Close()

	sim.Stall(true)
	err = c.Write(0, 0, []byte{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, c.Faulted())
	assert.Len(t, sim.Commands(), 1)
}

func TestExecuteCanceled(t *testing.T) {
	sim := NewSimulator()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.Waiter = Context(ctx)
	c, err := Open(sim, cfg)
	require.NoError(t, err)
	defer c.Close()

	sim.Stall(true)
	cancel()
	err = c.Write(0, 0, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollBusy(t *testing.T) {
	c, _ := newReady(t)
	require.NoError(t, c.Write(0, 0, []byte{1}))

	busy, err := c.PollBusy()
	require.NoError(t, err)
	assert.False(t, busy, "completed command")

	busy, err = c.PollBusy()
	require.NoError(t, err)
	assert.True(t, busy, "flags were cleared")
}

func TestPollBusyStatus(t *testing.T) {
	tests := []struct {
		name string
		intr uint32
		busy bool
		err  error
	}{
		{"idle", 0, true, nil},
		{"tx empty", intrIPTXWE, true, nil},
		{"done", intrIPCmdDone, false, nil},
		{"underflow", intrIPRXUnderflow, false, ErrFIFOUnderflow},
		{"underflow and done", intrIPRXUnderflow | intrIPCmdDone, false, ErrFIFOUnderflow},
		{"grant timeout", intrIPCmdDone | intrIPCmdGE, false, ErrCommand},
		{"sequence timeout", intrIPCmdDone | intrSeqTimeout, false, ErrCommand},
	}
	for _, test := range tests {
		// Plain memory stands in for the register block so INTR can be
		// preset.
		const base = 0x1000_0000
		sim := NewSimulator()
		w, err := sim.Map(base, layoutSize)
		require.NoError(t, err)
		w.Write32(offINTR, test.intr)

		c := New(sim, testConfig())
		c.regs = newRegs(w, base)
		c.state = stateReady
		busy, err := c.PollBusy()
		assert.Equal(t, test.busy, busy, test.name)
		if test.err != nil {
			assert.ErrorIs(t, err, test.err, test.name)
		} else {
			assert.NoError(t, err, test.name)
		}
	}
}

func TestExecuteCommandFailure(t *testing.T) {
	c, sim := newReady(t)
	require.NoError(t, c.ProgramLUT(0, writeSeq))
	sim.InjectGrantTimeout()

	err := c.Write(0x20, 0, pattern(12))
	require.ErrorIs(t, err, ErrCommand)
	assert.True(t, c.Faulted())
	assert.ErrorIs(t, c.Write(0x20, 0, nil), ErrFaulted)
	assert.Len(t, sim.Commands(), 1)

	require.NoError(t, c.Close())
	require.NoError(t, c.Init())
	require.NoError(t, c.ProgramLUT(0, writeSeq))
	require.NoError(t, c.Write(0x20, 0, pattern(12)))
	assert.Equal(t, pattern(12), sim.Memory(0x20, 12))
}

func TestCloseAbortsTransfer(t *testing.T) {
	sim := NewSimulator()
	ctx, abort := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.Waiter = WithContext(ctx, Spin())
	c, err := Open(sim, cfg)
	require.NoError(t, err)

	sim.Stall(true)
	errc := make(chan error, 1)
	go func() { errc <- c.Write(0, 0, pattern(8)) }()
	require.Eventually(t, func() bool { return len(sim.Commands()) == 1 }, time.Second, time.Millisecond)

	abort()
	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a spinning transfer")
	}
	err = <-errc
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.IsReady())
}
