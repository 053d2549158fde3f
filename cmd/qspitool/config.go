package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"qspitool.com/driver/devmem"
	"qspitool.com/driver/flexspi"
)

// loadConfig returns the default controller configuration overridden by
// QSPI_* variables from the environment and, for variables not set
// there, from envFile.
func loadConfig(envFile string) (flexspi.Config, string, error) {
	file := map[string]string{}
	if envFile != "" {
		var err error
		file, err = godotenv.Read(envFile)
		if err != nil {
			return flexspi.Config{}, "", fmt.Errorf("config: %w", err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}

	cfg := flexspi.DefaultConfig
	devPath := devmem.Path
	if v, ok := lookup("QSPI_DEVMEM"); ok {
		devPath = v
	}
	uints := []struct {
		key  string
		bits int
		set  func(uint64)
	}{
		{"QSPI_FLEXSPI_BASE", 64, func(v uint64) { cfg.FlexSPIBase = v }},
		{"QSPI_CCM_BASE", 64, func(v uint64) { cfg.CCMBase = v }},
		{"QSPI_IOMUXC_BASE", 64, func(v uint64) { cfg.IOMUXCBase = v }},
		{"QSPI_CLOCK_MUX", 32, func(v uint64) { cfg.ClockMux = uint32(v) }},
		{"QSPI_CLOCK_PRE_DIV", 32, func(v uint64) { cfg.ClockPreDiv = uint32(v) }},
		{"QSPI_CLOCK_POST_DIV", 32, func(v uint64) { cfg.ClockPostDiv = uint32(v) }},
		{"QSPI_TX_WATERMARK", 8, func(v uint64) { cfg.TXWatermark = int(v) }},
		{"QSPI_RX_WATERMARK", 8, func(v uint64) { cfg.RXWatermark = int(v) }},
		{"QSPI_READ_SEQ", 8, func(v uint64) { cfg.ReadSeq = uint8(v) }},
	}
	for _, u := range uints {
		s, ok := lookup(u.key)
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(s, 0, u.bits)
		if err != nil {
			return flexspi.Config{}, "", fmt.Errorf("config: %s: %w", u.key, err)
		}
		u.set(v)
	}
	if s, ok := lookup("QSPI_TIMEOUT"); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return flexspi.Config{}, "", fmt.Errorf("config: QSPI_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	return cfg, devPath, nil
}
