// Package devmem maps windows of physical address space into the process
// through a raw physical memory device such as /dev/mem.
package devmem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"periph.io/x/host/v3/pmem"
)

// Path is the default physical memory device.
const Path = "/dev/mem"

// Mem is an open physical memory device. Every window mapped through
// it shares its file descriptor.
type Mem struct {
	mu       sync.Mutex
	dev      *os.File
	pageSize int
	windows  map[*Window]struct{}
}

// Window is a mapped range of physical memory. Offsets passed to Read32
// and Write32 are relative to the physical base given to Map.
type Window struct {
	mem     *Mem
	base    uint64
	size    int
	mapping []byte
	words   []uint32
}

// MapError describes a failed mapping.
type MapError struct {
	Base uint64
	Size int
	Err  error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("devmem: map %#x (%d bytes): %v", e.Base, e.Size, e.Err)
}

func (e *MapError) Unwrap() error {
	return e.Err
}

var errClosed = errors.New("device closed")

// Open opens the physical memory device at path.
func Open(path string) (*Mem, error) {
	dev, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("devmem: %w", err)
	}
	return &Mem{
		dev:      dev,
		pageSize: unix.Getpagesize(),
		windows:  make(map[*Window]struct{}),
	}, nil
}

// Map maps size bytes of physical memory starting at base. The base need
// not be page aligned; the mapping starts at the enclosing page and the
// returned window is positioned at base.
func (m *Mem) Map(base uint64, size int) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size <= 0 {
		return nil, &MapError{Base: base, Size: size, Err: errors.New("invalid size")}
	}
	if m.dev == nil {
		return nil, &MapError{Base: base, Size: size, Err: errClosed}
	}
	pageMask := uint64(m.pageSize - 1)
	aligned := base &^ pageMask
	offset := int(base - aligned)
	length := (offset + size + m.pageSize - 1) &^ int(pageMask)
	mapping, err := unix.Mmap(int(m.dev.Fd()), int64(aligned), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &MapError{Base: base, Size: size, Err: err}
	}
	view := pmem.Slice(mapping[offset : offset+size])
	w := &Window{
		mem:     m,
		base:    base,
		size:    size,
		mapping: mapping,
		words:   view.Uint32(),
	}
	m.windows[w] = struct{}{}
	return w, nil
}

// Live returns the number of windows currently mapped.
func (m *Mem) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Close unmaps every live window and closes the device. Closing an
// already closed Mem is a no-op.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for w := range m.windows {
		errs = append(errs, w.unmap())
	}
	if m.dev != nil {
		errs = append(errs, m.dev.Close())
		m.dev = nil
	}
	return errors.Join(errs...)
}

// Base returns the physical address the window starts at.
func (w *Window) Base() uint64 {
	return w.base
}

// Size returns the length of the window in bytes.
func (w *Window) Size() int {
	return w.size
}

// Read32 loads the 32-bit register at off.
func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32(&w.words[off/4])
}

// Write32 stores v to the 32-bit register at off.
func (w *Window) Write32(off uint32, v uint32) {
	atomic.StoreUint32(&w.words[off/4], v)
}

// Close unmaps the window. Closing an unmapped window is a no-op.
func (w *Window) Close() error {
	w.mem.mu.Lock()
	defer w.mem.mu.Unlock()
	return w.unmap()
}

func (w *Window) unmap() error {
	if w.mapping == nil {
		return nil
	}
	delete(w.mem.windows, w)
	err := unix.Munmap(w.mapping)
	w.mapping = nil
	w.words = nil
	if err != nil {
		return fmt.Errorf("devmem: unmap %#x: %w", w.base, err)
	}
	return nil
}
