// Package pgm owns guest physical memory and walks guest page tables.
//
// Every guest page carries a generation counter. Pages that translated code
// was compiled from are marked as code pages; a write to one bumps its
// generation, which is how compiled blocks on any VCpu notice that their
// bytes changed without taking a lock.
package pgm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

var (
	ErrUnmapped = errors.New("guest physical address not backed by ram")
	// ErrPending is returned for a page that was ballooned out and must be
	// resolved before it can be touched.
	ErrPending = errors.New("guest page not resident")
)

// PendingError names the page an access found ballooned out.
type PendingError struct{ GPA uint64 }

var _ error = PendingError{}

func (e PendingError) Error() string { return fmt.Sprintf("%v: %#x", ErrPending, e.GPA) }
func (e PendingError) Unwrap() error { return ErrPending }

type pageInfo struct {
	gen    atomic.Uint64
	code   atomic.Bool
	absent atomic.Bool
}

// Memory is the RAM of one VM: a single contiguous region starting at Base.
type Memory struct {
	base  uint64
	data  []byte
	pages []pageInfo

	mu       sync.Mutex
	resolved atomic.Uint64
	log      *slog.Logger
}

// New allocates size bytes of zeroed guest RAM at base. Both must be page
// aligned.
func New(base, size uint64, log *slog.Logger) (*Memory, error) {
	if size == 0 || size&PageMask != 0 || base&PageMask != 0 {
		return nil, fmt.Errorf("pgm: ram %#x+%#x is not page aligned", base, size)
	}
	if base+size < base {
		return nil, fmt.Errorf("pgm: ram %#x+%#x wraps the address space", base, size)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		base:  base,
		data:  make([]byte, size),
		pages: make([]pageInfo, size>>PageShift),
		log:   log,
	}, nil
}

func (m *Memory) Base() uint64 { return m.base }
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }
func (m *Memory) End() uint64  { return m.base + uint64(len(m.data)) }

// Contains reports whether [gpa, gpa+n) lies inside RAM.
func (m *Memory) Contains(gpa, n uint64) bool {
	return gpa >= m.base && gpa-m.base <= uint64(len(m.data)) && n <= uint64(len(m.data))-(gpa-m.base)
}

func (m *Memory) info(gpa uint64) (*pageInfo, error) {
	if !m.Contains(gpa, 1) {
		return nil, fmt.Errorf("%w: %#x", ErrUnmapped, gpa)
	}
	return &m.pages[(gpa-m.base)>>PageShift], nil
}

// Page returns the host bytes of the page holding gpa. The slice stays
// valid for the life of the Memory.
func (m *Memory) Page(gpa uint64) ([]byte, error) {
	p, err := m.info(gpa)
	if err != nil {
		return nil, err
	}
	if p.absent.Load() {
		return nil, PendingError{GPA: gpa &^ PageMask}
	}
	off := (gpa - m.base) &^ PageMask
	return m.data[off : off+PageSize : off+PageSize], nil
}

// Resident reports whether the page holding gpa can be accessed.
func (m *Memory) Resident(gpa uint64) bool {
	p, err := m.info(gpa)
	return err == nil && !p.absent.Load()
}

// Balloon gives the page holding gpa back to the host. Its contents are
// lost and accesses return ErrPending until Resolve is called.
func (m *Memory) Balloon(gpa uint64) error {
	p, err := m.info(gpa)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.absent.Store(true)
	p.gen.Add(1)
	return nil
}

// Resolve makes the page holding gpa resident again, zero filled. It may
// block on other resolutions and is a no-op for resident pages.
func (m *Memory) Resolve(gpa uint64) error {
	p, err := m.info(gpa)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !p.absent.Load() {
		return nil
	}
	off := (gpa - m.base) &^ PageMask
	clear(m.data[off : off+PageSize])
	p.gen.Add(1)
	p.absent.Store(false)
	m.resolved.Add(1)
	m.log.Debug("resolved ballooned page", "gpa", fmt.Sprintf("%#x", gpa&^PageMask))
	return nil
}

// ResolvedPages counts successful Resolve calls.
func (m *Memory) ResolvedPages() uint64 { return m.resolved.Load() }

// Generation is the write generation of the page holding gpa.
func (m *Memory) Generation(gpa uint64) uint64 {
	p, err := m.info(gpa)
	if err != nil {
		return 0
	}
	return p.gen.Load()
}

// TrackCode marks the page holding gpa as a code page and returns its
// generation. Callers read the page's bytes after this call.
func (m *Memory) TrackCode(gpa uint64) uint64 {
	p, err := m.info(gpa)
	if err != nil {
		return 0
	}
	p.code.Store(true)
	return p.gen.Load()
}

// IsCode reports whether translated code was compiled from the page.
func (m *Memory) IsCode(gpa uint64) bool {
	p, err := m.info(gpa)
	return err == nil && p.code.Load()
}

// NoteWrite must follow every write to guest RAM that did not go through
// Write. It bumps the generation of code pages.
func (m *Memory) NoteWrite(gpa uint64) {
	if p, err := m.info(gpa); err == nil && p.code.Load() {
		p.gen.Add(1)
	}
}

// InvalidateAll bumps the generation of every page, e.g. after the whole of
// RAM was replaced by a restore.
func (m *Memory) InvalidateAll() {
	for i := range m.pages {
		m.pages[i].gen.Add(1)
	}
}

// Read copies guest physical memory into p.
func (m *Memory) Read(gpa uint64, p []byte) error {
	for len(p) > 0 {
		page, err := m.Page(gpa)
		if err != nil {
			return err
		}
		n := copy(p, page[gpa&PageMask:])
		p = p[n:]
		gpa += uint64(n)
	}
	return nil
}

// Write copies p into guest physical memory.
func (m *Memory) Write(gpa uint64, p []byte) error {
	for len(p) > 0 {
		page, err := m.Page(gpa)
		if err != nil {
			return err
		}
		n := copy(page[gpa&PageMask:], p)
		m.NoteWrite(gpa)
		p = p[n:]
		gpa += uint64(n)
	}
	return nil
}

// ReadU64 reads a little-endian quadword, as page table walks do.
func (m *Memory) ReadU64(gpa uint64) (uint64, error) {
	var b [8]byte
	if err := m.Read(gpa, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *Memory) WriteU64(gpa, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(gpa, b[:])
}

// LoadImage copies a guest image into RAM, resolving ballooned pages first.
func (m *Memory) LoadImage(gpa uint64, image []byte) error {
	if !m.Contains(gpa, uint64(len(image))) {
		return fmt.Errorf("load %d bytes at %#x: %w", len(image), gpa, ErrUnmapped)
	}
	for a := gpa &^ PageMask; a < gpa+uint64(len(image)); a += PageSize {
		if err := m.Resolve(a); err != nil {
			return err
		}
	}
	return m.Write(gpa, image)
}
