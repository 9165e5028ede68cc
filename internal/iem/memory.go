package iem

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/iem/internal/pgm"
)

// U128 is a 128-bit little-endian value.
type U128 struct{ Lo, Hi uint64 }

// U256 is a 256-bit little-endian value, lowest quadword first.
type U256 [4]uint64

// R80 is an x87 extended precision value.
type R80 struct {
	Mantissa uint64
	SignExp  uint16
}

// D80 is an x87 packed BCD value, 18 digits plus the sign byte.
type D80 [10]byte

func (v *VCpu) regime() (*pgm.Paging, error) {
	if v.paging == nil {
		pg, err := v.target.Paging(v)
		if err != nil {
			return nil, err
		}
		v.paging = pg
	}
	return v.paging, nil
}

// translate resolves a linear address through the code or data TLB. It
// returns *Fault for guest-visible failures and pgm.PendingError for
// ballooned pages.
func (v *VCpu) translate(la uint64, access pgm.Access) (*tlbEntry, error) {
	access |= v.userAccess()
	tlb := v.dataTLB
	if access&pgm.AccessExec != 0 {
		tlb = v.codeTLB
	}
	if e := tlb.lookup(la, access); e != nil {
		return e, nil
	}
	pg, err := v.regime()
	if err != nil {
		return nil, err
	}
	tr, err := v.mem.Translate(pg, la, access)
	if err != nil {
		var wf pgm.WalkFault
		switch {
		case errors.As(err, &wf):
			return nil, pageFault(la, wf)
		case errors.Is(err, pgm.ErrUnmapped):
			return nil, &Fault{Kind: FaultAccessDenied, Addr: la, Access: access}
		}
		return nil, err
	}
	page, err := v.mem.Page(tr.Phys)
	if err != nil {
		return nil, err
	}
	return tlb.fill(la, access, tr, page), nil
}

func alignFault(la uint64, access pgm.Access) *Fault {
	return &Fault{Kind: FaultAlignment, Addr: la, Access: access}
}

// span translates every page an access touches before any byte is moved.
func (v *VCpu) span(seg int, addr uint64, n int, access pgm.Access, align int) (la uint64, first, second *tlbEntry, err error) {
	la, err = v.linear(seg, addr, n, access)
	if err != nil {
		return 0, nil, nil, err
	}
	if align > 1 && la&uint64(align-1) != 0 {
		return 0, nil, nil, alignFault(la, access)
	}
	first, err = v.translate(la, access)
	if err != nil {
		return 0, nil, nil, err
	}
	if la&pgm.PageMask+uint64(n) > pgm.PageSize {
		second, err = v.translate((la|pgm.PageMask)+1, access)
		if err != nil {
			return 0, nil, nil, err
		}
	}
	return la, first, second, nil
}

func (v *VCpu) readMem(seg int, addr uint64, buf []byte, align int) error {
	la, first, second, err := v.span(seg, addr, len(buf), pgm.AccessRead, align)
	if err != nil {
		return err
	}
	n := copy(buf, first.page[la&pgm.PageMask:])
	if second != nil {
		copy(buf[n:], second.page)
	}
	return nil
}

func (v *VCpu) writeMem(seg int, addr uint64, buf []byte, align int) error {
	la, first, second, err := v.span(seg, addr, len(buf), pgm.AccessWrite, align)
	if err != nil {
		return err
	}
	n := copy(first.page[la&pgm.PageMask:], buf)
	v.mem.NoteWrite(first.phys)
	if second != nil {
		copy(second.page, buf[n:])
		v.mem.NoteWrite(second.phys)
	}
	return nil
}

func (v *VCpu) ReadU8(seg int, addr uint64) (uint8, error) {
	var b [1]byte
	err := v.readMem(seg, addr, b[:], 0)
	return b[0], err
}

func (v *VCpu) ReadU16(seg int, addr uint64) (uint16, error) {
	var b [2]byte
	err := v.readMem(seg, addr, b[:], 0)
	return binary.LittleEndian.Uint16(b[:]), err
}

func (v *VCpu) ReadU32(seg int, addr uint64) (uint32, error) {
	var b [4]byte
	err := v.readMem(seg, addr, b[:], 0)
	return binary.LittleEndian.Uint32(b[:]), err
}

func (v *VCpu) ReadU64(seg int, addr uint64) (uint64, error) {
	var b [8]byte
	err := v.readMem(seg, addr, b[:], 0)
	return binary.LittleEndian.Uint64(b[:]), err
}

func (v *VCpu) ReadU128(seg int, addr uint64) (U128, error) {
	return v.readU128(seg, addr, 0)
}

// ReadU128AlignedSSE requires 16-byte alignment, as movaps and movdqa do.
func (v *VCpu) ReadU128AlignedSSE(seg int, addr uint64) (U128, error) {
	return v.readU128(seg, addr, 16)
}

func (v *VCpu) readU128(seg int, addr uint64, align int) (U128, error) {
	var b [16]byte
	if err := v.readMem(seg, addr, b[:], align); err != nil {
		return U128{}, err
	}
	return U128{binary.LittleEndian.Uint64(b[:]), binary.LittleEndian.Uint64(b[8:])}, nil
}

func (v *VCpu) ReadU256(seg int, addr uint64) (U256, error) {
	var b [32]byte
	var r U256
	if err := v.readMem(seg, addr, b[:], 0); err != nil {
		return r, err
	}
	for i := range r {
		r[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return r, nil
}

func (v *VCpu) ReadR80(seg int, addr uint64) (R80, error) {
	var b [10]byte
	if err := v.readMem(seg, addr, b[:], 0); err != nil {
		return R80{}, err
	}
	return R80{binary.LittleEndian.Uint64(b[:]), binary.LittleEndian.Uint16(b[8:])}, nil
}

func (v *VCpu) ReadD80(seg int, addr uint64) (D80, error) {
	var d D80
	err := v.readMem(seg, addr, d[:], 0)
	return d, err
}

func (v *VCpu) WriteU8(seg int, addr uint64, x uint8) error {
	return v.writeMem(seg, addr, []byte{x}, 0)
}

func (v *VCpu) WriteU16(seg int, addr uint64, x uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], x)
	return v.writeMem(seg, addr, b[:], 0)
}

func (v *VCpu) WriteU32(seg int, addr uint64, x uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	return v.writeMem(seg, addr, b[:], 0)
}

func (v *VCpu) WriteU64(seg int, addr uint64, x uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return v.writeMem(seg, addr, b[:], 0)
}

func (v *VCpu) WriteU128(seg int, addr uint64, x U128) error {
	return v.writeU128(seg, addr, x, 0)
}

func (v *VCpu) WriteU128AlignedSSE(seg int, addr uint64, x U128) error {
	return v.writeU128(seg, addr, x, 16)
}

func (v *VCpu) writeU128(seg int, addr uint64, x U128, align int) error {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:], x.Lo)
	binary.LittleEndian.PutUint64(b[8:], x.Hi)
	return v.writeMem(seg, addr, b[:], align)
}

func (v *VCpu) WriteU256(seg int, addr uint64, x U256) error {
	var b [32]byte
	for i := range x {
		binary.LittleEndian.PutUint64(b[8*i:], x[i])
	}
	return v.writeMem(seg, addr, b[:], 0)
}

func (v *VCpu) WriteR80(seg int, addr uint64, x R80) error {
	var b [10]byte
	binary.LittleEndian.PutUint64(b[:], x.Mantissa)
	binary.LittleEndian.PutUint16(b[8:], x.SignExp)
	return v.writeMem(seg, addr, b[:], 0)
}

func (v *VCpu) WriteD80(seg int, addr uint64, x D80) error {
	return v.writeMem(seg, addr, x[:], 0)
}

// quad returns the aligned quadword at la in host memory. Guest memory is
// little-endian and so are the hosts this runs on.
func quad(e *tlbEntry, la uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&e.page[la&pgm.PageMask]))
}

// ReadU64Aligned is a single-copy atomic load with acquire semantics. A
// misaligned address faults before memory is touched.
func (v *VCpu) ReadU64Aligned(seg int, addr uint64) (uint64, error) {
	la, e, _, err := v.span(seg, addr, 8, pgm.AccessRead, 8)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(quad(e, la)), nil
}

// WriteU64Aligned is the release store counterpart of ReadU64Aligned.
func (v *VCpu) WriteU64Aligned(seg int, addr uint64, x uint64) error {
	la, e, _, err := v.span(seg, addr, 8, pgm.AccessWrite, 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64(quad(e, la), x)
	v.mem.NoteWrite(e.phys)
	return nil
}

// word returns the aligned 32-bit word containing la.
func word(e *tlbEntry, la uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&e.page[la&pgm.PageMask&^3]))
}

// CompareAndSwap atomically replaces the size byte value at seg:addr with
// x if memory still holds old. Sizes below four bytes swap within their
// containing word. The address must be aligned to size.
func (v *VCpu) CompareAndSwap(seg int, addr uint64, size int, old, x uint64) (bool, error) {
	la, e, _, err := v.span(seg, addr, size, pgm.AccessRead|pgm.AccessWrite, size)
	if err != nil {
		return false, err
	}
	var swapped bool
	if size == 8 {
		swapped = atomic.CompareAndSwapUint64(quad(e, la), old, x)
	} else {
		w := word(e, la)
		shift := (la & 3) * 8
		mask := uint32(1<<(8*size)-1) << shift
		want := uint32(old) << shift & mask
		for {
			cur := atomic.LoadUint32(w)
			if cur&mask != want {
				break
			}
			if atomic.CompareAndSwapUint32(w, cur, cur&^mask|uint32(x)<<shift&mask) {
				swapped = true
				break
			}
		}
	}
	if swapped {
		v.mem.NoteWrite(e.phys)
	}
	return swapped, nil
}

// maxMappings is how many mappings an instruction may hold at once.
const maxMappings = 3

// maxMappingSize bounds a single mapping.
const maxMappingSize = 64

// Mapping is guest memory mapped for an instruction. Its bytes live in a
// bounce buffer so nothing reaches guest memory before CommitAndUnmap, and
// every page was translated when it was created.
type Mapping struct {
	inUse  bool
	access pgm.Access
	la     uint64
	size   int
	page   [2][]byte
	phys   [2]uint64
	bounce [maxMappingSize]byte
}

// Bytes is the mapped memory. Writes are visible to the guest after
// CommitAndUnmap.
func (m *Mapping) Bytes() []byte { return m.bounce[:m.size] }

// Addr is the linear address of the mapping.
func (m *Mapping) Addr() uint64 { return m.la }

func (m *Mapping) U16() uint16 { return binary.LittleEndian.Uint16(m.bounce[:]) }
func (m *Mapping) U32() uint32 { return binary.LittleEndian.Uint32(m.bounce[:]) }
func (m *Mapping) U64() uint64 { return binary.LittleEndian.Uint64(m.bounce[:]) }

// PutU64 stores x at byte offset off of the mapping.
func (m *Mapping) PutU64(off int, x uint64) { binary.LittleEndian.PutUint64(m.bounce[off:], x) }
func (m *Mapping) PutU32(off int, x uint32) { binary.LittleEndian.PutUint32(m.bounce[off:], x) }
func (m *Mapping) PutU16(off int, x uint16) { binary.LittleEndian.PutUint16(m.bounce[off:], x) }

// Map maps size bytes at seg:addr. Readable mappings are filled from guest
// memory. align, when non-zero, is the required alignment.
func (v *VCpu) Map(seg int, addr uint64, size int, access pgm.Access, align int) (*Mapping, error) {
	if size <= 0 || size > maxMappingSize {
		return nil, internalf("mapping of %d bytes", size)
	}
	var m *Mapping
	for i := range v.maps {
		if !v.maps[i].inUse {
			m = &v.maps[i]
			break
		}
	}
	if m == nil {
		return nil, internalError{ErrTooManyMappings}
	}
	la, first, second, err := v.span(seg, addr, size, access, align)
	if err != nil {
		return nil, err
	}
	*m = Mapping{inUse: true, access: access, la: la, size: size}
	m.page[0], m.phys[0] = first.page, first.phys
	if second != nil {
		m.page[1], m.phys[1] = second.page, second.phys
	}
	if access&pgm.AccessRead != 0 {
		n := copy(m.bounce[:size], m.page[0][la&pgm.PageMask:])
		copy(m.bounce[n:size], m.page[1])
	}
	return m, nil
}

// CommitAndUnmap writes a writable mapping back to guest memory and
// releases it.
func (v *VCpu) CommitAndUnmap(m *Mapping) error {
	if !m.inUse {
		return internalf("commit of unmapped memory at %#x", m.la)
	}
	if m.access&pgm.AccessWrite != 0 {
		n := copy(m.page[0][m.la&pgm.PageMask:], m.bounce[:m.size])
		v.mem.NoteWrite(m.phys[0])
		if m.page[1] != nil {
			copy(m.page[1], m.bounce[n:m.size])
			v.mem.NoteWrite(m.phys[1])
		}
	}
	m.inUse = false
	return nil
}

// Unmap releases a mapping without writing it back.
func (v *VCpu) Unmap(m *Mapping) { m.inUse = false }

func (v *VCpu) releaseMappings() {
	for i := range v.maps {
		v.maps[i].inUse = false
	}
}

// ActiveMappings counts mappings not yet committed or released.
func (v *VCpu) ActiveMappings() int {
	n := 0
	for i := range v.maps {
		if v.maps[i].inUse {
			n++
		}
	}
	return n
}
