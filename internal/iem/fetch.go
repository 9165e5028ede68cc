package iem

import (
	"encoding/binary"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/pgm"
)

// maxInstrBytes bounds every target's instruction length.
const maxInstrBytes = 16

// fetchWindow is the code page instructions are currently fetched from.
type fetchWindow struct {
	valid bool
	rev   uint64
	vpage uint64
	phys  uint64
	page  []byte
}

func (w *fetchWindow) load(v *VCpu, la uint64) {
	e := v.translateCodeJmp(la)
	if len(e.page) != pgm.PageSize {
		panic(internalf("code window for %#x has %d bytes", la, len(e.page)))
	}
	*w = fetchWindow{
		valid: true,
		rev:   v.codeTLB.Revision(),
		vpage: la >> pgm.PageShift,
		phys:  e.phys,
		page:  e.page,
	}
}

func (v *VCpu) window(la uint64) *fetchWindow {
	w := &v.fetch
	if !w.valid || w.rev != v.codeTLB.Revision() || w.vpage != la>>pgm.PageShift {
		w.load(v, la)
	}
	return w
}

// fetchByte reads one byte of code at a linear address.
func (v *VCpu) fetchByte(la uint64) byte {
	return v.window(la).page[la&pgm.PageMask]
}

// fetchPhys translates a linear code address.
func (v *VCpu) fetchPhys(la uint64) uint64 {
	return v.window(la).phys | la&pgm.PageMask
}

// translateCodeJmp translates for instruction fetch, resolving ballooned
// pages and panicking with *Fault.
func (v *VCpu) translateCodeJmp(la uint64) *tlbEntry {
	for {
		e, err := v.translate(la, pgm.AccessExec)
		if err == nil {
			return e
		}
		v.jmp(err)
	}
}

// codeLinear converts a PC to the linear address instructions are fetched
// from.
func (v *VCpu) codeLinear(pc uint64) uint64 {
	if v.Ctx.Arch() != hv.ArchitectureX86_64 {
		return pc
	}
	switch v.Ctx.Mode() {
	case cpum.ModeLong:
		return pc
	default:
		return (v.Ctx.Seg[cpum.SegCS].Base + pc) & 0xffffffff
	}
}

// Decoder fetches the bytes of one instruction for a target's Decode.
type Decoder struct {
	v *VCpu

	pc    uint64
	la    uint64
	mode  cpum.Mode
	limit uint64
	max   int

	buf [maxInstrBytes]byte
	n   int

	// phys holds the physical page of the first byte and, for an
	// instruction straddling two pages, of the last one.
	phys   [2]uint64
	npages int
}

func (d *Decoder) reset(pc uint64) {
	v := d.v
	d.pc = pc
	d.la = v.codeLinear(pc)
	d.mode = v.Ctx.Mode()
	d.limit = ^uint64(0)
	if v.Ctx.Arch() == hv.ArchitectureX86_64 && d.mode != cpum.ModeLong {
		d.limit = uint64(v.Ctx.Seg[cpum.SegCS].Limit)
	}
	d.max = v.target.MaxInstrLen()
	d.n = 0
	d.npages = 0
}

func (d *Decoder) VCpu() *VCpu        { return d.v }
func (d *Decoder) Ctx() *cpum.Context { return d.v.Ctx }
func (d *Decoder) Mode() cpum.Mode    { return d.mode }
func (d *Decoder) PC() uint64         { return d.pc }
func (d *Decoder) Len() int           { return d.n }
func (d *Decoder) Bytes() []byte      { return d.buf[:d.n] }

// NextPC is the PC of the following instruction given the bytes consumed
// so far.
func (d *Decoder) NextPC() uint64 {
	return (d.pc + uint64(d.n)) & d.v.pcMask()
}

// U8 consumes one byte. Exceeding the maximum instruction length or the
// code segment limit raises #GP(0); only variable length encodings can.
func (d *Decoder) U8() uint8 {
	if d.n >= d.max || d.pc+uint64(d.n) > d.limit {
		panic(GP(0))
	}
	la := d.la + uint64(d.n)
	if d.v.Ctx.Arch() == hv.ArchitectureX86_64 && d.mode != cpum.ModeLong {
		la &= 0xffffffff
	}
	w := d.v.window(la)
	switch {
	case d.npages == 0:
		d.phys[0], d.npages = w.phys, 1
	case w.phys != d.phys[d.npages-1]:
		if d.npages == len(d.phys) {
			panic(internalf("instruction at %#x spans more than two pages", d.pc))
		}
		d.phys[d.npages] = w.phys
		d.npages++
	}
	b := w.page[la&pgm.PageMask]
	d.buf[d.n] = b
	d.n++
	return b
}

func (d *Decoder) U16() uint16 {
	var b [2]byte
	for i := range b {
		b[i] = d.U8()
	}
	return binary.LittleEndian.Uint16(b[:])
}

func (d *Decoder) U32() uint32 {
	var b [4]byte
	for i := range b {
		b[i] = d.U8()
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (d *Decoder) U64() uint64 {
	var b [8]byte
	for i := range b {
		b[i] = d.U8()
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Pages returns the physical pages the instruction was fetched from.
func (d *Decoder) Pages() []uint64 { return d.phys[:d.npages] }
