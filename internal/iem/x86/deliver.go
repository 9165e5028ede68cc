package x86

import (
	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/trpm"
)

// Descriptor fields beyond the segment attributes.
const (
	segAttrConforming = 1 << 2
	segAttrBusy       = 1 << 1

	tssAvailable = 0x9

	gateInt16  = 0x6
	gateTrap16 = 0x7
	gateInt    = 0xe
	gateTrap   = 0xf
)

// Offsets in the 32-bit and 64-bit task state segments.
const (
	tssStack   = 4
	tssIST     = 0x24
	tssStack32 = 8
)

// must unwinds the current instruction with the error of a result form
// helper.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

// descriptor unpacks an 8-byte GDT entry.
func descriptor(sel uint16, d uint64) cpum.Segment {
	limit := uint32(d&0xffff | d>>32&0xf0000)
	if d&(1<<55) != 0 {
		limit = limit<<12 | 0xfff
	}
	return cpum.Segment{
		Selector: sel,
		Attr:     uint32(d>>40&0xff | d>>40&0xf000),
		Limit:    limit,
		Base:     d>>16&0xffffff | d>>32&0xff000000,
	}
}

// readDescriptor reads the GDT entry of sel. Local descriptor tables are
// not supported and their selectors fault.
func readDescriptor(v *iem.VCpu, sel uint16) (d uint64, err error) {
	idx := uint64(sel &^ 7)
	if sel&4 != 0 || idx+7 > uint64(v.Ctx.GDTR.Limit) {
		return 0, iem.GP(uint32(sel &^ 3))
	}
	err = v.Supervised(func() error {
		var rerr error
		d, rerr = v.ReadU64(iem.SegFlat, v.Ctx.GDTR.Base+idx)
		return rerr
	})
	return d, err
}

func nullSegment(sel uint16) cpum.Segment {
	return cpum.Segment{Selector: sel, Attr: cpum.SegAttrUnusable}
}

// codeSegment reads and checks the descriptor of a code segment. Privilege
// rules are left to the caller.
func codeSegment(v *iem.VCpu, sel uint16) (cpum.Segment, error) {
	if sel&^3 == 0 {
		return cpum.Segment{}, iem.GP(0)
	}
	d, err := readDescriptor(v, sel)
	if err != nil {
		return cpum.Segment{}, err
	}
	s := descriptor(sel, d)
	switch {
	case s.Attr&cpum.SegAttrS == 0 || s.Attr&cpum.SegAttrCode == 0:
		return cpum.Segment{}, iem.GP(uint32(sel &^ 3))
	case !s.Present():
		return cpum.Segment{}, iem.GP(uint32(sel &^ 3))
	case v.Ctx.EFER&cpum.EFERLMA != 0 && s.Long() && s.Default32():
		return cpum.Segment{}, iem.GP(uint32(sel &^ 3))
	}
	return s, nil
}

// stackSegment reads the descriptor of a stack segment for privilege level
// cpl. A null selector is only valid for a 64-bit stack below ring 3.
func stackSegment(v *iem.VCpu, sel uint16, cpl uint8, long bool) (cpum.Segment, error) {
	if sel&^3 == 0 {
		if long && cpl != 3 {
			return nullSegment(sel), nil
		}
		return cpum.Segment{}, iem.GP(0)
	}
	if uint8(sel&3) != cpl {
		return cpum.Segment{}, iem.GP(uint32(sel &^ 3))
	}
	d, err := readDescriptor(v, sel)
	if err != nil {
		return cpum.Segment{}, err
	}
	s := descriptor(sel, d)
	if s.Attr&cpum.SegAttrS == 0 || s.Attr&cpum.SegAttrCode != 0 || s.Attr&cpum.SegAttrWritable == 0 || s.DPL() != cpl {
		return cpum.Segment{}, iem.GP(uint32(sel &^ 3))
	}
	if !s.Present() {
		return cpum.Segment{}, &iem.Fault{Kind: iem.FaultStack, Code: uint32(sel &^ 3)}
	}
	return s, nil
}

// dataSegment reads the descriptor for DS, ES, FS or GS.
func dataSegment(v *iem.VCpu, sel uint16) (cpum.Segment, error) {
	if sel&^3 == 0 {
		return nullSegment(sel), nil
	}
	d, err := readDescriptor(v, sel)
	if err != nil {
		return cpum.Segment{}, err
	}
	s := descriptor(sel, d)
	code := s.Attr&cpum.SegAttrCode != 0
	switch {
	case s.Attr&cpum.SegAttrS == 0 || code && s.Attr&cpum.SegAttrWritable == 0:
		return cpum.Segment{}, iem.GP(uint32(sel &^ 3))
	case (!code || s.Attr&segAttrConforming == 0) && (s.DPL() < v.Ctx.CPL() || s.DPL() < uint8(sel&3)):
		return cpum.Segment{}, iem.GP(uint32(sel &^ 3))
	case !s.Present():
		return cpum.Segment{}, iem.GP(uint32(sel &^ 3))
	}
	return s, nil
}

// setSegment loads a data or stack segment register.
func setSegment(v *iem.VCpu, sreg int, sel uint16) error {
	c := v.Ctx
	mode := c.Mode()
	if mode == cpum.ModeReal {
		s := &c.Seg[sreg]
		s.Selector, s.Base = sel, uint64(sel)<<4
		return nil
	}
	var s cpum.Segment
	var err error
	if sreg == cpum.SegSS {
		s, err = stackSegment(v, sel, c.CPL(), mode == cpum.ModeLong)
	} else {
		s, err = dataSegment(v, sel)
	}
	if err != nil {
		return err
	}
	c.Seg[sreg] = s
	return nil
}

func loadSegment(v *iem.VCpu, sreg int, sel uint16) { must(setSegment(v, sreg, sel)) }

// loadCS is the far jump: a direct transfer to a code segment at the
// current privilege level. Call gates and task switches are not supported.
func loadCS(v *iem.VCpu, sel uint16) {
	c := v.Ctx
	if c.Mode() == cpum.ModeReal {
		cs := &c.Seg[cpum.SegCS]
		cs.Selector, cs.Base = sel, uint64(sel)<<4
		return
	}
	s, err := codeSegment(v, sel)
	must(err)
	cpl := c.CPL()
	if s.Attr&segAttrConforming != 0 {
		if s.DPL() > cpl {
			raise(v, iem.GP(uint32(sel&^3)))
		}
	} else if uint8(sel&3) > cpl || s.DPL() != cpl {
		raise(v, iem.GP(uint32(sel&^3)))
	}
	s.Selector = sel&^3 | uint16(cpl)
	c.Seg[cpum.SegCS] = s
}

// setTR loads the task register and marks the TSS busy.
func setTR(v *iem.VCpu, sel uint16) error {
	c := v.Ctx
	if sel&^3 == 0 {
		return iem.GP(0)
	}
	d, err := readDescriptor(v, sel)
	if err != nil {
		return err
	}
	s := descriptor(sel, d)
	if s.Attr&cpum.SegAttrS != 0 || s.Attr&cpum.SegAttrTypeMask != tssAvailable {
		return iem.GP(uint32(sel &^ 3))
	}
	if !s.Present() {
		return iem.GP(uint32(sel &^ 3))
	}
	addr := c.GDTR.Base + uint64(sel&^7)
	return v.Supervised(func() error {
		if c.EFER&cpum.EFERLMA != 0 {
			hi, err := v.ReadU64(iem.SegFlat, addr+8)
			if err != nil {
				return err
			}
			s.Base |= uint64(uint32(hi)) << 32
		}
		if err := v.WriteU64(iem.SegFlat, addr, d|uint64(segAttrBusy)<<40); err != nil {
			return err
		}
		s.Attr |= segAttrBusy
		c.TR = s
		return nil
	})
}

func loadTR(v *iem.VCpu, sel uint16) { must(setTR(v, sel)) }

// Deliver enters the handler of ev through the interrupt vector table in
// real mode or the IDT otherwise. CR2 is written first, as hardware does
// for a #PF even when delivery faults. All other reads and the frame
// mapping happen before any register changes.
func (Target) Deliver(v *iem.VCpu, ev trpm.Event) error {
	c := v.Ctx
	if ev.Type == trpm.EventTrap && ev.Vector == trpm.VectorPF {
		c.CR2 = ev.FaultAddress
	}
	ret := c.PC
	if ev.Type == trpm.EventSoftwareInterrupt {
		ret += uint64(ev.InstrLength)
	}
	return v.Supervised(func() error {
		switch {
		case c.Mode() == cpum.ModeReal:
			return deliverReal(v, ev, ret)
		case c.EFER&cpum.EFERLMA != 0:
			return deliverLong(v, ev, ret)
		default:
			return deliverProtected(v, ev, ret)
		}
	})
}

func deliverReal(v *iem.VCpu, ev trpm.Event, ret uint64) error {
	c := v.Ctx
	off := uint64(ev.Vector) * 4
	if off+3 > uint64(c.IDTR.Limit) {
		return iem.GP(0)
	}
	vec, err := v.ReadU32(iem.SegFlat, c.IDTR.Base+off)
	if err != nil {
		return err
	}
	m, sp, err := v.StackPushBegin(6)
	if err != nil {
		return err
	}
	cs := &c.Seg[cpum.SegCS]
	m.PutU16(0, uint16(ret))
	m.PutU16(2, cs.Selector)
	m.PutU16(4, uint16(c.Flags))
	if err := v.StackPushCommit(m, sp); err != nil {
		return err
	}
	c.Flags &^= cpum.FlagIF | cpum.FlagTF | cpum.FlagAC
	cs.Selector = uint16(vec >> 16)
	cs.Base = uint64(cs.Selector) << 4
	c.PC = uint64(uint16(vec))
	return nil
}

// idtFault is the error code of a fault on the IDT entry of ev.
func idtFault(ev trpm.Event) *iem.Fault {
	code := uint32(ev.Vector)*8 + 2
	if ev.Type != trpm.EventSoftwareInterrupt {
		code |= 1
	}
	return iem.GP(code)
}

// gate is a decoded IDT entry.
type gate struct {
	offset uint64
	sel    uint16
	typ    uint8
	dpl    uint8
	ist    int
}

// handlerSegment checks a gate against the event and returns its code
// segment and the privilege level the handler runs at.
func handlerSegment(v *iem.VCpu, ev trpm.Event, g gate, long bool) (cpum.Segment, uint8, error) {
	cpl := v.Ctx.CPL()
	if ev.Type == trpm.EventSoftwareInterrupt && g.dpl < cpl {
		return cpum.Segment{}, 0, idtFault(ev)
	}
	cs, err := codeSegment(v, g.sel)
	if err != nil {
		return cpum.Segment{}, 0, err
	}
	if long && (!cs.Long() || cs.Default32()) {
		return cpum.Segment{}, 0, iem.GP(uint32(g.sel &^ 3))
	}
	newCPL := cpl
	if cs.Attr&segAttrConforming == 0 {
		newCPL = cs.DPL()
	}
	if newCPL > cpl {
		return cpum.Segment{}, 0, iem.GP(uint32(g.sel &^ 3))
	}
	cs.Selector = g.sel&^3 | uint16(newCPL)
	return cs, newCPL, nil
}

// putFrame stores vals in push order, so the first value ends up at the
// highest address.
func putFrame(m *iem.Mapping, w int, vals []uint64) {
	for i, x := range vals {
		off := (len(vals) - 1 - i) * w
		switch w {
		case 2:
			m.PutU16(off, uint16(x))
		case 4:
			m.PutU32(off, uint32(x))
		default:
			m.PutU64(off, x)
		}
	}
}

// enterHandler clears the flags every event delivery clears.
func enterHandler(c *cpum.Context, typ uint8) {
	c.Flags &^= cpum.FlagTF | flagNT | cpum.FlagRF | cpum.FlagVM
	if typ == gateInt || typ == gateInt16 {
		c.Flags &^= cpum.FlagIF
	}
}

func deliverProtected(v *iem.VCpu, ev trpm.Event, ret uint64) error {
	c := v.Ctx
	idx := uint64(ev.Vector) * 8
	if idx+7 > uint64(c.IDTR.Limit) {
		return idtFault(ev)
	}
	d, err := v.ReadU64(iem.SegFlat, c.IDTR.Base+idx)
	if err != nil {
		return err
	}
	g := gate{
		offset: d&0xffff | d>>32&0xffff0000,
		sel:    uint16(d >> 16),
		typ:    uint8(d>>40) & 0xf,
		dpl:    uint8(d>>45) & 3,
	}
	w := 4
	switch g.typ {
	case gateInt, gateTrap:
	case gateInt16, gateTrap16:
		w = 2
		g.offset &= 0xffff
	default:
		return idtFault(ev)
	}
	if d&(1<<47) == 0 {
		return idtFault(ev)
	}
	cs, newCPL, err := handlerSegment(v, ev, g, false)
	if err != nil {
		return err
	}

	var vals []uint64
	ss := c.Seg[cpum.SegSS]
	sp := v.SP()
	if newCPL < c.CPL() {
		off := c.TR.Base + tssStack + uint64(newCPL)*tssStack32
		esp, err := v.ReadU32(iem.SegFlat, off)
		if err != nil {
			return err
		}
		sel, err := v.ReadU16(iem.SegFlat, off+4)
		if err != nil {
			return err
		}
		if ss, err = stackSegment(v, sel, newCPL, false); err != nil {
			return err
		}
		vals = append(vals, uint64(c.Seg[cpum.SegSS].Selector), sp)
		sp = uint64(esp)
	}
	vals = append(vals, c.Flags, uint64(c.Seg[cpum.SegCS].Selector), ret)
	if ev.HasErrorCode {
		vals = append(vals, uint64(ev.ErrorCode))
	}

	mask := uint64(0xffff)
	if ss.Default32() {
		mask = 0xffffffff
	}
	n := len(vals) * w
	sp = (sp - uint64(n)) & mask
	m, err := v.Map(iem.SegFlat, (ss.Base+sp)&0xffffffff, n, pgm.AccessWrite, 0)
	if err != nil {
		return err
	}
	putFrame(m, w, vals)
	if err := v.CommitAndUnmap(m); err != nil {
		return err
	}

	c.Seg[cpum.SegSS] = ss
	rsp := &c.GPR[cpum.RSP]
	*rsp = *rsp&^mask | sp
	c.Seg[cpum.SegCS] = cs
	c.PC = g.offset
	enterHandler(c, g.typ)
	return nil
}

func deliverLong(v *iem.VCpu, ev trpm.Event, ret uint64) error {
	c := v.Ctx
	idx := uint64(ev.Vector) * 16
	if idx+15 > uint64(c.IDTR.Limit) {
		return idtFault(ev)
	}
	lo, err := v.ReadU64(iem.SegFlat, c.IDTR.Base+idx)
	if err != nil {
		return err
	}
	hi, err := v.ReadU64(iem.SegFlat, c.IDTR.Base+idx+8)
	if err != nil {
		return err
	}
	g := gate{
		offset: lo&0xffff | lo>>32&0xffff0000 | hi<<32,
		sel:    uint16(lo >> 16),
		typ:    uint8(lo>>40) & 0xf,
		dpl:    uint8(lo>>45) & 3,
		ist:    int(lo>>32) & 7,
	}
	if g.typ != gateInt && g.typ != gateTrap || lo&(1<<47) == 0 {
		return idtFault(ev)
	}
	cs, newCPL, err := handlerSegment(v, ev, g, true)
	if err != nil {
		return err
	}

	cpl := c.CPL()
	ss := c.Seg[cpum.SegSS]
	rsp := c.GPR[cpum.RSP]
	if c.Mode() == cpum.ModeCompat {
		rsp = v.SP()
	}
	switch {
	case g.ist != 0:
		if rsp, err = v.ReadU64(iem.SegFlat, c.TR.Base+tssIST+uint64(g.ist-1)*8); err != nil {
			return err
		}
	case newCPL < cpl:
		if rsp, err = v.ReadU64(iem.SegFlat, c.TR.Base+tssStack+uint64(newCPL)*8); err != nil {
			return err
		}
	}
	if newCPL < cpl {
		ss = nullSegment(uint16(newCPL))
	}
	rsp &^= 0xf

	vals := []uint64{uint64(c.Seg[cpum.SegSS].Selector), c.GPR[cpum.RSP], c.Flags, uint64(c.Seg[cpum.SegCS].Selector), ret}
	if ev.HasErrorCode {
		vals = append(vals, uint64(ev.ErrorCode))
	}
	n := len(vals) * 8
	rsp -= uint64(n)
	m, err := v.Map(iem.SegFlat, rsp, n, pgm.AccessWrite, 0)
	if err != nil {
		return err
	}
	putFrame(m, 8, vals)
	if err := v.CommitAndUnmap(m); err != nil {
		return err
	}

	c.Seg[cpum.SegSS] = ss
	c.GPR[cpum.RSP] = rsp
	c.Seg[cpum.SegCS] = cs
	c.PC = g.offset
	enterHandler(c, g.typ)
	return nil
}

// stackAt is the address of the stack slot off bytes above the stack
// pointer, wrapped to the stack width.
func stackAt(v *iem.VCpu, off uint64) uint64 {
	return (v.SP() + off) & sizeMask(spSize(v))
}

// opIret returns from an interrupt handler: P0 operand size. Task returns
// through the NT flag are not supported.
func opIret(v *iem.VCpu, c *iem.Call) {
	ctx := v.Ctx
	size := int(c.P[0])
	w := uint64(size)
	pc := readSized(v, cpum.SegSS, stackAt(v, 0), size)
	sel := uint16(readSized(v, cpum.SegSS, stackAt(v, w), size))
	fl := readSized(v, cpum.SegSS, stackAt(v, 2*w), size)

	mode := ctx.Mode()
	if mode == cpum.ModeReal {
		writeFlags(ctx, fl, size)
		cs := &ctx.Seg[cpum.SegCS]
		cs.Selector, cs.Base = sel, uint64(sel)<<4
		setReg(ctx, cpum.RSP, spSize(v), stackAt(v, 3*w))
		v.SetPC(pc & sizeMask(size))
		return
	}
	if ctx.Flags&flagNT != 0 {
		gp0(v)
	}

	cpl := ctx.CPL()
	rpl := uint8(sel & 3)
	if rpl < cpl {
		raise(v, iem.GP(uint32(sel&^3)))
	}
	cs, err := codeSegment(v, sel)
	must(err)
	if cs.Attr&segAttrConforming != 0 && cs.DPL() > rpl || cs.Attr&segAttrConforming == 0 && cs.DPL() != rpl {
		raise(v, iem.GP(uint32(sel&^3)))
	}
	cs.Selector = sel

	toLong := mode == cpum.ModeLong && cs.Long()
	outer := rpl > cpl || mode == cpum.ModeLong
	var ss cpum.Segment
	var sp uint64
	if outer {
		sp = readSized(v, cpum.SegSS, stackAt(v, 3*w), size)
		ssSel := uint16(readSized(v, cpum.SegSS, stackAt(v, 4*w), size))
		ss, err = stackSegment(v, ssSel, rpl, toLong)
		must(err)
	}

	writeFlags(ctx, fl, size)
	if !toLong {
		pc &= 0xffffffff
		if !cs.Default32() {
			pc &= 0xffff
		}
	}
	switch {
	case !outer:
		setReg(ctx, cpum.RSP, spSize(v), stackAt(v, 3*w))
	case mode == cpum.ModeLong:
		ctx.GPR[cpum.RSP] = sp
	case ss.Default32():
		setReg(ctx, cpum.RSP, 4, sp)
	default:
		setReg(ctx, cpum.RSP, 2, sp)
	}
	ctx.Seg[cpum.SegCS] = cs
	if outer {
		ctx.Seg[cpum.SegSS] = ss
	}
	if rpl > cpl {
		// Data segments the outer ring may not use are nulled.
		for _, sreg := range [...]int{cpum.SegES, cpum.SegDS, cpum.SegFS, cpum.SegGS} {
			s := &ctx.Seg[sreg]
			if s.Attr&cpum.SegAttrUnusable == 0 && s.DPL() < rpl && (s.Attr&cpum.SegAttrCode == 0 || s.Attr&segAttrConforming == 0) {
				*s = nullSegment(0)
			}
		}
	}
	v.SetPC(pc)
}
