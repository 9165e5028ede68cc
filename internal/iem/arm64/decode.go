package arm64

import (
	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
)

// inst is the decoding state of one instruction.
type inst struct {
	e     *iem.Emitter
	w     uint32
	pc    uint64
	el0   bool
	flags iem.InstrFlags
}

func decode(d *iem.Decoder, e *iem.Emitter) iem.InstrFlags {
	pc := d.PC()
	if pc&3 != 0 {
		d.VCpu().Raise(&iem.Fault{Kind: iem.FaultAlignment, Addr: pc, Access: pgm.AccessExec})
	}
	x := &inst{e: e, w: d.U32(), pc: pc, el0: d.Mode() == cpum.ModeARM64EL0}
	switch op0 := x.w >> 25 & 0xf; {
	case op0&0xe == 0x8:
		x.dataImm()
	case op0&0xe == 0xa:
		x.branchSys()
	case op0&0x5 == 0x4:
		x.loadStore()
	case op0&0x7 == 0x5:
		x.dataReg()
	case op0&0x7 == 0x7:
		x.simd()
	default:
		x.undefined()
	}
	return x.flags
}

func (x *inst) emit(fn iem.FuncID, p ...uint64) { x.e.Emit(fn, p...) }

func (x *inst) end() { x.flags |= iem.FlagEndBlock }

func (x *inst) undefined() {
	x.emit(fnUndef)
	x.end()
}

func (x *inst) rd() int { return int(x.w & 31) }
func (x *inst) rn() int { return int(x.w >> 5 & 31) }
func (x *inst) rm() int { return int(x.w >> 16 & 31) }
func (x *inst) ra() int { return int(x.w >> 10 & 31) }

func (x *inst) bit(n uint) bool { return x.w>>n&1 != 0 }

func (x *inst) sf() uint64 {
	if x.bit(31) {
		return optSF
	}
	return 0
}

// addSubOpts maps the op and S bits shared by the add/sub encodings.
func (x *inst) addSubOpts() uint64 {
	var p uint64
	if x.bit(30) {
		p |= optSub
	}
	if x.bit(29) {
		p |= optS
	}
	return p
}

func (x *inst) branchTarget(imm uint32, bits uint) uint64 {
	return x.pc + signExtend(uint64(imm)<<2, bits+2)
}

func (x *inst) dataImm() {
	w := x.w
	rd, rn := x.rd(), x.rn()
	sfo := x.sf()
	wd := widthOf(sfo != 0)
	switch w >> 23 & 7 {
	case 0, 1:
		imm := signExtend(uint64(w>>5&0x7ffff)<<2|uint64(w>>29&3), 21)
		addr := x.pc + imm
		if x.bit(31) {
			addr = x.pc&^0xfff + imm<<12
		}
		x.emit(fnMovImm, pack(rd, 0, 0, 0)|optSF, addr)
	case 2:
		imm := uint64(w >> 10 & 0xfff)
		if x.bit(22) {
			imm <<= 12
		}
		p := pack(rd, rn, 0, 0) | sfo | x.addSubOpts()
		if p&optS == 0 {
			p |= optSPDest
		}
		x.emit(fnAddImm, p, imm)
	case 4:
		n := w >> 22 & 1
		if sfo == 0 && n != 0 {
			x.undefined()
			return
		}
		wmask, _, ok := decodeBitMasks(n, w>>10&0x3f, w>>16&0x3f, true, wd)
		if !ok {
			x.undefined()
			return
		}
		o := int(w >> 29 & 3)
		p := pack(rd, rn, 0, 0) | sfo | withOpc(o)
		if o != logAnds {
			p |= optSPDest
		}
		x.emit(fnLogImm, p, wmask)
	case 5:
		o, hw := w>>29&3, w>>21&3
		if o == 1 || sfo == 0 && hw >= 2 {
			x.undefined()
			return
		}
		imm, shift := uint64(w>>5&0xffff), uint64(hw*16)
		switch o {
		case 0:
			x.emit(fnMovImm, pack(rd, 0, 0, 0)|sfo, ^(imm << shift))
		case 2:
			x.emit(fnMovImm, pack(rd, 0, 0, 0)|sfo, imm<<shift)
		case 3:
			x.emit(fnMovk, pack(rd, 0, 0, 0)|sfo, imm, shift)
		}
	case 6:
		o := int(w >> 29 & 3)
		n, immr, imms := w>>22&1, w>>16&0x3f, w>>10&0x3f
		if o == 3 || n != w>>31 || sfo == 0 && (immr >= 32 || imms >= 32) {
			x.undefined()
			return
		}
		wmask, tmask, ok := decodeBitMasks(n, imms, immr, false, wd)
		if !ok {
			x.undefined()
			return
		}
		x.emit(fnBitfield, pack(rd, rn, 0, 0)|sfo|withOpc(o)|withA(int(immr))|withB(int(imms)), wmask, tmask)
	case 7:
		imms := w >> 10 & 0x3f
		if w>>29&3 != 0 || x.bit(21) || w>>22&1 != w>>31 || sfo == 0 && imms >= 32 {
			x.undefined()
			return
		}
		x.emit(fnExtr, pack(rd, rn, x.rm(), 0)|sfo, uint64(imms))
	default:
		x.undefined()
	}
}

func (x *inst) branchSys() {
	w := x.w
	switch {
	case w&0xff000010 == 0x54000000:
		x.emit(fnBcond, 0, uint64(w&0xf), x.branchTarget(w>>5&0x7ffff, 19))
		x.end()
	case w&0xff000000 == 0xd4000000:
		x.exception()
	case w&0xffc00000 == 0xd5000000:
		x.system()
	case w&0xfe000000 == 0xd6000000:
		x.branchReg()
	case w&0x7c000000 == 0x14000000:
		target := x.branchTarget(w&0x3ffffff, 26)
		if x.bit(31) {
			x.emit(fnB, optLink, target, x.pc+InstrLen)
		} else {
			x.emit(fnB, 0, target)
		}
		x.end()
	case w&0x7e000000 == 0x34000000:
		p := pack(x.rd(), 0, 0, 0) | x.sf()
		if x.bit(24) {
			p |= optNZ
		}
		x.emit(fnCbz, p, x.branchTarget(w>>5&0x7ffff, 19))
		x.end()
	case w&0x7e000000 == 0x36000000:
		p := pack(x.rd(), 0, 0, 0)
		if x.bit(24) {
			p |= optNZ
		}
		bit := uint64(w>>31<<5 | w>>19&0x1f)
		x.emit(fnTbz, p, bit, x.branchTarget(w>>5&0x3fff, 14))
		x.end()
	default:
		x.undefined()
	}
}

// exception decodes svc, hvc, smc, brk and hlt.
func (x *inst) exception() {
	w := x.w
	o, ll := w>>21&7, w&3
	imm := uint64(w >> 5 & 0xffff)
	switch {
	case w>>2&7 != 0:
		x.undefined()
	case o == 0 && ll == 1:
		x.emit(fnSvc, 0, imm)
	case o == 0 && ll >= 2:
		if imm != 0 {
			x.undefined()
			return
		}
		x.emit(fnFirmware)
	case o == 1 && ll == 0:
		x.emit(fnBrk, 0, imm)
	case o == 2 && ll == 0:
		x.emit(fnSemihost, 0, imm)
		x.flags |= iem.FlagWritesMem
	default:
		x.undefined()
	}
	x.end()
}

func (x *inst) branchReg() {
	w := x.w
	if w>>16&0x1f != 0x1f || w>>10&0x3f != 0 || w&0x1f != 0 {
		x.undefined()
		return
	}
	switch w >> 21 & 0xf {
	case 0, 2:
		x.emit(fnBr, pack(0, x.rn(), 0, 0))
	case 1:
		x.emit(fnBr, pack(0, x.rn(), 0, 0)|optLink, x.pc+InstrLen)
	case 4:
		if x.rn() != zr {
			x.undefined()
			return
		}
		x.emit(fnEret)
		x.flags |= iem.FlagModeChange
	default:
		x.undefined()
		return
	}
	x.end()
}

// Hints and barriers by CRm:op2 and op2.
const (
	hintWFI    = 3
	barrierCLR = 2
	barrierISB = 6
)

func (x *inst) system() {
	w := x.w
	l := x.bit(21)
	op0, op1 := w>>19&3, w>>16&7
	crn, crm, op2 := w>>12&0xf, w>>8&0xf, w>>5&7
	rt := x.rd()
	switch {
	case op0 == 0 && !l && crn == 4 && rt == zr:
		x.emit(fnMsrImm, 0, uint64(op1<<3|op2), uint64(crm))
		x.end()
		x.flags |= iem.FlagModeChange
	case op0 == 0 && !l && crn == 2 && rt == zr:
		// nop, yield, wfe, sev and the pointer authentication and branch
		// target hints do nothing here.
		if crm<<3|op2 == hintWFI {
			x.emit(fnWfi)
			x.end()
		}
	case op0 == 0 && !l && crn == 3 && rt == zr:
		switch op2 {
		case barrierCLR:
			x.emit(fnClrex)
		case barrierISB:
			x.end()
		}
	case op0 == 1 && !l:
		x.sysInstr(op1, crn, crm, op2, rt)
	case op0 >= 2:
		id := uint64(cpuid.NewSysRegID(op0, op1, crn, crm, op2))
		if l {
			x.emit(fnMrs, pack(rt, 0, 0, 0), id)
			return
		}
		x.emit(fnMsr, pack(rt, 0, 0, 0), id)
		x.end()
		x.flags |= iem.FlagModeChange
	default:
		x.undefined()
	}
}

// sysInstr decodes the sys space: TLB maintenance, dc zva and the cache
// maintenance operations, which are no-ops for an emulated cache.
func (x *inst) sysInstr(op1, crn, crm, op2 uint32, rt int) {
	switch {
	case crn == 8:
		if x.el0 {
			x.undefined()
			return
		}
		var byVA uint64
		if op1 == 0 && op2&1 != 0 {
			byVA = 1
		}
		x.emit(fnTlbi, pack(rt, 0, 0, 0), byVA)
		x.end()
		x.flags |= iem.FlagModeChange
	case crn == 7 && op1 == 3 && crm == 4 && op2 == 1:
		x.emit(fnDcZva, pack(rt, 0, 0, 0))
		x.flags |= iem.FlagWritesMem
	case crn == 7 && op1 == 3:
	case crn == 7 && op1 == 0:
		if x.el0 {
			x.undefined()
		}
	default:
		x.undefined()
	}
}

func (x *inst) loadStore() {
	w := x.w
	switch {
	case w&0x3f000000 == 0x08000000:
		x.exclusive()
	case w&0x3b000000 == 0x18000000:
		x.literal()
	case w&0x3a000000 == 0x28000000:
		x.pair()
	case w&0x3b200000 == 0x38000000:
		imm := signExtend(uint64(w>>12&0x1ff), 9)
		mode := [4]int{eaOffset, eaPost, eaOffset, eaPre}[w>>10&3]
		if w>>10&3 == 2 && x.bit(26) {
			// No unprivileged forms for SIMD&FP registers.
			x.undefined()
			return
		}
		x.single(mode, func(int) uint64 { return imm }, 0)
	case w&0x3b200c00 == 0x38200800:
		option := w >> 13 & 7
		if option&2 == 0 {
			x.undefined()
			return
		}
		x.single(eaReg, func(int) uint64 { return 0 }, uint64(option)<<8|1<<7)
	case w&0x3b200c00 == 0x38200000:
		x.atomic()
	case w&0x3b000000 == 0x39000000:
		imm := uint64(w >> 10 & 0xfff)
		x.single(eaOffset, func(scale int) uint64 { return imm << scale }, 0)
	default:
		x.undefined()
	}
}

// transfer describes the register side of a load or store.
type transfer struct {
	load  bool
	vec   bool
	scale int
	opts  uint64
	nop   bool
}

// singleTransfer decodes the size:V:opc fields of single register loads
// and stores.
func (x *inst) singleTransfer() (transfer, bool) {
	size := int(x.w >> 30)
	o := x.w >> 22 & 3
	if x.bit(26) {
		scale := int(o>>1)<<2 | size
		if scale > 4 {
			return transfer{}, false
		}
		return transfer{load: o&1 != 0, vec: true, scale: scale}, true
	}
	t := transfer{scale: size, load: o != 0}
	switch o {
	case 2:
		if size == 3 {
			// prfm
			t.nop = true
		}
		t.opts = optSigned | optSF
	case 3:
		if size >= 2 {
			return transfer{}, false
		}
		t.opts = optSigned
	}
	return t, true
}

// single emits a single register load or store. The register offset forms
// pass their option in ext with bit 7 asking for the shift by the scale
// when the S bit is set.
func (x *inst) single(mode int, offset func(scale int) uint64, ext uint64) {
	t, ok := x.singleTransfer()
	if !ok {
		x.undefined()
		return
	}
	if t.nop {
		return
	}
	if ext != 0 {
		shift := uint64(0)
		if x.bit(12) {
			shift = uint64(t.scale)
		}
		ext = ext&^0xff | shift
	}
	x.access(t, mode, offset(t.scale), ext)
}

// access emits the address computation, the transfer and the writeback.
func (x *inst) access(t transfer, mode int, imm, ext uint64) {
	if t.vec {
		x.emit(fnFPCheck)
	}
	x.emit(fnEA, pack(0, x.rn(), x.rm(), 0)|withA(mode), imm, ext)
	p := pack(x.rd(), 0, 0, 0) | withA(t.scale) | t.opts
	switch {
	case t.vec && t.load:
		x.emit(fnLoadV, p)
	case t.vec:
		x.emit(fnStoreV, p)
	case t.load:
		x.emit(fnLoad, p)
	default:
		x.emit(fnStore, p)
	}
	if !t.load {
		x.flags |= iem.FlagWritesMem
	}
	if mode == eaPre || mode == eaPost {
		x.emit(fnWriteback, pack(0, x.rn(), 0, 0))
	}
}

func (x *inst) literal() {
	o := x.w >> 30
	addr := x.branchTarget(x.w>>5&0x7ffff, 19)
	t := transfer{load: true, vec: x.bit(26)}
	switch {
	case t.vec && o == 3:
		x.undefined()
		return
	case t.vec:
		t.scale = 2 + int(o)
	case o == 3:
		// prfm
		return
	case o == 2:
		t.scale, t.opts = 2, optSigned|optSF
	default:
		t.scale = 2 + int(o)
	}
	x.access(t, eaLiteral, addr, 0)
}

func (x *inst) pair() {
	w := x.w
	o := int(w >> 30)
	vec, load := x.bit(26), x.bit(22)
	var scale int
	var opts uint64
	switch {
	case o == 3:
		x.undefined()
		return
	case vec:
		scale, opts = 2+o, optVec
	case o == 1:
		if !load {
			x.undefined()
			return
		}
		scale, opts = 2, optSigned|optSF
	default:
		scale = 2 + o>>1
	}
	mode := [4]int{eaOffset, eaPost, eaOffset, eaPre}[w>>23&3]
	imm := signExtend(uint64(w>>15&0x7f), 7) << scale
	if vec {
		x.emit(fnFPCheck)
	}
	x.emit(fnEA, pack(0, x.rn(), 0, 0)|withA(mode), imm)
	p := pack(x.rd(), x.ra(), 0, 0) | withA(scale) | opts
	if load {
		x.emit(fnLoadPair, p)
	} else {
		x.emit(fnStorePair, p)
		x.flags |= iem.FlagWritesMem
	}
	if mode == eaPre || mode == eaPost {
		x.emit(fnWriteback, pack(0, x.rn(), 0, 0))
	}
}

// exclusive decodes the load/store exclusive, load-acquire/store-release
// and compare and swap group.
func (x *inst) exclusive() {
	w := x.w
	size := int(w >> 30)
	o2, load, o1 := x.bit(23), x.bit(22), x.bit(21)
	var fn iem.FuncID
	switch {
	case !o2 && !o1 && load:
		fn = fnLoadEx
	case !o2 && !o1:
		fn = fnStoreEx
	case o2 && !o1 && load:
		fn = fnLoadAcq
	case o2 && !o1:
		fn = fnStoreRel
	case o2 && o1 && x.ra() == zr:
		fn = fnCas
	default:
		// Exclusive pairs and casp.
		x.undefined()
		return
	}
	x.emit(fnEA, pack(0, x.rn(), 0, 0)|withA(eaOffset), 0)
	x.emit(fn, pack(x.rd(), 0, x.rm(), 0)|withA(size))
	if fn != fnLoadEx && fn != fnLoadAcq {
		x.flags |= iem.FlagWritesMem
	}
}

// Opcodes of the LSE group with o3 set.
const (
	lseSwp   = 0
	lseLdapr = 4
)

// atomic decodes the LSE atomic memory operations, swp and ldapr.
func (x *inst) atomic() {
	w := x.w
	if x.bit(26) {
		x.undefined()
		return
	}
	size := int(w >> 30)
	o := int(w >> 12 & 7)
	var fn iem.FuncID
	var kind int
	switch {
	case !x.bit(15):
		fn, kind = fnAtomic, o
	case o == lseSwp:
		fn, kind = fnAtomic, ldSwp
	case o == lseLdapr && x.rm() == zr:
		fn = fnLoadAcq
	default:
		x.undefined()
		return
	}
	x.emit(fnEA, pack(0, x.rn(), 0, 0)|withA(eaOffset), 0)
	x.emit(fn, pack(x.rd(), 0, x.rm(), 0)|withA(size)|withB(kind))
	if fn == fnAtomic {
		x.flags |= iem.FlagWritesMem
	}
}

func (x *inst) dataReg() {
	w := x.w
	rd, rn, rm := x.rd(), x.rn(), x.rm()
	sfo := x.sf()
	imm6 := w >> 10 & 0x3f
	switch {
	case w&0x1f000000 == 0x0a000000:
		if sfo == 0 && imm6 >= 32 {
			x.undefined()
			return
		}
		p := pack(rd, rn, rm, 0) | sfo | withOpc(int(w>>29&3))
		if x.bit(21) {
			p |= optInvert
		}
		x.emit(fnLogReg, p, uint64(w>>22&3), uint64(imm6))
	case w&0x1f200000 == 0x0b000000:
		shift := w >> 22 & 3
		if shift == shiftROR || sfo == 0 && imm6 >= 32 {
			x.undefined()
			return
		}
		x.emit(fnAddReg, pack(rd, rn, rm, 0)|sfo|x.addSubOpts(), uint64(shift), uint64(imm6))
	case w&0x1f200000 == 0x0b200000:
		imm3 := w >> 10 & 7
		if w>>22&3 != 0 || imm3 > 4 {
			x.undefined()
			return
		}
		p := pack(rd, rn, rm, 0) | sfo | x.addSubOpts()
		if p&optS == 0 {
			p |= optSPDest
		}
		x.emit(fnAddExt, p, uint64(w>>13&7), uint64(imm3))
	case w&0x1fe0fc00 == 0x1a000000:
		x.emit(fnAdc, pack(rd, rn, rm, 0)|sfo|x.addSubOpts())
	case w&0x1fe00000 == 0x1a400000:
		if !x.bit(29) || x.bit(10) || x.bit(4) {
			x.undefined()
			return
		}
		p := pack(0, rn, rm, 0) | sfo
		if x.bit(30) {
			p |= optSub
		}
		if x.bit(11) {
			p |= optImm
		}
		x.emit(fnCcmp, p, uint64(w>>12&0xf), uint64(w&0xf))
	case w&0x1fe00000 == 0x1a800000:
		op2 := w >> 10 & 3
		if x.bit(29) || op2 > 1 {
			x.undefined()
			return
		}
		kind := int(w>>30&1)<<1 | int(op2)
		x.emit(fnCsel, pack(rd, rn, rm, 0)|sfo|withOpc(kind), uint64(w>>12&0xf))
	case w&0x5fe00000 == 0x1ac00000 && !x.bit(29):
		var o int
		switch w >> 10 & 0x3f {
		case 2:
			o = dp2Udiv
		case 3:
			o = dp2Sdiv
		case 8, 9, 10, 11:
			o = dp2Lslv + int(w>>10&3)
		default:
			x.undefined()
			return
		}
		x.emit(fnDp2, pack(rd, rn, rm, 0)|sfo|withOpc(o))
	case w&0x5fe00000 == 0x5ac00000 && !x.bit(29):
		o := int(w >> 10 & 0x3f)
		if w>>16&0x1f != 0 || o > dp1Cls || o == dp1Rev && sfo == 0 {
			x.undefined()
			return
		}
		if o == dp1Rev32 && sfo == 0 {
			o = dp1Rev
		}
		x.emit(fnDp1, pack(rd, rn, 0, 0)|sfo|withOpc(o))
	case w&0x1f000000 == 0x1b000000:
		x.dataReg3()
	default:
		x.undefined()
	}
}

func (x *inst) dataReg3() {
	w := x.w
	sfo := x.sf()
	sub := int(w >> 15 & 1)
	var o int
	switch op31 := w >> 21 & 7; {
	case w>>29&3 != 0:
		x.undefined()
		return
	case op31 == 0:
		o = dp3Madd + sub
	case sfo == 0:
		x.undefined()
		return
	case op31 == 1:
		o = dp3Smaddl + sub
	case op31 == 5:
		o = dp3Umaddl + sub
	case op31 == 2 && sub == 0:
		o = dp3Smulh
	case op31 == 6 && sub == 0:
		o = dp3Umulh
	default:
		x.undefined()
		return
	}
	x.emit(fnDp3, pack(x.rd(), x.rn(), x.rm(), x.ra())|sfo|withOpc(o))
}

// simd decodes the few SIMD&FP data processing instructions integer code
// uses: fmov to and from general registers, movi, dup and the vector mov.
func (x *inst) simd() {
	w := x.w
	rd, rn := x.rd(), x.rn()
	q := int(w >> 30 & 1)
	vbytes := 8 << q
	switch {
	case w&0x7f20fc00 == 0x1e200000:
		typ, rmode, o := w>>22&3, w>>19&3, w>>16&7
		if rmode != 0 || o < 6 || x.bit(31) != (typ == 1) || typ > 1 {
			x.undefined()
			return
		}
		p := pack(rd, rn, 0, 0) | withA(2+int(typ))
		if o == 7 {
			p |= optVec
		}
		x.emit(fnFPCheck)
		x.emit(fnFmov, p)
	case w&0x9ff80c00 == 0x0f000400:
		imm8 := uint64(w>>16&7)<<5 | uint64(w>>5&0x1f)
		cmode, op := w>>12&0xf, x.bit(29)
		var val uint64
		switch {
		case cmode == 0xe && !op:
			val = replicate(imm8, 8, 64)
		case cmode == 0xe:
			for i := 0; i < 8; i++ {
				if imm8>>i&1 != 0 {
					val |= 0xff << (8 * i)
				}
			}
		case cmode&9 == 0:
			val = replicate(imm8<<(8*(cmode>>1&3)), 32, 64)
			if op {
				val = ^val
			}
		default:
			x.undefined()
			return
		}
		x.emit(fnFPCheck)
		x.emit(fnMovi, pack(rd, 0, 0, 0)|withB(vbytes), val)
	case w&0xbfe0fc00 == 0x0e000c00:
		imm5 := w >> 16 & 0x1f
		var esize int
		switch {
		case imm5&1 != 0:
			esize = 1
		case imm5&2 != 0:
			esize = 2
		case imm5&4 != 0:
			esize = 4
		case imm5&8 != 0 && q == 1:
			esize = 8
		default:
			x.undefined()
			return
		}
		x.emit(fnFPCheck)
		x.emit(fnDup, pack(rd, rn, 0, 0)|withA(esize)|withB(vbytes))
	case w&0xbfe0fc00 == 0x0ea01c00:
		x.emit(fnFPCheck)
		x.emit(fnVOrr, pack(rd, rn, x.rm(), 0)|withB(vbytes))
	default:
		x.undefined()
	}
}
