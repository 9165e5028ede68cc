package x86

import (
	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/iem"
)

const (
	segDefault = -2
	eaNone     = 0xff
	eaRIP      = 1 << 32
	portDX     = 1 << 16
)

// eaInfo is a decoded memory operand. It is emitted as one fnEA call once
// the whole instruction is consumed, since RIP-relative addressing needs
// the length.
type eaInfo struct {
	p0     uint64
	disp   uint64
	rip    bool
	defSeg int
}

// inst is the decoding state of one instruction.
type inst struct {
	d    *iem.Decoder
	e    *iem.Emitter
	mode cpum.Mode

	opsize   int
	addrsize int
	stack    int
	rex      uint8
	seg      int
	rep      uint8
	osPrefix bool
	asPrefix bool

	mod, reg, rm int
	ea           eaInfo
	eaEmitted    bool

	flags iem.InstrFlags
}

func decode(d *iem.Decoder, e *iem.Emitter) iem.InstrFlags {
	x := &inst{d: d, e: e, mode: d.Mode(), seg: segDefault}
	op := x.prefixes()
	x.sizes()
	if op == 0x0f {
		x.twoByte(d.U8())
	} else {
		x.oneByte(op)
	}
	return x.flags
}

func (x *inst) prefixes() uint8 {
	for {
		b := x.d.U8()
		switch b {
		case 0x26, 0x2e, 0x36, 0x3e:
			x.seg = int(b>>3) & 3
		case 0x64:
			x.seg = cpum.SegFS
		case 0x65:
			x.seg = cpum.SegGS
		case 0x66:
			x.osPrefix = true
		case 0x67:
			x.asPrefix = true
		case 0xf0:
		case 0xf2, 0xf3:
			x.rep = b
		default:
			if x.mode == cpum.ModeLong && b&0xf0 == 0x40 {
				x.rex = b
				return x.d.U8()
			}
			return b
		}
	}
}

func (x *inst) sizes() {
	big := x.mode == cpum.ModeProt32 || x.mode == cpum.ModeCompat && x.d.Ctx().Seg[cpum.SegCS].Default32()
	switch {
	case x.mode == cpum.ModeLong:
		x.opsize, x.addrsize, x.stack = 4, 8, 8
		if x.rex&8 != 0 {
			x.opsize = 8
		} else if x.osPrefix {
			x.opsize = 2
		}
		if x.asPrefix {
			x.addrsize = 4
		}
		if x.osPrefix {
			x.stack = 2
		}
		return
	case big:
		x.opsize, x.addrsize = 4, 4
	default:
		x.opsize, x.addrsize = 2, 2
	}
	if x.osPrefix {
		x.opsize ^= 6
	}
	if x.asPrefix {
		x.addrsize ^= 6
	}
	x.stack = x.opsize
}

func (x *inst) emit(fn iem.FuncID, p ...uint64) { x.e.Emit(fn, p...) }

func (x *inst) end() { x.flags |= iem.FlagEndBlock }

func (x *inst) undefined() {
	x.emit(fnUD)
	x.end()
}

// reg8 maps a byte register number: without REX, 4 to 7 are AH to BH.
func (x *inst) reg8(r int) int {
	if x.rex == 0 && r >= 4 && r < 8 {
		return regHigh + r - 4
	}
	return r
}

func (x *inst) regOf(r, size int) uint64 {
	if size == 1 {
		return uint64(x.reg8(r))
	}
	return uint64(r)
}

func (x *inst) modrm() {
	b := x.d.U8()
	x.mod = int(b >> 6)
	x.reg = int(b>>3&7) | int(x.rex&4)<<1
	low := int(b & 7)
	x.rm = low | int(x.rex&1)<<3
	if x.mod == 3 {
		return
	}
	if x.addrsize == 2 {
		x.modrm16(low)
		return
	}

	base, index, scale := x.rm, eaNone, 0
	x.ea = eaInfo{defSeg: cpum.SegDS}
	if low == 4 {
		sib := x.d.U8()
		scale = int(sib >> 6)
		index = int(sib>>3&7) | int(x.rex&2)<<2
		if index == 4 {
			index = eaNone
		}
		base = int(sib&7) | int(x.rex&1)<<3
		if sib&7 == 5 && x.mod == 0 {
			base = eaNone
			x.ea.disp = signExtend(uint64(x.d.U32()), 4)
		}
	} else if low == 5 && x.mod == 0 {
		base = eaNone
		x.ea.rip = x.mode == cpum.ModeLong
		x.ea.disp = signExtend(uint64(x.d.U32()), 4)
	}
	switch x.mod {
	case 1:
		x.ea.disp = signExtend(uint64(x.d.U8()), 1)
	case 2:
		x.ea.disp = signExtend(uint64(x.d.U32()), 4)
	}
	if base == cpum.RSP || base == cpum.RBP {
		x.ea.defSeg = cpum.SegSS
	}
	x.ea.p0 = uint64(base) | uint64(index)<<8 | uint64(scale)<<16 | uint64(x.addrsize)<<24
	if x.ea.rip {
		x.ea.p0 |= eaRIP
	}
}

var modrm16Regs = [8][2]int{
	{cpum.RBX, cpum.RSI}, {cpum.RBX, cpum.RDI}, {cpum.RBP, cpum.RSI}, {cpum.RBP, cpum.RDI},
	{cpum.RSI, eaNone}, {cpum.RDI, eaNone}, {cpum.RBP, eaNone}, {cpum.RBX, eaNone},
}

func (x *inst) modrm16(low int) {
	base, index := modrm16Regs[low][0], modrm16Regs[low][1]
	x.ea = eaInfo{defSeg: cpum.SegDS}
	switch {
	case x.mod == 0 && low == 6:
		base = eaNone
		x.ea.disp = uint64(x.d.U16())
	case x.mod == 1:
		x.ea.disp = signExtend(uint64(x.d.U8()), 1)
	case x.mod == 2:
		x.ea.disp = uint64(x.d.U16())
	}
	if base == cpum.RBP {
		x.ea.defSeg = cpum.SegSS
	}
	x.ea.p0 = uint64(base) | uint64(index)<<8 | 2<<24
}

func (x *inst) memory() bool { return x.mod != 3 }

// segment is the segment of the memory operand.
func (x *inst) segment() int {
	if x.seg != segDefault {
		return x.seg
	}
	return x.ea.defSeg
}

func (x *inst) segParam() uint64 { return uint64(int64(x.segment())) }

func (x *inst) emitEA() {
	if x.eaEmitted {
		return
	}
	x.eaEmitted = true
	var next uint64
	if x.ea.rip {
		next = x.d.NextPC()
	}
	x.emit(fnEA, x.ea.p0, x.ea.disp, next)
}

// imm reads an immediate of the operand size, sign extended. 64-bit
// operands take a 32-bit immediate.
func (x *inst) imm(size int) uint64 {
	switch size {
	case 1:
		return signExtend(uint64(x.d.U8()), 1)
	case 2:
		return signExtend(uint64(x.d.U16()), 2)
	default:
		return signExtend(uint64(x.d.U32()), 4)
	}
}

// Operand loads and stores through Tmp.

func (x *inst) loadReg(tmp int, r, size int) {
	x.emit(fnLoadReg, uint64(tmp), x.regOf(r, size), uint64(size))
}

func (x *inst) storeReg(r, size, tmp int) {
	x.emit(fnStoreReg, x.regOf(r, size), uint64(size), uint64(tmp))
}

func (x *inst) loadImm(tmp int, v uint64) { x.emit(fnLoadImm, uint64(tmp), v) }

func (x *inst) loadE(tmp, size int) {
	if !x.memory() {
		x.loadReg(tmp, x.rm, size)
		return
	}
	x.emitEA()
	x.emit(fnLoadMem, uint64(tmp), uint64(size), x.segParam())
}

func (x *inst) storeE(size int) {
	if !x.memory() {
		x.storeReg(x.rm, size, 0)
		return
	}
	x.emitEA()
	x.emit(fnStoreMem, uint64(size), x.segParam())
	x.flags |= iem.FlagWritesMem
}

// loadRMW loads the destination of a read-modify-write instruction into
// Tmp[0]. A memory operand is mapped for writing first, so a write fault
// is raised before any state changes.
func (x *inst) loadRMW(size int) {
	if !x.memory() {
		x.loadReg(0, x.rm, size)
		return
	}
	x.emitEA()
	x.emit(fnLoadRMW, uint64(size), x.segParam())
	x.flags |= iem.FlagWritesMem
}

func (x *inst) storeRMW(size int) {
	if !x.memory() {
		x.storeReg(x.rm, size, 0)
		return
	}
	x.emit(fnCommitRMW, uint64(size))
}

func (x *inst) alu(op, size int) { x.emit(fnALU, uint64(op), uint64(size)) }

// branchMask bounds the instruction pointer after a near branch.
func (x *inst) branchMask() uint64 {
	if x.mode == cpum.ModeLong {
		return ^uint64(0)
	}
	return sizeMask(x.opsize)
}

func (x *inst) relTarget(rel uint64) uint64 {
	return (x.d.NextPC() + rel) & x.branchMask()
}

func (x *inst) oneByte(op uint8) {
	d := x.d
	size := x.opsize
	if op&1 == 0 {
		size = 1
	}
	switch {
	case op < 0x40 && op&7 < 6:
		x.aluForm(int(op>>3), int(op&7))
		return
	case op >= 0x40 && op <= 0x4f:
		// inc/dec r; in long mode these bytes are REX prefixes.
		r := int(op & 7)
		x.loadReg(0, r, x.opsize)
		x.alu(aluInc+int(op>>3&1), x.opsize)
		x.storeReg(r, x.opsize, 0)
		return
	case op >= 0x50 && op <= 0x57:
		x.loadReg(0, int(op&7)|int(x.rex&1)<<3, x.stack)
		x.emit(fnPush, uint64(x.stack))
		x.flags |= iem.FlagWritesMem
		return
	case op >= 0x58 && op <= 0x5f:
		x.emit(fnPop, uint64(x.stack))
		x.storeReg(int(op&7)|int(x.rex&1)<<3, x.stack, 0)
		return
	case op >= 0x70 && op <= 0x7f:
		rel := signExtend(uint64(d.U8()), 1)
		x.emit(fnJcc, uint64(op&0xf), x.relTarget(rel))
		x.end()
		return
	case op >= 0x91 && op <= 0x97:
		r := int(op&7) | int(x.rex&1)<<3
		x.loadReg(0, r, x.opsize)
		x.loadReg(1, cpum.RAX, x.opsize)
		x.storeReg(cpum.RAX, x.opsize, 0)
		x.storeReg(r, x.opsize, 1)
		return
	case op >= 0xb0 && op <= 0xb7:
		x.loadImm(0, uint64(d.U8()))
		x.storeReg(int(op&7)|int(x.rex&1)<<3, 1, 0)
		return
	case op >= 0xb8 && op <= 0xbf:
		var v uint64
		switch x.opsize {
		case 8:
			v = d.U64()
		case 4:
			v = uint64(d.U32())
		default:
			v = uint64(d.U16())
		}
		x.loadImm(0, v)
		x.storeReg(int(op&7)|int(x.rex&1)<<3, x.opsize, 0)
		return
	}

	switch op {
	case 0x63:
		if x.mode != cpum.ModeLong {
			x.undefined()
			return
		}
		x.modrm()
		x.loadE(0, 4)
		x.emit(fnExtend, 4, 1)
		x.storeReg(x.reg, x.opsize, 0)
	case 0x68, 0x6a:
		isz := x.stack
		if op == 0x6a {
			isz = 1
		}
		x.loadImm(0, x.imm(isz))
		x.emit(fnPush, uint64(x.stack))
		x.flags |= iem.FlagWritesMem
	case 0x69, 0x6b:
		x.modrm()
		isz := x.opsize
		if op == 0x6b {
			isz = 1
		}
		imm := x.imm(isz)
		x.loadE(0, x.opsize)
		x.loadImm(1, imm)
		x.emit(fnImul, uint64(x.opsize))
		x.storeReg(x.reg, x.opsize, 0)
	case 0x80, 0x81, 0x82, 0x83:
		if op == 0x82 && x.mode == cpum.ModeLong {
			x.undefined()
			return
		}
		x.modrm()
		isz := size
		if op == 0x83 {
			isz = 1
		}
		imm := x.imm(isz)
		x.aluE(x.reg, size, func() { x.loadImm(1, imm) })
	case 0x84, 0x85:
		x.modrm()
		x.loadE(0, size)
		x.loadReg(1, x.reg, size)
		x.alu(aluTest, size)
	case 0x86, 0x87:
		x.modrm()
		x.loadRMW(size)
		x.loadReg(1, x.reg, size)
		x.emit(fnSwap)
		x.storeRMW(size)
		x.storeReg(x.reg, size, 1)
	case 0x88, 0x89:
		x.modrm()
		x.loadReg(0, x.reg, size)
		x.storeE(size)
	case 0x8a, 0x8b:
		x.modrm()
		x.loadE(0, size)
		x.storeReg(x.reg, size, 0)
	case 0x8c:
		x.modrm()
		if x.reg&7 >= cpum.SegCount {
			x.undefined()
			return
		}
		x.emit(fnReadSreg, uint64(x.reg&7))
		if x.memory() {
			x.storeE(2)
		} else {
			x.storeReg(x.rm, x.opsize, 0)
		}
	case 0x8d:
		x.modrm()
		if !x.memory() {
			x.undefined()
			return
		}
		x.emitEA()
		x.emit(fnMovTmp, 0, 2)
		x.storeReg(x.reg, x.opsize, 0)
	case 0x8e:
		x.modrm()
		sreg := x.reg & 7
		if sreg >= cpum.SegCount || sreg == cpum.SegCS {
			x.undefined()
			return
		}
		x.loadE(0, 2)
		x.emit(fnMovSreg, uint64(sreg), d.NextPC())
		x.flags |= iem.FlagModeChange
	case 0x8f:
		x.modrm()
		if x.reg&7 != 0 {
			x.undefined()
			return
		}
		x.emit(fnPop, uint64(x.stack))
		x.storeE(x.stack)
	case 0x90:
		if x.rex&1 != 0 {
			x.loadReg(0, R8, x.opsize)
			x.loadReg(1, cpum.RAX, x.opsize)
			x.storeReg(cpum.RAX, x.opsize, 0)
			x.storeReg(R8, x.opsize, 1)
		}
	case 0x98:
		x.emit(fnCbw, uint64(x.opsize))
	case 0x99:
		x.emit(fnCwd, uint64(x.opsize))
	case 0x9c:
		x.emit(fnPushf, uint64(x.stack))
		x.flags |= iem.FlagWritesMem
	case 0x9d:
		x.emit(fnPopf, uint64(x.stack))
		x.end()
	case 0xa4, 0xa5:
		x.emit(fnMovs, uint64(size), x.stringParam(), uint64(int64(x.stringSeg())))
		x.flags |= iem.FlagWritesMem
		x.end()
	case 0xaa, 0xab:
		x.emit(fnStos, uint64(size), x.stringParam())
		x.flags |= iem.FlagWritesMem
		x.end()
	case 0xa8, 0xa9:
		x.loadReg(0, cpum.RAX, size)
		x.loadImm(1, x.imm(size))
		x.alu(aluTest, size)
	case 0xc0, 0xc1, 0xd0, 0xd1, 0xd2, 0xd3:
		x.modrm()
		var count func()
		switch op {
		case 0xc0, 0xc1:
			n := uint64(d.U8())
			count = func() { x.loadImm(1, n) }
		case 0xd0, 0xd1:
			count = func() { x.loadImm(1, 1) }
		default:
			count = func() { x.loadReg(1, cpum.RCX, 1) }
		}
		x.aluE(aluShift+x.reg&7, size, count)
	case 0xc2, 0xc3:
		var n uint64
		if op == 0xc2 {
			n = uint64(d.U16())
		}
		x.emit(fnRet, uint64(x.stack), n)
		x.end()
	case 0xc6, 0xc7:
		x.modrm()
		if x.reg&7 != 0 {
			x.undefined()
			return
		}
		x.loadImm(0, x.imm(size))
		x.storeE(size)
	case 0xc9:
		x.emit(fnLeave, uint64(x.stack))
	case 0xcc:
		x.emit(fnInt3, uint64(d.Len()))
		x.end()
	case 0xcd:
		vec := d.U8()
		x.emit(fnInt, uint64(vec), uint64(d.Len()))
		x.end()
	case 0xcf:
		x.emit(fnIret, uint64(x.opsize))
		x.flags |= iem.FlagEndBlock | iem.FlagModeChange
	case 0xe4, 0xe5:
		port := uint64(d.U8())
		x.emit(fnIn, uint64(x.ioSize(size)), port)
		x.end()
	case 0xe6, 0xe7:
		port := uint64(d.U8())
		x.emit(fnOut, uint64(x.ioSize(size)), port)
		x.end()
	case 0xec, 0xed:
		x.emit(fnIn, uint64(x.ioSize(size)), portDX)
		x.end()
	case 0xee, 0xef:
		x.emit(fnOut, uint64(x.ioSize(size)), portDX)
		x.end()
	case 0xe8:
		rel := x.imm(x.branchSize())
		x.emit(fnCall, x.relTarget(rel), d.NextPC(), uint64(x.stack))
		x.flags |= iem.FlagWritesMem
		x.end()
	case 0xe9, 0xeb:
		isz := x.branchSize()
		if op == 0xeb {
			isz = 1
		}
		rel := x.imm(isz)
		x.emit(fnJmp, x.relTarget(rel))
		x.end()
	case 0xea:
		if x.mode == cpum.ModeLong {
			x.undefined()
			return
		}
		var off uint64
		if x.opsize == 4 {
			off = uint64(d.U32())
		} else {
			off = uint64(d.U16())
		}
		sel := uint64(d.U16())
		x.emit(fnJmpFar, sel, off)
		x.flags |= iem.FlagEndBlock | iem.FlagModeChange
	case 0xf4:
		x.emit(fnHlt)
		x.end()
	case 0xf5, 0xf8, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd:
		x.emit(fnFlagOp, uint64(op), d.NextPC())
		if op == 0xfa || op == 0xfb {
			x.end()
		}
	case 0xf6, 0xf7:
		x.modrm()
		x.group3(size)
	case 0xfe, 0xff:
		x.modrm()
		x.group5(op, size)
	default:
		x.undefined()
	}
}

// branchSize is the displacement size of near jumps and calls.
func (x *inst) branchSize() int {
	if x.opsize == 2 {
		return 2
	}
	return 4
}

func (x *inst) ioSize(size int) int {
	if size == 8 {
		return 4
	}
	return size
}

// stringParam packs the rep prefix and address size of a string
// instruction.
func (x *inst) stringParam() uint64 {
	p := uint64(x.addrsize) << 8
	if x.rep != 0 {
		p |= 1
	}
	return p
}

func (x *inst) stringSeg() int {
	if x.seg != segDefault {
		return x.seg
	}
	return cpum.SegDS
}

// aluForm decodes the eight classic arithmetic encodings of op.
func (x *inst) aluForm(op, form int) {
	size := x.opsize
	if form&1 == 0 {
		size = 1
	}
	switch form {
	case 0, 1:
		x.modrm()
		x.aluE(op, size, func() { x.loadReg(1, x.reg, size) })
	case 2, 3:
		x.modrm()
		x.loadReg(0, x.reg, size)
		x.loadE(1, size)
		x.alu(op, size)
		if op != aluCmp {
			x.storeReg(x.reg, size, 0)
		}
	case 4, 5:
		x.loadReg(0, cpum.RAX, size)
		x.loadImm(1, x.imm(size))
		x.alu(op, size)
		if op != aluCmp {
			x.storeReg(cpum.RAX, size, 0)
		}
	}
}

// aluE applies op to the r/m operand, with src loading Tmp[1].
func (x *inst) aluE(op, size int, src func()) {
	if op == aluCmp {
		x.loadE(0, size)
		src()
		x.alu(op, size)
		return
	}
	x.loadRMW(size)
	src()
	x.alu(op, size)
	x.storeRMW(size)
}

func (x *inst) group3(size int) {
	switch x.reg & 7 {
	case 0, 1:
		imm := x.imm(size)
		x.loadE(0, size)
		x.loadImm(1, imm)
		x.alu(aluTest, size)
	case 2, 3:
		x.aluE(aluNot+x.reg&1, size, func() {})
	default:
		x.loadE(0, size)
		x.emit(fnMulDiv, uint64(x.reg&7), uint64(size))
	}
}

func (x *inst) group5(op uint8, size int) {
	r := x.reg & 7
	if op == 0xfe && r > 1 {
		x.undefined()
		return
	}
	switch r {
	case 0, 1:
		x.aluE(aluInc+r, size, func() {})
	case 2:
		x.loadE(0, x.stack)
		x.emit(fnCallInd, x.d.NextPC(), uint64(x.stack), x.branchMask())
		x.flags |= iem.FlagWritesMem
		x.end()
	case 4:
		x.loadE(0, x.stack)
		x.emit(fnJmpInd, x.branchMask())
		x.end()
	case 6:
		x.loadE(0, x.stack)
		x.emit(fnPush, uint64(x.stack))
		x.flags |= iem.FlagWritesMem
	default:
		x.undefined()
	}
}

func (x *inst) twoByte(op uint8) {
	switch {
	case op >= 0x40 && op <= 0x4f:
		x.modrm()
		x.loadE(0, x.opsize)
		x.emit(fnCmov, uint64(op&0xf), uint64(x.reg), uint64(x.opsize))
		return
	case op >= 0x80 && op <= 0x8f:
		rel := x.imm(x.branchSize())
		x.emit(fnJcc, uint64(op&0xf), x.relTarget(rel))
		x.end()
		return
	case op >= 0x90 && op <= 0x9f:
		x.modrm()
		x.emit(fnSetcc, uint64(op&0xf))
		x.storeE(1)
		return
	}

	switch op {
	case 0x00:
		x.modrm()
		if x.reg&7 != 3 || x.mode == cpum.ModeReal {
			x.undefined()
			return
		}
		x.loadE(0, 2)
		x.emit(fnLtr)
	case 0x01:
		x.modrm()
		r := x.reg & 7
		switch {
		case x.memory() && (r == 2 || r == 3):
			x.emitEA()
			x.emit(fnLoadDT, uint64(r), x.segParam(), uint64(x.opsize))
		case x.memory() && r == 7:
			x.emitEA()
			x.emit(fnInvlpg, x.segParam())
			x.end()
		default:
			x.undefined()
		}
	case 0x0b:
		x.undefined()
	case 0x10, 0x11, 0x28, 0x29:
		if x.rep != 0 {
			x.undefined()
			return
		}
		x.sseMove(op&1 == 0, op >= 0x28)
	case 0x6f, 0x7f:
		switch {
		case x.osPrefix:
			x.sseMove(op == 0x6f, true)
		case x.rep == 0xf3:
			x.sseMove(op == 0x6f, false)
		default:
			x.undefined()
		}
	case 0x57, 0xef:
		if op == 0xef && !x.osPrefix || x.rep != 0 {
			x.undefined()
			return
		}
		x.modrm()
		x.emit(fnSSECheck)
		x.sseLoadE(true)
		x.emit(fnXmmXor, uint64(x.reg))
	case 0x1f:
		x.modrm()
	case 0x20, 0x22:
		x.modrm()
		cr := x.reg
		switch cr {
		case 0, 2, 3, 4, 8:
		default:
			x.undefined()
			return
		}
		x.emit(fnMovCR, uint64(op>>1&1), uint64(cr), uint64(x.rm))
		if op == 0x22 {
			x.flags |= iem.FlagEndBlock | iem.FlagModeChange
		}
	case 0x30:
		x.emit(fnWrmsr)
		x.flags |= iem.FlagEndBlock | iem.FlagModeChange
	case 0x31:
		x.emit(fnRdtsc)
	case 0x32:
		x.emit(fnRdmsr)
	case 0xa2:
		x.emit(fnCpuid)
	case 0xaf:
		x.modrm()
		x.loadReg(0, x.reg, x.opsize)
		x.loadE(1, x.opsize)
		x.emit(fnImul, uint64(x.opsize))
		x.storeReg(x.reg, x.opsize, 0)
	case 0xb0, 0xb1:
		size := x.opsize
		if op == 0xb0 {
			size = 1
		}
		x.modrm()
		x.loadRMW(size)
		x.loadReg(1, x.reg, size)
		x.emit(fnCmpxchg, uint64(size))
		x.storeRMW(size)
	case 0xb6, 0xb7, 0xbe, 0xbf:
		from := 1
		if op&1 != 0 {
			from = 2
		}
		x.modrm()
		x.loadE(0, from)
		x.emit(fnExtend, uint64(from), uint64(op>>3&1))
		x.storeReg(x.reg, x.opsize, 0)
	case 0xbc, 0xbd:
		x.modrm()
		x.loadE(0, x.opsize)
		x.emit(fnBitScan, uint64(x.reg), uint64(x.opsize), uint64(op&1))
	default:
		x.undefined()
	}
}

// sseMove decodes a 128-bit move between an XMM register and the r/m
// operand.
func (x *inst) sseMove(load, aligned bool) {
	x.modrm()
	x.emit(fnSSECheck)
	if load {
		x.sseLoadE(aligned)
		x.emit(fnXmmToReg, uint64(x.reg))
		return
	}
	x.emit(fnXmmFromReg, uint64(x.reg))
	if !x.memory() {
		x.emit(fnXmmToReg, uint64(x.rm))
		return
	}
	x.emitEA()
	x.emit(fnXmmToMem, b2u(aligned), x.segParam())
	x.flags |= iem.FlagWritesMem
}

func (x *inst) sseLoadE(aligned bool) {
	if !x.memory() {
		x.emit(fnXmmFromReg, uint64(x.rm))
		return
	}
	x.emitEA()
	x.emit(fnXmmFromMem, b2u(aligned), x.segParam())
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
