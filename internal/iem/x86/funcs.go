package x86

import (
	"encoding/binary"
	"math/bits"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
)

// Threaded functions. Operands travel through v.Tmp: Tmp[0] and Tmp[1]
// are the source and destination values and Tmp[2] the effective address.
const (
	fnEA = iem.FirstTargetFunc + iota
	fnLoadReg
	fnLoadImm
	fnLoadMem
	fnLoadRMW
	fnStoreReg
	fnStoreMem
	fnCommitRMW
	fnMovTmp
	fnSwap
	fnALU
	fnExtend
	fnMulDiv
	fnImul
	fnCbw
	fnCwd
	fnSetcc
	fnCmov
	fnCmpxchg
	fnBitScan
	fnJcc
	fnJmp
	fnJmpInd
	fnCall
	fnCallInd
	fnRet
	fnPush
	fnPop
	fnLeave
	fnPushf
	fnPopf
	fnFlagOp
	fnHlt
	fnInt
	fnInt3
	fnUD
	fnIret
	fnJmpFar
	fnMovSreg
	fnReadSreg
	fnMovCR
	fnLoadDT
	fnLtr
	fnInvlpg
	fnRdmsr
	fnWrmsr
	fnRdtsc
	fnCpuid
	fnMovs
	fnStos
	fnIn
	fnOut
	fnSSECheck
	fnXmmFromReg
	fnXmmFromMem
	fnXmmToReg
	fnXmmToMem
	fnXmmXor
	fnLast
)

const first = iem.FirstTargetFunc

var funcs = [fnLast - first]iem.FuncInfo{
	fnEA - first:         {Name: "ea", Fn: opEA},
	fnLoadReg - first:    {Name: "ldr", Fn: opLoadReg},
	fnLoadImm - first:    {Name: "ldi", Fn: opLoadImm},
	fnLoadMem - first:    {Name: "ldm", Fn: opLoadMem},
	fnLoadRMW - first:    {Name: "ldm-rmw", Fn: opLoadRMW},
	fnStoreReg - first:   {Name: "str", Fn: opStoreReg},
	fnStoreMem - first:   {Name: "stm", Fn: opStoreMem},
	fnCommitRMW - first:  {Name: "stm-rmw", Fn: opCommitRMW},
	fnMovTmp - first:     {Name: "mov-tmp", Fn: opMovTmp},
	fnSwap - first:       {Name: "swap", Fn: opSwap},
	fnALU - first:        {Name: "alu", Fn: opALU},
	fnExtend - first:     {Name: "extend", Fn: opExtend},
	fnMulDiv - first:     {Name: "muldiv", Fn: opMulDiv},
	fnImul - first:       {Name: "imul", Fn: opImul},
	fnCbw - first:        {Name: "cbw", Fn: opCbw},
	fnCwd - first:        {Name: "cwd", Fn: opCwd},
	fnSetcc - first:      {Name: "setcc", Fn: opSetcc},
	fnCmov - first:       {Name: "cmov", Fn: opCmov},
	fnCmpxchg - first:    {Name: "cmpxchg", Fn: opCmpxchg},
	fnBitScan - first:    {Name: "bitscan", Fn: opBitScan},
	fnJcc - first:        {Name: "jcc", Fn: opJcc},
	fnJmp - first:        {Name: "jmp", Fn: opJmp},
	fnJmpInd - first:     {Name: "jmp-ind", Fn: opJmpInd},
	fnCall - first:       {Name: "call", Fn: opCall},
	fnCallInd - first:    {Name: "call-ind", Fn: opCallInd},
	fnRet - first:        {Name: "ret", Fn: opRet},
	fnPush - first:       {Name: "push", Fn: opPush},
	fnPop - first:        {Name: "pop", Fn: opPop},
	fnLeave - first:      {Name: "leave", Fn: opLeave},
	fnPushf - first:      {Name: "pushf", Fn: opPushf},
	fnPopf - first:       {Name: "popf", Fn: opPopf},
	fnFlagOp - first:     {Name: "flag", Fn: opFlag},
	fnHlt - first:        {Name: "hlt", Fn: opHlt},
	fnInt - first:        {Name: "int", Fn: opInt},
	fnInt3 - first:       {Name: "int3", Fn: opInt3},
	fnUD - first:         {Name: "ud", Fn: opUD},
	fnIret - first:       {Name: "iret", Fn: opIret},
	fnJmpFar - first:     {Name: "jmp-far", Fn: opJmpFar},
	fnMovSreg - first:    {Name: "mov-sreg", Fn: opMovSreg},
	fnReadSreg - first:   {Name: "read-sreg", Fn: opReadSreg},
	fnMovCR - first:      {Name: "mov-cr", Fn: opMovCR},
	fnLoadDT - first:     {Name: "lgdt", Fn: opLoadDT},
	fnLtr - first:        {Name: "ltr", Fn: opLtr},
	fnInvlpg - first:     {Name: "invlpg", Fn: opInvlpg},
	fnRdmsr - first:      {Name: "rdmsr", Fn: opRdmsr},
	fnWrmsr - first:      {Name: "wrmsr", Fn: opWrmsr},
	fnRdtsc - first:      {Name: "rdtsc", Fn: opRdtsc},
	fnCpuid - first:      {Name: "cpuid", Fn: opCpuid},
	fnMovs - first:       {Name: "movs", Fn: opMovs},
	fnStos - first:       {Name: "stos", Fn: opStos},
	fnIn - first:         {Name: "in", Fn: opIn},
	fnOut - first:        {Name: "out", Fn: opOut},
	fnSSECheck - first:   {Name: "sse-check", Fn: opSSECheck},
	fnXmmFromReg - first: {Name: "xmm-ldr", Fn: opXmmFromReg},
	fnXmmFromMem - first: {Name: "xmm-ldm", Fn: opXmmFromMem},
	fnXmmToReg - first:   {Name: "xmm-str", Fn: opXmmToReg},
	fnXmmToMem - first:   {Name: "xmm-stm", Fn: opXmmToMem},
	fnXmmXor - first:     {Name: "xmm-xor", Fn: opXmmXor},
}

func segOf(p uint64) int { return int(int64(p)) }

func raise(v *iem.VCpu, f *iem.Fault) { v.Raise(f) }

func gp0(v *iem.VCpu) { raise(v, iem.GP(0)) }

// requireCPL0 raises #GP(0) for privileged instructions outside ring 0.
func requireCPL0(v *iem.VCpu) {
	if v.Ctx.Mode() != cpum.ModeReal && v.Ctx.CPL() != 0 {
		gp0(v)
	}
}

func readSized(v *iem.VCpu, seg int, addr uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(v.ReadU8Jmp(seg, addr))
	case 2:
		return uint64(v.ReadU16Jmp(seg, addr))
	case 4:
		return uint64(v.ReadU32Jmp(seg, addr))
	default:
		return v.ReadU64Jmp(seg, addr)
	}
}

func writeSized(v *iem.VCpu, seg int, addr uint64, size int, x uint64) {
	switch size {
	case 1:
		v.WriteU8Jmp(seg, addr, uint8(x))
	case 2:
		v.WriteU16Jmp(seg, addr, uint16(x))
	case 4:
		v.WriteU32Jmp(seg, addr, uint32(x))
	default:
		v.WriteU64Jmp(seg, addr, x)
	}
}

func push(v *iem.VCpu, size int, x uint64) {
	switch size {
	case 2:
		v.PushU16Jmp(uint16(x))
	case 4:
		v.PushU32Jmp(uint32(x))
	default:
		v.PushU64Jmp(x)
	}
}

func pop(v *iem.VCpu, size int) uint64 {
	switch size {
	case 2:
		return uint64(v.PopU16Jmp())
	case 4:
		return uint64(v.PopU32Jmp())
	default:
		return v.PopU64Jmp()
	}
}

// opEA: P0 packs base, index, scale and address size, P1 displacement, P2
// the next PC for RIP-relative operands.
func opEA(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	base, index := int(p&0xff), int(p>>8&0xff)
	a := c.P[1]
	switch {
	case p&eaRIP != 0:
		a += c.P[2]
	case base != eaNone:
		a += v.Ctx.GPR[base]
	}
	if index != eaNone {
		a += v.Ctx.GPR[index] << (p >> 16 & 3)
	}
	v.Tmp[2] = a & sizeMask(int(p>>24&0xff))
}

// opLoadReg: P0 tmp, P1 register, P2 size.
func opLoadReg(v *iem.VCpu, c *iem.Call) {
	v.Tmp[c.P[0]] = getReg(v.Ctx, int(c.P[1]), int(c.P[2]))
}

func opLoadImm(v *iem.VCpu, c *iem.Call) { v.Tmp[c.P[0]] = c.P[1] }

// opLoadMem: P0 tmp, P1 size, P2 segment.
func opLoadMem(v *iem.VCpu, c *iem.Call) {
	v.Tmp[c.P[0]] = readSized(v, segOf(c.P[2]), v.Tmp[2], int(c.P[1]))
}

// opLoadRMW: P0 size, P1 segment.
func opLoadRMW(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	m := v.MapJmp(segOf(c.P[1]), v.Tmp[2], size, pgm.AccessRead|pgm.AccessWrite, 0)
	v.Mapped = m
	b := m.Bytes()
	switch size {
	case 1:
		v.Tmp[0] = uint64(b[0])
	case 2:
		v.Tmp[0] = uint64(m.U16())
	case 4:
		v.Tmp[0] = uint64(m.U32())
	default:
		v.Tmp[0] = m.U64()
	}
}

// opStoreReg: P0 register, P1 size, P2 tmp.
func opStoreReg(v *iem.VCpu, c *iem.Call) {
	setReg(v.Ctx, int(c.P[0]), int(c.P[1]), v.Tmp[c.P[2]])
}

// opStoreMem: P0 size, P1 segment.
func opStoreMem(v *iem.VCpu, c *iem.Call) {
	writeSized(v, segOf(c.P[1]), v.Tmp[2], int(c.P[0]), v.Tmp[0])
}

// opCommitRMW: P0 size.
func opCommitRMW(v *iem.VCpu, c *iem.Call) {
	m := v.Mapped
	if m == nil {
		panic(iem.ErrInternal)
	}
	x := v.Tmp[0]
	switch c.P[0] {
	case 1:
		m.Bytes()[0] = uint8(x)
	case 2:
		m.PutU16(0, uint16(x))
	case 4:
		m.PutU32(0, uint32(x))
	default:
		m.PutU64(0, x)
	}
	v.Mapped = nil
	v.CommitAndUnmapJmp(m)
}

func opMovTmp(v *iem.VCpu, c *iem.Call) { v.Tmp[c.P[0]] = v.Tmp[c.P[1]] }
func opSwap(v *iem.VCpu, _ *iem.Call)   { v.Tmp[0], v.Tmp[1] = v.Tmp[1], v.Tmp[0] }

// opALU: P0 operation, P1 size. Tmp[0] op= Tmp[1].
func opALU(v *iem.VCpu, c *iem.Call) {
	v.Tmp[0] = alu(v.Ctx, int(c.P[0]), int(c.P[1]), v.Tmp[0], v.Tmp[1])
}

// opExtend: P0 source size, P1 non-zero to sign extend.
func opExtend(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	if c.P[1] != 0 {
		v.Tmp[0] = signExtend(v.Tmp[0], size)
	} else {
		v.Tmp[0] &= sizeMask(size)
	}
}

// opMulDiv: P0 group 3 operation (4 mul, 5 imul, 6 div, 7 idiv), P1 size.
func opMulDiv(v *iem.VCpu, c *iem.Call) {
	ctx := v.Ctx
	size := int(c.P[1])
	src := v.Tmp[0] & sizeMask(size)
	if size == 1 {
		mulDiv8(v, int(c.P[0]), src)
		return
	}
	a := ctx.GPR[cpum.RAX] & sizeMask(size)
	d := ctx.GPR[cpum.RDX] & sizeMask(size)
	var lo, hi uint64
	switch c.P[0] {
	case 4:
		if size == 8 {
			hi, lo = bits.Mul64(a, src)
		} else {
			p := a * src
			lo, hi = p&sizeMask(size), p>>(8*size)
		}
		setMulFlags(ctx, hi != 0)
	case 5:
		sa, sb := int64(signExtend(a, size)), int64(signExtend(src, size))
		if size == 8 {
			hi, lo = mulSigned(sa, sb)
			setMulFlags(ctx, hi != uint64(int64(lo)>>63))
		} else {
			p := sa * sb
			lo, hi = uint64(p)&sizeMask(size), uint64(p>>(8*size))
			setMulFlags(ctx, p != int64(signExtend(uint64(p), size)))
		}
	case 6:
		if src == 0 || d >= src {
			raise(v, &iem.Fault{Kind: iem.FaultDivide})
		}
		if size == 8 {
			lo, hi = bits.Div64(d, a, src)
		} else {
			n := d<<(8*size) | a
			lo, hi = n/src, n%src
		}
	case 7:
		lo, hi = idiv(v, d, a, src, size)
	}
	setReg(ctx, cpum.RAX, size, lo)
	setReg(ctx, cpum.RDX, size, hi)
}

func mulDiv8(v *iem.VCpu, op int, src uint64) {
	ctx := v.Ctx
	al := ctx.GPR[cpum.RAX] & 0xff
	ax := ctx.GPR[cpum.RAX] & 0xffff
	switch op {
	case 4:
		r := al * src
		setReg(ctx, cpum.RAX, 2, r)
		setMulFlags(ctx, r>>8 != 0)
	case 5:
		r := int64(int8(al)) * int64(int8(src))
		setReg(ctx, cpum.RAX, 2, uint64(r))
		setMulFlags(ctx, r != int64(int8(r)))
	case 6:
		if src == 0 || ax/src > 0xff {
			raise(v, &iem.Fault{Kind: iem.FaultDivide})
		}
		setReg(ctx, cpum.RAX, 2, (ax%src)<<8|ax/src)
	case 7:
		n, s := int64(int16(ax)), int64(int8(src))
		if s == 0 || n/s != int64(int8(n/s)) {
			raise(v, &iem.Fault{Kind: iem.FaultDivide})
		}
		setReg(ctx, cpum.RAX, 2, uint64(n%s&0xff)<<8|uint64(n/s)&0xff)
	}
}

func setMulFlags(c *cpum.Context, overflow bool) {
	c.Flags = c.Flags&^(flagCF|flagOF) | b2f(overflow, flagCF|flagOF)
}

// mulSigned returns the 128-bit product of two signed values.
func mulSigned(a, b int64) (hi, lo uint64) {
	hi, lo = bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return hi, lo
}

func idiv(v *iem.VCpu, d, a, src uint64, size int) (q, r uint64) {
	divide := func() { raise(v, &iem.Fault{Kind: iem.FaultDivide}) }
	if src == 0 {
		divide()
	}
	if size < 8 {
		n := int64(d<<(8*size)|a) << (64 - 16*size) >> (64 - 16*size)
		s := int64(signExtend(src, size))
		if n == -1<<63 && s == -1 {
			divide()
		}
		qq, rr := n/s, n%s
		if qq != int64(signExtend(uint64(qq), size)) {
			divide()
		}
		return uint64(qq) & sizeMask(size), uint64(rr) & sizeMask(size)
	}
	neg := int64(d) < 0
	if neg {
		a, d = -a, ^d
		if a == 0 {
			d++
		}
	}
	s := int64(src)
	us := uint64(s)
	if s < 0 {
		us = uint64(-s)
	}
	if d >= us {
		divide()
	}
	uq, ur := bits.Div64(d, a, us)
	qneg := neg != (s < 0)
	if qneg && uq > 1<<63 || !qneg && uq >= 1<<63 {
		divide()
	}
	if qneg {
		uq = -uq
	}
	if neg {
		ur = -ur
	}
	return uq, ur
}

// opImul: Tmp[0] *= Tmp[1], signed and truncated to P0 bytes.
func opImul(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	a, b := int64(signExtend(v.Tmp[0], size)), int64(signExtend(v.Tmp[1], size))
	if size == 8 {
		hi, lo := mulSigned(a, b)
		v.Tmp[0] = lo
		setMulFlags(v.Ctx, hi != uint64(int64(lo)>>63))
		return
	}
	p := a * b
	v.Tmp[0] = uint64(p) & sizeMask(size)
	setMulFlags(v.Ctx, p != int64(signExtend(uint64(p), size)))
}

// opCbw sign extends the lower half of rAX into all of it.
func opCbw(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	setReg(v.Ctx, cpum.RAX, size, signExtend(v.Ctx.GPR[cpum.RAX], size/2))
}

// opCwd fills rDX with the sign of rAX.
func opCwd(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	var x uint64
	if v.Ctx.GPR[cpum.RAX]&signBit(size) != 0 {
		x = ^uint64(0)
	}
	setReg(v.Ctx, cpum.RDX, size, x)
}

func opSetcc(v *iem.VCpu, c *iem.Call) {
	v.Tmp[0] = 0
	if cond(v.Ctx.Flags, int(c.P[0])) {
		v.Tmp[0] = 1
	}
}

// opCmov: P0 condition, P1 register, P2 size. A 32-bit cmov zero extends
// its destination even when the condition is false.
func opCmov(v *iem.VCpu, c *iem.Call) {
	r, size := int(c.P[1]), int(c.P[2])
	x := getReg(v.Ctx, r, size)
	if cond(v.Ctx.Flags, int(c.P[0])) {
		x = v.Tmp[0]
	}
	setReg(v.Ctx, r, size, x)
}

// opCmpxchg compares rAX with the destination in Tmp[0] and leaves the
// value to write back in Tmp[0].
func opCmpxchg(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	acc := getReg(v.Ctx, cpum.RAX, size)
	dst := v.Tmp[0] & sizeMask(size)
	alu(v.Ctx, aluCmp, size, acc, dst)
	if acc == dst {
		v.Tmp[0] = v.Tmp[1]
		return
	}
	setReg(v.Ctx, cpum.RAX, size, dst)
}

// opBitScan: P0 destination register, P1 size, P2 non-zero for bsr.
func opBitScan(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[1])
	src := v.Tmp[0] & sizeMask(size)
	if src == 0 {
		v.Ctx.Flags |= flagZF
		return
	}
	v.Ctx.Flags &^= flagZF
	n := bits.TrailingZeros64(src)
	if c.P[2] != 0 {
		n = 63 - bits.LeadingZeros64(src)
	}
	setReg(v.Ctx, int(c.P[0]), size, uint64(n))
}

func opJcc(v *iem.VCpu, c *iem.Call) {
	if cond(v.Ctx.Flags, int(c.P[0])) {
		v.SetPC(c.P[1])
	}
}

func opJmp(v *iem.VCpu, c *iem.Call)    { v.SetPC(c.P[0]) }
func opJmpInd(v *iem.VCpu, c *iem.Call) { v.SetPC(v.Tmp[0] & c.P[0]) }

// opCall: P0 target, P1 return address, P2 stack operand size.
func opCall(v *iem.VCpu, c *iem.Call) {
	push(v, int(c.P[2]), c.P[1])
	v.SetPC(c.P[0])
}

// opCallInd: P0 return address, P1 stack operand size, P2 PC mask.
func opCallInd(v *iem.VCpu, c *iem.Call) {
	target := v.Tmp[0] & c.P[2]
	push(v, int(c.P[1]), c.P[0])
	v.SetPC(target)
}

// opRet: P0 stack operand size, P1 bytes to release.
func opRet(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	sp := v.SP()
	pc := readSized(v, cpum.SegSS, sp, size)
	setReg(v.Ctx, cpum.RSP, spSize(v), sp+uint64(size)+c.P[1])
	if size != 8 {
		pc &= sizeMask(size)
	}
	v.SetPC(pc)
}

// spSize is the width of the stack pointer in bytes.
func spSize(v *iem.VCpu) int {
	switch {
	case v.Ctx.Mode() == cpum.ModeLong:
		return 8
	case v.Ctx.Mode() != cpum.ModeReal && v.Ctx.Seg[cpum.SegSS].Default32():
		return 4
	default:
		return 2
	}
}

func opPush(v *iem.VCpu, c *iem.Call) { push(v, int(c.P[0]), v.Tmp[0]) }
func opPop(v *iem.VCpu, c *iem.Call)  { v.Tmp[0] = pop(v, int(c.P[0])) }

func opLeave(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	bp := v.Ctx.GPR[cpum.RBP] & sizeMask(spSize(v))
	x := readSized(v, cpum.SegSS, bp, size)
	setReg(v.Ctx, cpum.RSP, spSize(v), bp+uint64(size))
	setReg(v.Ctx, cpum.RBP, size, x)
}

func opPushf(v *iem.VCpu, c *iem.Call) {
	push(v, int(c.P[0]), v.Ctx.Flags&^(flagRF|flagVM))
}

func opPopf(v *iem.VCpu, c *iem.Call) {
	size := int(c.P[0])
	writeFlags(v.Ctx, pop(v, size), size)
}

// writeFlags loads RFLAGS from a popf or iret image, leaving the bits the
// current privilege level may not change.
func writeFlags(c *cpum.Context, nf uint64, size int) {
	mask := uint64(flagsWritable)
	if c.Mode() != cpum.ModeReal {
		cpl := uint64(c.CPL())
		if cpl > 0 {
			mask &^= flagIOPL
		}
		if cpl > c.Flags>>12&3 {
			mask &^= flagIF
		}
	}
	if size == 2 {
		mask &= 0xffff
	}
	c.Flags = c.Flags&^mask | nf&mask | 2
}

// iopl checks the I/O privilege level for cli, sti and port I/O.
func iopl(v *iem.VCpu) {
	c := v.Ctx
	if c.Mode() != cpum.ModeReal && uint64(c.CPL()) > c.Flags>>12&3 {
		gp0(v)
	}
}

// opFlag: P0 opcode of cmc, clc, stc, cli, sti, cld or std; P1 next PC.
func opFlag(v *iem.VCpu, c *iem.Call) {
	f := &v.Ctx.Flags
	switch c.P[0] {
	case 0xf5:
		*f ^= flagCF
	case 0xf8:
		*f &^= flagCF
	case 0xf9:
		*f |= flagCF
	case 0xfa:
		iopl(v)
		*f &^= flagIF
	case 0xfb:
		iopl(v)
		if *f&flagIF == 0 {
			v.InhibitInterrupts(c.P[1])
		}
		*f |= flagIF
	case 0xfc:
		*f &^= flagDF
	case 0xfd:
		*f |= flagDF
	}
}

// opHlt halts until the next interrupt. With interrupts disabled nothing
// can wake the CPU, which is how guests power off.
func opHlt(v *iem.VCpu, _ *iem.Call) {
	requireCPL0(v)
	if !v.Ctx.InterruptsEnabled() {
		panic(iem.ErrHalted)
	}
	v.SetHalted(true)
}

func opInt(v *iem.VCpu, c *iem.Call) {
	raise(v, &iem.Fault{Kind: iem.FaultSoftwareInterrupt, Vector: uint8(c.P[0]), InstrLen: uint8(c.P[1])})
}

func opInt3(v *iem.VCpu, c *iem.Call) {
	raise(v, &iem.Fault{Kind: iem.FaultBreakpoint, InstrLen: uint8(c.P[0])})
}

func opUD(v *iem.VCpu, _ *iem.Call) { raise(v, iem.Undefined()) }

func opReadSreg(v *iem.VCpu, c *iem.Call) {
	v.Tmp[0] = uint64(v.Ctx.Seg[c.P[0]].Selector)
}

// opMovSreg: P0 segment register, P1 next PC. Loading SS holds off
// interrupts for one instruction so a following stack pointer load is
// atomic with it.
func opMovSreg(v *iem.VCpu, c *iem.Call) {
	sreg := int(c.P[0])
	loadSegment(v, sreg, uint16(v.Tmp[0]))
	if sreg == cpum.SegSS {
		v.InhibitInterrupts(c.P[1])
	}
}

// opJmpFar: P0 selector, P1 offset.
func opJmpFar(v *iem.VCpu, c *iem.Call) {
	loadCS(v, uint16(c.P[0]))
	v.SetPC(c.P[1])
}

// opMovCR: P0 direction (1 writes the control register), P1 control
// register, P2 general register.
func opMovCR(v *iem.VCpu, c *iem.Call) {
	requireCPL0(v)
	ctx := v.Ctx
	cr, r := int(c.P[1]), int(c.P[2])
	size := 4
	if ctx.Mode() == cpum.ModeLong {
		size = 8
	}
	if c.P[0] == 0 {
		var x uint64
		switch cr {
		case 0:
			x = ctx.CR0
		case 2:
			x = ctx.CR2
		case 3:
			x = ctx.CR3
		case 4:
			x = ctx.CR4
		case 8:
			x = ctx.CR8
		}
		setReg(ctx, r, size, x)
		return
	}
	x := getReg(ctx, r, size)
	switch cr {
	case 0:
		x |= cpum.CR0ET
		if x&cpum.CR0PG != 0 && x&cpum.CR0PE == 0 {
			gp0(v)
		}
		enable := x&cpum.CR0PG != 0 && ctx.CR0&cpum.CR0PG == 0
		if enable && ctx.EFER&cpum.EFERLME != 0 {
			if ctx.CR4&cpum.CR4PAE == 0 {
				gp0(v)
			}
			ctx.EFER |= cpum.EFERLMA
		}
		if x&cpum.CR0PG == 0 {
			ctx.EFER &^= cpum.EFERLMA
		}
		ctx.CR0 = x
	case 2:
		ctx.CR2 = x
	case 3:
		ctx.CR3 = x
	case 4:
		if ctx.EFER&cpum.EFERLMA != 0 && x&cpum.CR4PAE == 0 {
			gp0(v)
		}
		ctx.CR4 = x
	case 8:
		ctx.CR8 = x & 0xf
		return
	}
	v.FlushTLB()
}

// opLoadDT loads the GDTR (P0 2) or IDTR (P0 3) from memory; P1 segment,
// P2 operand size.
func opLoadDT(v *iem.VCpu, c *iem.Call) {
	requireCPL0(v)
	seg := segOf(c.P[1])
	addr := v.Tmp[2]
	limit := v.ReadU16Jmp(seg, addr)
	var base uint64
	switch {
	case v.Ctx.Mode() == cpum.ModeLong:
		base = v.ReadU64Jmp(seg, addr+2)
	case c.P[2] == 2:
		base = uint64(v.ReadU32Jmp(seg, addr+2)) & 0xffffff
	default:
		base = uint64(v.ReadU32Jmp(seg, addr+2))
	}
	dt := cpum.DescriptorTable{Base: base, Limit: uint32(limit)}
	if c.P[0] == 2 {
		v.Ctx.GDTR = dt
	} else {
		v.Ctx.IDTR = dt
	}
}

func opLtr(v *iem.VCpu, _ *iem.Call) {
	requireCPL0(v)
	loadTR(v, uint16(v.Tmp[0]))
}

func opInvlpg(v *iem.VCpu, c *iem.Call) {
	requireCPL0(v)
	la, err := v.LinearAddress(segOf(c.P[0]), v.Tmp[2])
	if err != nil {
		panic(err)
	}
	v.FlushTLBPage(la)
}

func opRdtsc(v *iem.VCpu, _ *iem.Call) {
	tsc := uint64(v.Elapsed().Nanoseconds())
	setReg(v.Ctx, cpum.RAX, 4, tsc)
	setReg(v.Ctx, cpum.RDX, 4, tsc>>32)
}

// opMovs and opStos: P0 element size, P1 rep flag and address size, P2
// the source segment. A repeated move runs in chunks; the instruction is
// restarted until the count is exhausted so events are taken in between.
const stringChunk = 256

func opMovs(v *iem.VCpu, c *iem.Call) {
	stringOp(v, c, func(si, di uint64, size int) {
		x := readSized(v, segOf(c.P[2]), si, size)
		writeSized(v, cpum.SegES, di, size, x)
	}, true)
}

func opStos(v *iem.VCpu, c *iem.Call) {
	stringOp(v, c, func(_, di uint64, size int) {
		writeSized(v, cpum.SegES, di, size, v.Ctx.GPR[cpum.RAX])
	}, false)
}

func stringOp(v *iem.VCpu, c *iem.Call, step func(si, di uint64, size int), source bool) {
	ctx := v.Ctx
	size := int(c.P[0])
	rep := c.P[1]&1 != 0
	asz := int(c.P[1] >> 8)
	am := sizeMask(asz)
	delta := uint64(size)
	if ctx.Flags&flagDF != 0 {
		delta = -delta
	}
	n := uint64(1)
	if rep {
		n = ctx.GPR[cpum.RCX] & am
		if n == 0 {
			return
		}
	}
	for i := 0; i < stringChunk && n > 0; i++ {
		si, di := ctx.GPR[cpum.RSI]&am, ctx.GPR[cpum.RDI]&am
		step(si, di, size)
		if source {
			setReg(ctx, cpum.RSI, asz, si+delta)
		}
		setReg(ctx, cpum.RDI, asz, di+delta)
		n--
		if rep {
			setReg(ctx, cpum.RCX, asz, n)
		}
	}
	if n > 0 {
		v.SetPC(ctx.PC)
	}
}

// opSSECheck raises the exception SSE instructions take when the OS has not
// enabled them or the FPU state is not loaded.
func opSSECheck(v *iem.VCpu, _ *iem.Call) {
	ctx := v.Ctx
	if ctx.CR0&cpum.CR0EM != 0 || ctx.CR4&cpum.CR4OSFXSR == 0 || len(ctx.XState) < cpum.FXSaveSize {
		raise(v, iem.Undefined())
	}
	if ctx.CR0&cpum.CR0TS != 0 {
		raise(v, &iem.Fault{Kind: iem.FaultDeviceNotAvailable})
	}
}

func opXmmFromReg(v *iem.VCpu, c *iem.Call) {
	x := v.Ctx.XMM(int(c.P[0]))
	v.Tmp[0], v.Tmp[1] = binary.LittleEndian.Uint64(x), binary.LittleEndian.Uint64(x[8:])
}

func opXmmToReg(v *iem.VCpu, c *iem.Call) {
	x := v.Ctx.XMM(int(c.P[0]))
	binary.LittleEndian.PutUint64(x, v.Tmp[0])
	binary.LittleEndian.PutUint64(x[8:], v.Tmp[1])
}

// opXmmFromMem: P0 non-zero for the 16-byte aligned forms, P1 segment.
func opXmmFromMem(v *iem.VCpu, c *iem.Call) {
	var x iem.U128
	if c.P[0] != 0 {
		x = v.ReadU128AlignedSSEJmp(segOf(c.P[1]), v.Tmp[2])
	} else {
		x = v.ReadU128Jmp(segOf(c.P[1]), v.Tmp[2])
	}
	v.Tmp[0], v.Tmp[1] = x.Lo, x.Hi
}

func opXmmToMem(v *iem.VCpu, c *iem.Call) {
	x := iem.U128{Lo: v.Tmp[0], Hi: v.Tmp[1]}
	if c.P[0] != 0 {
		v.WriteU128AlignedSSEJmp(segOf(c.P[1]), v.Tmp[2], x)
	} else {
		v.WriteU128Jmp(segOf(c.P[1]), v.Tmp[2], x)
	}
}

func opXmmXor(v *iem.VCpu, c *iem.Call) {
	x := v.Ctx.XMM(int(c.P[0]))
	binary.LittleEndian.PutUint64(x, binary.LittleEndian.Uint64(x)^v.Tmp[0])
	binary.LittleEndian.PutUint64(x[8:], binary.LittleEndian.Uint64(x[8:])^v.Tmp[1])
}
