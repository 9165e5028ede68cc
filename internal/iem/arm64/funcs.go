package arm64

import (
	"encoding/binary"
	"math/bits"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
)

// Threaded functions. Load and store instructions are split in two: fnEA
// leaves the access address in Tmp[2] and the writeback value in Tmp[3],
// then the access runs, and only then fnWriteback updates the base.
const (
	fnUndef = iem.FirstTargetFunc + iota
	fnFPCheck
	fnMovImm
	fnMovk
	fnAddImm
	fnAddReg
	fnAddExt
	fnAdc
	fnLogImm
	fnLogReg
	fnBitfield
	fnExtr
	fnCsel
	fnCcmp
	fnDp1
	fnDp2
	fnDp3
	fnB
	fnBcond
	fnCbz
	fnTbz
	fnBr
	fnEret
	fnEA
	fnWriteback
	fnLoad
	fnStore
	fnLoadV
	fnStoreV
	fnLoadPair
	fnStorePair
	fnLoadEx
	fnStoreEx
	fnLoadAcq
	fnStoreRel
	fnCas
	fnAtomic
	fnClrex
	fnMrs
	fnMsr
	fnMsrImm
	fnWfi
	fnTlbi
	fnDcZva
	fnSvc
	fnFirmware
	fnBrk
	fnSemihost
	fnFmov
	fnMovi
	fnDup
	fnVOrr
	fnLast
)

const first = iem.FirstTargetFunc

var funcs = [fnLast - first]iem.FuncInfo{
	fnUndef - first:     {Name: "undef", Fn: opUndef},
	fnFPCheck - first:   {Name: "fp-check", Fn: opFPCheck},
	fnMovImm - first:    {Name: "mov-imm", Fn: opMovImm},
	fnMovk - first:      {Name: "movk", Fn: opMovk},
	fnAddImm - first:    {Name: "add-imm", Fn: opAddImm},
	fnAddReg - first:    {Name: "add-reg", Fn: opAddReg},
	fnAddExt - first:    {Name: "add-ext", Fn: opAddExt},
	fnAdc - first:       {Name: "adc", Fn: opAdc},
	fnLogImm - first:    {Name: "log-imm", Fn: opLogImm},
	fnLogReg - first:    {Name: "log-reg", Fn: opLogReg},
	fnBitfield - first:  {Name: "bfm", Fn: opBitfield},
	fnExtr - first:      {Name: "extr", Fn: opExtr},
	fnCsel - first:      {Name: "csel", Fn: opCsel},
	fnCcmp - first:      {Name: "ccmp", Fn: opCcmp},
	fnDp1 - first:       {Name: "dp1", Fn: opDp1},
	fnDp2 - first:       {Name: "dp2", Fn: opDp2},
	fnDp3 - first:       {Name: "dp3", Fn: opDp3},
	fnB - first:         {Name: "b", Fn: opB},
	fnBcond - first:     {Name: "b.cond", Fn: opBcond},
	fnCbz - first:       {Name: "cbz", Fn: opCbz},
	fnTbz - first:       {Name: "tbz", Fn: opTbz},
	fnBr - first:        {Name: "br", Fn: opBr},
	fnEret - first:      {Name: "eret", Fn: opEret},
	fnEA - first:        {Name: "ea", Fn: opEA},
	fnWriteback - first: {Name: "writeback", Fn: opWriteback},
	fnLoad - first:      {Name: "ldr", Fn: opLoad},
	fnStore - first:     {Name: "str", Fn: opStore},
	fnLoadV - first:     {Name: "ldr-v", Fn: opLoadV},
	fnStoreV - first:    {Name: "str-v", Fn: opStoreV},
	fnLoadPair - first:  {Name: "ldp", Fn: opLoadPair},
	fnStorePair - first: {Name: "stp", Fn: opStorePair},
	fnLoadEx - first:    {Name: "ldxr", Fn: opLoadEx},
	fnStoreEx - first:   {Name: "stxr", Fn: opStoreEx},
	fnLoadAcq - first:   {Name: "ldar", Fn: opLoadAcq},
	fnStoreRel - first:  {Name: "stlr", Fn: opStoreRel},
	fnCas - first:       {Name: "cas", Fn: opCas},
	fnAtomic - first:    {Name: "ldop", Fn: opAtomic},
	fnClrex - first:     {Name: "clrex", Fn: opClrex},
	fnMrs - first:       {Name: "mrs", Fn: opMrs},
	fnMsr - first:       {Name: "msr", Fn: opMsr},
	fnMsrImm - first:    {Name: "msr-imm", Fn: opMsrImm},
	fnWfi - first:       {Name: "wfi", Fn: opWfi},
	fnTlbi - first:      {Name: "tlbi", Fn: opTlbi},
	fnDcZva - first:     {Name: "dc-zva", Fn: opDcZva},
	fnSvc - first:       {Name: "svc", Fn: opSvc},
	fnFirmware - first:  {Name: "psci", Fn: opFirmware},
	fnBrk - first:       {Name: "brk", Fn: opBrk},
	fnSemihost - first:  {Name: "semihost", Fn: opSemihost},
	fnFmov - first:      {Name: "fmov", Fn: opFmov},
	fnMovi - first:      {Name: "movi", Fn: opMovi},
	fnDup - first:       {Name: "dup", Fn: opDup},
	fnVOrr - first:      {Name: "orr-v", Fn: opVOrr},
}

func raise(v *iem.VCpu, f *iem.Fault) { v.Raise(f) }

func opUndef(v *iem.VCpu, _ *iem.Call) { raise(v, iem.Undefined()) }

func requireEL1(v *iem.VCpu) {
	if v.Ctx.Mode() == cpum.ModeARM64EL0 {
		raise(v, iem.Undefined())
	}
}

// CPACR_EL1.FPEN values.
const (
	cpacrFPENShift = 20
	fpenTrapEL0    = 1
	fpenNoTrap     = 3
)

// opFPCheck traps SIMD&FP instructions that CPACR_EL1 disables.
func opFPCheck(v *iem.VCpu, _ *iem.Call) {
	fpen := v.Ctx.SysRegs.Value(cpuid.SysRegCPACR_EL1) >> cpacrFPENShift & 3
	switch {
	case fpen == fpenNoTrap:
	case fpen == fpenTrapEL0 && v.Ctx.Mode() != cpum.ModeARM64EL0:
	default:
		raise(v, &iem.Fault{Kind: iem.FaultDeviceNotAvailable})
	}
}

// opMovImm: P0 rd, P1 the value. Covers movz, movn, adr and adrp, whose
// results are known when decoding.
func opMovImm(v *iem.VCpu, c *iem.Call) {
	setX(v.Ctx, regD(c.P[0]), c.P[1], sf(c.P[0]))
}

// opMovk: P1 imm16, P2 shift.
func opMovk(v *iem.VCpu, c *iem.Call) {
	r := regD(c.P[0])
	x := xr(v.Ctx, r)&^(0xffff<<c.P[2]) | c.P[1]<<c.P[2]
	setX(v.Ctx, r, x, sf(c.P[0]))
}

func addSub(v *iem.VCpu, p uint64, a, b uint64) {
	ctx := v.Ctx
	carry := uint64(0)
	if p&optSub != 0 {
		b, carry = ^b, 1
	}
	r, f := addWithCarry(a, b, carry, sf(p))
	if p&optS != 0 {
		setNZCV(ctx, f)
	}
	if p&optSPDest != 0 {
		setXSP(ctx, regD(p), r, sf(p))
	} else {
		setX(ctx, regD(p), r, sf(p))
	}
}

// opAddImm: P1 the shifted immediate. Rn is SP capable.
func opAddImm(v *iem.VCpu, c *iem.Call) {
	addSub(v, c.P[0], xsp(v.Ctx, regN(c.P[0])), c.P[1])
}

// opAddReg: P1 shift type, P2 amount.
func opAddReg(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	b := shiftReg(xr(v.Ctx, regM(p)), int(c.P[1]), uint(c.P[2]), width(p))
	addSub(v, p, xr(v.Ctx, regN(p)), b)
}

// opAddExt: P1 extend option, P2 left shift. Rn is SP capable.
func opAddExt(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	b := extendReg(xr(v.Ctx, regM(p)), int(c.P[1]), uint(c.P[2]), width(p))
	addSub(v, p, xsp(v.Ctx, regN(p)), b)
}

func opAdc(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	ctx := v.Ctx
	b := xr(ctx, regM(p))
	if p&optSub != 0 {
		b = ^b
	}
	r, f := addWithCarry(xr(ctx, regN(p)), b, nzcv(ctx)>>1&1, sf(p))
	if p&optS != 0 {
		setNZCV(ctx, f)
	}
	setX(ctx, regD(p), r, sf(p))
}

// Logical operations, in opc order.
const (
	logAnd = iota
	logOrr
	logEor
	logAnds
)

func logical(v *iem.VCpu, p uint64, a, b uint64) {
	ctx := v.Ctx
	w := width(p)
	if p&optInvert != 0 {
		b = ^b
	}
	var r uint64
	switch opc(p) {
	case logAnd, logAnds:
		r = a & b
	case logOrr:
		r = a | b
	case logEor:
		r = a ^ b
	}
	r &= ones(w)
	if opc(p) == logAnds {
		f := uint64(0)
		if r>>(w-1)&1 != 0 {
			f |= 8
		}
		if r == 0 {
			f |= 4
		}
		setNZCV(ctx, f)
	}
	if p&optSPDest != 0 {
		setXSP(ctx, regD(p), r, sf(p))
	} else {
		setX(ctx, regD(p), r, sf(p))
	}
}

// opLogImm: P1 the decoded bitmask.
func opLogImm(v *iem.VCpu, c *iem.Call) {
	logical(v, c.P[0], xr(v.Ctx, regN(c.P[0])), c.P[1])
}

// opLogReg: P1 shift type, P2 amount.
func opLogReg(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	b := shiftReg(xr(v.Ctx, regM(p)), int(c.P[1]), uint(c.P[2]), width(p))
	logical(v, p, xr(v.Ctx, regN(p)), b)
}

// Bitfield move kinds, in opc order.
const (
	bfmSigned = iota
	bfmInsert
	bfmUnsigned
)

// opBitfield: P0 fields A and B are immr and imms, P1 wmask, P2 tmask.
func opBitfield(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	ctx := v.Ctx
	w := width(p)
	src := xr(ctx, regN(p))
	wmask, tmask := c.P[1], c.P[2]
	bot := ror(src, uint(fieldA(p)), w) & wmask
	var top uint64
	switch opc(p) {
	case bfmInsert:
		dst := xr(ctx, regD(p))
		bot |= dst &^ wmask
		top = dst
	case bfmSigned:
		if src>>uint(fieldB(p))&1 != 0 {
			top = ones(w)
		}
	}
	setX(ctx, regD(p), top&^tmask|bot&tmask, sf(p))
}

// opExtr: P1 lsb.
func opExtr(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	w := width(p)
	lsb := uint(c.P[1])
	hi, lo := xr(v.Ctx, regN(p))&ones(w), xr(v.Ctx, regM(p))&ones(w)
	r := lo >> lsb
	if lsb != 0 {
		r |= hi << (w - lsb)
	}
	setX(v.Ctx, regD(p), r, sf(p))
}

// Conditional select kinds, op:op2.
const (
	cselPlain = iota
	cselInc
	cselInv
	cselNeg
)

// opCsel: P1 condition.
func opCsel(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	ctx := v.Ctx
	if condHolds(ctx, int(c.P[1])) {
		setX(ctx, regD(p), xr(ctx, regN(p)), sf(p))
		return
	}
	r := xr(ctx, regM(p))
	switch opc(p) {
	case cselInc:
		r++
	case cselInv:
		r = ^r
	case cselNeg:
		r = -r
	}
	setX(ctx, regD(p), r, sf(p))
}

// opCcmp: P1 condition, P2 the flags when it fails. With optImm the
// second operand is the imm5 in the rm slot.
func opCcmp(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	ctx := v.Ctx
	if !condHolds(ctx, int(c.P[1])) {
		setNZCV(ctx, c.P[2])
		return
	}
	b := uint64(regM(p))
	if p&optImm == 0 {
		b = xr(ctx, regM(p))
	}
	carry := uint64(0)
	if p&optSub != 0 {
		b, carry = ^b, 1
	}
	_, f := addWithCarry(xr(ctx, regN(p)), b, carry, sf(p))
	setNZCV(ctx, f)
}

// One source operations, by opcode.
const (
	dp1Rbit = iota
	dp1Rev16
	dp1Rev32
	dp1Rev
	dp1Clz
	dp1Cls
)

func opDp1(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	w := width(p)
	x := xr(v.Ctx, regN(p)) & ones(w)
	var r uint64
	switch opc(p) {
	case dp1Rbit:
		r = bits.Reverse64(x) >> (64 - w)
	case dp1Rev16:
		r = (x&0x00ff00ff00ff00ff)<<8 | (x>>8)&0x00ff00ff00ff00ff
	case dp1Rev32:
		r = bits.ReverseBytes64(x)
		r = r<<32 | r>>32
	case dp1Rev:
		r = bits.ReverseBytes64(x) >> (64 - w)
	case dp1Clz:
		r = uint64(bits.LeadingZeros64(x)) - (64 - uint64(w))
	case dp1Cls:
		s := x ^ (x >> 1)
		s &= ones(w - 1)
		r = uint64(bits.LeadingZeros64(s)) - (64 - uint64(w)) - 1
	}
	setX(v.Ctx, regD(p), r, sf(p))
}

// Two source operations.
const (
	dp2Udiv = iota
	dp2Sdiv
	dp2Lslv
	dp2Lsrv
	dp2Asrv
	dp2Rorv
)

// opDp2 divides by zero to zero, as the architecture does.
func opDp2(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	w := width(p)
	a, b := xr(v.Ctx, regN(p))&ones(w), xr(v.Ctx, regM(p))&ones(w)
	var r uint64
	switch opc(p) {
	case dp2Udiv:
		if b != 0 {
			r = a / b
		}
	case dp2Sdiv:
		sa, sb := int64(signExtend(a, w)), int64(signExtend(b, w))
		switch {
		case sb == 0:
		case sb == -1:
			r = uint64(-sa)
		default:
			r = uint64(sa / sb)
		}
	case dp2Lslv, dp2Lsrv, dp2Asrv, dp2Rorv:
		r = shiftReg(a, opc(p)-dp2Lslv, uint(b%uint64(w)), w)
	}
	setX(v.Ctx, regD(p), r, sf(p))
}

// Three source operations.
const (
	dp3Madd = iota
	dp3Msub
	dp3Smaddl
	dp3Smsubl
	dp3Umaddl
	dp3Umsubl
	dp3Smulh
	dp3Umulh
)

func opDp3(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	ctx := v.Ctx
	a, b, acc := xr(ctx, regN(p)), xr(ctx, regM(p)), xr(ctx, regA(p))
	var r uint64
	switch opc(p) {
	case dp3Madd:
		r = acc + a*b
	case dp3Msub:
		r = acc - a*b
	case dp3Smaddl:
		r = acc + uint64(int64(int32(a))*int64(int32(b)))
	case dp3Smsubl:
		r = acc - uint64(int64(int32(a))*int64(int32(b)))
	case dp3Umaddl:
		r = acc + uint64(uint32(a))*uint64(uint32(b))
	case dp3Umsubl:
		r = acc - uint64(uint32(a))*uint64(uint32(b))
	case dp3Smulh:
		hi, _ := bits.Mul64(a, b)
		// Signed high half from the unsigned product.
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		r = hi
	case dp3Umulh:
		r, _ = bits.Mul64(a, b)
	}
	setX(ctx, regD(p), r, sf(p))
}

// opB: P1 target, P2 the return address for bl or zero.
func opB(v *iem.VCpu, c *iem.Call) {
	if c.P[0]&optLink != 0 {
		v.Ctx.GPR[30] = c.P[2]
	}
	v.SetPC(c.P[1])
}

// opBcond: P1 condition, P2 target.
func opBcond(v *iem.VCpu, c *iem.Call) {
	if condHolds(v.Ctx, int(c.P[1])) {
		v.SetPC(c.P[2])
	}
}

// opCbz: P1 target.
func opCbz(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	zero := xr(v.Ctx, regD(p))&ones(width(p)) == 0
	if zero != (p&optNZ != 0) {
		v.SetPC(c.P[1])
	}
}

// opTbz: P1 bit number, P2 target.
func opTbz(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	set := xr(v.Ctx, regD(p))>>c.P[1]&1 != 0
	if set == (p&optNZ != 0) {
		v.SetPC(c.P[2])
	}
}

// opBr: br, blr and ret. P1 is the return address of blr.
func opBr(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	target := xr(v.Ctx, regN(p))
	if p&optLink != 0 {
		v.Ctx.GPR[30] = c.P[1]
	}
	v.SetPC(target)
}

// Addressing modes of fnEA.
const (
	eaOffset = iota
	eaPre
	eaPost
	eaReg
	eaLiteral
)

// opEA: field A is the addressing mode, P1 the immediate offset or the
// literal address, P2 the extend option and shift of register offsets.
func opEA(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	if fieldA(p) == eaLiteral {
		v.Tmp[2] = c.P[1]
		return
	}
	base := xsp(v.Ctx, regN(p))
	switch fieldA(p) {
	case eaOffset:
		v.Tmp[2] = base + c.P[1]
	case eaPre:
		v.Tmp[2] = base + c.P[1]
		v.Tmp[3] = v.Tmp[2]
	case eaPost:
		v.Tmp[2] = base
		v.Tmp[3] = base + c.P[1]
	case eaReg:
		v.Tmp[2] = base + extendReg(xr(v.Ctx, regM(p)), int(c.P[2]>>8), uint(c.P[2]&0xff), 64)
	}
}

func opWriteback(v *iem.VCpu, c *iem.Call) {
	v.Ctx.GPR[regN(c.P[0])] = v.Tmp[3]
}

func load(v *iem.VCpu, addr uint64, size int) uint64 {
	switch size {
	case 0:
		return uint64(v.ReadU8Jmp(iem.SegFlat, addr))
	case 1:
		return uint64(v.ReadU16Jmp(iem.SegFlat, addr))
	case 2:
		return uint64(v.ReadU32Jmp(iem.SegFlat, addr))
	default:
		return v.ReadU64Jmp(iem.SegFlat, addr)
	}
}

func store(v *iem.VCpu, addr uint64, size int, x uint64) {
	switch size {
	case 0:
		v.WriteU8Jmp(iem.SegFlat, addr, uint8(x))
	case 1:
		v.WriteU16Jmp(iem.SegFlat, addr, uint16(x))
	case 2:
		v.WriteU32Jmp(iem.SegFlat, addr, uint32(x))
	default:
		v.WriteU64Jmp(iem.SegFlat, addr, x)
	}
}

// loaded sign extends a loaded value when the instruction asks for it:
// to 64 bits with optSF, to 32 bits otherwise.
func loaded(p uint64, x uint64, size int) uint64 {
	if p&optSigned == 0 {
		return x
	}
	x = signExtend(x, 8<<size)
	if !sf(p) {
		x = uint64(uint32(x))
	}
	return x
}

// opLoad: field A is log2 of the access size.
func opLoad(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	x := load(v, v.Tmp[2], fieldA(p))
	setX(v.Ctx, regD(p), loaded(p, x, fieldA(p)), true)
}

func opStore(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	store(v, v.Tmp[2], fieldA(p), xr(v.Ctx, regD(p)))
}

// setV writes the low bytes of a vector register and clears the rest.
func setV(ctx *cpum.Context, r int, b []byte) {
	reg := ctx.V(r)
	clear(reg)
	copy(reg, b)
}

// opLoadV: field A is log2 of the access size, up to 16 bytes.
func opLoadV(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	var b [16]byte
	if size := fieldA(p); size == 4 {
		x := v.ReadU128Jmp(iem.SegFlat, v.Tmp[2])
		binary.LittleEndian.PutUint64(b[:], x.Lo)
		binary.LittleEndian.PutUint64(b[8:], x.Hi)
	} else {
		binary.LittleEndian.PutUint64(b[:], load(v, v.Tmp[2], size))
	}
	setV(v.Ctx, regD(p), b[:1<<fieldA(p)])
}

func opStoreV(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	reg := v.Ctx.V(regD(p))
	if size := fieldA(p); size == 4 {
		x := iem.U128{Lo: binary.LittleEndian.Uint64(reg), Hi: binary.LittleEndian.Uint64(reg[8:])}
		v.WriteU128Jmp(iem.SegFlat, v.Tmp[2], x)
	} else {
		store(v, v.Tmp[2], size, binary.LittleEndian.Uint64(reg))
	}
}

func le(b []byte) uint64 {
	var x uint64
	for i := len(b) - 1; i >= 0; i-- {
		x = x<<8 | uint64(b[i])
	}
	return x
}

// opLoadPair: rd and rn slots hold Rt and Rt2, field A log2 of the element
// size. Both elements are read before either register is written.
func opLoadPair(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	n := 1 << fieldA(p)
	m := v.MapJmp(iem.SegFlat, v.Tmp[2], 2*n, pgm.AccessRead, 0)
	b := m.Bytes()
	v.Unmap(m)
	for i, r := range []int{regD(p), regN(p)} {
		elem := b[i*n : (i+1)*n]
		if p&optVec != 0 {
			setV(v.Ctx, r, elem)
			continue
		}
		setX(v.Ctx, r, loaded(p, le(elem), fieldA(p)), true)
	}
}

// opStorePair writes both elements or neither.
func opStorePair(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	n := 1 << fieldA(p)
	m := v.MapJmp(iem.SegFlat, v.Tmp[2], 2*n, pgm.AccessWrite, 0)
	b := m.Bytes()
	for i, r := range []int{regD(p), regN(p)} {
		elem := b[i*n : (i+1)*n]
		if p&optVec != 0 {
			copy(elem, v.Ctx.V(r))
			continue
		}
		var x [8]byte
		binary.LittleEndian.PutUint64(x[:], xr(v.Ctx, r))
		copy(elem, x[:])
	}
	v.CommitAndUnmapJmp(m)
}

// aligned raises an alignment fault unless addr is aligned to the access
// size. Exclusive and ordered accesses always check.
func aligned(v *iem.VCpu, addr uint64, size int, access pgm.Access) {
	if addr&(1<<size-1) != 0 {
		raise(v, &iem.Fault{Kind: iem.FaultAlignment, Addr: addr, Access: access})
	}
}

func loadAligned(v *iem.VCpu, addr uint64, size int) uint64 {
	aligned(v, addr, size, pgm.AccessRead)
	if size == 3 {
		return v.ReadU64AlignedJmp(iem.SegFlat, addr)
	}
	return load(v, addr, size)
}

// opLoadEx arms the exclusive monitor with the address and the value read.
func opLoadEx(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	addr, size := v.Tmp[2], fieldA(p)
	x := loadAligned(v, addr, size)
	v.Monitor.Valid = true
	v.Monitor.Addr = addr
	v.Monitor.Size = 1 << size
	v.Monitor.Value = x
	setX(v.Ctx, regD(p), x, true)
}

// opStoreEx: rm slot is the status register. The store succeeds, writing
// zero status, when the monitor is armed for this address and memory
// still holds the value the exclusive load saw.
func opStoreEx(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	addr, size := v.Tmp[2], fieldA(p)
	aligned(v, addr, size, pgm.AccessWrite)
	mon := &v.Monitor
	status := uint64(1)
	if mon.Valid && mon.Addr == addr && mon.Size == 1<<size {
		x := xr(v.Ctx, regD(p)) & ones(8<<size)
		if v.CompareAndSwapJmp(iem.SegFlat, addr, 1<<size, mon.Value, x) {
			status = 0
		}
	}
	mon.Valid = false
	setX(v.Ctx, regM(p), status, false)
}

func opLoadAcq(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	setX(v.Ctx, regD(p), loadAligned(v, v.Tmp[2], fieldA(p)), true)
}

func opStoreRel(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	addr, size := v.Tmp[2], fieldA(p)
	aligned(v, addr, size, pgm.AccessWrite)
	x := xr(v.Ctx, regD(p))
	if size == 3 {
		v.WriteU64AlignedJmp(iem.SegFlat, addr, x)
		return
	}
	store(v, addr, size, x)
}

// opCas: rm slot is Rs, the compare value, which receives the old memory
// value.
func opCas(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	addr, size := v.Tmp[2], fieldA(p)
	aligned(v, addr, size, pgm.AccessRead|pgm.AccessWrite)
	mask := ones(8 << size)
	cmp, x := xr(v.Ctx, regM(p))&mask, xr(v.Ctx, regD(p))&mask
	for {
		old := load(v, addr, size)
		if old != cmp || v.CompareAndSwapJmp(iem.SegFlat, addr, 1<<size, old, x) {
			setX(v.Ctx, regM(p), old, true)
			return
		}
	}
}

// LSE atomic operations, o3:opc.
const (
	ldAdd = iota
	ldClr
	ldEor
	ldSet
	ldSmax
	ldSmin
	ldUmax
	ldUmin
	ldSwp
)

// opAtomic: rm slot is Rs, the operand; Rt receives the old value. Field B
// is the operation.
func opAtomic(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	addr, size := v.Tmp[2], fieldA(p)
	aligned(v, addr, size, pgm.AccessRead|pgm.AccessWrite)
	w := uint(8 << size)
	s := xr(v.Ctx, regM(p)) & ones(w)
	for {
		old := load(v, addr, size)
		var x uint64
		switch fieldB(p) {
		case ldAdd:
			x = old + s
		case ldClr:
			x = old &^ s
		case ldEor:
			x = old ^ s
		case ldSet:
			x = old | s
		case ldSmax, ldSmin:
			x = old
			if (int64(signExtend(s, w)) > int64(signExtend(old, w))) == (fieldB(p) == ldSmax) {
				x = s
			}
		case ldUmax, ldUmin:
			x = old
			if (s > old) == (fieldB(p) == ldUmax) {
				x = s
			}
		case ldSwp:
			x = s
		}
		if v.CompareAndSwapJmp(iem.SegFlat, addr, 1<<size, old, x&ones(w)) {
			setX(v.Ctx, regD(p), old, true)
			return
		}
	}
}

func opClrex(v *iem.VCpu, _ *iem.Call) { v.Monitor.Valid = false }

// opFmov moves between a general register and the low element of a vector
// register. Field A is log2 of the size; optVec means into the vector.
func opFmov(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	n := 1 << fieldA(p)
	if p&optVec != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], xr(v.Ctx, regN(p)))
		setV(v.Ctx, regD(p), b[:n])
		return
	}
	setX(v.Ctx, regD(p), le(v.Ctx.V(regN(p))[:n]), true)
}

// opMovi: P1 the 64-bit pattern, field B the vector size in bytes.
func opMovi(v *iem.VCpu, c *iem.Call) {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:], c.P[1])
	binary.LittleEndian.PutUint64(b[8:], c.P[1])
	setV(v.Ctx, regD(c.P[0]), b[:fieldB(c.P[0])])
}

// opDup replicates the low element of a general register. Field A is the
// element size in bytes, field B the vector size.
func opDup(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	esize := uint(fieldA(p)) * 8
	x := replicate(xr(v.Ctx, regN(p))&ones(esize), esize, 64)
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:], x)
	binary.LittleEndian.PutUint64(b[8:], x)
	setV(v.Ctx, regD(p), b[:fieldB(p)])
}

// opVOrr: the vector register move, orr with two equal sources included.
func opVOrr(v *iem.VCpu, c *iem.Call) {
	p := c.P[0]
	var b [16]byte
	a, m := v.Ctx.V(regN(p)), v.Ctx.V(regM(p))
	for i := range b {
		b[i] = a[i] | m[i]
	}
	setV(v.Ctx, regD(p), b[:fieldB(p)])
}
