package arm64

import (
	"math/bits"

	"github.com/tinyrange/iem/internal/cpum"
)

// Call parameter layout. P[0] carries up to four register numbers in its
// low bytes, options from bit 32, and two small per-function fields in the
// top bytes. P[1] and P[2] hold immediates.
const (
	optSF     = 1 << 32 // 64-bit operation
	optS      = 1 << 33 // sets NZCV
	optSub    = 1 << 34
	optInvert = 1 << 35 // logical ops negate the second operand
	optSigned = 1 << 36
	optSPDest = 1 << 37 // a destination of 31 is SP, not XZR
	optImm    = 1 << 38 // ccmp/ccmn compare against an immediate
	optNZ     = 1 << 39 // cbnz, tbnz
	optLink   = 1 << 40 // blr
	optVec    = 1 << 41 // SIMD&FP register transfer
	optAcq    = 1 << 42
	optRel    = 1 << 43

	optOpcShift = 44
)

const zr = 31

func pack(d, n, m, a int) uint64 {
	return uint64(d) | uint64(n)<<8 | uint64(m)<<16 | uint64(a)<<24
}

func regD(p uint64) int    { return int(p & 0xff) }
func regN(p uint64) int    { return int(p >> 8 & 0xff) }
func regM(p uint64) int    { return int(p >> 16 & 0xff) }
func regA(p uint64) int    { return int(p >> 24 & 0xff) }
func opc(p uint64) int     { return int(p >> optOpcShift & 0xf) }
func withOpc(x int) uint64 { return uint64(x) << optOpcShift }

func fieldA(p uint64) int { return int(p >> 48 & 0xff) }
func fieldB(p uint64) int { return int(p >> 56) }
func withA(x int) uint64  { return uint64(x) << 48 }
func withB(x int) uint64  { return uint64(x) << 56 }
func sf(p uint64) bool    { return p&optSF != 0 }
func width(p uint64) uint { return widthOf(sf(p)) }
func widthOf(sf bool) uint {
	if sf {
		return 64
	}
	return 32
}

// xr reads a register operand in which 31 is the zero register.
func xr(c *cpum.Context, r int) uint64 {
	if r == zr {
		return 0
	}
	return c.GPR[r]
}

// xsp reads a register operand in which 31 is the current stack pointer.
func xsp(c *cpum.Context, r int) uint64 { return c.GPR[r] }

// setX writes a destination in which 31 is the zero register. 32-bit
// results clear the upper half.
func setX(c *cpum.Context, r int, x uint64, sf bool) {
	if r == zr {
		return
	}
	if !sf {
		x = uint64(uint32(x))
	}
	c.GPR[r] = x
}

func setXSP(c *cpum.Context, r int, x uint64, sf bool) {
	if !sf {
		x = uint64(uint32(x))
	}
	c.GPR[r] = x
}

func ones(n uint) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<n - 1
}

func signExtend(x uint64, n uint) uint64 {
	s := 64 - n
	return uint64(int64(x<<s) >> s)
}

func nzcv(c *cpum.Context) uint64 { return c.Flags >> 28 & 0xf }

func setNZCV(c *cpum.Context, f uint64) {
	c.Flags = c.Flags&^cpum.PStateNZCV | f&0xf<<28
}

// Condition codes.
const (
	condEQ = iota
	condNE
	condCS
	condCC
	condMI
	condPL
	condVS
	condVC
	condHI
	condLS
	condGE
	condLT
	condGT
	condLE
	condAL
	condNV
)

func condHolds(c *cpum.Context, cond int) bool {
	f := nzcv(c)
	n, z, cf, v := f&8 != 0, f&4 != 0, f&2 != 0, f&1 != 0
	var r bool
	switch cond >> 1 {
	case 0:
		r = z
	case 1:
		r = cf
	case 2:
		r = n
	case 3:
		r = v
	case 4:
		r = cf && !z
	case 5:
		r = n == v
	case 6:
		r = n == v && !z
	default:
		return true
	}
	if cond&1 != 0 {
		r = !r
	}
	return r
}

// addWithCarry returns x + y + carry truncated to the operation width and
// the NZCV flags of the addition.
func addWithCarry(x, y, carry uint64, sf bool) (uint64, uint64) {
	var r, co, v uint64
	if sf {
		r, co = bits.Add64(x, y, carry)
		v = (x ^ r) & (y ^ r) >> 63
	} else {
		r32, c32 := bits.Add32(uint32(x), uint32(y), uint32(carry))
		r, co = uint64(r32), uint64(c32)
		v = uint64((uint32(x)^r32)&(uint32(y)^r32)) >> 31
	}
	var f uint64
	if r>>(widthOf(sf)-1)&1 != 0 {
		f |= 8
	}
	if r == 0 {
		f |= 4
	}
	return r, f | co<<1 | v&1
}

// Shift types of shifted register operands.
const (
	shiftLSL = iota
	shiftLSR
	shiftASR
	shiftROR
)

func shiftReg(x uint64, typ int, amount uint, w uint) uint64 {
	x &= ones(w)
	switch typ {
	case shiftLSL:
		return x << amount & ones(w)
	case shiftLSR:
		return x >> amount
	case shiftASR:
		return uint64(int64(signExtend(x, w))>>amount) & ones(w)
	default:
		return ror(x, amount, w)
	}
}

func ror(x uint64, r uint, w uint) uint64 {
	r %= w
	if r == 0 {
		return x & ones(w)
	}
	x &= ones(w)
	return (x>>r | x<<(w-r)) & ones(w)
}

// extendReg applies an extended register option: UXTB to SXTX, then the
// left shift.
func extendReg(x uint64, option int, shift uint, w uint) uint64 {
	n := uint(8) << (option & 3)
	if option&4 != 0 {
		x = signExtend(x&ones(n), n)
	} else {
		x &= ones(n)
	}
	return x << shift & ones(w)
}

// decodeBitMasks expands the N:imms:immr encoding of logical immediates and
// bitfield moves. ok is false for reserved encodings.
func decodeBitMasks(n, imms, immr uint32, immediate bool, w uint) (wmask, tmask uint64, ok bool) {
	l := bits.Len32(n<<6|^imms&0x3f) - 1
	if l < 1 {
		return 0, 0, false
	}
	levels := uint32(1)<<l - 1
	if immediate && imms&levels == levels {
		return 0, 0, false
	}
	s, r := imms&levels, immr&levels
	d := (s - r) & levels
	esize := uint(1) << l
	if esize > w {
		return 0, 0, false
	}
	welem := ror(ones(uint(s)+1), uint(r), esize)
	telem := ones(uint(d) + 1)
	return replicate(welem, esize, w), replicate(telem, esize, w), true
}

func replicate(x uint64, esize, w uint) uint64 {
	for ; esize < w; esize *= 2 {
		x |= x << esize
	}
	return x
}
