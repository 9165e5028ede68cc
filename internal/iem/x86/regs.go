package x86

import (
	"math/bits"

	"github.com/tinyrange/iem/internal/cpum"
)

// Register operands are GPR indices; regHigh+n names AH, CH, DH and BH.
const regHigh = 16

const (
	R8 = 8 + iota
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*size) - 1
}

func signBit(size int) uint64 { return 1 << (8*size - 1) }

func signExtend(x uint64, size int) uint64 {
	shift := 64 - 8*size
	return uint64(int64(x<<shift) >> shift)
}

func getReg(c *cpum.Context, r, size int) uint64 {
	if r >= regHigh {
		return c.GPR[r-regHigh] >> 8 & 0xff
	}
	return c.GPR[r] & sizeMask(size)
}

// setReg writes a register the way the architecture does: 8 and 16-bit
// writes merge, 32-bit writes zero the upper half.
func setReg(c *cpum.Context, r, size int, x uint64) {
	if r >= regHigh {
		g := &c.GPR[r-regHigh]
		*g = *g&^0xff00 | (x&0xff)<<8
		return
	}
	g := &c.GPR[r]
	switch size {
	case 1:
		*g = *g&^0xff | x&0xff
	case 2:
		*g = *g&^0xffff | x&0xffff
	case 4:
		*g = x & 0xffffffff
	default:
		*g = x
	}
}

const (
	flagCF = cpum.FlagCF
	flagPF = cpum.FlagPF
	flagAF = cpum.FlagAF
	flagZF = cpum.FlagZF
	flagSF = cpum.FlagSF
	flagTF = cpum.FlagTF
	flagIF = cpum.FlagIF
	flagDF = cpum.FlagDF
	flagOF = cpum.FlagOF

	flagsArith = cpum.FlagsStatus
	flagNT     = 1 << 14
	flagRF     = cpum.FlagRF
	flagVM     = cpum.FlagVM
	flagIOPL   = 3 << 12
	// flagsWritable is what popf and iret may change at CPL 0.
	flagsWritable = flagsArith | flagTF | flagIF | flagDF | flagIOPL | flagNT | cpum.FlagAC | 1<<21
)

func b2f(b bool, f uint64) uint64 {
	if b {
		return f
	}
	return 0
}

func parity(x uint64) bool { return bits.OnesCount8(uint8(x))%2 == 0 }

// szp computes ZF, SF and PF of a result.
func szp(r uint64, size int) uint64 {
	r &= sizeMask(size)
	return b2f(r == 0, flagZF) | b2f(r&signBit(size) != 0, flagSF) | b2f(parity(r), flagPF)
}

func addFlags(a, b, carry uint64, size int) (uint64, uint64) {
	m := sizeMask(size)
	a, b = a&m, b&m
	r := (a + b + carry) & m
	var cf bool
	if size == 8 {
		_, c1 := bits.Add64(a, b, carry)
		cf = c1 != 0
	} else {
		cf = a+b+carry > m
	}
	of := (a^r)&(b^r)&signBit(size) != 0
	af := (a^b^r)&0x10 != 0
	return r, szp(r, size) | b2f(cf, flagCF) | b2f(of, flagOF) | b2f(af, flagAF)
}

func subFlags(a, b, borrow uint64, size int) (uint64, uint64) {
	m := sizeMask(size)
	a, b = a&m, b&m
	r := (a - b - borrow) & m
	cf := a < b || a-b < borrow
	of := (a^b)&(a^r)&signBit(size) != 0
	af := (a^b^r)&0x10 != 0
	return r, szp(r, size) | b2f(cf, flagCF) | b2f(of, flagOF) | b2f(af, flagAF)
}

// cond evaluates condition code cc (the low nibble of jcc/setcc/cmovcc).
func cond(f uint64, cc int) bool {
	var r bool
	switch cc >> 1 {
	case 0:
		r = f&flagOF != 0
	case 1:
		r = f&flagCF != 0
	case 2:
		r = f&flagZF != 0
	case 3:
		r = f&(flagCF|flagZF) != 0
	case 4:
		r = f&flagSF != 0
	case 5:
		r = f&flagPF != 0
	case 6:
		r = (f&flagSF != 0) != (f&flagOF != 0)
	case 7:
		r = f&flagZF != 0 || (f&flagSF != 0) != (f&flagOF != 0)
	}
	if cc&1 != 0 {
		r = !r
	}
	return r
}
