package x86

import "github.com/tinyrange/iem/internal/cpum"

// ALU operations. The first eight follow the opcode encoding, the shifts
// the /r field of the shift group.
const (
	aluAdd = iota
	aluOr
	aluAdc
	aluSbb
	aluAnd
	aluSub
	aluXor
	aluCmp
	aluTest
	aluInc
	aluDec
	aluNot
	aluNeg

	aluShift = 16
	aluRol   = aluShift + 0
	aluRor   = aluShift + 1
	aluRcl   = aluShift + 2
	aluRcr   = aluShift + 3
	aluShl   = aluShift + 4
	aluShr   = aluShift + 5
	aluSal   = aluShift + 6
	aluSar   = aluShift + 7
)

// alu computes a op b, updating the flags, and returns the result
// truncated to size bytes.
func alu(c *cpum.Context, op, size int, a, b uint64) uint64 {
	m := sizeMask(size)
	var r, fl uint64
	switch op {
	case aluAdd:
		r, fl = addFlags(a, b, 0, size)
	case aluAdc:
		r, fl = addFlags(a, b, c.Flags&flagCF, size)
	case aluSub, aluCmp:
		r, fl = subFlags(a, b, 0, size)
	case aluSbb:
		r, fl = subFlags(a, b, c.Flags&flagCF, size)
	case aluOr:
		r = (a | b) & m
		fl = szp(r, size)
	case aluAnd, aluTest:
		r = a & b & m
		fl = szp(r, size)
	case aluXor:
		r = (a ^ b) & m
		fl = szp(r, size)
	case aluInc:
		r, fl = addFlags(a, 1, 0, size)
		fl = fl&^flagCF | c.Flags&flagCF
	case aluDec:
		r, fl = subFlags(a, 1, 0, size)
		fl = fl&^flagCF | c.Flags&flagCF
	case aluNeg:
		r, fl = subFlags(0, a, 0, size)
	case aluNot:
		return ^a & m
	default:
		return shift(c, op, size, a, b)
	}
	c.Flags = c.Flags&^flagsArith | fl
	return r
}

func shift(c *cpum.Context, op, size int, a, count uint64) uint64 {
	m := sizeMask(size)
	a &= m
	nbits := uint(8 * size)
	cmask := uint64(0x1f)
	if size == 8 {
		cmask = 0x3f
	}
	n := uint(count & cmask)
	if n == 0 {
		return a
	}
	sb := signBit(size)
	var r uint64
	var cf, of bool
	switch op {
	case aluShl, aluSal:
		r = a << n & m
		cf = n <= nbits && a>>(nbits-n)&1 != 0
		of = (r&sb != 0) != cf
	case aluShr:
		r = a >> n
		cf = a>>(n-1)&1 != 0
		of = a&sb != 0
	case aluSar:
		s := int64(signExtend(a, size))
		if n > 63 {
			n = 63
		}
		r = uint64(s>>n) & m
		cf = s>>(n-1)&1 != 0
	case aluRol, aluRor:
		n %= nbits
		r = a
		if n != 0 {
			if op == aluRol {
				r = (a<<n | a>>(nbits-n)) & m
			} else {
				r = (a>>n | a<<(nbits-n)) & m
			}
		}
		if op == aluRol {
			cf = r&1 != 0
			of = (r&sb != 0) != cf
		} else {
			cf = r&sb != 0
			of = (r&sb != 0) != (r&(sb>>1) != 0)
		}
		c.Flags = c.Flags&^(flagCF|flagOF) | b2f(cf, flagCF) | b2f(of, flagOF)
		return r
	case aluRcl, aluRcr:
		n %= nbits + 1
		r = a
		carry := c.Flags&flagCF != 0
		for ; n > 0; n-- {
			if op == aluRcl {
				out := r&sb != 0
				r = (r<<1 | b2f(carry, 1)) & m
				carry = out
			} else {
				out := r&1 != 0
				r = r>>1 | b2f(carry, sb)
				carry = out
			}
		}
		cf = carry
		if op == aluRcl {
			of = (r&sb != 0) != cf
		} else {
			of = (r&sb != 0) != (r&(sb>>1) != 0)
		}
		c.Flags = c.Flags&^(flagCF|flagOF) | b2f(cf, flagCF) | b2f(of, flagOF)
		return r
	}
	c.Flags = c.Flags&^flagsArith | szp(r, size) | b2f(cf, flagCF) | b2f(of, flagOF)
	return r
}
