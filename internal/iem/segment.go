package iem

import (
	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/pgm"
)

// SegFlat addresses memory without segmentation. arm64 always uses it.
const SegFlat = -1

// canonical reports whether a 48-bit virtual address is sign extended.
func canonical(a uint64) bool {
	top := int64(a) >> 47
	return top == 0 || top == -1
}

// segFault is the fault for a segment check failure: #SS for the stack
// segment, #GP otherwise.
func segFault(seg int) *Fault {
	if seg == cpum.SegSS {
		return &Fault{Kind: FaultStack}
	}
	return GP(0)
}

// linear applies x86 segmentation to an effective address. size is the
// access width in bytes.
func (v *VCpu) linear(seg int, off uint64, size int, access pgm.Access) (uint64, error) {
	if seg == SegFlat || v.Ctx.Arch() != hv.ArchitectureX86_64 {
		return off, nil
	}
	if seg < 0 || seg >= cpum.SegCount {
		return 0, internalf("segment register %d", seg)
	}
	s := &v.Ctx.Seg[seg]
	mode := v.Ctx.Mode()
	if mode == cpum.ModeLong {
		la := off
		if seg == cpum.SegFS || seg == cpum.SegGS {
			la += s.Base
		}
		if !canonical(la) || !canonical(la+uint64(size)-1) {
			return 0, segFault(seg)
		}
		return la, nil
	}

	off &= 0xffffffff
	if mode != cpum.ModeReal {
		if !s.Present() || s.Attr&cpum.SegAttrUnusable != 0 {
			return 0, segFault(seg)
		}
		code := s.Attr&cpum.SegAttrCode != 0
		switch {
		case access&pgm.AccessWrite != 0 && (code || s.Attr&cpum.SegAttrWritable == 0):
			return 0, segFault(seg)
		case access&pgm.AccessRead != 0 && code && s.Attr&cpum.SegAttrWritable == 0:
			return 0, segFault(seg)
		}
	}
	if !v.withinLimit(s, off, size) {
		return 0, segFault(seg)
	}
	return (s.Base + off) & 0xffffffff, nil
}

const segAttrExpandDown = 1 << 2

func (v *VCpu) withinLimit(s *cpum.Segment, off uint64, size int) bool {
	last := off + uint64(size) - 1
	limit := uint64(s.Limit)
	if s.Attr&cpum.SegAttrCode == 0 && s.Attr&segAttrExpandDown != 0 && v.Ctx.Mode() != cpum.ModeReal {
		upper := uint64(0xffff)
		if s.Default32() {
			upper = 0xffffffff
		}
		return off > limit && last <= upper
	}
	return last <= limit
}

// LinearAddress applies segmentation for instructions that compute an
// address without accessing it, such as invlpg.
func (v *VCpu) LinearAddress(seg int, off uint64) (uint64, error) {
	return v.linear(seg, off, 1, 0)
}
