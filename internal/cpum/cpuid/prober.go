package cpuid

import (
	"encoding/binary"
	"sync"

	"github.com/tinyrange/iem/internal/hv"
)

// QueryFunc executes one CPUID query.
type QueryFunc func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// QueryProber enumerates x86 identification over any CPUID implementation:
// the host instruction, a recorded table or a test fake.
type QueryProber struct {
	Query QueryFunc
}

var _ Prober = QueryProber{}

func (QueryProber) Arch() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

// Ranges are capped so a buggy or hostile source cannot make the walk run away.
const (
	maxLeavesPerRange = 0x100
	maxSubLeaves      = 64
)

func (p QueryProber) ProbeHostRegisters() (RawIdentification, error) {
	raw := RawIdentification{Arch: hv.ArchitectureX86_64}

	add := func(leaf, sub uint32, flags uint32) Leaf {
		a, b, c, d := p.Query(leaf, sub)
		l := Leaf{Leaf: leaf, SubLeaf: sub, EAX: a, EBX: b, ECX: c, EDX: d, Flags: flags}
		raw.Leaves = append(raw.Leaves, l)
		return l
	}

	walkRange := func(base uint32) {
		first := add(base, 0, 0)
		if first.EAX < base {
			// Not a valid range header.
			return
		}
		last := first.EAX
		if last-base >= maxLeavesPerRange {
			last = base + maxLeavesPerRange - 1
		}
		for leaf := base + 1; leaf <= last; leaf++ {
			p.walkLeaf(leaf, add)
		}
	}

	walkRange(0)

	if l, ok := raw.Lookup(1, 0); ok && l.ECX&(1<<31) != 0 {
		walkRange(0x40000000)
	}
	walkRange(0x80000000)

	vendor := X86Vendor(raw)
	if vendor == VendorVIA || vendor == VendorShanghai {
		walkRange(0xc0000000)
	}

	return raw, nil
}

// walkLeaf records a leaf and any sub-leaves it defines.
func (p QueryProber) walkLeaf(leaf uint32, add func(leaf, sub, flags uint32) Leaf) {
	switch leaf {
	case 0x4, 0x8000001d:
		// Cache parameters: stop at the first null cache type.
		for sub := uint32(0); sub < maxSubLeaves; sub++ {
			l := add(leaf, sub, LeafFlagSubLeaves)
			if l.EAX&0x1f == 0 {
				return
			}
		}
	case 0x7, 0x14, 0x17, 0x18:
		// Sub-leaf 0 EAX holds the highest valid sub-leaf.
		l := add(leaf, 0, LeafFlagSubLeaves)
		n := l.EAX
		if n >= maxSubLeaves {
			n = maxSubLeaves - 1
		}
		for sub := uint32(1); sub <= n; sub++ {
			add(leaf, sub, LeafFlagSubLeaves)
		}
	case 0xb, 0x1f:
		// Topology: stop when the level type is invalid.
		for sub := uint32(0); sub < maxSubLeaves; sub++ {
			l := add(leaf, sub, LeafFlagSubLeaves|LeafFlagApicID)
			if (l.ECX>>8)&0xff == 0 {
				return
			}
		}
	case 0xd:
		s0 := add(leaf, 0, LeafFlagSubLeaves)
		add(leaf, 1, LeafFlagSubLeaves)
		valid := uint64(s0.EDX)<<32 | uint64(s0.EAX)
		for sub := uint32(2); sub < 63; sub++ {
			if valid&(1<<sub) != 0 {
				add(leaf, sub, LeafFlagSubLeaves)
			}
		}
	case 0xf, 0x10:
		for sub := uint32(0); sub < 4; sub++ {
			add(leaf, sub, LeafFlagSubLeaves)
		}
	case 0x1:
		add(leaf, 0, LeafFlagApicID)
	default:
		add(leaf, 0, 0)
	}
}

// X86Vendor decodes the vendor from leaf 0 of raw.
func X86Vendor(raw RawIdentification) Vendor {
	for _, l := range raw.Leaves {
		if l.Leaf == 0 {
			var id [12]byte
			binary.LittleEndian.PutUint32(id[0:], l.EBX)
			binary.LittleEndian.PutUint32(id[4:], l.EDX)
			binary.LittleEndian.PutUint32(id[8:], l.ECX)
			return vendorFromX86(string(id[:]))
		}
	}
	return VendorUnknown
}

// StaticProber returns fixed identification data.
type StaticProber struct {
	Raw RawIdentification
}

var _ Prober = StaticProber{}

func (p StaticProber) Arch() hv.CpuArchitecture { return p.Raw.Arch }

func (p StaticProber) ProbeHostRegisters() (RawIdentification, error) {
	return p.Raw.Clone(), nil
}

// DBProber reports a CPU database profile as if it were the host.
type DBProber struct {
	Entry *DBEntry
}

var _ Prober = DBProber{}

func (p DBProber) Arch() hv.CpuArchitecture { return p.Entry.Arch }

func (p DBProber) ProbeHostRegisters() (RawIdentification, error) {
	return p.Entry.Raw(), nil
}

var (
	hostProberOnce sync.Once
	hostProber     Prober
)

// HostProber returns the prober for the machine this process runs on.
func HostProber() Prober {
	hostProberOnce.Do(func() {
		hostProber = newHostProber()
	})
	return hostProber
}

// unsupportedHost is used on architectures without a native prober.
type unsupportedHost struct{}

func (unsupportedHost) Arch() hv.CpuArchitecture { return hv.ArchitectureInvalid }

func (unsupportedHost) ProbeHostRegisters() (RawIdentification, error) {
	return RawIdentification{}, ErrUnsupportedHost
}
