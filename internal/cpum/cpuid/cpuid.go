// Package cpuid models raw CPU identification data (x86 CPUID leaves and
// ARMv8 ID system registers) and explodes it into a queryable feature record.
package cpuid

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/iem/internal/hv"
)

var (
	ErrOutOfRange      = errors.New("identification capacity exceeded")
	ErrUnsupportedCPU  = errors.New("unsupported cpu")
	ErrUnsupportedHost = errors.New("host identification probing not supported")
)

// DefaultCapacity is the soft cap on the number of identification entries a
// single collection may return. It is sized for the largest known hosts.
const DefaultCapacity = 4096

// Leaf flags.
const (
	// LeafFlagSubLeaves marks a leaf whose output depends on ECX.
	LeafFlagSubLeaves uint32 = 1 << iota
	// LeafFlagApicID marks a leaf that reports the local APIC id and must be
	// patched per vCPU.
	LeafFlagApicID
	// LeafFlagSynthesized marks data that did not come from a real CPUID.
	LeafFlagSynthesized
)

// Leaf is one x86 CPUID result.
type Leaf struct {
	Leaf    uint32
	SubLeaf uint32
	EAX     uint32
	EBX     uint32
	ECX     uint32
	EDX     uint32
	Flags   uint32
}

// SysReg flags.
const (
	// SysRegFlagSynthesized marks a value derived from OS hints rather than
	// read with MRS.
	SysRegFlagSynthesized uint32 = 1 << iota
	// SysRegFlagPerCPU marks registers whose value differs per vCPU (MPIDR).
	SysRegFlagPerCPU
)

// SysRegID packs op0/op1/CRn/CRm/op2 the same way the MRS/MSR encoding does.
type SysRegID uint16

func NewSysRegID(op0, op1, crn, crm, op2 uint32) SysRegID {
	return SysRegID((op0&3)<<14 | (op1&7)<<11 | (crn&15)<<7 | (crm&15)<<3 | (op2 & 7))
}

func (id SysRegID) Op0() uint32 { return uint32(id>>14) & 3 }
func (id SysRegID) Op1() uint32 { return uint32(id>>11) & 7 }
func (id SysRegID) CRn() uint32 { return uint32(id>>7) & 15 }
func (id SysRegID) CRm() uint32 { return uint32(id>>3) & 15 }
func (id SysRegID) Op2() uint32 { return uint32(id) & 7 }

func (id SysRegID) String() string {
	if name, ok := sysRegNames[id]; ok {
		return name
	}
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", id.Op0(), id.Op1(), id.CRn(), id.CRm(), id.Op2())
}

// SysReg is one ARMv8 system register value.
type SysReg struct {
	ID    SysRegID
	Value uint64
	Flags uint32
}

// RawIdentification is the unprocessed identification data of one CPU.
type RawIdentification struct {
	Arch    hv.CpuArchitecture
	Leaves  []Leaf
	SysRegs []SysReg
}

func (r RawIdentification) Len() int {
	return len(r.Leaves) + len(r.SysRegs)
}

// Sort orders leaves by (leaf, subleaf) and system registers by id.
func (r *RawIdentification) Sort() {
	sort.Slice(r.Leaves, func(i, j int) bool {
		a, b := r.Leaves[i], r.Leaves[j]
		if a.Leaf != b.Leaf {
			return a.Leaf < b.Leaf
		}
		return a.SubLeaf < b.SubLeaf
	})
	sort.Slice(r.SysRegs, func(i, j int) bool {
		return r.SysRegs[i].ID < r.SysRegs[j].ID
	})
}

// Lookup returns the leaf for (leaf, subleaf). Leaves without the sub-leaf
// flag match any subleaf.
func (r RawIdentification) Lookup(leaf, subleaf uint32) (Leaf, bool) {
	i := sort.Search(len(r.Leaves), func(i int) bool {
		l := r.Leaves[i]
		if l.Leaf != leaf {
			return l.Leaf >= leaf
		}
		return l.SubLeaf >= subleaf
	})
	if i < len(r.Leaves) && r.Leaves[i].Leaf == leaf && r.Leaves[i].SubLeaf == subleaf {
		return r.Leaves[i], true
	}
	// Fall back to subleaf 0 of a leaf that ignores ECX.
	for _, l := range r.Leaves {
		if l.Leaf == leaf && l.Flags&LeafFlagSubLeaves == 0 {
			return l, true
		}
	}
	return Leaf{}, false
}

// SysReg returns the value of a system register with binary search. The
// receiver must be sorted.
func (r RawIdentification) SysReg(id SysRegID) (uint64, bool) {
	i := sort.Search(len(r.SysRegs), func(i int) bool { return r.SysRegs[i].ID >= id })
	if i < len(r.SysRegs) && r.SysRegs[i].ID == id {
		return r.SysRegs[i].Value, true
	}
	return 0, false
}

// Clone returns a deep copy.
func (r RawIdentification) Clone() RawIdentification {
	out := RawIdentification{Arch: r.Arch}
	out.Leaves = append([]Leaf(nil), r.Leaves...)
	out.SysRegs = append([]SysReg(nil), r.SysRegs...)
	return out
}

// Prober reads raw identification data from some source.
type Prober interface {
	Arch() hv.CpuArchitecture
	ProbeHostRegisters() (RawIdentification, error)
}

// CapacityError is returned when a source exposes more identification
// entries than the collection is allowed to hold.
type CapacityError struct {
	Available int
	Capacity  int
}

var _ error = &CapacityError{}

// Needed returns how many additional slots the collection would need.
func (e *CapacityError) Needed() int {
	return e.Available - e.Capacity
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%d more registers available (capacity %d)", e.Needed(), e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrOutOfRange }

// CollectRawIdentification probes p and returns its identification data
// sorted for lookup. capacity <= 0 selects DefaultCapacity.
func CollectRawIdentification(p Prober, capacity int) (RawIdentification, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	raw, err := p.ProbeHostRegisters()
	if err != nil {
		return RawIdentification{}, fmt.Errorf("probe %s identification: %w", p.Arch(), err)
	}
	if raw.Arch == "" {
		raw.Arch = p.Arch()
	}
	if raw.Arch != p.Arch() {
		return RawIdentification{}, fmt.Errorf("prober returned %s data for %s: %w", raw.Arch, p.Arch(), hv.ErrArchMismatch)
	}

	if n := raw.Len(); n > capacity {
		return RawIdentification{}, &CapacityError{Available: n, Capacity: capacity}
	}

	raw.Sort()
	return raw, nil
}

// UnsupportedCPUError carries the identifier that failed a microarchitecture
// lookup.
type UnsupportedCPUError struct {
	Vendor Vendor
	ID     uint32
}

var _ error = &UnsupportedCPUError{}

func (e *UnsupportedCPUError) Error() string {
	return fmt.Sprintf("unsupported %s cpu id %#x", e.Vendor, e.ID)
}

func (e *UnsupportedCPUError) Unwrap() error { return ErrUnsupportedCPU }
