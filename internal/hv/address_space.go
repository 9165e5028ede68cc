package hv

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrRegionOverlap = errors.New("address_space: region overlap")

// Region is a named range of guest physical memory.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%#x-%#x)", r.Name, r.Base, r.End())
}

// AddressSpace carves the RAM of a VM into named regions: the guest image
// and what the VM builds for it before the first instruction runs (page
// tables, descriptor tables, stacks). Reservations are taken from the top
// of RAM downwards so the image keeps the low addresses.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	// top is the lowest address handed out by Reserve so far.
	top     uint64
	regions []Region
}

func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		arch:    arch,
		ramBase: ramBase,
		ramSize: ramSize,
		top:     ramBase + ramSize,
	}
}

func (a *AddressSpace) add(r Region) error {
	if r.Size == 0 {
		return fmt.Errorf("address_space: zero-size region %s", r.Name)
	}
	if r.Base < a.ramBase || r.End() > a.ramBase+a.ramSize || r.End() < r.Base {
		return fmt.Errorf("address_space: %s outside RAM [%#x-%#x)", r, a.ramBase, a.ramBase+a.ramSize)
	}
	for _, o := range a.regions {
		if r.overlaps(o) {
			return fmt.Errorf("%w: %s and %s", ErrRegionOverlap, r, o)
		}
	}
	i, _ := slices.BinarySearchFunc(a.regions, r.Base, func(o Region, base uint64) int {
		switch {
		case o.Base < base:
			return -1
		case o.Base > base:
			return 1
		}
		return 0
	})
	a.regions = slices.Insert(a.regions, i, r)
	return nil
}

// Reserve takes size bytes, aligned to align, below every earlier
// reservation.
func (a *AddressSpace) Reserve(name string, size, align uint64) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if align == 0 {
		align = 0x1000
	}
	if align&(align-1) != 0 {
		return Region{}, fmt.Errorf("address_space: alignment %#x is not a power of 2 for %s", align, name)
	}
	size = alignUp(size, align)
	if size > a.top-a.ramBase {
		return Region{}, fmt.Errorf("address_space: no room for %s (%#x bytes)", name, size)
	}
	r := Region{Name: name, Base: (a.top - size) &^ (align - 1), Size: size}
	if r.Base < a.ramBase {
		return Region{}, fmt.Errorf("address_space: no room for %s (%#x bytes)", name, size)
	}
	if err := a.add(r); err != nil {
		return Region{}, err
	}
	a.top = r.Base
	return r, nil
}

// RegisterFixed claims a region at a caller chosen address, e.g. the load
// address of an image.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.add(Region{Name: name, Base: base, Size: size})
}

// Regions returns the claimed regions in address order.
func (a *AddressSpace) Regions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.regions)
}

// Lookup returns the region named name.
func (a *AddressSpace) Lookup(name string) (Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

func (a *AddressSpace) RAMBase() uint64 { return a.ramBase }
func (a *AddressSpace) RAMSize() uint64 { return a.ramSize }
func (a *AddressSpace) RAMEnd() uint64  { return a.ramBase + a.ramSize }

func (a *AddressSpace) Architecture() CpuArchitecture { return a.arch }

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
