package pgm

import (
	"errors"
	"fmt"
	"strings"
)

// Access is a set of access kinds. AccessUser marks an access made at the
// unprivileged level (CPL 3 or EL0).
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
	AccessUser
)

func (a Access) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Access
		name string
	}{{AccessRead, "read"}, {AccessWrite, "write"}, {AccessExec, "exec"}, {AccessUser, "user"}} {
		if a&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// PagingMode selects the page table format.
type PagingMode uint8

const (
	PagingOff PagingMode = iota
	// PagingAMD64 is 4-level long mode paging.
	PagingAMD64
	// PagingARM64 is the 4 KiB granule translation regime of EL1&0.
	PagingARM64
)

func (p PagingMode) String() string {
	switch p {
	case PagingOff:
		return "off"
	case PagingAMD64:
		return "amd64-4level"
	case PagingARM64:
		return "arm64-4k"
	default:
		return fmt.Sprintf("paging(%d)", uint8(p))
	}
}

// Paging is the translation regime of a VCpu at the time of an access.
type Paging struct {
	Mode PagingMode
	// Root is CR3 or TTBR0_EL1; Root1 is TTBR1_EL1.
	Root  uint64
	Root1 uint64
	// TCR is TCR_EL1. A zero size field means 48-bit addresses.
	TCR uint64
	// WriteProtect is CR0.WP: supervisor writes honour read-only pages.
	WriteProtect bool
	// NoExecute is EFER.NXE.
	NoExecute bool
}

// Translation is a successful walk.
type Translation struct {
	Phys     uint64
	PageSize uint64
	// Perm is what the walked privilege level may do with the page. Read is
	// always present.
	Perm Access
	// Dirty is set once the walk recorded a write in the tables.
	Dirty bool
}

// FaultKind classifies a failed walk.
type FaultKind uint8

const (
	FaultTranslation FaultKind = iota
	FaultAccessFlag
	FaultPermission
)

func (k FaultKind) String() string {
	switch k {
	case FaultTranslation:
		return "not-present"
	case FaultAccessFlag:
		return "access-flag"
	case FaultPermission:
		return "permission"
	default:
		return fmt.Sprintf("fault(%d)", uint8(k))
	}
}

// WalkFault is a guest page fault found by a walk.
type WalkFault struct {
	Addr   uint64
	Access Access
	Kind   FaultKind
	Level  int
}

var _ error = WalkFault{}

func (f WalkFault) Error() string {
	return fmt.Sprintf("page fault at %#x (%s, %s, level %d)", f.Addr, f.Access, f.Kind, f.Level)
}

// Present reports whether a translation existed but denied the access.
func (f WalkFault) Present() bool { return f.Kind != FaultTranslation }

// Translate walks the guest page tables for vaddr. Failures are WalkFault,
// ErrPending when a table page is ballooned, or ErrUnmapped for a
// translation that lands outside RAM.
func (m *Memory) Translate(pg *Paging, vaddr uint64, access Access) (Translation, error) {
	var (
		t   Translation
		err error
	)
	switch pg.Mode {
	case PagingOff:
		t = Translation{Phys: vaddr, PageSize: PageSize, Perm: AccessRead | AccessWrite | AccessExec | AccessUser, Dirty: true}
	case PagingAMD64:
		t, err = m.walkAMD64(pg, vaddr, access)
	case PagingARM64:
		t, err = m.walkARM64(pg, vaddr, access)
	default:
		return Translation{}, fmt.Errorf("pgm: unknown paging mode %s", pg.Mode)
	}
	if err != nil {
		return Translation{}, err
	}
	if !m.Contains(t.Phys, 1) {
		return Translation{}, fmt.Errorf("%#x -> %#x: %w", vaddr, t.Phys, ErrUnmapped)
	}
	return t, nil
}

// amd64 entry bits.
const (
	pteP   = 1 << 0
	pteRW  = 1 << 1
	pteUS  = 1 << 2
	pteA   = 1 << 5
	pteD   = 1 << 6
	ptePS  = 1 << 7
	pteNX  = 1 << 63
	pteOut = 0x000f_ffff_ffff_f000
)

func (m *Memory) readEntry(addr, vaddr uint64, access Access, level int) (uint64, error) {
	e, err := m.ReadU64(addr)
	if errors.Is(err, ErrPending) {
		return 0, err
	}
	if err != nil {
		return 0, WalkFault{Addr: vaddr, Access: access, Kind: FaultTranslation, Level: level}
	}
	return e, nil
}

func (m *Memory) walkAMD64(pg *Paging, vaddr uint64, access Access) (Translation, error) {
	fault := func(kind FaultKind, level int) (Translation, error) {
		return Translation{}, WalkFault{Addr: vaddr, Access: access, Kind: kind, Level: level}
	}
	if top := int64(vaddr) >> 47; top != 0 && top != -1 {
		return fault(FaultTranslation, 4)
	}

	writable, user, nx := true, true, false
	table := pg.Root & pteOut
	for level := 4; level >= 1; level-- {
		shift := PageShift + 9*(level-1)
		addr := table + ((vaddr>>shift)&0x1ff)*8
		e, err := m.readEntry(addr, vaddr, access, level)
		if err != nil {
			return Translation{}, err
		}
		if e&pteP == 0 {
			return fault(FaultTranslation, level)
		}
		writable = writable && e&pteRW != 0
		user = user && e&pteUS != 0
		if pg.NoExecute {
			nx = nx || e&pteNX != 0
		}

		leaf := level == 1 || (level <= 3 && e&ptePS != 0)
		if !leaf {
			if e&pteA == 0 {
				if err := m.WriteU64(addr, e|pteA); err != nil {
					return Translation{}, err
				}
			}
			table = e & pteOut
			continue
		}

		size := uint64(1) << shift
		var perm Access = AccessRead
		if access&AccessUser != 0 {
			if !user {
				return fault(FaultPermission, level)
			}
			perm |= AccessUser
			if writable {
				perm |= AccessWrite
			}
		} else if writable || !pg.WriteProtect {
			perm |= AccessWrite
		}
		if !nx {
			perm |= AccessExec
		}
		if need := access &^ AccessUser; perm&need != need {
			return fault(FaultPermission, level)
		}

		want := e | pteA
		if access&AccessWrite != 0 {
			want |= pteD
		}
		if want != e {
			if err := m.WriteU64(addr, want); err != nil {
				return Translation{}, err
			}
		}
		phys := (e & pteOut &^ (size - 1)) | (vaddr & (size - 1))
		return Translation{Phys: phys, PageSize: size, Perm: perm, Dirty: want&pteD != 0}, nil
	}
	return fault(FaultTranslation, 0)
}

// arm64 descriptor bits.
const (
	descValid = 1 << 0
	descTable = 1 << 1
	descAP1   = 1 << 6 // EL0 accessible
	descAP2   = 1 << 7 // read-only
	descAF    = 1 << 10
	descPXN   = 1 << 53
	descUXN   = 1 << 54
	descOut   = 0x0000_ffff_ffff_f000
)

// vaBits returns the input address size for a TCR_EL1 size field.
func vaBits(tsz uint64) uint {
	if tsz == 0 {
		tsz = 16
	}
	return uint(64 - tsz)
}

func (m *Memory) walkARM64(pg *Paging, vaddr uint64, access Access) (Translation, error) {
	fault := func(kind FaultKind, level int) (Translation, error) {
		return Translation{}, WalkFault{Addr: vaddr, Access: access, Kind: kind, Level: level}
	}

	var (
		root uint64
		bits uint
	)
	if vaddr>>63 != 0 {
		bits = vaBits((pg.TCR >> 16) & 0x3f)
		if vaddr>>bits != (^uint64(0))>>bits {
			return fault(FaultTranslation, 0)
		}
		root = pg.Root1
	} else {
		bits = vaBits(pg.TCR & 0x3f)
		if bits < 64 && vaddr>>bits != 0 {
			return fault(FaultTranslation, 0)
		}
		root = pg.Root
	}

	// Each level resolves 9 bits above the 12-bit page offset.
	levels := int((bits - PageShift + 8) / 9)
	start := 4 - levels
	table := root & descOut
	for level := start; level <= 3; level++ {
		shift := PageShift + 9*(3-level)
		idx := (vaddr >> shift) & 0x1ff
		if level == start {
			idx = (vaddr >> shift) & ((1 << (bits - uint(shift))) - 1)
		}
		addr := table + idx*8
		d, err := m.readEntry(addr, vaddr, access, level)
		if err != nil {
			return Translation{}, err
		}
		if d&descValid == 0 {
			return fault(FaultTranslation, level)
		}
		if level < 3 && d&descTable != 0 {
			table = d & descOut
			continue
		}
		if level == 3 && d&descTable == 0 {
			return fault(FaultTranslation, level)
		}
		if level == 0 {
			// No block descriptors at level 0 with a 4 KiB granule.
			return fault(FaultTranslation, level)
		}
		if d&descAF == 0 {
			return fault(FaultAccessFlag, level)
		}

		var perm Access = AccessRead
		if access&AccessUser != 0 {
			if d&descAP1 == 0 {
				return fault(FaultPermission, level)
			}
			perm |= AccessUser
			if d&descUXN == 0 {
				perm |= AccessExec
			}
		} else if d&descPXN == 0 {
			perm |= AccessExec
		}
		if d&descAP2 == 0 {
			perm |= AccessWrite
		}
		if need := access &^ AccessUser; perm&need != need {
			return fault(FaultPermission, level)
		}

		size := uint64(1) << shift
		phys := (d & descOut &^ (size - 1)) | (vaddr & (size - 1))
		return Translation{Phys: phys, PageSize: size, Perm: perm, Dirty: true}, nil
	}
	return fault(FaultTranslation, 3)
}
