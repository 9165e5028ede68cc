package pgm

import "fmt"

// TableBuilder writes guest page tables into RAM, taking table pages from a
// reserved window with a bump allocator.
type TableBuilder struct {
	mem  *Memory
	mode PagingMode
	next uint64
	end  uint64
	root uint64
}

// NewTableBuilder reserves [base, base+size) for tables and allocates the
// root table.
func (m *Memory) NewTableBuilder(mode PagingMode, base, size uint64) (*TableBuilder, error) {
	if mode != PagingAMD64 && mode != PagingARM64 {
		return nil, fmt.Errorf("pgm: no table format for paging mode %s", mode)
	}
	if base&PageMask != 0 || !m.Contains(base, size) {
		return nil, fmt.Errorf("pgm: table window %#x+%#x is not page aligned ram", base, size)
	}
	b := &TableBuilder{mem: m, mode: mode, next: base, end: base + size}
	root, err := b.alloc()
	if err != nil {
		return nil, err
	}
	b.root = root
	return b, nil
}

// Root is the value for CR3 or TTBR0_EL1.
func (b *TableBuilder) Root() uint64 { return b.root }

// Paging returns the regime that walks the built tables.
func (b *TableBuilder) Paging() *Paging {
	return &Paging{Mode: b.mode, Root: b.root, WriteProtect: true, NoExecute: true}
}

func (b *TableBuilder) alloc() (uint64, error) {
	if b.next+PageSize > b.end {
		return 0, fmt.Errorf("pgm: table window exhausted at %#x", b.next)
	}
	page, err := b.mem.Page(b.next)
	if err != nil {
		return 0, err
	}
	clear(page)
	addr := b.next
	b.next += PageSize
	return addr, nil
}

func (b *TableBuilder) tableEntry(next uint64) uint64 {
	if b.mode == PagingAMD64 {
		return next | pteP | pteRW | pteUS
	}
	return next | descValid | descTable
}

func (b *TableBuilder) leafEntry(paddr uint64, level int, perm Access) uint64 {
	if b.mode == PagingAMD64 {
		e := paddr | pteP | pteA
		if perm&AccessWrite != 0 {
			e |= pteRW | pteD
		}
		if perm&AccessUser != 0 {
			e |= pteUS
		}
		if perm&AccessExec == 0 {
			e |= pteNX
		}
		if level > 1 {
			e |= ptePS
		}
		return e
	}
	// Inner shareable, MAIR index 0.
	e := paddr | descValid | descAF | 3<<8
	if level == 3 {
		e |= descTable
	}
	if perm&AccessWrite == 0 {
		e |= descAP2
	}
	if perm&AccessUser != 0 {
		e |= descAP1
	}
	if perm&AccessExec == 0 {
		e |= descPXN | descUXN
	} else if perm&AccessUser != 0 {
		e |= descPXN
	} else {
		e |= descUXN
	}
	return e
}

// leafLevel is the level whose entries map size bytes, in each format's
// level numbering.
func (b *TableBuilder) leafLevel(size uint64) (int, error) {
	switch size {
	case PageSize:
		if b.mode == PagingAMD64 {
			return 1, nil
		}
		return 3, nil
	case 2 << 20:
		return 2, nil
	case 1 << 30:
		if b.mode == PagingAMD64 {
			return 3, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("pgm: unsupported page size %#x", size)
}

// MapPage maps one page of the given size. Existing tables are reused and
// an existing leaf is replaced.
func (b *TableBuilder) MapPage(vaddr, paddr, size uint64, perm Access) error {
	if vaddr&(size-1) != 0 || paddr&(size-1) != 0 {
		return fmt.Errorf("pgm: %#x -> %#x is not aligned to %#x", vaddr, paddr, size)
	}
	leaf, err := b.leafLevel(size)
	if err != nil {
		return err
	}

	// Walk from the root down, with levels expressed as a depth from 0.
	depth := 4 - leaf
	if b.mode == PagingARM64 {
		depth = leaf
	}
	table := b.root
	for d := 0; d <= depth; d++ {
		shift := PageShift + 9*(3-d)
		addr := table + ((vaddr>>shift)&0x1ff)*8
		if d == depth {
			return b.mem.WriteU64(addr, b.leafEntry(paddr, leaf, perm))
		}
		e, err := b.mem.ReadU64(addr)
		if err != nil {
			return err
		}
		if e&1 == 0 {
			next, err := b.alloc()
			if err != nil {
				return err
			}
			e = b.tableEntry(next)
			if err := b.mem.WriteU64(addr, e); err != nil {
				return err
			}
		} else if (b.mode == PagingAMD64 && e&ptePS != 0) || (b.mode == PagingARM64 && e&descTable == 0) {
			return fmt.Errorf("pgm: %#x is already covered by a large page", vaddr)
		}
		table = e & pteOut
	}
	return nil
}

// Map maps [vaddr, vaddr+size) to [paddr, paddr+size), using 2 MiB pages
// where both sides are aligned.
func (b *TableBuilder) Map(vaddr, paddr, size uint64, perm Access) error {
	const large = 2 << 20
	for size > 0 {
		step := uint64(PageSize)
		if vaddr&(large-1) == 0 && paddr&(large-1) == 0 && size >= large {
			step = large
		}
		if err := b.MapPage(vaddr, paddr, step, perm); err != nil {
			return err
		}
		vaddr += step
		paddr += step
		size -= step
	}
	return nil
}

// IdentityMap maps the first gib GiB of the address space onto itself with
// 2 MiB pages, readable, writable and executable by the kernel.
func (b *TableBuilder) IdentityMap(gib int) error {
	return b.Map(0, 0, uint64(gib)<<30, AccessRead|AccessWrite|AccessExec)
}
