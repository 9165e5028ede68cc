package iem

import (
	"errors"
	"testing"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/pic"
	"github.com/tinyrange/iem/internal/trpm"
)

// flatTarget runs nothing. It gives the memory helpers a VCpu with paging
// off and no segmentation.
type flatTarget struct{}

func (flatTarget) Arch() hv.CpuArchitecture             { return hv.ArchitectureARM64 }
func (flatTarget) Functions() []FuncInfo                { return nil }
func (flatTarget) MaxInstrLen() int                     { return 4 }
func (flatTarget) Decode(*Decoder, *Emitter) InstrFlags { return 0 }
func (flatTarget) ModeTag(*VCpu) uint32                 { return 0 }
func (flatTarget) Paging(*VCpu) (*pgm.Paging, error)    { return &pgm.Paging{}, nil }
func (flatTarget) Event(*VCpu, *Fault) trpm.Event       { return trpm.Event{} }
func (flatTarget) Raise(*trpm.Trap, trpm.Event) error   { return nil }
func (flatTarget) Deliver(*VCpu, trpm.Event) error      { return nil }
func (flatTarget) InterruptsEnabled(*VCpu) bool         { return false }

const flatMemSize = 64 << 10

func newFlatVCpu(t *testing.T) (*VCpu, *pgm.Memory) {
	t.Helper()
	mem, err := pgm.New(0, flatMemSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := cpum.NewContext(&cpum.Config{Arch: hv.ArchitectureARM64}, 0)
	return NewVCpu(0, ctx, trpm.New(nil), flatTarget{}, mem, pic.New(), Config{}), mem
}

func TestTLBRevisionFlush(t *testing.T) {
	tlb := newTLB()
	page := make([]byte, pgm.PageSize)
	tr := pgm.Translation{Phys: 0x5000, PageSize: pgm.PageSize, Perm: pgm.AccessRead | pgm.AccessWrite}

	if e := tlb.lookup(0x5010, pgm.AccessRead); e != nil {
		t.Fatal("hit in an empty TLB")
	}
	tlb.fill(0x5010, pgm.AccessRead, tr, page)
	if e := tlb.lookup(0x5ff8, pgm.AccessRead); e == nil || e.phys != 0x5000 {
		t.Fatalf("lookup after fill = %+v", e)
	}
	// A clean entry cannot satisfy a write until a write fills it.
	if e := tlb.lookup(0x5000, pgm.AccessWrite); e != nil {
		t.Fatal("write hit on a clean entry")
	}
	if e := tlb.lookup(0x5000, pgm.AccessRead|pgm.AccessUser); e != nil {
		t.Fatal("user hit on a supervisor entry")
	}

	rev := tlb.Revision()
	tlb.Flush()
	if tlb.Revision() == rev {
		t.Fatal("flush did not change the revision")
	}
	if e := tlb.lookup(0x5000, pgm.AccessRead); e != nil {
		t.Fatal("hit after a full flush")
	}

	tlb.fill(0x5000, pgm.AccessWrite, tr, page)
	tlb.fill(0x6000, pgm.AccessRead, pgm.Translation{Phys: 0x6000, Perm: pgm.AccessRead}, page)
	tlb.FlushPage(0x5abc)
	if e := tlb.lookup(0x5000, pgm.AccessWrite); e != nil {
		t.Fatal("hit after a page flush")
	}
	if e := tlb.lookup(0x6000, pgm.AccessRead); e == nil {
		t.Fatal("page flush dropped another page")
	}
	if tlb.Hits != 2 || tlb.Misses != 5 {
		t.Fatalf("hits %d misses %d, want 2 and 5", tlb.Hits, tlb.Misses)
	}
}

func testBlock(pc uint64, pages ...uint64) *TB {
	tb := newTB(pc, pages[0]|pc&pgm.PageMask, 0)
	for i, p := range pages {
		tb.pages[i] = tbPage{phys: p}
	}
	tb.npages = len(pages)
	tb.finalize()
	return tb
}

func TestBlockCacheInvalidatePage(t *testing.T) {
	c := NewBlockCache(8)
	a := testBlock(0x1000, 0x1000)
	b := testBlock(0x1ff8, 0x1000, 0x2000)
	d := testBlock(0x3000, 0x3000)
	for _, tb := range []*TB{d, b, a} {
		c.Insert(tb)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d", c.Len())
	}
	if got := c.Lookup(keyOf(b)); got != b {
		t.Fatalf("lookup = %v", got)
	}

	var order []uint64
	c.Blocks(func(tb *TB) bool {
		order = append(order, tb.PC)
		return true
	})
	want := []uint64{0x1ff8, 0x1000, 0x1ff8, 0x3000}
	if len(order) != len(want) {
		t.Fatalf("visited %#x, want %#x", order, want)
	}
	// Blocks of one page are visited in insertion order.
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("visited %#x, want %#x", order, want)
		}
	}

	if n := c.InvalidatePage(0x2123); n != 1 {
		t.Fatalf("invalidated %d blocks on the second page, want 1", n)
	}
	if b.State() != TBInvalidated || c.Lookup(keyOf(b)) != nil {
		t.Fatal("page spanning block survived invalidation of its second page")
	}
	if a.State() != TBFinalized || c.Lookup(keyOf(a)) != a {
		t.Fatal("block on an untouched page was invalidated")
	}
	if n := c.InvalidatePage(0x1000); n != 1 {
		t.Fatalf("invalidated %d blocks on the first page, want 1", n)
	}
	if c.Len() != 1 || c.Evictions != 2 {
		t.Fatalf("len %d evictions %d", c.Len(), c.Evictions)
	}
}

func TestBlockCacheFlushesWhenFull(t *testing.T) {
	c := NewBlockCache(2)
	first := testBlock(0x1000, 0x1000)
	c.Insert(first)
	c.Insert(testBlock(0x2000, 0x2000))
	c.Insert(testBlock(0x3000, 0x3000))
	if c.Flushes != 1 || c.Len() != 1 {
		t.Fatalf("flushes %d len %d", c.Flushes, c.Len())
	}
	if first.State() != TBInvalidated {
		t.Fatal("flushed block is still valid")
	}

	again := testBlock(0x3000, 0x3000)
	c.Insert(again)
	if c.Len() != 1 || c.Lookup(keyOf(again)) != again {
		t.Fatal("insert did not replace the block with the same key")
	}
}

func TestMappingWritesOnCommit(t *testing.T) {
	v, mem := newFlatVCpu(t)
	const addr = 0x1ffc
	if err := v.WriteU64(SegFlat, addr, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}

	m, err := v.Map(SegFlat, addr, 8, pgm.AccessRead|pgm.AccessWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.U64() != 0x1122334455667788 {
		t.Fatalf("mapped %#x", m.U64())
	}
	m.PutU64(0, 0xaabbccddeeff0011)
	if got, _ := mem.ReadU64(addr); got != 0x1122334455667788 {
		t.Fatalf("memory changed before commit: %#x", got)
	}
	if err := v.CommitAndUnmap(m); err != nil {
		t.Fatal(err)
	}
	if got, _ := v.ReadU64(SegFlat, addr); got != 0xaabbccddeeff0011 {
		t.Fatalf("after commit %#x", got)
	}

	m, err = v.Map(SegFlat, addr, 4, pgm.AccessWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	m.PutU32(0, 0)
	v.Unmap(m)
	if got, _ := v.ReadU64(SegFlat, addr); got != 0xaabbccddeeff0011 {
		t.Fatalf("unmap wrote back: %#x", got)
	}
	if err := v.CommitAndUnmap(m); !errors.Is(err, ErrInternal) {
		t.Fatalf("second commit = %v", err)
	}
}

func TestMappingLimit(t *testing.T) {
	v, _ := newFlatVCpu(t)
	for i := 0; i < maxMappings; i++ {
		if _, err := v.Map(SegFlat, uint64(0x100*i), 8, pgm.AccessRead, 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := v.Map(SegFlat, 0x800, 8, pgm.AccessRead, 0); !errors.Is(err, ErrTooManyMappings) {
		t.Fatalf("fourth mapping = %v", err)
	}
	if _, err := v.Map(SegFlat, 0x800, maxMappingSize+1, pgm.AccessRead, 0); !errors.Is(err, ErrInternal) {
		t.Fatalf("oversized mapping = %v", err)
	}
	v.releaseMappings()
	if v.ActiveMappings() != 0 {
		t.Fatal("mappings survived release")
	}
}

func TestAlignedAccessFaultsFirst(t *testing.T) {
	v, mem := newFlatVCpu(t)
	err := v.WriteU64Aligned(SegFlat, 0x2004, ^uint64(0))
	var f *Fault
	if !errors.As(err, &f) || f.Kind != FaultAlignment || f.Addr != 0x2004 {
		t.Fatalf("misaligned store = %v", err)
	}
	if got, _ := mem.ReadU64(0x2000); got != 0 {
		t.Fatalf("faulting store wrote %#x", got)
	}
	if _, err := v.CompareAndSwap(SegFlat, 0x2001, 2, 0, 1); !errors.As(err, &f) || f.Kind != FaultAlignment {
		t.Fatalf("misaligned cas = %v", err)
	}
}

func TestCompareAndSwapSizes(t *testing.T) {
	v, _ := newFlatVCpu(t)
	if err := v.WriteU64(SegFlat, 0x3000, 0x8877665544332211); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		addr    uint64
		size    int
		old, x  uint64
		swapped bool
	}{
		{0x3001, 1, 0x22, 0xee, true},
		{0x3002, 2, 0x1234, 0, false},
		{0x3002, 2, 0x4433, 0xbeef, true},
		{0x3000, 8, 0, 1, false},
	}
	want := uint64(0x8877665544332211)
	for _, tt := range tests {
		ok, err := v.CompareAndSwap(SegFlat, tt.addr, tt.size, tt.old, tt.x)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tt.swapped {
			t.Fatalf("cas %d bytes at %#x: swapped %v", tt.size, tt.addr, ok)
		}
		if ok {
			shift := (tt.addr & 7) * 8
			mask := uint64(1)<<(8*tt.size) - 1
			want = want&^(mask<<shift) | tt.x<<shift
		}
		if got, _ := v.ReadU64(SegFlat, 0x3000); got != want {
			t.Fatalf("after cas at %#x: %#x, want %#x", tt.addr, got, want)
		}
	}
}

func TestCodeWriteBumpsGeneration(t *testing.T) {
	v, mem := newFlatVCpu(t)
	gen := mem.TrackCode(0x4000)
	if err := v.WriteU8(SegFlat, 0x8000, 1); err != nil {
		t.Fatal(err)
	}
	if mem.Generation(0x4000) != gen {
		t.Fatal("write to another page changed the generation")
	}
	if err := v.WriteU16(SegFlat, 0x4ffe, 0xffff); err != nil {
		t.Fatal(err)
	}
	if mem.Generation(0x4000) == gen {
		t.Fatal("write to a code page kept its generation")
	}
}

func TestBalloonedPageIsPending(t *testing.T) {
	v, mem := newFlatVCpu(t)
	if err := v.WriteU64(SegFlat, 0x5008, 7); err != nil {
		t.Fatal(err)
	}
	if err := mem.Balloon(0x5000); err != nil {
		t.Fatal(err)
	}
	v.FlushTLB()

	_, err := v.ReadU64(SegFlat, 0x5008)
	var pe pgm.PendingError
	if !errors.Is(err, pgm.ErrPending) || !errors.As(err, &pe) || pe.GPA != 0x5000 {
		t.Fatalf("read of a ballooned page = %v", err)
	}
	if err := mem.Resolve(pe.GPA); err != nil {
		t.Fatal(err)
	}
	got, err := v.ReadU64(SegFlat, 0x5008)
	if err != nil || got != 0 {
		t.Fatalf("resolved page read %#x, %v; want zero fill", got, err)
	}
	if mem.ResolvedPages() != 1 {
		t.Fatalf("resolved %d pages", mem.ResolvedPages())
	}
}
