package iem

import (
	"fmt"
	"io"

	"github.com/google/btree"

	"github.com/tinyrange/iem/internal/pgm"
)

// TBState is the life cycle of a translation block. Invalidated is final.
type TBState uint8

const (
	TBCompiling TBState = iota
	TBFinalized
	TBInvalidated
)

func (s TBState) String() string {
	switch s {
	case TBCompiling:
		return "compiling"
	case TBFinalized:
		return "finalized"
	case TBInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("tbstate(%d)", s)
	}
}

type tbPage struct {
	phys uint64
	gen  uint64
}

// TB is a translation block: the threaded calls of a run of guest
// instructions, with what it takes to know they are still current.
type TB struct {
	PC     uint64
	PhysPC uint64
	Mode   uint32

	pages  [2]tbPage
	npages int

	calls   []Call
	opcodes []byte
	instrs  int

	state TBState
	seq   uint64

	// instrStart is where the calls of the instruction compiled last
	// begin, after its guards.
	instrStart int
	// wrote is set when the instruction compiled last may write memory.
	wrote bool
	// lastPage is the linear page the instruction compiled last ended on.
	lastPage uint64

	Execs         uint64
	GuardFailures uint64
}

func newTB(pc, phys uint64, mode uint32) *TB {
	return &TB{PC: pc, PhysPC: phys, Mode: mode}
}

func (tb *TB) State() TBState    { return tb.state }
func (tb *TB) Calls() []Call     { return tb.calls }
func (tb *TB) Instructions() int { return tb.instrs }
func (tb *TB) Opcodes() []byte   { return tb.opcodes }

// Pages returns the physical pages the block was compiled from.
func (tb *TB) Pages() []uint64 {
	out := make([]uint64, tb.npages)
	for i := range out {
		out[i] = tb.pages[i].phys
	}
	return out
}

// Invalidate retires the block for good.
func (tb *TB) Invalidate() { tb.state = TBInvalidated }

func (tb *TB) finalize() {
	if tb.state == TBCompiling {
		tb.state = TBFinalized
	}
}

func (tb *TB) page(phys uint64) (int, bool) {
	for i := 0; i < tb.npages; i++ {
		if tb.pages[i].phys == phys {
			return i, true
		}
	}
	return 0, false
}

// current reports whether every page still has the generation the block was
// compiled against. No bytes are rescanned.
func (tb *TB) current(mem *pgm.Memory) (stale uint64, ok bool) {
	for i := 0; i < tb.npages; i++ {
		if mem.Generation(tb.pages[i].phys) != tb.pages[i].gen {
			return tb.pages[i].phys, false
		}
	}
	return 0, true
}

func (tb *TB) String() string {
	return fmt.Sprintf("tb pc=%#x phys=%#x mode=%#x instrs=%d calls=%d %s", tb.PC, tb.PhysPC, tb.Mode, tb.instrs, len(tb.calls), tb.state)
}

// Disassemble lists the call records of the block.
func (tb *TB) Disassemble(w io.Writer, v *VCpu) error {
	if _, err := fmt.Fprintln(w, tb); err != nil {
		return err
	}
	for i, c := range tb.calls {
		end := ""
		if c.End != 0 {
			end = fmt.Sprintf(" ; end len=%d", c.End)
		}
		if _, err := fmt.Fprintf(w, "  %3d %-20s %#x %#x %#x%s\n", i, v.funcName(c.Fn), c.P[0], c.P[1], c.P[2], end); err != nil {
			return err
		}
	}
	return nil
}

type blockKey struct {
	phys uint64
	pc   uint64
	mode uint32
}

// pageRef indexes a block by one of its physical pages.
type pageRef struct {
	page uint64
	seq  uint64
	tb   *TB
}

func pageRefLess(a, b pageRef) bool {
	if a.page != b.page {
		return a.page < b.page
	}
	return a.seq < b.seq
}

// BlockCache holds the translation blocks of one VCpu, keyed by physical
// PC, linear PC and mode tag, and indexed by physical page.
type BlockCache struct {
	max    int
	blocks map[blockKey]*TB
	pages  *btree.BTreeG[pageRef]
	seq    uint64

	Flushes   uint64
	Evictions uint64
}

func NewBlockCache(max int) *BlockCache {
	return &BlockCache{
		max:    max,
		blocks: make(map[blockKey]*TB),
		pages:  btree.NewG(16, pageRefLess),
	}
}

func (c *BlockCache) Len() int { return len(c.blocks) }

func keyOf(tb *TB) blockKey { return blockKey{tb.PhysPC, tb.PC, tb.Mode} }

func (c *BlockCache) Lookup(k blockKey) *TB { return c.blocks[k] }

// Insert adds a finalized block, replacing any block with the same key. A
// full cache is flushed first.
func (c *BlockCache) Insert(tb *TB) {
	if len(c.blocks) >= c.max {
		c.Flush()
	}
	k := keyOf(tb)
	if old, ok := c.blocks[k]; ok {
		c.Remove(old)
	}
	c.seq++
	tb.seq = c.seq
	c.blocks[k] = tb
	for i := 0; i < tb.npages; i++ {
		c.pages.ReplaceOrInsert(pageRef{tb.pages[i].phys, tb.seq, tb})
	}
}

// Remove evicts a block.
func (c *BlockCache) Remove(tb *TB) {
	k := keyOf(tb)
	if c.blocks[k] != tb {
		return
	}
	delete(c.blocks, k)
	for i := 0; i < tb.npages; i++ {
		c.pages.Delete(pageRef{page: tb.pages[i].phys, seq: tb.seq})
	}
	c.Evictions++
}

// InvalidatePage invalidates and evicts every block compiled from the page.
func (c *BlockCache) InvalidatePage(phys uint64) int {
	page := phys &^ pgm.PageMask
	var victims []*TB
	c.pages.AscendRange(pageRef{page: page}, pageRef{page: page + 1}, func(r pageRef) bool {
		victims = append(victims, r.tb)
		return true
	})
	for _, tb := range victims {
		tb.Invalidate()
		c.Remove(tb)
	}
	return len(victims)
}

// Flush drops every block.
func (c *BlockCache) Flush() {
	for _, tb := range c.blocks {
		tb.Invalidate()
	}
	clear(c.blocks)
	c.pages.Clear(false)
	c.Flushes++
}

// Blocks calls fn for every cached block in physical page order. A block
// spanning two pages is visited twice.
func (c *BlockCache) Blocks(fn func(tb *TB) bool) {
	c.pages.Ascend(func(r pageRef) bool { return fn(r.tb) })
}
