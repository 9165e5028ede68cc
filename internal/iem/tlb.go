package iem

import "github.com/tinyrange/iem/internal/pgm"

const tlbEntries = 256

type tlbEntry struct {
	// rev ties the entry to a flush generation; a full flush bumps the
	// TLB revision instead of touching every entry.
	rev   uint64
	vpage uint64
	user  bool
	phys  uint64
	page  []byte
	perm  pgm.Access
	dirty bool
}

// TLB is a direct mapped translation cache over host page slices.
type TLB struct {
	entries [tlbEntries]tlbEntry
	rev     uint64

	Hits   uint64
	Misses uint64
}

func newTLB() *TLB { return &TLB{rev: 1} }

// Flush drops every entry.
func (t *TLB) Flush() { t.rev++ }

// FlushPage drops the entry for the page holding vaddr.
func (t *TLB) FlushPage(vaddr uint64) {
	vpage := vaddr >> pgm.PageShift
	e := &t.entries[vpage&(tlbEntries-1)]
	if e.vpage == vpage {
		e.rev = 0
	}
}

// Revision changes on every full flush.
func (t *TLB) Revision() uint64 { return t.rev }

// lookup returns the entry for vaddr if it allows access.
func (t *TLB) lookup(vaddr uint64, access pgm.Access) *tlbEntry {
	vpage := vaddr >> pgm.PageShift
	e := &t.entries[vpage&(tlbEntries-1)]
	user := access&pgm.AccessUser != 0
	if e.rev != t.rev || e.vpage != vpage || e.user != user {
		t.Misses++
		return nil
	}
	need := access &^ pgm.AccessUser
	if e.perm&need != need || (access&pgm.AccessWrite != 0 && !e.dirty) {
		t.Misses++
		return nil
	}
	t.Hits++
	return e
}

func (t *TLB) fill(vaddr uint64, access pgm.Access, tr pgm.Translation, page []byte) *tlbEntry {
	vpage := vaddr >> pgm.PageShift
	e := &t.entries[vpage&(tlbEntries-1)]
	*e = tlbEntry{
		rev:   t.rev,
		vpage: vpage,
		user:  access&pgm.AccessUser != 0,
		phys:  tr.Phys &^ pgm.PageMask,
		page:  page,
		perm:  tr.Perm,
		dirty: tr.Dirty || access&pgm.AccessWrite != 0,
	}
	return e
}
