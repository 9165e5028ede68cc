package trpm

import (
	"fmt"
	"io"

	"github.com/tinyrange/iem/internal/ssm"
)

const (
	unitName    = "trpm"
	unitVersion = 1
)

type trapRecord struct {
	State      uint8
	HasPrev    uint8
	PrevVector uint8
	Pad        uint8

	ActiveVector uint8
	ActiveType   uint8
	ActiveHasErr uint8
	ActiveLen    uint8
	ActiveErr    uint32
	ActiveAddr   uint64

	SavedVector uint8
	SavedType   uint8
	SavedHasErr uint8
	SavedLen    uint8
	SavedErr    uint32
	SavedAddr   uint64
}

func b2u(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func packEvent(ev Event) (vector, typ, hasErr, length uint8, code uint32, addr uint64) {
	return ev.Vector, uint8(ev.Type), b2u(ev.HasErrorCode), ev.InstrLength, ev.ErrorCode, ev.FaultAddress
}

func unpackEvent(vector, typ, hasErr, length uint8, code uint32, addr uint64) Event {
	return Event{
		Vector:       vector,
		Type:         EventType(typ),
		HasErrorCode: hasErr != 0,
		InstrLength:  length,
		ErrorCode:    code,
		FaultAddress: addr,
	}
}

func (t *Trap) record() *trapRecord {
	rec := &trapRecord{State: uint8(t.State()), HasPrev: b2u(t.hasPrev), PrevVector: t.prevVector}
	if ev, err := t.QueryActiveTrap(); err == nil {
		rec.ActiveVector, rec.ActiveType, rec.ActiveHasErr, rec.ActiveLen, rec.ActiveErr, rec.ActiveAddr = packEvent(ev)
	}
	if ev, ok := t.Saved(); ok {
		rec.SavedVector, rec.SavedType, rec.SavedHasErr, rec.SavedLen, rec.SavedErr, rec.SavedAddr = packEvent(ev)
	}
	return rec
}

func (t *Trap) apply(rec *trapRecord) error {
	active := unpackEvent(rec.ActiveVector, rec.ActiveType, rec.ActiveHasErr, rec.ActiveLen, rec.ActiveErr, rec.ActiveAddr)
	saved := unpackEvent(rec.SavedVector, rec.SavedType, rec.SavedHasErr, rec.SavedLen, rec.SavedErr, rec.SavedAddr)
	switch State(rec.State) {
	case NoActiveTrap:
		t.slots = noTrap{}
	case TrapActive:
		t.slots = oneTrap{active: active}
	case TrapActiveWithSaved:
		t.slots = twoTraps{active: active, saved: saved}
	default:
		return fmt.Errorf("trap state %d: %w", rec.State, ssm.ErrCorrupt)
	}
	t.prevVector, t.hasPrev = rec.PrevVector, rec.HasPrev != 0
	return nil
}

// Unit carries the trap state of every VCpu of a VM.
type Unit struct {
	traps  []*Trap
	loaded bool
}

func NewUnit(traps []*Trap) *Unit { return &Unit{traps: traps} }

var _ ssm.Unit = &Unit{}

func (u *Unit) Name() string       { return unitName }
func (u *Unit) Versions() []uint32 { return []uint32{unitVersion} }

func (u *Unit) RecordSize(version uint32) uint32 { return ssm.Sizeof(&trapRecord{}) }

func (u *Unit) Save(w io.Writer, version uint32) error {
	if err := ssm.Pack(w, &struct{ Count uint32 }{uint32(len(u.traps))}); err != nil {
		return err
	}
	for i, t := range u.traps {
		if err := ssm.Pack(w, t.record()); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
	}
	return nil
}

func (u *Unit) Load(r io.Reader, version uint32) error {
	var hdr struct{ Count uint32 }
	if err := ssm.Unpack(r, &hdr); err != nil {
		return err
	}
	if int(hdr.Count) != len(u.traps) {
		return fmt.Errorf("stream has %d trap records, vm has %d vcpus: %w", hdr.Count, len(u.traps), ssm.ErrMissingState)
	}
	for i, t := range u.traps {
		var rec trapRecord
		if err := ssm.Unpack(r, &rec); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
		if err := t.apply(&rec); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
	}
	u.loaded = true
	return nil
}

func (u *Unit) LoadPrep() error {
	u.loaded = false
	return nil
}

func (u *Unit) LoadDone() error {
	if !u.loaded {
		return fmt.Errorf("no trap state: %w", ssm.ErrMissingState)
	}
	return nil
}
