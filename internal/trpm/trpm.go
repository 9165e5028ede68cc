// Package trpm tracks the events a virtual CPU has to deliver. A VCpu holds
// at most two: the active one and, behind it, the one whose delivery it
// interrupted. A third is a triple fault.
package trpm

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

var (
	ErrNoActiveTrap = errors.New("no active trap")
	ErrTripleFault  = errors.New("triple fault")
)

// EventType says how an event reached the CPU.
type EventType uint8

const (
	EventTrap EventType = iota
	EventHardwareInterrupt
	EventSoftwareInterrupt
)

func (t EventType) String() string {
	switch t {
	case EventTrap:
		return "trap"
	case EventHardwareInterrupt:
		return "hardware-interrupt"
	case EventSoftwareInterrupt:
		return "software-interrupt"
	default:
		return fmt.Sprintf("event(%d)", t)
	}
}

// Event is one pending exception or interrupt.
type Event struct {
	Vector       uint8
	Type         EventType
	ErrorCode    uint32
	HasErrorCode bool
	FaultAddress uint64
	// InstrLength is the length of the instruction that raised a software
	// interrupt, so delivery can push the return address past it.
	InstrLength uint8
}

func (e Event) String() string {
	s := fmt.Sprintf("vector %#x (%s)", e.Vector, e.Type)
	if e.HasErrorCode {
		s += fmt.Sprintf(" err=%#x", e.ErrorCode)
	}
	if e.FaultAddress != 0 {
		s += fmt.Sprintf(" addr=%#x", e.FaultAddress)
	}
	if e.InstrLength != 0 {
		s += fmt.Sprintf(" len=%d", e.InstrLength)
	}
	return s
}

// State is the occupancy of the trap slots.
type State uint8

const (
	NoActiveTrap State = iota
	TrapActive
	TrapActiveWithSaved
)

func (s State) String() string {
	switch s {
	case NoActiveTrap:
		return "none"
	case TrapActive:
		return "active"
	case TrapActiveWithSaved:
		return "active+saved"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// slots is the at-most-two event buffer. Exactly one of noTrap, oneTrap and
// twoTraps is stored in a Trap at any time.
type slots interface{ state() State }

type noTrap struct{}

type oneTrap struct{ active Event }

type twoTraps struct{ active, saved Event }

func (noTrap) state() State   { return NoActiveTrap }
func (oneTrap) state() State  { return TrapActive }
func (twoTraps) state() State { return TrapActiveWithSaved }

// Trap is the trap state of one VCpu. It is owned by the VCpu's goroutine.
type Trap struct {
	slots slots

	prevVector uint8
	hasPrev    bool

	stats *Stats
}

// New returns an empty trap state. stats may be shared by every VCpu of a VM
// and may be nil.
func New(stats *Stats) *Trap {
	return &Trap{slots: noTrap{}, stats: stats}
}

func (t *Trap) State() State { return t.slots.state() }

// Inject queues ev. With one event active, ev becomes active and the old one
// is saved behind it. With both slots taken nothing changes and
// ErrTripleFault is returned.
func (t *Trap) Inject(ev Event) error {
	switch s := t.slots.(type) {
	case noTrap:
		t.slots = oneTrap{active: ev}
	case oneTrap:
		t.slots = twoTraps{active: ev, saved: s.active}
	case twoTraps:
		return fmt.Errorf("%w: %s while %s and %s are pending", ErrTripleFault, ev, s.active, s.saved)
	default:
		panic(fmt.Sprintf("trpm: impossible slot state %T", s))
	}
	if t.stats != nil {
		t.stats.count(ev.Vector)
	}
	return nil
}

// Delivered retires the active event. A saved event becomes active again.
func (t *Trap) Delivered() error {
	switch s := t.slots.(type) {
	case noTrap:
		return ErrNoActiveTrap
	case oneTrap:
		t.slots = noTrap{}
		t.prevVector, t.hasPrev = s.active.Vector, true
	case twoTraps:
		t.slots = oneTrap{active: s.saved}
		t.prevVector, t.hasPrev = s.active.Vector, true
	default:
		panic(fmt.Sprintf("trpm: impossible slot state %T", s))
	}
	return nil
}

// Withdraw removes the active event without delivering it. A saved event
// becomes active again. The VCpu uses it to hand a hardware interrupt back
// to the controller while interrupts are disabled.
func (t *Trap) Withdraw() (Event, error) {
	switch s := t.slots.(type) {
	case noTrap:
		return Event{}, ErrNoActiveTrap
	case oneTrap:
		t.slots = noTrap{}
		return s.active, nil
	case twoTraps:
		t.slots = oneTrap{active: s.saved}
		return s.active, nil
	default:
		panic(fmt.Sprintf("trpm: impossible slot state %T", s))
	}
}

// Clear drops every pending event, e.g. on reset.
func (t *Trap) Clear() {
	t.slots = noTrap{}
	t.hasPrev = false
	t.prevVector = 0
}

// QueryActiveTrap returns the event to deliver next. ErrNoActiveTrap is the
// normal answer when nothing is pending.
func (t *Trap) QueryActiveTrap() (Event, error) {
	switch s := t.slots.(type) {
	case oneTrap:
		return s.active, nil
	case twoTraps:
		return s.active, nil
	default:
		return Event{}, ErrNoActiveTrap
	}
}

// Saved returns the event queued behind the active one.
func (t *Trap) Saved() (Event, bool) {
	if s, ok := t.slots.(twoTraps); ok {
		return s.saved, true
	}
	return Event{}, false
}

// PrevVector is the vector of the event delivered last.
func (t *Trap) PrevVector() (uint8, bool) {
	return t.prevVector, t.hasPrev
}

// Stats counts injected vectors. The counters are updated atomically so one
// Stats can serve every VCpu.
type Stats struct {
	vectors [256]atomic.Uint64
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) count(vector uint8) { s.vectors[vector].Add(1) }

func (s *Stats) Count(vector uint8) uint64 { return s.vectors[vector].Load() }

// Dump writes the non-zero counters.
func (s *Stats) Dump(w io.Writer) error {
	for v := range s.vectors {
		if n := s.vectors[v].Load(); n != 0 {
			if _, err := fmt.Fprintf(w, "  vector %#04x: %d\n", v, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dump writes the slots. An empty trap state is not an error.
func (t *Trap) Dump(w io.Writer) error {
	_, err := fmt.Fprintf(w, "trap state: %s\n", t.State())
	if err != nil {
		return err
	}
	if ev, err := t.QueryActiveTrap(); err == nil {
		if _, err := fmt.Fprintf(w, "  active: %s\n", ev); err != nil {
			return err
		}
	}
	if ev, ok := t.Saved(); ok {
		if _, err := fmt.Fprintf(w, "  saved:  %s\n", ev); err != nil {
			return err
		}
	}
	if v, ok := t.PrevVector(); ok {
		if _, err := fmt.Fprintf(w, "  previous vector: %#x\n", v); err != nil {
			return err
		}
	}
	return nil
}
