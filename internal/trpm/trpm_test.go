package trpm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/ssm"
)

type fakePIC struct {
	pending []uint8
	acks    int
}

func (p *fakePIC) GetNextPendingVector() (uint8, bool) {
	if len(p.pending) == 0 {
		return 0, false
	}
	v := p.pending[0]
	p.pending = p.pending[1:]
	p.acks++
	return v, true
}

func pageFault(addr uint64) Event {
	return Event{Vector: VectorPF, Type: EventTrap, HasErrorCode: true, ErrorCode: 2, FaultAddress: addr}
}

func TestTrapNesting(t *testing.T) {
	tr := New(nil)
	if tr.State() != NoActiveTrap {
		t.Fatalf("initial state = %s", tr.State())
	}

	first := Event{Vector: 0x20, Type: EventHardwareInterrupt}
	second := pageFault(0x1000)
	third := Event{Vector: VectorGP, Type: EventTrap, HasErrorCode: true}

	if err := tr.Inject(first); err != nil {
		t.Fatalf("inject first: %v", err)
	}
	if err := tr.Inject(second); err != nil {
		t.Fatalf("inject second: %v", err)
	}
	err := tr.Inject(third)
	if !errors.Is(err, ErrTripleFault) {
		t.Fatalf("inject third: got %v, want ErrTripleFault", err)
	}

	if tr.State() != TrapActiveWithSaved {
		t.Fatalf("state after triple fault = %s", tr.State())
	}
	active, err := tr.QueryActiveTrap()
	if err != nil || active != second {
		t.Fatalf("active = %v, %v; want %v", active, err, second)
	}
	saved, ok := tr.Saved()
	if !ok || saved != first {
		t.Fatalf("saved = %v, %v; want %v", saved, ok, first)
	}
}

func TestInterruptThenPageFault(t *testing.T) {
	stats := NewStats()
	tr := New(stats)
	pic := &fakePIC{pending: []uint8{0x30}}

	res, err := InjectHardwareInterrupt(tr, pic, ResumeThreaded)
	if err != nil {
		t.Fatalf("InjectHardwareInterrupt: %v", err)
	}
	if !res.Injected || res.Vector != 0x30 || res.Resume != ResumeThreaded {
		t.Fatalf("result = %+v", res)
	}
	if tr.State() != TrapActive {
		t.Fatalf("state = %s, want active", tr.State())
	}

	pf := pageFault(0xdead000)
	if err := RaiseX86(tr, pf); err != nil {
		t.Fatalf("RaiseX86: %v", err)
	}
	if tr.State() != TrapActiveWithSaved {
		t.Fatalf("state = %s, want active+saved", tr.State())
	}

	var order []uint8
	for tr.State() != NoActiveTrap {
		ev, err := tr.QueryActiveTrap()
		if err != nil {
			t.Fatalf("QueryActiveTrap: %v", err)
		}
		order = append(order, ev.Vector)
		if err := tr.Delivered(); err != nil {
			t.Fatalf("Delivered: %v", err)
		}
	}
	if len(order) != 2 || order[0] != VectorPF || order[1] != 0x30 {
		t.Fatalf("delivery order = %v, want [%#x 0x30]", order, VectorPF)
	}
	if v, ok := tr.PrevVector(); !ok || v != 0x30 {
		t.Fatalf("PrevVector = %#x, %v", v, ok)
	}
	if got := stats.Count(0x30); got != 1 {
		t.Fatalf("vector 0x30 count = %d", got)
	}
	if got := stats.Count(VectorPF); got != 1 {
		t.Fatalf("page fault count = %d", got)
	}
}

func TestQueryEmpty(t *testing.T) {
	tr := New(nil)
	if _, err := tr.QueryActiveTrap(); !errors.Is(err, ErrNoActiveTrap) {
		t.Fatalf("QueryActiveTrap = %v", err)
	}
	if err := tr.Delivered(); !errors.Is(err, ErrNoActiveTrap) {
		t.Fatalf("Delivered = %v", err)
	}
	if _, ok := tr.Saved(); ok {
		t.Fatal("Saved reported an event on an empty trap")
	}
}

func TestInjectHardwareInterruptNothingPending(t *testing.T) {
	tr := New(NewStats())
	pic := &fakePIC{}
	res, err := InjectHardwareInterrupt(tr, pic, ResumeInterpreter)
	if err != nil {
		t.Fatalf("InjectHardwareInterrupt: %v", err)
	}
	if res.Injected {
		t.Fatalf("result = %+v, want nothing injected", res)
	}
	if tr.State() != NoActiveTrap {
		t.Fatalf("state = %s", tr.State())
	}
}

func TestInjectHardwareInterruptBusy(t *testing.T) {
	tr := New(nil)
	if err := tr.Inject(pageFault(0)); err != nil {
		t.Fatal(err)
	}
	pic := &fakePIC{pending: []uint8{0x40}}
	res, err := InjectHardwareInterrupt(tr, pic, ResumeInterpreter)
	if err != nil {
		t.Fatalf("InjectHardwareInterrupt: %v", err)
	}
	if res.Injected {
		t.Fatalf("injected while a trap was active: %+v", res)
	}
	if pic.acks != 0 {
		t.Fatalf("controller acknowledged %d vectors", pic.acks)
	}
}

func TestCombineX86(t *testing.T) {
	gp := Event{Vector: VectorGP, Type: EventTrap, HasErrorCode: true}
	ts := Event{Vector: VectorTS, Type: EventTrap, HasErrorCode: true}
	pf := pageFault(0x2000)
	ud := Event{Vector: VectorUD, Type: EventTrap}
	irq := Event{Vector: VectorGP, Type: EventHardwareInterrupt}
	df := DoubleFault()

	for _, tt := range []struct {
		name          string
		first, second Event
		want          Combination
		triple        bool
	}{
		{"benign then contributory", ud, gp, CombineSerial, false},
		{"contributory then contributory", ts, gp, CombineDoubleFault, false},
		{"contributory then page fault", gp, pf, CombineSerial, false},
		{"page fault then page fault", pf, pf, CombineDoubleFault, false},
		{"page fault then contributory", pf, gp, CombineDoubleFault, false},
		{"page fault then benign", pf, ud, CombineSerial, false},
		{"interrupt with exception vector is benign", irq, gp, CombineSerial, false},
		{"double fault then page fault", df, pf, 0, true},
		{"double fault then benign", df, ud, CombineSerial, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CombineX86(tt.first, tt.second)
			if tt.triple {
				if !errors.Is(err, ErrTripleFault) {
					t.Fatalf("err = %v, want ErrTripleFault", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("combination = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRaiseX86Escalation(t *testing.T) {
	tr := New(NewStats())
	if err := RaiseX86(tr, pageFault(0x1000)); err != nil {
		t.Fatal(err)
	}
	// Delivering the page fault faults again.
	if err := RaiseX86(tr, pageFault(0x2000)); err != nil {
		t.Fatal(err)
	}
	active, _ := tr.QueryActiveTrap()
	if active.Vector != VectorDF || !active.HasErrorCode || active.ErrorCode != 0 {
		t.Fatalf("active = %s, want #DF", active)
	}
	if tr.State() != TrapActive {
		t.Fatalf("state = %s, want active", tr.State())
	}
	// Delivering #DF faults: shutdown.
	if err := RaiseX86(tr, Event{Vector: VectorGP, Type: EventTrap, HasErrorCode: true}); !errors.Is(err, ErrTripleFault) {
		t.Fatalf("err = %v, want ErrTripleFault", err)
	}
}

func TestRaiseX86KeepsSaved(t *testing.T) {
	tr := New(nil)
	irq := Event{Vector: 0x21, Type: EventHardwareInterrupt}
	if err := tr.Inject(irq); err != nil {
		t.Fatal(err)
	}
	if err := RaiseX86(tr, Event{Vector: VectorNP, Type: EventTrap, HasErrorCode: true}); err != nil {
		t.Fatal(err)
	}
	if err := RaiseX86(tr, Event{Vector: VectorGP, Type: EventTrap, HasErrorCode: true}); err != nil {
		t.Fatal(err)
	}
	active, _ := tr.QueryActiveTrap()
	saved, ok := tr.Saved()
	if active.Vector != VectorDF || !ok || saved != irq {
		t.Fatalf("active = %s saved = %s (%v)", active, saved, ok)
	}
}

func TestRaiseARM64(t *testing.T) {
	tr := New(nil)
	irq := Event{Vector: 1, Type: EventHardwareInterrupt}
	abort := Event{Vector: 0, Type: EventTrap, ErrorCode: 0x96000007, FaultAddress: 0x8000}
	if err := tr.Inject(irq); err != nil {
		t.Fatal(err)
	}
	// Entering the IRQ handler faults: the abort takes its place.
	if err := RaiseARM64(tr, abort); err != nil {
		t.Fatal(err)
	}
	if active, _ := tr.QueryActiveTrap(); active != abort || tr.State() != TrapActive {
		t.Fatalf("active = %s, state %s", active, tr.State())
	}
	// Entering the abort handler faults as well.
	if err := RaiseARM64(tr, abort); !errors.Is(err, ErrTripleFault) {
		t.Fatalf("err = %v, want ErrTripleFault", err)
	}
	if err := tr.Delivered(); err != nil || tr.State() != NoActiveTrap {
		t.Fatalf("delivered: %v, state %s", err, tr.State())
	}
	if err := RaiseARM64(tr, abort); err != nil || tr.State() != TrapActive {
		t.Fatalf("raise on empty slots: %v, state %s", err, tr.State())
	}
}

func TestDump(t *testing.T) {
	stats := NewStats()
	tr := New(stats)
	_ = tr.Inject(Event{Vector: 0x20, Type: EventHardwareInterrupt})
	_ = tr.Inject(pageFault(0xcafe000))

	var buf bytes.Buffer
	if err := tr.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"active+saved", "vector 0xe (trap) err=0x2 addr=0xcafe000", "saved:  vector 0x20 (hardware-interrupt)"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := stats.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "vector 0x20: 1") {
		t.Errorf("stats dump = %q", buf.String())
	}

	buf.Reset()
	if err := New(nil).Dump(&buf); err != nil {
		t.Fatalf("empty dump: %v", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	traps := []*Trap{New(nil), New(nil), New(nil)}
	_ = traps[0].Inject(Event{Vector: 0x20, Type: EventHardwareInterrupt})
	_ = traps[0].Inject(pageFault(0x4000))
	_ = traps[1].Inject(Event{Vector: 0x80, Type: EventSoftwareInterrupt, InstrLength: 2})
	_ = traps[1].Inject(Event{Vector: 3, Type: EventTrap})
	_ = traps[1].Delivered()

	reg := ssm.NewRegistry(hv.ArchitectureX86_64)
	if err := reg.Register(NewUnit(traps)); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := reg.Save(&buf, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := []*Trap{New(nil), New(nil), New(nil)}
	_ = restored[2].Inject(pageFault(0x9000))
	reg2 := ssm.NewRegistry(hv.ArchitectureX86_64)
	if err := reg2.Register(NewUnit(restored)); err != nil {
		t.Fatal(err)
	}
	if err := reg2.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i := range traps {
		if traps[i].State() != restored[i].State() {
			t.Fatalf("vcpu %d: state %s != %s", i, restored[i].State(), traps[i].State())
		}
		a1, _ := traps[i].QueryActiveTrap()
		a2, _ := restored[i].QueryActiveTrap()
		s1, _ := traps[i].Saved()
		s2, _ := restored[i].Saved()
		if a1 != a2 || s1 != s2 {
			t.Fatalf("vcpu %d: events differ: %v/%v vs %v/%v", i, a2, s2, a1, s1)
		}
		p1, ok1 := traps[i].PrevVector()
		p2, ok2 := restored[i].PrevVector()
		if p1 != p2 || ok1 != ok2 {
			t.Fatalf("vcpu %d: prev vector %#x/%v vs %#x/%v", i, p2, ok2, p1, ok1)
		}
	}
}

func TestStateCountMismatch(t *testing.T) {
	reg := ssm.NewRegistry(hv.ArchitectureARM64)
	_ = reg.Register(NewUnit([]*Trap{New(nil)}))
	var buf bytes.Buffer
	if err := reg.Save(&buf, nil); err != nil {
		t.Fatal(err)
	}

	reg2 := ssm.NewRegistry(hv.ArchitectureARM64)
	_ = reg2.Register(NewUnit([]*Trap{New(nil), New(nil)}))
	if err := reg2.Load(bytes.NewReader(buf.Bytes())); !errors.Is(err, ssm.ErrMissingState) {
		t.Fatalf("Load = %v, want ErrMissingState", err)
	}
}

func TestWithdrawPromotesSaved(t *testing.T) {
	tr := New(nil)
	irq := Event{Vector: 0x20, Type: EventHardwareInterrupt}
	gp := Event{Vector: VectorGP, Type: EventTrap, HasErrorCode: true, ErrorCode: 0x103}
	if _, err := tr.Withdraw(); !errors.Is(err, ErrNoActiveTrap) {
		t.Fatalf("withdraw from empty state: %v", err)
	}
	if err := tr.Inject(irq); err != nil {
		t.Fatal(err)
	}
	if err := RaiseX86(tr, gp); err != nil {
		t.Fatal(err)
	}
	if err := tr.Delivered(); err != nil {
		t.Fatal(err)
	}
	ev, err := tr.Withdraw()
	if err != nil || ev != irq {
		t.Fatalf("withdraw = %v, %v; want %v", ev, err, irq)
	}
	if tr.State() != NoActiveTrap {
		t.Fatalf("state = %s", tr.State())
	}
	if prev, ok := tr.PrevVector(); !ok || prev != VectorGP {
		t.Errorf("prev vector = %#x, %v; a withdrawn event is not delivered", prev, ok)
	}
}
