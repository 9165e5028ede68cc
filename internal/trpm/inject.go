package trpm

import "fmt"

// PendingVectorSource is the platform interrupt controller as seen by the
// trap manager. GetNextPendingVector acknowledges the vector it returns.
type PendingVectorSource interface {
	GetNextPendingVector() (vector uint8, ok bool)
}

// ResumePath tells the dispatch loop how to continue after an injection.
type ResumePath uint8

const (
	// ResumeThreaded re-enters translated block lookup at the handler.
	ResumeThreaded ResumePath = iota
	// ResumeInterpreter single-steps the handler entry.
	ResumeInterpreter
)

func (p ResumePath) String() string {
	if p == ResumeThreaded {
		return "threaded"
	}
	return "interpreter"
}

// InjectResult describes an InjectHardwareInterrupt call. Injected is false
// when nothing was pending; that is not an error.
type InjectResult struct {
	Injected bool
	Vector   uint8
	Resume   ResumePath
}

// InjectHardwareInterrupt takes the next pending vector from src and makes
// it the active event. The controller is only consulted when no event is
// active, so an interrupt is never acknowledged without a slot for it.
// current is the path the VCpu was executing on.
func InjectHardwareInterrupt(t *Trap, src PendingVectorSource, current ResumePath) (InjectResult, error) {
	if t.State() != NoActiveTrap {
		return InjectResult{}, nil
	}
	vector, ok := src.GetNextPendingVector()
	if !ok {
		return InjectResult{}, nil
	}
	if err := t.Inject(Event{Vector: vector, Type: EventHardwareInterrupt}); err != nil {
		return InjectResult{}, fmt.Errorf("inject vector %#x: %w", vector, err)
	}
	return InjectResult{Injected: true, Vector: vector, Resume: current}, nil
}

// x86 exception vectors.
const (
	VectorDE  = 0
	VectorDB  = 1
	VectorNMI = 2
	VectorBP  = 3
	VectorOF  = 4
	VectorBR  = 5
	VectorUD  = 6
	VectorNM  = 7
	VectorDF  = 8
	VectorTS  = 10
	VectorNP  = 11
	VectorSS  = 12
	VectorGP  = 13
	VectorPF  = 14
	VectorMF  = 16
	VectorAC  = 17
	VectorMC  = 18
	VectorXM  = 19
)

// X86HasErrorCode reports whether the exception pushes an error code.
func X86HasErrorCode(vector uint8) bool {
	switch vector {
	case VectorDF, VectorTS, VectorNP, VectorSS, VectorGP, VectorPF, VectorAC:
		return true
	}
	return false
}

type faultClass uint8

const (
	classBenign faultClass = iota
	classContributory
	classPageFault
	classDoubleFault
)

func classifyX86(ev Event) faultClass {
	if ev.Type != EventTrap {
		return classBenign
	}
	switch ev.Vector {
	case VectorDE, VectorTS, VectorNP, VectorSS, VectorGP:
		return classContributory
	case VectorPF:
		return classPageFault
	case VectorDF:
		return classDoubleFault
	}
	return classBenign
}

// Combination is how two x86 exceptions raised back to back are handled.
type Combination uint8

const (
	// CombineSerial delivers the second exception after the first.
	CombineSerial Combination = iota
	// CombineDoubleFault replaces both with #DF.
	CombineDoubleFault
)

// CombineX86 decides what happens when second is raised while first is
// being delivered. A fault while delivering #DF returns ErrTripleFault.
func CombineX86(first, second Event) (Combination, error) {
	a, b := classifyX86(first), classifyX86(second)
	switch a {
	case classDoubleFault:
		if b != classBenign {
			return 0, fmt.Errorf("%w: %s while delivering #DF", ErrTripleFault, second)
		}
	case classContributory:
		if b == classContributory {
			return CombineDoubleFault, nil
		}
	case classPageFault:
		if b == classContributory || b == classPageFault {
			return CombineDoubleFault, nil
		}
	}
	return CombineSerial, nil
}

// DoubleFault is the #DF event with its always-zero error code.
func DoubleFault() Event {
	return Event{Vector: VectorDF, Type: EventTrap, HasErrorCode: true}
}

// RaiseX86 injects a fault raised while t may already hold one being
// delivered. Contributory combinations collapse into #DF in place of the
// active event; ErrTripleFault is returned when nothing can be delivered.
func RaiseX86(t *Trap, ev Event) error {
	active, err := t.QueryActiveTrap()
	if err != nil {
		return t.Inject(ev)
	}
	comb, err := CombineX86(active, ev)
	if err != nil {
		return err
	}
	if comb == CombineDoubleFault {
		// The interrupted delivery is abandoned; the saved event survives.
		t.replaceActive(DoubleFault())
		return nil
	}
	return t.Inject(ev)
}

// RaiseARM64 injects a synchronous exception raised while t may hold an
// event being delivered. An interrupted interrupt entry is abandoned in
// favour of the exception. An exception while entering a synchronous
// handler would recur at the same vector forever and returns
// ErrTripleFault.
func RaiseARM64(t *Trap, ev Event) error {
	active, err := t.QueryActiveTrap()
	if err != nil {
		return t.Inject(ev)
	}
	if active.Type != EventHardwareInterrupt {
		return fmt.Errorf("%w: %s while entering the handler of %s", ErrTripleFault, ev, active)
	}
	t.replaceActive(ev)
	return nil
}

func (t *Trap) replaceActive(ev Event) {
	switch s := t.slots.(type) {
	case oneTrap:
		t.slots = oneTrap{active: ev}
	case twoTraps:
		t.slots = twoTraps{active: ev, saved: s.saved}
	default:
		t.slots = oneTrap{active: ev}
	}
	if t.stats != nil {
		t.stats.count(ev.Vector)
	}
}
