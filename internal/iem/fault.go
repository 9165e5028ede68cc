package iem

import (
	"errors"
	"fmt"

	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/pgm"
)

var (
	ErrGuruMeditation  = errors.New("guru meditation")
	ErrHalted          = fmt.Errorf("guest requested shutdown: %w", hv.ErrVMHalted)
	ErrInterrupted     = hv.ErrInterrupted
	ErrTooManyMappings = errors.New("too many active memory mappings")
	ErrInternal        = errors.New("internal emulator error")
)

// FaultKind is the class of a guest-visible fault.
type FaultKind uint8

const (
	FaultPage FaultKind = iota
	FaultAlignment
	FaultAccessDenied
	FaultGeneralProtection
	FaultStack
	FaultUndefined
	FaultBreakpoint
	FaultSoftwareInterrupt
	FaultDivide
	FaultDeviceNotAvailable
	FaultSystemCall
)

var faultNames = [...]string{
	FaultPage:               "page-fault",
	FaultAlignment:          "alignment",
	FaultAccessDenied:       "access-denied",
	FaultGeneralProtection:  "general-protection",
	FaultStack:              "stack",
	FaultUndefined:          "undefined-opcode",
	FaultBreakpoint:         "breakpoint",
	FaultSoftwareInterrupt:  "software-interrupt",
	FaultDivide:             "divide-error",
	FaultDeviceNotAvailable: "device-not-available",
	FaultSystemCall:         "system-call",
}

func (k FaultKind) String() string {
	if int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("fault(%d)", uint8(k))
}

// Fault is a guest exception raised by an instruction or a memory access.
// The target turns it into an event for the trap manager.
type Fault struct {
	Kind FaultKind
	// Addr is the faulting linear address for memory faults.
	Addr   uint64
	Access pgm.Access
	// Walk is set for page faults.
	Walk pgm.FaultKind
	// Level is the table level a page walk stopped at.
	Level int
	// Code is the x86 error code (selector) or the arm64 instruction
	// specific syndrome.
	Code uint32
	// Vector is the software interrupt number or the svc/hvc immediate.
	Vector uint8
	// InstrLen is the length of the instruction raising a trap-like fault.
	InstrLen uint8
}

var _ error = &Fault{}

func (f *Fault) Error() string {
	switch f.Kind {
	case FaultPage:
		return fmt.Sprintf("%s at %#x (%s, %s)", f.Kind, f.Addr, f.Access, f.Walk)
	case FaultAlignment, FaultAccessDenied:
		return fmt.Sprintf("%s at %#x (%s)", f.Kind, f.Addr, f.Access)
	case FaultSoftwareInterrupt, FaultSystemCall:
		return fmt.Sprintf("%s %#x", f.Kind, f.Vector)
	case FaultGeneralProtection, FaultStack:
		return fmt.Sprintf("%s (code %#x)", f.Kind, f.Code)
	default:
		return f.Kind.String()
	}
}

// GP returns a general protection fault with the given error code.
func GP(code uint32) *Fault { return &Fault{Kind: FaultGeneralProtection, Code: code} }

// Undefined returns an undefined opcode fault.
func Undefined() *Fault { return &Fault{Kind: FaultUndefined} }

func pageFault(addr uint64, wf pgm.WalkFault) *Fault {
	return &Fault{Kind: FaultPage, Addr: addr, Access: wf.Access, Walk: wf.Kind, Level: wf.Level}
}

// internalError marks a failure of the emulator itself, as opposed to a
// guest exception. It always ends in a guru meditation.
type internalError struct{ err error }

func (e internalError) Error() string { return e.err.Error() }
func (e internalError) Unwrap() error { return e.err }

func internalf(format string, args ...any) error {
	return internalError{fmt.Errorf("%w: "+format, append([]any{ErrInternal}, args...)...)}
}

// replayStop is the panic value used by guards to leave a block at an
// instruction boundary.
type replayStop uint8

const (
	stopGuard replayStop = iota + 1
	stopPending
)
