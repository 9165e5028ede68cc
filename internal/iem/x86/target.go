// Package x86 is the x86-64 instruction set for the emulation engine. It
// decodes the integer subset a kernel entry path needs (moves, arithmetic,
// branches, the stack, string moves, port I/O, system instructions and the
// SSE moves compilers emit for memcpy) into threaded calls, and delivers
// interrupts through the real mode IVT or the protected and long mode IDT.
package x86

import (
	"errors"
	"fmt"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/trpm"
)

var ErrUnsupportedPaging = errors.New("unsupported x86 paging mode")

// MaxInstrLen is the architectural instruction length limit.
const MaxInstrLen = 15

// Target implements iem.Target for x86-64 guests.
type Target struct{}

var _ iem.Target = Target{}

func New() Target { return Target{} }

func (Target) Arch() hv.CpuArchitecture  { return hv.ArchitectureX86_64 }
func (Target) Functions() []iem.FuncInfo { return funcs[:] }
func (Target) MaxInstrLen() int          { return MaxInstrLen }

func (Target) Decode(d *iem.Decoder, e *iem.Emitter) iem.InstrFlags {
	return decode(d, e)
}

// ModeTag covers the execution mode, the CPL and the default operand size
// of the code segment. Everything else is checked when the calls run.
func (Target) ModeTag(v *iem.VCpu) uint32 {
	tag := uint32(v.Ctx.Mode()) | uint32(v.Ctx.CPL())<<8
	if v.Ctx.Seg[cpum.SegCS].Default32() {
		tag |= modeTagDefault32
	}
	return tag
}

const modeTagDefault32 = 1 << 10

func (Target) Paging(v *iem.VCpu) (*pgm.Paging, error) {
	c := v.Ctx
	if c.CR0&cpum.CR0PG == 0 {
		return &pgm.Paging{Mode: pgm.PagingOff}, nil
	}
	if c.EFER&cpum.EFERLMA == 0 {
		return nil, fmt.Errorf("%w: legacy paging (cr0=%#x cr4=%#x)", ErrUnsupportedPaging, c.CR0, c.CR4)
	}
	return &pgm.Paging{
		Mode:         pgm.PagingAMD64,
		Root:         c.CR3 &^ 0xfff,
		WriteProtect: c.CR0&cpum.CR0WP != 0,
		NoExecute:    c.EFER&cpum.EFERNXE != 0,
	}, nil
}

func (Target) InterruptsEnabled(v *iem.VCpu) bool { return v.Ctx.InterruptsEnabled() }

func (Target) Raise(t *trpm.Trap, ev trpm.Event) error { return trpm.RaiseX86(t, ev) }

// Page fault error code bits.
const (
	pfPresent = 1 << 0
	pfWrite   = 1 << 1
	pfUser    = 1 << 2
	pfFetch   = 1 << 4
)

// Event maps an engine fault to its x86 exception.
func (Target) Event(v *iem.VCpu, f *iem.Fault) trpm.Event {
	trap := func(vector uint8, code uint32) trpm.Event {
		return trpm.Event{Vector: vector, Type: trpm.EventTrap, ErrorCode: code, HasErrorCode: trpm.X86HasErrorCode(vector)}
	}
	switch f.Kind {
	case iem.FaultPage:
		var code uint32
		if f.Walk != pgm.FaultTranslation {
			code |= pfPresent
		}
		if f.Access&pgm.AccessWrite != 0 {
			code |= pfWrite
		}
		if f.Access&pgm.AccessUser != 0 {
			code |= pfUser
		}
		if f.Access&pgm.AccessExec != 0 && v.Ctx.EFER&cpum.EFERNXE != 0 {
			code |= pfFetch
		}
		ev := trap(trpm.VectorPF, code)
		ev.FaultAddress = f.Addr
		return ev
	case iem.FaultStack:
		return trap(trpm.VectorSS, f.Code)
	case iem.FaultUndefined:
		return trap(trpm.VectorUD, 0)
	case iem.FaultDivide:
		return trap(trpm.VectorDE, 0)
	case iem.FaultDeviceNotAvailable:
		return trap(trpm.VectorNM, 0)
	case iem.FaultBreakpoint:
		return trpm.Event{Vector: trpm.VectorBP, Type: trpm.EventSoftwareInterrupt, InstrLength: f.InstrLen}
	case iem.FaultSoftwareInterrupt:
		return trpm.Event{Vector: f.Vector, Type: trpm.EventSoftwareInterrupt, InstrLength: f.InstrLen}
	case iem.FaultGeneralProtection:
		return trap(trpm.VectorGP, f.Code)
	default:
		// Alignment checks are not enabled and unbacked guest physical
		// addresses have no device behind them.
		return trap(trpm.VectorGP, 0)
	}
}
