// Package arm64 is the AArch64 instruction set for the emulation engine. It
// covers the integer instructions of EL0 and EL1, the loads and stores
// including the exclusive and LSE atomic forms, the system register
// interface, and the SIMD&FP moves compilers emit for memcpy and memset.
// Exceptions are taken to EL1 through VBAR_EL1. PSCI calls and
// semihosting are answered by the emulator itself.
package arm64

import (
	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/trpm"
)

// InstrLen is the size of every A64 instruction.
const InstrLen = 4

// Target implements iem.Target for AArch64 guests.
type Target struct{}

var _ iem.Target = Target{}

func New() Target { return Target{} }

func (Target) Arch() hv.CpuArchitecture  { return hv.ArchitectureARM64 }
func (Target) Functions() []iem.FuncInfo { return funcs[:] }
func (Target) MaxInstrLen() int          { return InstrLen }

func (Target) Decode(d *iem.Decoder, e *iem.Emitter) iem.InstrFlags {
	return decode(d, e)
}

// ModeTag is the exception level. SIMD&FP access and alignment are
// checked when the calls run.
func (Target) ModeTag(v *iem.VCpu) uint32 { return uint32(v.Ctx.Mode()) }

const sctlrM = 1 << 0

func (Target) Paging(v *iem.VCpu) (*pgm.Paging, error) {
	regs := &v.Ctx.SysRegs
	if regs.Value(cpuid.SysRegSCTLR_EL1)&sctlrM == 0 {
		return &pgm.Paging{Mode: pgm.PagingOff}, nil
	}
	return &pgm.Paging{
		Mode:  pgm.PagingARM64,
		Root:  regs.Value(cpuid.SysRegTTBR0_EL1),
		Root1: regs.Value(cpuid.SysRegTTBR1_EL1),
		TCR:   regs.Value(cpuid.SysRegTCR_EL1),
	}, nil
}

// tcr48 selects 48-bit regions with the 4 KiB granule for both TTBRs.
const tcr48 = 16 | 16<<16

// EnableMMU turns on stage 1 translation through the tables at ttbr0 and
// stops SIMD&FP accesses from trapping, the state a kernel entered at EL1
// expects.
func EnableMMU(c *cpum.Context, ttbr0 uint64) error {
	regs := &c.SysRegs
	for _, r := range []cpuid.SysReg{
		{ID: cpuid.SysRegTTBR0_EL1, Value: ttbr0},
		{ID: cpuid.SysRegTCR_EL1, Value: tcr48},
		{ID: cpuid.SysRegCPACR_EL1, Value: fpenNoTrap << cpacrFPENShift},
		{ID: cpuid.SysRegSCTLR_EL1, Value: regs.Value(cpuid.SysRegSCTLR_EL1) | sctlrM},
	} {
		if err := regs.Set(r.ID, r.Value); err != nil {
			return err
		}
	}
	return nil
}

func (Target) InterruptsEnabled(v *iem.VCpu) bool { return v.Ctx.InterruptsEnabled() }

func (Target) Raise(t *trpm.Trap, ev trpm.Event) error { return trpm.RaiseARM64(t, ev) }

// Exception classes of ESR_EL1.
const (
	ecUnknown      = 0x00
	ecFPAccess     = 0x07
	ecSVC          = 0x15
	ecInstrAbortLo = 0x20
	ecInstrAbort   = 0x21
	ecPCAlign      = 0x22
	ecDataAbortLo  = 0x24
	ecDataAbort    = 0x25
	ecSPAlign      = 0x26
	ecBRK          = 0x3c

	esrIL  = 1 << 25
	esrWnR = 1 << 6

	fscTranslation = 0x04
	fscAccessFlag  = 0x08
	fscPermission  = 0x0c
	fscExternal    = 0x10
	fscAlignment   = 0x21
)

func syndrome(ec uint32, iss uint32) uint32 { return ec<<26 | esrIL | iss&0x1ffffff }

// Event maps an engine fault to a synchronous exception. The vector number
// is unused for them; the syndrome travels as the error code and FAR as the
// fault address.
func (Target) Event(v *iem.VCpu, f *iem.Fault) trpm.Event {
	el0 := v.Ctx.Mode() == cpum.ModeARM64EL0
	sync := func(esr uint32) trpm.Event {
		return trpm.Event{Type: trpm.EventTrap, ErrorCode: esr, HasErrorCode: true}
	}
	abort := func(fsc uint32) trpm.Event {
		ec := uint32(ecDataAbort)
		if f.Access&pgm.AccessExec != 0 {
			ec = ecInstrAbort
		} else if f.Access&pgm.AccessWrite != 0 {
			fsc |= esrWnR
		}
		if el0 {
			// The lower EL classes are one below their same EL twins.
			ec--
		}
		ev := sync(syndrome(ec, fsc))
		ev.FaultAddress = f.Addr
		return ev
	}
	switch f.Kind {
	case iem.FaultPage:
		level := uint32(max(f.Level, 0))
		switch f.Walk {
		case pgm.FaultAccessFlag:
			return abort(fscAccessFlag + level)
		case pgm.FaultPermission:
			return abort(fscPermission + level)
		default:
			return abort(fscTranslation + level)
		}
	case iem.FaultAccessDenied:
		return abort(fscExternal)
	case iem.FaultAlignment:
		if f.Access&pgm.AccessExec != 0 {
			ev := sync(syndrome(ecPCAlign, 0))
			ev.FaultAddress = f.Addr
			return ev
		}
		return abort(fscAlignment)
	case iem.FaultDeviceNotAvailable:
		return sync(syndrome(ecFPAccess, 0))
	case iem.FaultStack:
		return sync(syndrome(ecSPAlign, 0))
	case iem.FaultBreakpoint:
		return sync(syndrome(ecBRK, f.Code))
	case iem.FaultSystemCall, iem.FaultSoftwareInterrupt:
		return trpm.Event{
			Type:         trpm.EventSoftwareInterrupt,
			ErrorCode:    syndrome(ecSVC, f.Code),
			HasErrorCode: true,
			InstrLength:  InstrLen,
		}
	default:
		return sync(syndrome(ecUnknown, 0))
	}
}
