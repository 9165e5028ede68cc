package arm64

import (
	"fmt"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/trpm"
)

// Offsets into the VBAR_EL1 vector table.
const (
	vectorCurrentSP0  = 0x000
	vectorCurrentSPx  = 0x200
	vectorLowerA64    = 0x400
	vectorIRQ         = 0x080
	vectorTableSize   = 0x800
	vectorTableAlign  = 0x7ff
	spsrReservedMBits = 0x10
)

// must unwinds the current instruction with the error of a result form
// helper.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

// spBank is the system register holding the stack pointer of the current
// SPSel while it is not live in GPR[31].
func spBank(flags uint64) cpuid.SysRegID {
	if flags&cpum.PStateMask == cpum.PStateEL1h {
		return cpuid.SysRegSP_EL1
	}
	return cpuid.SysRegSP_EL0
}

// switchSP moves the live stack pointer to its bank and loads the one the
// new PSTATE selects.
func switchSP(c *cpum.Context, from, to uint64) error {
	if err := c.SysRegs.Set(spBank(from), c.GPR[cpum.SPIndex]); err != nil {
		return err
	}
	c.GPR[cpum.SPIndex] = c.SysRegs.Value(spBank(to))
	return nil
}

// Deliver takes an exception to EL1. Nothing is read from guest memory, so
// delivery itself cannot fault; a synchronous exception whose handler
// fetch aborts again at the vector table can never make progress and is
// reported as a triple fault.
func (Target) Deliver(v *iem.VCpu, ev trpm.Event) error {
	c := v.Ctx
	regs := &c.SysRegs
	vbar := regs.Value(cpuid.SysRegVBAR_EL1) &^ vectorTableAlign

	ret := c.PC
	if ev.Type == trpm.EventSoftwareInterrupt {
		ret += uint64(ev.InstrLength)
	}
	if ev.Type == trpm.EventTrap {
		ec := ev.ErrorCode >> 26
		if (ec == ecInstrAbort || ec == ecInstrAbortLo) && ret >= vbar && ret < vbar+vectorTableSize {
			return fmt.Errorf("%w: %s at the vector table %#x", trpm.ErrTripleFault, ev, vbar)
		}
	}

	var off uint64
	switch c.Flags & cpum.PStateMask {
	case cpum.PStateEL0t:
		off = vectorLowerA64
	case cpum.PStateEL1t:
		off = vectorCurrentSP0
	default:
		off = vectorCurrentSPx
	}

	writes := []cpuid.SysReg{
		{ID: cpuid.SysRegSPSR_EL1, Value: c.Flags},
		{ID: cpuid.SysRegELR_EL1, Value: ret},
	}
	if ev.Type == trpm.EventHardwareInterrupt {
		off += vectorIRQ
		writes = append(writes, cpuid.SysReg{ID: cpuid.SysRegICC_IAR1_EL1, Value: uint64(ev.Vector)})
	} else {
		writes = append(writes, cpuid.SysReg{ID: cpuid.SysRegESR_EL1, Value: uint64(ev.ErrorCode)})
		switch ev.ErrorCode >> 26 {
		case ecInstrAbort, ecInstrAbortLo, ecDataAbort, ecDataAbortLo, ecPCAlign:
			writes = append(writes, cpuid.SysReg{ID: cpuid.SysRegFAR_EL1, Value: ev.FaultAddress})
		}
	}
	for _, w := range writes {
		if err := regs.Set(w.ID, w.Value); err != nil {
			return err
		}
	}

	flags := c.Flags&cpum.PStateNZCV | cpum.PStateDAIF | cpum.PStateEL1h
	if err := switchSP(c, c.Flags, flags); err != nil {
		return err
	}
	c.Flags = flags
	c.PC = vbar + off
	v.Monitor.Valid = false
	return nil
}

// opEret returns from an exception: PSTATE from SPSR_EL1 and the PC from
// ELR_EL1. An SPSR naming an EL or state this CPU does not have is an
// illegal return and faults.
func opEret(v *iem.VCpu, _ *iem.Call) {
	c := v.Ctx
	requireEL1(v)
	spsr := c.SysRegs.Value(cpuid.SysRegSPSR_EL1)
	if spsr&spsrReservedMBits != 0 {
		raise(v, iem.Undefined())
	}
	switch spsr & cpum.PStateMask {
	case cpum.PStateEL0t, cpum.PStateEL1t, cpum.PStateEL1h:
	default:
		raise(v, iem.Undefined())
	}
	flags := spsr & (cpum.PStateNZCV | cpum.PStateDAIF | cpum.PStateMask)
	must(switchSP(c, c.Flags, flags))
	c.Flags = flags
	v.SetPC(c.SysRegs.Value(cpuid.SysRegELR_EL1))
	v.Monitor.Valid = false
}
