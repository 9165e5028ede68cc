package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/iem"
)

var ErrUnknownRegister = errors.New("register not available on this architecture")

var arm64SysRegs = map[hv.Register]cpuid.SysRegID{
	hv.RegisterARM64Vbar:     cpuid.SysRegVBAR_EL1,
	hv.RegisterARM64ElrEL1:   cpuid.SysRegELR_EL1,
	hv.RegisterARM64SpsrEL1:  cpuid.SysRegSPSR_EL1,
	hv.RegisterARM64EsrEL1:   cpuid.SysRegESR_EL1,
	hv.RegisterARM64FarEL1:   cpuid.SysRegFAR_EL1,
	hv.RegisterARM64SctlrEL1: cpuid.SysRegSCTLR_EL1,
	hv.RegisterARM64Ttbr0EL1: cpuid.SysRegTTBR0_EL1,
	hv.RegisterARM64TcrEL1:   cpuid.SysRegTCR_EL1,
}

// field returns the context slot backing r, or nil when r is a system
// register or does not exist on the architecture.
func field(c *cpum.Context, r hv.Register) *uint64 {
	switch c.Arch() {
	case hv.ArchitectureX86_64:
		switch {
		case r >= hv.RegisterAMD64Rax && r <= hv.RegisterAMD64R15:
			return &c.GPR[r-hv.RegisterAMD64Rax]
		case r == hv.RegisterAMD64Rip:
			return &c.PC
		case r == hv.RegisterAMD64Rflags:
			return &c.Flags
		case r == hv.RegisterAMD64Cr0:
			return &c.CR0
		case r == hv.RegisterAMD64Cr2:
			return &c.CR2
		case r == hv.RegisterAMD64Cr3:
			return &c.CR3
		case r == hv.RegisterAMD64Cr4:
			return &c.CR4
		case r == hv.RegisterAMD64Efer:
			return &c.EFER
		}
	case hv.ArchitectureARM64:
		switch {
		case r >= hv.RegisterARM64X0 && r <= hv.RegisterARM64X30:
			return &c.GPR[r-hv.RegisterARM64X0]
		case r == hv.RegisterARM64Sp:
			return &c.GPR[cpum.SPIndex]
		case r == hv.RegisterARM64Pc:
			return &c.PC
		case r == hv.RegisterARM64Pstate:
			return &c.Flags
		}
	}
	return nil
}

// vcpu exposes an engine VCpu through hv.VirtualCPU.
type vcpu struct{ v *iem.VCpu }

var _ hv.VirtualCPU = (*vcpu)(nil)

func (c *vcpu) ID() int                          { return c.v.ID }
func (c *vcpu) Architecture() hv.CpuArchitecture { return c.v.Ctx.Arch() }
func (c *vcpu) Run(ctx context.Context) error    { return c.v.Run(ctx) }
func (c *vcpu) Kick()                            { c.v.Kick() }

func (c *vcpu) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	ctx := c.v.Ctx
	for r := range regs {
		if p := field(ctx, r); p != nil {
			regs[r] = hv.Register64(*p)
			continue
		}
		id, ok := arm64SysRegs[r]
		if !ok || ctx.Arch() != hv.ArchitectureARM64 {
			return fmt.Errorf("get register %d: %w", r, ErrUnknownRegister)
		}
		regs[r] = hv.Register64(ctx.SysRegs.Value(id))
	}
	return nil
}

// SetRegisters writes registers while the VCpu is stopped. Cached
// translations are dropped afterwards.
func (c *vcpu) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	ctx := c.v.Ctx
	for r, val := range regs {
		x, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("set register %d: unsupported value %T", r, val)
		}
		if p := field(ctx, r); p != nil {
			*p = uint64(x)
			continue
		}
		id, ok := arm64SysRegs[r]
		if !ok || ctx.Arch() != hv.ArchitectureARM64 {
			return fmt.Errorf("set register %d: %w", r, ErrUnknownRegister)
		}
		if err := ctx.SysRegs.Set(id, uint64(x)); err != nil {
			return fmt.Errorf("set register %d: %w", r, err)
		}
	}
	c.v.ContextChanged()
	return nil
}
