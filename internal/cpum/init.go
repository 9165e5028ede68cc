package cpum

import (
	"encoding/binary"

	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
)

const (
	x86ResetCS     = 0xf000
	x86ResetCSBase = 0xffff0000
	x86ResetRIP    = 0xfff0
	x86ResetCR0    = CR0ET | CR0NW | CR0CD
	x86ResetDR6    = 0xffff0ff0
	x86ResetDR7    = 0x400
	x86ResetFCW    = 0x37f
	x86ResetMXCSR  = 0x1f80

	attrCode16 = SegAttrP | SegAttrS | SegAttrCode | SegAttrWritable | SegAttrAccessed // 0x9b
	attrData16 = SegAttrP | SegAttrS | SegAttrWritable | SegAttrAccessed               // 0x93
	attrLDT    = SegAttrP | 0x2
	attrTSS16  = SegAttrP | 0xb

	// sctlrRES1 holds the SCTLR_EL1 bits that read as one out of reset
	// (EIS, EOS, SPAN, nTWE, nTWI, TSCXT, ITD).
	sctlrRES1 = 0x30d00800

	mpidrRES1 = 1 << 31
)

// SpuriousInterrupt is what ICC_IAR1_EL1 reads when no interrupt was
// acknowledged.
const SpuriousInterrupt = 1023

// arm64 registers every context carries. ID registers come on top from the
// guest identification.
var arm64ContextSysRegs = []cpuid.SysRegID{
	cpuid.SysRegSCTLR_EL1,
	cpuid.SysRegCPACR_EL1,
	cpuid.SysRegTTBR0_EL1,
	cpuid.SysRegTTBR1_EL1,
	cpuid.SysRegTCR_EL1,
	cpuid.SysRegSPSR_EL1,
	cpuid.SysRegELR_EL1,
	cpuid.SysRegSP_EL0,
	cpuid.SysRegSP_EL1,
	cpuid.SysRegESR_EL1,
	cpuid.SysRegFAR_EL1,
	cpuid.SysRegMAIR_EL1,
	cpuid.SysRegVBAR_EL1,
	cpuid.SysRegICC_IAR1_EL1,
	cpuid.SysRegTPIDR_EL1,
	cpuid.SysRegTPIDR_EL0,
	cpuid.SysRegCNTFRQ_EL0,
	cpuid.SysRegCNTV_CTL_EL0,
	cpuid.SysRegCNTV_CVAL_EL0,
	cpuid.SysRegMPIDR_EL1,
}

// Reset returns the context to power-on defaults. The shared configuration
// and the buffer sizes are kept.
func (c *Context) Reset() {
	xs, bank := c.XState, c.SysRegs.regs[:0]
	cfg, id := c.cfg, c.cpuID
	*c = Context{XState: xs, cfg: cfg, cpuID: id}
	c.SysRegs.regs = bank
	clear(c.XState)

	switch cfg.Arch {
	case hv.ArchitectureX86_64:
		c.resetX86()
	case hv.ArchitectureARM64:
		c.resetARM64()
	}
}

func (c *Context) resetX86() {
	for i := range c.Seg {
		c.Seg[i] = Segment{Limit: 0xffff, Attr: attrData16}
	}
	c.Seg[SegCS] = Segment{Selector: x86ResetCS, Base: x86ResetCSBase, Limit: 0xffff, Attr: attrCode16}
	c.LDTR = Segment{Limit: 0xffff, Attr: attrLDT}
	c.TR = Segment{Limit: 0xffff, Attr: attrTSS16}
	c.GDTR = DescriptorTable{Limit: 0xffff}
	c.IDTR = DescriptorTable{Limit: 0xffff}

	c.PC = x86ResetRIP
	c.Flags = flagsFixed
	c.CR0 = x86ResetCR0
	c.DR[6] = x86ResetDR6
	c.DR[7] = x86ResetDR7
	c.XCR0 = 1

	// EDX holds the processor signature out of reset.
	if l, ok := c.cfg.Ident.Lookup(1, 0); ok {
		c.GPR[RDX] = uint64(l.EAX)
	} else {
		c.GPR[RDX] = 0x600
	}

	if len(c.XState) >= FXSaveSize {
		binary.LittleEndian.PutUint16(c.XState[xsFCW:], x86ResetFCW)
		binary.LittleEndian.PutUint32(c.XState[xsMXCSR:], x86ResetMXCSR)
		binary.LittleEndian.PutUint32(c.XState[xsMXCSRMsk:], 0xffff)
	}
}

func (c *Context) resetARM64() {
	c.PC = c.cfg.ResetVector
	c.Flags = PStateDAIF | PStateEL1h

	for _, r := range c.cfg.Ident.SysRegs {
		if r.ID.IsIDRegister() || r.ID == cpuid.SysRegCTR_EL0 || r.ID == cpuid.SysRegDCZID_EL0 {
			c.SysRegs.define(r.ID, r.Value, r.Flags)
		}
	}
	for _, id := range arm64ContextSysRegs {
		c.SysRegs.define(id, 0, 0)
	}

	c.SysRegs.define(cpuid.SysRegSCTLR_EL1, sctlrRES1, 0)
	c.SysRegs.define(cpuid.SysRegICC_IAR1_EL1, SpuriousInterrupt, 0)
	c.SysRegs.define(cpuid.SysRegMPIDR_EL1, mpidrRES1|uint64(c.cpuID&0xff), cpuid.SysRegFlagPerCPU)
	if frq, ok := c.cfg.Ident.SysReg(cpuid.SysRegCNTFRQ_EL0); ok {
		c.SysRegs.define(cpuid.SysRegCNTFRQ_EL0, frq, 0)
	}
}

// SetLongMode switches the context to flat 64-bit long mode with paging
// rooted at cr3. The page tables themselves must already be in guest memory.
func (c *Context) SetLongMode(cr3 uint64, codeSelector, dataSelector uint16) {
	c.CR3 = cr3
	c.CR4 |= CR4PAE | CR4OSFXSR | CR4OSXMMEXCPT
	c.CR0 |= CR0PE | CR0MP | CR0ET | CR0NE | CR0WP | CR0AM | CR0PG
	c.CR0 &^= CR0NW | CR0CD
	c.EFER = EFERLME | EFERLMA | EFERNXE | EFERSCE

	// 64-bit code segment (L=1, D=0), flat data segments.
	code := Segment{
		Selector: codeSelector,
		Limit:    0xffffffff,
		Attr:     SegAttrP | SegAttrS | SegAttrCode | SegAttrWritable | SegAttrAccessed | SegAttrL | SegAttrG,
	}
	data := Segment{
		Selector: dataSelector,
		Limit:    0xffffffff,
		Attr:     SegAttrP | SegAttrS | SegAttrWritable | SegAttrAccessed | SegAttrDB | SegAttrG,
	}
	c.Seg[SegCS] = code
	for _, i := range []int{SegES, SegSS, SegDS, SegFS, SegGS} {
		c.Seg[i] = data
	}
}

// SetProtectedFlat enters 32-bit protected mode with flat 4 GiB segments and
// paging disabled.
func (c *Context) SetProtectedFlat(codeSelector, dataSelector uint16) {
	c.CR0 |= CR0PE
	code := Segment{
		Selector: codeSelector,
		Limit:    0xffffffff,
		Attr:     SegAttrP | SegAttrS | SegAttrCode | SegAttrWritable | SegAttrAccessed | SegAttrDB | SegAttrG,
	}
	data := code
	data.Selector = dataSelector
	data.Attr = SegAttrP | SegAttrS | SegAttrWritable | SegAttrAccessed | SegAttrDB | SegAttrG
	c.Seg[SegCS] = code
	for _, i := range []int{SegES, SegSS, SegDS, SegFS, SegGS} {
		c.Seg[i] = data
	}
}
