// Package cpum owns the architectural register state of every virtual CPU,
// its power-on defaults, the host feature snapshot and the saved-state units
// that carry both.
package cpum

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
)

var ErrUnknownSysReg = errors.New("unknown system register")

// Segment register indices, in encoding order.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegCount
)

var segNames = [SegCount]string{"es", "cs", "ss", "ds", "fs", "gs"}

// Segment attribute bits use the VMX access-rights layout.
const (
	SegAttrTypeMask  = 0xf
	SegAttrAccessed  = 1 << 0
	SegAttrWritable  = 1 << 1 // data; readable for code
	SegAttrCode      = 1 << 3
	SegAttrS         = 1 << 4
	SegAttrDPLShift  = 5
	SegAttrP         = 1 << 7
	SegAttrL         = 1 << 13
	SegAttrDB        = 1 << 14
	SegAttrG         = 1 << 15
	SegAttrUnusable  = 1 << 16
	segAttrValidMask = 0x1f0ff
)

type Segment struct {
	Selector uint16
	Attr     uint32
	Limit    uint32
	Base     uint64
}

func (s Segment) DPL() uint8      { return uint8(s.Attr>>SegAttrDPLShift) & 3 }
func (s Segment) Present() bool   { return s.Attr&SegAttrP != 0 }
func (s Segment) Long() bool      { return s.Attr&SegAttrL != 0 }
func (s Segment) Default32() bool { return s.Attr&SegAttrDB != 0 }

type DescriptorTable struct {
	Base  uint64
	Limit uint32
}

// x86 control register, EFER and RFLAGS bits.
const (
	CR0PE = 1 << 0
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31

	CR4PAE        = 1 << 5
	CR4PGE        = 1 << 7
	CR4OSFXSR     = 1 << 9
	CR4OSXMMEXCPT = 1 << 10
	CR4OSXSAVE    = 1 << 18

	EFERSCE = 1 << 0
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11

	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagAF = 1 << 4
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagTF = 1 << 8
	FlagIF = 1 << 9
	FlagDF = 1 << 10
	FlagOF = 1 << 11
	FlagRF = 1 << 16
	FlagVM = 1 << 17
	FlagAC = 1 << 18

	// FlagsStatus is the arithmetic status subset.
	FlagsStatus = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
	flagsFixed  = 1 << 1
)

// ARMv8 PSTATE bits as held in Context.Flags (SPSR layout).
const (
	PStateN    = 1 << 31
	PStateZ    = 1 << 30
	PStateC    = 1 << 29
	PStateV    = 1 << 28
	PStateD    = 1 << 9
	PStateA    = 1 << 8
	PStateI    = 1 << 7
	PStateF    = 1 << 6
	PStateMask = 0xf // M[3:0]

	PStateEL0t = 0x0
	PStateEL1t = 0x4
	PStateEL1h = 0x5

	PStateNZCV = PStateN | PStateZ | PStateC | PStateV
	PStateDAIF = PStateD | PStateA | PStateI | PStateF
)

// x86 GPR indices.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
)

// SPIndex is the arm64 stack pointer slot in Context.GPR.
const SPIndex = 31

// Context is the authoritative register file of one virtual CPU. The x86
// fields are unused on arm64 and the other way around.
type Context struct {
	GPR   [32]uint64
	PC    uint64
	Flags uint64

	Seg        [SegCount]Segment
	LDTR, TR   Segment
	GDTR, IDTR DescriptorTable

	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	XCR0                    uint64
	DR                      [8]uint64

	// XState holds the FPU/SIMD registers: the FXSAVE image (plus XSAVE
	// components when the size allows) on x86, V0-V31 then FPSR/FPCR on
	// arm64.
	XState []byte

	SysRegs SysRegBank

	cfg   *Config
	cpuID int
}

// Config is shared by every context of one VM and survives Reset.
type Config struct {
	Arch       hv.CpuArchitecture
	Guest      *cpuid.Features
	Ident      cpuid.RawIdentification
	XStateSize uint32

	// ResetVector is the arm64 power-on PC.
	ResetVector uint64
}

// NewContext creates a context in its power-on state.
func NewContext(cfg *Config, cpuID int) *Context {
	c := &Context{}
	c.Init(cfg, cpuID)
	return c
}

// Init zeroes all state and installs the power-on defaults.
func (c *Context) Init(cfg *Config, cpuID int) {
	*c = Context{cfg: cfg, cpuID: cpuID}
	c.XState = make([]byte, cfg.XStateSize)
	c.Reset()
}

func (c *Context) Arch() hv.CpuArchitecture { return c.cfg.Arch }
func (c *Context) Config() *Config           { return c.cfg }
func (c *Context) CPUID() int                { return c.cpuID }

// CopyFrom copies the register state of other, keeping c's own buffers.
func (c *Context) CopyFrom(other *Context) {
	xs, bank := c.XState, c.SysRegs.regs
	cfg, id := c.cfg, c.cpuID
	*c = *other
	c.XState = append(xs[:0], other.XState...)
	c.SysRegs.regs = append(bank[:0], other.SysRegs.regs...)
	c.cfg, c.cpuID = cfg, id
}

// Equal reports whether two contexts hold the same architectural state.
func (c *Context) Equal(other *Context) bool {
	return c.GPR == other.GPR && c.PC == other.PC && c.Flags == other.Flags &&
		c.Seg == other.Seg && c.LDTR == other.LDTR && c.TR == other.TR &&
		c.GDTR == other.GDTR && c.IDTR == other.IDTR &&
		c.CR0 == other.CR0 && c.CR2 == other.CR2 && c.CR3 == other.CR3 &&
		c.CR4 == other.CR4 && c.CR8 == other.CR8 &&
		c.EFER == other.EFER && c.XCR0 == other.XCR0 && c.DR == other.DR &&
		slices.Equal(c.XState, other.XState) &&
		slices.Equal(c.SysRegs.regs, other.SysRegs.regs)
}

// FXSAVE image offsets.
const (
	xsFCW      = 0
	xsFSW      = 2
	xsFTW      = 4
	xsMXCSR    = 24
	xsMXCSRMsk = 28
	xsST0      = 32
	xsXMM0     = 160
	xsYMMHi0   = 576

	// FXSaveSize is the legacy region every x86 context carries.
	FXSaveSize = 512

	// ARM64XStateSize covers V0-V31, FPSR and FPCR.
	ARM64XStateSize = 520
	xsFPSR          = 512
	xsFPCR          = 516
)

func (c *Context) FCW() uint16 { return binary.LittleEndian.Uint16(c.XState[xsFCW:]) }

func (c *Context) MXCSR() uint32 { return binary.LittleEndian.Uint32(c.XState[xsMXCSR:]) }

func (c *Context) SetMXCSR(v uint32) { binary.LittleEndian.PutUint32(c.XState[xsMXCSR:], v) }

// XMM returns the 16 bytes of XMMi, aliasing XState.
func (c *Context) XMM(i int) []byte {
	off := xsXMM0 + 16*i
	return c.XState[off : off+16 : off+16]
}

// YMMHi returns the upper 16 bytes of YMMi, or nil when the context has no
// AVX state.
func (c *Context) YMMHi(i int) []byte {
	off := xsYMMHi0 + 16*i
	if off+16 > len(c.XState) {
		return nil
	}
	return c.XState[off : off+16 : off+16]
}

// V returns the 16 bytes of arm64 vector register Vi, aliasing XState.
func (c *Context) V(i int) []byte {
	off := 16 * i
	return c.XState[off : off+16 : off+16]
}

func (c *Context) FPSR() uint32 { return binary.LittleEndian.Uint32(c.XState[xsFPSR:]) }
func (c *Context) FPCR() uint32 { return binary.LittleEndian.Uint32(c.XState[xsFPCR:]) }

func (c *Context) SetFPSR(v uint32) { binary.LittleEndian.PutUint32(c.XState[xsFPSR:], v) }
func (c *Context) SetFPCR(v uint32) { binary.LittleEndian.PutUint32(c.XState[xsFPCR:], v) }

// SysRegBank is the arm64 system register file, sorted by encoded id. The set
// of registers is fixed at reset; writes to registers outside it fail.
type SysRegBank struct {
	regs []cpuid.SysReg
}

func (b *SysRegBank) find(id cpuid.SysRegID) (int, bool) {
	return slices.BinarySearchFunc(b.regs, id, func(r cpuid.SysReg, id cpuid.SysRegID) int {
		return int(r.ID) - int(id)
	})
}

func (b *SysRegBank) Get(id cpuid.SysRegID) (uint64, bool) {
	i, ok := b.find(id)
	if !ok {
		return 0, false
	}
	return b.regs[i].Value, true
}

// Set writes an existing register.
func (b *SysRegBank) Set(id cpuid.SysRegID, v uint64) error {
	i, ok := b.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSysReg, id)
	}
	b.regs[i].Value = v
	return nil
}

// Value returns the register or zero. It is meant for registers reset
// always installs.
func (b *SysRegBank) Value(id cpuid.SysRegID) uint64 {
	v, _ := b.Get(id)
	return v
}

func (b *SysRegBank) define(id cpuid.SysRegID, v uint64, flags uint32) {
	i, ok := b.find(id)
	if ok {
		b.regs[i] = cpuid.SysReg{ID: id, Value: v, Flags: flags}
		return
	}
	b.regs = slices.Insert(b.regs, i, cpuid.SysReg{ID: id, Value: v, Flags: flags})
}

func (b *SysRegBank) Len() int { return len(b.regs) }

// All returns a copy of the bank.
func (b *SysRegBank) All() []cpuid.SysReg { return slices.Clone(b.regs) }

// Mode is the execution mode a translated block depends on.
type Mode uint8

const (
	ModeReal Mode = iota
	ModeProt16
	ModeProt32
	ModeCompat
	ModeLong
	ModeARM64EL0
	ModeARM64EL1
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProt16:
		return "prot16"
	case ModeProt32:
		return "prot32"
	case ModeCompat:
		return "compat"
	case ModeLong:
		return "long"
	case ModeARM64EL0:
		return "el0"
	case ModeARM64EL1:
		return "el1"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// Is64 reports whether addresses and operands default to 64 bits.
func (m Mode) Is64() bool { return m == ModeLong || m >= ModeARM64EL0 }

// Mode derives the current execution mode from the control state.
func (c *Context) Mode() Mode {
	if c.cfg.Arch == hv.ArchitectureARM64 {
		if c.Flags&PStateMask == PStateEL0t {
			return ModeARM64EL0
		}
		return ModeARM64EL1
	}
	if c.CR0&CR0PE == 0 {
		return ModeReal
	}
	cs := c.Seg[SegCS]
	if c.EFER&EFERLMA != 0 {
		if cs.Long() {
			return ModeLong
		}
		return ModeCompat
	}
	if cs.Default32() {
		return ModeProt32
	}
	return ModeProt16
}

// CPL is the current privilege level: CS.DPL on x86, the exception level on
// arm64.
func (c *Context) CPL() uint8 {
	if c.cfg.Arch == hv.ArchitectureARM64 {
		return uint8(c.Flags>>2) & 3
	}
	if c.CR0&CR0PE == 0 {
		return 0
	}
	return c.Seg[SegCS].DPL()
}

// InterruptsEnabled reports whether maskable interrupts may be taken.
func (c *Context) InterruptsEnabled() bool {
	if c.cfg.Arch == hv.ArchitectureARM64 {
		return c.Flags&PStateI == 0
	}
	return c.Flags&FlagIF != 0
}
