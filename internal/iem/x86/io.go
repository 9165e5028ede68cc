package x86

import (
	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/iem"
)

// Ports of the minimal platform: the Bochs debug port, a transmit-only
// 16550 and the ACPI PM control register QEMU guests power off with.
const (
	portDebug      = 0xe9
	portCOM1       = 0x3f8
	portCOM1LSR    = portCOM1 + 5
	portACPIPMCtrl = 0x604
	portPOST       = 0x80

	lsrTHRE = 0x20
	lsrTEMT = 0x40

	acpiSleepEnable = 1 << 13
)

func port(v *iem.VCpu, p uint64) uint16 {
	if p == portDX {
		return uint16(v.Ctx.GPR[cpum.RDX])
	}
	return uint16(p)
}

// opIn: P0 size, P1 port or portDX.
func opIn(v *iem.VCpu, c *iem.Call) {
	iopl(v)
	size := int(c.P[0])
	var x uint64
	switch port(v, c.P[1]) {
	case portCOM1LSR:
		x = lsrTHRE | lsrTEMT
	case portCOM1, portDebug:
		x = 0
	default:
		x = sizeMask(size)
	}
	setReg(v.Ctx, cpum.RAX, size, x)
}

// opOut: P0 size, P1 port or portDX.
func opOut(v *iem.VCpu, c *iem.Call) {
	iopl(v)
	size := int(c.P[0])
	x := v.Ctx.GPR[cpum.RAX] & sizeMask(size)
	switch p := port(v, c.P[1]); p {
	case portDebug, portCOM1:
		if _, err := v.Console().Write([]byte{byte(x)}); err != nil {
			v.Logger().Warn("console write failed", "error", err)
		}
	case portACPIPMCtrl:
		if x&acpiSleepEnable != 0 {
			panic(iem.ErrHalted)
		}
	case portPOST:
	default:
		v.Logger().Debug("write to unclaimed port", "port", p, "value", x)
	}
}

// Model specific registers.
const (
	msrTSC      = 0x10
	msrAPICBase = 0x1b
	msrEFER     = 0xc0000080
	msrFSBase   = 0xc0000100
	msrGSBase   = 0xc0000101

	apicBaseDefault = 0xfee00000
	apicBaseEnable  = 1 << 11
	apicBaseBSP     = 1 << 8

	eferWritable = cpum.EFERSCE | cpum.EFERLME | cpum.EFERNXE
)

func opRdmsr(v *iem.VCpu, _ *iem.Call) {
	requireCPL0(v)
	ctx := v.Ctx
	var x uint64
	switch uint32(ctx.GPR[cpum.RCX]) {
	case msrTSC:
		x = uint64(v.Elapsed().Nanoseconds())
	case msrAPICBase:
		x = apicBaseDefault | apicBaseEnable
		if v.ID == 0 {
			x |= apicBaseBSP
		}
	case msrEFER:
		x = ctx.EFER
	case msrFSBase:
		x = ctx.Seg[cpum.SegFS].Base
	case msrGSBase:
		x = ctx.Seg[cpum.SegGS].Base
	default:
		gp0(v)
	}
	setReg(ctx, cpum.RAX, 4, x)
	setReg(ctx, cpum.RDX, 4, x>>32)
}

func opWrmsr(v *iem.VCpu, _ *iem.Call) {
	requireCPL0(v)
	ctx := v.Ctx
	x := ctx.GPR[cpum.RDX]<<32 | ctx.GPR[cpum.RAX]&0xffffffff
	switch uint32(ctx.GPR[cpum.RCX]) {
	case msrEFER:
		if x&^eferWritable != 0 {
			gp0(v)
		}
		if ctx.CR0&cpum.CR0PG != 0 && (x^ctx.EFER)&cpum.EFERLME != 0 {
			gp0(v)
		}
		ctx.EFER = ctx.EFER&cpum.EFERLMA | x
		v.FlushTLB()
	case msrFSBase:
		ctx.Seg[cpum.SegFS].Base = x
	case msrGSBase:
		ctx.Seg[cpum.SegGS].Base = x
	case msrTSC, msrAPICBase:
	default:
		gp0(v)
	}
}

// cpuid leaf 1 fields the CPU fills in at run time.
const (
	leaf1EBXApicShift = 24
	leaf1ECXOSXSAVE   = 1 << 27
)

// opCpuid answers from the guest identification. Leaves the profile does
// not have read as zero.
func opCpuid(v *iem.VCpu, _ *iem.Call) {
	ctx := v.Ctx
	leaf, sub := uint32(ctx.GPR[cpum.RAX]), uint32(ctx.GPR[cpum.RCX])
	l, ok := ctx.Config().Ident.Lookup(leaf, sub)
	if !ok {
		l = cpuid.Leaf{}
	}
	switch {
	case leaf == 1:
		l.EBX = l.EBX&0x00ffffff | uint32(v.ID)<<leaf1EBXApicShift
		l.ECX &^= leaf1ECXOSXSAVE
		if ctx.CR4&cpum.CR4OSXSAVE != 0 {
			l.ECX |= leaf1ECXOSXSAVE
		}
	case l.Flags&cpuid.LeafFlagApicID != 0:
		// The extended topology leaves report the x2APIC id in EDX.
		l.EDX = uint32(v.ID)
	}
	setReg(ctx, cpum.RAX, 4, uint64(l.EAX))
	setReg(ctx, cpum.RBX, 4, uint64(l.EBX))
	setReg(ctx, cpum.RCX, 4, uint64(l.ECX))
	setReg(ctx, cpum.RDX, 4, uint64(l.EDX))
}
