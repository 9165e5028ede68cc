package arm64

import (
	"bytes"
	"math/bits"
	"time"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
)

// Special purpose registers that live in PSTATE or are computed, not kept
// in the system register bank.
var (
	sysRegSPSel     = cpuid.NewSysRegID(3, 0, 4, 2, 0)
	sysRegCurrentEL = cpuid.NewSysRegID(3, 0, 4, 2, 2)
	sysRegCNTPCT    = cpuid.NewSysRegID(3, 3, 14, 0, 1)
)

// el0Readable are the op1=3 registers EL0 may read; of those it may write
// NZCV, FPCR, FPSR and TPIDR_EL0.
var el0Readable = map[cpuid.SysRegID]bool{
	cpuid.SysRegNZCV:       true,
	cpuid.SysRegFPCR:       true,
	cpuid.SysRegFPSR:       true,
	cpuid.SysRegTPIDR_EL0:  true,
	cpuid.SysRegCTR_EL0:    true,
	cpuid.SysRegDCZID_EL0:  true,
	cpuid.SysRegCNTFRQ_EL0: true,
	cpuid.SysRegCNTVCT_EL0: true,
	sysRegCNTPCT:           true,
}

// gicCPURegister reports whether id is in the GIC CPU interface block.
// Apart from IAR1 and EOIR1 those registers read as zero and ignore
// writes.
func gicCPURegister(id cpuid.SysRegID) bool {
	return id.Op0() == 3 && id.Op1() == 0 && id.CRn() == 12 && id.CRm() >= 8
}

// checkSysAccess raises an undefined instruction for system registers the
// current exception level cannot reach.
func checkSysAccess(v *iem.VCpu, id cpuid.SysRegID, write bool) {
	el0 := v.Ctx.Mode() == cpum.ModeARM64EL0
	switch id.Op1() {
	case 0:
		if !el0 {
			return
		}
	case 3:
		if !el0 {
			return
		}
		if el0Readable[id] && (!write || id == cpuid.SysRegNZCV || id == cpuid.SysRegFPCR ||
			id == cpuid.SysRegFPSR || id == cpuid.SysRegTPIDR_EL0) {
			return
		}
	}
	raise(v, iem.Undefined())
}

// counter is the virtual count: nanoseconds since the VCpu started scaled
// to CNTFRQ_EL0.
func counter(v *iem.VCpu) uint64 {
	freq := v.Ctx.SysRegs.Value(cpuid.SysRegCNTFRQ_EL0)
	ns := uint64(v.Elapsed().Nanoseconds())
	if freq == 0 {
		return ns
	}
	hi, lo := bits.Mul64(ns, freq)
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return q
}

// readSys returns a system register for mrs.
func readSys(v *iem.VCpu, id cpuid.SysRegID) uint64 {
	c := v.Ctx
	switch id {
	case cpuid.SysRegNZCV:
		return c.Flags & cpum.PStateNZCV
	case cpuid.SysRegDAIF:
		return c.Flags & cpum.PStateDAIF
	case sysRegCurrentEL:
		return c.Flags & 0xc
	case sysRegSPSel:
		return c.Flags & 1
	case cpuid.SysRegSP_EL0:
		if c.Flags&cpum.PStateMask != cpum.PStateEL1h {
			raise(v, iem.Undefined())
		}
	case cpuid.SysRegFPCR:
		opFPCheck(v, nil)
		return uint64(c.FPCR())
	case cpuid.SysRegFPSR:
		opFPCheck(v, nil)
		return uint64(c.FPSR())
	case cpuid.SysRegCNTVCT_EL0, sysRegCNTPCT:
		return counter(v)
	case cpuid.SysRegICC_IAR1_EL1:
		// Acknowledging hands out the interrupt once.
		x := c.SysRegs.Value(id)
		must(c.SysRegs.Set(id, cpum.SpuriousInterrupt))
		return x
	}
	if x, ok := c.SysRegs.Get(id); ok {
		return x
	}
	if id.IsIDRegister() || gicCPURegister(id) {
		return 0
	}
	v.Logger().Debug("read of unimplemented system register", "reg", id)
	raise(v, iem.Undefined())
	return 0
}

// writeSys writes a system register for msr.
func writeSys(v *iem.VCpu, id cpuid.SysRegID, x uint64) {
	c := v.Ctx
	switch id {
	case cpuid.SysRegNZCV:
		c.Flags = c.Flags&^cpum.PStateNZCV | x&cpum.PStateNZCV
		return
	case cpuid.SysRegDAIF:
		c.Flags = c.Flags&^cpum.PStateDAIF | x&cpum.PStateDAIF
		return
	case sysRegSPSel:
		selectSP(v, x)
		return
	case cpuid.SysRegSP_EL0:
		if c.Flags&cpum.PStateMask != cpum.PStateEL1h {
			raise(v, iem.Undefined())
		}
	case cpuid.SysRegFPCR:
		opFPCheck(v, nil)
		c.SetFPCR(uint32(x))
		return
	case cpuid.SysRegFPSR:
		opFPCheck(v, nil)
		c.SetFPSR(uint32(x))
		return
	case cpuid.SysRegICC_EOIR1_EL1:
		return
	case cpuid.SysRegICC_IAR1_EL1, sysRegCurrentEL, cpuid.SysRegCNTVCT_EL0, sysRegCNTPCT,
		cpuid.SysRegCTR_EL0, cpuid.SysRegDCZID_EL0:
		raise(v, iem.Undefined())
	case cpuid.SysRegSCTLR_EL1, cpuid.SysRegTTBR0_EL1, cpuid.SysRegTTBR1_EL1, cpuid.SysRegTCR_EL1:
		must(c.SysRegs.Set(id, x))
		v.FlushTLB()
		return
	}
	if id.IsIDRegister() {
		raise(v, iem.Undefined())
	}
	if err := c.SysRegs.Set(id, x); err != nil {
		if gicCPURegister(id) {
			return
		}
		v.Logger().Debug("write of unimplemented system register", "reg", id, "value", x)
		raise(v, iem.Undefined())
	}
}

// selectSP switches between SP_EL0 and SP_EL1 at EL1.
func selectSP(v *iem.VCpu, sel uint64) {
	c := v.Ctx
	flags := c.Flags&^cpum.PStateMask | cpum.PStateEL1t
	if sel&1 != 0 {
		flags = flags&^cpum.PStateMask | cpum.PStateEL1h
	}
	must(switchSP(c, c.Flags, flags))
	c.Flags = flags
}

// opMrs: rd slot is Rt, P1 the register.
func opMrs(v *iem.VCpu, c *iem.Call) {
	id := cpuid.SysRegID(c.P[1])
	checkSysAccess(v, id, false)
	setX(v.Ctx, regD(c.P[0]), readSys(v, id), true)
}

func opMsr(v *iem.VCpu, c *iem.Call) {
	id := cpuid.SysRegID(c.P[1])
	checkSysAccess(v, id, true)
	writeSys(v, id, xr(v.Ctx, regD(c.P[0])))
}

// PSTATE fields of msr (immediate), op1:op2.
const (
	pstateSPSel   = 0<<3 | 5
	pstateDAIFSet = 3<<3 | 6
	pstateDAIFClr = 3<<3 | 7
)

// opMsrImm: P1 the field, P2 the 4-bit immediate. Fields other than
// SPSel and DAIF (PAN, UAO, SSBS, DIT) are accepted and ignored.
func opMsrImm(v *iem.VCpu, c *iem.Call) {
	requireEL1(v)
	ctx := v.Ctx
	imm := c.P[2] << 6 & cpum.PStateDAIF
	switch c.P[1] {
	case pstateSPSel:
		selectSP(v, c.P[2])
	case pstateDAIFSet:
		ctx.Flags |= imm
	case pstateDAIFClr:
		ctx.Flags &^= imm
	}
}

// opWfi idles until an interrupt is pending, whether or not it is masked.
func opWfi(v *iem.VCpu, _ *iem.Call) { v.SetHalted(true) }

// opTlbi: P1 is true for the by-address forms, which take the page number
// from Rt.
func opTlbi(v *iem.VCpu, c *iem.Call) {
	if c.P[1] != 0 {
		v.FlushTLBPage(signExtend(xr(v.Ctx, regD(c.P[0]))<<pgm.PageShift, 56))
		return
	}
	v.FlushTLB()
}

// dczidDZP prohibits dc zva.
const dczidDZP = 1 << 4

// opDcZva zeroes the naturally aligned block DCZID_EL0 describes.
func opDcZva(v *iem.VCpu, c *iem.Call) {
	dczid := v.Ctx.SysRegs.Value(cpuid.SysRegDCZID_EL0)
	if dczid&dczidDZP != 0 {
		raise(v, iem.Undefined())
	}
	size := uint64(4) << (dczid & 0xf)
	addr := xr(v.Ctx, regD(c.P[0])) &^ (size - 1)
	const chunk = 64
	for off := uint64(0); off < size; off += chunk {
		m := v.MapJmp(iem.SegFlat, addr+off, int(min(chunk, size-off)), pgm.AccessWrite, 0)
		clear(m.Bytes())
		v.CommitAndUnmapJmp(m)
	}
}

// opSvc: P1 the immediate.
func opSvc(v *iem.VCpu, c *iem.Call) {
	raise(v, &iem.Fault{Kind: iem.FaultSystemCall, Code: uint32(c.P[1]), InstrLen: InstrLen})
}

// opBrk: P1 the immediate. The exception returns to the brk itself.
func opBrk(v *iem.VCpu, c *iem.Call) {
	raise(v, &iem.Fault{Kind: iem.FaultBreakpoint, Code: uint32(c.P[1])})
}

// PSCI 1.0 function ids, SMC32 and SMC64 calling conventions.
const (
	psciVersion         = 0x84000000
	psciCPUSuspend      = 0xc4000001
	psciCPUOff          = 0x84000002
	psciCPUOn           = 0xc4000003
	psciAffinityInfo    = 0xc4000004
	psciMigrateInfoType = 0x84000006
	psciSystemOff       = 0x84000008
	psciSystemReset     = 0x84000009
	psciFeatures        = 0x8400000a

	psciSuccess      = 0
	psciNotSupported = -1
	psciAlreadyOn    = -4

	psciVersion10     = 0x10000
	psciTOSNotPresent = 2
)

// opFirmware answers PSCI calls made with hvc #0 or smc #0. Every VCpu
// runs from the start, so CPU_ON reports the target as already on.
func opFirmware(v *iem.VCpu, _ *iem.Call) {
	requireEL1(v)
	c := v.Ctx
	fn := uint32(c.GPR[0])
	// The SMC32 ids have bit 30 clear.
	call := fn | 0x40000000
	var ret int64
	switch {
	case fn == psciVersion:
		ret = psciVersion10
	case call == psciCPUSuspend:
		v.SetHalted(true)
	case fn == psciCPUOff, fn == psciSystemOff, fn == psciSystemReset:
		v.Logger().Info("guest power off", "psci", fn)
		panic(iem.ErrHalted)
	case call == psciCPUOn:
		ret = psciAlreadyOn
	case call == psciAffinityInfo:
		ret = psciSuccess
	case fn == psciMigrateInfoType:
		ret = psciTOSNotPresent
	case fn == psciFeatures:
		switch f := uint32(c.GPR[1]); f {
		case psciVersion, psciCPUOff, psciSystemOff, psciSystemReset, psciFeatures, psciMigrateInfoType:
			ret = psciSuccess
		default:
			if g := f | 0x40000000; g == psciCPUSuspend || g == psciCPUOn || g == psciAffinityInfo {
				ret = psciSuccess
			} else {
				ret = psciNotSupported
			}
		}
	default:
		ret = psciNotSupported
	}
	c.GPR[0] = uint64(ret)
}

// Semihosting operations of hlt #0xf000.
const (
	semihostImm = 0xf000

	shWriteC       = 0x03
	shWrite0       = 0x04
	shWrite        = 0x05
	shClock        = 0x10
	shTime         = 0x11
	shExit         = 0x18
	shExitExtended = 0x20

	shMaxString = 4096
)

// opSemihost: w0 selects the operation, x1 points at its argument.
func opSemihost(v *iem.VCpu, c *iem.Call) {
	if c.P[1] != semihostImm {
		raise(v, iem.Undefined())
	}
	ctx := v.Ctx
	arg := ctx.GPR[1]
	out := v.Console()
	write := func(b []byte) {
		if _, err := out.Write(b); err != nil {
			v.Logger().Warn("console write failed", "error", err)
		}
	}
	switch uint32(ctx.GPR[0]) {
	case shWriteC:
		write([]byte{v.ReadU8Jmp(iem.SegFlat, arg)})
	case shWrite0:
		var buf bytes.Buffer
		for i := uint64(0); i < shMaxString; i++ {
			b := v.ReadU8Jmp(iem.SegFlat, arg+i)
			if b == 0 {
				break
			}
			buf.WriteByte(b)
		}
		write(buf.Bytes())
	case shWrite:
		fd := v.ReadU64Jmp(iem.SegFlat, arg)
		addr := v.ReadU64Jmp(iem.SegFlat, arg+8)
		n := min(v.ReadU64Jmp(iem.SegFlat, arg+16), shMaxString)
		if fd == 1 || fd == 2 {
			buf := make([]byte, n)
			for i := range buf {
				buf[i] = v.ReadU8Jmp(iem.SegFlat, addr+uint64(i))
			}
			write(buf)
		}
		ctx.GPR[0] = 0
	case shClock:
		ctx.GPR[0] = uint64(v.Elapsed() / (10 * time.Millisecond))
	case shTime:
		ctx.GPR[0] = uint64(time.Now().Unix())
	case shExit, shExitExtended:
		v.Logger().Info("guest exit via semihosting", "reason", arg)
		panic(iem.ErrHalted)
	default:
		ctx.GPR[0] = ^uint64(0)
	}
}
