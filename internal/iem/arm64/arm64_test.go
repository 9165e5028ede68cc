package arm64

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/pic"
	"github.com/tinyrange/iem/internal/trpm"
)

// Guest physical layout of the test machine. RAM is identity mapped, the
// second 2 MiB accessible from EL0 as well.
const (
	memSize   = 4 << 20
	codeBase  = 0x10000
	userBase  = 0x200000
	vbar      = 0x20000
	dataBase  = 0x30000
	userStack = 0x280000
	stackTop  = 0x80000
	tableBase = 0x100000
)

type testMachine struct {
	mem     *pgm.Memory
	cfg     *cpum.Config
	pic     *pic.Controller
	ttbr0   uint64
	console bytes.Buffer
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()
	entry, err := cpuid.LookupProfile("arm-neoverse-n1")
	if err != nil {
		t.Fatal(err)
	}
	host, err := cpum.NewHostSnapshot(cpuid.DBProber{Entry: entry})
	if err != nil {
		t.Fatal(err)
	}
	guest, ident, err := cpum.GuestIdentification(host, nil)
	if err != nil {
		t.Fatal(err)
	}
	mem, err := pgm.New(0, memSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	tables, err := mem.NewTableBuilder(pgm.PagingARM64, tableBase, 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	rwx := pgm.AccessRead | pgm.AccessWrite | pgm.AccessExec
	if err := tables.Map(0, 0, userBase, rwx); err != nil {
		t.Fatal(err)
	}
	if err := tables.Map(userBase, userBase, memSize-userBase, rwx|pgm.AccessUser); err != nil {
		t.Fatal(err)
	}
	return &testMachine{
		mem: mem,
		cfg: &cpum.Config{
			Arch:       guest.Arch,
			Guest:      guest,
			Ident:      ident,
			XStateSize: cpum.GuestXStateSize(&host.Features, guest),
		},
		pic:   pic.New(),
		ttbr0: tables.Root(),
	}
}

func (m *testMachine) load(t *testing.T, addr uint64, code []uint32) {
	t.Helper()
	b := make([]byte, 4*len(code))
	for i, w := range code {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	if err := m.mem.LoadImage(addr, b); err != nil {
		t.Fatal(err)
	}
}

func setSysReg(t *testing.T, c *cpum.Context, id cpuid.SysRegID, x uint64) {
	t.Helper()
	if err := c.SysRegs.Set(id, x); err != nil {
		t.Fatal(err)
	}
}

// vcpu returns a VCpu at EL1h with the MMU on, SIMD&FP enabled and the
// vector table at vbar.
func (m *testMachine) vcpu(t *testing.T, id int, exec iem.ExecMode) *iem.VCpu {
	t.Helper()
	ctx := cpum.NewContext(m.cfg, id)
	ctx.PC = codeBase
	ctx.GPR[cpum.SPIndex] = stackTop - uint64(id)*0x1000
	setSysReg(t, ctx, cpuid.SysRegTTBR0_EL1, m.ttbr0)
	setSysReg(t, ctx, cpuid.SysRegTCR_EL1, 16|16<<16)
	setSysReg(t, ctx, cpuid.SysRegSCTLR_EL1, ctx.SysRegs.Value(cpuid.SysRegSCTLR_EL1)|sctlrM)
	setSysReg(t, ctx, cpuid.SysRegCPACR_EL1, fpenNoTrap<<cpacrFPENShift)
	setSysReg(t, ctx, cpuid.SysRegVBAR_EL1, vbar)
	return iem.NewVCpu(id, ctx, trpm.New(nil), New(), m.mem, m.pic, iem.Config{
		Exec:             exec,
		CompileThreshold: 1,
		Console:          &m.console,
	})
}

func runToHalt(t *testing.T, v *iem.VCpu) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := v.Run(ctx); !errors.Is(err, iem.ErrHalted) {
		var b bytes.Buffer
		_ = v.Dump(&b)
		t.Fatalf("run: %v\n%s", err, b.String())
	}
}

// Encoders for the instructions the tests use.
func reg(r int) uint32 { return uint32(r) }

func movz(rd int, imm uint16, hw int) uint32 {
	return 0xd2800000 | uint32(hw)<<21 | uint32(imm)<<5 | reg(rd)
}

func movk(rd int, imm uint16, hw int) uint32 {
	return 0xf2800000 | uint32(hw)<<21 | uint32(imm)<<5 | reg(rd)
}

func addi(rd, rn int, imm uint32) uint32  { return 0x91000000 | imm<<10 | reg(rn)<<5 | reg(rd) }
func subsi(rd, rn int, imm uint32) uint32 { return 0xf1000000 | imm<<10 | reg(rn)<<5 | reg(rd) }
func add(rd, rn, rm int) uint32           { return 0x8b000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd) }
func cmp(rn, rm int) uint32               { return 0xeb000000 | reg(rm)<<16 | reg(rn)<<5 | zr }
func mov(rd, rm int) uint32               { return 0xaa0003e0 | reg(rm)<<16 | reg(rd) }
func mul(rd, rn, rm int) uint32           { return 0x9b007c00 | reg(rm)<<16 | reg(rn)<<5 | reg(rd) }
func udiv(rd, rn, rm int) uint32          { return 0x9ac00800 | reg(rm)<<16 | reg(rn)<<5 | reg(rd) }
func ldr(rt, rn int, off uint32) uint32   { return 0xf9400000 | off/8<<10 | reg(rn)<<5 | reg(rt) }
func str(rt, rn int, off uint32) uint32   { return 0xf9000000 | off/8<<10 | reg(rn)<<5 | reg(rt) }
func strq(rt, rn int, off uint32) uint32  { return 0x3d800000 | off/16<<10 | reg(rn)<<5 | reg(rt) }
func ldxr(rt, rn int) uint32              { return 0xc85f7c00 | reg(rn)<<5 | reg(rt) }
func stxr(rs, rt, rn int) uint32          { return 0xc8007c00 | reg(rs)<<16 | reg(rn)<<5 | reg(rt) }
func cas(rs, rt, rn int) uint32           { return 0xc8a07c00 | reg(rs)<<16 | reg(rn)<<5 | reg(rt) }
func ldadd(rs, rt, rn int) uint32         { return 0xf8200000 | reg(rs)<<16 | reg(rn)<<5 | reg(rt) }
func dcZva(rt int) uint32                 { return 0xd50b7420 | reg(rt) }
func fmovToD(rd, rn int) uint32           { return 0x9e670000 | reg(rn)<<5 | reg(rd) }
func fmovFromD(rd, rn int) uint32         { return 0x9e660000 | reg(rn)<<5 | reg(rd) }
func dup16b(rd, rn int) uint32            { return 0x4e010c00 | reg(rn)<<5 | reg(rd) }
func svc(imm uint16) uint32               { return 0xd4000001 | uint32(imm)<<5 }
func hlt(imm uint16) uint32               { return 0xd4400000 | uint32(imm)<<5 }

// lsl is ubfm rd, rn, #(64-n), #(63-n).
func lsl(rd, rn int, n uint32) uint32 {
	return 0xd3400000 | (64-n)%64<<16 | (63-n)<<10 | reg(rn)<<5 | reg(rd)
}

func csel(rd, rn, rm int, cond uint32) uint32 {
	return 0x9a800000 | reg(rm)<<16 | cond<<12 | reg(rn)<<5 | reg(rd)
}

func stpPre(rt, rt2, rn int, off int32) uint32 {
	return 0xa9800000 | uint32(off/8)&0x7f<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt)
}

func stp(rt, rt2, rn int) uint32 { return 0xa9000000 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt) }

func ldpPost(rt, rt2, rn int, off int32) uint32 {
	return 0xa8c00000 | uint32(off/8)&0x7f<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt)
}

func sysreg(l uint32, id cpuid.SysRegID, rt int) uint32 {
	return 0xd5000000 | l<<21 | id.Op0()<<19 | id.Op1()<<16 | id.CRn()<<12 | id.CRm()<<8 | id.Op2()<<5 | reg(rt)
}

func mrs(rt int, id cpuid.SysRegID) uint32 { return sysreg(1, id, rt) }
func msr(id cpuid.SysRegID, rt int) uint32 { return sysreg(0, id, rt) }

const (
	ret     uint32 = 0xd65f03c0
	eret    uint32 = 0xd69f03e0
	wfi     uint32 = 0xd503207f
	hvc0    uint32 = 0xd4000002
	daifClr uint32 = 0xd50340ff // msr daifclr, #0 with the mask or'ed in at bit 8
)

// Branch encoders take the offset in instructions.
func b(off int32) uint32   { return 0x14000000 | uint32(off)&0x3ffffff }
func bl(off int32) uint32  { return 0x94000000 | uint32(off)&0x3ffffff }
func bne(off int32) uint32 { return 0x54000000 | (uint32(off)&0x7ffff)<<5 | condNE }

func cbnz(rt int, off int32) uint32 {
	return 0xb5000000 | (uint32(off)&0x7ffff)<<5 | reg(rt)
}

// powerOff asks PSCI to turn the system off.
var powerOff = []uint32{
	movz(0, psciSystemOff&0xffff, 0),
	movk(0, psciSystemOff>>16, 1),
	hvc0,
}

func seq(parts ...any) []uint32 {
	var out []uint32
	for _, p := range parts {
		switch x := p.(type) {
		case uint32:
			out = append(out, x)
		case []uint32:
			out = append(out, x...)
		default:
			panic(fmt.Sprintf("seq: %T", p))
		}
	}
	return out
}

func TestSumLoop(t *testing.T) {
	for _, exec := range []iem.ExecMode{iem.ExecInterpret, iem.ExecThreaded} {
		t.Run(exec.String(), func(t *testing.T) {
			m := newTestMachine(t)
			m.load(t, codeBase, seq(
				movz(1, 0, 0),
				movz(2, 100, 0),
				add(1, 1, 2), // loop
				subsi(2, 2, 1),
				bne(-2),
				powerOff,
			))
			v := m.vcpu(t, 0, exec)
			runToHalt(t, v)

			if got := v.Ctx.GPR[1]; got != 5050 {
				t.Fatalf("x1 = %d, want 5050", got)
			}
			if exec == iem.ExecThreaded && v.Stats.BlockExecs == 0 {
				t.Errorf("loop never replayed a block: %+v", v.Stats)
			}
		})
	}
}

// mixedProgram touches most instruction groups the decoder knows.
func mixedProgram() []uint32 {
	return seq(
		movz(19, 3, 1), // x19 = dataBase
		movz(1, 7, 0),
		movz(2, 6, 0),
		mul(3, 1, 2),
		udiv(4, 3, 1),
		lsl(5, 3, 4),
		cmp(4, 2),
		csel(6, 1, 2, condEQ),
		str(3, 19, 0),
		ldr(7, 19, 0),
		stpPre(1, 2, zr, -16),
		bl(18),
		ldpPost(1, 2, zr, 16),
		ldxr(8, 19),
		addi(8, 8, 1),
		stxr(9, 8, 19),
		ldadd(1, 10, 19),
		movz(11, 50, 0),
		movz(12, 99, 0),
		cas(11, 12, 19),
		addi(13, 19, 0x40),
		dcZva(13),
		fmovToD(0, 3),
		dup16b(1, 1),
		strq(1, 19, 0x80),
		fmovFromD(14, 0),
		powerOff,
		// fn: clobbers x1 and x2, which the caller saved.
		add(15, 1, 2),
		movz(1, 0, 0),
		movz(2, 0, 0),
		ret,
	)
}

// Replaying compiled blocks must leave exactly the state interpretation
// leaves.
func TestThreadedMatchesInterpreter(t *testing.T) {
	run := func(exec iem.ExecMode) (*testMachine, *iem.VCpu) {
		m := newTestMachine(t)
		m.load(t, codeBase, mixedProgram())
		if err := m.mem.LoadImage(dataBase, bytes.Repeat([]byte{0x5a}, 0x100)); err != nil {
			t.Fatal(err)
		}
		v := m.vcpu(t, 0, exec)
		runToHalt(t, v)
		return m, v
	}
	mi, vi := run(iem.ExecInterpret)
	mt, vt := run(iem.ExecThreaded)

	if !vi.Ctx.Equal(vt.Ctx) {
		var a, b bytes.Buffer
		_ = cpum.DumpContext(&a, vi.Ctx)
		_ = cpum.DumpContext(&b, vt.Ctx)
		t.Fatalf("contexts differ\ninterpret:\n%s\nthreaded:\n%s", a.String(), b.String())
	}
	di, dt := make([]byte, 0x100), make([]byte, 0x100)
	if err := mi.mem.Read(dataBase, di); err != nil {
		t.Fatal(err)
	}
	if err := mt.mem.Read(dataBase, dt); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(di, dt) {
		t.Fatalf("data differs\ninterpret %x\nthreaded  %x", di, dt)
	}

	c := vi.Ctx
	want := map[int]uint64{
		1:  7,
		2:  6,
		3:  42,
		4:  6,
		5:  42 << 4,
		6:  7,
		7:  42,
		8:  43,
		9:  0, // stxr succeeded
		10: 43,
		11: 50,
		14: 42,
		15: 13,
	}
	for r, x := range want {
		if c.GPR[r] != x {
			t.Errorf("x%d = %#x, want %#x", r, c.GPR[r], x)
		}
	}
	if c.GPR[cpum.SPIndex] != stackTop {
		t.Errorf("sp = %#x, want %#x", c.GPR[cpum.SPIndex], uint64(stackTop))
	}
	if got := binary.LittleEndian.Uint64(di); got != 99 {
		t.Errorf("cas left %d in memory, want 99", got)
	}
	if b := di[0x40:0x80]; !bytes.Equal(b, make([]byte, 0x40)) {
		t.Errorf("dc zva left %x", b)
	}
	if b := di[0x80:0x90]; !bytes.Equal(b, bytes.Repeat([]byte{7}, 16)) {
		t.Errorf("dup and str q wrote %x", b)
	}
	if b := di[0x90:0x98]; !bytes.Equal(b, bytes.Repeat([]byte{0x5a}, 8)) {
		t.Errorf("store past the q register: %x", b)
	}
	if vt.Stats.Compiled == 0 {
		t.Errorf("threaded run compiled nothing: %+v", vt.Stats)
	}
}

// An svc from EL0 enters the lower EL vector on SP_EL1 and eret returns
// to the instruction after it on SP_EL0.
func TestSvcFromEL0(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(eret))
	m.load(t, userBase, seq(
		addi(9, zr, 0),
		svc(0x42),
		movz(8, 1, 0),
		svc(0x43),
	))
	m.load(t, vbar+vectorLowerA64, seq(
		mrs(20, cpuid.SysRegESR_EL1),
		mrs(21, cpuid.SysRegELR_EL1),
		addi(22, zr, 0),
		cbnz(8, 2),
		eret,
		powerOff,
	))

	v := m.vcpu(t, 0, iem.ExecThreaded)
	c := v.Ctx
	setSysReg(t, c, cpuid.SysRegSPSR_EL1, cpum.PStateEL0t)
	setSysReg(t, c, cpuid.SysRegELR_EL1, userBase)
	setSysReg(t, c, cpuid.SysRegSP_EL0, userStack)
	runToHalt(t, v)

	if got, want := c.GPR[20], uint64(syndrome(ecSVC, 0x43)); got != want {
		t.Errorf("esr = %#x, want %#x", got, want)
	}
	if got := c.GPR[21]; got != userBase+16 {
		t.Errorf("elr = %#x, want past the second svc", got)
	}
	if got := c.GPR[9]; got != userStack {
		t.Errorf("EL0 sp = %#x, want %#x", got, uint64(userStack))
	}
	if got := c.GPR[22]; got != stackTop {
		t.Errorf("handler sp = %#x, want SP_EL1 %#x", got, uint64(stackTop))
	}
	if got := c.SysRegs.Value(cpuid.SysRegSP_EL0); got != userStack {
		t.Errorf("SP_EL0 = %#x after the second exception", got)
	}
	if c.Flags&cpum.PStateMask != cpum.PStateEL1h || c.InterruptsEnabled() {
		t.Errorf("pstate = %#x, want EL1h with interrupts masked", c.Flags)
	}
}

// EL0 may not touch EL1 system registers.
func TestEL0SysRegAccessIsUndefined(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(eret))
	m.load(t, userBase, seq(
		mrs(1, cpuid.SysRegTPIDR_EL0),
		mrs(2, cpuid.SysRegVBAR_EL1),
	))
	m.load(t, vbar+vectorLowerA64, seq(
		mrs(20, cpuid.SysRegESR_EL1),
		mrs(21, cpuid.SysRegELR_EL1),
		powerOff,
	))
	v := m.vcpu(t, 0, iem.ExecInterpret)
	c := v.Ctx
	setSysReg(t, c, cpuid.SysRegSPSR_EL1, cpum.PStateEL0t)
	setSysReg(t, c, cpuid.SysRegELR_EL1, userBase)
	setSysReg(t, c, cpuid.SysRegTPIDR_EL0, 0x1234)
	runToHalt(t, v)

	if c.GPR[1] != 0x1234 {
		t.Errorf("tpidr_el0 read %#x", c.GPR[1])
	}
	if got := c.GPR[20] >> 26; got != ecUnknown {
		t.Errorf("esr class = %#x, want unknown", got)
	}
	if got := c.GPR[21]; got != userBase+4 {
		t.Errorf("elr = %#x, want the mrs of VBAR_EL1", got)
	}
}

func TestDataAbortSyndrome(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(
		movz(1, 0x4000, 1),
		movz(2, 0x77, 0),
		ldr(2, 1, 8),
	))
	m.load(t, vbar+vectorCurrentSPx, seq(
		mrs(20, cpuid.SysRegESR_EL1),
		mrs(21, cpuid.SysRegFAR_EL1),
		mrs(22, cpuid.SysRegELR_EL1),
		powerOff,
	))
	v := m.vcpu(t, 0, iem.ExecThreaded)
	runToHalt(t, v)

	c := v.Ctx
	esr := c.GPR[20]
	if esr>>26 != ecDataAbort || esr&esrIL == 0 {
		t.Errorf("esr = %#x, want a same EL data abort", esr)
	}
	if fsc := esr & 0x3c; fsc != fscTranslation {
		t.Errorf("fault status = %#x, want a translation fault", fsc)
	}
	if esr&esrWnR != 0 {
		t.Errorf("esr = %#x reports a write", esr)
	}
	if c.GPR[21] != 0x40000008 {
		t.Errorf("far = %#x", c.GPR[21])
	}
	if c.GPR[22] != codeBase+8 {
		t.Errorf("elr = %#x, want the faulting load", c.GPR[22])
	}
	if c.GPR[2] != 0x77 {
		t.Errorf("faulting load changed x2 to %#x", c.GPR[2])
	}
}

// A store pair that crosses into an unmapped page writes nothing.
func TestStorePairFaultIsAtomic(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(
		movz(3, memSize>>16, 1),
		subsi(3, 3, 8),
		movz(1, 0x1111, 0),
		movz(2, 0x2222, 0),
		stp(1, 2, 3),
	))
	m.load(t, vbar+vectorCurrentSPx, seq(
		mrs(20, cpuid.SysRegESR_EL1),
		powerOff,
	))
	v := m.vcpu(t, 0, iem.ExecThreaded)
	runToHalt(t, v)

	esr := v.Ctx.GPR[20]
	if esr>>26 != ecDataAbort || esr&esrWnR == 0 {
		t.Errorf("esr = %#x, want a data abort on a write", esr)
	}
	got, err := m.mem.ReadU64(memSize - 8)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("faulting stp wrote %#x below the boundary", got)
	}
}

func TestExclusiveMonitor(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(
		movz(19, 3, 1),
		movz(2, 5, 0),
		str(2, 19, 0),
		// A store of a different value between the pair fails stxr.
		ldxr(1, 19),
		movz(2, 6, 0),
		str(2, 19, 0),
		movz(4, 9, 0),
		stxr(3, 4, 19),
		// A clean pair succeeds.
		ldxr(5, 19),
		addi(5, 5, 1),
		stxr(6, 5, 19),
		// A store without a preceding load fails.
		stxr(7, 4, 19),
		ldr(8, 19, 0),
		powerOff,
	))
	v := m.vcpu(t, 0, iem.ExecThreaded)
	runToHalt(t, v)

	c := v.Ctx
	if c.GPR[3] != 1 {
		t.Errorf("stxr after an intervening store: status %d", c.GPR[3])
	}
	if c.GPR[6] != 0 {
		t.Errorf("clean stxr: status %d", c.GPR[6])
	}
	if c.GPR[7] != 1 {
		t.Errorf("unpaired stxr: status %d", c.GPR[7])
	}
	if c.GPR[8] != 7 {
		t.Errorf("memory = %d, want 7", c.GPR[8])
	}
}

func TestUnalignedExclusiveFaults(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(
		movz(19, 3, 1),
		addi(19, 19, 4),
		ldxr(1, 19),
	))
	m.load(t, vbar+vectorCurrentSPx, seq(
		mrs(20, cpuid.SysRegESR_EL1),
		mrs(21, cpuid.SysRegFAR_EL1),
		powerOff,
	))
	v := m.vcpu(t, 0, iem.ExecInterpret)
	runToHalt(t, v)

	if got, want := v.Ctx.GPR[20], uint64(syndrome(ecDataAbort, fscAlignment)); got != want {
		t.Errorf("esr = %#x, want %#x", got, want)
	}
	if v.Ctx.GPR[21] != dataBase+4 {
		t.Errorf("far = %#x", v.Ctx.GPR[21])
	}
}

// Concurrent ldadd loops on two VCpus lose no increments.
func TestAtomicAddAcrossVCpus(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(
		movz(19, 3, 1),
		movz(1, 1, 0),
		movz(2, 1000, 0),
		ldadd(1, 3, 19), // loop
		subsi(2, 2, 1),
		bne(-2),
		powerOff,
	))
	done := make(chan error, 2)
	for id := 0; id < 2; id++ {
		v := m.vcpu(t, id, iem.ExecThreaded)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			done <- v.Run(ctx)
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; !errors.Is(err, iem.ErrHalted) {
			t.Fatalf("run: %v", err)
		}
	}
	got, err := m.mem.ReadU64(dataBase)
	if err != nil {
		t.Fatal(err)
	}
	if got != 2000 {
		t.Fatalf("counter = %d, want 2000", got)
	}
}

func TestInterruptAcknowledge(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(
		daifClr|2<<8, // unmask IRQ
		wfi,
		b(-1),
	))
	m.load(t, vbar+vectorCurrentSPx+vectorIRQ, seq(
		mrs(20, cpuid.SysRegICC_IAR1_EL1),
		msr(cpuid.SysRegICC_EOIR1_EL1, 20),
		mrs(21, cpuid.SysRegELR_EL1),
		mrs(22, cpuid.SysRegICC_IAR1_EL1),
		powerOff,
	))
	m.pic.Raise(0x30)
	v := m.vcpu(t, 0, iem.ExecThreaded)
	runToHalt(t, v)

	c := v.Ctx
	if c.GPR[20] != 0x30 {
		t.Errorf("acknowledged %#x, want 0x30", c.GPR[20])
	}
	if c.GPR[22] != cpum.SpuriousInterrupt {
		t.Errorf("second acknowledge read %#x, want spurious", c.GPR[22])
	}
	if c.GPR[21] < codeBase+4 || c.GPR[21] > codeBase+8 {
		t.Errorf("interrupted at %#x", c.GPR[21])
	}
	if v.Trap.State() != trpm.NoActiveTrap {
		t.Errorf("trap state = %s", v.Trap.State())
	}
}

func TestSemihostingConsole(t *testing.T) {
	m := newTestMachine(t)
	if err := m.mem.LoadImage(dataBase, []byte("hello\n\x00")); err != nil {
		t.Fatal(err)
	}
	m.load(t, codeBase, seq(
		movz(0, shWrite0, 0),
		movz(1, 3, 1),
		hlt(semihostImm),
		movz(0, shWriteC, 0),
		addi(1, 1, 4), // the 'o'
		hlt(semihostImm),
		movz(0, shExit, 0),
		movz(1, 0, 0),
		hlt(semihostImm),
	))
	v := m.vcpu(t, 0, iem.ExecInterpret)
	runToHalt(t, v)
	if got := m.console.String(); got != "hello\no" {
		t.Fatalf("console = %q", got)
	}
}

func TestPSCI(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(
		movz(0, psciVersion&0xffff, 0),
		movk(0, psciVersion>>16, 1),
		hvc0,
		mov(19, 0),
		movz(0, psciCPUOn&0xffff, 0),
		movk(0, psciCPUOn>>16, 1),
		hvc0,
		mov(20, 0),
		movz(0, 0x1234, 0),
		hvc0,
		mov(21, 0),
		powerOff,
	))
	v := m.vcpu(t, 0, iem.ExecThreaded)
	runToHalt(t, v)

	c := v.Ctx
	if c.GPR[19] != psciVersion10 {
		t.Errorf("version = %#x", c.GPR[19])
	}
	if int64(c.GPR[20]) != psciAlreadyOn {
		t.Errorf("cpu_on = %d", int64(c.GPR[20]))
	}
	if int64(c.GPR[21]) != psciNotSupported {
		t.Errorf("unknown call = %d", int64(c.GPR[21]))
	}
}

func TestSIMDAccessTraps(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, seq(fmovToD(0, 1)))
	m.load(t, vbar+vectorCurrentSPx, seq(
		mrs(20, cpuid.SysRegESR_EL1),
		powerOff,
	))
	v := m.vcpu(t, 0, iem.ExecInterpret)
	setSysReg(t, v.Ctx, cpuid.SysRegCPACR_EL1, 0)
	runToHalt(t, v)
	if got := v.Ctx.GPR[20] >> 26; got != ecFPAccess {
		t.Errorf("esr class = %#x, want SIMD&FP access", got)
	}
}

func TestMisalignedPCFaults(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, vbar+vectorCurrentSPx, seq(
		mrs(20, cpuid.SysRegESR_EL1),
		mrs(21, cpuid.SysRegFAR_EL1),
		powerOff,
	))
	v := m.vcpu(t, 0, iem.ExecThreaded)
	v.Ctx.PC = codeBase + 2
	runToHalt(t, v)
	if got := v.Ctx.GPR[20] >> 26; got != ecPCAlign {
		t.Errorf("esr class = %#x, want PC alignment", got)
	}
	if v.Ctx.GPR[21] != codeBase+2 {
		t.Errorf("far = %#x", v.Ctx.GPR[21])
	}
}

func TestModeTagSeparatesExceptionLevels(t *testing.T) {
	m := newTestMachine(t)
	v := m.vcpu(t, 0, iem.ExecThreaded)
	el1 := Target{}.ModeTag(v)
	v.Ctx.Flags = cpum.PStateEL0t
	if el0 := (Target{}).ModeTag(v); el0 == el1 {
		t.Fatalf("EL0 and EL1 share mode tag %#x", el0)
	}
}

func TestDecodeBitMasks(t *testing.T) {
	for _, tt := range []struct {
		n, imms, immr uint32
		w             uint
		want          uint64
		ok            bool
	}{
		{1, 0, 0, 64, 1, true},
		{1, 7, 0, 64, 0xff, true},
		{0, 0x3c, 0, 64, 0x5555555555555555, true},
		{0, 0x0f, 16, 64, 0xffff0000ffff0000, true},
		{0, 0x0f, 0, 32, 0xffff, true},
		{1, 0x3f, 0, 64, 0, false},
		{0, 0x3e, 1, 64, 0, false},
	} {
		got, _, ok := decodeBitMasks(tt.n, tt.imms, tt.immr, true, tt.w)
		if ok != tt.ok || ok && got != tt.want {
			t.Errorf("decodeBitMasks(%d, %#x, %d) = %#x, %v; want %#x, %v", tt.n, tt.imms, tt.immr, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAddWithCarryFlags(t *testing.T) {
	for _, tt := range []struct {
		x, y, carry uint64
		sf          bool
		r, nzcv     uint64
	}{
		{1, 2, 0, true, 3, 0},
		{^uint64(0), 1, 0, true, 0, 0b0110},
		{0x7fffffff, 1, 0, false, 0x80000000, 0b1001},
		{5, ^uint64(5), 1, true, 0, 0b0110}, // 5 - 5
	} {
		r, f := addWithCarry(tt.x, tt.y, tt.carry, tt.sf)
		if r != tt.r || f != tt.nzcv {
			t.Errorf("addWithCarry(%#x, %#x, %d) = %#x, %04b; want %#x, %04b", tt.x, tt.y, tt.carry, r, f, tt.r, tt.nzcv)
		}
	}
}
