package x86

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/pic"
	"github.com/tinyrange/iem/internal/trpm"
)

// Guest physical layout of the test machine.
const (
	memSize   = 4 << 20
	gdtBase   = 0x1000
	idtBase   = 0x2000
	codeBase  = 0x10000
	code2Base = 0x11000
	isrBase   = 0x20000
	dataBase  = 0x30000
	stackTop  = 0x80000
	tableBase = 0x100000

	selCode = 0x08
	selData = 0x10
)

var gdt = []uint64{
	0,
	0x00af9b000000ffff, // 64-bit code
	0x00cf93000000ffff, // flat data
}

type testMachine struct {
	mem     *pgm.Memory
	cfg     *cpum.Config
	pic     *pic.Controller
	cr3     uint64
	console bytes.Buffer
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()
	entry, err := cpuid.LookupProfile("intel-core-i7-6700k")
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
	tables, err := mem.NewTableBuilder(pgm.PagingAMD64, tableBase, 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	if err := tables.IdentityMap(1); err != nil {
		t.Fatal(err)
	}
	for i, d := range gdt {
		if err := mem.WriteU64(gdtBase+uint64(i)*8, d); err != nil {
			t.Fatal(err)
		}
	}
	return &testMachine{
		mem: mem,
		cfg: &cpum.Config{
			Arch:       guest.Arch,
			Guest:      guest,
			Ident:      ident,
			XStateSize: cpum.GuestXStateSize(&host.Features, guest),
		},
		pic: pic.New(),
		cr3: tables.Root(),
	}
}

func (m *testMachine) load(t *testing.T, addr uint64, code []byte) {
	t.Helper()
	if err := m.mem.LoadImage(addr, code); err != nil {
		t.Fatal(err)
	}
}

// gate installs a 64-bit interrupt gate for vector.
func (m *testMachine) gate(t *testing.T, vector int, handler uint64) {
	t.Helper()
	lo := handler&0xffff | selCode<<16 | 0x8e<<40 | (handler>>16&0xffff)<<48
	if err := m.mem.WriteU64(idtBase+uint64(vector)*16, lo); err != nil {
		t.Fatal(err)
	}
	if err := m.mem.WriteU64(idtBase+uint64(vector)*16+8, handler>>32); err != nil {
		t.Fatal(err)
	}
}

func (m *testMachine) vcpu(id int, exec iem.ExecMode) *iem.VCpu {
	ctx := cpum.NewContext(m.cfg, id)
	ctx.SetLongMode(m.cr3, selCode, selData)
	ctx.GDTR = cpum.DescriptorTable{Base: gdtBase, Limit: uint32(len(gdt)*8 - 1)}
	ctx.IDTR = cpum.DescriptorTable{Base: idtBase, Limit: 256*16 - 1}
	ctx.GPR[cpum.RSP] = stackTop - uint64(id)*0x1000
	ctx.PC = codeBase
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

// prog assembles hand-encoded instructions with label fixups.
type prog struct {
	code   []byte
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	at, size, trail int
	label           string
}

func newProg() *prog { return &prog{labels: make(map[string]int)} }

func (p *prog) emit(b ...byte) *prog {
	p.code = append(p.code, b...)
	return p
}

func (p *prog) label(name string) *prog {
	p.labels[name] = len(p.code)
	return p
}

// rel8 and rel32 emit a displacement to label, relative to the end of the
// field plus trail bytes of immediate that follow it.
func (p *prog) rel8(label string) *prog { return p.rel(label, 1, 0) }

func (p *prog) rel32(label string) *prog { return p.rel(label, 4, 0) }

func (p *prog) rel(label string, size, trail int) *prog {
	p.fixups = append(p.fixups, fixup{at: len(p.code), size: size, trail: trail, label: label})
	p.code = append(p.code, make([]byte, size)...)
	return p
}

func (p *prog) bytes(t *testing.T) []byte {
	t.Helper()
	for _, f := range p.fixups {
		target, ok := p.labels[f.label]
		if !ok {
			t.Fatalf("undefined label %q", f.label)
		}
		rel := target - (f.at + f.size + f.trail)
		switch f.size {
		case 1:
			if rel < -128 || rel > 127 {
				t.Fatalf("label %q out of rel8 range", f.label)
			}
			p.code[f.at] = byte(rel)
		case 4:
			binary.LittleEndian.PutUint32(p.code[f.at:], uint32(int32(rel)))
		}
	}
	return p.code
}

var haltCode = []byte{0xfa, 0xf4} // cli; hlt

func TestSumLoop(t *testing.T) {
	for _, exec := range []iem.ExecMode{iem.ExecInterpret, iem.ExecThreaded} {
		t.Run(exec.String(), func(t *testing.T) {
			m := newTestMachine(t)
			p := newProg().
				emit(0x31, 0xc0).         // xor eax, eax
				emit(0xb9, 100, 0, 0, 0). // mov ecx, 100
				label("loop").
				emit(0x01, 0xc8).        // add eax, ecx
				emit(0xff, 0xc9).        // dec ecx
				emit(0x75).rel8("loop"). // jnz loop
				emit(0xe6, 0xe9).        // out 0xe9, al
				emit(haltCode...)
			m.load(t, codeBase, p.bytes(t))
			v := m.vcpu(0, exec)
			runToHalt(t, v)

			if got := v.Ctx.GPR[cpum.RAX]; got != 5050 {
				t.Fatalf("rax = %d, want 5050", got)
			}
			if got := m.console.Bytes(); !bytes.Equal(got, []byte{5050 & 0xff}) {
				t.Errorf("console = %x", got)
			}
			if exec == iem.ExecThreaded && v.Stats.BlockExecs == 0 {
				t.Errorf("loop never replayed a block: %+v", v.Stats)
			}
		})
	}
}

// mixedProgram touches most instruction forms the decoder knows.
func mixedProgram(t *testing.T) []byte {
	return newProg().
		emit(0x48, 0xc7, 0xc3, 0x00, 0x00, 0x03, 0x00). // mov rbx, 0x30000
		emit(0xb9, 16, 0, 0, 0).                        // mov ecx, 16
		emit(0x31, 0xc0).                               // xor eax, eax
		label("loop").
		emit(0x01, 0xc8).                               // add eax, ecx
		emit(0x89, 0x04, 0x8b).                         // mov [rbx+rcx*4], eax
		emit(0xff, 0xc9).                               // dec ecx
		emit(0x75).rel8("loop").                        // jnz loop
		emit(0x50).                                     // push rax
		emit(0xe8).rel32("fn").                         // call fn
		emit(0x58).                                     // pop rax
		emit(0x48, 0x69, 0xc0, 0xe8, 0x03, 0x00, 0x00). // imul rax, rax, 1000
		emit(0x31, 0xd2).                               // xor edx, edx
		emit(0xb9, 7, 0, 0, 0).                         // mov ecx, 7
		emit(0xf7, 0xf1).                               // div ecx
		emit(0xc1, 0xe2, 0x03).                         // shl edx, 3
		emit(0x83, 0xfa, 0x10).                         // cmp edx, 16
		emit(0x0f, 0x9c, 0xc1).                         // setl cl
		emit(0x0f, 0x4f, 0xf2).                         // cmovg esi, edx
		emit(0x0f, 0xb6, 0x2b).                         // movzx ebp, byte [rbx]
		emit(0x48, 0x8d, 0x7b, 0x40).                   // lea rdi, [rbx+0x40]
		emit(0xb0, 0xaa).                               // mov al, 0xaa
		emit(0xb9, 32, 0, 0, 0).                        // mov ecx, 32
		emit(0xf3, 0xaa).                               // rep stosb
		emit(0x48, 0x8b, 0x05).rel32("data").           // mov rax, [rip+data]
		emit(0x48, 0x01, 0x43, 0x08).                   // add [rbx+8], rax
		emit(0xd1, 0x63, 0x10).                         // shl dword [rbx+0x10], 1
		emit(0xf6, 0x5b, 0x14).                         // neg byte [rbx+0x14]
		emit(0x87, 0x4b, 0x18).                         // xchg [rbx+0x18], ecx
		emit(0x0f, 0xb1, 0x53, 0x1c).                   // cmpxchg [rbx+0x1c], edx
		emit(0x9c).                                     // pushf
		emit(0x5e).                                     // pop rsi
		emit(0xe6, 0xe9).                               // out 0xe9, al
		emit(haltCode...).
		label("fn").
		emit(0x48, 0xff, 0xc0). // inc rax
		emit(0xc3).             // ret
		label("data").
		emit(0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11).
		bytes(t)
}

// Replaying compiled blocks must leave exactly the state interpretation
// leaves.
func TestThreadedMatchesInterpreter(t *testing.T) {
	run := func(exec iem.ExecMode) (*testMachine, *iem.VCpu) {
		m := newTestMachine(t)
		m.load(t, codeBase, mixedProgram(t))
		v := m.vcpu(0, exec)
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
	if !bytes.Equal(mi.console.Bytes(), mt.console.Bytes()) {
		t.Errorf("console differs: %x vs %x", mi.console.Bytes(), mt.console.Bytes())
	}

	c := vi.Ctx
	want := map[int]uint64{
		cpum.RAX: 115, // cmpxchg mismatch loads the destination
		cpum.RCX: 121, // exchanged with the loop value at [rbx+0x18]
		cpum.RDX: 32,
		cpum.RDI: dataBase + 0x60,
		cpum.RBP: 0,
	}
	for r, x := range want {
		if c.GPR[r] != x {
			t.Errorf("gpr %d = %#x, want %#x", r, c.GPR[r], x)
		}
	}
	if c.GPR[cpum.RSP] != stackTop {
		t.Errorf("rsp = %#x, want %#x", c.GPR[cpum.RSP], uint64(stackTop))
	}
	if b := di[0x40:0x60]; !bytes.Equal(b, bytes.Repeat([]byte{0xaa}, 0x20)) {
		t.Errorf("rep stosb wrote %x", b)
	}
	if got := binary.LittleEndian.Uint32(di[0x18:]); got != 0 {
		t.Errorf("xchg left %#x in memory", got)
	}
	if vt.Stats.Compiled == 0 {
		t.Errorf("threaded run compiled nothing: %+v", vt.Stats)
	}
}

func TestSelfModifyingCode(t *testing.T) {
	for _, exec := range []iem.ExecMode{iem.ExecInterpret, iem.ExecThreaded} {
		t.Run(exec.String(), func(t *testing.T) {
			m := newTestMachine(t)
			p := newProg().
				emit(0xc6, 0x05).rel("imm", 4, 1).emit(7). // mov byte [rip+imm], 7
				emit(0xb8).label("imm").emit(1, 0, 0, 0).  // mov eax, 1
				emit(haltCode...)
			code := p.bytes(t)
			m.load(t, codeBase, code)
			v := m.vcpu(0, exec)
			for i := 0; i < 3; i++ {
				// Restore the original immediate behind the block's back.
				if err := m.mem.Write(codeBase, code); err != nil {
					t.Fatal(err)
				}
				v.Ctx.PC = codeBase
				runToHalt(t, v)
				if got := v.Ctx.GPR[cpum.RAX]; got != 7 {
					t.Fatalf("run %d: rax = %d, want the patched 7", i, got)
				}
			}
		})
	}
}

// A block compiled on one VCpu is dropped when another VCpu rewrites its
// code.
func TestCrossVCpuCodeWrite(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, append([]byte{0xb8, 1, 0, 0, 0}, haltCode...)) // mov eax, 1
	m.load(t, code2Base, append([]byte{
		0xc7, 0x04, 0x25, 0x01, 0x00, 0x01, 0x00, 2, 0, 0, 0, // mov dword [0x10001], 2
	}, haltCode...))

	a := m.vcpu(0, iem.ExecThreaded)
	b := m.vcpu(1, iem.ExecThreaded)

	runToHalt(t, a)
	if a.Ctx.GPR[cpum.RAX] != 1 || a.Blocks().Len() == 0 {
		t.Fatalf("first run: rax=%d blocks=%d", a.Ctx.GPR[cpum.RAX], a.Blocks().Len())
	}

	b.Ctx.PC = code2Base
	runToHalt(t, b)

	a.Ctx.PC = codeBase
	runToHalt(t, a)
	if got := a.Ctx.GPR[cpum.RAX]; got != 2 {
		t.Fatalf("rax = %d after the code was rewritten, want 2", got)
	}
	if a.Stats.Invalidated == 0 {
		t.Errorf("stale block was not invalidated: %+v", a.Stats)
	}
}

// A store that needs alignment faults before any byte reaches memory.
func TestAlignedStoreFaultIsAtomic(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, append([]byte{
		0x48, 0xc7, 0xc3, 0x01, 0x00, 0x03, 0x00, // mov rbx, 0x30001
		0x0f, 0x29, 0x03,                         // movaps [rbx], xmm0
	}, haltCode...))
	m.load(t, isrBase, append([]byte{0xb0, 'G', 0xe6, 0xe9}, haltCode...))
	m.gate(t, trpm.VectorGP, isrBase)

	before := bytes.Repeat([]byte{0x5a}, 32)
	m.load(t, dataBase, before)
	v := m.vcpu(0, iem.ExecThreaded)
	for i := range v.Ctx.XMM(0) {
		v.Ctx.XMM(0)[i] = 0xee
	}
	runToHalt(t, v)

	if m.console.String() != "G" {
		t.Fatalf("#GP handler did not run: console %q", m.console.String())
	}
	after := make([]byte, 32)
	if err := m.mem.Read(dataBase, after); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("faulting store modified memory: %x", after)
	}
	code, err := m.mem.ReadU64(stackTop - 48)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Errorf("error code = %#x, want 0", code)
	}
}

func TestPageFaultDelivery(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, append([]byte{
		0x48, 0xb8, 0, 0, 0, 0x40, 0, 0, 0, 0, // mov rax, 0x40000000
		0x8b, 0x18,                            // mov ebx, [rax]
	}, haltCode...))
	m.load(t, isrBase, append([]byte{
		0x0f, 0x20, 0xd1,       // mov rcx, cr2
		0x5a,                   // pop rdx
		0x48, 0x8b, 0x34, 0x24, // mov rsi, [rsp]
	}, haltCode...))
	m.gate(t, trpm.VectorPF, isrBase)

	v := m.vcpu(0, iem.ExecThreaded)
	v.Ctx.GPR[cpum.RBX] = 0x1234
	runToHalt(t, v)

	c := v.Ctx
	if c.CR2 != 0x40000000 || c.GPR[cpum.RCX] != 0x40000000 {
		t.Errorf("cr2 = %#x, rcx = %#x", c.CR2, c.GPR[cpum.RCX])
	}
	if c.GPR[cpum.RDX] != 0 {
		t.Errorf("error code = %#x, want not-present read", c.GPR[cpum.RDX])
	}
	if c.GPR[cpum.RSI] != codeBase+10 {
		t.Errorf("return address = %#x, want the faulting instruction", c.GPR[cpum.RSI])
	}
	if c.GPR[cpum.RBX] != 0x1234 {
		t.Errorf("faulting load changed rbx to %#x", c.GPR[cpum.RBX])
	}
}

func TestHardwareInterruptWakesHalt(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, []byte{
		0xfb,       // sti
		0xf4,       // hlt
		0xeb, 0xfd, // jmp hlt
	})
	m.load(t, isrBase, append([]byte{
		0xb0, 'I', 0xe6, 0xe9,        // mov al, 'I'; out 0xe9, al
		0x48, 0x8b, 0x1c, 0x24,       // mov rbx, [rsp]
		0x48, 0x8b, 0x54, 0x24, 0x10, // mov rdx, [rsp+16]
	}, haltCode...))
	m.gate(t, 0x20, isrBase)
	m.pic.Raise(0x20)

	v := m.vcpu(0, iem.ExecThreaded)
	runToHalt(t, v)

	c := v.Ctx
	if m.console.String() != "I" {
		t.Fatalf("console = %q", m.console.String())
	}
	if c.GPR[cpum.RBX] != codeBase+2 {
		t.Errorf("interrupted at %#x, want after the hlt", c.GPR[cpum.RBX])
	}
	if c.GPR[cpum.RDX]&cpum.FlagIF == 0 {
		t.Errorf("saved rflags %#x lacks IF", c.GPR[cpum.RDX])
	}
	if c.GPR[cpum.RSP] != stackTop-40 {
		t.Errorf("rsp = %#x, want a five quadword frame", c.GPR[cpum.RSP])
	}
	if v.Trap.State() != trpm.NoActiveTrap {
		t.Errorf("trap state = %s", v.Trap.State())
	}
}

// gateDescriptor is the low quadword of a present 64-bit interrupt gate.
func gateDescriptor(handler uint64) uint64 {
	return handler&0xffff | selCode<<16 | 0x8e<<40 | (handler>>16&0xffff)<<48
}

// An interrupt whose gate is missing raises #GP. The #GP handler runs with
// interrupts masked, installs the gate and returns; only then is the
// interrupt taken, once.
func TestInterruptDeliveryFaultRunsHandlerFirst(t *testing.T) {
	const irqBase = isrBase + 0x100
	for _, exec := range []iem.ExecMode{iem.ExecInterpret, iem.ExecThreaded} {
		t.Run(exec.String(), func(t *testing.T) {
			m := newTestMachine(t)
			m.load(t, codeBase, append([]byte{
				0xfb,             // sti
				0x90, 0x90, 0x90, // nop; nop; nop
			}, haltCode...))

			gp := []byte{
				0xb0, 'H', 0xe6, 0xe9, // mov al, 'H'; out 0xe9, al
				0x5a,                  // pop rdx
				0x48, 0xb8,            // mov rax, imm64
			}
			gp = binary.LittleEndian.AppendUint64(gp, gateDescriptor(irqBase))
			gp = append(gp, 0x48, 0xbf) // mov rdi, imm64
			gp = binary.LittleEndian.AppendUint64(gp, idtBase+0x20*16)
			gp = append(gp,
				0x48, 0x89, 0x07, // mov [rdi], rax
				0x48, 0xcf,       // iretq
			)
			m.load(t, isrBase, gp)
			m.load(t, irqBase, []byte{
				0xb0, 'I', 0xe6, 0xe9,  // mov al, 'I'; out 0xe9, al
				0x48, 0x83, 0xc3, 0x01, // add rbx, 1
				0x48, 0xcf,             // iretq
			})
			m.gate(t, trpm.VectorGP, isrBase)
			m.pic.Raise(0x20)

			v := m.vcpu(0, exec)
			v.Ctx.GPR[cpum.RBX] = 0
			runToHalt(t, v)

			c := v.Ctx
			if got := m.console.String(); got != "HI" {
				t.Fatalf("console = %q, want the #GP handler before the interrupt", got)
			}
			if c.GPR[cpum.RBX] != 1 {
				t.Errorf("interrupt taken %d times, want once", c.GPR[cpum.RBX])
			}
			if want := uint64(0x20<<3 | 3); c.GPR[cpum.RDX] != want {
				t.Errorf("#GP error code = %#x, want %#x", c.GPR[cpum.RDX], want)
			}
			if c.GPR[cpum.RSP] != stackTop {
				t.Errorf("rsp = %#x, want every frame popped", c.GPR[cpum.RSP])
			}
			if v.Stats.Delivered != 2 {
				t.Errorf("delivered %d events, want #GP and the interrupt", v.Stats.Delivered)
			}
			if v.Trap.State() != trpm.NoActiveTrap {
				t.Errorf("trap state = %s", v.Trap.State())
			}
			if m.pic.HasPending() {
				t.Error("interrupt still pending in the controller")
			}
		})
	}
}

// With no usable IDT every delivery faults: #UD, then #GP, then #DF, and a
// fault delivering #DF stops the VCpu.
func TestTripleFaultIsGuru(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, []byte{0x0f, 0x0b}) // ud2
	v := m.vcpu(0, iem.ExecInterpret)
	v.Ctx.IDTR.Limit = 0

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := v.Run(ctx)
	if !errors.Is(err, iem.ErrGuruMeditation) || !errors.Is(err, trpm.ErrTripleFault) {
		t.Fatalf("run: %v, want a triple fault guru meditation", err)
	}
	var g *iem.GuruMeditation
	if !errors.As(err, &g) || g.PC != codeBase {
		t.Errorf("guru meditation = %+v", g)
	}
}

func TestSoftwareInterruptReturnsPastInstruction(t *testing.T) {
	m := newTestMachine(t)
	m.load(t, codeBase, append([]byte{
		0xcd, 0x80,            // int 0x80
		0xb0, 'R', 0xe6, 0xe9, // mov al, 'R'; out 0xe9, al
	}, haltCode...))
	m.load(t, isrBase, []byte{
		0xb0, 'S', 0xe6, 0xe9, // mov al, 'S'; out 0xe9, al
		0x48, 0xcf,            // iretq
	})
	m.gate(t, 0x80, isrBase)

	v := m.vcpu(0, iem.ExecThreaded)
	runToHalt(t, v)
	if got := m.console.String(); got != "SR" {
		t.Fatalf("console = %q, want SR", got)
	}
	if v.Ctx.GPR[cpum.RSP] != stackTop {
		t.Errorf("iretq left rsp at %#x", v.Ctx.GPR[cpum.RSP])
	}
}

func TestDescriptorDecode(t *testing.T) {
	s := descriptor(selCode, gdt[1])
	if !s.Long() || s.Default32() || !s.Present() || s.Attr&cpum.SegAttrCode == 0 {
		t.Errorf("code descriptor attr %#x", s.Attr)
	}
	if s.Limit != 0xffffffff || s.Base != 0 {
		t.Errorf("code descriptor limit %#x base %#x", s.Limit, s.Base)
	}
	s = descriptor(0x18, 0x00409a123456ffff)
	if s.Base != 0x123456 || s.Limit != 0xffff || !s.Default32() {
		t.Errorf("byte granular descriptor = %+v", s)
	}
}

func TestModeTagSeparatesCodeSize(t *testing.T) {
	m := newTestMachine(t)
	v := m.vcpu(0, iem.ExecThreaded)
	long := Target{}.ModeTag(v)
	v.Ctx.Seg[cpum.SegCS].Attr &^= cpum.SegAttrL
	compat16 := Target{}.ModeTag(v)
	v.Ctx.Seg[cpum.SegCS].Attr |= cpum.SegAttrDB
	compat32 := Target{}.ModeTag(v)
	if long == compat16 || compat16 == compat32 || long == compat32 {
		t.Fatalf("mode tags collide: %#x %#x %#x", long, compat16, compat32)
	}
}
