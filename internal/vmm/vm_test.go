package vmm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/iem"
)

func hostFromProfile(t *testing.T, name string) *cpum.HostSnapshot {
	t.Helper()
	entry, err := cpuid.LookupProfile(name)
	if err != nil {
		t.Fatal(err)
	}
	host, err := cpum.NewHostSnapshot(cpuid.DBProber{Entry: entry})
	if err != nil {
		t.Fatal(err)
	}
	return host
}

func newVM(t *testing.T, cfg Config) *VM {
	t.Helper()
	profile := "intel-core-i7-6700k"
	if cfg.Arch == string(hv.ArchitectureARM64) {
		profile = "arm-neoverse-n1"
	}
	if cfg.Profile == "" {
		cfg.Profile = profile
	}
	vm, err := New(cfg, hostFromProfile(t, cfg.Profile))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm
}

func runVM(t *testing.T, vm *VM) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := vm.Run(ctx); err != nil {
		var b bytes.Buffer
		_ = vm.Dump(&b, false)
		t.Fatalf("run: %v\n%s", err, b.String())
	}
}

func testLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func a64(code ...uint32) []byte {
	out := make([]byte, 4*len(code))
	for i, c := range code {
		binary.LittleEndian.PutUint32(out[i*4:], c)
	}
	return out
}

func movz(rd int, imm uint16, hw int) uint32 {
	return 0xd2800000 | uint32(hw)<<21 | uint32(imm)<<5 | uint32(rd)
}

func movk(rd int, imm uint16, hw int) uint32 {
	return 0xf2800000 | uint32(hw)<<21 | uint32(imm)<<5 | uint32(rd)
}

func mrs(rt int, id cpuid.SysRegID) uint32 {
	return 0xd5200000 | id.Op0()<<19 | id.Op1()<<16 | id.CRn()<<12 | id.CRm()<<8 | id.Op2()<<5 | uint32(rt)
}

const (
	hvc0    uint32 = 0xd4000002
	wfi     uint32 = 0xd503207f
	spin    uint32 = 0x14000000 // b .
	irqOpen uint32 = 0xd50342ff // msr daifclr, #2
)

// cpuOff is PSCI CPU_OFF.
var cpuOff = []uint32{movz(0, 0x0002, 0), movk(0, 0x8400, 1), hvc0}

func TestARM64VCpusRunInParallel(t *testing.T) {
	const data = 0x20000
	code := append([]uint32{
		movz(3, data>>16, 1),
		0x91000000 | 100<<10 | 0<<5 | 2, // add x2, x0, #100
		0x8b000000 | 3<<10 | 3<<5 | 4,   // add x4, x3, x0, lsl #3
		0xf9000000 | 4<<5 | 2,           // str x2, [x4]
	}, cpuOff...)
	vm := newVM(t, Config{Arch: "arm64", CPUs: 2, ImageData: a64(code...)})
	runVM(t, vm)

	for i := 0; i < 2; i++ {
		got, err := vm.Memory().ReadU64(data + uint64(i)*8)
		if err != nil {
			t.Fatal(err)
		}
		if got != uint64(100+i) {
			t.Errorf("vcpu %d stored %d, want %d", i, got, 100+i)
		}
		if x2 := vm.VCpu(i).Ctx.GPR[2]; x2 != uint64(100+i) {
			t.Errorf("vcpu %d x2 = %d", i, x2)
		}
	}
}

func TestX86ConsoleAndRegisters(t *testing.T) {
	var console bytes.Buffer
	image := []byte{
		0x48, 0xc7, 0xc3, 0x2a, 0x00, 0x00, 0x00, // mov rbx, 42
		0xb0, 'A',                                // mov al, 'A'
		0xe6, 0xe9,                               // out 0xe9, al
		0xfa, 0xf4,                               // cli; hlt
	}
	vm := newVM(t, Config{Arch: "x86_64", ImageData: image, Console: &console})
	runVM(t, vm)

	if got := console.String(); got != "A" {
		t.Errorf("console = %q, want %q", got, "A")
	}
	err := vm.VirtualCPUCall(0, func(c hv.VirtualCPU) error {
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rbx: nil,
			hv.RegisterAMD64Rip: nil,
			hv.RegisterAMD64Rsp: nil,
		}
		if err := c.GetRegisters(regs); err != nil {
			return err
		}
		if rbx := regs[hv.RegisterAMD64Rbx].(hv.Register64); rbx != 42 {
			t.Errorf("rbx = %d, want 42", rbx)
		}
		// The halting instruction is where execution resumes.
		if rip := uint64(regs[hv.RegisterAMD64Rip].(hv.Register64)); rip != DefaultLoadAddress+12 {
			t.Errorf("rip = %#x", rip)
		}
		st, _ := vm.Layout().Lookup("stack0")
		if rsp := uint64(regs[hv.RegisterAMD64Rsp].(hv.Register64)); rsp != st.End() {
			t.Errorf("rsp = %#x, want %#x", rsp, st.End())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestARM64TimerInterrupt(t *testing.T) {
	const vbar = DefaultLoadAddress + 0x800
	image := make([]byte, 0x800+0x280)
	copy(image, a64(irqOpen, wfi, spin))
	// Current EL with SPx, IRQ.
	copy(image[0x800+0x280:], a64(append([]uint32{mrs(2, cpuid.SysRegICC_IAR1_EL1)}, cpuOff...)...))

	vm := newVM(t, Config{
		Arch:      "arm64",
		ImageData: image,
		Timer:     TimerConfig{Period: time.Millisecond},
	})
	err := vm.VirtualCPUCall(0, func(c hv.VirtualCPU) error {
		return c.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterARM64Vbar: hv.Register64(vbar)})
	})
	if err != nil {
		t.Fatal(err)
	}
	runVM(t, vm)

	if got := vm.VCpu(0).Ctx.GPR[2]; got != DefaultTimerVectorARM64 {
		t.Fatalf("acknowledged %d, want %d", got, DefaultTimerVectorARM64)
	}
	if vm.PIC(0).Raised() == 0 {
		t.Fatal("timer never fired")
	}
}

func TestHostWithoutRequiredFeatures(t *testing.T) {
	var logs bytes.Buffer
	cfg := Config{Arch: "x86_64", Profile: "legacy-486", Logger: testLogger(&logs)}
	vm, err := New(cfg, hostFromProfile(t, "legacy-486"))
	if !errors.Is(err, cpum.ErrMissingHostFeature) {
		t.Fatalf("err = %v, want %v", err, cpum.ErrMissingHostFeature)
	}
	if vm != nil {
		t.Fatal("vm returned with error")
	}
	if strings.Contains(logs.String(), "vcpu created") {
		t.Fatal("vcpu created before the host check")
	}
}

// Each VCpu waits on its own controller, so raising a vector on one does
// not strand the other in WFI.
func TestRaiseWakesEachVCpu(t *testing.T) {
	vm := newVM(t, Config{Arch: "arm64", CPUs: 2, ImageData: a64(append([]uint32{wfi}, cpuOff...)...)})
	done := make(chan error, 1)
	go func() { done <- vm.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := vm.Raise(i, 0x30); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run = %v", err)
		}
	case <-time.After(10 * time.Second):
		vm.Kick()
		t.Fatal("a halted vcpu was not woken")
	}
	if vm.PIC(0) == vm.PIC(1) {
		t.Error("vcpus share an interrupt controller")
	}
}

func TestKickInterruptsRun(t *testing.T) {
	vm := newVM(t, Config{Arch: "arm64", CPUs: 2, ImageData: a64(spin)})
	done := make(chan error, 1)
	go func() { done <- vm.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	vm.Kick()
	select {
	case err := <-done:
		if !errors.Is(err, iem.ErrInterrupted) {
			t.Fatalf("run = %v, want %v", err, iem.ErrInterrupted)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("kick did not stop the vm")
	}

	// A stopped VM runs again and honours context cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := vm.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second run = %v", err)
	}
}

func TestRunAfterClose(t *testing.T) {
	vm := newVM(t, Config{Arch: "arm64", ImageData: a64(spin)})
	vm.Close()
	if err := vm.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("run = %v, want %v", err, ErrClosed)
	}
}

func x86Image() []byte {
	return []byte{
		0x48, 0xc7, 0xc3, 0x2a, 0x00, 0x00, 0x00,       // mov rbx, 42
		0x48, 0x89, 0x1c, 0x25, 0x00, 0x00, 0x03, 0x00, // mov [0x30000], rbx
		0xfa, 0xf4,                                     // cli; hlt
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	src := newVM(t, Config{Arch: "x86_64", ImageData: x86Image()})
	runVM(t, src)

	var state bytes.Buffer
	if err := src.Save(&state); err != nil {
		t.Fatal(err)
	}
	saved := state.Bytes()

	dst := newVM(t, Config{Arch: "x86_64"})
	if err := dst.Load(bytes.NewReader(saved)); err != nil {
		t.Fatal(err)
	}
	if !dst.VCpu(0).Ctx.Equal(src.VCpu(0).Ctx) {
		var a, b bytes.Buffer
		_ = cpum.DumpContext(&a, src.VCpu(0).Ctx)
		_ = cpum.DumpContext(&b, dst.VCpu(0).Ctx)
		t.Fatalf("context differs\nsaved:\n%s\nloaded:\n%s", a.String(), b.String())
	}
	got, err := dst.Memory().ReadU64(0x30000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("restored memory holds %d, want 42", got)
	}

	other := newVM(t, Config{Arch: "x86_64", CPUs: 2})
	if err := other.Load(bytes.NewReader(saved)); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("load into 2-cpu vm = %v, want %v", err, ErrConfigMismatch)
	}
	if err := other.Run(context.Background()); !errors.Is(err, cpum.ErrRestorePending) {
		t.Fatalf("run after failed load = %v, want %v", err, cpum.ErrRestorePending)
	}
}

func TestBalloonedPageResolves(t *testing.T) {
	vm := newVM(t, Config{Arch: "x86_64", ImageData: x86Image()})
	if err := vm.Balloon(0x30000); err != nil {
		t.Fatal(err)
	}
	runVM(t, vm)
	if n := vm.VCpu(0).Stats.Resolved; n != 1 {
		t.Errorf("resolved %d pages, want 1", n)
	}
	got, err := vm.Memory().ReadU64(0x30000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("memory = %d, want 42", got)
	}
}

func TestResetRestoresBootState(t *testing.T) {
	vm := newVM(t, Config{Arch: "x86_64", ImageData: x86Image()})
	runVM(t, vm)
	if err := vm.Reset(); err != nil {
		t.Fatal(err)
	}
	c := vm.VCpu(0).Ctx
	if c.PC != DefaultLoadAddress || c.Mode() != cpum.ModeLong || c.GPR[cpum.RBX] != 0 {
		t.Fatalf("after reset pc=%#x mode=%s rbx=%d", c.PC, c.Mode(), c.GPR[cpum.RBX])
	}
	runVM(t, vm)
	if c.GPR[cpum.RBX] != 42 {
		t.Fatalf("rbx = %d after second run", c.GPR[cpum.RBX])
	}
}

func TestLayout(t *testing.T) {
	vm := newVM(t, Config{Arch: "x86_64", CPUs: 2, ImageData: x86Image()})
	var names []string
	for _, r := range vm.Layout().Regions() {
		names = append(names, r.Name)
	}
	// Reservations are taken top down.
	if got, want := strings.Join(names, " "), "image stack1 stack0 idt gdt page-tables"; got != want {
		t.Fatalf("regions = %q, want %q", got, want)
	}
	var b bytes.Buffer
	if err := vm.Dump(&b, true); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"page-tables", "stack1", "features:"} {
		if !strings.Contains(b.String(), s) {
			t.Errorf("dump lacks %q", s)
		}
	}
}
