// Package vmm assembles virtual machines from the engine's parts: guest
// RAM, the CPU context manager, one trap state and interrupt controller per
// VCpu, and the saved-state registry that ties them together.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/iem/arm64"
	"github.com/tinyrange/iem/internal/iem/x86"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/pic"
	"github.com/tinyrange/iem/internal/trpm"
)

var (
	ErrRunning       = errors.New("vm is running")
	ErrClosed        = errors.New("vm is closed")
	// ErrNoHostProfile is returned when the guest architecture differs from
	// the host's and no profile says what CPU to emulate.
	ErrNoHostProfile = errors.New("foreign architecture needs a cpu profile")
)

// VM is a set of VCpus sharing one guest RAM.
type VM struct {
	cfg    Config
	log    *slog.Logger
	arch   hv.CpuArchitecture
	host   *cpum.HostSnapshot
	cpum   *cpum.Manager
	mem    *pgm.Memory
	layout *hv.AddressSpace
	stats  *trpm.Stats
	hash   hv.VMConfigHash

	vcpus []*iem.VCpu
	traps []*trpm.Trap
	pics  []*pic.Controller
	boot  bootState

	running atomic.Bool
	closed  atomic.Bool
}

var _ hv.VirtualMachine = (*VM)(nil)

// hostFor picks the identification the guest's features are cut down to.
// A guest of the host's own architecture is limited by the real host. For
// any other architecture the engine is the host, and the profile says what
// it implements.
func hostFor(arch hv.CpuArchitecture, profile *cpuid.DBEntry) (*cpum.HostSnapshot, error) {
	host, err := cpum.Host()
	if err == nil && host.Features.Arch == arch {
		return host, nil
	}
	if profile == nil {
		if err != nil {
			return nil, fmt.Errorf("probe host: %w", err)
		}
		return nil, fmt.Errorf("%s guest on %s host: %w", arch, host.Features.Arch, ErrNoHostProfile)
	}
	return cpum.NewHostSnapshot(cpuid.DBProber{Entry: profile})
}

func targetFor(arch hv.CpuArchitecture) iem.Target {
	if arch == hv.ArchitectureARM64 {
		return arm64.New()
	}
	return x86.New()
}

// New builds a VM. The host is checked against the engine's minimum
// requirements before anything else is allocated. A nil host selects one
// with hostFor.
func New(cfg Config, host *cpum.HostSnapshot) (*VM, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	arch := hv.ParseArchitecture(cfg.Arch)
	exec, err := parseExec(cfg.Exec)
	if err != nil {
		return nil, err
	}

	var profile *cpuid.DBEntry
	if cfg.Profile != "" {
		if profile, err = cpuid.LookupProfile(cfg.Profile); err != nil {
			return nil, err
		}
	}
	if host == nil {
		if host, err = hostFor(arch, profile); err != nil {
			return nil, err
		}
	}
	if err := cpum.CheckHostRequirements(&host.Features); err != nil {
		return nil, fmt.Errorf("host check: %w", err)
	}
	guest, ident, err := cpum.GuestIdentification(host, profile)
	if err != nil {
		return nil, err
	}
	if guest.Arch != arch {
		return nil, fmt.Errorf("%s guest on a %s cpu: %w", arch, guest.Arch, hv.ErrArchMismatch)
	}

	log := cfg.Logger.With("arch", string(arch))
	size := cfg.MemoryMB << 20
	mem, err := pgm.New(cfg.MemoryBase, size, log)
	if err != nil {
		return nil, err
	}

	vm := &VM{
		cfg:    cfg,
		log:    log,
		arch:   arch,
		host:   host,
		mem:    mem,
		layout: hv.NewAddressSpace(arch, cfg.MemoryBase, size),
		stats:  trpm.NewStats(),
	}
	if err := vm.loadImage(); err != nil {
		return nil, err
	}
	if err := vm.buildBoot(); err != nil {
		return nil, err
	}

	ccfg := &cpum.Config{
		Arch:        arch,
		Guest:       guest,
		Ident:       ident,
		XStateSize:  cpum.GuestXStateSize(&host.Features, guest),
		ResetVector: cfg.Entry,
	}
	vm.cpum = cpum.NewManager(ccfg, cfg.CPUs, log)
	vm.hash = hv.ComputeConfigHash(arch, size, cfg.MemoryBase, cfg.CPUs, cfg.Profile, ccfg.XStateSize)

	target := targetFor(arch)
	for i := 0; i < cfg.CPUs; i++ {
		ctx := vm.cpum.CPU(i).Ctx
		if err := vm.bootContext(ctx, i); err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}
		trap, ctl := trpm.New(vm.stats), pic.New()
		v := iem.NewVCpu(i, ctx, trap, target, mem, ctl, iem.Config{
			Exec:                 exec,
			CompileThreshold:     cfg.CompileThreshold,
			MaxBlockInstructions: cfg.MaxBlockInstructions,
			MaxBlocks:            cfg.MaxBlocks,
			Quantum:              cfg.Quantum,
			Console:              cfg.Console,
			Dump:                 cfg.Dump,
			Logger:               log,
			RestorePending:       vm.cpum.IsRestorePending,
			Timeslices:           cfg.Timeslices,
		})
		vm.vcpus = append(vm.vcpus, v)
		vm.traps = append(vm.traps, trap)
		vm.pics = append(vm.pics, ctl)
		log.Debug("vcpu created", "vcpu", i, "pc", fmt.Sprintf("%#x", ctx.PC))
	}

	log.Info("vm created",
		"cpus", cfg.CPUs,
		"memoryMB", cfg.MemoryMB,
		"guest", guest.Name,
		"exec", exec,
		"config", vm.hash.String()[:16],
	)
	return vm, nil
}

func (vm *VM) loadImage() error {
	data := vm.cfg.ImageData
	if data == nil && vm.cfg.Image != "" {
		var err error
		if data, err = os.ReadFile(vm.cfg.Image); err != nil {
			return fmt.Errorf("read guest image: %w", err)
		}
	}
	if len(data) == 0 {
		return nil
	}
	if err := vm.layout.RegisterFixed("image", vm.cfg.LoadAddress, uint64(len(data))); err != nil {
		return err
	}
	return vm.mem.LoadImage(vm.cfg.LoadAddress, data)
}

func (vm *VM) Architecture() hv.CpuArchitecture { return vm.arch }
func (vm *VM) MemorySize() uint64               { return vm.mem.Size() }
func (vm *VM) MemoryBase() uint64               { return vm.mem.Base() }
func (vm *VM) Memory() *pgm.Memory              { return vm.mem }
func (vm *VM) Layout() *hv.AddressSpace         { return vm.layout }
func (vm *VM) ConfigHash() hv.VMConfigHash      { return vm.hash }
func (vm *VM) NumCPUs() int                     { return len(vm.vcpus) }
func (vm *VM) VCpu(i int) *iem.VCpu             { return vm.vcpus[i] }
func (vm *VM) PIC(i int) *pic.Controller        { return vm.pics[i] }
func (vm *VM) TrapStats() *trpm.Stats           { return vm.stats }

// ReadAt and WriteAt address guest physical memory.
func (vm *VM) ReadAt(p []byte, off int64) (int, error) {
	if err := vm.mem.Read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (vm *VM) WriteAt(p []byte, off int64) (int, error) {
	if err := vm.mem.Write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// VirtualCPUCall runs f against a stopped VCpu.
func (vm *VM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(vm.vcpus) {
		return fmt.Errorf("no vcpu %d", id)
	}
	if vm.running.Load() {
		return ErrRunning
	}
	return f(&vcpu{v: vm.vcpus[id]})
}

// Run executes every VCpu on its own goroutine until all of them halted, one
// failed, the VM was kicked or ctx is done. A halted VM returns nil; a
// kicked one an error wrapping iem.ErrInterrupted, after which Run may be
// called again.
func (vm *VM) Run(ctx context.Context) error {
	if vm.closed.Load() {
		return ErrClosed
	}
	if !vm.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer vm.running.Store(false)
	if vm.cpum.IsRestorePending() {
		return cpum.ErrRestorePending
	}

	timerCtx, stopTimers := context.WithCancel(ctx)
	var timers sync.WaitGroup
	if p := vm.cfg.Timer.Period; p > 0 {
		for _, ctl := range vm.pics {
			timers.Add(1)
			go func() {
				defer timers.Done()
				ctl.Every(timerCtx, p, vm.cfg.Timer.Vector)
			}()
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range vm.vcpus {
		g.Go(func() error { return vm.runVCpu(gctx, v) })
	}
	err := g.Wait()
	stopTimers()
	timers.Wait()

	vm.logStats(time.Since(start))
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (vm *VM) runVCpu(ctx context.Context, v *iem.VCpu) error {
	err := v.Run(ctx)
	switch {
	case errors.Is(err, iem.ErrHalted):
		return nil
	case errors.Is(err, iem.ErrInterrupted) && ctx.Err() != nil:
		// A sibling failed or the caller gave up.
		return nil
	}
	return fmt.Errorf("vcpu %d: %w", v.ID, err)
}

func (vm *VM) logStats(elapsed time.Duration) {
	for _, v := range vm.vcpus {
		s := &v.Stats
		vm.log.Info("vcpu stopped",
			"vcpu", v.ID,
			"time", elapsed,
			"instructions", s.Instructions,
			"interpreted", s.Interpreted,
			"blockExecs", s.BlockExecs,
			"compiled", s.Compiled,
			"invalidated", s.Invalidated,
			"faults", s.Faults,
			"tlbHits", v.DataTLB().Hits+v.CodeTLB().Hits,
			"tlbMisses", v.DataTLB().Misses+v.CodeTLB().Misses,
		)
	}
}

// Kick stops every VCpu at its next instruction boundary.
func (vm *VM) Kick() {
	for _, v := range vm.vcpus {
		v.Kick()
	}
}

// Raise asserts an interrupt line of one VCpu.
func (vm *VM) Raise(cpu int, vector uint8) error {
	if cpu < 0 || cpu >= len(vm.pics) {
		return fmt.Errorf("no vcpu %d", cpu)
	}
	vm.pics[cpu].Raise(vector)
	return nil
}

// Balloon returns the page holding gpa to the host. The next guest access
// to it gets a zero filled page back.
func (vm *VM) Balloon(gpa uint64) error {
	if err := vm.mem.Balloon(gpa); err != nil {
		return err
	}
	for _, v := range vm.vcpus {
		v.FlushTLBs()
	}
	return nil
}

// Reset returns every VCpu to the state New left it in. Memory is kept.
func (vm *VM) Reset() error {
	if vm.running.Load() {
		return ErrRunning
	}
	for i, v := range vm.vcpus {
		v.Reset()
		if err := vm.bootContext(v.Ctx, i); err != nil {
			return err
		}
		v.ContextChanged()
	}
	return nil
}

// Close stops the VM. It cannot be run again.
func (vm *VM) Close() error {
	if vm.closed.Swap(true) {
		return nil
	}
	vm.Kick()
	return nil
}

// Dump writes the layout and every VCpu's state. Verbose adds the guest
// identification.
func (vm *VM) Dump(w io.Writer, verbose bool) error {
	if _, err := fmt.Fprintf(w, "vm %s: %d vcpus, %d MiB at %#x, profile %q, config %s\n",
		vm.arch, len(vm.vcpus), vm.cfg.MemoryMB, vm.cfg.MemoryBase, vm.cfg.Profile, vm.hash); err != nil {
		return err
	}
	for _, r := range vm.layout.Regions() {
		if _, err := fmt.Fprintf(w, "  %s\n", r); err != nil {
			return err
		}
	}
	for i, v := range vm.vcpus {
		if err := v.Dump(w); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "pic: raised=%d pending=%v\n", vm.pics[i].Raised(), vm.pics[i].HasPending()); err != nil {
			return err
		}
	}
	if err := vm.stats.Dump(w); err != nil {
		return err
	}
	if !verbose {
		return nil
	}
	g := vm.cpum.Config().Guest
	if _, err := fmt.Fprintf(w, "guest: %s %s, xstate %d bytes\nfeatures: %s\n",
		g.Vendor, g.Name, vm.cpum.Config().XStateSize, g.Set); err != nil {
		return err
	}
	return cpuid.Dump(w, vm.cpum.Config().Ident, true)
}
