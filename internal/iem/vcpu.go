// Package iem is the instruction emulation engine: the memory access
// pipeline in front of guest memory, the threaded recompiler with its block
// cache, and the per-VCpu dispatch loop that ties them to the trap manager.
//
// Instruction set details live in target packages (iem/x86, iem/arm64),
// which decode guest code into calls of threaded functions. Interpretation
// and block replay run the same functions, so the two paths cannot drift.
package iem

import (
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/pic"
	"github.com/tinyrange/iem/internal/timeslice"
	"github.com/tinyrange/iem/internal/trpm"
)

// Target is an instruction set implementation.
type Target interface {
	Arch() hv.CpuArchitecture
	// Functions is the threaded function table. Call.Fn indexes it from
	// FirstTargetFunc.
	Functions() []FuncInfo
	// MaxInstrLen bounds how many bytes Decode may fetch.
	MaxInstrLen() int
	// Decode decodes the instruction at d.PC() and emits its calls. Fetch
	// faults panic with *Fault; undecodable instructions emit a call that
	// raises the architectural fault instead.
	Decode(d *Decoder, e *Emitter) InstrFlags
	// ModeTag identifies everything decoding depended on.
	ModeTag(v *VCpu) uint32
	// Paging derives the translation regime from the context.
	Paging(v *VCpu) (*pgm.Paging, error)
	// Event converts a fault into the event the trap manager delivers.
	Event(v *VCpu, f *Fault) trpm.Event
	// Raise queues ev while another event may be mid-delivery.
	Raise(t *trpm.Trap, ev trpm.Event) error
	// Deliver performs the architectural entry into the handler for ev. It
	// uses the result form accessors and returns *Fault if delivery itself
	// faults.
	Deliver(v *VCpu, ev trpm.Event) error
	// InterruptsEnabled reports whether a hardware interrupt may be taken
	// at the current instruction boundary.
	InterruptsEnabled(v *VCpu) bool
}

// ExecMode selects how a VCpu runs guest code.
type ExecMode uint8

const (
	ExecThreaded ExecMode = iota
	ExecInterpret
)

func (m ExecMode) String() string {
	if m == ExecInterpret {
		return "interpret"
	}
	return "threaded"
}

// Config is the engine configuration of one VCpu.
type Config struct {
	Exec ExecMode
	// CompileThreshold is how many times a block start must miss the cache
	// before it is compiled.
	CompileThreshold int
	// MaxBlockInstructions ends a block after this many instructions.
	MaxBlockInstructions int
	// MaxBlocks bounds the block cache; it is flushed when full.
	MaxBlocks int
	// Quantum is the number of dispatch iterations between context checks.
	Quantum int

	// Console receives guest debug console output.
	Console io.Writer
	// Dump receives the guru meditation report.
	Dump   io.Writer
	Logger *slog.Logger

	// RestorePending gates execution while a saved state is being loaded.
	RestorePending func() bool
	// Timeslices records how long the dispatch loop spends in each phase
	// to the process-wide timeslice stream.
	Timeslices bool
}

func (c *Config) normalize() {
	if c.CompileThreshold <= 0 {
		c.CompileThreshold = 2
	}
	if c.MaxBlockInstructions <= 0 {
		c.MaxBlockInstructions = 64
	}
	if c.MaxBlocks <= 0 {
		c.MaxBlocks = 4096
	}
	if c.Quantum <= 0 {
		c.Quantum = 10000
	}
	if c.Console == nil {
		c.Console = io.Discard
	}
	if c.Dump == nil {
		c.Dump = io.Discard
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are per-VCpu counters. They are only written by the VCpu goroutine.
type Stats struct {
	Instructions  uint64
	Interpreted   uint64
	BlockExecs    uint64
	BlockHits     uint64
	BlockMisses   uint64
	Compiled      uint64
	Invalidated   uint64
	GuardFailures uint64
	Faults        uint64
	Delivered     uint64
	Resolved      uint64
}

// VCpu is one virtual CPU. All of its state is owned by the goroutine that
// calls Run; Kick and FlushTLBs are the only methods safe to call from
// elsewhere.
type VCpu struct {
	ID   int
	Ctx  *cpum.Context
	Trap *trpm.Trap

	target Target
	mem    *pgm.Memory
	pic    *pic.Controller
	cfg    Config
	log    *slog.Logger

	fns []FuncInfo

	paging  *pgm.Paging
	codeTLB *TLB
	dataTLB *TLB
	fetch   fetchWindow
	maps    [maxMappings]Mapping

	blocks  *BlockCache
	misses  map[blockKey]int
	curTB   *TB
	decoder Decoder
	emitter Emitter

	pcSet  bool
	halted bool
	// Interrupts are held off for the instruction after one that enables
	// them, identified by its PC.
	inhibitIRQ   bool
	inhibitIRQPC uint64
	supervised   bool

	kicked   atomic.Bool
	kickCh   chan struct{}
	tlbFlush atomic.Bool

	// Monitor is the exclusive access monitor of load/store-exclusive
	// instructions. Value is what the exclusive load returned; the paired
	// store only succeeds while memory still holds it.
	Monitor struct {
		Valid bool
		Addr  uint64
		Size  int
		Value uint64
	}
	// Tmp carries values between the calls of one instruction.
	Tmp [4]uint64
	// Mapped is the read-modify-write operand of the current instruction.
	Mapped *Mapping

	rec   *timeslice.Recorder
	start time.Time
	Stats Stats
}

// NewVCpu creates a VCpu around an initialised context.
func NewVCpu(id int, ctx *cpum.Context, trap *trpm.Trap, target Target, mem *pgm.Memory, ctl *pic.Controller, cfg Config) *VCpu {
	cfg.normalize()
	v := &VCpu{
		ID:      id,
		Ctx:     ctx,
		Trap:    trap,
		target:  target,
		mem:     mem,
		pic:     ctl,
		cfg:     cfg,
		log:     cfg.Logger.With("vcpu", id),
		codeTLB: newTLB(),
		dataTLB: newTLB(),
		blocks:  NewBlockCache(cfg.MaxBlocks),
		misses:  make(map[blockKey]int),
		kickCh:  make(chan struct{}, 1),
		start:   time.Now(),
	}
	v.fns = append(append([]FuncInfo(nil), builtinFuncs[:]...), target.Functions()...)
	v.decoder.v = v
	if cfg.Timeslices {
		v.rec = timeslice.NewRecorder(id)
	}
	return v
}

func (v *VCpu) Target() Target            { return v.target }
func (v *VCpu) Memory() *pgm.Memory       { return v.mem }
func (v *VCpu) PIC() *pic.Controller      { return v.pic }
func (v *VCpu) Console() io.Writer        { return v.cfg.Console }
func (v *VCpu) Logger() *slog.Logger      { return v.log }
func (v *VCpu) Blocks() *BlockCache       { return v.blocks }
func (v *VCpu) CodeTLB() *TLB             { return v.codeTLB }
func (v *VCpu) DataTLB() *TLB             { return v.dataTLB }
func (v *VCpu) Halted() bool              { return v.halted }
func (v *VCpu) Config() *Config           { return &v.cfg }
func (v *VCpu) SetHalted(h bool)          { v.halted = h }
func (v *VCpu) Elapsed() time.Duration    { return time.Since(v.start) }
func (v *VCpu) Function(id FuncID) string { return v.funcName(id) }

func (v *VCpu) funcName(id FuncID) string {
	if int(id) < len(v.fns) {
		return v.fns[id].Name
	}
	return "invalid"
}

// Kick asks the VCpu to return from Run at the next instruction boundary.
func (v *VCpu) Kick() {
	v.kicked.Store(true)
	select {
	case v.kickCh <- struct{}{}:
	default:
	}
}

// FlushTLBs asks the VCpu to drop its translations before its next
// instruction, e.g. after guest memory was ballooned.
func (v *VCpu) FlushTLBs() {
	v.tlbFlush.Store(true)
}

// ContextChanged must be called after the register state was replaced from
// outside the dispatch loop, such as after a restore or a reset.
func (v *VCpu) ContextChanged() {
	v.flushTranslations()
	v.halted = false
	v.inhibitIRQ = false
	v.Monitor.Valid = false
}

// Reset returns the VCpu to power-on state: registers, trap slots, TLBs and
// block cache.
func (v *VCpu) Reset() {
	v.Ctx.Reset()
	v.Trap.Clear()
	v.blocks.Flush()
	clear(v.misses)
	v.ContextChanged()
}

// flushTranslations drops the TLBs and the cached translation regime. The
// target calls it after writes to the paging control registers.
func (v *VCpu) flushTranslations() {
	v.codeTLB.Flush()
	v.dataTLB.Flush()
	v.fetch.valid = false
	v.paging = nil
}

// FlushTLB is the guest visible TLB invalidation.
func (v *VCpu) FlushTLB() { v.flushTranslations() }

// FlushTLBPage invalidates the translation of one page.
func (v *VCpu) FlushTLBPage(vaddr uint64) {
	v.codeTLB.FlushPage(vaddr)
	v.dataTLB.FlushPage(vaddr)
	v.fetch.valid = false
}

// SetPC is used by branch functions. The instruction's length is not added
// afterwards.
func (v *VCpu) SetPC(pc uint64) {
	v.Ctx.PC = pc
	v.pcSet = true
}

// InhibitInterrupts holds off interrupts until the instruction at pc has
// completed.
func (v *VCpu) InhibitInterrupts(pc uint64) {
	v.inhibitIRQ = true
	v.inhibitIRQPC = pc
}

func (v *VCpu) interruptsInhibited() bool {
	if v.inhibitIRQ && v.Ctx.PC != v.inhibitIRQPC {
		v.inhibitIRQ = false
	}
	return v.inhibitIRQ
}

// Supervised runs fn with memory accesses checked at supervisor privilege.
// Descriptor table reads and the stack switch of event delivery are such
// implicit system accesses.
func (v *VCpu) Supervised(fn func() error) error {
	prev := v.supervised
	v.supervised = true
	defer func() { v.supervised = prev }()
	return fn()
}

// userAccess returns AccessUser when the VCpu runs unprivileged.
func (v *VCpu) userAccess() pgm.Access {
	if v.supervised {
		return 0
	}
	if v.Ctx.Arch() == hv.ArchitectureARM64 {
		if v.Ctx.Mode() == cpum.ModeARM64EL0 {
			return pgm.AccessUser
		}
		return 0
	}
	if v.Ctx.CPL() == 3 {
		return pgm.AccessUser
	}
	return 0
}
