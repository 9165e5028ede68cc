package iem

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/pgm"
	"github.com/tinyrange/iem/internal/timeslice"
	"github.com/tinyrange/iem/internal/trpm"
)

var (
	sliceInterpret = timeslice.RegisterKind("iem_interpret", timeslice.SliceFlagGuestTime)
	sliceCompile   = timeslice.RegisterKind("iem_compile", timeslice.SliceFlagGuestTime)
	sliceReplay    = timeslice.RegisterKind("iem_replay", timeslice.SliceFlagGuestTime)
	sliceDeliver   = timeslice.RegisterKind("iem_deliver", 0)
	sliceInject    = timeslice.RegisterKind("iem_inject", 0)
	sliceHalt      = timeslice.RegisterKind("iem_halt", 0)
)

func (v *VCpu) mark(id timeslice.Kind) {
	if v.rec != nil {
		v.rec.Record(id)
	}
}

// Run executes guest code until the guest shuts down, the VCpu is kicked or
// ctx is done, or the engine fails. It returns ErrHalted, ErrInterrupted,
// cpum.ErrRestorePending or a *GuruMeditation.
func (v *VCpu) Run(ctx context.Context) error {
	for {
		for i := 0; i < v.cfg.Quantum; i++ {
			if err := v.dispatch(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
	}
}

// Step runs one iteration of the dispatch loop: an event delivery, an
// interrupt injection, a block or a single instruction.
func (v *VCpu) Step(ctx context.Context) error {
	return v.dispatch(ctx)
}

func (v *VCpu) dispatch(ctx context.Context) error {
	if v.cfg.RestorePending != nil && v.cfg.RestorePending() {
		return cpum.ErrRestorePending
	}
	if v.kicked.Swap(false) {
		return ErrInterrupted
	}
	if v.tlbFlush.Swap(false) {
		v.flushTranslations()
	}
	if v.Trap.State() != trpm.NoActiveTrap {
		return v.deliverActive()
	}
	if v.pic != nil && v.pic.HasPending() {
		// A pending interrupt ends a halt even while masked.
		v.halted = false
		if v.interruptible() {
			return v.injectInterrupt()
		}
	}
	if v.halted {
		return v.waitHalted(ctx)
	}
	return v.execute()
}

func (v *VCpu) resumePath() trpm.ResumePath {
	if v.cfg.Exec == ExecInterpret {
		return trpm.ResumeInterpreter
	}
	return trpm.ResumeThreaded
}

func (v *VCpu) interruptible() bool {
	return v.target.InterruptsEnabled(v) && !v.interruptsInhibited()
}

func (v *VCpu) injectInterrupt() error {
	res, err := trpm.InjectHardwareInterrupt(v.Trap, v.pic, v.resumePath())
	v.mark(sliceInject)
	if err != nil {
		return v.guru(err)
	}
	if res.Injected {
		v.log.Debug("injected interrupt", "vector", res.Vector, "resume", res.Resume)
	}
	return nil
}

func (v *VCpu) deliverActive() error {
	ev, err := v.Trap.QueryActiveTrap()
	if err != nil {
		return v.guru(err)
	}
	if ev.Type == trpm.EventHardwareInterrupt && !v.interruptible() {
		// An interrupt whose delivery faulted comes back here once the
		// fault is delivered, usually with interrupts masked by the
		// handler's gate. It waits in the controller until the guest
		// unmasks them again.
		return v.deferInterrupt()
	}
	err = v.target.Deliver(v, ev)
	v.mark(sliceDeliver)
	if err == nil {
		v.releaseMappings()
		v.Stats.Delivered++
		v.halted = false
		if err := v.Trap.Delivered(); err != nil {
			return v.guru(err)
		}
		return nil
	}
	v.releaseMappings()
	var pe pgm.PendingError
	if errors.As(err, &pe) {
		return v.resolve(pe)
	}
	var f *Fault
	if errors.As(err, &f) {
		v.log.Debug("fault during event delivery", "event", ev, "fault", f)
		if err := v.target.Raise(v.Trap, v.target.Event(v, f)); err != nil {
			return v.guru(err)
		}
		return nil
	}
	return v.guru(err)
}

func (v *VCpu) deferInterrupt() error {
	ev, err := v.Trap.Withdraw()
	if err != nil {
		return v.guru(err)
	}
	if v.pic == nil {
		return v.guru(internalf("interrupt %#x without a controller", ev.Vector))
	}
	v.pic.Requeue(ev.Vector)
	v.log.Debug("interrupt deferred", "vector", ev.Vector, "pc", fmt.Sprintf("%#x", v.Ctx.PC))
	return nil
}

func (v *VCpu) waitHalted(ctx context.Context) error {
	var wake <-chan struct{}
	if v.pic != nil {
		wake = v.pic.WaitChan()
	}
	select {
	case <-wake:
	case <-v.kickCh:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	v.mark(sliceHalt)
	return nil
}

func (v *VCpu) lookupKey() (blockKey, error) {
	la := v.codeLinear(v.Ctx.PC)
	e, err := v.translate(la, pgm.AccessExec)
	if err != nil {
		return blockKey{}, err
	}
	return blockKey{phys: e.phys | la&pgm.PageMask, pc: v.Ctx.PC, mode: v.target.ModeTag(v)}, nil
}

func (v *VCpu) execute() error {
	if v.cfg.Exec == ExecInterpret {
		err := v.interpretOne()
		v.mark(sliceInterpret)
		return v.handle(err)
	}

	key, err := v.lookupKey()
	if err != nil {
		return v.handle(err)
	}
	if tb := v.blocks.Lookup(key); tb != nil {
		v.Stats.BlockHits++
		res, err := ExecuteThreadedBlock(v, tb)
		v.mark(sliceReplay)
		switch res {
		case ExecCompleted, ExecPending:
			return nil
		case ExecGuardFailed:
			// Make progress past the instruction the block no longer
			// matches.
			v.Stats.GuardFailures++
			return v.handle(v.interpretOne())
		case ExecFault:
			return v.handle(err)
		}
	}

	v.Stats.BlockMisses++
	if len(v.misses) > 4*v.cfg.MaxBlocks {
		clear(v.misses)
	}
	v.misses[key]++
	if v.misses[key] < v.cfg.CompileThreshold {
		err := v.interpretOne()
		v.mark(sliceInterpret)
		return v.handle(err)
	}
	delete(v.misses, key)
	err = v.compileAndRun(key)
	v.mark(sliceCompile)
	return v.handle(err)
}

// handle routes the error of an execution step: guest faults become trap
// manager events, ballooned pages are resolved and anything else is fatal.
func (v *VCpu) handle(err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	var pe pgm.PendingError
	switch {
	case errors.As(err, &f):
		return v.raise(f)
	case errors.As(err, &pe):
		return v.resolve(pe)
	case errors.Is(err, ErrHalted):
		v.log.Info("guest shutdown", "pc", fmt.Sprintf("%#x", v.Ctx.PC), "instructions", v.Stats.Instructions)
		return ErrHalted
	}
	return v.guru(err)
}

func (v *VCpu) raise(f *Fault) error {
	v.Stats.Faults++
	ev := v.target.Event(v, f)
	v.log.Debug("guest fault", "pc", fmt.Sprintf("%#x", v.Ctx.PC), "fault", f, "event", ev)
	if err := v.target.Raise(v.Trap, ev); err != nil {
		return v.guru(err)
	}
	return nil
}

func (v *VCpu) resolve(pe pgm.PendingError) error {
	if err := v.mem.Resolve(pe.GPA); err != nil {
		return v.guru(err)
	}
	v.Stats.Resolved++
	v.flushTranslations()
	return nil
}
