package iem

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/pgm"
)

// EmitResult is the outcome of compiling one instruction.
type EmitResult uint8

const (
	// EmitContinue: the instruction was appended and the block continues.
	EmitContinue EmitResult = iota
	// EmitEndBlock: the instruction was appended and ends the block.
	EmitEndBlock
	// EmitPageLimit: the instruction needs a third page; nothing was
	// appended.
	EmitPageLimit
	// EmitAbort: nothing was appended. The error, if any, is the fault of
	// decoding the instruction.
	EmitAbort
)

func (r EmitResult) String() string {
	switch r {
	case EmitContinue:
		return "continue"
	case EmitEndBlock:
		return "end-block"
	case EmitPageLimit:
		return "page-limit"
	case EmitAbort:
		return "abort"
	default:
		return fmt.Sprintf("emit(%d)", r)
	}
}

// ExecResult is the outcome of running a translation block.
type ExecResult uint8

const (
	// ExecCompleted: every instruction of the block ran.
	ExecCompleted ExecResult = iota
	// ExecGuardFailed: a guard found the block no longer matches; the VCpu
	// is at the boundary of the guarded instruction.
	ExecGuardFailed
	// ExecPending: the block stopped at an instruction boundary for an
	// event.
	ExecPending
	// ExecInvalidated: the block failed its entry check and was evicted.
	ExecInvalidated
	// ExecFault: an instruction faulted or the engine failed; see the
	// error.
	ExecFault
)

func (r ExecResult) String() string {
	switch r {
	case ExecCompleted:
		return "completed"
	case ExecGuardFailed:
		return "guard-failed"
	case ExecPending:
		return "pending"
	case ExecInvalidated:
		return "invalidated"
	case ExecFault:
		return "fault"
	default:
		return fmt.Sprintf("exec(%d)", r)
	}
}

// protect runs fn, turning the panics of threaded functions back into
// values. It is the only recover in the engine.
func (v *VCpu) protect(fn func()) (stop replayStop, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		v.abandonInstruction()
		switch x := r.(type) {
		case replayStop:
			stop = x
		case *Fault:
			err = x
		case error:
			var re runtime.Error
			if errors.As(x, &re) {
				err = internalError{fmt.Errorf("%w: %v", ErrInternal, x)}
				return
			}
			err = x
		default:
			err = internalf("panic: %v", x)
		}
	}()
	fn()
	return 0, nil
}

// abandonInstruction drops the partial effects the engine itself tracks for
// an instruction that did not complete.
func (v *VCpu) abandonInstruction() {
	v.pcSet = false
	v.releaseMappings()
	v.Tmp = [4]uint64{}
	v.Mapped = nil
}

// decode decodes the instruction at the PC into v.emitter.
func (v *VCpu) decode() (InstrFlags, error) {
	var flags InstrFlags
	v.emitter.reset()
	v.decoder.reset(v.Ctx.PC)
	_, err := v.protect(func() {
		flags = v.target.Decode(&v.decoder, &v.emitter)
	})
	if err != nil {
		return 0, err
	}
	v.emitter.finish(v.decoder.Len())
	return flags, nil
}

// interpretOne decodes and runs a single instruction.
func (v *VCpu) interpretOne() error {
	if _, err := v.decode(); err != nil {
		return err
	}
	v.Stats.Interpreted++
	stop, err := v.protect(func() { v.runCalls(v.emitter.calls) })
	if err != nil {
		return err
	}
	if stop != 0 {
		return internalf("guard stop %d outside a block", stop)
	}
	return nil
}

// CompileOneInstruction decodes the instruction at the VCpu's PC and
// appends its guards and calls to tb.
func CompileOneInstruction(v *VCpu, tb *TB) (EmitResult, error) {
	if tb.state != TBCompiling {
		return EmitAbort, internalf("compile into %s block", tb.state)
	}
	flags, err := v.decode()
	if err != nil {
		return EmitAbort, err
	}
	d := &v.decoder

	// Account for the pages of the instruction before touching tb.
	pages := d.Pages()
	var added [2]tbPage
	nadded := 0
	for _, p := range pages {
		if _, ok := tb.page(p); !ok {
			added[nadded] = tbPage{phys: p}
			nadded++
		}
	}
	if tb.npages+nadded > len(tb.pages) {
		return EmitPageLimit, nil
	}
	for i := range added[:nadded] {
		added[i].gen = v.mem.TrackCode(added[i].phys)
	}
	// The bytes must still be what was decoded now that their pages are
	// tracked; a write in between would otherwise go unnoticed.
	if !v.verifyOpcodes(d) {
		return EmitAbort, nil
	}
	for _, p := range pages {
		i, ok := tb.page(p)
		if ok && v.mem.Generation(p) != tb.pages[i].gen {
			return EmitAbort, nil
		}
	}

	first := tb.instrs == 0
	if tb.instrs%8 == 0 {
		tb.calls = append(tb.calls, Call{Fn: funcCheckIrq})
	}
	if first || !d.Mode().Is64() {
		tb.calls = append(tb.calls, v.modeGuard())
	}
	copy(tb.pages[tb.npages:], added[:nadded])
	tb.npages += nadded

	// Every linear page after the block's first is rechecked on replay:
	// its mapping or contents may have changed since.
	lp := d.la &^ pgm.PageMask
	if !first && lp != tb.lastPage {
		tb.calls = append(tb.calls, v.pageGuard(funcCheckNewPage, tb, lp, pages[0]))
	}
	tb.lastPage = lp
	if d.la&pgm.PageMask+uint64(d.Len()) > pgm.PageSize {
		tb.lastPage = lp + pgm.PageSize
		tb.calls = append(tb.calls, v.pageGuard(funcCheckCrossPage, tb, tb.lastPage, pages[len(pages)-1]))
	}

	off := len(tb.opcodes)
	tb.opcodes = append(tb.opcodes, d.Bytes()...)
	if tb.wrote {
		tb.calls = append(tb.calls, Call{Fn: funcCheckOpcodes, P: [3]uint64{uint64(off), uint64(d.Len()), d.la}})
	}

	tb.instrStart = len(tb.calls)
	tb.calls = append(tb.calls, v.emitter.calls...)
	tb.instrs++
	tb.wrote = flags&FlagWritesMem != 0

	if flags&(FlagEndBlock|FlagModeChange) != 0 || tb.instrs >= v.cfg.MaxBlockInstructions {
		return EmitEndBlock, nil
	}
	return EmitContinue, nil
}

func (v *VCpu) modeGuard() Call {
	c := Call{Fn: funcCheckMode}
	c.P[0] = uint64(v.target.ModeTag(v))
	if v.Ctx.Arch() == hv.ArchitectureX86_64 && !v.decoder.Mode().Is64() {
		c.P[1] = uint64(v.Ctx.Seg[cpum.SegCS].Limit) + 1
	}
	return c
}

func (v *VCpu) pageGuard(fn FuncID, tb *TB, la, phys uint64) Call {
	i, _ := tb.page(phys)
	return Call{Fn: fn, P: [3]uint64{la, phys, tb.pages[i].gen}}
}

// verifyOpcodes rereads the decoded bytes from physical memory.
func (v *VCpu) verifyOpcodes(d *Decoder) bool {
	var buf [maxInstrBytes]byte
	got := buf[:d.Len()]
	first := d.phys[0] | d.la&pgm.PageMask
	n := copy(got, v.mustPage(first)[first&pgm.PageMask:])
	if n < len(got) {
		copy(got[n:], v.mustPage(d.phys[d.npages-1]))
	}
	return bytes.Equal(got, d.Bytes())
}

func (v *VCpu) mustPage(phys uint64) []byte {
	p, err := v.mem.Page(phys)
	if err != nil {
		// Ballooned since the fetch; the block cannot be trusted.
		return make([]byte, pgm.PageSize)
	}
	return p
}

// ExecuteThreadedBlock runs tb from its first instruction. The VCpu's PC must
// be tb.PC.
func ExecuteThreadedBlock(v *VCpu, tb *TB) (ExecResult, error) {
	if tb.state != TBFinalized {
		return ExecInvalidated, nil
	}
	if stale, ok := tb.current(v.mem); !ok || tb.Mode != v.target.ModeTag(v) {
		tb.Invalidate()
		v.blocks.Remove(tb)
		if !ok {
			v.blocks.InvalidatePage(stale)
		}
		v.Stats.Invalidated++
		return ExecInvalidated, nil
	}
	if v.Ctx.PC != tb.PC {
		return ExecFault, internalf("block for %#x entered at %#x", tb.PC, v.Ctx.PC)
	}

	v.curTB = tb
	defer func() { v.curTB = nil }()
	tb.Execs++
	v.Stats.BlockExecs++
	stop, err := v.protect(func() { v.runCalls(tb.calls) })
	switch {
	case err != nil:
		return ExecFault, err
	case stop == stopGuard:
		tb.GuardFailures++
		return ExecGuardFailed, nil
	case stop == stopPending:
		return ExecPending, nil
	}
	return ExecCompleted, nil
}

// compileAndRun translates a block at the PC, running each instruction as
// soon as it is compiled. The block is cached once it ends.
func (v *VCpu) compileAndRun(key blockKey) error {
	tb := newTB(key.pc, key.phys, key.mode)
	v.curTB = tb
	defer func() { v.curTB = nil }()

	keep := func() {
		if tb.instrs == 0 {
			return
		}
		if _, ok := tb.current(v.mem); !ok {
			return
		}
		tb.finalize()
		v.blocks.Insert(tb)
		v.Stats.Compiled++
	}

	for {
		res, err := CompileOneInstruction(v, tb)
		if err != nil {
			keep()
			return err
		}
		switch res {
		case EmitAbort:
			return nil
		case EmitPageLimit:
			keep()
			return nil
		}

		v.Stats.Interpreted++
		stop, err := v.protect(func() { v.runCalls(tb.calls[tb.instrStart:]) })
		if err != nil || stop != 0 {
			keep()
			if err == nil {
				err = internalf("guard stop %d in instruction calls", stop)
			}
			return err
		}
		if res == EmitEndBlock || v.halted || v.eventPending() {
			keep()
			return nil
		}
	}
}
