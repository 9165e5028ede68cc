package iem

import (
	"bytes"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/trpm"
)

// FuncID indexes the threaded function table of a VCpu: builtins first,
// then the target's functions from FirstTargetFunc.
type FuncID uint16

// Call is one threaded call record. A block is a flat slice of them.
type Call struct {
	Fn FuncID
	// End is the length of the instruction this call completes, or zero
	// for calls in the middle of an instruction.
	End uint8
	P   [3]uint64
}

// FuncInfo is one entry of a threaded function table. Fn panics with
// *Fault on guest exceptions.
type FuncInfo struct {
	Name string
	Fn   func(v *VCpu, c *Call)
}

// InstrFlags describe a decoded instruction to the compiler.
type InstrFlags uint8

const (
	// FlagEndBlock: the instruction may branch or raise an exception.
	FlagEndBlock InstrFlags = 1 << iota
	// FlagWritesMem: the instruction may write guest memory, so the bytes
	// of the next instruction are rechecked before it runs.
	FlagWritesMem
	// FlagModeChange: the instruction may change what ModeTag returns.
	FlagModeChange
)

const (
	funcNop FuncID = iota
	funcCheckMode
	funcCheckOpcodes
	funcCheckNewPage
	funcCheckCrossPage
	funcCheckIrq
	FirstTargetFunc
)

var builtinFuncs = [FirstTargetFunc]FuncInfo{
	funcNop:            {"nop", func(*VCpu, *Call) {}},
	funcCheckMode:      {"check-mode", checkMode},
	funcCheckOpcodes:   {"check-opcodes", checkOpcodes},
	funcCheckNewPage:   {"check-new-page", checkPage},
	funcCheckCrossPage: {"check-cross-page", checkPage},
	funcCheckIrq:       {"check-irq", checkIrq},
}

// checkMode: P0 mode tag, P1 CS limit plus one or zero.
func checkMode(v *VCpu, c *Call) {
	if v.target.ModeTag(v) != uint32(c.P[0]) {
		panic(stopGuard)
	}
	if c.P[1] != 0 && uint64(v.Ctx.Seg[cpum.SegCS].Limit)+1 != c.P[1] {
		panic(stopGuard)
	}
}

// checkOpcodes: P0 offset into the block's opcode bytes, P1 length, P2
// linear address of the instruction.
func checkOpcodes(v *VCpu, c *Call) {
	tb := v.curTB
	if tb == nil || c.P[0]+c.P[1] > uint64(len(tb.opcodes)) {
		panic(internalf("opcode guard outside its block"))
	}
	want := tb.opcodes[c.P[0] : c.P[0]+c.P[1]]
	var got [maxInstrBytes]byte
	for i := range want {
		got[i] = v.fetchByte(c.P[2] + uint64(i))
	}
	if !bytes.Equal(got[:len(want)], want) {
		panic(stopGuard)
	}
}

// checkPage: P0 linear page, P1 expected physical page, P2 its generation
// when the block was compiled.
func checkPage(v *VCpu, c *Call) {
	phys := v.fetchPhys(c.P[0])
	if phys != c.P[1] || v.mem.Generation(phys) != c.P[2] {
		panic(stopGuard)
	}
}

func checkIrq(v *VCpu, _ *Call) {
	if v.eventPending() {
		panic(stopPending)
	}
}

// eventPending reports whether the dispatch loop has work to do before the
// next instruction.
func (v *VCpu) eventPending() bool {
	if v.kicked.Load() || v.tlbFlush.Load() {
		return true
	}
	if v.Trap.State() != trpm.NoActiveTrap {
		return true
	}
	return v.pic != nil && v.pic.HasPending() && v.interruptible()
}

// Emitter collects the calls of one instruction during decode.
type Emitter struct {
	calls []Call
}

// Emit appends a call to fn with up to three parameters.
func (e *Emitter) Emit(fn FuncID, p ...uint64) {
	c := Call{Fn: fn}
	copy(c.P[:], p)
	e.calls = append(e.calls, c)
}

// Len is the number of calls emitted for the current instruction.
func (e *Emitter) Len() int { return len(e.calls) }

func (e *Emitter) reset() { e.calls = e.calls[:0] }

// finish marks the last call as ending an instruction of length n.
func (e *Emitter) finish(n int) {
	if len(e.calls) == 0 {
		e.Emit(funcNop)
	}
	e.calls[len(e.calls)-1].End = uint8(n)
}

// runCalls executes call records, retiring an instruction at every call
// with End set.
func (v *VCpu) runCalls(calls []Call) {
	for i := range calls {
		c := &calls[i]
		v.fns[c.Fn].Fn(v, c)
		if c.End != 0 {
			v.retire(c.End)
		}
	}
}

// retire completes an instruction: the PC moves past it unless a branch set
// it, and leftover mappings are dropped.
func (v *VCpu) retire(n uint8) {
	if !v.pcSet {
		v.Ctx.PC = (v.Ctx.PC + uint64(n)) & v.pcMask()
	}
	v.pcSet = false
	v.releaseMappings()
	v.Mapped = nil
	v.Stats.Instructions++
}

func (v *VCpu) pcMask() uint64 {
	switch v.Ctx.Mode() {
	case cpum.ModeReal, cpum.ModeProt16:
		return 0xffff
	case cpum.ModeProt32, cpum.ModeCompat:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}
