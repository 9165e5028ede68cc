package iem

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tinyrange/iem/internal/cpum"
)

// GuruMeditation stops a VCpu on a condition the guest cannot handle: a
// triple fault, an inconsistent engine state or an internal error.
type GuruMeditation struct {
	VCpu   int
	PC     uint64
	Reason error
}

var _ error = &GuruMeditation{}

func (g *GuruMeditation) Error() string {
	return fmt.Sprintf("guru meditation on vcpu %d at pc %#x: %v", g.VCpu, g.PC, g.Reason)
}

func (g *GuruMeditation) Unwrap() []error { return []error{ErrGuruMeditation, g.Reason} }

func (v *VCpu) guru(reason error) error {
	g := &GuruMeditation{VCpu: v.ID, PC: v.Ctx.PC, Reason: reason}
	v.log.Error("guru meditation", "pc", fmt.Sprintf("%#x", g.PC), "reason", reason)
	if err := v.Dump(v.cfg.Dump); err != nil {
		v.log.Warn("failed to write guru meditation dump", "error", err)
	}
	return g
}

// Dump writes the complete diagnostic state of the VCpu.
func (v *VCpu) Dump(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "=== vcpu %d: %s %s, %s ===\n", v.ID, v.Ctx.Arch(), v.Ctx.Mode(), v.Elapsed().Round(time.Millisecond))
	if err := cpum.DumpContext(&b, v.Ctx); err != nil {
		return err
	}
	if err := v.Trap.Dump(&b); err != nil {
		return err
	}
	s := &v.Stats
	fmt.Fprintf(&b, "halted=%v inhibit=%v mappings=%d\n", v.halted, v.inhibitIRQ, v.ActiveMappings())
	fmt.Fprintf(&b, "instructions=%d interpreted=%d faults=%d delivered=%d resolved=%d\n",
		s.Instructions, s.Interpreted, s.Faults, s.Delivered, s.Resolved)
	fmt.Fprintf(&b, "blocks=%d execs=%d hits=%d misses=%d compiled=%d invalidated=%d guard-failures=%d flushes=%d\n",
		v.blocks.Len(), s.BlockExecs, s.BlockHits, s.BlockMisses, s.Compiled, s.Invalidated, s.GuardFailures, v.blocks.Flushes)
	fmt.Fprintf(&b, "tlb code %d/%d data %d/%d (hits/misses)\n",
		v.codeTLB.Hits, v.codeTLB.Misses, v.dataTLB.Hits, v.dataTLB.Misses)
	if v.curTB != nil {
		if err := v.curTB.Disassemble(&b, v); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
