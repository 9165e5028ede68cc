package cpum

import (
	"fmt"
	"io"
	"strings"

	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
)

var x86GPRNames = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func x86FlagString(f uint64) string {
	var b strings.Builder
	for _, fl := range []struct {
		bit  uint64
		name string
	}{
		{FlagOF, "of"}, {FlagDF, "df"}, {FlagIF, "if"}, {FlagTF, "tf"}, {FlagSF, "sf"},
		{FlagZF, "zf"}, {FlagAF, "af"}, {FlagPF, "pf"}, {FlagCF, "cf"},
	} {
		if f&fl.bit != 0 {
			b.WriteString(fl.name)
		} else {
			b.WriteString("--")
		}
		b.WriteByte(' ')
	}
	return strings.TrimSpace(b.String())
}

// DumpContext writes a human-readable register dump.
func DumpContext(w io.Writer, c *Context) error {
	var err error
	printf := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	switch c.Arch() {
	case hv.ArchitectureX86_64:
		for i := 0; i < 16; i += 4 {
			printf("%-3s=%016x %-3s=%016x %-3s=%016x %-3s=%016x\n",
				x86GPRNames[i], c.GPR[i], x86GPRNames[i+1], c.GPR[i+1],
				x86GPRNames[i+2], c.GPR[i+2], x86GPRNames[i+3], c.GPR[i+3])
		}
		printf("rip=%016x rfl=%08x [%s] mode=%s cpl=%d\n", c.PC, c.Flags, x86FlagString(c.Flags), c.Mode(), c.CPL())
		for i, s := range c.Seg {
			printf("%s={%04x base=%016x limit=%08x attr=%05x}\n", segNames[i], s.Selector, s.Base, s.Limit, s.Attr)
		}
		printf("ldtr={%04x base=%016x limit=%08x attr=%05x}\n", c.LDTR.Selector, c.LDTR.Base, c.LDTR.Limit, c.LDTR.Attr)
		printf("tr  ={%04x base=%016x limit=%08x attr=%05x}\n", c.TR.Selector, c.TR.Base, c.TR.Limit, c.TR.Attr)
		printf("gdtr=%016x:%04x idtr=%016x:%04x\n", c.GDTR.Base, c.GDTR.Limit, c.IDTR.Base, c.IDTR.Limit)
		printf("cr0=%08x cr2=%016x cr3=%016x cr4=%08x cr8=%x\n", c.CR0, c.CR2, c.CR3, c.CR4, c.CR8)
		printf("efer=%08x xcr0=%016x\n", c.EFER, c.XCR0)
		printf("dr0=%016x dr1=%016x dr2=%016x dr3=%016x\n", c.DR[0], c.DR[1], c.DR[2], c.DR[3])
		printf("dr6=%016x dr7=%016x\n", c.DR[6], c.DR[7])
		if len(c.XState) >= FXSaveSize {
			printf("fcw=%04x mxcsr=%08x xstate=%d bytes\n", c.FCW(), c.MXCSR(), len(c.XState))
		}
	case hv.ArchitectureARM64:
		for i := 0; i < 31; i += 4 {
			for j := i; j < i+4 && j < 31; j++ {
				printf("x%-2d=%016x ", j, c.GPR[j])
			}
			printf("\n")
		}
		printf("sp=%016x pc=%016x pstate=%08x mode=%s\n", c.GPR[SPIndex], c.PC, c.Flags, c.Mode())
		if len(c.XState) >= ARM64XStateSize {
			printf("fpsr=%08x fpcr=%08x\n", c.FPSR(), c.FPCR())
		}
		for _, r := range c.SysRegs.regs {
			if r.ID.IsIDRegister() {
				continue
			}
			printf("%-14s=%016x\n", r.ID, r.Value)
		}
	default:
		printf("no register state (arch %s)\n", c.Arch())
	}
	return err
}

// Dump writes every context and, in verbose mode, the annotated guest
// identification.
func (m *Manager) Dump(w io.Writer, verbose bool) error {
	for i, c := range m.cpus {
		if _, err := fmt.Fprintf(w, "vcpu %d (use=%#x):\n", i, uint32(c.Use)); err != nil {
			return err
		}
		if err := DumpContext(w, c.Ctx); err != nil {
			return err
		}
	}
	if verbose {
		if g := m.cfg.Guest; g != nil {
			if _, err := fmt.Fprintf(w, "guest: %s %s (%s), xstate %d bytes\nfeatures: %s\n",
				g.Vendor, g.Name, g.Arch, m.cfg.XStateSize, g.Set); err != nil {
				return err
			}
		}
		return cpuid.Dump(w, m.cfg.Ident, true)
	}
	return nil
}
