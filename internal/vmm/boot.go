package vmm

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/iem/arm64"
	"github.com/tinyrange/iem/internal/pgm"
)

const (
	pageTableWindow = 64 << 10

	// GDT selectors of the flat long mode segments.
	selCode = 0x08
	selData = 0x10
)

// Null, 64-bit code and flat data descriptors.
var gdtEntries = [...]uint64{0, 0x00af9b000000ffff, 0x00cf93000000ffff}

// bootState is what every VCpu is pointed at before its first instruction.
type bootState struct {
	root   uint64
	gdt    cpum.DescriptorTable
	idt    cpum.DescriptorTable
	stacks []hv.Region
}

// buildBoot writes page tables mapping all of RAM onto itself, the x86
// descriptor tables and one stack per VCpu.
func (vm *VM) buildBoot() error {
	mode := pgm.PagingAMD64
	if vm.arch == hv.ArchitectureARM64 {
		mode = pgm.PagingARM64
	}
	win, err := vm.layout.Reserve("page-tables", pageTableWindow, 0x1000)
	if err != nil {
		return err
	}
	tb, err := vm.mem.NewTableBuilder(mode, win.Base, win.Size)
	if err != nil {
		return err
	}
	ram := vm.layout.RAMBase()
	if err := tb.Map(ram, ram, vm.layout.RAMSize(), pgm.AccessRead|pgm.AccessWrite|pgm.AccessExec); err != nil {
		return fmt.Errorf("map guest ram: %w", err)
	}
	vm.boot.root = tb.Root()

	if vm.arch == hv.ArchitectureX86_64 {
		gdt, err := vm.layout.Reserve("gdt", 0x1000, 0x1000)
		if err != nil {
			return err
		}
		var buf [len(gdtEntries) * 8]byte
		for i, e := range gdtEntries {
			binary.LittleEndian.PutUint64(buf[i*8:], e)
		}
		if err := vm.mem.Write(gdt.Base, buf[:]); err != nil {
			return err
		}
		vm.boot.gdt = cpum.DescriptorTable{Base: gdt.Base, Limit: uint32(len(buf) - 1)}

		// Empty until the guest installs its own: any exception before
		// then is a triple fault.
		idt, err := vm.layout.Reserve("idt", 0x1000, 0x1000)
		if err != nil {
			return err
		}
		vm.boot.idt = cpum.DescriptorTable{Base: idt.Base, Limit: 0xfff}
	}

	for i := 0; i < vm.cfg.CPUs; i++ {
		st, err := vm.layout.Reserve(fmt.Sprintf("stack%d", i), vm.cfg.StackSize, 0x1000)
		if err != nil {
			return err
		}
		vm.boot.stacks = append(vm.boot.stacks, st)
	}
	return nil
}

// bootContext points a freshly reset context at the entry point. The VCpu
// index is passed in the first argument register.
func (vm *VM) bootContext(c *cpum.Context, cpu int) error {
	stack := vm.boot.stacks[cpu].End()
	switch vm.arch {
	case hv.ArchitectureX86_64:
		c.SetLongMode(vm.boot.root, selCode, selData)
		c.GDTR = vm.boot.gdt
		c.IDTR = vm.boot.idt
		c.GPR[cpum.RSP] = stack
		c.GPR[cpum.RDI] = uint64(cpu)
	case hv.ArchitectureARM64:
		if err := arm64.EnableMMU(c, vm.boot.root); err != nil {
			return err
		}
		c.GPR[cpum.SPIndex] = stack
		c.GPR[0] = uint64(cpu)
	}
	c.PC = vm.cfg.Entry
	return nil
}
