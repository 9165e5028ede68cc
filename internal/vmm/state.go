package vmm

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/ssm"
	"github.com/tinyrange/iem/internal/trpm"
)

// ErrConfigMismatch is returned when a saved state was taken from a VM with
// a different memory layout, CPU count or CPU profile.
var ErrConfigMismatch = errors.New("saved state belongs to a different vm configuration")

const (
	vmUnitName    = "vm"
	vmUnitVersion = 1
)

type vmRecord struct {
	Hash [32]byte
	CPUs uint32
}

// vmUnit is saved first so a foreign stream is rejected before any other
// component is overwritten.
type vmUnit struct{ vm *VM }

var _ ssm.Unit = &vmUnit{}

func (u *vmUnit) Name() string                     { return vmUnitName }
func (u *vmUnit) Versions() []uint32               { return []uint32{vmUnitVersion} }
func (u *vmUnit) RecordSize(version uint32) uint32 { return ssm.Sizeof(&vmRecord{}) }

func (u *vmUnit) Save(w io.Writer, version uint32) error {
	return ssm.Pack(w, &vmRecord{Hash: u.vm.hash, CPUs: uint32(len(u.vm.vcpus))})
}

func (u *vmUnit) Load(r io.Reader, version uint32) error {
	var rec vmRecord
	if err := ssm.Unpack(r, &rec); err != nil {
		return err
	}
	if hv.VMConfigHash(rec.Hash) != u.vm.hash {
		return fmt.Errorf("%w: stream %s, vm %s", ErrConfigMismatch,
			hv.VMConfigHash(rec.Hash).String()[:16], u.vm.hash.String()[:16])
	}
	return nil
}

func (vm *VM) registry() (*ssm.Registry, error) {
	reg := ssm.NewRegistry(vm.arch)
	units := []ssm.Unit{&vmUnit{vm: vm}}
	units = append(units, vm.cpum.Units()...)
	units = append(units, trpm.NewUnit(vm.traps), vm.mem.Unit())
	for _, u := range units {
		if err := reg.Register(u); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Save writes the VM's state: registers, pending traps and RAM. The VM must
// not be running.
func (vm *VM) Save(w io.Writer) error {
	if vm.running.Load() {
		return ErrRunning
	}
	reg, err := vm.registry()
	if err != nil {
		return err
	}
	if err := reg.Save(w, nil); err != nil {
		return fmt.Errorf("save vm: %w", err)
	}
	vm.log.Debug("vm saved", "config", vm.hash.String()[:16])
	return nil
}

// Load replaces the VM's state with a stream written by Save. A failed load
// leaves the VM unable to run until a later load succeeds.
func (vm *VM) Load(r io.Reader) error {
	if vm.running.Load() {
		return ErrRunning
	}
	reg, err := vm.registry()
	if err != nil {
		return err
	}
	if err := reg.Load(r); err != nil {
		return fmt.Errorf("load vm: %w", err)
	}
	for _, v := range vm.vcpus {
		v.Blocks().Flush()
		v.ContextChanged()
	}
	vm.log.Debug("vm loaded", "config", vm.hash.String()[:16])
	return nil
}
