//go:build arm64

package cpuid

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/tinyrange/iem/internal/hv"
)

// MRS on ID registers traps at EL0 on most kernels, so the host prober
// rebuilds the interesting fields from the HWCAP bits the kernel exports.
type arm64HostProber struct{}

func newHostProber() Prober {
	return arm64HostProber{}
}

func (arm64HostProber) Arch() hv.CpuArchitecture { return hv.ArchitectureARM64 }

const midrPath = "/sys/devices/system/cpu/cpu0/regs/identification/midr_el1"

func (arm64HostProber) ProbeHostRegisters() (RawIdentification, error) {
	raw := RawIdentification{Arch: hv.ArchitectureARM64}
	add := func(id SysRegID, v uint64) {
		raw.SysRegs = append(raw.SysRegs, SysReg{ID: id, Value: v, Flags: SysRegFlagSynthesized})
	}

	if b, err := os.ReadFile(midrPath); err == nil {
		s := strings.TrimPrefix(strings.TrimSpace(string(b)), "0x")
		if v, err := strconv.ParseUint(s, 16, 64); err == nil {
			raw.SysRegs = append(raw.SysRegs, SysReg{ID: SysRegMIDR_EL1, Value: v})
		}
	}

	f := cpu.ARM64
	level := func(on bool, v uint64) uint64 {
		if on {
			return v
		}
		return 0
	}

	var pfr0 uint64
	pfr0 |= 1 << 0 // EL0 AArch64
	pfr0 |= 1 << 4 // EL1 AArch64
	if !f.HasFP {
		pfr0 |= 0xf << 16
	}
	if !f.HasASIMD {
		pfr0 |= 0xf << 20
	}
	pfr0 |= level(f.HasSVE, 1) << 32
	add(SysRegID_AA64PFR0_EL1, pfr0)

	var isar0 uint64
	switch {
	case f.HasPMULL:
		isar0 |= 2 << 4
	case f.HasAES:
		isar0 |= 1 << 4
	}
	isar0 |= level(f.HasSHA1, 1) << 8
	switch {
	case f.HasSHA512:
		isar0 |= 2 << 12
	case f.HasSHA2:
		isar0 |= 1 << 12
	}
	isar0 |= level(f.HasCRC32, 1) << 16
	isar0 |= level(f.HasATOMICS, 2) << 20
	isar0 |= level(f.HasASIMDRDM, 1) << 28
	isar0 |= level(f.HasSHA3, 1) << 32
	isar0 |= level(f.HasSM3, 1) << 36
	isar0 |= level(f.HasSM4, 1) << 40
	isar0 |= level(f.HasASIMDDP, 1) << 44
	isar0 |= level(f.HasASIMDFHM, 1) << 48
	add(SysRegID_AA64ISAR0_EL1, isar0)

	var isar1 uint64
	isar1 |= level(f.HasDCPOP, 1) << 0
	isar1 |= level(f.HasJSCVT, 1) << 12
	isar1 |= level(f.HasFCMA, 1) << 16
	isar1 |= level(f.HasLRCPC, 1) << 20
	add(SysRegID_AA64ISAR1_EL1, isar1)

	// 48-bit physical range, 4K granule.
	add(SysRegID_AA64MMFR0_EL1, 5)

	return raw, nil
}
