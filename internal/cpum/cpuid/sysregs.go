package cpuid

import "fmt"

// Well-known ARMv8 system registers.
var (
	SysRegMIDR_EL1         = NewSysRegID(3, 0, 0, 0, 0)
	SysRegMPIDR_EL1        = NewSysRegID(3, 0, 0, 0, 5)
	SysRegREVIDR_EL1       = NewSysRegID(3, 0, 0, 0, 6)
	SysRegID_AA64PFR0_EL1  = NewSysRegID(3, 0, 0, 4, 0)
	SysRegID_AA64PFR1_EL1  = NewSysRegID(3, 0, 0, 4, 1)
	SysRegID_AA64ZFR0_EL1  = NewSysRegID(3, 0, 0, 4, 4)
	SysRegID_AA64DFR0_EL1  = NewSysRegID(3, 0, 0, 5, 0)
	SysRegID_AA64DFR1_EL1  = NewSysRegID(3, 0, 0, 5, 1)
	SysRegID_AA64ISAR0_EL1 = NewSysRegID(3, 0, 0, 6, 0)
	SysRegID_AA64ISAR1_EL1 = NewSysRegID(3, 0, 0, 6, 1)
	SysRegID_AA64ISAR2_EL1 = NewSysRegID(3, 0, 0, 6, 2)
	SysRegID_AA64MMFR0_EL1 = NewSysRegID(3, 0, 0, 7, 0)
	SysRegID_AA64MMFR1_EL1 = NewSysRegID(3, 0, 0, 7, 1)
	SysRegID_AA64MMFR2_EL1 = NewSysRegID(3, 0, 0, 7, 2)

	SysRegSCTLR_EL1     = NewSysRegID(3, 0, 1, 0, 0)
	SysRegCPACR_EL1     = NewSysRegID(3, 0, 1, 0, 2)
	SysRegTTBR0_EL1     = NewSysRegID(3, 0, 2, 0, 0)
	SysRegTTBR1_EL1     = NewSysRegID(3, 0, 2, 0, 1)
	SysRegTCR_EL1       = NewSysRegID(3, 0, 2, 0, 2)
	SysRegSPSR_EL1      = NewSysRegID(3, 0, 4, 0, 0)
	SysRegELR_EL1       = NewSysRegID(3, 0, 4, 0, 1)
	SysRegSP_EL0        = NewSysRegID(3, 0, 4, 1, 0)
	SysRegSP_EL1        = NewSysRegID(3, 4, 4, 1, 0)
	SysRegCurrentEL     = NewSysRegID(3, 0, 4, 2, 2)
	SysRegESR_EL1       = NewSysRegID(3, 0, 5, 2, 0)
	SysRegFAR_EL1       = NewSysRegID(3, 0, 6, 0, 0)
	SysRegMAIR_EL1      = NewSysRegID(3, 0, 10, 2, 0)
	SysRegVBAR_EL1      = NewSysRegID(3, 0, 12, 0, 0)
	SysRegICC_IAR1_EL1  = NewSysRegID(3, 0, 12, 12, 0)
	SysRegICC_EOIR1_EL1 = NewSysRegID(3, 0, 12, 12, 1)
	SysRegTPIDR_EL1     = NewSysRegID(3, 0, 13, 0, 4)
	SysRegCTR_EL0       = NewSysRegID(3, 3, 0, 0, 1)
	SysRegDCZID_EL0     = NewSysRegID(3, 3, 0, 0, 7)
	SysRegNZCV          = NewSysRegID(3, 3, 4, 2, 0)
	SysRegDAIF          = NewSysRegID(3, 3, 4, 2, 1)
	SysRegFPCR          = NewSysRegID(3, 3, 4, 4, 0)
	SysRegFPSR          = NewSysRegID(3, 3, 4, 4, 1)
	SysRegTPIDR_EL0     = NewSysRegID(3, 3, 13, 0, 2)
	SysRegCNTFRQ_EL0    = NewSysRegID(3, 3, 14, 0, 0)
	SysRegCNTVCT_EL0    = NewSysRegID(3, 3, 14, 0, 2)
	SysRegCNTV_CTL_EL0  = NewSysRegID(3, 3, 14, 3, 1)
	SysRegCNTV_CVAL_EL0 = NewSysRegID(3, 3, 14, 3, 2)
)

var sysRegNames = map[SysRegID]string{
	SysRegMIDR_EL1:         "MIDR_EL1",
	SysRegMPIDR_EL1:        "MPIDR_EL1",
	SysRegREVIDR_EL1:       "REVIDR_EL1",
	SysRegID_AA64PFR0_EL1:  "ID_AA64PFR0_EL1",
	SysRegID_AA64PFR1_EL1:  "ID_AA64PFR1_EL1",
	SysRegID_AA64ZFR0_EL1:  "ID_AA64ZFR0_EL1",
	SysRegID_AA64DFR0_EL1:  "ID_AA64DFR0_EL1",
	SysRegID_AA64DFR1_EL1:  "ID_AA64DFR1_EL1",
	SysRegID_AA64ISAR0_EL1: "ID_AA64ISAR0_EL1",
	SysRegID_AA64ISAR1_EL1: "ID_AA64ISAR1_EL1",
	SysRegID_AA64ISAR2_EL1: "ID_AA64ISAR2_EL1",
	SysRegID_AA64MMFR0_EL1: "ID_AA64MMFR0_EL1",
	SysRegID_AA64MMFR1_EL1: "ID_AA64MMFR1_EL1",
	SysRegID_AA64MMFR2_EL1: "ID_AA64MMFR2_EL1",
	SysRegSCTLR_EL1:        "SCTLR_EL1",
	SysRegCPACR_EL1:        "CPACR_EL1",
	SysRegTTBR0_EL1:        "TTBR0_EL1",
	SysRegTTBR1_EL1:        "TTBR1_EL1",
	SysRegTCR_EL1:          "TCR_EL1",
	SysRegSPSR_EL1:         "SPSR_EL1",
	SysRegELR_EL1:          "ELR_EL1",
	SysRegSP_EL0:           "SP_EL0",
	SysRegSP_EL1:           "SP_EL1",
	SysRegCurrentEL:        "CurrentEL",
	SysRegESR_EL1:          "ESR_EL1",
	SysRegFAR_EL1:          "FAR_EL1",
	SysRegMAIR_EL1:         "MAIR_EL1",
	SysRegVBAR_EL1:         "VBAR_EL1",
	SysRegICC_IAR1_EL1:     "ICC_IAR1_EL1",
	SysRegICC_EOIR1_EL1:    "ICC_EOIR1_EL1",
	SysRegTPIDR_EL1:        "TPIDR_EL1",
	SysRegCTR_EL0:          "CTR_EL0",
	SysRegDCZID_EL0:        "DCZID_EL0",
	SysRegNZCV:             "NZCV",
	SysRegDAIF:             "DAIF",
	SysRegFPCR:             "FPCR",
	SysRegFPSR:             "FPSR",
	SysRegTPIDR_EL0:        "TPIDR_EL0",
	SysRegCNTFRQ_EL0:       "CNTFRQ_EL0",
	SysRegCNTVCT_EL0:       "CNTVCT_EL0",
	SysRegCNTV_CTL_EL0:     "CNTV_CTL_EL0",
	SysRegCNTV_CVAL_EL0:    "CNTV_CVAL_EL0",
}

// SysRegByName resolves the names printed by SysRegID.String.
func SysRegByName(name string) (SysRegID, bool) {
	for id, n := range sysRegNames {
		if n == name {
			return id, true
		}
	}
	var op0, op1, crn, crm, op2 uint32
	if _, err := fmt.Sscanf(name, "S%d_%d_C%d_C%d_%d", &op0, &op1, &crn, &crm, &op2); err == nil {
		return NewSysRegID(op0, op1, crn, crm, op2), true
	}
	return 0, false
}

// IsIDRegister reports whether id lives in the read-only feature ID space
// (op0=3, op1=0, CRn=0) that guests read to discover capabilities.
func (id SysRegID) IsIDRegister() bool {
	return id.Op0() == 3 && id.Op1() == 0 && id.CRn() == 0
}

// field extracts a 4-bit ID register field.
func field(v uint64, shift uint) uint64 {
	return (v >> shift) & 0xf
}

// implemented reports whether a field that uses 0xf for "not implemented"
// is present.
func implemented(v uint64, shift uint) bool {
	return field(v, shift) != 0xf
}

// MIDR fields.
func MIDRImplementer(midr uint64) uint32 { return uint32(midr>>24) & 0xff }
func MIDRVariant(midr uint64) uint32 { return uint32(midr>>20) & 0xf }
func MIDRArchitecture(midr uint64) uint32 { return uint32(midr>>16) & 0xf }
func MIDRPartNum(midr uint64) uint32 { return uint32(midr>>4) & 0xfff }
func MIDRRevision(midr uint64) uint32 { return uint32(midr) & 0xf }

// MakeMIDR assembles a MIDR_EL1 value. Architecture is always 0xf (CPUID scheme).
func MakeMIDR(implementer, variant, part, revision uint32) uint64 {
	return uint64(implementer&0xff)<<24 | uint64(variant&0xf)<<20 | 0xf<<16 |
		uint64(part&0xfff)<<4 | uint64(revision&0xf)
}
