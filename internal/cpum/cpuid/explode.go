package cpuid

import (
	"encoding/binary"
	"strings"

	"github.com/tinyrange/iem/internal/hv"
)

// fxsaveAreaSize is the legacy region every x86 CPU with FXSR can save.
const fxsaveAreaSize = 512

// arm64 extended state: V0..V31 plus FPSR and FPCR.
const arm64FPStateSize = 32*16 + 8

type bitFeature struct {
	bit     uint
	feature Feature
}

var leaf1EDX = []bitFeature{
	{0, X86FeatureFPU}, {4, X86FeatureTSC}, {5, X86FeatureMSR}, {6, X86FeaturePAE},
	{8, X86FeatureCX8}, {9, X86FeatureAPIC}, {11, X86FeatureSEP}, {12, X86FeatureMTRR},
	{13, X86FeaturePGE}, {15, X86FeatureCMOV}, {16, X86FeaturePAT}, {19, X86FeatureCLFSH},
	{23, X86FeatureMMX}, {24, X86FeatureFXSR}, {25, X86FeatureSSE}, {26, X86FeatureSSE2},
	{28, X86FeatureHTT},
}

var leaf1ECX = []bitFeature{
	{0, X86FeatureSSE3}, {1, X86FeaturePCLMULQDQ}, {5, X86FeatureVMX}, {9, X86FeatureSSSE3},
	{12, X86FeatureFMA}, {13, X86FeatureCX16}, {17, X86FeaturePCID}, {19, X86FeatureSSE4_1},
	{20, X86FeatureSSE4_2}, {21, X86FeatureX2APIC}, {22, X86FeatureMOVBE}, {23, X86FeaturePOPCNT},
	{25, X86FeatureAES}, {26, X86FeatureXSAVE}, {27, X86FeatureOSXSAVE}, {28, X86FeatureAVX},
	{29, X86FeatureF16C}, {30, X86FeatureRDRAND}, {31, X86FeatureHypervisor},
}

var leaf7EBX = []bitFeature{
	{0, X86FeatureFSGSBASE}, {3, X86FeatureBMI1}, {4, X86FeatureHLE}, {5, X86FeatureAVX2},
	{7, X86FeatureSMEP}, {8, X86FeatureBMI2}, {9, X86FeatureERMS}, {10, X86FeatureINVPCID},
	{11, X86FeatureRTM}, {16, X86FeatureAVX512F}, {17, X86FeatureAVX512DQ}, {18, X86FeatureRDSEED},
	{19, X86FeatureADX}, {20, X86FeatureSMAP}, {23, X86FeatureCLFLUSHOPT}, {24, X86FeatureCLWB},
	{29, X86FeatureSHA}, {30, X86FeatureAVX512BW}, {31, X86FeatureAVX512VL},
}

var leaf7ECX = []bitFeature{
	{2, X86FeatureUMIP}, {3, X86FeaturePKU},
}

var leafDSub1EAX = []bitFeature{
	{0, X86FeatureXSAVEOPT}, {1, X86FeatureXSAVEC}, {3, X86FeatureXSAVES},
}

var extLeaf1EDX = []bitFeature{
	{11, X86FeatureSYSCALL}, {20, X86FeatureNX}, {26, X86FeaturePage1GB},
	{27, X86FeatureRDTSCP}, {29, X86FeatureLM},
}

var extLeaf1ECX = []bitFeature{
	{0, X86FeatureLAHF}, {2, X86FeatureSVM}, {5, X86FeatureABM}, {6, X86FeatureSSE4A},
}

func applyBits(fs *FeatureSet, reg uint32, table []bitFeature) {
	for _, b := range table {
		fs.set(b.feature, (reg>>b.bit)&1 != 0)
	}
}

// ExplodeFeatures turns raw identification data into a Features record. It
// is a pure function of raw.
func ExplodeFeatures(raw RawIdentification) Features {
	switch raw.Arch {
	case hv.ArchitectureX86_64:
		return explodeX86(raw)
	case hv.ArchitectureARM64:
		return explodeARM64(raw)
	default:
		return Features{Arch: hv.ArchitectureInvalid}
	}
}

func explodeX86(raw RawIdentification) Features {
	f := Features{Arch: hv.ArchitectureX86_64}

	if l, ok := raw.Lookup(0, 0); ok {
		f.MaxStdLeaf = l.EAX
	}
	f.Vendor = X86Vendor(raw)

	if l, ok := raw.Lookup(1, 0); ok {
		baseFamily := (l.EAX >> 8) & 0xf
		baseModel := (l.EAX >> 4) & 0xf
		extModel := (l.EAX >> 16) & 0xf
		extFamily := (l.EAX >> 20) & 0xff

		f.Stepping = l.EAX & 0xf
		f.Family = baseFamily
		if baseFamily == 0xf {
			f.Family += extFamily
		}
		f.Model = baseModel
		if baseFamily == 0x6 || baseFamily == 0xf {
			f.Model |= extModel << 4
		}

		applyBits(&f.Set, l.EDX, leaf1EDX)
		applyBits(&f.Set, l.ECX, leaf1ECX)
	}

	if f.MaxStdLeaf >= 7 {
		if l, ok := raw.Lookup(7, 0); ok {
			applyBits(&f.Set, l.EBX, leaf7EBX)
			applyBits(&f.Set, l.ECX, leaf7ECX)
		}
	}

	if f.Set.Has(X86FeatureFXSR) {
		f.MaxXStateSize = fxsaveAreaSize
		f.ValidXCR0 = 0x3
	}
	if f.Set.Has(X86FeatureXSAVE) && f.MaxStdLeaf >= 0xd {
		if l, ok := raw.Lookup(0xd, 0); ok {
			f.ValidXCR0 = uint64(l.EDX)<<32 | uint64(l.EAX)
			if l.ECX > f.MaxXStateSize {
				f.MaxXStateSize = l.ECX
			}
		}
		if l, ok := raw.Lookup(0xd, 1); ok {
			applyBits(&f.Set, l.EAX, leafDSub1EAX)
		}
	}

	if l, ok := raw.Lookup(0x80000000, 0); ok && l.EAX >= 0x80000000 {
		f.MaxExtLeaf = l.EAX
	}
	if f.MaxExtLeaf >= 0x80000001 {
		if l, ok := raw.Lookup(0x80000001, 0); ok {
			applyBits(&f.Set, l.EDX, extLeaf1EDX)
			applyBits(&f.Set, l.ECX, extLeaf1ECX)
		}
	}
	if f.MaxExtLeaf >= 0x80000004 {
		var brand [48]byte
		for i := uint32(0); i < 3; i++ {
			l, _ := raw.Lookup(0x80000002+i, 0)
			binary.LittleEndian.PutUint32(brand[i*16:], l.EAX)
			binary.LittleEndian.PutUint32(brand[i*16+4:], l.EBX)
			binary.LittleEndian.PutUint32(brand[i*16+8:], l.ECX)
			binary.LittleEndian.PutUint32(brand[i*16+12:], l.EDX)
		}
		f.Name = strings.TrimSpace(strings.TrimRight(string(brand[:]), "\x00"))
	}
	if f.MaxExtLeaf >= 0x80000007 {
		if l, ok := raw.Lookup(0x80000007, 0); ok {
			f.Set.set(X86FeatureInvariantTSC, (l.EDX>>8)&1 != 0)
		}
	}
	if f.MaxExtLeaf >= 0x80000008 {
		if l, ok := raw.Lookup(0x80000008, 0); ok {
			f.PhysAddrWidth = uint8(l.EAX & 0xff)
			f.LinearAddrWidth = uint8((l.EAX >> 8) & 0xff)
		}
	}
	if f.PhysAddrWidth == 0 {
		// Pre-0x80000008 CPUs: 36 bits with PAE, 32 without.
		f.PhysAddrWidth = 32
		if f.Set.Has(X86FeaturePAE) {
			f.PhysAddrWidth = 36
		}
		f.LinearAddrWidth = 32
		if f.Set.Has(X86FeatureLM) {
			f.LinearAddrWidth = 48
		}
	}

	if arch, name, err := LookupMicroarchitecture(f.Vendor, X86FamilyModel(f.Family, f.Model)); err == nil {
		f.Microarch = arch
		if f.Name == "" {
			f.Name = name
		}
	}

	return f
}

func explodeARM64(raw RawIdentification) Features {
	f := Features{Arch: hv.ArchitectureARM64}

	if midr, ok := raw.SysReg(SysRegMIDR_EL1); ok {
		f.Vendor = vendorFromImplementer(MIDRImplementer(midr))
		f.Model = MIDRPartNum(midr)
		f.Variant = MIDRVariant(midr)
		f.Stepping = MIDRRevision(midr)
	}

	pfr0, _ := raw.SysReg(SysRegID_AA64PFR0_EL1)
	// FP and AdvSIMD use 0xf for "not implemented"; a missing register reads
	// as zero which means implemented, matching every ARMv8-A core.
	f.Set.set(ARM64FeatureFP, implemented(pfr0, 16))
	f.Set.set(ARM64FeatureASIMD, implemented(pfr0, 20))
	f.Set.set(ARM64FeatureEL2, field(pfr0, 8) != 0)
	f.Set.set(ARM64FeatureEL3, field(pfr0, 12) != 0)
	f.Set.set(ARM64FeatureSVE, field(pfr0, 32) != 0)

	pfr1, _ := raw.SysReg(SysRegID_AA64PFR1_EL1)
	f.Set.set(ARM64FeatureBTI, field(pfr1, 0) != 0)
	f.Set.set(ARM64FeatureMTE, field(pfr1, 8) != 0)

	isar0, _ := raw.SysReg(SysRegID_AA64ISAR0_EL1)
	f.Set.set(ARM64FeatureAES, field(isar0, 4) >= 1)
	f.Set.set(ARM64FeaturePMULL, field(isar0, 4) >= 2)
	f.Set.set(ARM64FeatureSHA1, field(isar0, 8) >= 1)
	f.Set.set(ARM64FeatureSHA256, field(isar0, 12) >= 1)
	f.Set.set(ARM64FeatureSHA512, field(isar0, 12) >= 2)
	f.Set.set(ARM64FeatureCRC32, field(isar0, 16) >= 1)
	f.Set.set(ARM64FeatureAtomics, field(isar0, 20) >= 2)
	f.Set.set(ARM64FeatureRDM, field(isar0, 28) >= 1)
	f.Set.set(ARM64FeatureSHA3, field(isar0, 32) >= 1)
	f.Set.set(ARM64FeatureSM3, field(isar0, 36) >= 1)
	f.Set.set(ARM64FeatureSM4, field(isar0, 40) >= 1)
	f.Set.set(ARM64FeatureDotProd, field(isar0, 44) >= 1)
	f.Set.set(ARM64FeatureFHM, field(isar0, 48) >= 1)
	f.Set.set(ARM64FeatureFlagM, field(isar0, 52) >= 1)
	f.Set.set(ARM64FeatureRNDR, field(isar0, 60) >= 1)

	isar1, _ := raw.SysReg(SysRegID_AA64ISAR1_EL1)
	f.Set.set(ARM64FeatureDCPOP, field(isar1, 0) >= 1)
	f.Set.set(ARM64FeaturePAuth, field(isar1, 4) != 0 || field(isar1, 8) != 0)
	f.Set.set(ARM64FeatureLRCPC, field(isar1, 20) >= 1)

	mmfr0, _ := raw.SysReg(SysRegID_AA64MMFR0_EL1)
	f.PhysAddrWidth = paRangeBits(field(mmfr0, 0))
	f.LinearAddrWidth = 48
	f.Set.set(ARM64FeatureTGran4K, implemented(mmfr0, 28))

	// The generic timer is mandatory in ARMv8-A. Only an explicit zero
	// frequency marks it as unusable.
	if freq, ok := raw.SysReg(SysRegCNTFRQ_EL0); !ok || freq != 0 {
		f.Set.Add(ARM64FeatureGenericTimer)
	}

	if f.Set.Has(ARM64FeatureFP) {
		f.MaxXStateSize = arm64FPStateSize
	}

	if arch, name, err := LookupMicroarchitecture(f.Vendor, f.Model); err == nil {
		f.Microarch = arch
		f.Name = name
	}

	return f
}

func paRangeBits(v uint64) uint8 {
	switch v {
	case 0:
		return 32
	case 1:
		return 36
	case 2:
		return 40
	case 3:
		return 42
	case 4:
		return 44
	case 5:
		return 48
	case 6:
		return 52
	default:
		return 48
	}
}
