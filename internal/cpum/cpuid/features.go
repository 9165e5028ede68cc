package cpuid

import (
	"math/bits"
	"strings"

	"github.com/tinyrange/iem/internal/hv"
)

// Feature is a single named capability. x86 features are numbered from 0, arm64
// features from 128 so both fit into one FeatureSet.
type Feature uint16

const (
	X86FeatureFPU Feature = iota
	X86FeatureTSC
	X86FeatureMSR
	X86FeaturePAE
	X86FeatureCX8
	X86FeatureAPIC
	X86FeatureSEP
	X86FeatureMTRR
	X86FeaturePGE
	X86FeatureCMOV
	X86FeaturePAT
	X86FeatureCLFSH
	X86FeatureMMX
	X86FeatureFXSR
	X86FeatureSSE
	X86FeatureSSE2
	X86FeatureHTT
	X86FeatureSSE3
	X86FeaturePCLMULQDQ
	X86FeatureVMX
	X86FeatureSSSE3
	X86FeatureFMA
	X86FeatureCX16
	X86FeaturePCID
	X86FeatureSSE4_1
	X86FeatureSSE4_2
	X86FeatureX2APIC
	X86FeatureMOVBE
	X86FeaturePOPCNT
	X86FeatureAES
	X86FeatureXSAVE
	X86FeatureOSXSAVE
	X86FeatureAVX
	X86FeatureF16C
	X86FeatureRDRAND
	X86FeatureHypervisor
	X86FeatureFSGSBASE
	X86FeatureBMI1
	X86FeatureHLE
	X86FeatureAVX2
	X86FeatureSMEP
	X86FeatureBMI2
	X86FeatureERMS
	X86FeatureINVPCID
	X86FeatureRTM
	X86FeatureAVX512F
	X86FeatureAVX512DQ
	X86FeatureRDSEED
	X86FeatureADX
	X86FeatureSMAP
	X86FeatureCLFLUSHOPT
	X86FeatureCLWB
	X86FeatureSHA
	X86FeatureAVX512BW
	X86FeatureAVX512VL
	X86FeatureUMIP
	X86FeaturePKU
	X86FeatureXSAVEOPT
	X86FeatureXSAVEC
	X86FeatureXSAVES
	X86FeatureSYSCALL
	X86FeatureNX
	X86FeaturePage1GB
	X86FeatureRDTSCP
	X86FeatureLM
	X86FeatureLAHF
	X86FeatureSVM
	X86FeatureABM
	X86FeatureSSE4A
	X86FeatureInvariantTSC

	x86FeatureCount
)

const (
	ARM64FeatureFP Feature = 128 + iota
	ARM64FeatureASIMD
	ARM64FeatureAES
	ARM64FeaturePMULL
	ARM64FeatureSHA1
	ARM64FeatureSHA256
	ARM64FeatureSHA512
	ARM64FeatureSHA3
	ARM64FeatureSM3
	ARM64FeatureSM4
	ARM64FeatureCRC32
	ARM64FeatureAtomics
	ARM64FeatureRDM
	ARM64FeatureDotProd
	ARM64FeatureFHM
	ARM64FeatureFlagM
	ARM64FeatureRNDR
	ARM64FeatureSVE
	ARM64FeatureBTI
	ARM64FeatureMTE
	ARM64FeaturePAuth
	ARM64FeatureLRCPC
	ARM64FeatureDCPOP
	ARM64FeatureEL2
	ARM64FeatureEL3
	ARM64FeatureGenericTimer
	ARM64FeatureTGran4K

	arm64FeatureEnd
)

var featureNames = map[Feature]string{
	X86FeatureFPU:          "fpu",
	X86FeatureTSC:          "tsc",
	X86FeatureMSR:          "msr",
	X86FeaturePAE:          "pae",
	X86FeatureCX8:          "cx8",
	X86FeatureAPIC:         "apic",
	X86FeatureSEP:          "sep",
	X86FeatureMTRR:         "mtrr",
	X86FeaturePGE:          "pge",
	X86FeatureCMOV:         "cmov",
	X86FeaturePAT:          "pat",
	X86FeatureCLFSH:        "clflush",
	X86FeatureMMX:          "mmx",
	X86FeatureFXSR:         "fxsr",
	X86FeatureSSE:          "sse",
	X86FeatureSSE2:         "sse2",
	X86FeatureHTT:          "ht",
	X86FeatureSSE3:         "pni",
	X86FeaturePCLMULQDQ:    "pclmulqdq",
	X86FeatureVMX:          "vmx",
	X86FeatureSSSE3:        "ssse3",
	X86FeatureFMA:          "fma",
	X86FeatureCX16:         "cx16",
	X86FeaturePCID:         "pcid",
	X86FeatureSSE4_1:       "sse4_1",
	X86FeatureSSE4_2:       "sse4_2",
	X86FeatureX2APIC:       "x2apic",
	X86FeatureMOVBE:        "movbe",
	X86FeaturePOPCNT:       "popcnt",
	X86FeatureAES:          "aes",
	X86FeatureXSAVE:        "xsave",
	X86FeatureOSXSAVE:      "osxsave",
	X86FeatureAVX:          "avx",
	X86FeatureF16C:         "f16c",
	X86FeatureRDRAND:       "rdrand",
	X86FeatureHypervisor:   "hypervisor",
	X86FeatureFSGSBASE:     "fsgsbase",
	X86FeatureBMI1:         "bmi1",
	X86FeatureHLE:          "hle",
	X86FeatureAVX2:         "avx2",
	X86FeatureSMEP:         "smep",
	X86FeatureBMI2:         "bmi2",
	X86FeatureERMS:         "erms",
	X86FeatureINVPCID:      "invpcid",
	X86FeatureRTM:          "rtm",
	X86FeatureAVX512F:      "avx512f",
	X86FeatureAVX512DQ:     "avx512dq",
	X86FeatureRDSEED:       "rdseed",
	X86FeatureADX:          "adx",
	X86FeatureSMAP:         "smap",
	X86FeatureCLFLUSHOPT:   "clflushopt",
	X86FeatureCLWB:         "clwb",
	X86FeatureSHA:          "sha_ni",
	X86FeatureAVX512BW:     "avx512bw",
	X86FeatureAVX512VL:     "avx512vl",
	X86FeatureUMIP:         "umip",
	X86FeaturePKU:          "pku",
	X86FeatureXSAVEOPT:     "xsaveopt",
	X86FeatureXSAVEC:       "xsavec",
	X86FeatureXSAVES:       "xsaves",
	X86FeatureSYSCALL:      "syscall",
	X86FeatureNX:           "nx",
	X86FeaturePage1GB:      "pdpe1gb",
	X86FeatureRDTSCP:       "rdtscp",
	X86FeatureLM:           "lm",
	X86FeatureLAHF:         "lahf_lm",
	X86FeatureSVM:          "svm",
	X86FeatureABM:          "abm",
	X86FeatureSSE4A:        "sse4a",
	X86FeatureInvariantTSC: "constant_tsc",

	ARM64FeatureFP:           "fp",
	ARM64FeatureASIMD:        "asimd",
	ARM64FeatureAES:          "aes",
	ARM64FeaturePMULL:        "pmull",
	ARM64FeatureSHA1:         "sha1",
	ARM64FeatureSHA256:       "sha2",
	ARM64FeatureSHA512:       "sha512",
	ARM64FeatureSHA3:         "sha3",
	ARM64FeatureSM3:          "sm3",
	ARM64FeatureSM4:          "sm4",
	ARM64FeatureCRC32:        "crc32",
	ARM64FeatureAtomics:      "atomics",
	ARM64FeatureRDM:          "asimdrdm",
	ARM64FeatureDotProd:      "asimddp",
	ARM64FeatureFHM:          "asimdfhm",
	ARM64FeatureFlagM:        "flagm",
	ARM64FeatureRNDR:         "rng",
	ARM64FeatureSVE:          "sve",
	ARM64FeatureBTI:          "bti",
	ARM64FeatureMTE:          "mte",
	ARM64FeaturePAuth:        "paca",
	ARM64FeatureLRCPC:        "lrcpc",
	ARM64FeatureDCPOP:        "dcpop",
	ARM64FeatureEL2:          "el2",
	ARM64FeatureEL3:          "el3",
	ARM64FeatureGenericTimer: "gentimer",
	ARM64FeatureTGran4K:      "tgran4",
}

func (f Feature) String() string {
	if s, ok := featureNames[f]; ok {
		return s
	}
	return "unknown"
}

// Arch returns the architecture the feature belongs to.
func (f Feature) Arch() hv.CpuArchitecture {
	switch {
	case f < x86FeatureCount:
		return hv.ArchitectureX86_64
	case f >= ARM64FeatureFP && f < arm64FeatureEnd:
		return hv.ArchitectureARM64
	default:
		return hv.ArchitectureInvalid
	}
}

// FeatureFromString looks a feature up by its /proc/cpuinfo style name.
func FeatureFromString(arch hv.CpuArchitecture, s string) (Feature, bool) {
	for f, name := range featureNames {
		if name == s && f.Arch() == arch {
			return f, true
		}
	}
	return 0, false
}

// FeatureSet is a bitset over Feature.
type FeatureSet struct {
	bits [4]uint64
}

func (fs *FeatureSet) Add(f Feature) {
	fs.bits[f/64] |= 1 << (f % 64)
}

func (fs *FeatureSet) Remove(f Feature) {
	fs.bits[f/64] &^= 1 << (f % 64)
}

func (fs FeatureSet) Has(f Feature) bool {
	return fs.bits[f/64]&(1<<(f%64)) != 0
}

func (fs *FeatureSet) set(f Feature, on bool) {
	if on {
		fs.Add(f)
	} else {
		fs.Remove(f)
	}
}

// Intersect returns the features present in both sets.
func (fs FeatureSet) Intersect(other FeatureSet) FeatureSet {
	var out FeatureSet
	for i := range fs.bits {
		out.bits[i] = fs.bits[i] & other.bits[i]
	}
	return out
}

// Subtract returns the features in fs that are missing from other.
func (fs FeatureSet) Subtract(other FeatureSet) FeatureSet {
	var out FeatureSet
	for i := range fs.bits {
		out.bits[i] = fs.bits[i] &^ other.bits[i]
	}
	return out
}

func (fs FeatureSet) Len() int {
	n := 0
	for _, w := range fs.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// List returns the features in ascending order.
func (fs FeatureSet) List() []Feature {
	var out []Feature
	for i, w := range fs.bits {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, Feature(i*64+b))
			w &^= 1 << b
		}
	}
	return out
}

func (fs FeatureSet) String() string {
	var names []string
	for _, f := range fs.List() {
		names = append(names, f.String())
	}
	return strings.Join(names, " ")
}

// Features is the exploded, queryable capability record. The shape is the same
// whether it came from the host or from a database profile.
type Features struct {
	Arch      hv.CpuArchitecture
	Vendor    Vendor
	Microarch Microarch
	Name      string

	// x86: family/model/stepping after extended field folding.
	// arm64: Family is unused, Model is the part number, Stepping the revision.
	Family   uint32
	Model    uint32
	Stepping uint32
	Variant  uint32

	MaxStdLeaf uint32
	MaxExtLeaf uint32

	PhysAddrWidth   uint8
	LinearAddrWidth uint8

	// MaxXStateSize is the largest extended state area the CPU can save.
	MaxXStateSize uint32
	ValidXCR0     uint64

	Set FeatureSet
}

func (f *Features) Has(feature Feature) bool {
	return f.Set.Has(feature)
}
