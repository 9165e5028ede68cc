package cpuid

import (
	"sort"
	"strings"
)

type Vendor uint8

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
	VendorHygon
	VendorVIA
	VendorShanghai
	VendorARM
	VendorBroadcom
	VendorCavium
	VendorHiSilicon
	VendorNVIDIA
	VendorQualcomm
	VendorApple
	VendorAmpere
)

var vendorNames = [...]string{
	VendorUnknown:   "unknown",
	VendorIntel:     "intel",
	VendorAMD:       "amd",
	VendorHygon:     "hygon",
	VendorVIA:       "via",
	VendorShanghai:  "shanghai",
	VendorARM:       "arm",
	VendorBroadcom:  "broadcom",
	VendorCavium:    "cavium",
	VendorHiSilicon: "hisilicon",
	VendorNVIDIA:    "nvidia",
	VendorQualcomm:  "qualcomm",
	VendorApple:     "apple",
	VendorAmpere:    "ampere",
}

func (v Vendor) String() string {
	if int(v) < len(vendorNames) {
		return vendorNames[v]
	}
	return "unknown"
}

func ParseVendor(s string) Vendor {
	s = strings.ToLower(s)
	for i, name := range vendorNames {
		if name == s {
			return Vendor(i)
		}
	}
	return VendorUnknown
}

// vendorFromX86 maps the 12-byte CPUID leaf 0 vendor string.
func vendorFromX86(id string) Vendor {
	switch id {
	case "GenuineIntel":
		return VendorIntel
	case "AuthenticAMD":
		return VendorAMD
	case "HygonGenuine":
		return VendorHygon
	case "CentaurHauls", "VIA VIA VIA ":
		return VendorVIA
	case "  Shanghai  ":
		return VendorShanghai
	default:
		return VendorUnknown
	}
}

// vendorFromImplementer maps the MIDR_EL1 implementer byte.
func vendorFromImplementer(impl uint32) Vendor {
	switch impl {
	case 0x41:
		return VendorARM
	case 0x42:
		return VendorBroadcom
	case 0x43:
		return VendorCavium
	case 0x48:
		return VendorHiSilicon
	case 0x4e:
		return VendorNVIDIA
	case 0x51:
		return VendorQualcomm
	case 0x61:
		return VendorApple
	case 0xc0:
		return VendorAmpere
	default:
		return VendorUnknown
	}
}

// Microarch identifies a core design.
type Microarch uint16

const (
	MicroarchUnknown Microarch = iota

	MicroarchIntelCore2
	MicroarchIntelPenryn
	MicroarchIntelNehalem
	MicroarchIntelWestmere
	MicroarchIntelSandyBridge
	MicroarchIntelIvyBridge
	MicroarchIntelHaswell
	MicroarchIntelBroadwell
	MicroarchIntelSkylake
	MicroarchIntelCascadeLake
	MicroarchIntelKabyLake
	MicroarchIntelCannonLake
	MicroarchIntelIceLake
	MicroarchIntelTigerLake
	MicroarchIntelAlderLake
	MicroarchIntelSapphireRapids
	MicroarchIntelRaptorLake
	MicroarchIntelMeteorLake

	MicroarchAMDK10
	MicroarchAMDBulldozer
	MicroarchAMDZen
	MicroarchAMDZen2
	MicroarchAMDZen3
	MicroarchAMDZen4
	MicroarchAMDZen5
	MicroarchHygonDhyana

	MicroarchARMCortexA53
	MicroarchARMCortexA35
	MicroarchARMCortexA55
	MicroarchARMCortexA57
	MicroarchARMCortexA72
	MicroarchARMCortexA73
	MicroarchARMCortexA75
	MicroarchARMCortexA76
	MicroarchARMNeoverseN1
	MicroarchARMCortexA77
	MicroarchARMNeoverseV1
	MicroarchARMCortexA78
	MicroarchARMCortexX1
	MicroarchARMCortexA510
	MicroarchARMCortexA710
	MicroarchARMCortexX2
	MicroarchARMNeoverseN2
	MicroarchARMNeoverseV2
	MicroarchAppleM1
	MicroarchAppleM2
	MicroarchQualcommKryo
	MicroarchQualcommOryon
	MicroarchAmpere1
	MicroarchCaviumThunderX2
	MicroarchBroadcomVulcan
)

type microarchEntry struct {
	id   uint32
	arch Microarch
	name string
}

// Intel family 6 models keyed by family<<8|model, sorted.
var intelMicroarchs = []microarchEntry{
	{0x060f, MicroarchIntelCore2, "Intel Core 2 (Merom)"},
	{0x0617, MicroarchIntelPenryn, "Intel Core 2 (Penryn)"},
	{0x061a, MicroarchIntelNehalem, "Intel Nehalem"},
	{0x061e, MicroarchIntelNehalem, "Intel Nehalem (Lynnfield)"},
	{0x0625, MicroarchIntelWestmere, "Intel Westmere (Arrandale)"},
	{0x062a, MicroarchIntelSandyBridge, "Intel Sandy Bridge"},
	{0x062c, MicroarchIntelWestmere, "Intel Westmere-EP"},
	{0x062d, MicroarchIntelSandyBridge, "Intel Sandy Bridge-EP"},
	{0x063a, MicroarchIntelIvyBridge, "Intel Ivy Bridge"},
	{0x063c, MicroarchIntelHaswell, "Intel Haswell"},
	{0x063d, MicroarchIntelBroadwell, "Intel Broadwell"},
	{0x063e, MicroarchIntelIvyBridge, "Intel Ivy Bridge-EP"},
	{0x063f, MicroarchIntelHaswell, "Intel Haswell-EP"},
	{0x0645, MicroarchIntelHaswell, "Intel Haswell (ULT)"},
	{0x0646, MicroarchIntelHaswell, "Intel Haswell (GT3e)"},
	{0x0647, MicroarchIntelBroadwell, "Intel Broadwell (GT3e)"},
	{0x064e, MicroarchIntelSkylake, "Intel Skylake (mobile)"},
	{0x064f, MicroarchIntelBroadwell, "Intel Broadwell-EP"},
	{0x0655, MicroarchIntelCascadeLake, "Intel Skylake-SP / Cascade Lake"},
	{0x0656, MicroarchIntelBroadwell, "Intel Broadwell-DE"},
	{0x065e, MicroarchIntelSkylake, "Intel Skylake (desktop)"},
	{0x0666, MicroarchIntelCannonLake, "Intel Cannon Lake"},
	{0x066a, MicroarchIntelIceLake, "Intel Ice Lake-SP"},
	{0x066c, MicroarchIntelIceLake, "Intel Ice Lake-D"},
	{0x067d, MicroarchIntelIceLake, "Intel Ice Lake (client)"},
	{0x067e, MicroarchIntelIceLake, "Intel Ice Lake (mobile)"},
	{0x068c, MicroarchIntelTigerLake, "Intel Tiger Lake"},
	{0x068d, MicroarchIntelTigerLake, "Intel Tiger Lake (H)"},
	{0x068e, MicroarchIntelKabyLake, "Intel Kaby Lake (mobile)"},
	{0x068f, MicroarchIntelSapphireRapids, "Intel Sapphire Rapids"},
	{0x0697, MicroarchIntelAlderLake, "Intel Alder Lake"},
	{0x069a, MicroarchIntelAlderLake, "Intel Alder Lake (mobile)"},
	{0x069e, MicroarchIntelKabyLake, "Intel Kaby Lake / Coffee Lake"},
	{0x06aa, MicroarchIntelMeteorLake, "Intel Meteor Lake"},
	{0x06b7, MicroarchIntelRaptorLake, "Intel Raptor Lake"},
	{0x06ba, MicroarchIntelRaptorLake, "Intel Raptor Lake (mobile)"},
	{0x06bf, MicroarchIntelRaptorLake, "Intel Raptor Lake-S"},
}

// amdRange matches a family and an inclusive model range. The table is
// small and its ranges overlap in family, so it is scanned in order.
type amdRange struct {
	vendor  Vendor
	family  uint32
	modelLo uint32
	modelHi uint32
	arch    Microarch
	name    string
}

var amdMicroarchs = []amdRange{
	{VendorAMD, 0x10, 0x00, 0xff, MicroarchAMDK10, "AMD K10"},
	{VendorAMD, 0x15, 0x00, 0xff, MicroarchAMDBulldozer, "AMD Bulldozer family"},
	{VendorAMD, 0x17, 0x00, 0x2f, MicroarchAMDZen, "AMD Zen / Zen+"},
	{VendorAMD, 0x17, 0x30, 0xff, MicroarchAMDZen2, "AMD Zen 2"},
	{VendorAMD, 0x19, 0x00, 0x0f, MicroarchAMDZen3, "AMD Zen 3"},
	{VendorAMD, 0x19, 0x10, 0x1f, MicroarchAMDZen4, "AMD Zen 4"},
	{VendorAMD, 0x19, 0x20, 0x5f, MicroarchAMDZen3, "AMD Zen 3"},
	{VendorAMD, 0x19, 0x60, 0x7f, MicroarchAMDZen4, "AMD Zen 4"},
	{VendorAMD, 0x19, 0xa0, 0xaf, MicroarchAMDZen4, "AMD Zen 4c"},
	{VendorAMD, 0x1a, 0x00, 0xff, MicroarchAMDZen5, "AMD Zen 5"},
	{VendorHygon, 0x18, 0x00, 0xff, MicroarchHygonDhyana, "Hygon Dhyana"},
}

// ARM part numbers keyed by implementer<<12|part, sorted.
var armMicroarchs = []microarchEntry{
	{0x41d03, MicroarchARMCortexA53, "ARM Cortex-A53"},
	{0x41d04, MicroarchARMCortexA35, "ARM Cortex-A35"},
	{0x41d05, MicroarchARMCortexA55, "ARM Cortex-A55"},
	{0x41d07, MicroarchARMCortexA57, "ARM Cortex-A57"},
	{0x41d08, MicroarchARMCortexA72, "ARM Cortex-A72"},
	{0x41d09, MicroarchARMCortexA73, "ARM Cortex-A73"},
	{0x41d0a, MicroarchARMCortexA75, "ARM Cortex-A75"},
	{0x41d0b, MicroarchARMCortexA76, "ARM Cortex-A76"},
	{0x41d0c, MicroarchARMNeoverseN1, "ARM Neoverse N1"},
	{0x41d0d, MicroarchARMCortexA77, "ARM Cortex-A77"},
	{0x41d40, MicroarchARMNeoverseV1, "ARM Neoverse V1"},
	{0x41d41, MicroarchARMCortexA78, "ARM Cortex-A78"},
	{0x41d44, MicroarchARMCortexX1, "ARM Cortex-X1"},
	{0x41d46, MicroarchARMCortexA510, "ARM Cortex-A510"},
	{0x41d47, MicroarchARMCortexA710, "ARM Cortex-A710"},
	{0x41d48, MicroarchARMCortexX2, "ARM Cortex-X2"},
	{0x41d49, MicroarchARMNeoverseN2, "ARM Neoverse N2"},
	{0x41d4f, MicroarchARMNeoverseV2, "ARM Neoverse V2"},
	{0x42516, MicroarchBroadcomVulcan, "Broadcom Vulcan"},
	{0x430af, MicroarchCaviumThunderX2, "Cavium ThunderX2"},
	{0x51001, MicroarchQualcommOryon, "Qualcomm Oryon"},
	{0x51800, MicroarchQualcommKryo, "Qualcomm Kryo 2xx Gold"},
	{0x51801, MicroarchQualcommKryo, "Qualcomm Kryo 2xx Silver"},
	{0x51802, MicroarchQualcommKryo, "Qualcomm Kryo 3xx Gold"},
	{0x51803, MicroarchQualcommKryo, "Qualcomm Kryo 3xx Silver"},
	{0x51804, MicroarchQualcommKryo, "Qualcomm Kryo 4xx Gold"},
	{0x51805, MicroarchQualcommKryo, "Qualcomm Kryo 4xx Silver"},
	{0x61022, MicroarchAppleM1, "Apple M1 (Icestorm)"},
	{0x61023, MicroarchAppleM1, "Apple M1 (Firestorm)"},
	{0x61032, MicroarchAppleM2, "Apple M2 (Blizzard)"},
	{0x61033, MicroarchAppleM2, "Apple M2 (Avalanche)"},
	{0xc0ac3, MicroarchAmpere1, "Ampere-1"},
	{0xc0ac4, MicroarchAmpere1, "Ampere-1a"},
}

var armImplementers = map[Vendor]uint32{
	VendorARM:       0x41,
	VendorBroadcom:  0x42,
	VendorCavium:    0x43,
	VendorHiSilicon: 0x48,
	VendorNVIDIA:    0x4e,
	VendorQualcomm:  0x51,
	VendorApple:     0x61,
	VendorAmpere:    0xc0,
}

// X86FamilyModel packs a folded family and model the way the lookup tables
// are keyed.
func X86FamilyModel(family, model uint32) uint32 {
	return family<<8 | model
}

// LookupMicroarchitecture resolves a core design. For x86 vendors id is
// family<<8|model; for arm64 vendors id is the MIDR part number.
func LookupMicroarchitecture(vendor Vendor, id uint32) (Microarch, string, error) {
	switch vendor {
	case VendorIntel:
		if e, ok := searchSorted(intelMicroarchs, id); ok {
			return e.arch, e.name, nil
		}
	case VendorAMD, VendorHygon:
		family, model := id>>8, id&0xff
		for _, r := range amdMicroarchs {
			if r.vendor == vendor && r.family == family && model >= r.modelLo && model <= r.modelHi {
				return r.arch, r.name, nil
			}
		}
	default:
		if impl, ok := armImplementers[vendor]; ok {
			if e, ok := searchSorted(armMicroarchs, impl<<12|id&0xfff); ok {
				return e.arch, e.name, nil
			}
		}
	}
	return MicroarchUnknown, "", &UnsupportedCPUError{Vendor: vendor, ID: id}
}

func searchSorted(table []microarchEntry, id uint32) (microarchEntry, bool) {
	i := sort.Search(len(table), func(i int) bool { return table[i].id >= id })
	if i < len(table) && table[i].id == id {
		return table[i], true
	}
	return microarchEntry{}, false
}
