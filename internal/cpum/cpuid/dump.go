package cpuid

import (
	"fmt"
	"io"
	"strings"

	"github.com/tinyrange/iem/internal/hv"
)

// Dump writes one line per leaf or system register. In verbose mode known
// entries are followed by their decoded fields; anything unknown is printed
// as raw hex only.
func Dump(w io.Writer, raw RawIdentification, verbose bool) error {
	var err error
	printf := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	switch raw.Arch {
	case hv.ArchitectureX86_64:
		printf("%d cpuid leaves\n", len(raw.Leaves))
		for _, l := range raw.Leaves {
			printf("  %08x/%02x: eax=%08x ebx=%08x ecx=%08x edx=%08x\n",
				l.Leaf, l.SubLeaf, l.EAX, l.EBX, l.ECX, l.EDX)
			if verbose {
				for _, line := range describeLeaf(raw, l) {
					printf("      %s\n", line)
				}
			}
		}
	case hv.ArchitectureARM64:
		printf("%d system registers\n", len(raw.SysRegs))
		for _, r := range raw.SysRegs {
			printf("  %-18s = %016x\n", r.ID, r.Value)
			if verbose {
				for _, line := range describeSysReg(r) {
					printf("      %s\n", line)
				}
			}
		}
	default:
		printf("no identification data (arch %s)\n", raw.Arch)
	}
	return err
}

func featureNamesIn(reg uint32, table []bitFeature) string {
	var names []string
	for _, b := range table {
		if (reg>>b.bit)&1 != 0 {
			names = append(names, b.feature.String())
		}
	}
	return strings.Join(names, " ")
}

func describeLeaf(raw RawIdentification, l Leaf) []string {
	switch {
	case l.Leaf == 0:
		return []string{
			fmt.Sprintf("max standard leaf %#x", l.EAX),
			fmt.Sprintf("vendor %s", X86Vendor(raw)),
		}
	case l.Leaf == 1:
		f := ExplodeFeatures(RawIdentification{Arch: raw.Arch, Leaves: []Leaf{l}})
		return []string{
			fmt.Sprintf("family %#x model %#x stepping %d", f.Family, f.Model, f.Stepping),
			fmt.Sprintf("apic id %d, logical cpus %d, clflush %d bytes",
				l.EBX>>24, (l.EBX>>16)&0xff, ((l.EBX>>8)&0xff)*8),
			"ecx: " + featureNamesIn(l.ECX, leaf1ECX),
			"edx: " + featureNamesIn(l.EDX, leaf1EDX),
		}
	case l.Leaf == 7 && l.SubLeaf == 0:
		return []string{
			fmt.Sprintf("max sub-leaf %d", l.EAX),
			"ebx: " + featureNamesIn(l.EBX, leaf7EBX),
			"ecx: " + featureNamesIn(l.ECX, leaf7ECX),
		}
	case l.Leaf == 0xd && l.SubLeaf == 0:
		return []string{
			fmt.Sprintf("valid xcr0 %#x, enabled size %d, max size %d",
				uint64(l.EDX)<<32|uint64(l.EAX), l.EBX, l.ECX),
		}
	case l.Leaf == 0xd && l.SubLeaf == 1:
		return []string{"eax: " + featureNamesIn(l.EAX, leafDSub1EAX)}
	case l.Leaf == 0xd:
		return []string{fmt.Sprintf("component %d: size %d offset %d", l.SubLeaf, l.EAX, l.EBX)}
	case l.Leaf == 0x80000000:
		return []string{fmt.Sprintf("max extended leaf %#x", l.EAX)}
	case l.Leaf == 0x80000001:
		return []string{
			"ecx: " + featureNamesIn(l.ECX, extLeaf1ECX),
			"edx: " + featureNamesIn(l.EDX, extLeaf1EDX),
		}
	case l.Leaf >= 0x80000002 && l.Leaf <= 0x80000004:
		var b [16]byte
		for i, v := range []uint32{l.EAX, l.EBX, l.ECX, l.EDX} {
			b[i*4], b[i*4+1], b[i*4+2], b[i*4+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		}
		return []string{fmt.Sprintf("brand %q", strings.TrimRight(string(b[:]), "\x00"))}
	case l.Leaf == 0x80000007:
		return []string{fmt.Sprintf("invariant tsc %v", (l.EDX>>8)&1 != 0)}
	case l.Leaf == 0x80000008:
		return []string{fmt.Sprintf("physical address bits %d, linear address bits %d", l.EAX&0xff, (l.EAX>>8)&0xff)}
	}
	return nil
}

type regField struct {
	name  string
	shift uint
}

var sysRegFields = map[SysRegID][]regField{
	SysRegID_AA64PFR0_EL1: {
		{"EL0", 0}, {"EL1", 4}, {"EL2", 8}, {"EL3", 12}, {"FP", 16}, {"AdvSIMD", 20},
		{"GIC", 24}, {"RAS", 28}, {"SVE", 32}, {"SEL2", 36}, {"MPAM", 40}, {"AMU", 44},
		{"DIT", 48}, {"CSV2", 56}, {"CSV3", 60},
	},
	SysRegID_AA64PFR1_EL1: {{"BT", 0}, {"SSBS", 4}, {"MTE", 8}, {"RAS_frac", 12}},
	SysRegID_AA64ISAR0_EL1: {
		{"AES", 4}, {"SHA1", 8}, {"SHA2", 12}, {"CRC32", 16}, {"Atomic", 20}, {"RDM", 28},
		{"SHA3", 32}, {"SM3", 36}, {"SM4", 40}, {"DP", 44}, {"FHM", 48}, {"TS", 52},
		{"TLB", 56}, {"RNDR", 60},
	},
	SysRegID_AA64ISAR1_EL1: {
		{"DPB", 0}, {"APA", 4}, {"API", 8}, {"JSCVT", 12}, {"FCMA", 16}, {"LRCPC", 20},
		{"GPA", 24}, {"GPI", 28}, {"FRINTTS", 32}, {"SB", 36}, {"SPECRES", 40},
	},
	SysRegID_AA64MMFR0_EL1: {
		{"PARange", 0}, {"ASIDBits", 4}, {"BigEnd", 8}, {"SNSMem", 12}, {"BigEndEL0", 16},
		{"TGran16", 20}, {"TGran64", 24}, {"TGran4", 28},
	},
}

func describeSysReg(r SysReg) []string {
	if r.ID == SysRegMIDR_EL1 {
		impl := MIDRImplementer(r.Value)
		line := fmt.Sprintf("implementer %#x (%s) variant %d part %#x revision %d",
			impl, vendorFromImplementer(impl), MIDRVariant(r.Value), MIDRPartNum(r.Value), MIDRRevision(r.Value))
		out := []string{line}
		if _, name, err := LookupMicroarchitecture(vendorFromImplementer(impl), MIDRPartNum(r.Value)); err == nil {
			out = append(out, name)
		}
		return out
	}
	if r.ID == SysRegCNTFRQ_EL0 {
		return []string{fmt.Sprintf("%d Hz", r.Value)}
	}

	fields, ok := sysRegFields[r.ID]
	if !ok {
		return nil
	}
	var parts []string
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%d", f.name, field(r.Value, f.shift)))
	}
	return []string{strings.Join(parts, " ")}
}
