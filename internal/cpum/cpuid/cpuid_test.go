package cpuid

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/iem/internal/hv"
)

func mustProfile(t *testing.T, name string) *DBEntry {
	t.Helper()
	e, err := LookupProfile(name)
	if err != nil {
		t.Fatalf("LookupProfile(%q): %v", name, err)
	}
	return e
}

func syntheticSysRegs(n int) RawIdentification {
	raw := RawIdentification{Arch: hv.ArchitectureARM64}
	for i := 0; i < n; i++ {
		raw.SysRegs = append(raw.SysRegs, SysReg{ID: SysRegID(i), Value: uint64(i)})
	}
	return raw
}

func TestCollectCapacityExceeded(t *testing.T) {
	p := StaticProber{Raw: syntheticSysRegs(DefaultCapacity + 4)}

	_, err := CollectRawIdentification(p, DefaultCapacity)
	if err == nil {
		t.Fatal("expected capacity error")
	}
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("error %v does not wrap ErrOutOfRange", err)
	}
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("error %T is not a *CapacityError", err)
	}
	if capErr.Needed() != 4 {
		t.Errorf("Needed() = %d, want 4", capErr.Needed())
	}
	if !strings.Contains(err.Error(), "4 more registers available") {
		t.Errorf("message %q does not report the shortfall", err.Error())
	}
}

func TestCollectAtCapacity(t *testing.T) {
	p := StaticProber{Raw: syntheticSysRegs(16)}
	raw, err := CollectRawIdentification(p, 16)
	if err != nil {
		t.Fatalf("CollectRawIdentification: %v", err)
	}
	if raw.Len() != 16 {
		t.Fatalf("Len() = %d, want 16", raw.Len())
	}
}

func TestCollectArchMismatch(t *testing.T) {
	p := fakeProber{arch: hv.ArchitectureX86_64, raw: syntheticSysRegs(1)}
	_, err := CollectRawIdentification(p, 0)
	if !errors.Is(err, hv.ErrArchMismatch) {
		t.Fatalf("expected arch mismatch, got %v", err)
	}
}

type fakeProber struct {
	arch hv.CpuArchitecture
	raw  RawIdentification
	err  error
}

func (p fakeProber) Arch() hv.CpuArchitecture { return p.arch }
func (p fakeProber) ProbeHostRegisters() (RawIdentification, error) {
	return p.raw, p.err
}

func TestExplodeSkylake(t *testing.T) {
	f := mustProfile(t, "intel-core-i7-6700k").Features()

	if f.Vendor != VendorIntel {
		t.Errorf("vendor = %s, want intel", f.Vendor)
	}
	if f.Family != 6 || f.Model != 0x5e || f.Stepping != 3 {
		t.Errorf("family/model/stepping = %#x/%#x/%d", f.Family, f.Model, f.Stepping)
	}
	if f.Microarch != MicroarchIntelSkylake {
		t.Errorf("microarch = %d, want skylake", f.Microarch)
	}
	if !strings.Contains(f.Name, "i7-6700K") {
		t.Errorf("name = %q", f.Name)
	}
	for _, want := range []Feature{X86FeatureFXSR, X86FeatureTSC, X86FeatureXSAVE, X86FeatureAVX2,
		X86FeatureSSE4_2, X86FeatureLM, X86FeatureNX, X86FeatureXSAVEOPT, X86FeatureInvariantTSC} {
		if !f.Has(want) {
			t.Errorf("missing %s", want)
		}
	}
	if f.Has(X86FeatureAVX512F) {
		t.Error("skylake client reports avx512f")
	}
	if f.MaxXStateSize != 0x440 {
		t.Errorf("MaxXStateSize = %#x, want 0x440", f.MaxXStateSize)
	}
	if f.PhysAddrWidth != 39 || f.LinearAddrWidth != 48 {
		t.Errorf("address widths = %d/%d", f.PhysAddrWidth, f.LinearAddrWidth)
	}
}

func TestExplodeZen2(t *testing.T) {
	f := mustProfile(t, "amd-ryzen7-3700x").Features()
	if f.Vendor != VendorAMD {
		t.Fatalf("vendor = %s", f.Vendor)
	}
	if f.Family != 0x17 || f.Model != 0x71 {
		t.Errorf("family/model = %#x/%#x", f.Family, f.Model)
	}
	if f.Microarch != MicroarchAMDZen2 {
		t.Errorf("microarch = %d, want zen2", f.Microarch)
	}
	if !f.Has(X86FeatureSSE4A) || !f.Has(X86FeatureSVM) {
		t.Error("missing AMD extended features")
	}
}

func TestExplodeNeoverseN1(t *testing.T) {
	f := mustProfile(t, "arm-neoverse-n1").Features()
	if f.Vendor != VendorARM || f.Microarch != MicroarchARMNeoverseN1 {
		t.Fatalf("vendor/microarch = %s/%d", f.Vendor, f.Microarch)
	}
	if f.Model != 0xd0c || f.Variant != 4 || f.Stepping != 1 {
		t.Errorf("part/variant/revision = %#x/%d/%d", f.Model, f.Variant, f.Stepping)
	}
	for _, want := range []Feature{ARM64FeatureFP, ARM64FeatureASIMD, ARM64FeatureAES, ARM64FeaturePMULL,
		ARM64FeatureAtomics, ARM64FeatureCRC32, ARM64FeatureDotProd, ARM64FeatureGenericTimer, ARM64FeatureLRCPC} {
		if !f.Has(want) {
			t.Errorf("missing %s", want)
		}
	}
	if f.Has(ARM64FeatureSVE) || f.Has(ARM64FeatureSHA512) {
		t.Error("unexpected sve/sha512")
	}
	if f.PhysAddrWidth != 48 {
		t.Errorf("PhysAddrWidth = %d", f.PhysAddrWidth)
	}
}

func TestExplodeIsPure(t *testing.T) {
	raw := mustProfile(t, "apple-m1-firestorm").Raw()
	a := ExplodeFeatures(raw)
	b := ExplodeFeatures(raw)
	if a != b {
		t.Fatal("ExplodeFeatures is not deterministic")
	}
	if a.Microarch != MicroarchAppleM1 {
		t.Errorf("microarch = %d, want M1", a.Microarch)
	}
	if a.Has(ARM64FeatureTGran4K) {
		t.Error("M1 profile should not report 4K granule support")
	}
}

func TestQueryProberMatchesProfile(t *testing.T) {
	entry := mustProfile(t, "intel-core-i7-6700k")
	p := QueryProber{Query: func(leaf, sub uint32) (uint32, uint32, uint32, uint32) {
		l, _ := entry.Leaf(leaf, sub)
		return l.EAX, l.EBX, l.ECX, l.EDX
	}}

	raw, err := CollectRawIdentification(p, 0)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, ok := raw.Lookup(0xd, 1); !ok {
		t.Error("xsave sub-leaf 1 not enumerated")
	}
	if _, ok := raw.Lookup(0x40000000, 0); ok {
		t.Error("hypervisor range enumerated on bare metal profile")
	}

	got := ExplodeFeatures(raw)
	want := entry.Features()
	if got != want {
		t.Fatalf("probed features differ from profile:\n got  %+v\n want %+v", got, want)
	}
}

func TestLookupMicroarchitectureUnsupported(t *testing.T) {
	_, _, err := LookupMicroarchitecture(VendorARM, 0xfff)
	if !errors.Is(err, ErrUnsupportedCPU) {
		t.Fatalf("expected ErrUnsupportedCPU, got %v", err)
	}
	var ue *UnsupportedCPUError
	if !errors.As(err, &ue) || ue.ID != 0xfff || ue.Vendor != VendorARM {
		t.Fatalf("error does not carry the offending id: %v", err)
	}

	arch, name, err := LookupMicroarchitecture(VendorAMD, X86FamilyModel(0x19, 0x61))
	if err != nil || arch != MicroarchAMDZen4 {
		t.Fatalf("zen4 lookup = %d %q %v", arch, name, err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, name := range []string{"intel-core-i7-6700k", "arm-neoverse-n1"} {
		raw := mustProfile(t, name).Raw()
		raw.Sort()

		var buf bytes.Buffer
		if err := EncodeRaw(&buf, raw); err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		if !bytes.HasPrefix(buf.Bytes(), []byte("CPID\x01\x00\x00\x00")) {
			t.Fatalf("%s: header is not little-endian: % x", name, buf.Bytes()[:8])
		}

		got, err := DecodeRaw(&buf)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if ExplodeFeatures(got) != ExplodeFeatures(raw) {
			t.Fatalf("%s: features changed across encode/decode", name)
		}
		if got.Len() != raw.Len() {
			t.Fatalf("%s: %d entries, want %d", name, got.Len(), raw.Len())
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeRaw(bytes.NewReader([]byte("NOPE\x01\x00\x00\x00\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")))
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDumpFallsBackToHex(t *testing.T) {
	raw := mustProfile(t, "intel-core-i7-6700k").Raw()
	raw.Leaves = append(raw.Leaves, Leaf{Leaf: 0x12345, EAX: 0xdeadbeef})
	raw.Sort()

	var buf bytes.Buffer
	if err := Dump(&buf, raw, true); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "00012345/00: eax=deadbeef") {
		t.Errorf("unknown leaf missing from dump:\n%s", out)
	}
	if !strings.Contains(out, "vendor intel") || !strings.Contains(out, "fxsr") {
		t.Errorf("verbose annotations missing:\n%s", out)
	}

	arm := mustProfile(t, "arm-neoverse-n1").Raw()
	arm.SysRegs = append(arm.SysRegs, SysReg{ID: NewSysRegID(3, 7, 15, 15, 7), Value: 1})
	arm.Sort()
	buf.Reset()
	if err := Dump(&buf, arm, true); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !strings.Contains(buf.String(), "S3_7_C15_C15_7") || !strings.Contains(buf.String(), "Neoverse N1") {
		t.Errorf("arm64 dump incomplete:\n%s", buf.String())
	}
}

func TestParseDBEntryRejectsSchema(t *testing.T) {
	_, err := ParseDBEntry([]byte("schema: v2.0\nname: x\narch: x86_64\n"))
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected schema rejection, got %v", err)
	}
	_, err = ParseDBEntry([]byte("schema: v1.3\nname: x\narch: arm64\nsysregs:\n  - {reg: NOT_A_REG, value: 1}\n"))
	if err == nil {
		t.Fatal("expected unknown register error")
	}
}

func TestSysRegIDRoundTrip(t *testing.T) {
	id := NewSysRegID(3, 0, 0, 6, 0)
	if id != SysRegID_AA64ISAR0_EL1 || id.String() != "ID_AA64ISAR0_EL1" {
		t.Fatalf("unexpected id %v", id)
	}
	back, ok := SysRegByName("S3_1_C11_C0_2")
	if !ok || back.Op1() != 1 || back.CRn() != 11 || back.Op2() != 2 {
		t.Fatalf("SysRegByName = %v %v", back, ok)
	}
	if !SysRegID_AA64PFR0_EL1.IsIDRegister() || SysRegSCTLR_EL1.IsIDRegister() {
		t.Fatal("IsIDRegister misclassifies")
	}
}
