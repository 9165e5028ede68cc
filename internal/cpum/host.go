package cpum

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
)

var ErrMissingHostFeature = errors.New("host cpu lacks a required feature")

// MissingFeatureError names the host feature that prevents a VM from being
// built.
type MissingFeatureError struct {
	Arch    hv.CpuArchitecture
	Feature cpuid.Feature
	Reason  string
}

func (e *MissingFeatureError) Error() string {
	return fmt.Sprintf("host %s cpu does not support %s: %s", e.Arch, e.Feature, e.Reason)
}

func (e *MissingFeatureError) Unwrap() error { return ErrMissingHostFeature }

var _ error = &MissingFeatureError{}

type requirement struct {
	feature cpuid.Feature
	reason  string
}

var hostRequirements = map[hv.CpuArchitecture][]requirement{
	hv.ArchitectureX86_64: {
		{cpuid.X86FeatureFXSR, "the FXSAVE/FXRSTOR instructions are needed to save and restore guest FPU and SSE state"},
		{cpuid.X86FeatureTSC, "a time stamp counter is needed as the monotonic cycle source"},
	},
	hv.ArchitectureARM64: {
		{cpuid.ARM64FeatureFP, "floating point registers are needed for the guest FP/SIMD state"},
		{cpuid.ARM64FeatureASIMD, "Advanced SIMD registers are needed for the guest FP/SIMD state"},
		{cpuid.ARM64FeatureGenericTimer, "the generic timer is needed as the monotonic cycle source"},
	},
}

// CheckHostRequirements verifies the minimum host capabilities. It returns a
// *MissingFeatureError for the first one that is absent.
func CheckHostRequirements(f *cpuid.Features) error {
	reqs, ok := hostRequirements[f.Arch]
	if !ok {
		return fmt.Errorf("host architecture %q: %w", f.Arch, cpuid.ErrUnsupportedHost)
	}
	for _, r := range reqs {
		if !f.Has(r.feature) {
			return &MissingFeatureError{Arch: f.Arch, Feature: r.feature, Reason: r.reason}
		}
	}
	return nil
}

// HostSnapshot is the identification of the machine the engine runs on. It
// is built once and never modified.
type HostSnapshot struct {
	Raw      cpuid.RawIdentification
	Features cpuid.Features
}

// NewHostSnapshot probes p and explodes the result.
func NewHostSnapshot(p cpuid.Prober) (*HostSnapshot, error) {
	raw, err := cpuid.CollectRawIdentification(p, cpuid.DefaultCapacity)
	if err != nil {
		return nil, fmt.Errorf("collect host identification: %w", err)
	}
	return &HostSnapshot{Raw: raw, Features: cpuid.ExplodeFeatures(raw)}, nil
}

var hostSnapshot = sync.OnceValues(func() (*HostSnapshot, error) {
	return NewHostSnapshot(cpuid.HostProber())
})

// Host returns the snapshot of the real host, probing it on first use.
func Host() (*HostSnapshot, error) {
	return hostSnapshot()
}

// GuestIdentification derives what the guest is shown. Without a profile the
// guest sees the host. With one, the profile's identity is kept and its
// feature set is cut down to what the host has.
func GuestIdentification(host *HostSnapshot, profile *cpuid.DBEntry) (*cpuid.Features, cpuid.RawIdentification, error) {
	if profile == nil {
		f := host.Features
		return &f, host.Raw.Clone(), nil
	}
	if profile.Arch != host.Features.Arch {
		return nil, cpuid.RawIdentification{}, fmt.Errorf("profile %s is %s, host is %s: %w",
			profile.Name, profile.Arch, host.Features.Arch, hv.ErrArchMismatch)
	}
	f := profile.Features()
	f.Set = f.Set.Intersect(host.Features.Set)
	f.MaxXStateSize = GuestXStateSize(&host.Features, &f)
	return &f, profile.Raw(), nil
}

// GuestXStateSize sizes the extended state buffer of a guest. It never
// exceeds what the host can capture.
func GuestXStateSize(host, guest *cpuid.Features) uint32 {
	size := guest.MaxXStateSize
	switch guest.Arch {
	case hv.ArchitectureX86_64:
		size = max(size, FXSaveSize)
	case hv.ArchitectureARM64:
		size = max(size, ARM64XStateSize)
	}
	return min(size, host.MaxXStateSize)
}
