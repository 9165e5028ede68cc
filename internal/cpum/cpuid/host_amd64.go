//go:build amd64

package cpuid

import (
	gvcpuid "gvisor.dev/gvisor/pkg/cpuid"
)

// newHostProber enumerates the host with the native CPUID instruction.
func newHostProber() Prober {
	return QueryProber{Query: nativeQuery}
}

func nativeQuery(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	out := (&gvcpuid.Native{}).Query(gvcpuid.In{Eax: leaf, Ecx: subleaf})
	return out.Eax, out.Ebx, out.Ecx, out.Edx
}
