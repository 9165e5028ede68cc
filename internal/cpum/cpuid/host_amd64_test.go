//go:build amd64

package cpuid

import (
	"encoding/binary"
	"testing"
)

func TestNativeQueryVendor(t *testing.T) {
	maxLeaf, ebx, ecx, edx := nativeQuery(0, 0)
	if maxLeaf < 1 {
		t.Fatalf("leaf 0 reports max standard leaf %d", maxLeaf)
	}
	var vendor [12]byte
	binary.LittleEndian.PutUint32(vendor[0:], ebx)
	binary.LittleEndian.PutUint32(vendor[4:], edx)
	binary.LittleEndian.PutUint32(vendor[8:], ecx)
	for _, b := range vendor {
		if b < 0x20 || b > 0x7e {
			t.Fatalf("vendor %q is not printable", vendor[:])
		}
	}
}

func TestHostProberCollectsBaseLeaves(t *testing.T) {
	raw, err := CollectRawIdentification(HostProber(), DefaultCapacity)
	if err != nil {
		t.Fatal(err)
	}
	for _, leaf := range []uint32{0, 1} {
		if _, ok := raw.Lookup(leaf, 0); !ok {
			t.Errorf("leaf %#x missing from host identification", leaf)
		}
	}
	want, _, _, _ := nativeQuery(0, 0)
	if got, _ := raw.Lookup(0, 0); got.EAX != want {
		t.Errorf("leaf 0 EAX = %#x, native query says %#x", got.EAX, want)
	}
}
