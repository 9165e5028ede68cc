package hv

import (
	"crypto/sha256"
	"encoding/binary"
)

// VMConfigHash identifies the parts of a VM configuration a saved state depends on.
// A stream can only be loaded into a VM with the same hash.
type VMConfigHash [32]byte

// ComputeConfigHash hashes the architecture, memory layout, CPU count and the name of
// the CPU profile advertised to the guest. Profile order matters for the guest-visible
// identification, so it is hashed verbatim.
func ComputeConfigHash(arch CpuArchitecture, memSize, memBase uint64,
	cpuCount int, profile string, xstateSize uint32) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(arch))
	h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], memSize)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], memBase)
	h.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])

	h.Write([]byte(profile))
	h.Write([]byte{0})

	binary.LittleEndian.PutUint32(buf[:4], xstateSize)
	h.Write(buf[:4])

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h VMConfigHash) String() string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, 64)
	for i, b := range h {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0f]
	}
	return string(result)
}
