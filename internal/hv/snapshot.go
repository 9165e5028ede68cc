package hv

// Saved-state stream constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 2
)

// Architecture encoding for saved-state streams and CPU identification dumps
const (
	SnapshotArchInvalid uint32 = 0
	SnapshotArchX86_64  uint32 = 1
	SnapshotArchARM64   uint32 = 2
)

// ArchToSnapshotArch converts a CpuArchitecture to its stream encoding.
func ArchToSnapshotArch(arch CpuArchitecture) uint32 {
	switch arch {
	case ArchitectureX86_64:
		return SnapshotArchX86_64
	case ArchitectureARM64:
		return SnapshotArchARM64
	default:
		return SnapshotArchInvalid
	}
}

// SnapshotArchToArch converts a stream architecture encoding to CpuArchitecture.
func SnapshotArchToArch(arch uint32) CpuArchitecture {
	switch arch {
	case SnapshotArchX86_64:
		return ArchitectureX86_64
	case SnapshotArchARM64:
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}
