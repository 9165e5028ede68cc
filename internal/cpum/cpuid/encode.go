package cpuid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"

	"github.com/tinyrange/iem/internal/hv"
)

// Binary identification format. Every field is little-endian regardless of
// the host byte order.
var rawMagic = [4]byte{'C', 'P', 'I', 'D'}

const rawVersion = 1

var (
	ErrBadMagic      = errors.New("not an identification dump")
	ErrBadRawVersion = errors.New("unsupported identification dump version")
)

var structOpts = &struc.Options{Order: binary.LittleEndian}

type rawHeader struct {
	Magic   [4]byte
	Version uint32
	Arch    uint32
	Leaves  uint32
	SysRegs uint32
}

type rawLeaf struct {
	Leaf    uint32
	SubLeaf uint32
	EAX     uint32
	EBX     uint32
	ECX     uint32
	EDX     uint32
	Flags   uint32
}

type rawSysReg struct {
	ID    uint32
	Flags uint32
	Value uint64
}

// EncodeRaw writes raw in the binary identification format.
func EncodeRaw(w io.Writer, raw RawIdentification) error {
	hdr := rawHeader{
		Magic:   rawMagic,
		Version: rawVersion,
		Arch:    hv.ArchToSnapshotArch(raw.Arch),
		Leaves:  uint32(len(raw.Leaves)),
		SysRegs: uint32(len(raw.SysRegs)),
	}
	if err := struc.PackWithOptions(w, &hdr, structOpts); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, l := range raw.Leaves {
		rec := rawLeaf{l.Leaf, l.SubLeaf, l.EAX, l.EBX, l.ECX, l.EDX, l.Flags}
		if err := struc.PackWithOptions(w, &rec, structOpts); err != nil {
			return fmt.Errorf("write leaf %#x/%d: %w", l.Leaf, l.SubLeaf, err)
		}
	}
	for _, r := range raw.SysRegs {
		rec := rawSysReg{ID: uint32(r.ID), Flags: r.Flags, Value: r.Value}
		if err := struc.PackWithOptions(w, &rec, structOpts); err != nil {
			return fmt.Errorf("write sysreg %s: %w", r.ID, err)
		}
	}
	return nil
}

// DecodeRaw reads data written by EncodeRaw. The entry count is bounded by
// DefaultCapacity.
func DecodeRaw(r io.Reader) (RawIdentification, error) {
	var hdr rawHeader
	if err := struc.UnpackWithOptions(r, &hdr, structOpts); err != nil {
		return RawIdentification{}, fmt.Errorf("read header: %w", err)
	}
	if hdr.Magic != rawMagic {
		return RawIdentification{}, ErrBadMagic
	}
	if hdr.Version != rawVersion {
		return RawIdentification{}, fmt.Errorf("%w: %d", ErrBadRawVersion, hdr.Version)
	}
	arch := hv.SnapshotArchToArch(hdr.Arch)
	if arch == hv.ArchitectureInvalid {
		return RawIdentification{}, fmt.Errorf("unknown architecture code %d", hdr.Arch)
	}
	if n := int(hdr.Leaves) + int(hdr.SysRegs); n > DefaultCapacity {
		return RawIdentification{}, &CapacityError{Available: n, Capacity: DefaultCapacity}
	}

	raw := RawIdentification{Arch: arch}
	for i := uint32(0); i < hdr.Leaves; i++ {
		var rec rawLeaf
		if err := struc.UnpackWithOptions(r, &rec, structOpts); err != nil {
			return RawIdentification{}, fmt.Errorf("read leaf %d: %w", i, err)
		}
		raw.Leaves = append(raw.Leaves, Leaf{
			Leaf: rec.Leaf, SubLeaf: rec.SubLeaf,
			EAX: rec.EAX, EBX: rec.EBX, ECX: rec.ECX, EDX: rec.EDX,
			Flags: rec.Flags,
		})
	}
	for i := uint32(0); i < hdr.SysRegs; i++ {
		var rec rawSysReg
		if err := struc.UnpackWithOptions(r, &rec, structOpts); err != nil {
			return RawIdentification{}, fmt.Errorf("read sysreg %d: %w", i, err)
		}
		raw.SysRegs = append(raw.SysRegs, SysReg{ID: SysRegID(rec.ID), Value: rec.Value, Flags: rec.Flags})
	}

	raw.Sort()
	return raw, nil
}

// EntrySize is the encoded size of one leaf or system register record.
func EntrySize(arch hv.CpuArchitecture) uint32 {
	var rec any = &rawLeaf{}
	if arch == hv.ArchitectureARM64 {
		rec = &rawSysReg{}
	}
	n, err := struc.SizeofWithOptions(rec, structOpts)
	if err != nil {
		panic(err)
	}
	return uint32(n)
}
