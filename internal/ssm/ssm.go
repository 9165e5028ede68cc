// Package ssm frames the saved state of a VM into a versioned binary stream.
// Every component registers a named unit; the stream carries each unit's
// version, record size and a CRC of its payload.
package ssm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"slices"

	"github.com/lunixbochs/struc"

	"github.com/tinyrange/iem/internal/hv"
)

var (
	ErrUnsupportedStateVersion = errors.New("unsupported saved state version")
	ErrMissingState            = errors.New("saved state incomplete")
	ErrUnknownUnit             = errors.New("unknown saved state unit")
	ErrCorrupt                 = errors.New("saved state corrupt")
)

// StreamVersion is the framing version, independent of unit versions.
const StreamVersion = 1

// Unit is one component's saved state.
type Unit interface {
	Name() string
	// Versions lists every version Load understands, current first.
	Versions() []uint32
	// RecordSize is the fixed per-record size for the given version.
	RecordSize(version uint32) uint32
	Save(w io.Writer, version uint32) error
	Load(r io.Reader, version uint32) error
}

// LoadPreparer is implemented by units that track whether a load is in
// progress.
type LoadPreparer interface {
	LoadPrep() error
}

// LoadDoner is implemented by units that validate a completed load.
type LoadDoner interface {
	LoadDone() error
}

var structOpts = &struc.Options{Order: binary.LittleEndian}

type streamHeader struct {
	Magic   uint32
	Version uint32
	Arch    uint32
	Units   uint32
}

type unitHeader struct {
	NameLen    uint16 `struc:"uint16,sizeof=Name"`
	Name       string
	Version    uint32
	RecordSize uint32
	PayloadLen uint32
	CRC        uint32
}

// Registry holds the units of one VM in registration order.
type Registry struct {
	arch  hv.CpuArchitecture
	units []Unit
}

func NewRegistry(arch hv.CpuArchitecture) *Registry {
	return &Registry{arch: arch}
}

func (r *Registry) Register(u Unit) error {
	if len(u.Versions()) == 0 {
		return fmt.Errorf("unit %q declares no versions", u.Name())
	}
	if r.lookup(u.Name()) != nil {
		return fmt.Errorf("unit %q registered twice", u.Name())
	}
	r.units = append(r.units, u)
	return nil
}

func (r *Registry) lookup(name string) Unit {
	for _, u := range r.units {
		if u.Name() == name {
			return u
		}
	}
	return nil
}

// SaveOptions selects older unit versions, e.g. to hand a stream to an
// older build.
type SaveOptions struct {
	Versions map[string]uint32
}

// Save writes every registered unit.
func (r *Registry) Save(w io.Writer, opts *SaveOptions) error {
	hdr := streamHeader{
		Magic:   hv.SnapshotMagic,
		Version: StreamVersion,
		Arch:    hv.ArchToSnapshotArch(r.arch),
		Units:   uint32(len(r.units)),
	}
	if err := struc.PackWithOptions(w, &hdr, structOpts); err != nil {
		return fmt.Errorf("write stream header: %w", err)
	}

	for _, u := range r.units {
		version := u.Versions()[0]
		if opts != nil {
			if v, ok := opts.Versions[u.Name()]; ok {
				version = v
			}
		}
		if !slices.Contains(u.Versions(), version) {
			return fmt.Errorf("save %s v%d: %w", u.Name(), version, ErrUnsupportedStateVersion)
		}

		var payload bytes.Buffer
		if err := u.Save(&payload, version); err != nil {
			return fmt.Errorf("save %s: %w", u.Name(), err)
		}

		uh := unitHeader{
			Name:       u.Name(),
			Version:    version,
			RecordSize: u.RecordSize(version),
			PayloadLen: uint32(payload.Len()),
			CRC:        crc32.ChecksumIEEE(payload.Bytes()),
		}
		if err := struc.PackWithOptions(w, &uh, structOpts); err != nil {
			return fmt.Errorf("write %s header: %w", u.Name(), err)
		}
		if _, err := w.Write(payload.Bytes()); err != nil {
			return fmt.Errorf("write %s payload: %w", u.Name(), err)
		}
	}
	return nil
}

// maxPayload bounds a single unit so a corrupt length cannot allocate
// unbounded memory. Guest RAM is compressed by its unit.
const maxPayload = 1 << 31

// Load reads a stream produced by Save. Every unit in the stream must be
// registered and its version must be one the unit enumerates. LoadDone runs
// on every unit after the last one is read, including units that were absent
// from the stream.
func (r *Registry) Load(rd io.Reader) error {
	for _, u := range r.units {
		if p, ok := u.(LoadPreparer); ok {
			if err := p.LoadPrep(); err != nil {
				return fmt.Errorf("prepare %s: %w", u.Name(), err)
			}
		}
	}

	if err := r.loadUnits(rd); err != nil {
		return err
	}

	for _, u := range r.units {
		if d, ok := u.(LoadDoner); ok {
			if err := d.LoadDone(); err != nil {
				return fmt.Errorf("complete %s: %w", u.Name(), err)
			}
		}
	}
	return nil
}

func (r *Registry) loadUnits(rd io.Reader) error {
	var hdr streamHeader
	if err := struc.UnpackWithOptions(rd, &hdr, structOpts); err != nil {
		return fmt.Errorf("read stream header: %w", err)
	}
	if hdr.Magic != hv.SnapshotMagic {
		return fmt.Errorf("invalid magic: expected %#x, got %#x: %w", hv.SnapshotMagic, hdr.Magic, ErrCorrupt)
	}
	if hdr.Version != StreamVersion {
		return fmt.Errorf("stream version %d: %w", hdr.Version, ErrUnsupportedStateVersion)
	}
	if arch := hv.SnapshotArchToArch(hdr.Arch); arch != r.arch {
		return fmt.Errorf("stream is %s, vm is %s: %w", arch, r.arch, hv.ErrArchMismatch)
	}

	seen := make(map[string]bool)
	for i := uint32(0); i < hdr.Units; i++ {
		var uh unitHeader
		if err := struc.UnpackWithOptions(rd, &uh, structOpts); err != nil {
			return fmt.Errorf("read unit %d header: %w", i, err)
		}
		u := r.lookup(uh.Name)
		if u == nil {
			return fmt.Errorf("%w: %q", ErrUnknownUnit, uh.Name)
		}
		if seen[uh.Name] {
			return fmt.Errorf("unit %q appears twice: %w", uh.Name, ErrCorrupt)
		}
		seen[uh.Name] = true

		if !slices.Contains(u.Versions(), uh.Version) {
			return fmt.Errorf("load %s v%d (understood %v): %w", uh.Name, uh.Version, u.Versions(), ErrUnsupportedStateVersion)
		}
		if want := u.RecordSize(uh.Version); uh.RecordSize != want {
			return fmt.Errorf("load %s: record size %d, want %d: %w", uh.Name, uh.RecordSize, want, ErrCorrupt)
		}
		if uint64(uh.PayloadLen) > maxPayload {
			return fmt.Errorf("load %s: payload of %d bytes: %w", uh.Name, uh.PayloadLen, ErrCorrupt)
		}

		payload := make([]byte, uh.PayloadLen)
		if _, err := io.ReadFull(rd, payload); err != nil {
			return fmt.Errorf("read %s payload: %w", uh.Name, err)
		}
		if crc32.ChecksumIEEE(payload) != uh.CRC {
			return fmt.Errorf("load %s: checksum mismatch: %w", uh.Name, ErrCorrupt)
		}

		if err := u.Load(bytes.NewReader(payload), uh.Version); err != nil {
			return fmt.Errorf("load %s: %w", uh.Name, err)
		}
	}
	return nil
}

// Pack and Unpack encode fixed records with the stream's byte order.
func Pack(w io.Writer, v any) error {
	return struc.PackWithOptions(w, v, structOpts)
}

func Unpack(r io.Reader, v any) error {
	return struc.UnpackWithOptions(r, v, structOpts)
}

// Sizeof returns the packed size of a fixed record.
func Sizeof(v any) uint32 {
	n, err := struc.SizeofWithOptions(v, structOpts)
	if err != nil {
		panic(fmt.Sprintf("ssm: sizeof %T: %v", v, err))
	}
	return uint32(n)
}
