package ssm

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/tinyrange/iem/internal/hv"
)

type counterRecord struct {
	Value uint64
	Flags uint32
}

type counterUnit struct {
	name     string
	versions []uint32

	value     uint64
	loaded    bool
	loadedVer uint32
	prepped   bool
	done      bool
}

func (u *counterUnit) Name() string       { return u.name }
func (u *counterUnit) Versions() []uint32 { return u.versions }

func (u *counterUnit) RecordSize(version uint32) uint32 {
	return Sizeof(&counterRecord{})
}

func (u *counterUnit) Save(w io.Writer, version uint32) error {
	return Pack(w, &counterRecord{Value: u.value, Flags: version})
}

func (u *counterUnit) Load(r io.Reader, version uint32) error {
	var rec counterRecord
	if err := Unpack(r, &rec); err != nil {
		return err
	}
	u.value = rec.Value
	u.loaded = true
	u.loadedVer = version
	return nil
}

func (u *counterUnit) LoadPrep() error {
	u.prepped = true
	u.loaded = false
	return nil
}

func (u *counterUnit) LoadDone() error {
	u.done = true
	if !u.loaded {
		return ErrMissingState
	}
	return nil
}

func newPair(t *testing.T) (*Registry, *counterUnit) {
	t.Helper()
	reg := NewRegistry(hv.ArchitectureX86_64)
	u := &counterUnit{name: "counter", versions: []uint32{2, 1}}
	if err := reg.Register(u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg, u
}

func TestSaveLoadRoundTrip(t *testing.T) {
	src, su := newPair(t)
	su.value = 0x1122334455667788

	var buf bytes.Buffer
	if err := src.Save(&buf, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst, du := newPair(t)
	if err := dst.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !du.prepped || !du.done {
		t.Fatal("load hooks not called")
	}
	if du.value != su.value || du.loadedVer != 2 {
		t.Fatalf("loaded %#x v%d", du.value, du.loadedVer)
	}
}

func TestSaveOlderVersion(t *testing.T) {
	src, _ := newPair(t)
	var buf bytes.Buffer
	if err := src.Save(&buf, &SaveOptions{Versions: map[string]uint32{"counter": 1}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	dst, du := newPair(t)
	if err := dst.Load(&buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if du.loadedVer != 1 {
		t.Fatalf("loaded version %d, want 1", du.loadedVer)
	}

	if err := src.Save(io.Discard, &SaveOptions{Versions: map[string]uint32{"counter": 7}}); !errors.Is(err, ErrUnsupportedStateVersion) {
		t.Fatalf("saving unknown version: %v", err)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	src := NewRegistry(hv.ArchitectureX86_64)
	if err := src.Register(&counterUnit{name: "counter", versions: []uint32{3}}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := src.Save(&buf, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst, du := newPair(t)
	err := dst.Load(&buf)
	if !errors.Is(err, ErrUnsupportedStateVersion) {
		t.Fatalf("expected ErrUnsupportedStateVersion, got %v", err)
	}
	if du.loaded {
		t.Fatal("unit loaded despite version mismatch")
	}
}

func TestLoadDetectsCorruption(t *testing.T) {
	src, su := newPair(t)
	su.value = 42
	var buf bytes.Buffer
	if err := src.Save(&buf, nil); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	dst, _ := newPair(t)
	if err := dst.Load(bytes.NewReader(data)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestLoadMissingUnit(t *testing.T) {
	src := NewRegistry(hv.ArchitectureX86_64)
	var buf bytes.Buffer
	if err := src.Save(&buf, nil); err != nil {
		t.Fatal(err)
	}

	dst, du := newPair(t)
	err := dst.Load(&buf)
	if !errors.Is(err, ErrMissingState) {
		t.Fatalf("expected ErrMissingState, got %v", err)
	}
	if !du.done {
		t.Fatal("LoadDone not called for absent unit")
	}
}

func TestLoadUnknownUnitAndArch(t *testing.T) {
	src := NewRegistry(hv.ArchitectureX86_64)
	if err := src.Register(&counterUnit{name: "other", versions: []uint32{1}}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := src.Save(&buf, nil); err != nil {
		t.Fatal(err)
	}
	dst, _ := newPair(t)
	if err := dst.Load(bytes.NewReader(buf.Bytes())); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}

	arm := NewRegistry(hv.ArchitectureARM64)
	if err := arm.Load(bytes.NewReader(buf.Bytes())); !errors.Is(err, hv.ErrArchMismatch) {
		t.Fatalf("expected ErrArchMismatch, got %v", err)
	}
}
