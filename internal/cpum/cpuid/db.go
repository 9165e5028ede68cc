package cpuid

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"sync"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/iem/internal/hv"
)

//go:embed db/*.yaml
var dbFiles embed.FS

// dbSchemaMajor is the only schema major version this package reads.
const dbSchemaMajor = "v1"

var ErrUnknownProfile = errors.New("unknown cpu profile")

type dbLeafFile struct {
	Leaf    uint32 `yaml:"leaf"`
	SubLeaf uint32 `yaml:"subleaf"`
	EAX     uint32 `yaml:"eax"`
	EBX     uint32 `yaml:"ebx"`
	ECX     uint32 `yaml:"ecx"`
	EDX     uint32 `yaml:"edx"`
	Flags   uint32 `yaml:"flags,omitempty"`
}

type dbSysRegFile struct {
	Reg   string `yaml:"reg"`
	Value uint64 `yaml:"value"`
	Flags uint32 `yaml:"flags,omitempty"`
}

type dbFile struct {
	Schema      string         `yaml:"schema"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Arch        string         `yaml:"arch"`
	Leaves      []dbLeafFile   `yaml:"leaves,omitempty"`
	SysRegs     []dbSysRegFile `yaml:"sysregs,omitempty"`
}

// DBEntry is one CPU profile. It is immutable once loaded; accessors hand
// out copies.
type DBEntry struct {
	Name        string
	Description string
	Arch        hv.CpuArchitecture
	Vendor      Vendor
	Microarch   Microarch

	leaves  []Leaf
	sysRegs []SysReg
}

// Raw returns a copy of the profile's identification data.
func (e *DBEntry) Raw() RawIdentification {
	return RawIdentification{
		Arch:    e.Arch,
		Leaves:  append([]Leaf(nil), e.leaves...),
		SysRegs: append([]SysReg(nil), e.sysRegs...),
	}
}

// SysReg looks a register up by binary search.
func (e *DBEntry) SysReg(id SysRegID) (uint64, bool) {
	return RawIdentification{SysRegs: e.sysRegs}.SysReg(id)
}

// Leaf looks a CPUID leaf up by binary search.
func (e *DBEntry) Leaf(leaf, subleaf uint32) (Leaf, bool) {
	return RawIdentification{Leaves: e.leaves}.Lookup(leaf, subleaf)
}

// Features explodes the profile.
func (e *DBEntry) Features() Features {
	return ExplodeFeatures(e.Raw())
}

// DB is the set of built-in CPU profiles.
type DB struct {
	entries map[string]*DBEntry
}

func (db *DB) Lookup(name string) (*DBEntry, error) {
	e, ok := db.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return e, nil
}

// Names returns the profile names in sorted order.
func (db *DB) Names() []string {
	names := make([]string, 0, len(db.entries))
	for name := range db.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var loadDatabase = sync.OnceValues(func() (*DB, error) {
	return LoadDatabase(dbFiles, "db")
})

// Database returns the embedded profile database, loading it on first use.
func Database() (*DB, error) {
	return loadDatabase()
}

// LookupProfile resolves a profile from the embedded database.
func LookupProfile(name string) (*DBEntry, error) {
	db, err := Database()
	if err != nil {
		return nil, err
	}
	return db.Lookup(name)
}

// LoadDatabase reads every *.yaml file under dir.
func LoadDatabase(fsys fs.FS, dir string) (*DB, error) {
	matches, err := fs.Glob(fsys, path.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list cpu database: %w", err)
	}

	db := &DB{entries: make(map[string]*DBEntry)}
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		entry, err := ParseDBEntry(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if _, dup := db.entries[entry.Name]; dup {
			return nil, fmt.Errorf("parse %s: duplicate profile %q", name, entry.Name)
		}
		db.entries[entry.Name] = entry
	}
	return db, nil
}

// ParseDBEntry decodes one YAML profile.
func ParseDBEntry(data []byte) (*DBEntry, error) {
	var f dbFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	if !semver.IsValid(f.Schema) {
		return nil, fmt.Errorf("invalid schema version %q", f.Schema)
	}
	if major := semver.Major(f.Schema); major != dbSchemaMajor {
		return nil, fmt.Errorf("schema %s not supported (want %s.x)", f.Schema, dbSchemaMajor)
	}
	if f.Name == "" {
		return nil, errors.New("profile has no name")
	}

	e := &DBEntry{
		Name:        f.Name,
		Description: f.Description,
		Arch:        hv.ParseArchitecture(f.Arch),
	}

	switch e.Arch {
	case hv.ArchitectureX86_64:
		if len(f.SysRegs) != 0 {
			return nil, errors.New("x86_64 profile cannot carry system registers")
		}
		for _, l := range f.Leaves {
			e.leaves = append(e.leaves, Leaf(l))
		}
	case hv.ArchitectureARM64:
		if len(f.Leaves) != 0 {
			return nil, errors.New("arm64 profile cannot carry cpuid leaves")
		}
		for _, r := range f.SysRegs {
			id, ok := SysRegByName(r.Reg)
			if !ok {
				return nil, fmt.Errorf("unknown system register %q", r.Reg)
			}
			e.sysRegs = append(e.sysRegs, SysReg{ID: id, Value: r.Value, Flags: r.Flags})
		}
	default:
		return nil, fmt.Errorf("unknown architecture %q", f.Arch)
	}

	raw := RawIdentification{Arch: e.Arch, Leaves: e.leaves, SysRegs: e.sysRegs}
	raw.Sort()
	for i := 1; i < len(raw.SysRegs); i++ {
		if raw.SysRegs[i].ID == raw.SysRegs[i-1].ID {
			return nil, fmt.Errorf("duplicate system register %s", raw.SysRegs[i].ID)
		}
	}

	feat := ExplodeFeatures(raw)
	e.Vendor = feat.Vendor
	e.Microarch = feat.Microarch
	return e, nil
}
