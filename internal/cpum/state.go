package cpum

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/ssm"
)

var ErrRestorePending = errors.New("saved state restore has not completed")

// UseFlags record which optional CPU facilities a VCpu has touched.
type UseFlags uint32

const (
	UseFPUGuest UseFlags = 1 << iota
	UseSyscall
	UseSysenter
	UseDebugRegs
	UseSupportsLongMode
)

// CPU is the per-VCpu slice of the manager.
type CPU struct {
	Ctx *Context
	Use UseFlags
}

// Manager owns the contexts of every VCpu of one VM.
type Manager struct {
	cfg  *Config
	cpus []*CPU
	log  *slog.Logger

	restorePending atomic.Bool
	loadedCPUs     []bool
	loadedIdent    bool
}

func NewManager(cfg *Config, numCPUs int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{cfg: cfg, log: log}
	for i := 0; i < numCPUs; i++ {
		m.cpus = append(m.cpus, &CPU{Ctx: NewContext(cfg, i), Use: m.defaultUse()})
	}
	return m
}

func (m *Manager) defaultUse() UseFlags {
	var use UseFlags
	if g := m.cfg.Guest; g != nil && g.Arch == hv.ArchitectureX86_64 {
		if g.Has(cpuid.X86FeatureLM) {
			use |= UseSupportsLongMode
		}
		if g.Has(cpuid.X86FeatureSYSCALL) {
			use |= UseSyscall
		}
		if g.Has(cpuid.X86FeatureSEP) {
			use |= UseSysenter
		}
	}
	return use
}

func (m *Manager) Config() *Config { return m.cfg }
func (m *Manager) NumCPUs() int    { return len(m.cpus) }
func (m *Manager) CPU(i int) *CPU  { return m.cpus[i] }

// Reset returns every context to its power-on state.
func (m *Manager) Reset() {
	for _, c := range m.cpus {
		c.Ctx.Reset()
		c.Use = m.defaultUse()
	}
}

// IsRestorePending is true from the start of a load until it completed.
// Execution must not resume while it is set.
func (m *Manager) IsRestorePending() bool {
	return m.restorePending.Load()
}

// Units returns the saved-state units of the manager: the register contexts
// and the guest identification.
func (m *Manager) Units() []ssm.Unit {
	return []ssm.Unit{&contextUnit{m}, &identUnit{m}}
}

type contextRecord struct {
	GPR       [32]uint64
	PC        uint64
	Flags     uint64
	SegSel    [SegCount + 2]uint16
	SegAttr   [SegCount + 2]uint32
	SegLimit  [SegCount + 2]uint32
	SegBase   [SegCount + 2]uint64
	GDTRBase  uint64
	GDTRLimit uint32
	IDTRBase  uint64
	IDTRLimit uint32
	CR0       uint64
	CR2       uint64
	CR3       uint64
	CR4       uint64
	CR8       uint64
	EFER      uint64
	XCR0      uint64
	DR        [8]uint64
}

type sysRegRecord struct {
	ID    uint32
	Flags uint32
	Value uint64
}

func (c *Context) segments() []*Segment {
	return []*Segment{&c.Seg[0], &c.Seg[1], &c.Seg[2], &c.Seg[3], &c.Seg[4], &c.Seg[5], &c.LDTR, &c.TR}
}

func (c *Context) record() *contextRecord {
	rec := &contextRecord{
		GPR:       c.GPR,
		PC:        c.PC,
		Flags:     c.Flags,
		GDTRBase:  c.GDTR.Base,
		GDTRLimit: c.GDTR.Limit,
		IDTRBase:  c.IDTR.Base,
		IDTRLimit: c.IDTR.Limit,
		CR0:       c.CR0,
		CR2:       c.CR2,
		CR3:       c.CR3,
		CR4:       c.CR4,
		CR8:       c.CR8,
		EFER:      c.EFER,
		XCR0:      c.XCR0,
		DR:        c.DR,
	}
	for i, s := range c.segments() {
		rec.SegSel[i], rec.SegAttr[i], rec.SegLimit[i], rec.SegBase[i] = s.Selector, s.Attr, s.Limit, s.Base
	}
	return rec
}

func (c *Context) applyRecord(rec *contextRecord) {
	c.GPR, c.PC, c.Flags = rec.GPR, rec.PC, rec.Flags
	c.GDTR = DescriptorTable{Base: rec.GDTRBase, Limit: rec.GDTRLimit}
	c.IDTR = DescriptorTable{Base: rec.IDTRBase, Limit: rec.IDTRLimit}
	c.CR0, c.CR2, c.CR3, c.CR4, c.CR8 = rec.CR0, rec.CR2, rec.CR3, rec.CR4, rec.CR8
	c.EFER, c.XCR0, c.DR = rec.EFER, rec.XCR0, rec.DR
	for i, s := range c.segments() {
		*s = Segment{Selector: rec.SegSel[i], Attr: rec.SegAttr[i], Limit: rec.SegLimit[i], Base: rec.SegBase[i]}
	}
}

// contextUnit is "cpum". Version 2 carries UseFlags per VCpu. Version 1
// carried a single per-VM word ahead of the contexts.
type contextUnit struct{ m *Manager }

const (
	contextVersion      = 2
	contextVersionVMUse = 1
	contextUnitName     = "cpum"
	identUnitName       = "cpuid"
	identVersion        = 1
)

func (u *contextUnit) Name() string       { return contextUnitName }
func (u *contextUnit) Versions() []uint32 { return []uint32{contextVersion, contextVersionVMUse} }

func (u *contextUnit) RecordSize(version uint32) uint32 {
	size := ssm.Sizeof(&contextRecord{}) + u.m.cfg.XStateSize
	if len(u.m.cpus) > 0 {
		size += uint32(u.m.cpus[0].Ctx.SysRegs.Len()) * ssm.Sizeof(&sysRegRecord{})
	}
	if version == contextVersion {
		size += 4
	}
	return size
}

func (u *contextUnit) Save(w io.Writer, version uint32) error {
	m := u.m
	if err := ssm.Pack(w, &struct{ Count uint32 }{uint32(len(m.cpus))}); err != nil {
		return err
	}

	if version == contextVersionVMUse {
		// Collapse: the old format had one word for the whole VM.
		var vmUse UseFlags
		for _, c := range m.cpus {
			vmUse |= c.Use
		}
		if err := ssm.Pack(w, &struct{ Use uint32 }{uint32(vmUse)}); err != nil {
			return err
		}
	}

	for i, c := range m.cpus {
		if version == contextVersion {
			if err := ssm.Pack(w, &struct{ Use uint32 }{uint32(c.Use)}); err != nil {
				return fmt.Errorf("vcpu %d: %w", i, err)
			}
		}
		if err := saveContext(w, c.Ctx); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
	}
	return nil
}

func saveContext(w io.Writer, c *Context) error {
	if err := ssm.Pack(w, c.record()); err != nil {
		return err
	}
	if _, err := w.Write(c.XState); err != nil {
		return err
	}
	for _, r := range c.SysRegs.regs {
		if err := ssm.Pack(w, &sysRegRecord{ID: uint32(r.ID), Flags: r.Flags, Value: r.Value}); err != nil {
			return err
		}
	}
	return nil
}

func loadContext(r io.Reader, c *Context) error {
	var rec contextRecord
	if err := ssm.Unpack(r, &rec); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, c.XState); err != nil {
		return fmt.Errorf("extended state: %w", err)
	}
	for i := range c.SysRegs.regs {
		var sr sysRegRecord
		if err := ssm.Unpack(r, &sr); err != nil {
			return err
		}
		want := c.SysRegs.regs[i].ID
		if cpuid.SysRegID(sr.ID) != want {
			return fmt.Errorf("system register %d is %s, expected %s: %w", i, cpuid.SysRegID(sr.ID), want, ssm.ErrCorrupt)
		}
		c.SysRegs.regs[i].Value = sr.Value
		c.SysRegs.regs[i].Flags = sr.Flags
	}
	c.applyRecord(&rec)
	return nil
}

func (u *contextUnit) Load(r io.Reader, version uint32) error {
	m := u.m
	var hdr struct{ Count uint32 }
	if err := ssm.Unpack(r, &hdr); err != nil {
		return err
	}
	if int(hdr.Count) > len(m.cpus) {
		return fmt.Errorf("stream has %d vcpus, vm has %d: %w", hdr.Count, len(m.cpus), ssm.ErrCorrupt)
	}

	var vmUse UseFlags
	if version == contextVersionVMUse {
		var w struct{ Use uint32 }
		if err := ssm.Unpack(r, &w); err != nil {
			return err
		}
		vmUse = UseFlags(w.Use)
	}

	for i := 0; i < int(hdr.Count); i++ {
		c := m.cpus[i]
		switch version {
		case contextVersion:
			var w struct{ Use uint32 }
			if err := ssm.Unpack(r, &w); err != nil {
				return fmt.Errorf("vcpu %d: %w", i, err)
			}
			c.Use = UseFlags(w.Use)
		case contextVersionVMUse:
			// Fan out the per-VM word.
			c.Use = vmUse
		default:
			return fmt.Errorf("cpum v%d: %w", version, ssm.ErrUnsupportedStateVersion)
		}
		if err := loadContext(r, c.Ctx); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
		m.loadedCPUs[i] = true
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return fmt.Errorf("trailing data after %d contexts: %w", hdr.Count, ssm.ErrCorrupt)
	}
	return nil
}

func (u *contextUnit) LoadPrep() error {
	m := u.m
	m.restorePending.Store(true)
	m.loadedCPUs = make([]bool, len(m.cpus))
	m.loadedIdent = false
	return nil
}

func (u *contextUnit) LoadDone() error {
	m := u.m
	for i, ok := range m.loadedCPUs {
		if !ok {
			return fmt.Errorf("no context for vcpu %d: %w", i, ssm.ErrMissingState)
		}
	}
	if !m.loadedIdent {
		return fmt.Errorf("no guest identification: %w", ssm.ErrMissingState)
	}
	m.restorePending.Store(false)
	m.log.Debug("cpum state restored", "vcpus", len(m.cpus))
	return nil
}

// identUnit is "cpuid": the identification the guest was shown. A stream can
// only be resumed under an identical feature set.
type identUnit struct{ m *Manager }

func (u *identUnit) Name() string       { return identUnitName }
func (u *identUnit) Versions() []uint32 { return []uint32{identVersion} }

func (u *identUnit) RecordSize(version uint32) uint32 {
	return cpuid.EntrySize(u.m.cfg.Arch)
}

func (u *identUnit) Save(w io.Writer, version uint32) error {
	return cpuid.EncodeRaw(w, u.m.cfg.Ident)
}

func (u *identUnit) Load(r io.Reader, version uint32) error {
	raw, err := cpuid.DecodeRaw(r)
	if err != nil {
		return err
	}
	if raw.Arch != u.m.cfg.Arch {
		return fmt.Errorf("saved identification is %s: %w", raw.Arch, hv.ErrArchMismatch)
	}
	saved := cpuid.ExplodeFeatures(raw)
	current := cpuid.ExplodeFeatures(u.m.cfg.Ident)
	if saved.Vendor != current.Vendor || saved.Set != current.Set {
		missing := saved.Set.Subtract(current.Set)
		return fmt.Errorf("saved guest identification differs from this vm (saved %s, missing %s)", saved.Vendor, missing)
	}
	u.m.loadedIdent = true
	return nil
}

// SaveState and LoadState frame the manager's units on their own, for
// callers that are not assembling a whole VM.
func (m *Manager) SaveState(w io.Writer, opts *ssm.SaveOptions) error {
	reg, err := m.registry()
	if err != nil {
		return err
	}
	return reg.Save(w, opts)
}

func (m *Manager) LoadState(r io.Reader) error {
	reg, err := m.registry()
	if err != nil {
		return err
	}
	return reg.Load(r)
}

func (m *Manager) registry() (*ssm.Registry, error) {
	reg := ssm.NewRegistry(m.cfg.Arch)
	for _, u := range m.Units() {
		if err := reg.Register(u); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// StateBytes is a convenience for tests and the bench loop.
func (m *Manager) StateBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.SaveState(&buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
