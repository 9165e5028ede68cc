package pgm

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/tinyrange/iem/internal/ssm"
)

type memHeader struct {
	Base   uint64
	Size   uint64
	Absent uint32 `struc:"uint32,sizeof=Pages"`
	Pages  []uint32
}

// Unit saves RAM gzip compressed, after the list of ballooned pages.
type Unit struct{ mem *Memory }

func (m *Memory) Unit() *Unit { return &Unit{mem: m} }

var _ ssm.Unit = &Unit{}

func (u *Unit) Name() string                     { return "mem" }
func (u *Unit) Versions() []uint32               { return []uint32{1} }
func (u *Unit) RecordSize(version uint32) uint32 { return PageSize }

func (u *Unit) Save(w io.Writer, version uint32) error {
	m := u.mem
	hdr := memHeader{Base: m.base, Size: m.Size()}
	for i := range m.pages {
		if m.pages[i].absent.Load() {
			hdr.Pages = append(hdr.Pages, uint32(i))
		}
	}
	if err := ssm.Pack(w, &hdr); err != nil {
		return err
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(m.data); err != nil {
		return fmt.Errorf("compress ram: %w", err)
	}
	return zw.Close()
}

func (u *Unit) Load(r io.Reader, version uint32) error {
	m := u.mem
	var hdr memHeader
	if err := ssm.Unpack(r, &hdr); err != nil {
		return err
	}
	if hdr.Base != m.base || hdr.Size != m.Size() {
		return fmt.Errorf("saved ram %#x+%#x, vm has %#x+%#x: %w", hdr.Base, hdr.Size, m.base, m.Size(), ssm.ErrCorrupt)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("decompress ram: %w", err)
	}
	defer zr.Close()
	if _, err := io.ReadFull(zr, m.data); err != nil {
		return fmt.Errorf("decompress ram: %w", err)
	}

	for i := range m.pages {
		m.pages[i].absent.Store(false)
	}
	for _, p := range hdr.Pages {
		if int(p) >= len(m.pages) {
			return fmt.Errorf("ballooned page %d out of range: %w", p, ssm.ErrCorrupt)
		}
		m.pages[p].absent.Store(true)
	}
	m.InvalidateAll()
	return nil
}
