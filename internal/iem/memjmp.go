package iem

import (
	"errors"

	"github.com/tinyrange/iem/internal/pgm"
)

// The Jmp accessors are for threaded functions. They do not return errors:
// a guest fault panics with *Fault and unwinds to the block or interpreter
// boundary, where the instruction is abandoned. Ballooned pages are
// resolved and the access retried.

// jmp handles the error of a failed access. It returns only after resolving
// a ballooned page, when the access should be retried.
func (v *VCpu) jmp(err error) {
	var pe pgm.PendingError
	if errors.As(err, &pe) {
		if rerr := v.mem.Resolve(pe.GPA); rerr != nil {
			panic(internalError{rerr})
		}
		v.Stats.Resolved++
		v.flushTranslations()
		return
	}
	var f *Fault
	if errors.As(err, &f) {
		panic(f)
	}
	if _, ok := err.(internalError); ok {
		panic(err)
	}
	panic(internalError{err})
}

func retry[T any](v *VCpu, access func() (T, error)) T {
	for {
		x, err := access()
		if err == nil {
			return x
		}
		v.jmp(err)
	}
}

func retryWrite(v *VCpu, access func() error) {
	for {
		err := access()
		if err == nil {
			return
		}
		v.jmp(err)
	}
}

func (v *VCpu) ReadU8Jmp(seg int, addr uint64) uint8 {
	return retry(v, func() (uint8, error) { return v.ReadU8(seg, addr) })
}

func (v *VCpu) ReadU16Jmp(seg int, addr uint64) uint16 {
	return retry(v, func() (uint16, error) { return v.ReadU16(seg, addr) })
}

func (v *VCpu) ReadU32Jmp(seg int, addr uint64) uint32 {
	return retry(v, func() (uint32, error) { return v.ReadU32(seg, addr) })
}

func (v *VCpu) ReadU64Jmp(seg int, addr uint64) uint64 {
	return retry(v, func() (uint64, error) { return v.ReadU64(seg, addr) })
}

func (v *VCpu) ReadU128Jmp(seg int, addr uint64) U128 {
	return retry(v, func() (U128, error) { return v.ReadU128(seg, addr) })
}

func (v *VCpu) ReadU128AlignedSSEJmp(seg int, addr uint64) U128 {
	return retry(v, func() (U128, error) { return v.ReadU128AlignedSSE(seg, addr) })
}

func (v *VCpu) ReadU256Jmp(seg int, addr uint64) U256 {
	return retry(v, func() (U256, error) { return v.ReadU256(seg, addr) })
}

func (v *VCpu) ReadR80Jmp(seg int, addr uint64) R80 {
	return retry(v, func() (R80, error) { return v.ReadR80(seg, addr) })
}

func (v *VCpu) ReadD80Jmp(seg int, addr uint64) D80 {
	return retry(v, func() (D80, error) { return v.ReadD80(seg, addr) })
}

func (v *VCpu) ReadU64AlignedJmp(seg int, addr uint64) uint64 {
	return retry(v, func() (uint64, error) { return v.ReadU64Aligned(seg, addr) })
}

func (v *VCpu) WriteU8Jmp(seg int, addr uint64, x uint8) {
	retryWrite(v, func() error { return v.WriteU8(seg, addr, x) })
}

func (v *VCpu) WriteU16Jmp(seg int, addr uint64, x uint16) {
	retryWrite(v, func() error { return v.WriteU16(seg, addr, x) })
}

func (v *VCpu) WriteU32Jmp(seg int, addr uint64, x uint32) {
	retryWrite(v, func() error { return v.WriteU32(seg, addr, x) })
}

func (v *VCpu) WriteU64Jmp(seg int, addr uint64, x uint64) {
	retryWrite(v, func() error { return v.WriteU64(seg, addr, x) })
}

func (v *VCpu) WriteU128Jmp(seg int, addr uint64, x U128) {
	retryWrite(v, func() error { return v.WriteU128(seg, addr, x) })
}

func (v *VCpu) WriteU128AlignedSSEJmp(seg int, addr uint64, x U128) {
	retryWrite(v, func() error { return v.WriteU128AlignedSSE(seg, addr, x) })
}

func (v *VCpu) WriteU256Jmp(seg int, addr uint64, x U256) {
	retryWrite(v, func() error { return v.WriteU256(seg, addr, x) })
}

func (v *VCpu) WriteR80Jmp(seg int, addr uint64, x R80) {
	retryWrite(v, func() error { return v.WriteR80(seg, addr, x) })
}

func (v *VCpu) WriteD80Jmp(seg int, addr uint64, x D80) {
	retryWrite(v, func() error { return v.WriteD80(seg, addr, x) })
}

func (v *VCpu) WriteU64AlignedJmp(seg int, addr uint64, x uint64) {
	retryWrite(v, func() error { return v.WriteU64Aligned(seg, addr, x) })
}

func (v *VCpu) CompareAndSwapJmp(seg int, addr uint64, size int, old, x uint64) bool {
	return retry(v, func() (bool, error) { return v.CompareAndSwap(seg, addr, size, old, x) })
}

func (v *VCpu) MapJmp(seg int, addr uint64, size int, access pgm.Access, align int) *Mapping {
	return retry(v, func() (*Mapping, error) { return v.Map(seg, addr, size, access, align) })
}

func (v *VCpu) CommitAndUnmapJmp(m *Mapping) {
	if err := v.CommitAndUnmap(m); err != nil {
		v.jmp(err)
	}
}

// Raise abandons the current instruction with a guest fault.
func (v *VCpu) Raise(f *Fault) { panic(f) }
