package iem

import (
	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/pgm"
)

// stackMask is the width of the x86 stack pointer: RSP in long mode, ESP
// for a 32-bit stack segment, SP otherwise.
func (v *VCpu) stackMask() uint64 {
	switch {
	case v.Ctx.Mode() == cpum.ModeLong:
		return ^uint64(0)
	case v.Ctx.Mode() != cpum.ModeReal && v.Ctx.Seg[cpum.SegSS].Default32():
		return 0xffffffff
	default:
		return 0xffff
	}
}

// setSP replaces the bits of RSP covered by the stack width.
func (v *VCpu) setSP(sp uint64) {
	m := v.stackMask()
	rsp := &v.Ctx.GPR[cpum.RSP]
	*rsp = *rsp&^m | sp&m
}

// SP is the stack pointer truncated to the stack width.
func (v *VCpu) SP() uint64 { return v.Ctx.GPR[cpum.RSP] & v.stackMask() }

// StackPushBegin maps size bytes below the stack pointer for writing. The
// frame is filled through the mapping and published, together with the new
// stack pointer, by StackPushCommit. Nothing changes if it is dropped.
func (v *VCpu) StackPushBegin(size int) (*Mapping, uint64, error) {
	sp := (v.SP() - uint64(size)) & v.stackMask()
	m, err := v.Map(cpum.SegSS, sp, size, pgm.AccessWrite, 0)
	if err != nil {
		return nil, 0, err
	}
	return m, sp, nil
}

// StackPushCommit writes a frame from StackPushBegin and moves the stack
// pointer.
func (v *VCpu) StackPushCommit(m *Mapping, sp uint64) error {
	if err := v.CommitAndUnmap(m); err != nil {
		return err
	}
	v.setSP(sp)
	return nil
}

func (v *VCpu) push(b []byte) error {
	m, sp, err := v.StackPushBegin(len(b))
	if err != nil {
		return err
	}
	copy(m.Bytes(), b)
	return v.StackPushCommit(m, sp)
}

func (v *VCpu) PushU16(x uint16) error { return v.push([]byte{byte(x), byte(x >> 8)}) }

func (v *VCpu) PushU32(x uint32) error {
	return v.push([]byte{byte(x), byte(x >> 8), byte(x >> 16), byte(x >> 24)})
}

func (v *VCpu) PushU64(x uint64) error {
	m, sp, err := v.StackPushBegin(8)
	if err != nil {
		return err
	}
	m.PutU64(0, x)
	return v.StackPushCommit(m, sp)
}

func (v *VCpu) PopU16() (uint16, error) {
	sp := v.SP()
	x, err := v.ReadU16(cpum.SegSS, sp)
	if err == nil {
		v.setSP(sp + 2)
	}
	return x, err
}

func (v *VCpu) PopU32() (uint32, error) {
	sp := v.SP()
	x, err := v.ReadU32(cpum.SegSS, sp)
	if err == nil {
		v.setSP(sp + 4)
	}
	return x, err
}

func (v *VCpu) PopU64() (uint64, error) {
	sp := v.SP()
	x, err := v.ReadU64(cpum.SegSS, sp)
	if err == nil {
		v.setSP(sp + 8)
	}
	return x, err
}

func (v *VCpu) PushU16Jmp(x uint16) { retryWrite(v, func() error { return v.PushU16(x) }) }
func (v *VCpu) PushU32Jmp(x uint32) { retryWrite(v, func() error { return v.PushU32(x) }) }
func (v *VCpu) PushU64Jmp(x uint64) { retryWrite(v, func() error { return v.PushU64(x) }) }

func (v *VCpu) PopU16Jmp() uint16 { return retry(v, v.PopU16) }
func (v *VCpu) PopU32Jmp() uint32 { return retry(v, v.PopU32) }
func (v *VCpu) PopU64Jmp() uint64 { return retry(v, v.PopU64) }
