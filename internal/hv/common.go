package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrVMHalted     = errors.New("virtual machine halted")
	ErrInterrupted  = errors.New("virtual cpu interrupted")
	ErrArchMismatch = errors.New("architecture mismatch")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ParseArchitecture accepts the names used in configuration files.
func ParseArchitecture(s string) CpuArchitecture {
	switch s {
	case "x86_64", "amd64", "x86-64":
		return ArchitectureX86_64
	case "arm64", "aarch64", "armv8":
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rbx
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Control Registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer

	// ARM64 General-Purpose Registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate

	// ARM64 EL1 System Registers
	RegisterARM64Vbar
	RegisterARM64ElrEL1
	RegisterARM64SpsrEL1
	RegisterARM64EsrEL1
	RegisterARM64FarEL1
	RegisterARM64SctlrEL1
	RegisterARM64Ttbr0EL1
	RegisterARM64TcrEL1
)

// VirtualCPU is the per-processor surface shared by the engine and the VM layer.
type VirtualCPU interface {
	ID() int
	Architecture() CpuArchitecture

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) error

	// Kick forces the vCPU back to its caller at the next instruction boundary.
	Kick()
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Architecture() CpuArchitecture

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
}
