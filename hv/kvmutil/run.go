package kvmutil

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// RunHeader mirrors the fixed-offset prefix of struct kvm_run that
// every exit reason shares. The trailing union (mmio/system_event/...)
// is read out of the raw mmap'd page directly by offset via
// unsafe.Pointer.
type RunHeader struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]byte
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	Flags                  uint16
}

const runUnionOffset = 32

// MMIOExit mirrors the kvm_run.mmio union member.
type MMIOExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// SystemEventExit mirrors kvm_run.system_event.
type SystemEventExit struct {
	Type  uint32
	Flags uint64
}

// MappedRun wraps the mmap'd kvm_run page for one vCPU.
type MappedRun struct {
	data []byte
}

// MapRun mmaps the kvm_run structure for vcpuFD, sized per
// GetVCPUMmapSize.
func MapRun(vcpuFD int, size int) (*MappedRun, error) {
	b, err := unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &MappedRun{data: b}, nil
}

func (m *MappedRun) Close() error {
	return unix.Munmap(m.data)
}

func (m *MappedRun) Header() *RunHeader {
	return (*RunHeader)(unsafe.Pointer(&m.data[0]))
}

func (m *MappedRun) ExitReason() uint32 {
	return m.Header().ExitReason
}

func (m *MappedRun) MMIO() *MMIOExit {
	return (*MMIOExit)(unsafe.Pointer(&m.data[runUnionOffset]))
}

func (m *MappedRun) SystemEvent() *SystemEventExit {
	return (*SystemEventExit)(unsafe.Pointer(&m.data[runUnionOffset]))
}

// ArmNisvInfo mirrors kvm_run.arm_nisv, the ESR/FAR pair the kernel
// hands back when it could not itself decode a data abort (ISV==0).
type ArmNisvInfo struct {
	ESRISS  uint64
	FaultIPA uint64
}

func (m *MappedRun) ArmNisv() *ArmNisvInfo {
	return (*ArmNisvInfo)(unsafe.Pointer(&m.data[runUnionOffset]))
}
