// Package kvmutil wraps the /dev/kvm ioctl surface this hypervisor core
// needs on arm64: VM/vCPU creation, guest memory slot installation,
// ONE_REG register access, and the KVM_RUN exit loop. Each ioctl gets
// one small wrapper function, mirroring the shape of a bare-metal
// hypervisor's one-trap-handler-per-exception-class dispatch table.
package kvmutil

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl number encoding, arch-independent (Linux ioctl.h convention).
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func io(typ, nr uintptr) uintptr      { return ioc(iocNone, typ, nr, 0) }
func ior(typ, nr, size uintptr) uintptr { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }

const kvmType = 0xAE

// KVM ioctl numbers actually used by this core (linux/kvm.h).
var (
	KVM_GET_API_VERSION       = io(kvmType, 0x00)
	KVM_CREATE_VM             = io(kvmType, 0x01)
	KVM_CREATE_VCPU           = io(kvmType, 0x41)
	KVM_GET_VCPU_MMAP_SIZE    = io(kvmType, 0x04)
	KVM_SET_USER_MEMORY_REGION = iow(kvmType, 0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	KVM_RUN                   = io(kvmType, 0x80)
	KVM_ARM_VCPU_INIT         = iow(kvmType, 0xae, unsafe.Sizeof(VCPUInit{}))
	KVM_ARM_PREFERRED_TARGET  = ior(kvmType, 0xaf, unsafe.Sizeof(VCPUInit{}))
	KVM_GET_ONE_REG           = iow(kvmType, 0xab, unsafe.Sizeof(OneReg{}))
	KVM_SET_ONE_REG           = iow(kvmType, 0xac, unsafe.Sizeof(OneReg{}))
	KVM_IRQ_LINE              = iow(kvmType, 0x61, unsafe.Sizeof(IrqLevel{}))
	KVM_CREATE_DEVICE         = iowr(kvmType, 0xe0, unsafe.Sizeof(CreateDevice{}))
	KVM_SET_DEVICE_ATTR       = iow(kvmType, 0xe1, unsafe.Sizeof(DeviceAttr{}))
)

// KVM_RUN exit reasons relevant to an arm64 guest.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
	ExitSystemEvent   = 24
	ExitArmNisv       = 28
)

// SystemEvent subtypes (kvm_run.system_event.type).
const (
	SystemEventShutdown = 1
	SystemEventReset    = 2
	SystemEventCrash    = 3
)

// Memory slot flags (struct kvm_userspace_memory_region.flags).
const (
	MemLogDirtyPages = 1 << 0
	MemReadonly      = 1 << 1
)

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
// One of these describes one guest-memory slot; stage2.Space installs
// and removes them to realize block/split mapping decisions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// VCPUInit mirrors struct kvm_vcpu_init.
type VCPUInit struct {
	Target  uint32
	Features [7]uint32
}

// OneReg mirrors struct kvm_one_reg.
type OneReg struct {
	ID   uint64
	Addr uint64
}

// IrqLevel mirrors struct kvm_irq_level.
type IrqLevel struct {
	Irq   uint32
	Level uint32
}

// CreateDevice mirrors struct kvm_create_device.
type CreateDevice struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

const DeviceTypeArmVgicV3 = 7

// DeviceAttr mirrors struct kvm_device_attr.
type DeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// OpenKVM opens /dev/kvm and checks the API version, exactly the first
// step any KVM-hosted VMM performs before creating a VM.
func OpenKVM() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("kvmutil: open /dev/kvm: %w", err)
	}
	ver, err := ioctl(fd, KVM_GET_API_VERSION, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("kvmutil: KVM_GET_API_VERSION: %w", err)
	}
	if ver != 12 {
		unix.Close(fd)
		return -1, fmt.Errorf("kvmutil: unexpected KVM API version %d", ver)
	}
	return fd, nil
}

// CreateVM issues KVM_CREATE_VM.
func CreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, KVM_CREATE_VM, 0)
	if err != nil {
		return -1, fmt.Errorf("kvmutil: KVM_CREATE_VM: %w", err)
	}
	return int(fd), nil
}

// CreateVCPU issues KVM_CREATE_VCPU for the given logical vCPU id.
func CreateVCPU(vmFD int, id uint32) (int, error) {
	fd, err := ioctl(vmFD, KVM_CREATE_VCPU, uintptr(id))
	if err != nil {
		return -1, fmt.Errorf("kvmutil: KVM_CREATE_VCPU(%d): %w", id, err)
	}
	return int(fd), nil
}

// GetVCPUMmapSize returns the size to mmap on the vCPU fd to reach the
// shared kvm_run page, queried on the kvmFD per the kernel's contract
// (the per-vCPU fd does not answer this ioctl).
func GetVCPUMmapSize(kvmFD int) (int, error) {
	sz, err := ioctl(kvmFD, KVM_GET_VCPU_MMAP_SIZE, 0)
	if err != nil {
		return 0, fmt.Errorf("kvmutil: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(sz), nil
}

// PreferredTarget fills in the target/features a KVM_ARM_VCPU_INIT call
// should use for this host.
func PreferredTarget(vmFD int) (VCPUInit, error) {
	var init VCPUInit
	if _, err := ioctl(vmFD, KVM_ARM_PREFERRED_TARGET, uintptr(unsafe.Pointer(&init))); err != nil {
		return VCPUInit{}, fmt.Errorf("kvmutil: KVM_ARM_PREFERRED_TARGET: %w", err)
	}
	return init, nil
}

// InitVCPU issues KVM_ARM_VCPU_INIT, resetting the vCPU into the
// architectural reset state (EL1h, interrupts masked, PC/SP zero).
func InitVCPU(vcpuFD int, init VCPUInit) error {
	if _, err := ioctl(vcpuFD, KVM_ARM_VCPU_INIT, uintptr(unsafe.Pointer(&init))); err != nil {
		return fmt.Errorf("kvmutil: KVM_ARM_VCPU_INIT: %w", err)
	}
	return nil
}

// SetUserMemoryRegion installs or removes (MemorySize==0) a guest
// memory slot.
func SetUserMemoryRegion(vmFD int, region UserspaceMemoryRegion) error {
	if _, err := ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("kvmutil: KVM_SET_USER_MEMORY_REGION(slot=%d): %w", region.Slot, err)
	}
	return nil
}

// GetOneReg reads a single register identified by regID into dst,
// which must point at storage exactly as large as the register
// (1/2/4/8/16 bytes per the KVM_REG_SIZE_* encoding in regID).
func GetOneReg(vcpuFD int, regID uint64, dst unsafe.Pointer) error {
	r := OneReg{ID: regID, Addr: uint64(uintptr(dst))}
	if _, err := ioctl(vcpuFD, KVM_GET_ONE_REG, uintptr(unsafe.Pointer(&r))); err != nil {
		return fmt.Errorf("kvmutil: KVM_GET_ONE_REG(0x%x): %w", regID, err)
	}
	return nil
}

// SetOneReg writes a single register from src.
func SetOneReg(vcpuFD int, regID uint64, src unsafe.Pointer) error {
	r := OneReg{ID: regID, Addr: uint64(uintptr(src))}
	if _, err := ioctl(vcpuFD, KVM_SET_ONE_REG, uintptr(unsafe.Pointer(&r))); err != nil {
		return fmt.Errorf("kvmutil: KVM_SET_ONE_REG(0x%x): %w", regID, err)
	}
	return nil
}

// GetOneRegU64 and SetOneRegU64 are the common case: a 64-bit GPR or
// system register.
func GetOneRegU64(vcpuFD int, regID uint64) (uint64, error) {
	var v uint64
	if err := GetOneReg(vcpuFD, regID, unsafe.Pointer(&v)); err != nil {
		return 0, err
	}
	return v, nil
}

func SetOneRegU64(vcpuFD int, regID uint64, v uint64) error {
	return SetOneReg(vcpuFD, regID, unsafe.Pointer(&v))
}

// Run enters the guest. EAGAIN/EINTR are not real errors — they mean
// the host received a signal or the run was interrupted for bookkeeping
// and the caller should just inspect kvm_run and decide whether to
// re-enter.
func Run(vcpuFD int) error {
	_, err := ioctl(vcpuFD, KVM_RUN, 0)
	if err == nil {
		return nil
	}
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil
	}
	return fmt.Errorf("kvmutil: KVM_RUN: %w", err)
}

// InjectIRQLine raises or lowers an IRQ line for in-kernel irqchip
// delivery (the vgic, in our case), used by gic.Controller.InjectLine.
func InjectIRQLine(vmFD int, irq uint32, level bool) error {
	l := uint32(0)
	if level {
		l = 1
	}
	il := IrqLevel{Irq: irq, Level: l}
	if _, err := ioctl(vmFD, KVM_IRQ_LINE, uintptr(unsafe.Pointer(&il))); err != nil {
		return fmt.Errorf("kvmutil: KVM_IRQ_LINE(%d): %w", irq, err)
	}
	return nil
}

// CreateVGICv3 creates the in-kernel GICv3 device backing this VM's
// interrupt controller.
func CreateVGICv3(vmFD int) (int, error) {
	cd := CreateDevice{Type: DeviceTypeArmVgicV3}
	if _, err := ioctl(vmFD, KVM_CREATE_DEVICE, uintptr(unsafe.Pointer(&cd))); err != nil {
		return -1, fmt.Errorf("kvmutil: KVM_CREATE_DEVICE(vgic-v3): %w", err)
	}
	return int(cd.Fd), nil
}

// SetDeviceAttr64 sets a vgic (or other device) attribute whose value
// is a single uint64, the common shape for GRP_ADDR/GRP_NR_IRQS.
func SetDeviceAttr64(devFD int, group uint32, attr uint64, val uint64) error {
	da := DeviceAttr{Group: group, Attr: attr, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
	if _, err := ioctl(devFD, KVM_SET_DEVICE_ATTR, uintptr(unsafe.Pointer(&da))); err != nil {
		return fmt.Errorf("kvmutil: KVM_SET_DEVICE_ATTR(group=%d,attr=%d): %w", group, attr, err)
	}
	return nil
}

// SetDeviceAttrNoData sets a control attribute that carries no payload
// (e.g. KVM_DEV_ARM_VGIC_GRP_CTRL / KVM_DEV_ARM_VGIC_CTRL_INIT).
func SetDeviceAttrNoData(devFD int, group uint32, attr uint64) error {
	da := DeviceAttr{Group: group, Attr: attr}
	if _, err := ioctl(devFD, KVM_SET_DEVICE_ATTR, uintptr(unsafe.Pointer(&da))); err != nil {
		return fmt.Errorf("kvmutil: KVM_SET_DEVICE_ATTR(group=%d,attr=%d): %w", group, attr, err)
	}
	return nil
}

