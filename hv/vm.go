package hv

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"armhv/devices"
	"armhv/gic"
	"armhv/hv/kvmutil"
	"armhv/stage2"
)

// VMState is a VM's lifecycle stage.
type VMState int

const (
	VMUninitialized VMState = iota
	VMReady
	VMRunning
	VMStopped
)

// activationRequest is the queued PSCI CPU_ON hand-off record. It is
// only ever consumed by drainActivations from
// the scheduler's own goroutine: the target vCPU's KVM fd does not
// exist yet at HVC-trap time, so creating it has to happen out of band
// from the calling vCPU's own dispatch, not inline inside
// RequestActivation.
type activationRequest struct {
	entryPoint uint64
	contextID  uint64
}

// VM is one guest: its KVM fds, Stage-2 address space, GICv3
// controller/router, device router, and vCPUs.
type VM struct {
	id    int
	kvmFD int
	vmFD  int

	guestMem []byte

	preferredTarget kvmutil.VCPUInit

	space     *stage2.Space
	router    *devices.Router
	gicCtrl   *gic.Controller
	gicRouter *gic.Router
	global    *GlobalState
	uartRing  *uartRing

	mu      sync.Mutex
	vcpus   [MaxVCPUs]*VCPU
	vcpuIdx int
	nvcpus  int
	state   VMState

	activations [MaxVCPUs]*activationRequest

	Debug bool
}

// NewVM opens /dev/kvm, creates a VM, queries its preferred vCPU
// target, and mmaps ramSize bytes of anonymous host memory to back
// guest RAM; InitMemory places guestMem[0] at IPA ramBase.
func NewVM(id int, ramSize uint64) (*VM, error) {
	kvmFD, err := kvmutil.OpenKVM()
	if err != nil {
		return nil, &HostFatalError{Diag: DiagnosticLine{Class: ClassHostFatal, VMID: id, Message: err.Error()}}
	}
	vmFD, err := kvmutil.CreateVM(kvmFD)
	if err != nil {
		closeFDQuiet(kvmFD)
		return nil, &HostFatalError{Diag: DiagnosticLine{Class: ClassHostFatal, VMID: id, Message: err.Error()}}
	}
	target, err := kvmutil.PreferredTarget(vmFD)
	if err != nil {
		closeFDQuiet(vmFD)
		closeFDQuiet(kvmFD)
		return nil, &HostFatalError{Diag: DiagnosticLine{Class: ClassHostFatal, VMID: id, Message: err.Error()}}
	}

	mem, err := unix.Mmap(-1, 0, int(ramSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		closeFDQuiet(vmFD)
		closeFDQuiet(kvmFD)
		return nil, fmt.Errorf("hv: mmap guest memory: %w", err)
	}

	vm := &VM{
		id: id, kvmFD: kvmFD, vmFD: vmFD,
		guestMem:        mem,
		preferredTarget: target,
		router:          devices.NewRouter(),
		global:          NewGlobalState(),
		state:           VMUninitialized,
	}
	vm.space = stage2.NewSpace(vmFD, uint64(uintptr(unsafe.Pointer(&mem[0]))), ramSize)
	return vm, nil
}

// InitMemory installs the identity Stage-2 mapping for ramBase/ramSize,
// the one call every VM must make before its boot vCPU can run.
func (vm *VM) InitMemory(ramBase, ramSize uint64) error {
	// IPA ramBase+off is backed by guestMem[off].
	vm.space = stage2.NewSpace(vm.vmFD, uint64(uintptr(unsafe.Pointer(&vm.guestMem[0])))-ramBase, ramSize)
	if err := vm.space.MapRegion(ramBase, ramSize, stage2.OwnerGuest); err != nil {
		return &VMFatalError{Diag: DiagnosticLine{Class: ClassVMFatal, VMID: vm.id, Message: err.Error()}}
	}
	vm.state = VMReady
	return nil
}

// initGIC creates the in-kernel GICv3 device and this VM's software
// routing layer on top of it.
func (vm *VM) initGIC(distBase, redistBase uint64) error {
	ctrl, err := gic.NewController(vm.vmFD, MaxVCPUs, distBase, redistBase)
	if err != nil {
		return &VMFatalError{Diag: DiagnosticLine{Class: ClassVMFatal, VMID: vm.id, Message: err.Error()}}
	}
	vm.gicCtrl = ctrl
	vm.gicRouter = gic.NewRouter(MaxVCPUs, ctrl)
	return nil
}

// registerSPI marks spi enabled and routed to vCPU 0 in the shadow
// distributor. The in-kernel vgic owns the real GICD_ISENABLER/IROUTER
// MMIO state (guest writes there never trap to userspace), so this
// shadow copy cannot track live guest reconfiguration; it exists only
// to give gic.Router.InjectSPI a routing decision for the
// userspace-originated device interrupts this core raises, which
// target vCPU 0 by construction (no SMP IRQ balancing is implemented).
func (vm *VM) registerSPI(spi int) {
	vm.gicRouter.GICD.SetEnabled(spi, true)
	vm.gicRouter.GICD.SetRoute(spi, 0)
}

// RaiseSPI implements devices.InterruptRaiser and virtio.InterruptRaiser:
// any device goroutine may call this directly.
func (vm *VM) RaiseSPI(spi int) {
	vm.gicRouter.InjectSPI(spi)
}

// CreateVCPU constructs vCPU id in Ready state at (entry, sp) with x0
// set to contextID (the boot vCPU's DTB guest-physical address, per the
// arm64 boot protocol) — the primary-boot path; secondary vCPUs instead
// come up through RequestActivation/drainActivations.
func (vm *VM) CreateVCPU(id int, entry, sp, contextID uint64) (*VCPU, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if id < 0 || id >= MaxVCPUs {
		return nil, fmt.Errorf("hv: vCPU id %d out of range", id)
	}
	v, err := NewVCPU(vm, id)
	if err != nil {
		return nil, err
	}
	if err := v.reset(entry, contextID); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.setSP(sp); err != nil {
		v.Close()
		return nil, err
	}
	vm.vcpus[id] = v
	vm.nvcpus++
	vm.global.SetOnline(id, true)
	return v, nil
}

// readGuestU32 reads a little-endian instruction word directly out of
// guest RAM at ipa, used by handleNISV to decode the faulting
// load/store. This core does not track the guest's own Stage-1
// translation, so it only supports the identity-mapped, MMU-off-at-
// early-boot or flat-mapped-kernel case; a guest with a non-identity
// kernel text mapping is out of scope.
func (vm *VM) readGuestU32(ipa uint64) (uint32, error) {
	if ipa+4 > uint64(len(vm.guestMem)) {
		return 0, fmt.Errorf("hv: guest PC 0x%x out of guest memory range", ipa)
	}
	return binary.LittleEndian.Uint32(vm.guestMem[ipa : ipa+4]), nil
}

// VCPUState implements psci.Target.
func (vm *VM) VCPUState(id int) (online bool, exists bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if id < 0 || id >= MaxVCPUs {
		return false, false
	}
	// A vCPU slot is a valid AFFINITY_INFO target even before its first
	// KVM fd is created (it simply reads as offline), matching a real
	// platform where every possible CPU exists from boot even if never
	// brought online.
	return vm.global.Online(id), true
}

// RequestActivation implements psci.Target.
func (vm *VM) RequestActivation(id int, entryPoint, contextID uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if id < 0 || id >= MaxVCPUs {
		return fmt.Errorf("hv: RequestActivation: vCPU id %d out of range", id)
	}
	vm.activations[id] = &activationRequest{entryPoint: entryPoint, contextID: contextID}
	return nil
}

// Deactivate implements psci.Target.
func (vm *VM) Deactivate(id int) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if id < 0 || id >= MaxVCPUs || vm.vcpus[id] == nil {
		return fmt.Errorf("hv: Deactivate: no such vCPU %d", id)
	}
	vm.vcpus[id].state = StateStopped
	vm.global.SetOnline(id, false)
	return nil
}

// Shutdown implements psci.Target.
func (vm *VM) Shutdown() {
	vm.mu.Lock()
	vm.state = VMStopped
	vm.mu.Unlock()
}

// Reset implements psci.Target. This core has no VM-level restart
// path (re-creating Stage-2/vCPU state from scratch); SYSTEM_RESET is
// treated the same as SYSTEM_OFF.
func (vm *VM) Reset() {
	vm.Shutdown()
}

func (vm *VM) Stopped() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state == VMStopped
}

// drainActivations consumes any pending CPU_ON records, creating the
// target vCPU (if this is its first activation) and pushing its reset
// register image. Called once per scheduler pass, never inline from a
// PSCI dispatch (see activationRequest's doc comment).
func (vm *VM) drainActivations() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for id := 0; id < MaxVCPUs; id++ {
		req := vm.activations[id]
		if req == nil {
			continue
		}
		vm.activations[id] = nil

		if vm.vcpus[id] == nil {
			v, err := NewVCPU(vm, id)
			if err != nil {
				vm.logf("vcpu %d: CPU_ON: create failed: %v", id, err)
				continue
			}
			vm.vcpus[id] = v
			vm.nvcpus++
		}
		if err := vm.vcpus[id].reset(req.entryPoint, req.contextID); err != nil {
			vm.logf("vcpu %d: CPU_ON: reset failed: %v", id, err)
			continue
		}
		vm.global.SetOnline(id, true)
	}
}

func (vm *VM) logf(format string, args ...interface{}) {
	if vm.Debug {
		log.Printf("hv: vm %d: "+format, append([]interface{}{vm.id}, args...)...)
	}
}

// Close tears down every vCPU, the GIC device, guest memory, and the
// VM/kvm fds, in that order: inside-out unwind of NewVM/initGIC's
// construction order.
func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, v := range vm.vcpus {
		if v != nil {
			v.Close()
		}
	}
	if vm.gicCtrl != nil {
		vm.gicCtrl.Close()
	}
	if vm.guestMem != nil {
		_ = unix.Munmap(vm.guestMem)
		vm.guestMem = nil
	}
	if vm.vmFD != 0 {
		closeFDQuiet(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		closeFDQuiet(vm.kvmFD)
		vm.kvmFD = 0
	}
	return nil
}
