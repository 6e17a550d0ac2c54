package hv

import (
	"fmt"

	"armhv/decode"
	"armhv/hv/kvmutil"
	"armhv/psci"
)

// VCPUState is a vCPU's lifecycle stage: it starts Uninitialized,
// becomes Ready once reset() has pushed its boot register image,
// alternates Ready/Running as the scheduler enters and exits KVM_RUN,
// and becomes Stopped on PSCI CPU_OFF or a guest-fatal exit.
type VCPUState int

const (
	StateUninitialized VCPUState = iota
	StateReady
	StateRunning
	StateStopped
)

func (s VCPUState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// maxConsecutiveExits is the exception-loop guard: a vCPU that
// dispatches more than this many exits in a row without one being serviced
// (ExitMMIO/ExitArmNisv/ExitHypercall/ExitIRQWindowOpen all reset the
// counter) is declared guest-fatal rather than left to livelock the
// pCPU.
const maxConsecutiveExits = 100

// resetEL1h is the PSTATE value for EL1h with DAIF fully masked, the
// architectural entry state the boot contract and PSCI CPU_ON hand-off
// both require.
const resetEL1h = 0x3c5

// VCPU is one virtual CPU, backed by a real KVM vCPU fd and its mmap'd
// kvm_run page: a per-exit switch loop over the arm64
// MMIO/ARM_NISV/HYPERCALL/SYSTEM_EVENT exit set.
type VCPU struct {
	id  int
	vm  *VM
	fd  int
	run *kvmutil.MappedRun

	state     VCPUState
	exitCount int

	Debug bool
}

// NewVCPU creates vCPU id within vm and issues KVM_ARM_VCPU_INIT, but
// leaves it Uninitialized: callers must still call reset() before it
// is eligible for scheduling.
func NewVCPU(vm *VM, id int) (*VCPU, error) {
	fd, err := kvmutil.CreateVCPU(vm.vmFD, uint32(id))
	if err != nil {
		return nil, err
	}
	size, err := kvmutil.GetVCPUMmapSize(vm.kvmFD)
	if err != nil {
		closeFDQuiet(fd)
		return nil, err
	}
	run, err := kvmutil.MapRun(fd, size)
	if err != nil {
		closeFDQuiet(fd)
		return nil, err
	}

	init := vm.preferredTarget
	// KVM's in-kernel PSCI feature bit is deliberately left unset: this
	// core dispatches PSCI from userspace via the SMCCC HVC filter (see
	// the psci package doc comment), so KVM must not also claim HVC
	// exits for itself.
	if err := kvmutil.InitVCPU(fd, init); err != nil {
		run.Close()
		closeFDQuiet(fd)
		return nil, err
	}

	return &VCPU{id: id, vm: vm, fd: fd, run: run, state: StateUninitialized, Debug: vm.Debug}, nil
}

// reset pushes the architectural register image required before a
// vCPU's first (or a CPU_ON-triggered) entry: PC at
// entry, x0 carrying contextID (the DTB PA on the boot vCPU), SCTLR_EL1
// clear (MMU/caches off), PSTATE at EL1h with interrupts masked, and
// MPIDR_EL1.Aff0 set to this vCPU's id so a guest reading its own
// affinity sees the value PSCI calls addressed it by.
func (v *VCPU) reset(entry, contextID uint64) error {
	sets := []struct {
		id  uint64
		val uint64
	}{
		{kvmutil.RegPC, entry},
		{kvmutil.RegPState, resetEL1h},
		{kvmutil.GPR(0), contextID},
		{kvmutil.RegSCTLR_EL1, 0},
		{kvmutil.RegMPIDR_EL1, uint64(v.id)},
	}
	for _, s := range sets {
		if err := kvmutil.SetOneRegU64(v.fd, s.id, s.val); err != nil {
			return fmt.Errorf("hv: vcpu %d reset: %w", v.id, err)
		}
	}
	v.exitCount = 0
	v.state = StateReady
	return nil
}

func (v *VCPU) setSP(sp uint64) error {
	return kvmutil.SetOneRegU64(v.fd, kvmutil.RegSP, sp)
}

// runOnce re-enters KVM_RUN exactly once and dispatches the resulting
// exit. err is non-nil only for a fatal condition; a nil return with
// the vCPU left Stopped (system_event) or Ready (everything else) is
// the normal case.
func (v *VCPU) runOnce() error {
	v.state = StateRunning
	if err := kvmutil.Run(v.fd); err != nil {
		v.state = StateReady
		return &HostFatalError{Diag: v.diag(ClassHostFatal, "KVM_RUN ioctl failed: "+err.Error())}
	}
	v.state = StateReady

	switch reason := v.run.ExitReason(); reason {
	case kvmutil.ExitMMIO:
		v.exitCount = 0
		if err := v.handleMMIO(); err != nil {
			v.vm.logf("vcpu %d: mmio: %v", v.id, err)
		}
		return nil

	case kvmutil.ExitArmNisv:
		v.exitCount = 0
		if err := v.handleNISV(); err != nil {
			v.vm.logf("vcpu %d: nisv: %v", v.id, err)
		}
		return nil

	case kvmutil.ExitHypercall:
		v.exitCount = 0
		return v.handleHypercall()

	case kvmutil.ExitIRQWindowOpen:
		v.exitCount = 0
		return nil

	case kvmutil.ExitSystemEvent:
		se := v.run.SystemEvent()
		v.vm.logf("vcpu %d: system event type=%d", v.id, se.Type)
		v.state = StateStopped
		v.vm.Shutdown()
		return nil

	case kvmutil.ExitFailEntry, kvmutil.ExitInternalError:
		return &GuestFatalError{Diag: v.diag(ClassGuestFatal, fmt.Sprintf("fatal KVM exit reason %d", reason))}

	default:
		v.exitCount++
		if v.exitCount > maxConsecutiveExits {
			return &GuestFatalError{Diag: v.diag(ClassGuestFatal, fmt.Sprintf("exception loop guard tripped at exit reason %d", reason))}
		}
		return nil
	}
}

// handleMMIO services a KVM_EXIT_MMIO: the kernel has already decoded
// size, direction, and IPA (the ISV=1 fast path), and copies Data back
// into the guest GPR on a read once this function returns, so there is
// no explicit register write-back here the way handleNISV needs.
func (v *VCPU) handleMMIO() error {
	m := v.run.MMIO()
	isWrite := m.IsWrite != 0
	size := int(m.Len)
	data := m.Data[:size]
	if err := v.vm.router.HandleMMIO(m.PhysAddr, isWrite, size, data); err != nil {
		if !isWrite {
			for i := range data {
				data[i] = 0 // RAZ: unmapped read returns zero rather than faulting the guest
			}
		}
		return err
	}
	return v.vm.gicRouter.FlushPending(v.id)
}

// handleNISV services KVM_EXIT_ARM_NISV: the kernel could not decode
// the data abort itself (ISV==0), so userspace reconstructs the IPA,
// decodes the instruction at the guest PC, services the device, and —
// unlike the ISV=1 path — must write the result back into the
// destination GPR and advance PC by hand. This path is exercised by
// any MMIO window KVM's stage-2 fault handling marks ISV=0.
func (v *VCPU) handleNISV() error {
	info := v.run.ArmNisv()
	// The kernel already hands back the reconstructed fault IPA for
	// KVM_EXIT_ARM_NISV (unlike the raw HPFAR/FAR pair
	// decode.ReconstructIPA exists to combine for a from-scratch
	// decoder); ESRISS carries the ESR_EL2.ISS bits ISV=0 left
	// undecoded, which is exactly why DecodeInstruction below has to
	// read the instruction word itself instead of trusting ESRISS.
	ipa := info.FaultIPA

	pc, err := kvmutil.GetOneRegU64(v.fd, kvmutil.RegPC)
	if err != nil {
		return err
	}
	insnWord, err := v.vm.readGuestU32(pc)
	if err != nil {
		return err
	}
	acc, err := decode.DecodeInstruction(insnWord)
	if err != nil {
		return fmt.Errorf("hv: nisv decode at pc 0x%x: %w", pc, err)
	}

	data := make([]byte, acc.Size)
	if acc.IsWrite {
		val, err := kvmutil.GetOneRegU64(v.fd, kvmutil.GPR(acc.Reg))
		if err != nil {
			return err
		}
		for i := 0; i < acc.Size; i++ {
			data[i] = byte(val >> (8 * uint(i)))
		}
	}

	if err := v.vm.router.HandleMMIO(ipa, acc.IsWrite, acc.Size, data); err != nil {
		return err
	}

	if !acc.IsWrite {
		var val uint64
		for i := 0; i < acc.Size; i++ {
			val |= uint64(data[i]) << (8 * uint(i))
		}
		if acc.SignExtend {
			val = signExtend(val, acc.Size)
		}
		if err := kvmutil.SetOneRegU64(v.fd, kvmutil.GPR(acc.Reg), val); err != nil {
			return err
		}
	}
	if err := kvmutil.SetOneRegU64(v.fd, kvmutil.RegPC, pc+4); err != nil {
		return err
	}
	return v.vm.gicRouter.FlushPending(v.id)
}

func signExtend(v uint64, size int) uint64 {
	bits := uint(size * 8)
	shift := 64 - bits
	return uint64(int64(v<<shift) >> shift)
}

// handleHypercall reads the trapped HVC's SMCCC arguments (x0=function,
// x1-x3=args) and routes it through psci.Dispatch, placing the return
// value back into x0 exactly as the calling convention requires.
func (v *VCPU) handleHypercall() error {
	fn, err := kvmutil.GetOneRegU64(v.fd, kvmutil.GPR(0))
	if err != nil {
		return err
	}
	a1, err := kvmutil.GetOneRegU64(v.fd, kvmutil.GPR(1))
	if err != nil {
		return err
	}
	a2, err := kvmutil.GetOneRegU64(v.fd, kvmutil.GPR(2))
	if err != nil {
		return err
	}
	a3, err := kvmutil.GetOneRegU64(v.fd, kvmutil.GPR(3))
	if err != nil {
		return err
	}

	rc, err := psci.Dispatch(v.vm, v.id, psci.Call{Function: uint32(fn), Arg1: a1, Arg2: a2, Arg3: a3})
	if err != nil {
		return &VMFatalError{Diag: v.diag(ClassVMFatal, fmt.Sprintf("psci dispatch: %v", err))}
	}
	return kvmutil.SetOneRegU64(v.fd, kvmutil.GPR(0), uint64(rc))
}

func (v *VCPU) diag(class DiagnosticClass, msg string) DiagnosticLine {
	pc, _ := kvmutil.GetOneRegU64(v.fd, kvmutil.RegPC)
	reason := uint32(0)
	if v.run != nil {
		reason = v.run.ExitReason()
	}
	return DiagnosticLine{
		Class: class, VMID: v.vm.id, VCPUID: v.id,
		PC: pc, ExitReason: reason, Message: msg,
	}
}

func (v *VCPU) Close() error {
	if v.run != nil {
		v.run.Close()
		v.run = nil
	}
	if v.fd != 0 {
		closeFDQuiet(v.fd)
		v.fd = 0
	}
	return nil
}
