// Package psci emulates the Power State Coordination Interface calls
// an arm64 guest issues via HVC: CPU_ON/OFF, AFFINITY_INFO,
// SYSTEM_OFF/RESET, MIGRATE_INFO_TYPE, PSCI_FEATURES, PSCI_VERSION.
// Dispatch happens in userspace (a KVM_CAP_ARM_SMCCC_FILTER hands HVC
// exits back to us) rather than via KVM's in-kernel PSCI 0.2 feature, so
// that the CPU_ON activation-record hand-off below stays under this
// package's control.
package psci

import "fmt"

// Function identifiers. Most use the SMC32 calling convention
// (0x84xxxxxx); CPU_ON and AFFINITY_INFO use the SMC64 encoding
// (0xC4xxxxxx) instead because both carry a parameter (entry_point,
// target_affinity) that needs the full 64-bit register width — an
// AArch64 guest issues these two with the high bit of the function-ID
// set, not the same 0x84... prefix as the rest of the table. Getting
// this wrong means a real Linux guest's CPU_ON hypercall falls through
// to NotSupported and secondary CPUs never come up.
const (
	FnPSCIVersion     = 0x84000000
	FnCPUSuspend      = 0x84000001
	FnCPUOff          = 0x84000002
	FnCPUOn           = 0xC4000003
	FnAffinityInfo    = 0xC4000004
	FnMigrateInfoType = 0x84000006
	FnSystemOff       = 0x84000008
	FnSystemReset     = 0x84000009
	FnFeatures        = 0x8400000A
)

// Return codes.
const (
	Success         = 0
	NotSupported    = -1
	InvalidParams   = -2
	Denied          = -3
	AlreadyOn       = -4
	OnPending       = -5
	InternalFailure = -6
	NotPresent      = -7
	Disabled        = -8
	InvalidAddress  = -9
)

const Version1_1 = 1<<16 | 1

// AffinityState mirrors the PSCI AFFINITY_INFO result values.
const (
	AffOn          = 0
	AffOff         = 1
	AffOnPending   = 2
)

// Target is the subset of hv.VM / hv.VCPU behavior PSCI needs, kept as
// an interface so this package has no import-cycle dependency on hv.
type Target interface {
	// VCPUState reports whether vcpuID exists and its online/offline
	// state (true == online).
	VCPUState(vcpuID int) (online bool, exists bool)
	// RequestActivation asks the scheduler to bring vcpuID online at
	// entryPoint with x0==contextID on its next scheduling pass. It is
	// an error to request activation of a vCPU that is already online.
	RequestActivation(vcpuID int, entryPoint, contextID uint64) error
	// Deactivate marks the calling vCPU offline; the scheduler will not
	// schedule it again until a future CPU_ON.
	Deactivate(vcpuID int) error
	// Shutdown and Reset request VM-level termination/restart.
	Shutdown()
	Reset()
}

// Call is one decoded HVC/SMC request: Function plus up to 3 argument
// registers (x1-x3), matching the SMCCC calling convention's argument
// count for every PSCI call this core supports.
type Call struct {
	Function uint32
	Arg1     uint64
	Arg2     uint64
	Arg3     uint64
}

// Dispatch executes a decoded PSCI call against vm on behalf of
// callerVCPU, returning the value that must be placed back into the
// guest's x0.
func Dispatch(vm Target, callerVCPU int, c Call) (int64, error) {
	switch c.Function {
	case FnPSCIVersion:
		return Version1_1, nil

	case FnMigrateInfoType:
		// 2 == "Trusted OS is not present"; this core has no Trusted OS,
		// so migration support is not a meaningful question for it.
		return 2, nil

	case FnFeatures:
		switch uint32(c.Arg1) {
		case FnCPUOn, FnCPUOff, FnAffinityInfo, FnSystemOff, FnSystemReset, FnPSCIVersion, FnMigrateInfoType, FnFeatures:
			return Success, nil
		default:
			return NotSupported, nil
		}

	case FnCPUOn:
		targetAff0 := int(c.Arg1 & 0xFF)
		entry := c.Arg2
		contextID := c.Arg3
		online, exists := vm.VCPUState(targetAff0)
		if !exists {
			return InvalidParams, nil
		}
		if online {
			return AlreadyOn, nil
		}
		if err := vm.RequestActivation(targetAff0, entry, contextID); err != nil {
			return 0, fmt.Errorf("psci: CPU_ON vcpu %d: %w", targetAff0, err)
		}
		return Success, nil

	case FnCPUOff:
		if err := vm.Deactivate(callerVCPU); err != nil {
			return 0, fmt.Errorf("psci: CPU_OFF vcpu %d: %w", callerVCPU, err)
		}
		return Success, nil

	case FnAffinityInfo:
		targetAff0 := int(c.Arg1 & 0xFF)
		online, exists := vm.VCPUState(targetAff0)
		if !exists {
			return InvalidParams, nil
		}
		if online {
			return AffOn, nil
		}
		return AffOff, nil

	case FnSystemOff:
		vm.Shutdown()
		return Success, nil

	case FnSystemReset:
		vm.Reset()
		return Success, nil

	default:
		return NotSupported, nil
	}
}
