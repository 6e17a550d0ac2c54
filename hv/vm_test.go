package hv

import (
	"testing"

	"armhv/psci"
)

var _ psci.Target = (*VM)(nil)

func TestVMVCPUStateUnactivatedIsOfflineButExists(t *testing.T) {
	vm := newTestVM()
	online, exists := vm.VCPUState(1)
	if !exists {
		t.Fatal("a vCPU slot within MaxVCPUs must exist even before activation")
	}
	if online {
		t.Fatal("an unactivated vCPU must read as offline")
	}
}

func TestVMVCPUStateOutOfRange(t *testing.T) {
	vm := newTestVM()
	if _, exists := vm.VCPUState(MaxVCPUs); exists {
		t.Fatal("expected exists=false for an out-of-range vCPU id")
	}
}

func TestVMRequestActivationQueuesRecord(t *testing.T) {
	vm := newTestVM()
	if err := vm.RequestActivation(1, 0x40080000, 0xabc); err != nil {
		t.Fatalf("RequestActivation: %v", err)
	}
	if vm.activations[1] == nil {
		t.Fatal("expected a queued activation record for vCPU 1")
	}
	if vm.activations[1].entryPoint != 0x40080000 || vm.activations[1].contextID != 0xabc {
		t.Fatalf("unexpected activation record: %+v", vm.activations[1])
	}
}

func TestVMRequestActivationOutOfRange(t *testing.T) {
	vm := newTestVM()
	if err := vm.RequestActivation(MaxVCPUs, 0, 0); err == nil {
		t.Fatal("expected an error for an out-of-range vCPU id")
	}
}

func TestVMDeactivateNoSuchVCPU(t *testing.T) {
	vm := newTestVM()
	if err := vm.Deactivate(0); err == nil {
		t.Fatal("expected an error deactivating a vCPU that was never created")
	}
}

func TestVMDeactivateMarksOfflineAndStopped(t *testing.T) {
	vm := newTestVM()
	vm.vcpus[0] = &VCPU{id: 0, state: StateReady}
	vm.global.SetOnline(0, true)

	if err := vm.Deactivate(0); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if vm.vcpus[0].state != StateStopped {
		t.Fatalf("expected vCPU state Stopped, got %v", vm.vcpus[0].state)
	}
	if vm.global.Online(0) {
		t.Fatal("expected vCPU 0 marked offline")
	}
}

func TestVMShutdownAndReset(t *testing.T) {
	vm := newTestVM()
	if vm.Stopped() {
		t.Fatal("fresh VM should not start stopped")
	}
	vm.Shutdown()
	if !vm.Stopped() {
		t.Fatal("expected Stopped() true after Shutdown")
	}

	vm2 := newTestVM()
	vm2.Reset()
	if !vm2.Stopped() {
		t.Fatal("Reset has no restart path implemented, so it must behave like Shutdown")
	}
}
