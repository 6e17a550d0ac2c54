package hv

import "testing"

// newTestVM builds a VM with no real KVM fds, just enough state for
// pickNextVCPU's pure bookkeeping to exercise: the scheduler never
// dereferences a vCPU's fd/run fields on the path these tests cover.
func newTestVM() *VM {
	return &VM{global: NewGlobalState()}
}

func TestSchedulerPickNextVCPURoundRobin(t *testing.T) {
	vm := newTestVM()
	vm.vcpus[0] = &VCPU{id: 0, state: StateReady}
	vm.vcpus[2] = &VCPU{id: 2, state: StateReady}
	s := &Scheduler{}

	v := s.pickNextVCPU(vm)
	if v == nil || v.id != 0 {
		t.Fatalf("expected vCPU 0 first, got %v", v)
	}
	v = s.pickNextVCPU(vm)
	if v == nil || v.id != 2 {
		t.Fatalf("expected vCPU 2 next, got %v", v)
	}
	// wraps back to vCPU 0
	v = s.pickNextVCPU(vm)
	if v == nil || v.id != 0 {
		t.Fatalf("expected wraparound to vCPU 0, got %v", v)
	}
}

func TestSchedulerPickNextVCPUSkipsStopped(t *testing.T) {
	vm := newTestVM()
	vm.vcpus[0] = &VCPU{id: 0, state: StateStopped}
	vm.vcpus[1] = &VCPU{id: 1, state: StateReady}
	s := &Scheduler{}

	v := s.pickNextVCPU(vm)
	if v == nil || v.id != 1 {
		t.Fatalf("expected stopped vCPU 0 skipped in favor of vCPU 1, got %v", v)
	}
}

func TestSchedulerPickNextVCPUNoneRunnable(t *testing.T) {
	vm := newTestVM()
	vm.vcpus[0] = &VCPU{id: 0, state: StateStopped}
	s := &Scheduler{}

	if v := s.pickNextVCPU(vm); v != nil {
		t.Fatalf("expected nil when every vCPU is stopped, got %v", v)
	}
}

func TestSchedulerAllVMsStopped(t *testing.T) {
	a := newTestVM()
	b := newTestVM()
	s := &Scheduler{vms: []*VM{a, b}}

	if s.allVMsStopped() {
		t.Fatal("fresh VMs should not report stopped")
	}
	a.Shutdown()
	if s.allVMsStopped() {
		t.Fatal("one VM stopped should not mean all VMs stopped")
	}
	b.Shutdown()
	if !s.allVMsStopped() {
		t.Fatal("expected allVMsStopped once every VM has shut down")
	}
}
