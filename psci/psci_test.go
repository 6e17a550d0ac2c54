package psci

import (
	"errors"
	"testing"
)

type fakeVM struct {
	online        map[int]bool
	activated     map[int][2]uint64
	deactivated   []int
	shutdownCalls int
	resetCalls    int
	activateErr   error
}

func newFakeVM() *fakeVM {
	return &fakeVM{
		online:    map[int]bool{0: true, 1: false},
		activated: map[int][2]uint64{},
	}
}

func (f *fakeVM) VCPUState(id int) (bool, bool) {
	on, ok := f.online[id]
	return on, ok
}

func (f *fakeVM) RequestActivation(id int, entry, ctx uint64) error {
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated[id] = [2]uint64{entry, ctx}
	f.online[id] = true
	return nil
}

func (f *fakeVM) Deactivate(id int) error {
	f.deactivated = append(f.deactivated, id)
	f.online[id] = false
	return nil
}

func (f *fakeVM) Shutdown() { f.shutdownCalls++ }
func (f *fakeVM) Reset()    { f.resetCalls++ }

func TestCPUOnActivatesOfflineVCPU(t *testing.T) {
	vm := newFakeVM()
	rc, err := Dispatch(vm, 0, Call{Function: FnCPUOn, Arg1: 1, Arg2: 0x40000000, Arg3: 0xdead})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rc != Success {
		t.Fatalf("rc = %d, want Success", rc)
	}
	got := vm.activated[1]
	if got[0] != 0x40000000 || got[1] != 0xdead {
		t.Fatalf("activation record = %+v, want entry=0x40000000 ctx=0xdead", got)
	}
}

func TestCPUOnAlreadyOnline(t *testing.T) {
	vm := newFakeVM()
	rc, err := Dispatch(vm, 0, Call{Function: FnCPUOn, Arg1: 0})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rc != AlreadyOn {
		t.Fatalf("rc = %d, want AlreadyOn", rc)
	}
}

func TestCPUOnUnknownVCPU(t *testing.T) {
	vm := newFakeVM()
	rc, err := Dispatch(vm, 0, Call{Function: FnCPUOn, Arg1: 99})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rc != InvalidParams {
		t.Fatalf("rc = %d, want InvalidParams", rc)
	}
}

func TestAffinityInfo(t *testing.T) {
	vm := newFakeVM()
	rc, _ := Dispatch(vm, 0, Call{Function: FnAffinityInfo, Arg1: 0})
	if rc != AffOn {
		t.Fatalf("rc = %d, want AffOn", rc)
	}
	rc, _ = Dispatch(vm, 0, Call{Function: FnAffinityInfo, Arg1: 1})
	if rc != AffOff {
		t.Fatalf("rc = %d, want AffOff", rc)
	}
}

func TestCPUOffDeactivatesCaller(t *testing.T) {
	vm := newFakeVM()
	rc, err := Dispatch(vm, 0, Call{Function: FnCPUOff})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rc != Success {
		t.Fatalf("rc = %d, want Success", rc)
	}
	if len(vm.deactivated) != 1 || vm.deactivated[0] != 0 {
		t.Fatalf("deactivated = %v, want [0]", vm.deactivated)
	}
}

func TestSystemOffAndReset(t *testing.T) {
	vm := newFakeVM()
	Dispatch(vm, 0, Call{Function: FnSystemOff})
	Dispatch(vm, 0, Call{Function: FnSystemReset})
	if vm.shutdownCalls != 1 || vm.resetCalls != 1 {
		t.Fatalf("shutdownCalls=%d resetCalls=%d, want 1,1", vm.shutdownCalls, vm.resetCalls)
	}
}

func TestPSCIVersionAndFeatures(t *testing.T) {
	vm := newFakeVM()
	rc, _ := Dispatch(vm, 0, Call{Function: FnPSCIVersion})
	if rc != Version1_1 {
		t.Fatalf("PSCI_VERSION = %d, want %d", rc, Version1_1)
	}
	rc, _ = Dispatch(vm, 0, Call{Function: FnFeatures, Arg1: FnCPUOn})
	if rc != Success {
		t.Fatalf("FEATURES(CPU_ON) = %d, want Success", rc)
	}
	rc, _ = Dispatch(vm, 0, Call{Function: FnFeatures, Arg1: 0xdeadbeef})
	if rc != NotSupported {
		t.Fatalf("FEATURES(unknown) = %d, want NotSupported", rc)
	}
}

func TestCPUOnPropagatesActivationError(t *testing.T) {
	vm := newFakeVM()
	vm.activateErr = errors.New("boom")
	_, err := Dispatch(vm, 0, Call{Function: FnCPUOn, Arg1: 1})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
}
