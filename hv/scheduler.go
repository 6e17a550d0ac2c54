package hv

import (
	"log"
	"sync"
	"time"
)

// Scheduler implements two scheduling modes. RunLoop is the default: a
// single physical CPU cooperatively (and, via the preemption quantum,
// preemptively) round-robins first across VMs then across each VM's
// vCPUs. RunAffinity is the 1:1 mode: one goroutine per vCPU, pinned
// for its lifetime. The quantum timer only sets GlobalState's
// preemption flag, which RunLoop clears on its next pass; it does not
// force a running vCPU out of KVM_RUN, so a vCPU yields only when it
// exits to userspace.
type Scheduler struct {
	vms     []*VM
	vmIdx   int
	quantum time.Duration

	stop chan struct{}
}

func NewScheduler(vms []*VM, quantum time.Duration) *Scheduler {
	return &Scheduler{vms: vms, quantum: quantum, stop: make(chan struct{})}
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// RunLoop is the cooperative+preemptive single-pCPU scheduler: advance
// the outer VM round-robin, drain any pending PSCI activations, pick
// the next Ready vCPU in that VM, flush pending interrupts into its
// list registers, arm the preemption quantum, enter the guest once,
// dispatch the exit, repeat.
func (s *Scheduler) RunLoop() error {
	if len(s.vms) == 0 {
		return nil
	}
	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		if s.allVMsStopped() {
			return nil
		}

		vm := s.vms[s.vmIdx%len(s.vms)]
		s.vmIdx++
		if vm.Stopped() {
			continue
		}

		vm.drainActivations()

		v := s.pickNextVCPU(vm)
		if v == nil {
			continue
		}

		vm.global.SetCurrentVCPU(v.id)
		if err := vm.gicRouter.FlushPending(v.id); err != nil {
			vm.logf("vcpu %d: flush pending before entry: %v", v.id, err)
		}

		timer := time.AfterFunc(s.quantum, vm.global.RequestPreemption)
		err := v.runOnce()
		timer.Stop()
		vm.global.TakePreemption()

		if err == nil {
			continue
		}
		switch e := err.(type) {
		case *GuestFatalError:
			log.Print(e.Error())
			v.state = StateStopped
		case *VMFatalError:
			log.Print(e.Error())
			vm.Shutdown()
		case *HostFatalError:
			return e
		default:
			log.Printf("hv: %v", err)
		}
	}
}

// pickNextVCPU advances vm's inner round-robin cursor to the next
// Ready vCPU, skipping nil slots and Stopped vCPUs. Returns nil if
// nothing in vm is currently runnable (every vCPU offline or stopped).
func (s *Scheduler) pickNextVCPU(vm *VM) *VCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i := 0; i < MaxVCPUs; i++ {
		idx := (vm.vcpuIdx + i) % MaxVCPUs
		v := vm.vcpus[idx]
		if v == nil || v.state == StateStopped {
			continue
		}
		vm.vcpuIdx = idx + 1
		return v
	}
	return nil
}

func (s *Scheduler) allVMsStopped() bool {
	for _, vm := range s.vms {
		if !vm.Stopped() {
			return false
		}
	}
	return true
}

// RunAffinity implements the 1:1 affinity scheduler mode: one goroutine
// per already-created vCPU, each a tight loop of flush-pending then
// runOnce, with no outer VM/vCPU round-robin since every goroutine owns
// exactly one vCPU for its whole lifetime.
// Only vCPUs already created when RunAffinity starts get a goroutine;
// a CPU_ON for a vCPU with no goroutine yet updates GlobalState but
// never runs until the affinity set is rebuilt, so this mode is scoped
// to VMs whose full vCPU set is brought up by CreateVCPU before Run is
// called.
func (s *Scheduler) RunAffinity() error {
	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for _, vm := range s.vms {
		vm := vm
		vm.mu.Lock()
		vcpus := make([]*VCPU, 0, MaxVCPUs)
		for _, v := range vm.vcpus {
			if v != nil {
				vcpus = append(vcpus, v)
			}
		}
		vm.mu.Unlock()

		for _, v := range vcpus {
			v := v
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-s.stop:
						return
					default:
					}
					if v.state == StateStopped || vm.Stopped() {
						return
					}
					vm.drainActivations()
					if err := vm.gicRouter.FlushPending(v.id); err != nil {
						vm.logf("vcpu %d: flush pending: %v", v.id, err)
					}
					if err := v.runOnce(); err != nil {
						log.Print(err)
						if hf, ok := err.(*HostFatalError); ok {
							select {
							case errCh <- hf:
							default:
							}
							return
						}
						if _, ok := err.(*VMFatalError); ok {
							vm.Shutdown()
							return
						}
					}
				}
			}()
		}
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
