package hv

import "fmt"

// DiagnosticClass names the three-way error taxonomy a fault falls
// into: scoped to one vCPU, one VM, or the whole host process.
type DiagnosticClass string

const (
	ClassGuestFatal DiagnosticClass = "guest-fatal"
	ClassVMFatal    DiagnosticClass = "vm-fatal"
	ClassHostFatal  DiagnosticClass = "host-fatal"
)

// DiagnosticLine is the single structured line every fatal path
// produces: class, the vCPU/VM it happened on, and a register
// snapshot. No stack trace is attached on purpose: a hypervisor fault
// should read as one grep-able line.
type DiagnosticLine struct {
	Class      DiagnosticClass
	VMID       int
	VCPUID     int
	PC         uint64
	ExitReason uint32
	Message    string
}

func (d DiagnosticLine) String() string {
	return fmt.Sprintf("[%s] vm=%d vcpu=%d pc=0x%x exit=%d: %s",
		d.Class, d.VMID, d.VCPUID, d.PC, d.ExitReason, d.Message)
}

// GuestFatalError stops exactly one vCPU; its VM and siblings continue.
type GuestFatalError struct{ Diag DiagnosticLine }

func (e *GuestFatalError) Error() string { return e.Diag.String() }

// VMFatalError terminates the owning VM; other VMs are unaffected.
type VMFatalError struct{ Diag DiagnosticLine }

func (e *VMFatalError) Error() string { return e.Diag.String() }

// HostFatalError halts the whole process.
type HostFatalError struct{ Diag DiagnosticLine }

func (e *HostFatalError) Error() string { return e.Diag.String() }
