package gic

// ListRegisterSet is the software model of ICH_LR0_EL2..ICH_LR3_EL2:
// four slots, each describing one pending/active virtual interrupt
// queued for delivery to a given vCPU. Real hardware list registers
// are owned by the kernel once KVM's in-kernel vgic is active; this
// model exists so fill-order, saturation, and FIFO-within-category
// behavior are properties of code in this repo, and so
// Router.FlushPending has a well-defined, testable order in which to
// issue the corresponding KVM_IRQ_LINE ioctls.
const NumListRegisters = 4

// LRState is the per-slot state, modeled after the ICH_LR<n>_EL2 field
// layout (vINTID, pINTID for HW=1 entries, Priority, Group, HW, State).
type LRState struct {
	Valid    bool
	INTID    uint32
	Priority uint8
	Group    uint8
	HW       bool
	PINTID   uint32
	IsSGI    bool
}

// ListRegisterSet holds one vCPU's four slots plus the overflow queues
// that hold whatever didn't fit once all four are occupied.
type ListRegisterSet struct {
	slots [NumListRegisters]LRState
	// overflow, FIFO ordered, drained into slots as they free up.
	overflowSGI []LRState
	overflowSPI []LRState
}

// Fill attempts to place a pending interrupt into a free slot,
// preferring SGIs over SPIs and preserving FIFO order within each
// category. If no slot is free the interrupt is queued in the
// appropriate overflow list instead of being dropped.
func (l *ListRegisterSet) Fill(s LRState) {
	if s.IsSGI {
		l.overflowSGI = append(l.overflowSGI, s)
	} else {
		l.overflowSPI = append(l.overflowSPI, s)
	}
	l.drain()
}

func (l *ListRegisterSet) drain() {
	for i := range l.slots {
		if l.slots[i].Valid {
			continue
		}
		if len(l.overflowSGI) > 0 {
			l.slots[i] = l.overflowSGI[0]
			l.slots[i].Valid = true
			l.overflowSGI = l.overflowSGI[1:]
			continue
		}
		if len(l.overflowSPI) > 0 {
			l.slots[i] = l.overflowSPI[0]
			l.slots[i].Valid = true
			l.overflowSPI = l.overflowSPI[1:]
		}
	}
	// Keep valid SGIs ahead of valid SPIs in slot order (FIFO within each
	// category), with free slots last, whatever order they arrived in.
	var sorted [NumListRegisters]LRState
	n := 0
	for _, wantSGI := range []bool{true, false} {
		for _, s := range l.slots {
			if s.Valid && s.IsSGI == wantSGI {
				sorted[n] = s
				n++
			}
		}
	}
	l.slots = sorted
}

// Pending returns the slots currently holding a valid entry, in slot
// order (0..3), which Router.FlushPending uses as the delivery order.
func (l *ListRegisterSet) Pending() []LRState {
	var out []LRState
	for _, s := range l.slots {
		if s.Valid {
			out = append(out, s)
		}
	}
	return out
}

// Free marks the slot holding intid as available again, called once
// the guest has EOId it (or, in this model, once Router.FlushPending
// has handed it to the kernel irqchip and the software copy's job is
// done).
func (l *ListRegisterSet) Free(intid uint32) {
	for i := range l.slots {
		if l.slots[i].Valid && l.slots[i].INTID == intid {
			l.slots[i] = LRState{}
			break
		}
	}
	l.drain()
}

// Len reports how many entries (slotted + overflowed) are currently
// tracked, used by saturation tests.
func (l *ListRegisterSet) Len() int {
	n := len(l.overflowSGI) + len(l.overflowSPI)
	for _, s := range l.slots {
		if s.Valid {
			n++
		}
	}
	return n
}
