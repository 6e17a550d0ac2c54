package hv

import "sync/atomic"

// MaxVCPUs bounds every per-VM fixed-capacity array in this package,
// the same discipline gic.MaxSPIs and devices.MaxDevices follow.
const MaxVCPUs = 8

// GlobalState is the atomics-only bookkeeping block for a VM's global
// state: which vCPUs are online, which one the scheduler is currently
// running, and whether a preemption has been requested.
// Every field is an atomic rather than mutex-guarded because a device
// callback, a PSCI dispatch, and the scheduler loop can all touch it
// from different goroutines and none may block on the others.
type GlobalState struct {
	onlineMask     atomic.Uint64
	currentVCPU    atomic.Int32
	preemptionFlag atomic.Bool
}

func NewGlobalState() *GlobalState {
	g := &GlobalState{}
	g.currentVCPU.Store(-1)
	return g
}

// SetOnline records vcpu id's online/offline state via a CAS retry
// loop, the same lock-free OR/AND-NOT idiom gic.orUint64 uses for the
// pending-interrupt bitmasks.
func (g *GlobalState) SetOnline(id int, online bool) {
	for {
		old := g.onlineMask.Load()
		var next uint64
		if online {
			next = old | (1 << uint(id))
		} else {
			next = old &^ (1 << uint(id))
		}
		if g.onlineMask.CompareAndSwap(old, next) {
			return
		}
	}
}

func (g *GlobalState) Online(id int) bool {
	return g.onlineMask.Load()&(1<<uint(id)) != 0
}

func (g *GlobalState) SetCurrentVCPU(id int) { g.currentVCPU.Store(int32(id)) }
func (g *GlobalState) CurrentVCPU() int      { return int(g.currentVCPU.Load()) }

// RequestPreemption arms the preemption flag; called from the
// scheduler's quantum timer, never from the vCPU goroutine itself.
func (g *GlobalState) RequestPreemption() { g.preemptionFlag.Store(true) }

// TakePreemption reads and clears the flag in one step.
func (g *GlobalState) TakePreemption() bool {
	return g.preemptionFlag.Swap(false)
}

// uartRing is the lock-free single-producer/single-consumer byte ring
// feeding a PL011's RX FIFO from the host stdin-reading goroutine.
// Capacity is rounded up to a power of two so index wraparound is a
// mask instead of a modulo, the same fixed-capacity-ring idiom the
// corpus's NE2000 ring buffer uses for its receive buffer. Overflow
// drops the newest byte (and counts it) rather than overwriting one
// the guest has not read yet.
type uartRing struct {
	buf  []byte
	mask uint32

	head atomic.Uint32 // next write index, producer-owned
	tail atomic.Uint32 // next read index, consumer-owned

	dropped atomic.Uint64
}

func newUARTRing(capacity int) *uartRing {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &uartRing{buf: make([]byte, n), mask: uint32(n - 1)}
}

func (r *uartRing) Push(b byte) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint32(len(r.buf)) {
		r.dropped.Add(1)
		return
	}
	r.buf[head&r.mask] = b
	r.head.Store(head + 1)
}

// Pop implements devices.RXSource.
func (r *uartRing) Pop() (byte, bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return 0, false
	}
	b := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return b, true
}

// Peek implements devices.RXSource.
func (r *uartRing) Peek() bool {
	return r.tail.Load() != r.head.Load()
}

func (r *uartRing) Dropped() uint64 { return r.dropped.Load() }
