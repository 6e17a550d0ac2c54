package gic

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

// orUint32/orUint64 set bits lock-free via a compare-and-swap retry
// loop; sync/atomic has no built-in OR primitive for these widths.
func orUint32(addr *uint32, bits uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return
		}
	}
}

func orUint64(addr *uint64, bits uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old|bits) {
			return
		}
	}
}

// Router is the per-VM routing layer tying ShadowGICD, per-vCPU
// ListRegisterSets, and the Controller together: the shadow enable and
// route state is set once per device SPI by VM.registerSPI (guest GICD
// accesses are handled by the in-kernel vgic and never reach it), and
// SPI/SGI injection requests resolve a target vCPU and set a lock-free pending
// bit the scheduler drains on its next pass (lock-free so an interrupt
// source running on any goroutine never blocks on the vCPU it is about
// to wake). There is no ShadowGICR counterpart here:
// KVM_DEV_TYPE_ARM_VGIC_V3's VGIC_ADDR_TYPE_REDIST registration makes
// the in-kernel vgic the sole owner of every redistributor frame, so
// no GICR access ever reaches this process as a KVM_EXIT_MMIO the way
// a from-scratch trap-and-emulate redistributor would need.
type Router struct {
	GICD *ShadowGICD

	mu         sync.Mutex
	lrSets     []*ListRegisterSet
	pendingSGI []uint32 // atomic bitmask per vCPU, bits 0-15
	pendingSPI []uint64 // atomic bitmask per vCPU, bit n = INTID n (n < MaxSPIs)

	ctrl *Controller
}

func NewRouter(numCPUs int, ctrl *Controller) *Router {
	r := &Router{
		GICD:       NewShadowGICD(),
		lrSets:     make([]*ListRegisterSet, numCPUs),
		pendingSGI: make([]uint32, numCPUs),
		pendingSPI: make([]uint64, numCPUs),
		ctrl:       ctrl,
	}
	for i := range r.lrSets {
		r.lrSets[i] = &ListRegisterSet{}
	}
	return r
}

// InjectSGI sets the pending bit for intid on every target vCPU named
// by the decoded SGI1R write; any goroutine may call this (it is the
// direct handler for a guest ICC_SGI1R_EL1 trap from any running
// vCPU). callerVCPU is the vCPU that issued the SGI1R write; with
// IRM=1 ("broadcast to all PEs other than self") it is excluded from
// the target set, and a targeted (IRM=0) list that happens to name the
// caller is honored as-is, since a vCPU may legitimately SGI itself.
func (r *Router) InjectSGI(s SGI, callerVCPU int) {
	if s.IRM {
		for i := range r.pendingSGI {
			if i == callerVCPU {
				continue
			}
			orUint32(&r.pendingSGI[i], 1<<uint(s.INTID))
		}
		return
	}
	for _, aff0 := range s.TargetAff0s() {
		if int(aff0) >= len(r.pendingSGI) {
			continue
		}
		orUint32(&r.pendingSGI[aff0], 1<<uint(s.INTID))
	}
}

// InjectSPI resolves the shadow IROUTER entry for intid and sets the
// pending bit on the routed vCPU.
func (r *Router) InjectSPI(intid int) {
	if intid < 0 || intid >= MaxSPIs {
		return
	}
	if !r.GICD.Enabled(intid) {
		return
	}
	target := r.GICD.Route(intid)
	if int(target) >= len(r.pendingSPI) {
		return
	}
	orUint64(&r.pendingSPI[target], 1<<uint(intid))
}

// FlushPending is called by the scheduler immediately before
// re-entering KVM_RUN for vcpu: it atomically swaps out the pending
// bitmasks for that vCPU, feeds every set bit into the vCPU's
// ListRegisterSet (SGIs before SPIs — enforced here by filling all SGI
// bits before any SPI bit, and by ListRegisterSet.Fill's own
// category-priority drain), then issues the corresponding
// KVM_IRQ_LINE calls in list-register order so physical delivery order
// matches the logical model, freeing each slot once its call succeeds.
func (r *Router) FlushPending(vcpu int) error {
	sgis := atomic.SwapUint32(&r.pendingSGI[vcpu], 0)
	spis := atomic.SwapUint64(&r.pendingSPI[vcpu], 0)

	lr := r.lrSets[vcpu]
	for i := 0; i < 16; i++ {
		if sgis&(1<<uint(i)) != 0 {
			lr.Fill(LRState{INTID: uint32(i), IsSGI: true})
		}
	}
	for i := 0; i < MaxSPIs; i++ {
		if spis&(1<<uint(i)) != 0 {
			lr.Fill(LRState{INTID: uint32(i), IsSGI: false})
		}
	}

	if r.ctrl == nil {
		return nil
	}
	for _, p := range lr.Pending() {
		if err := r.ctrl.InjectLine(p.INTID, true); err != nil {
			return err
		}
		lr.Free(p.INTID)
	}
	return nil
}

// HasPending reports whether vcpu has any interrupt queued, used by the
// scheduler to decide whether a WFI-blocked vCPU should be woken.
func (r *Router) HasPending(vcpu int) bool {
	return atomic.LoadUint32(&r.pendingSGI[vcpu]) != 0 || atomic.LoadUint64(&r.pendingSPI[vcpu]) != 0
}
