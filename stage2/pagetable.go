// Package stage2 models the guest-physical (IPA) address space as a
// hierarchy of 2MB blocks, each either whole or split into 512 4KB
// leaves, and realizes every mapping decision as real KVM guest-memory
// slots via hv/kvmutil. Output PA always equals input IPA: the host
// mmap backing a VM's RAM is placed so that UserspaceAddr-GuestPhysAddr
// is constant across the whole space, so there is no separate
// IPA-to-PA indirection to model beyond which ranges are currently
// mapped at all.
//
// Software ownership tags have no home in a real KVM memory slot,
// which carries no per-page software field, so they are tracked in a
// parallel Go map instead.
package stage2

import (
	"fmt"
	"sort"

	"armhv/hv/kvmutil"
)

const (
	BlockSize = 2 << 20 // 2MB
	PageSize  = 4 << 10 // 4KB
	pagesPerBlock = BlockSize / PageSize
)

// installRegion is a seam over kvmutil.SetUserMemoryRegion so package
// tests can exercise the block/split bookkeeping above without a real
// /dev/kvm fd; production code never reassigns it.
var installRegion = kvmutil.SetUserMemoryRegion

// Owner is the software ownership tag a Stage-2 descriptor carries.
type Owner uint8

const (
	OwnerNone Owner = iota
	OwnerHypervisor
	OwnerGuest
	OwnerDevice
)

// S2AP mirrors the Stage-2 access-permission encoding (descriptor bits
// [7:6]): 00 no access, 01 read-only, 11 read/write. 10 is reserved and
// rejected by SetPagePermissions.
type S2AP uint8

const (
	S2APNone      S2AP = 0b00
	S2APReadOnly  S2AP = 0b01
	S2APReadWrite S2AP = 0b11
)

type block struct {
	ipaBase uint64
	split   bool
	mapped  bool // whole-block case: is it currently installed
	// per-4KB-page state, only meaningful when split
	leafMapped   [pagesPerBlock]bool
	leafReadonly [pagesPerBlock]bool
	slots        []uint32 // one slot per contiguous (mapped,readonly) run, split case
	slot         uint32   // slot id for the whole-block case
	hasSlot      bool
}

// Space is one VM's Stage-2 IPA space.
type Space struct {
	vmFD          int
	userspaceBase uint64 // host mmap address backing IPA 0
	size          uint64
	blocks        map[uint64]*block // keyed by block-aligned IPA
	ownership     map[uint64]Owner  // keyed by page-aligned IPA
	nextSlot      uint32
	active        bool
}

// NewSpace creates an IPA space of the given size, backed starting at
// userspaceBase (already mmap'd guest RAM owned by the caller).
func NewSpace(vmFD int, userspaceBase uint64, size uint64) *Space {
	return &Space{
		vmFD:          vmFD,
		userspaceBase: userspaceBase,
		size:          size,
		blocks:        make(map[uint64]*block),
		ownership:     make(map[uint64]Owner),
	}
}

func (s *Space) allocSlot() uint32 {
	id := s.nextSlot
	s.nextSlot++
	return id
}

func blockBase(ipa uint64) uint64 { return ipa &^ (BlockSize - 1) }
func pageBase(ipa uint64) uint64  { return ipa &^ (PageSize - 1) }

func (s *Space) blockFor(ipa uint64) *block {
	base := blockBase(ipa)
	b, ok := s.blocks[base]
	if !ok {
		b = &block{ipaBase: base}
		s.blocks[base] = b
	}
	return b
}

// MapRegion installs size bytes starting at ipa as whole 2MB blocks
// and returns an error unless both ipa and size are 2MB aligned. owner
// tags every contained page for SetOwnership's default.
func (s *Space) MapRegion(ipa, size uint64, owner Owner) error {
	if s.active {
		return fmt.Errorf("stage2: MapRegion(ipa=0x%x): space already activated", ipa)
	}
	if ipa%BlockSize != 0 || size%BlockSize != 0 {
		return fmt.Errorf("stage2: MapRegion(ipa=0x%x, size=0x%x) must be 2MB aligned", ipa, size)
	}
	for off := uint64(0); off < size; off += BlockSize {
		base := ipa + off
		b := s.blockFor(base)
		if b.split {
			return fmt.Errorf("stage2: block 0x%x already split, cannot re-map whole", base)
		}
		if !b.mapped {
			b.slot = s.allocSlot()
			region := kvmutil.UserspaceMemoryRegion{
				Slot:          b.slot,
				GuestPhysAddr: base,
				MemorySize:    BlockSize,
				UserspaceAddr: s.userspaceBase + base,
			}
			if err := installRegion(s.vmFD, region); err != nil {
				return fmt.Errorf("stage2: map block 0x%x: %w", base, err)
			}
			b.mapped = true
			b.hasSlot = true
		}
		for p := uint64(0); p < pagesPerBlock; p++ {
			s.ownership[base+p*PageSize] = owner
		}
	}
	return nil
}

// UnmapPage removes mapping for exactly one 4KB page, splitting its
// containing block on demand, so that any guest access to that page
// misses every KVM memory slot and the kernel raises KVM_EXIT_MMIO for
// trap-and-emulate handling.
func (s *Space) UnmapPage(ipa uint64) error {
	page := pageBase(ipa)
	base := blockBase(page)
	b := s.blockFor(base)

	if !b.split {
		if err := s.splitBlock(b); err != nil {
			return err
		}
	}
	idx := (page - base) / PageSize
	b.leafMapped[idx] = false
	delete(s.ownership, page)
	return s.reinstallSplit(b)
}

// Remap re-installs a previously unmapped page within an already split
// block (used by on-demand fault-driven population).
func (s *Space) Remap(ipa uint64, owner Owner) error {
	page := pageBase(ipa)
	base := blockBase(page)
	b := s.blockFor(base)
	if !b.split {
		return fmt.Errorf("stage2: Remap(0x%x): block not split", page)
	}
	idx := (page - base) / PageSize
	b.leafMapped[idx] = true
	b.leafReadonly[idx] = false
	s.ownership[page] = owner
	return s.reinstallSplit(b)
}

// SetPagePermissions sets the Stage-2 access permission for exactly one
// 4KB page, splitting its containing block on demand the same way
// UnmapPage does. S2APNone removes the page's mapping entirely
// (equivalent to UnmapPage); S2APReadOnly and S2APReadWrite reinstall
// it as a KVM memory slot with or without the KVM_MEM_READONLY flag.
// Splitting a block this way changes exactly the targeted leaf's
// attributes; the other 511 leaves keep whatever mapped/readonly state
// they already had.
func (s *Space) SetPagePermissions(ipa uint64, ap S2AP) error {
	if ap == S2APNone {
		return s.UnmapPage(ipa)
	}
	if ap != S2APReadOnly && ap != S2APReadWrite {
		return fmt.Errorf("stage2: SetPagePermissions(0x%x): reserved S2AP value %#b", ipa, ap)
	}

	page := pageBase(ipa)
	base := blockBase(page)
	b := s.blockFor(base)

	if !b.split {
		if !b.mapped {
			return fmt.Errorf("stage2: SetPagePermissions(0x%x): page not mapped", page)
		}
		if err := s.splitBlock(b); err != nil {
			return err
		}
	}
	idx := (page - base) / PageSize
	if !b.leafMapped[idx] {
		return fmt.Errorf("stage2: SetPagePermissions(0x%x): page not mapped", page)
	}
	b.leafReadonly[idx] = ap == S2APReadOnly
	return s.reinstallSplit(b)
}

// ActivateStage2 finalizes this space's block layout: once active, no
// further whole-block MapRegion calls are accepted, matching the point
// at which a real Stage-2 walk would be switched on for the owning
// vCPUs. KVM itself has no equivalent ioctl — the in-kernel Stage-2
// walker is live as soon as the first memory slot exists — so this is
// a repo-level guard rather than a hardware operation, called once per
// VM before its first vCPU is created.
func (s *Space) ActivateStage2() error {
	if s.active {
		return fmt.Errorf("stage2: space for vm fd %d already activated", s.vmFD)
	}
	s.active = true
	return nil
}

// Active reports whether ActivateStage2 has been called.
func (s *Space) Active() bool { return s.active }

// splitBlock converts b from the whole-block representation to the
// per-leaf one, preserving its current mapped state across all 512
// leaves (each leaf inherits b's prior whole-block readonly state,
// which is always false: MapRegion never installs a whole block
// read-only).
func (s *Space) splitBlock(b *block) error {
	wasMapped := b.mapped
	if b.mapped {
		region := kvmutil.UserspaceMemoryRegion{Slot: b.slot, MemorySize: 0}
		if err := installRegion(s.vmFD, region); err != nil {
			return fmt.Errorf("stage2: remove whole-block slot before split: %w", err)
		}
		b.mapped = false
		b.hasSlot = false
	}
	b.split = true
	for i := range b.leafMapped {
		b.leafMapped[i] = wasMapped
		b.leafReadonly[i] = false
	}
	return nil
}

// reinstallSplit collapses the leaf-mapped/leaf-readonly bitmaps into
// the minimum number of contiguous KVM slots, one per maximal run of
// leaves sharing the same (mapped, readonly) pair, so that a single
// SetPagePermissions/UnmapPage/Remap call changes exactly one leaf's
// attributes. Every existing slot of the block is removed and every run
// is reinstalled on each call.
func (s *Space) reinstallSplit(b *block) error {
	for _, slot := range b.slots {
		_ = installRegion(s.vmFD, kvmutil.UserspaceMemoryRegion{Slot: slot, MemorySize: 0})
	}
	b.slots = b.slots[:0]

	runs := contiguousRuns(b.leafMapped[:], b.leafReadonly[:])
	for _, r := range runs {
		slot := s.allocSlot()
		start := b.ipaBase + r.start*PageSize
		size := (r.end - r.start) * PageSize
		flags := uint32(0)
		if r.readonly {
			flags = kvmutil.MemReadonly
		}
		region := kvmutil.UserspaceMemoryRegion{
			Slot:          slot,
			Flags:         flags,
			GuestPhysAddr: start,
			MemorySize:    size,
			UserspaceAddr: s.userspaceBase + start,
		}
		if err := installRegion(s.vmFD, region); err != nil {
			return fmt.Errorf("stage2: install split run at 0x%x: %w", start, err)
		}
		b.slots = append(b.slots, slot)
	}
	return nil
}

type run struct {
	start, end uint64
	readonly   bool
}

// contiguousRuns groups mapped leaves into maximal runs that share the
// same readonly attribute; unmapped leaves break a run regardless of
// readonly state.
func contiguousRuns(mapped, readonly []bool) []run {
	var runs []run
	inRun := false
	var start uint64
	var ro bool
	flush := func(end uint64) {
		if inRun {
			runs = append(runs, run{start, end, ro})
			inRun = false
		}
	}
	for i, m := range mapped {
		if m && (!inRun || readonly[i] != ro) {
			flush(uint64(i))
			inRun = true
			start = uint64(i)
			ro = readonly[i]
		} else if !m {
			flush(uint64(i))
		}
	}
	flush(uint64(len(mapped)))
	return runs
}

// SetOwnership sets the software ownership tag for a page without
// changing its mapped state.
func (s *Space) SetOwnership(ipa uint64, owner Owner) {
	s.ownership[pageBase(ipa)] = owner
}

// Ownership reads back the software ownership tag for a page.
func (s *Space) Ownership(ipa uint64) Owner {
	return s.ownership[pageBase(ipa)]
}

// IsMapped reports whether ipa currently resolves to a KVM memory
// slot (vs. a deliberate trap-and-emulate hole).
func (s *Space) IsMapped(ipa uint64) bool {
	page := pageBase(ipa)
	base := blockBase(page)
	b, ok := s.blocks[base]
	if !ok {
		return false
	}
	if !b.split {
		return b.mapped
	}
	idx := (page - base) / PageSize
	return b.leafMapped[idx]
}

// SlotCount returns the number of KVM memory slots currently installed,
// exposed for tests asserting the split-on-demand behavior stays within
// its slot budget.
func (s *Space) SlotCount() int {
	n := 0
	for _, b := range s.blocks {
		if b.mapped {
			n++
		}
		if b.split {
			n += len(b.slots)
		}
	}
	return n
}

// VMID returns a VMID-equivalent value identifying this Space's
// isolation domain. Real hardware Stage-2 isolates translations by
// VMID in the TLB; KVM instead isolates per VM fd (every vm fd gets
// its own page tables and TLB context with no explicit VMID this
// process ever sees), so the vm fd itself is the closest observable
// stand-in — two Spaces never share one unless they share a vm fd.
func (s *Space) VMID() int {
	return s.vmFD
}

// SortedBlockBases returns the block-aligned IPAs currently tracked, in
// ascending order, for deterministic debug dumps.
func (s *Space) SortedBlockBases() []uint64 {
	bases := make([]uint64, 0, len(s.blocks))
	for b := range s.blocks {
		bases = append(bases, b)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases
}
