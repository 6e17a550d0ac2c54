package gic

import "sync"

// MaxSPIs bounds the shadow distributor's per-IRQ tables; the reference
// platform (QEMU virt, GICv3) wires 64 SPIs, matching the
// fixed-capacity-array discipline the rest of this repo follows
// (devices.Router's 8 slots, ListRegisterSet's 4 slots).
const MaxSPIs = 64

// ShadowGICD is the host-side model of the GIC distributor's
// guest-visible register file. Its enable and route entries are set by
// VM.registerSPI for each device SPI; guest accesses to the GICD frame
// are handled by the in-kernel vgic and never reach this model. It is
// grounded on devices/pic.go's PICController register-file-plus-switch
// shape applied to the GICD_* register set instead of 8259A ICW/OCW.
type ShadowGICD struct {
	mu sync.Mutex

	ctlrEnabled bool
	enabled     [MaxSPIs]bool
	irouter     [MaxSPIs]uint8 // target Aff0
	priority    [MaxSPIs]uint8
}

func NewShadowGICD() *ShadowGICD {
	return &ShadowGICD{}
}

func (d *ShadowGICD) SetEnabled(spi int, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if spi < 0 || spi >= MaxSPIs {
		return
	}
	d.enabled[spi] = v
}

func (d *ShadowGICD) Enabled(spi int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if spi < 0 || spi >= MaxSPIs {
		return false
	}
	return d.enabled[spi]
}

func (d *ShadowGICD) SetRoute(spi int, targetAff0 uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if spi < 0 || spi >= MaxSPIs {
		return
	}
	d.irouter[spi] = targetAff0
}

func (d *ShadowGICD) Route(spi int) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if spi < 0 || spi >= MaxSPIs {
		return 0
	}
	return d.irouter[spi]
}

func (d *ShadowGICD) SetPriority(spi int, p uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if spi < 0 || spi >= MaxSPIs {
		return
	}
	d.priority[spi] = p
}

func (d *ShadowGICD) SetCTLR(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctlrEnabled = enabled
}

func (d *ShadowGICD) CTLR() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctlrEnabled
}
