// Package devices implements the MMIO device framework: a small Device
// interface and a fixed-capacity Router that dispatches a guest access
// to the device owning its IPA range, over arbitrary-width arm64 MMIO
// windows.
package devices

import "fmt"

// Device is one MMIO-mapped peripheral.
type Device interface {
	BaseAddress() uint64
	Size() uint64
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, val uint64) error
}

// IRQSource is implemented by devices that raise a GIC SPI; kept as a
// narrow interface to avoid an import cycle between devices and the
// owning VM package.
type IRQSource interface {
	PendingIRQ() (int, bool)
	AckIRQ()
}

// Router dispatches trapped MMIO accesses by linear scan over a small,
// fixed number of registered devices, matching the rest of this repo's
// fixed-capacity array discipline (gic.MaxSPIs, ListRegisterSet's 4
// slots).
const MaxDevices = 8

type Router struct {
	devices [MaxDevices]Device
	count   int
}

func NewRouter() *Router {
	return &Router{}
}

// Register adds a device to the router. It is a programming error to
// register overlapping ranges or to exceed MaxDevices; both panic,
// since they can only happen from a wiring bug at VM construction time,
// never from guest-controlled input.
func (r *Router) Register(d Device) {
	if r.count >= MaxDevices {
		panic(fmt.Sprintf("devices: Router is full (max %d devices)", MaxDevices))
	}
	base, size := d.BaseAddress(), d.Size()
	for i := 0; i < r.count; i++ {
		eb, es := r.devices[i].BaseAddress(), r.devices[i].Size()
		if base < eb+es && eb < base+size {
			panic(fmt.Sprintf("devices: Router: range [0x%x,0x%x) overlaps existing device at [0x%x,0x%x)", base, base+size, eb, eb+es))
		}
	}
	r.devices[r.count] = d
	r.count++
}

// Dispatch finds the device owning ipa, returning it plus the offset
// within its window.
func (r *Router) Dispatch(ipa uint64) (Device, uint64, bool) {
	for i := 0; i < r.count; i++ {
		d := r.devices[i]
		base, size := d.BaseAddress(), d.Size()
		if ipa >= base && ipa < base+size {
			return d, ipa - base, true
		}
	}
	return nil, 0, false
}

// Devices returns the registered devices in registration order, for
// scheduler IRQ-polling passes.
func (r *Router) Devices() []Device {
	return r.devices[:r.count]
}

// HandleMMIO services one trapped access: a read fills data (as many
// bytes as requested, little-endian), a write consumes it.
func (r *Router) HandleMMIO(ipa uint64, isWrite bool, size int, data []byte) error {
	d, off, ok := r.Dispatch(ipa)
	if !ok {
		return fmt.Errorf("devices: Router: unhandled MMIO at IPA 0x%x", ipa)
	}
	if isWrite {
		var v uint64
		for i := 0; i < size; i++ {
			v |= uint64(data[i]) << (8 * uint(i))
		}
		return d.Write(off, size, v)
	}
	v, err := d.Read(off, size)
	if err != nil {
		return err
	}
	for i := 0; i < size; i++ {
		data[i] = byte(v >> (8 * uint(i)))
	}
	return nil
}
