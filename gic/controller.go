package gic

import (
	"fmt"

	"armhv/hv/kvmutil"
)

// Controller owns the in-kernel vgic-v3 device fd and the handful of
// KVM_DEV_ARM_VGIC_GRP_* attribute calls needed to stand it up. In a
// bare-metal hypervisor this role is "program GICD_CTLR, GICR_WAKER,
// and ICH_HCR_EL2 to enable list-register virtualization"; on KVM the
// same configuration is expressed as one KVM_CREATE_DEVICE call plus a
// handful of GRP_ADDR/GRP_CTRL attribute writes, which this type
// collects behind a small typed API mirroring hv/kvmutil's
// one-wrapper-per-ioctl style.
type Controller struct {
	vmFD  int
	devFD int

	NumCPUs int
}

// NewController creates the vgic-v3 device for vmFD and registers the
// distributor and per-vCPU redistributor MMIO base addresses.
func NewController(vmFD int, numCPUs int, distBase, redistBase uint64) (*Controller, error) {
	devFD, err := kvmutil.CreateVGICv3(vmFD)
	if err != nil {
		return nil, err
	}
	c := &Controller{vmFD: vmFD, devFD: devFD, NumCPUs: numCPUs}

	if err := kvmutil.SetDeviceAttr64(devFD, kvmutil.DevArmVgicGrpAddr, kvmutil.VgicAddrTypeDist, distBase); err != nil {
		return nil, fmt.Errorf("gic: set distributor base: %w", err)
	}
	if err := kvmutil.SetDeviceAttr64(devFD, kvmutil.DevArmVgicGrpAddr, kvmutil.VgicAddrTypeRedist, redistBase); err != nil {
		return nil, fmt.Errorf("gic: set redistributor base: %w", err)
	}
	if err := kvmutil.SetDeviceAttrNoData(devFD, kvmutil.DevArmVgicGrpCtrl, kvmutil.VgicCtrlInit); err != nil {
		return nil, fmt.Errorf("gic: VGIC_CTRL_INIT: %w", err)
	}
	return c, nil
}

// InjectLine raises (level==true) or lowers a physical-equivalent IRQ
// line into the in-kernel vgic; Router.FlushPending calls it for every
// list-register entry it delivers.
func (c *Controller) InjectLine(irq uint32, level bool) error {
	return kvmutil.InjectIRQLine(c.vmFD, irq, level)
}

func (c *Controller) Close() error {
	return closeFD(c.devFD)
}
