// Package hv implements the core VM/vCPU lifecycle, the arm64 KVM exit
// dispatcher, the PSCI-aware scheduler, and the top-level entry point
// that wires the GICv3, Stage-2, and MMIO device layers together for
// one or more guests.
package hv

import (
	"fmt"
	"os"

	"armhv/devices"
	"armhv/devices/virtio"
	"armhv/platform"
)

// SPI assignments for the devices this core wires. Fixed, like the
// ONE_REG ID table: a real guest's device tree names these, so they
// must never be renumbered once a guest kernel command line or DTB
// depends on them.
const (
	uartSPI = 33
	blkSPI  = 48
	netSPI  = 49
)

const virtioMMIOBase = 0x0a000000
const virtioMMIOStride = 0x200

// Run is the core's external entry point: discover the host platform,
// build every configured VM and its devices, compose each guest's FDT,
// then hand control to the scheduler until every VM halts or a
// host-fatal error occurs.
func Run(cfg Config) (RunResult, error) {
	cfg = cfg.withDefaults()

	host, err := platform.DiscoverHost()
	if err != nil {
		return RunResult{}, &HostFatalError{Diag: DiagnosticLine{Class: ClassHostFatal, Message: err.Error()}}
	}

	switches, err := buildNetSwitches(cfg.VMSpecs)
	if err != nil {
		return RunResult{}, err
	}

	var vms []*VM
	defer func() {
		for _, v := range vms {
			v.Close()
		}
	}()

	for _, spec := range cfg.VMSpecs {
		vm, err := buildVM(spec, host, cfg.Debug, switches)
		if err != nil {
			return RunResult{}, err
		}
		vms = append(vms, vm)
	}

	sched := NewScheduler(vms, cfg.PreemptionQuantum)
	var runErr error
	if cfg.Affinity1to1 {
		runErr = sched.RunAffinity()
	} else {
		runErr = sched.RunLoop()
	}
	if runErr != nil {
		return RunResult{Halted: true, ExitCode: 1}, runErr
	}
	return RunResult{Halted: true, ExitCode: 0}, nil
}

// buildNetSwitches opens one Vswitch plus its host TAP uplink per
// distinct TapName named across every VMSpec, so that two or more VMs
// configured with the same -tap share one broadcast domain (and can
// reach each other) instead of each claiming the interface exclusively
// for itself.
func buildNetSwitches(specs []VMSpec) (map[string]*virtio.Vswitch, error) {
	out := make(map[string]*virtio.Vswitch)
	for _, spec := range specs {
		if spec.TapName == "" || out[spec.TapName] != nil {
			continue
		}
		tap, err := virtio.NewTapDevice(spec.TapName)
		if err != nil {
			return nil, fmt.Errorf("hv: tap %s: %w", spec.TapName, err)
		}
		sw := virtio.NewVswitch()
		uplink := sw.AddPort(tap)
		go virtio.BridgeHostPort(sw, uplink, tap)
		out[spec.TapName] = sw
	}
	return out, nil
}

// buildVM constructs one VM's Stage-2 space, GICv3 controller, PL011,
// and any virtio-mmio devices spec names, loads its kernel image at
// RAM base, and composes its guest FDT. The kernel is copied as a flat
// raw binary to RAM base with no ELF/Image header parsing;
// VMSpec.InitrdPath is not loaded and the FDT carries no initrd range.
func buildVM(spec VMSpec, host platform.HostInfo, debug bool, switches map[string]*virtio.Vswitch) (*VM, error) {
	vm, err := NewVM(spec.ID, spec.RAMSize)
	if err != nil {
		return nil, err
	}
	vm.Debug = debug

	if err := vm.InitMemory(spec.RAMBase, spec.RAMSize); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.initGIC(host.GICDistBase, host.GICRedistBase); err != nil {
		vm.Close()
		return nil, err
	}

	ring := newUARTRing(256)
	vm.uartRing = ring
	uart := devices.NewPL011(host.UARTBase, os.Stdout, ring, vm, uartSPI)
	uart.Debug = debug
	vm.router.Register(uart)
	vm.registerSPI(uartSPI)
	go hostStdinReader(ring, uart)

	var virtioBases []uint64
	virtioBase := uint64(virtioMMIOBase)

	if spec.DiskPath != "" {
		blk, err := virtio.NewBlk(spec.DiskPath)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("hv: vm %d: virtio-blk: %w", spec.ID, err)
		}
		tr := virtio.NewTransport(virtioBase, blk, vm, blkSPI, vm.guestMem)
		vm.router.Register(tr)
		vm.registerSPI(blkSPI)
		virtioBases = append(virtioBases, virtioBase)
		virtioBase += virtioMMIOStride
	}

	if spec.TapName != "" {
		sw := switches[spec.TapName]
		if sw == nil {
			vm.Close()
			return nil, fmt.Errorf("hv: vm %d: virtio-net: no switch built for tap %q", spec.ID, spec.TapName)
		}
		port := virtio.NewVswitchGuestPort(sw)
		mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, byte(spec.ID)}
		net := virtio.NewNet(mac, port, vm, netSPI)
		tr := virtio.NewTransport(virtioBase, net, vm, netSPI, vm.guestMem)
		vm.router.Register(tr)
		vm.registerSPI(netSPI)
		virtioBases = append(virtioBases, virtioBase)
		virtioBase += virtioMMIOStride
		go net.RunRXLoop()
	}

	if spec.KernelPath != "" {
		kernel, err := os.ReadFile(spec.KernelPath)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("hv: vm %d: read kernel: %w", spec.ID, err)
		}
		if uint64(len(kernel)) > spec.RAMSize {
			vm.Close()
			return nil, fmt.Errorf("hv: vm %d: kernel image (%d bytes) exceeds guest RAM (%d bytes)", spec.ID, len(kernel), spec.RAMSize)
		}
		copy(vm.guestMem, kernel)
	}

	fdt, err := platform.ComposeGuestFDT(platform.GuestConfig{
		RAMBase: spec.RAMBase, RAMSize: spec.RAMSize,
		NumVCPUs:        spec.NumVCPUs,
		UARTBase:        host.UARTBase,
		GICDistBase:     host.GICDistBase,
		GICRedistBase:   host.GICRedistBase,
		VirtioMMIOBases: virtioBases,
		Bootargs:        spec.Bootargs,
	})
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("hv: vm %d: compose guest fdt: %w", spec.ID, err)
	}
	const fdtLoadOffset = 0x20000000 // well clear of any realistic kernel Image size
	fdtAddr := spec.RAMBase + fdtLoadOffset
	if fdtAddr+uint64(len(fdt)) > spec.RAMBase+spec.RAMSize {
		vm.Close()
		return nil, fmt.Errorf("hv: vm %d: guest RAM too small to place FDT at 0x%x", spec.ID, fdtAddr)
	}
	copy(vm.guestMem[fdtAddr-spec.RAMBase:], fdt)

	if err := vm.space.ActivateStage2(); err != nil {
		vm.Close()
		return nil, fmt.Errorf("hv: vm %d: activate stage2: %w", spec.ID, err)
	}

	bootSP := spec.RAMBase + spec.RAMSize
	if _, err := vm.CreateVCPU(0, spec.RAMBase, bootSP, fdtAddr); err != nil {
		vm.Close()
		return nil, err
	}

	vm.mu.Lock()
	vm.state = VMRunning
	vm.mu.Unlock()
	return vm, nil
}

// hostStdinReader is the single producer for a VM's UART RX ring: one
// goroutine reading host stdin, feeding bytes into the lock-free ring
// and notifying the PL011 of new data exactly as a physical UART RX
// interrupt would.
func hostStdinReader(ring *uartRing, uart *devices.PL011) {
	buf := make([]byte, 64)
	for {
		n, err := os.Stdin.Read(buf)
		for i := 0; i < n; i++ {
			ring.Push(buf[i])
		}
		if n > 0 {
			uart.NotifyRX()
		}
		if err != nil {
			return
		}
	}
}
