// Command armhv is the thin CLI entry point around the hv package:
// parse flags into an hv.Config and call hv.Run. All real behavior
// lives in hv; this file exists only because something has to call it.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"armhv/hv"
)

func main() {
	var (
		smp      = flag.Int("smp", 1, "number of vCPUs")
		kernel   = flag.String("kernel", "", "path to the guest kernel image")
		initrd   = flag.String("initrd", "", "path to the guest initrd image")
		disk     = flag.String("disk", "", "path to a virtio-blk backing file")
		tap      = flag.String("tap", "", "host TAP device name for virtio-net")
		ramSize  = flag.Uint64("ram", 256<<20, "guest RAM size in bytes")
		bootargs = flag.String("append", "console=ttyAMA0", "guest kernel command line")
		affinity = flag.Bool("affinity", false, "use 1:1 vCPU-to-pCPU scheduling instead of cooperative round-robin")
		quantum  = flag.Duration("quantum", 10*time.Millisecond, "preemption quantum")
		debug    = flag.Bool("debug", false, "enable verbose device/exit tracing")
	)
	flag.Parse()

	if *kernel == "" {
		fmt.Fprintln(os.Stderr, "armhv: -kernel is required")
		os.Exit(2)
	}

	cfg := hv.Config{
		SMP:               *smp,
		Affinity1to1:      *affinity,
		PreemptionQuantum: *quantum,
		Debug:             *debug,
		VMSpecs: []hv.VMSpec{{
			RAMBase:    0x40000000,
			RAMSize:    *ramSize,
			NumVCPUs:   *smp,
			KernelPath: *kernel,
			InitrdPath: *initrd,
			DiskPath:   *disk,
			TapName:    *tap,
			Bootargs:   *bootargs,
		}},
	}

	result, err := hv.Run(cfg)
	if err != nil {
		log.Printf("armhv: %v", err)
		os.Exit(result.ExitCode)
	}
	os.Exit(result.ExitCode)
}
