package hv

import "time"

// VMSpec describes one guest to boot: its images, RAM window, and
// optional virtio backends. hv.Run iterates one VMSpec per configured
// VM.
type VMSpec struct {
	ID         int
	RAMBase    uint64
	RAMSize    uint64
	NumVCPUs   int // advertised in the guest FDT's /cpus node; 0 takes Config.SMP
	KernelPath string
	InitrdPath string
	DiskPath   string
	TapName    string
	Bootargs   string
}

// Config is hv.Run's top-level configuration.
type Config struct {
	SMP int

	// Affinity1to1 selects the 1:1 vCPU-to-pCPU scheduler mode (one
	// goroutine per vCPU) instead of the default cooperative
	// single-pCPU round-robin.
	Affinity1to1 bool

	PreemptionQuantum time.Duration
	VMSpecs           []VMSpec
	Debug             bool
}

func (c Config) withDefaults() Config {
	if c.SMP == 0 {
		c.SMP = 1
	}
	if c.PreemptionQuantum == 0 {
		c.PreemptionQuantum = 10 * time.Millisecond
	}
	if len(c.VMSpecs) == 0 {
		c.VMSpecs = []VMSpec{{RAMBase: 0x40000000, RAMSize: 256 << 20}}
	}
	for i := range c.VMSpecs {
		if c.VMSpecs[i].NumVCPUs == 0 {
			c.VMSpecs[i].NumVCPUs = c.SMP
		}
	}
	return c
}

// RunResult is hv.Run's outcome.
type RunResult struct {
	Halted   bool
	ExitCode int
}
