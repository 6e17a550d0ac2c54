package hv

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"armhv/devices"
)

// requireKVM skips the test when /dev/kvm is not usable in this
// environment (e.g. no hardware virtualization, or running inside a
// container without device passthrough) rather than failing outright —
// this core's only real execution path is through actual KVM, so
// there is no fake to fall back to the way psci/gic's pure-logic tests
// can use one.
func requireKVM(t *testing.T) {
	t.Helper()
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}
	f.Close()
}

// asmWords little-endian-encodes a list of A64 instruction words into a
// flat byte program.
func asmWords(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

// TestBootWritesUARTByteThenShutsDownViaPSCI boots a tiny hand-assembled
// program that writes one byte to the PL011 data register and then
// issues PSCI SYSTEM_OFF over HVC, mirroring the teacher's
// protected-mode boot test's shape (assemble a minimal program,
// capture device output, assert on both the captured byte and the
// resulting halt) retargeted from 16550A/HLT to PL011/PSCI.
func TestBootWritesUARTByteThenShutsDownViaPSCI(t *testing.T) {
	requireKVM(t)

	const ramBase = 0x40000000
	const ramSize = 2 << 20

	program := asmWords(
		0xD2800000, // MOVZ X0, #0
		0xF2A12000, // MOVK X0, #0x0900, LSL #16   => X0 = UART base 0x09000000
		0x52800821, // MOVZ W1, #0x41              => W1 = 'A'
		0x39000001, // STRB W1, [X0]               => UARTDR = 'A'
		0xD2800100, // MOVZ X0, #0x0008
		0xF2B08000, // MOVK X0, #0x8400, LSL #16   => X0 = 0x84000008 (PSCI SYSTEM_OFF)
		0xD4000002, // HVC #0
	)

	vm, err := NewVM(0, ramSize)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	defer vm.Close()

	if err := vm.InitMemory(ramBase, ramSize); err != nil {
		t.Fatalf("InitMemory: %v", err)
	}
	if err := vm.initGIC(0x08000000, 0x080a0000); err != nil {
		t.Fatalf("initGIC: %v", err)
	}

	copy(vm.guestMem, program)

	var out bytes.Buffer
	ring := newUARTRing(16)
	uart := devices.NewPL011(0x09000000, &out, ring, vm, uartSPI)
	vm.router.Register(uart)
	vm.registerSPI(uartSPI)

	if _, err := vm.CreateVCPU(0, ramBase, ramBase+ramSize, 0); err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	sched := NewScheduler([]*VM{vm}, 50*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- sched.RunLoop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		sched.Stop()
		t.Fatal("timed out waiting for guest to reach PSCI SYSTEM_OFF")
	}

	if !vm.Stopped() {
		t.Fatal("expected VM Stopped after SYSTEM_OFF")
	}
	if got := out.String(); got != "A" {
		t.Fatalf("captured UART output = %q, want %q", got, "A")
	}
}
