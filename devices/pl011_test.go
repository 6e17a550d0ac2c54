package devices

import (
	"bytes"
	"testing"
)

type fakeRX struct{ buf []byte }

func (f *fakeRX) Pop() (byte, bool) {
	if len(f.buf) == 0 {
		return 0, false
	}
	b := f.buf[0]
	f.buf = f.buf[1:]
	return b, true
}
func (f *fakeRX) Peek() bool { return len(f.buf) > 0 }

type fakeIRQ struct{ raised []int }

func (f *fakeIRQ) RaiseSPI(spi int) { f.raised = append(f.raised, spi) }

func TestPL011WriteGoesToOutput(t *testing.T) {
	var out bytes.Buffer
	irq := &fakeIRQ{}
	u := NewPL011(0x9000000, &out, &fakeRX{}, irq, 33)

	if err := u.Write(uartdr, 1, uint64('A')); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != "A" {
		t.Fatalf("output = %q, want %q", out.String(), "A")
	}
}

func TestPL011FlagRegisterReflectsRXEmpty(t *testing.T) {
	var out bytes.Buffer
	rx := &fakeRX{}
	u := NewPL011(0x9000000, &out, rx, &fakeIRQ{}, 33)

	v, _ := u.Read(uartfr, 4)
	if v&frRXFE == 0 {
		t.Fatalf("UARTFR should report RX FIFO empty with no bytes queued")
	}

	rx.buf = []byte{'x'}
	v, _ = u.Read(uartfr, 4)
	if v&frRXFE != 0 {
		t.Fatalf("UARTFR should not report RX FIFO empty once a byte is queued")
	}
}

func TestPL011RXInterruptRaisedWhenEnabled(t *testing.T) {
	var out bytes.Buffer
	rx := &fakeRX{buf: []byte{'z'}}
	irq := &fakeIRQ{}
	u := NewPL011(0x9000000, &out, rx, irq, 33)

	u.Write(uartimsc, 4, rxim)
	u.NotifyRX()
	if len(irq.raised) != 1 || irq.raised[0] != 33 {
		t.Fatalf("expected RX interrupt to raise SPI 33, got %v", irq.raised)
	}
}

func TestPL011ReadUARTDR(t *testing.T) {
	var out bytes.Buffer
	rx := &fakeRX{buf: []byte{0x42}}
	u := NewPL011(0x9000000, &out, rx, &fakeIRQ{}, 33)

	v, err := u.Read(uartdr, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 0x42 {
		t.Fatalf("Read(UARTDR) = 0x%x, want 0x42", v)
	}
}
