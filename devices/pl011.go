package devices

import (
	"fmt"
	"io"
	"sync"
)

// PL011 register offsets (ARM PrimeCell UART).
const (
	uartdr    = 0x000
	uartfr    = 0x018
	uartibrd  = 0x024
	uartfbrd  = 0x028
	uartlcrH  = 0x02C
	uartcr    = 0x030
	uartifls  = 0x034
	uartimsc  = 0x038
	uartris   = 0x03C
	uartmis   = 0x040
	uarticr   = 0x044
)

// UARTFR bits.
const (
	frTXFE = 1 << 7 // transmit FIFO empty
	frRXFE = 1 << 4 // receive FIFO empty
	frBUSY = 1 << 3
)

// UARTCR bits.
const (
	crUARTEN = 1 << 0
	crTXE    = 1 << 8
	crRXE    = 1 << 9
)

// UARTIMSC/RIS/MIS/ICR bit (RX interrupt).
const rxim = 1 << 4
const txim = 1 << 5

// PrimeCell identification registers at the top of the 4KB window.
// Linux's amba-pl011 probe reads these eight bytes before it will bind
// the driver at all, so they cannot be left unhandled the way a
// genuinely unused offset can.
const periphIDBase = 0xFE0
const cellIDBase = 0xFF0

var periphID = [4]byte{0x11, 0x10, 0x34, 0x00}
var pCellID = [4]byte{0x0D, 0xF0, 0x05, 0xB1}

// RXSource supplies bytes the guest has not yet read, modeling the
// lock-free SPSC ring hv.uartRing feeds from the host's stdin reader
// goroutine.
type RXSource interface {
	// Pop returns the next byte and true, or (0,false) if empty.
	Pop() (byte, bool)
	// Peek reports whether a byte is available without consuming it.
	Peek() bool
}

// InterruptRaiser is a local interface to avoid an import cycle between
// devices and the owning VM package. It names a GIC SPI id rather than
// a legacy IRQ line number.
type InterruptRaiser interface {
	RaiseSPI(spi int)
}

// PL011 is a PL011 UART, register-switch style: each register offset
// maps to one fixed register, and no control bit changes what an offset
// means. Per-register tracing is gated behind Debug instead of
// always-on.
type PL011 struct {
	base, size uint64

	out io.Writer
	rx  RXSource
	irq InterruptRaiser
	spi int

	Debug bool

	mu   sync.Mutex
	cr   uint32
	lcrH uint32
	imsc uint32
	ris  uint32
	ibrd uint32
	fbrd uint32
}

func NewPL011(base uint64, out io.Writer, rx RXSource, irq InterruptRaiser, spi int) *PL011 {
	return &PL011{
		base: base, size: 0x1000,
		out: out, rx: rx, irq: irq, spi: spi,
		cr: crUARTEN | crTXE | crRXE,
	}
}

func (p *PL011) BaseAddress() uint64 { return p.base }
func (p *PL011) Size() uint64        { return p.size }

func (p *PL011) debugf(format string, args ...interface{}) {
	if p.Debug {
		fmt.Printf("PL011: "+format+"\n", args...)
	}
}

func (p *PL011) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case uartdr:
		b, ok := p.rx.Pop()
		if !ok {
			return 0, nil
		}
		p.debugf("read UARTDR = 0x%x", b)
		return uint64(b), nil
	case uartfr:
		var fr uint32 = frTXFE
		if !p.rx.Peek() {
			fr |= frRXFE
		}
		return uint64(fr), nil
	case uartlcrH:
		return uint64(p.lcrH), nil
	case uartcr:
		return uint64(p.cr), nil
	case uartimsc:
		return uint64(p.imsc), nil
	case uartris:
		return uint64(p.ris), nil
	case uartmis:
		return uint64(p.ris & p.imsc), nil
	case uartibrd:
		return uint64(p.ibrd), nil
	case uartfbrd:
		return uint64(p.fbrd), nil
	default:
		if offset >= periphIDBase && offset < periphIDBase+16 {
			return uint64(periphID[(offset-periphIDBase)/4]), nil
		}
		if offset >= cellIDBase && offset < cellIDBase+16 {
			return uint64(pCellID[(offset-cellIDBase)/4]), nil
		}
		return 0, fmt.Errorf("pl011: unhandled read at offset 0x%x", offset)
	}
}

func (p *PL011) Write(offset uint64, size int, val uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case uartdr:
		b := byte(val)
		if _, err := p.out.Write([]byte{b}); err != nil {
			return fmt.Errorf("pl011: write output: %w", err)
		}
		p.debugf("write UARTDR = 0x%x", b)
		if p.imsc&txim != 0 {
			p.ris |= txim
			p.irq.RaiseSPI(p.spi)
		}
		return nil
	case uartlcrH:
		p.lcrH = uint32(val)
		return nil
	case uartcr:
		p.cr = uint32(val)
		return nil
	case uartimsc:
		p.imsc = uint32(val)
		return nil
	case uarticr:
		p.ris &^= uint32(val)
		return nil
	case uartibrd:
		p.ibrd = uint32(val)
		return nil
	case uartfbrd:
		p.fbrd = uint32(val)
		return nil
	default:
		return fmt.Errorf("pl011: unhandled write at offset 0x%x, val 0x%x", offset, val)
	}
}

// NotifyRX should be called whenever the host-side RX ring gains a
// byte; it raises the RX interrupt if enabled.
func (p *PL011) NotifyRX() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.imsc&rxim != 0 {
		p.ris |= rxim
		p.irq.RaiseSPI(p.spi)
	}
}
