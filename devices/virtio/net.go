package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// virtio-net config space: mac[6] + status(2).
const netConfigSize = 8

// Net is a virtio-net device. Queue 0 is RX (device-to-driver), queue 1
// is TX (driver-to-device) — the only two queues this core negotiates
// (no control vq, no multiqueue). TX processing happens synchronously
// from ProcessQueue (the QUEUE_NOTIFY path); RX delivery is driven by a
// background goroutine polling the host net interface, with a
// stop/loopDone channel lifecycle.
type Net struct {
	mac  [6]byte
	host HostNetInterface
	irq  InterruptRaiser
	spi  int

	txCursor availCursor
	rxCur    availCursor
	rxFree   []uint16 // posted RX descriptor heads not yet consumed by deliverRX

	mu          sync.Mutex
	mem         []byte
	rxQueue     *QueueState
	stop        chan struct{}
	loopDone    chan struct{}
}

func NewNet(mac [6]byte, host HostNetInterface, irq InterruptRaiser, spi int) *Net {
	return &Net{
		mac: mac, host: host, irq: irq, spi: spi,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (n *Net) DeviceID() uint32 { return DeviceIDNet }
func (n *Net) NumQueues() int   { return 2 }

func (n *Net) ConfigRead(offset uint64, size int) (uint64, error) {
	var cfg [netConfigSize]byte
	copy(cfg[0:6], n.mac[:])
	binary.LittleEndian.PutUint16(cfg[6:8], 1) // VIRTIO_NET_S_LINK_UP
	if offset+uint64(size) > uint64(len(cfg)) {
		return 0, nil
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(cfg[offset+uint64(i)]) << (8 * uint(i))
	}
	return v, nil
}

func (n *Net) ConfigWrite(offset uint64, size int, val uint64) error {
	return fmt.Errorf("virtio/net: config space is read-only (write at 0x%x)", offset)
}

func (n *Net) ProcessQueue(idx int, q *QueueState, mem []byte) (bool, error) {
	n.mu.Lock()
	n.mem = mem
	if idx == 0 {
		n.rxQueue = q
	}
	n.mu.Unlock()

	if idx != 1 { // RX queue readiness alone posts nothing synchronously
		return false, nil
	}
	posted := false
	for _, head := range n.txCursor.pending(mem, q) {
		if err := n.transmitOne(q, mem, head); err != nil {
			return posted, err
		}
		posted = true
	}
	return posted, nil
}

func (n *Net) transmitOne(q *QueueState, mem []byte, head uint16) error {
	descs, err := chain(mem, q, head)
	if err != nil {
		return err
	}
	// Skip the virtio-net header (12 bytes, no offload features
	// negotiated in this core) on the first descriptor.
	var frame []byte
	for i, d := range descs {
		start := d.addr
		if i == 0 {
			start += netHdrSize
		}
		frame = append(frame, mem[start:d.addr+uint64(d.len)]...)
	}
	if err := n.host.WritePacket(frame); err != nil {
		return fmt.Errorf("virtio/net: transmit: %w", err)
	}
	postUsed(mem, q, head, 0)
	return nil
}

const netHdrSize = 12

// RunRXLoop polls the host interface and delivers packets into the RX
// queue, raising the configured SPI whenever it posts a buffer; it
// exits when Stop is called via the stop/done channel handshake.
func (n *Net) RunRXLoop() {
	defer close(n.loopDone)
	for {
		select {
		case <-n.stop:
			return
		default:
		}
		pkt, err := n.host.ReadPacket()
		if err != nil || pkt == nil {
			continue
		}
		if n.deliverRX(pkt) {
			n.irq.RaiseSPI(n.spi)
		}
	}
}

func (n *Net) deliverRX(pkt []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rxQueue == nil || n.mem == nil || n.rxQueue.Num == 0 {
		return false
	}
	if len(n.rxFree) == 0 {
		n.rxFree = n.rxCur.pending(n.mem, n.rxQueue)
	}
	if len(n.rxFree) == 0 {
		return false
	}
	head := n.rxFree[0]
	n.rxFree = n.rxFree[1:]
	descs, err := chain(n.mem, n.rxQueue, head)
	if err != nil || len(descs) == 0 {
		return false
	}
	d := descs[0]
	hdr := make([]byte, netHdrSize)
	copy(n.mem[d.addr:d.addr+netHdrSize], hdr)
	room := int(d.len) - netHdrSize
	if room > len(pkt) {
		room = len(pkt)
	}
	copy(n.mem[d.addr+netHdrSize:], pkt[:room])
	postUsed(n.mem, n.rxQueue, head, uint32(netHdrSize+room))
	return true
}

// Stop halts RunRXLoop and waits for it to exit.
func (n *Net) Stop() {
	close(n.stop)
	<-n.loopDone
}
