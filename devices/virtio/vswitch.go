package virtio

import (
	"sync"
)

// vswitchCapacity bounds the MAC-learning table, matching the rest of
// this repo's fixed-capacity-array discipline (devices.Router's 8
// slots, gic.ListRegisterSet's 4 slots); the table size itself is
// recorded as a supplemented-feature decision in SPEC_FULL.md §9.
const vswitchCapacity = 16

// VswitchPort is implemented by anything the vswitch can deliver a
// frame to. *TapDevice satisfies it directly (delivery to the host
// uplink is just a tap write); a guest virtio-net device instead goes
// through vswitchGuestPort below, since its TX and RX directions need
// to disagree about what WritePacket means.
type VswitchPort interface {
	WritePacket(packet []byte) error
}

type vswitchEntry struct {
	mac  [6]byte
	port int
	used bool
}

// Vswitch is a MAC-learning L2 switch connecting N ports (typically one
// per guest virtio-net device plus an uplink TAP), flooding unknown or
// broadcast destinations to every port but the source, grounded on the
// same fixed-size-table-plus-linear-scan idiom as devices.Router.
type Vswitch struct {
	mu    sync.Mutex
	ports []VswitchPort
	table [vswitchCapacity]vswitchEntry
	next  int
}

func NewVswitch() *Vswitch {
	return &Vswitch{}
}

// AddPort registers a new switch port, returning its index for use in
// Ingress calls.
func (v *Vswitch) AddPort(p VswitchPort) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ports = append(v.ports, p)
	return len(v.ports) - 1
}

// Ingress delivers a frame received on sourcePort, learning the source
// MAC and either unicasting (if the destination is known) or flooding.
func (v *Vswitch) Ingress(sourcePort int, frame []byte) {
	if len(frame) < 12 {
		return
	}
	var dst, src [6]byte
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])

	v.mu.Lock()
	v.learn(src, sourcePort)
	target, known := v.lookup(dst)
	ports := append([]VswitchPort(nil), v.ports...)
	v.mu.Unlock()

	isBroadcast := dst == [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if known && !isBroadcast {
		if target != sourcePort && target < len(ports) {
			ports[target].WritePacket(frame)
		}
		return
	}
	for i, p := range ports {
		if i == sourcePort {
			continue
		}
		p.WritePacket(frame)
	}
}

func (v *Vswitch) learn(mac [6]byte, port int) {
	for i := range v.table {
		if v.table[i].used && v.table[i].mac == mac {
			v.table[i].port = port
			return
		}
	}
	slot := v.next
	v.next = (v.next + 1) % vswitchCapacity
	v.table[slot] = vswitchEntry{mac: mac, port: port, used: true}
}

func (v *Vswitch) lookup(mac [6]byte) (int, bool) {
	for _, e := range v.table {
		if e.used && e.mac == mac {
			return e.port, true
		}
	}
	return 0, false
}

// vswitchRXPort is the Vswitch-facing side of a guest virtio-net port:
// the switch calls WritePacket to deliver a frame routed to this port,
// and it is buffered here for vswitchGuestPort.ReadPacket to drain.
type vswitchRXPort struct {
	rx chan []byte
}

func (p *vswitchRXPort) WritePacket(frame []byte) error {
	select {
	case p.rx <- append([]byte(nil), frame...):
	default:
		// Guest hasn't drained its RX queue fast enough; drop rather
		// than block the port delivering this frame to every other
		// port on the switch.
	}
	return nil
}

// vswitchGuestPort implements HostNetInterface on top of a Vswitch
// port, letting Net talk to the switch exactly as it would a TAP
// device: WritePacket (Net's TX call) injects the frame into the
// switch tagged with this port's own index, so Ingress floods it to
// every other port but this one; ReadPacket drains the inbound frames
// vswitchRXPort.WritePacket buffered above. The two WritePacket
// methods necessarily disagree in direction, which is why they live on
// two separate types instead of one.
type vswitchGuestPort struct {
	sw   *Vswitch
	port int
	in   *vswitchRXPort
}

// NewVswitchGuestPort registers a new port on sw and returns the
// HostNetInterface a Net backend should use in place of a TAP device.
func NewVswitchGuestPort(sw *Vswitch) *vswitchGuestPort {
	in := &vswitchRXPort{rx: make(chan []byte, 64)}
	port := sw.AddPort(in)
	return &vswitchGuestPort{sw: sw, port: port, in: in}
}

func (g *vswitchGuestPort) ReadPacket() ([]byte, error) {
	select {
	case p := <-g.in.rx:
		return p, nil
	default:
		return nil, nil
	}
}

func (g *vswitchGuestPort) WritePacket(frame []byte) error {
	g.sw.Ingress(g.port, frame)
	return nil
}

func (g *vswitchGuestPort) Close() error { return nil }

// BridgeHostPort runs until dev.ReadPacket returns an error, feeding
// every frame it reads into sw tagged as port — the host-TAP-uplink
// half of the switch, the mirror image of vswitchGuestPort's
// guest-facing half. Intended to run in its own goroutine for the
// lifetime of the VM(s) sharing sw.
func BridgeHostPort(sw *Vswitch, port int, dev HostNetInterface) {
	for {
		pkt, err := dev.ReadPacket()
		if err != nil {
			return
		}
		if pkt != nil {
			sw.Ingress(port, pkt)
		}
	}
}
