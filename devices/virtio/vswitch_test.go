package virtio

import "testing"

type recordPort struct {
	received [][]byte
}

func (p *recordPort) WritePacket(b []byte) error {
	cp := append([]byte(nil), b...)
	p.received = append(p.received, cp)
	return nil
}

func frame(dst, src [6]byte) []byte {
	f := make([]byte, 14)
	copy(f[0:6], dst[:])
	copy(f[6:12], src[:])
	return f
}

func TestVswitchFloodsUnknownDestination(t *testing.T) {
	v := NewVswitch()
	a := &recordPort{}
	b := &recordPort{}
	c := &recordPort{}
	pa := v.AddPort(a)
	v.AddPort(b)
	v.AddPort(c)

	src := [6]byte{1, 2, 3, 4, 5, 6}
	dst := [6]byte{9, 9, 9, 9, 9, 9}
	v.Ingress(pa, frame(dst, src))

	if len(b.received) != 1 || len(c.received) != 1 {
		t.Fatalf("expected flood to the other 2 ports, got b=%d c=%d", len(b.received), len(c.received))
	}
	if len(a.received) != 0 {
		t.Fatalf("source port must not receive its own frame back")
	}
}

func TestVswitchLearnsAndUnicasts(t *testing.T) {
	v := NewVswitch()
	a := &recordPort{}
	b := &recordPort{}
	c := &recordPort{}
	pa := v.AddPort(a)
	pb := v.AddPort(b)
	v.AddPort(c)

	macA := [6]byte{1, 1, 1, 1, 1, 1}
	macB := [6]byte{2, 2, 2, 2, 2, 2}

	// B -> A learns B's MAC on port pb.
	v.Ingress(pb, frame(macA, macB))
	// Now A -> B should unicast, since B's MAC is known.
	v.Ingress(pa, frame(macB, macA))

	if len(b.received) != 1 {
		t.Fatalf("expected exactly 1 frame delivered to b (unicast), got %d", len(b.received))
	}
	if len(c.received) != 1 {
		// c still receives the first (flooded, since A was unknown) frame only.
		t.Fatalf("expected c to receive exactly the first flooded frame, got %d", len(c.received))
	}
}

func TestVswitchBroadcastAlwaysFloods(t *testing.T) {
	v := NewVswitch()
	a := &recordPort{}
	b := &recordPort{}
	pa := v.AddPort(a)
	v.AddPort(b)

	src := [6]byte{1, 1, 1, 1, 1, 1}
	bcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// Learn src as known on some other port first.
	v.Ingress(1, frame(src, src))
	v.Ingress(pa, frame(bcast, src))

	if len(b.received) == 0 {
		t.Fatalf("broadcast destination must always flood")
	}
}
