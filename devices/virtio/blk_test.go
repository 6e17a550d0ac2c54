package virtio

import (
	"encoding/binary"
	"os"
	"testing"
)

// writeDesc writes descriptor idx in the table at descTable.
func writeDesc(mem []byte, descTable uint64, idx uint16, d vdesc) {
	off := descTable + uint64(idx)*descSize
	binary.LittleEndian.PutUint64(mem[off:off+8], d.addr)
	binary.LittleEndian.PutUint32(mem[off+8:off+12], d.len)
	binary.LittleEndian.PutUint16(mem[off+12:off+14], d.flags)
	binary.LittleEndian.PutUint16(mem[off+14:off+16], d.next)
}

func pushAvail(mem []byte, q *QueueState, head uint16) {
	idx := availIdx(mem, q)
	off := q.DriverAddr + availHdr + uint64(idx%uint16(q.Num))*2
	binary.LittleEndian.PutUint16(mem[off:off+2], head)
	binary.LittleEndian.PutUint16(mem[q.DriverAddr+2:q.DriverAddr+4], idx+1)
}

// newTestQueue lays out a descriptor table, avail ring, and used ring at
// fixed, non-overlapping offsets inside mem, followed by a scratch data
// region, mirroring how a guest driver lays out a negotiated virtqueue.
func newTestQueue(num uint32) (mem []byte, q *QueueState) {
	mem = make([]byte, 1<<16)
	const (
		descTable  = 0x1000
		availRingOff = 0x2000
		usedRingOff  = 0x3000
	)
	q = &QueueState{
		Num:        num,
		Ready:      true,
		DescAddr:   descTable,
		DriverAddr: availRingOff,
		DeviceAddr: usedRingOff,
	}
	return mem, q
}

func TestBlkReadRequestRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blk")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	payload := make([]byte, sectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatal(err)
	}

	blk, err := NewBlk(f.Name())
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	defer blk.Close()

	mem, q := newTestQueue(8)
	const hdrAddr = 0x4000
	const dataAddr = 0x5000
	const statusAddr = 0x6000

	binary.LittleEndian.PutUint32(mem[hdrAddr:hdrAddr+4], blkTIn)
	binary.LittleEndian.PutUint64(mem[hdrAddr+8:hdrAddr+16], 0) // sector 0

	writeDesc(mem, q.DescAddr, 0, vdesc{addr: hdrAddr, len: blkReqHdrSize, flags: vringDescFNext, next: 1})
	writeDesc(mem, q.DescAddr, 1, vdesc{addr: dataAddr, len: sectorSize, flags: vringDescFNext | vringDescFWrite, next: 2})
	writeDesc(mem, q.DescAddr, 2, vdesc{addr: statusAddr, len: blkStatusSize, flags: vringDescFWrite})
	pushAvail(mem, q, 0)

	posted, err := blk.ProcessQueue(0, q, mem)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if !posted {
		t.Fatalf("expected ProcessQueue to report a posted completion")
	}
	if mem[statusAddr] != blkStatusOK {
		t.Fatalf("status byte = %d, want blkStatusOK", mem[statusAddr])
	}
	for i := 0; i < sectorSize; i++ {
		if mem[dataAddr+uint64(i)] != payload[i] {
			t.Fatalf("data mismatch at byte %d: got %d want %d", i, mem[dataAddr+uint64(i)], payload[i])
		}
	}
	if usedIdx(mem, q) != 1 {
		t.Fatalf("used ring idx = %d, want 1", usedIdx(mem, q))
	}
}

func TestBlkWriteRequestPersists(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blk")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(sectorSize * 2); err != nil {
		t.Fatal(err)
	}

	blk, err := NewBlk(f.Name())
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	defer blk.Close()

	mem, q := newTestQueue(8)
	const hdrAddr = 0x4000
	const dataAddr = 0x5000
	const statusAddr = 0x6000

	binary.LittleEndian.PutUint32(mem[hdrAddr:hdrAddr+4], blkTOut)
	binary.LittleEndian.PutUint64(mem[hdrAddr+8:hdrAddr+16], 1) // sector 1

	for i := 0; i < sectorSize; i++ {
		mem[dataAddr+uint64(i)] = byte(0xAA)
	}

	writeDesc(mem, q.DescAddr, 0, vdesc{addr: hdrAddr, len: blkReqHdrSize, flags: vringDescFNext, next: 1})
	writeDesc(mem, q.DescAddr, 1, vdesc{addr: dataAddr, len: sectorSize, flags: vringDescFNext, next: 2})
	writeDesc(mem, q.DescAddr, 2, vdesc{addr: statusAddr, len: blkStatusSize, flags: vringDescFWrite})
	pushAvail(mem, q, 0)

	if _, err := blk.ProcessQueue(0, q, mem); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if mem[statusAddr] != blkStatusOK {
		t.Fatalf("status byte = %d, want blkStatusOK", mem[statusAddr])
	}

	readBack := make([]byte, sectorSize)
	n, err := f.ReadAt(readBack, sectorSize)
	if err != nil || n != sectorSize {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	for i, b := range readBack {
		if b != 0xAA {
			t.Fatalf("byte %d on disk = %d, want 0xAA", i, b)
		}
	}
}

func TestBlkConfigReportsCapacityInSectors(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blk")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(sectorSize * 10); err != nil {
		t.Fatal(err)
	}

	blk, err := NewBlk(f.Name())
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	defer blk.Close()

	v, err := blk.ConfigRead(0, 8)
	if err != nil {
		t.Fatalf("ConfigRead: %v", err)
	}
	if v != 10 {
		t.Fatalf("capacity = %d sectors, want 10", v)
	}

	if err := blk.ConfigWrite(0, 8, 5); err == nil {
		t.Fatalf("expected ConfigWrite to be rejected as read-only")
	}
}

func TestBlkUnsupportedRequestTypeReturnsStatus(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blk")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(sectorSize); err != nil {
		t.Fatal(err)
	}

	blk, err := NewBlk(f.Name())
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	defer blk.Close()

	mem, q := newTestQueue(8)
	const hdrAddr = 0x4000
	const statusAddr = 0x6000

	binary.LittleEndian.PutUint32(mem[hdrAddr:hdrAddr+4], 99) // unknown request type
	binary.LittleEndian.PutUint64(mem[hdrAddr+8:hdrAddr+16], 0)

	writeDesc(mem, q.DescAddr, 0, vdesc{addr: hdrAddr, len: blkReqHdrSize, flags: vringDescFNext, next: 1})
	writeDesc(mem, q.DescAddr, 1, vdesc{addr: statusAddr, len: blkStatusSize, flags: vringDescFWrite})
	pushAvail(mem, q, 0)

	if _, err := blk.ProcessQueue(0, q, mem); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if mem[statusAddr] != blkStatusUnsupp {
		t.Fatalf("status byte = %d, want blkStatusUnsupp", mem[statusAddr])
	}
}
