package virtio

import (
	"encoding/binary"
	"fmt"
)

// Split-virtqueue wire layout (virtio-v1.1 §2.7). Guest memory is the
// identity-mapped slice handed in by stage2/hv — descriptors reference
// it directly by IPA offset, exactly as a real device would walk
// physical memory.
const (
	descSize = 16
	availHdr = 4 // flags + idx
	usedHdr  = 4
	usedElemSize = 8
)

const (
	vringDescFNext  = 1
	vringDescFWrite = 2
)

type vdesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func readDesc(mem []byte, descTable uint64, idx uint16) (vdesc, error) {
	off := descTable + uint64(idx)*descSize
	if off+descSize > uint64(len(mem)) {
		return vdesc{}, fmt.Errorf("virtio: descriptor %d out of guest memory bounds", idx)
	}
	b := mem[off : off+descSize]
	return vdesc{
		addr:  binary.LittleEndian.Uint64(b[0:8]),
		len:   binary.LittleEndian.Uint32(b[8:12]),
		flags: binary.LittleEndian.Uint16(b[12:14]),
		next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

func availIdx(mem []byte, q *QueueState) uint16 {
	return binary.LittleEndian.Uint16(mem[q.DriverAddr+2 : q.DriverAddr+4])
}

func availRing(mem []byte, q *QueueState, i uint16) uint16 {
	off := q.DriverAddr + availHdr + uint64(i)*2
	return binary.LittleEndian.Uint16(mem[off : off+2])
}

func usedIdx(mem []byte, q *QueueState) uint16 {
	return binary.LittleEndian.Uint16(mem[q.DeviceAddr+2 : q.DeviceAddr+4])
}

func setUsedIdx(mem []byte, q *QueueState, v uint16) {
	binary.LittleEndian.PutUint16(mem[q.DeviceAddr+2:q.DeviceAddr+4], v)
}

func postUsed(mem []byte, q *QueueState, descIdx uint16, writtenLen uint32) {
	idx := usedIdx(mem, q)
	off := q.DeviceAddr + usedHdr + uint64(idx%uint16(q.Num))*usedElemSize
	binary.LittleEndian.PutUint32(mem[off:off+4], uint32(descIdx))
	binary.LittleEndian.PutUint32(mem[off+4:off+8], writtenLen)
	setUsedIdx(mem, q, idx+1)
}

// chain walks a descriptor chain starting at head, returning its
// buffers in order. Used by both Blk and Net to separate the
// driver-to-device and device-to-driver buffers in a request.
func chain(mem []byte, q *QueueState, head uint16) ([]vdesc, error) {
	var out []vdesc
	idx := head
	for {
		d, err := readDesc(mem, q.DescAddr, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		if d.flags&vringDescFNext == 0 {
			break
		}
		idx = d.next
		if len(out) > int(q.Num)+1 {
			return nil, fmt.Errorf("virtio: descriptor chain exceeds queue size, possible guest bug or malicious loop")
		}
	}
	return out, nil
}

// availCursor tracks how far each queue has been drained; stored
// alongside the backend instance rather than in QueueState since it is
// purely a processing cursor, not guest-visible state.
type availCursor struct {
	seen uint16
}

// pending returns the avail-ring head indices not yet processed.
func (c *availCursor) pending(mem []byte, q *QueueState) []uint16 {
	newIdx := availIdx(mem, q)
	var heads []uint16
	for c.seen != newIdx {
		heads = append(heads, availRing(mem, q, c.seen%uint16(q.Num)))
		c.seen++
	}
	return heads
}
