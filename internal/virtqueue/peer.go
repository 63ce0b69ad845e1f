package virtqueue

import (
	"encoding/binary"
	"fmt"
)

// Peer drives the device role of a ring: it consumes available buffers
// and completes them on the used ring, which is exactly what the remote
// firmware does. The model platform and the package tests use it to act
// as the firmware.
type Peer struct {
	mem Memory
	off vringOffsets
	num uint16

	lastAvail uint16
	usedIdx   uint16
}

// NewPeer attaches to the device side of the vring at byte offset start.
func NewPeer(mem Memory, start int64) *Peer {
	return &Peer{
		mem: mem,
		off: offsetsAt(start, NumBufs, VringAlign),
		num: NumBufs,
	}
}

// Next pops the oldest unconsumed available descriptor. ok is false when
// the driver has published nothing new.
func (p *Peer) Next() (desc uint16, ok bool, err error) {
	availIdx, err := readU16(p.mem, p.off.avail+2)
	if err != nil {
		return 0, false, err
	}
	if p.lastAvail == availIdx {
		return 0, false, nil
	}
	slot := p.off.avail + 4 + int64(p.lastAvail%p.num)*2
	desc, err = readU16(p.mem, slot)
	if err != nil {
		return 0, false, err
	}
	p.lastAvail++
	return desc, true, nil
}

// Desc reads descriptor i's address and length.
func (p *Peer) Desc(i uint16) (addr uint64, length uint32, err error) {
	if i >= p.num {
		return 0, 0, fmt.Errorf("virtqueue: peer descriptor %d out of range", i)
	}
	var buf [descSize]byte
	if err := readFull(p.mem, p.off.desc+int64(i)*descSize, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint32(buf[8:12]), nil
}

// Complete places descriptor i on the used ring with the number of bytes
// the device wrote (zero for a consumed outbound buffer).
func (p *Peer) Complete(i uint16, written uint32) error {
	slot := p.off.used + 4 + int64(p.usedIdx%p.num)*8
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(i))
	binary.LittleEndian.PutUint32(buf[4:8], written)
	if err := writeFull(p.mem, slot, buf[:]); err != nil {
		return err
	}
	p.usedIdx++
	return writeU16(p.mem, p.off.used+2, p.usedIdx)
}
