// Package virtqueue implements the host side of the split-ring transport
// shared with a remote core. The host plays the driver role: it owns the
// descriptor table, publishes buffers on the available ring, and reclaims
// them from the used ring once the remote is done. A Peer type drives the
// device role of the same ring, which is what the remote firmware does;
// tests and the model platform use it to stand in for the firmware.
package virtqueue

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/coproc/internal/errkind"
)

// Memory is the shared region the rings and buffers live in. Offsets are
// relative to the region base.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Ring geometry fixed by the wire contract with the firmware.
const (
	NumBufs    = 256
	BufSize    = 512
	VringAlign = 4096
)

// Descriptor flags.
const (
	descFlagNext  = 1
	descFlagWrite = 2
)

const descSize = 16

// VringBytes is the size of one vring with the fixed geometry above:
// descriptor table and available ring padded to VringAlign, then the
// used ring.
const VringBytes = ((descSize*NumBufs + 2*(3+NumBufs) + VringAlign - 1) &^ (VringAlign - 1)) +
	2*3 + 8*NumBufs

// VringSize returns the bytes one vring of num descriptors occupies with
// the given alignment: descriptor table and available ring, padding, then
// the used ring.
func VringSize(num int, align int) int {
	front := descSize*num + 2*(3+num)
	front = (front + align - 1) &^ (align - 1)
	return front + 2*3 + 8*num
}

// vringOffsets locates the three components of a vring at byte offset
// start within the shared region.
type vringOffsets struct {
	desc  int64
	avail int64
	used  int64
}

func offsetsAt(start int64, num, align int) vringOffsets {
	front := descSize*num + 2*(3+num)
	front = (front + align - 1) &^ (align - 1)
	return vringOffsets{
		desc:  start,
		avail: start + int64(descSize*num),
		used:  start + int64(front),
	}
}

// Ring is the driver side of one split ring.
type Ring struct {
	mem  Memory
	off  vringOffsets
	num  uint16
	kick func()

	availIdx uint16 // next available index to publish
	lastUsed uint16 // next used index to reclaim
	free     []uint16
	inflight int
}

// NewRing initializes the driver state for a vring at byte offset start
// of mem. kick notifies the remote after new buffers are published; it
// runs in the caller's context and must not block. All descriptors start
// free.
func NewRing(mem Memory, start int64, kick func()) *Ring {
	if kick == nil {
		kick = func() {}
	}
	r := &Ring{
		mem:  mem,
		off:  offsetsAt(start, NumBufs, VringAlign),
		num:  NumBufs,
		kick: kick,
	}
	for i := NumBufs - 1; i >= 0; i-- {
		r.free = append(r.free, uint16(i))
	}
	return r
}

// WriteDesc fills descriptor slot i. The buffer addresses never change
// after setup; only the length field is rewritten per message.
func (r *Ring) WriteDesc(i uint16, addr uint64, length uint32, deviceWrites bool) error {
	if i >= r.num {
		return fmt.Errorf("virtqueue: descriptor %d out of range: %w", i, errkind.ErrInvalidArg)
	}
	var buf [descSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	var flags uint16
	if deviceWrites {
		flags = descFlagWrite
	}
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], 0)
	return writeFull(r.mem, r.off.desc+int64(i)*descSize, buf[:])
}

// DescAddr reads back descriptor i's buffer address.
func (r *Ring) DescAddr(i uint16) (uint64, error) {
	var buf [8]byte
	if err := readFull(r.mem, r.off.desc+int64(i)*descSize, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Get claims a free descriptor, reclaiming completed buffers from the
// used ring first. It fails with ErrNoBuffer when every descriptor is
// inflight.
func (r *Ring) Get() (uint16, error) {
	if len(r.free) == 0 {
		if err := r.reclaim(nil); err != nil {
			return 0, err
		}
	}
	if len(r.free) == 0 {
		return 0, fmt.Errorf("virtqueue: all %d descriptors inflight: %w", r.num, errkind.ErrNoBuffer)
	}
	i := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	return i, nil
}

// Publish sets descriptor i's length and places it on the available
// ring. The remote sees nothing until Kick runs; batching several
// publishes under one kick keeps the mailbox traffic down.
func (r *Ring) Publish(i uint16, length uint32) error {
	if err := r.setDescLen(i, length); err != nil {
		return err
	}
	slot := r.off.avail + 4 + int64(r.availIdx%r.num)*2
	if err := writeU16(r.mem, slot, i); err != nil {
		return err
	}
	r.availIdx++
	if err := writeU16(r.mem, r.off.avail+2, r.availIdx); err != nil {
		return err
	}
	r.inflight++
	return nil
}

// Kick notifies the remote of published buffers.
func (r *Ring) Kick() { r.kick() }

func (r *Ring) setDescLen(i uint16, length uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], length)
	return writeFull(r.mem, r.off.desc+int64(i)*descSize+8, buf[:])
}

// Used is one completed buffer reclaimed from the used ring.
type Used struct {
	Desc   uint16
	Length uint32
}

// reclaim pops every new used entry. When visit is nil the descriptors
// go straight back to the free list; otherwise visit decides, returning
// true to keep the descriptor checked out.
func (r *Ring) reclaim(visit func(Used) bool) error {
	usedIdx, err := readU16(r.mem, r.off.used+2)
	if err != nil {
		return err
	}
	for r.lastUsed != usedIdx {
		slot := r.off.used + 4 + int64(r.lastUsed%r.num)*8
		var buf [8]byte
		if err := readFull(r.mem, slot, buf[:]); err != nil {
			return err
		}
		u := Used{
			Desc:   uint16(binary.LittleEndian.Uint32(buf[0:4])),
			Length: binary.LittleEndian.Uint32(buf[4:8]),
		}
		r.lastUsed++
		r.inflight--
		if visit != nil && visit(u) {
			continue
		}
		r.free = append(r.free, u.Desc)
	}
	return nil
}

// Drain hands every newly completed buffer to visit. A visit returning
// true keeps the descriptor checked out for the caller to republish.
func (r *Ring) Drain(visit func(Used) bool) error {
	return r.reclaim(visit)
}

// Inflight reports how many descriptors the remote currently holds.
func (r *Ring) Inflight() int { return r.inflight }

// UsedIdx reads the device-written used index, for tests asserting kick
// propagation.
func (r *Ring) UsedIdx() (uint16, error) {
	return readU16(r.mem, r.off.used+2)
}

// Shared-memory codec helpers.

func readFull(mem Memory, off int64, buf []byte) error {
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("virtqueue: read 0x%x+%d: %w", off, len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtqueue: short read at 0x%x (%d of %d)", off, n, len(buf))
	}
	return nil
}

func writeFull(mem Memory, off int64, buf []byte) error {
	n, err := mem.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("virtqueue: write 0x%x+%d: %w", off, len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtqueue: short write at 0x%x (%d of %d)", off, n, len(buf))
	}
	return nil
}

func readU16(mem Memory, off int64) (uint16, error) {
	var buf [2]byte
	if err := readFull(mem, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func writeU16(mem Memory, off int64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return writeFull(mem, off, buf[:])
}
