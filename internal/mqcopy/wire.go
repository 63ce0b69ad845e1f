package mqcopy

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/coproc/internal/errkind"
)

// Wire constants shared with the firmware.
const (
	// HeaderSize is the fixed message header length.
	HeaderSize = 16

	// MaxPayload is what remains of one ring buffer after the header.
	MaxPayload = 496

	// NSPort is the reserved name-service endpoint address.
	NSPort = 53

	// AddrAny asks Create to assign the lowest free dynamic address.
	AddrAny = 0xFFFFFFFF

	// MaxEndpoints bounds the per-side endpoint table.
	MaxEndpoints = 256

	// MaxReserved is the highest address handed out only on explicit
	// request; AddrAny assignment starts just above it.
	MaxReserved = 59

	// nsNameLen is the fixed name field length of a name-service record.
	nsNameLen = 32

	// NSRecordSize is the name-service record length on the wire.
	NSRecordSize = 40
)

// Name-service record flags.
const (
	nsCreate = 0
	nsDestroy = 1
)

// header is the 16-byte little-endian message header.
type header struct {
	Src      uint32
	Dst      uint32
	Reserved uint32
	Len      uint16
	Flags    uint16
}

func (h header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Src)
	binary.LittleEndian.PutUint32(buf[4:8], h.Dst)
	binary.LittleEndian.PutUint32(buf[8:12], h.Reserved)
	binary.LittleEndian.PutUint16(buf[12:14], h.Len)
	binary.LittleEndian.PutUint16(buf[14:16], h.Flags)
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("mqcopy: truncated header (%d bytes): %w",
			len(buf), errkind.ErrInvalidArg)
	}
	return header{
		Src:      binary.LittleEndian.Uint32(buf[0:4]),
		Dst:      binary.LittleEndian.Uint32(buf[4:8]),
		Reserved: binary.LittleEndian.Uint32(buf[8:12]),
		Len:      binary.LittleEndian.Uint16(buf[12:14]),
		Flags:    binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// nsRecord is one name-service announcement.
type nsRecord struct {
	Addr  uint32
	Flags uint32
	Name  string
}

func (r nsRecord) encode() []byte {
	buf := make([]byte, NSRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Addr)
	binary.LittleEndian.PutUint32(buf[4:8], r.Flags)
	copy(buf[8:8+nsNameLen], r.Name)
	return buf
}

func decodeNSRecord(buf []byte) (nsRecord, error) {
	if len(buf) < NSRecordSize {
		return nsRecord{}, fmt.Errorf("mqcopy: truncated name-service record (%d bytes): %w",
			len(buf), errkind.ErrInvalidArg)
	}
	name := buf[8 : 8+nsNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return nsRecord{
		Addr:  binary.LittleEndian.Uint32(buf[0:4]),
		Flags: binary.LittleEndian.Uint32(buf[4:8]),
		Name:  string(name),
	}, nil
}
