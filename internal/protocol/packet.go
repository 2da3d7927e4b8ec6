// Package protocol implements the vendor subset of the ADB wire protocol
// used by devices in Mi Assistant / sideload mode: packet framing, the
// CNXN handshake, stream multiplexing, and the text-query dialect.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxPayload is the largest payload a single packet may carry.
const MaxPayload = 1 << 20 // 1 MiB

// Command identifiers, each built from four ASCII bytes little-endian.
const (
	CmdCNXN = Command(0x4e584e43) // "CNXN"
	CmdOPEN = Command(0x4e45504f) // "OPEN"
	CmdOKAY = Command(0x59414b4f) // "OKAY"
	CmdCLSE = Command(0x45534c43) // "CLSE"
	CmdWRTE = Command(0x45545257) // "WRTE"
)

// Command is one of the five wire commands this dialect uses.
type Command uint32

func (c Command) String() string {
	b := []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
	return string(b)
}

func adbCmd(a, b, c, d byte) Command {
	return Command(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

func init() {
	// Sanity-check the constants against the byte-builder at package init,
	// the way the constants were derived from the wire spec in the first place.
	if CmdCNXN != adbCmd('C', 'N', 'X', 'N') ||
		CmdOPEN != adbCmd('O', 'P', 'E', 'N') ||
		CmdOKAY != adbCmd('O', 'K', 'A', 'Y') ||
		CmdCLSE != adbCmd('C', 'L', 'S', 'E') ||
		CmdWRTE != adbCmd('W', 'R', 'T', 'E') {
		panic("protocol: command constant mismatch")
	}
}

// headerSize is the fixed 24-byte ADB packet header: five uint32 fields
// plus a checksum, in little-endian byte order.
const headerSize = 24

// Packet is a single ADB wire packet: a 24-byte header plus an optional
// payload of at most MaxPayload bytes.
type Packet struct {
	Cmd     Command
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// magic is cmd XOR 0xFFFFFFFF, the integrity check this dialect uses in
// place of a real payload checksum (which this vendor always sets to 0).
func magic(cmd Command) uint32 {
	return uint32(cmd) ^ 0xFFFFFFFF
}

// Encode serializes p into its 24-byte header followed by its payload.
func (p Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("protocol: encode packet: payload %d bytes exceeds max %d", len(p.Payload), MaxPayload)
	}
	buf := make([]byte, headerSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], p.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], p.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.Payload)))
	binary.LittleEndian.PutUint32(buf[16:20], 0) // checksum: unused by this dialect
	binary.LittleEndian.PutUint32(buf[20:24], magic(p.Cmd))
	copy(buf[headerSize:], p.Payload)
	return buf, nil
}

// DecodeHeader parses a 24-byte header and returns the command, args, and
// declared payload length. It validates the magic field but does not read
// the payload itself — callers read exactly payloadLen bytes next.
func DecodeHeader(header []byte) (cmd Command, arg0, arg1 uint32, payloadLen int, err error) {
	if len(header) != headerSize {
		return 0, 0, 0, 0, fmt.Errorf("protocol: decode header: need %d bytes, got %d", headerSize, len(header))
	}
	cmd = Command(binary.LittleEndian.Uint32(header[0:4]))
	arg0 = binary.LittleEndian.Uint32(header[4:8])
	arg1 = binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])
	gotMagic := binary.LittleEndian.Uint32(header[20:24])
	if gotMagic != magic(cmd) {
		return 0, 0, 0, 0, fmt.Errorf("protocol: decode header: bad magic for cmd %s: got %#x want %#x", cmd, gotMagic, magic(cmd))
	}
	if length > MaxPayload {
		return 0, 0, 0, 0, fmt.Errorf("protocol: decode header: declared payload %d exceeds max %d", length, MaxPayload)
	}
	return cmd, arg0, arg1, int(length), nil
}
