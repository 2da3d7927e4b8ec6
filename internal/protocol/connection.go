package protocol

import (
	"fmt"
	"strings"
	"time"
)

// handshakeRetries is how many packets the host will read while waiting
// for a CNXN reply or a sideload banner, matching the tolerance loop the
// vendor's own recovery tool uses.
const handshakeRetries = 10

// settleDelay gives the device a moment after interface claim before the
// host sends its CONNECT banner, reducing handshake races observed on
// some platforms.
const settleDelay = 200 * time.Millisecond

// hostBanner is the CONNECT payload this dialect sends; the vendor's own
// tool uses "host::" rather than a real device/product/features banner.
var hostBanner = []byte("host::\x00")

// Connection is a single ADB session over a Transport: one CNXN handshake
// followed by any number of sequential streams. Only one stream may be
// open at a time (see Stream).
type Connection struct {
	t Transport
	// localID is always 1: some recoveries hard-code this and reject any
	// other value, so this dialect never allocates a different id.
	localID uint32
}

// Connect performs the settle delay and CNXN handshake over t, returning
// a ready-to-use Connection.
func Connect(t Transport) (*Connection, error) {
	c := &Connection{t: t, localID: 1}
	time.Sleep(settleDelay)
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetTimeout bounds all subsequent packet I/O.
func (c *Connection) SetTimeout(d time.Duration) {
	c.t.SetTimeout(d)
}

func (c *Connection) sendPacket(p Packet) error {
	buf, err := p.Encode()
	if err != nil {
		return err
	}
	if err := c.t.WriteAll(buf); err != nil {
		return fmt.Errorf("protocol: send %s: %w", p.Cmd, err)
	}
	return nil
}

func (c *Connection) recvPacket() (Packet, error) {
	header := make([]byte, headerSize)
	if err := c.t.ReadExact(header); err != nil {
		return Packet{}, fmt.Errorf("protocol: recv header: %w", err)
	}
	cmd, arg0, arg1, payloadLen, err := DecodeHeader(header)
	if err != nil {
		return Packet{}, err
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if err := c.t.ReadExact(payload); err != nil {
			return Packet{}, fmt.Errorf("protocol: recv %s payload: %w", cmd, err)
		}
	}
	return Packet{Cmd: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}, nil
}

// handshake sends the CONNECT banner and then accepts either a CNXN
// reply, or a WRTE whose payload starts with "sideload::" — some
// recoveries present a sideload banner instead of completing a normal
// CONNECT, and are acknowledged with an OKAY(1, arg0) in that case.
func (c *Connection) handshake() error {
	if err := c.sendPacket(Packet{Cmd: CmdCNXN, Arg0: 0x01000001, Arg1: 1024 * 1024, Payload: hostBanner}); err != nil {
		return err
	}
	for i := 0; i < handshakeRetries; i++ {
		reply, err := c.recvPacket()
		if err != nil {
			return fmt.Errorf("protocol: handshake: waiting for device reply: %w", err)
		}
		switch reply.Cmd {
		case CmdCNXN:
			return nil
		case CmdWRTE:
			if strings.HasPrefix(string(reply.Payload), "sideload::") {
				return c.sendPacket(Packet{Cmd: CmdOKAY, Arg0: 1, Arg1: reply.Arg0})
			}
		}
	}
	return ErrHandshakeFailed
}

// OpenService opens a named service and waits for the device's OKAY,
// acking any WRTE the device sends before that OKAY arrives.
func (c *Connection) OpenService(name string) (*Stream, error) {
	if err := c.sendPacket(Packet{Cmd: CmdOPEN, Arg0: c.localID, Arg1: 0, Payload: serviceName(name)}); err != nil {
		return nil, err
	}
	for {
		pkt, err := c.recvPacket()
		if err != nil {
			return nil, err
		}
		switch pkt.Cmd {
		case CmdOKAY:
			return &Stream{conn: c, localID: c.localID, remoteID: pkt.Arg0}, nil
		case CmdCLSE:
			return nil, fmt.Errorf("protocol: open %q: %w", name, ErrStreamClosed)
		case CmdWRTE:
			if err := c.sendPacket(Packet{Cmd: CmdOKAY, Arg0: c.localID, Arg1: pkt.Arg0}); err != nil {
				return nil, err
			}
		}
	}
}

// OpenSideload opens the sideload-host service without consuming the
// first request the device sends. It returns the stream and that first
// pending packet (an initial WRTE chunk request, or a bare OKAY), since
// the sideload engine needs to see it to learn the device's first
// requested chunk index.
func (c *Connection) OpenSideload(name string) (*Stream, *Packet, error) {
	if err := c.sendPacket(Packet{Cmd: CmdOPEN, Arg0: c.localID, Arg1: 0, Payload: serviceName(name)}); err != nil {
		return nil, nil, err
	}
	var remoteID uint32
	haveRemoteID := false
	for {
		pkt, err := c.recvPacket()
		if err != nil {
			return nil, nil, err
		}
		switch pkt.Cmd {
		case CmdOKAY:
			remoteID = pkt.Arg0
			haveRemoteID = true
			// Keep reading for the first WRTE; this dialect does not ack here.
		case CmdWRTE:
			if !haveRemoteID {
				remoteID = pkt.Arg0
			}
			stream := &Stream{conn: c, localID: c.localID, remoteID: remoteID}
			pending := pkt
			return stream, &pending, nil
		case CmdCLSE:
			return nil, nil, fmt.Errorf("protocol: open sideload %q: %w", name, ErrStreamClosed)
		}
	}
}

func serviceName(name string) []byte {
	b := []byte(name)
	if len(b) == 0 || b[len(b)-1] != 0 {
		b = append(b, 0)
	}
	return b
}
