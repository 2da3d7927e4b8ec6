package protocol

import "fmt"

// writeChunk is the largest payload a single WRTE carries during a
// normal (non-sideload) stream write.
const writeChunk = 64 * 1024

// Stream is a single open ADB stream: a pair of ids (local and remote)
// layered over the Connection's packet exchange. Only one Stream may be
// open on a Connection at a time; callers must Close it before opening
// another.
type Stream struct {
	conn     *Connection
	localID  uint32
	remoteID uint32
}

// RemoteID returns the device-assigned id this stream mirrors replies
// with.
func (s *Stream) RemoteID() uint32 { return s.remoteID }

// RecvRaw reads the next packet on the underlying connection without any
// stream-level interpretation. Used by callers (the sideload engine) that
// need to see every packet including ones this type would otherwise
// swallow.
func (s *Stream) RecvRaw() (Packet, error) {
	return s.conn.recvPacket()
}

// SendOkayMirror sends an OKAY with the triggering packet's arg0/arg1
// swapped, the reply pattern this dialect's device side expects: a host
// reply to a device packet echoes the device's ids back with arg0 and
// arg1 exchanged.
func (s *Stream) SendOkayMirror(pktArg0, pktArg1 uint32) error {
	return s.conn.sendPacket(Packet{Cmd: CmdOKAY, Arg0: pktArg1, Arg1: pktArg0})
}

// SendWrteMirror sends a WRTE with the triggering packet's arg0/arg1
// swapped and the given payload.
func (s *Stream) SendWrteMirror(pktArg0, pktArg1 uint32, payload []byte) error {
	return s.conn.sendPacket(Packet{Cmd: CmdWRTE, Arg0: pktArg1, Arg1: pktArg0, Payload: payload})
}

// ReadWriteOrClose waits for either a WRTE (acked and returned as a
// chunk) or a CLSE (reported as a nil chunk), ignoring keepalive OKAYs
// in between.
func (s *Stream) ReadWriteOrClose() ([]byte, error) {
	for {
		pkt, err := s.conn.recvPacket()
		if err != nil {
			return nil, err
		}
		switch pkt.Cmd {
		case CmdWRTE:
			if err := s.conn.sendPacket(Packet{Cmd: CmdOKAY, Arg0: s.localID, Arg1: pkt.Arg0}); err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		case CmdCLSE:
			return nil, nil
		case CmdOKAY:
			// keepalive, ignore
		}
	}
}

// Write sends data as a sequence of WRTE packets capped at writeChunk
// bytes, waiting for the device's OKAY after each and acking any
// interleaved device WRTE along the way.
func (s *Stream) Write(data []byte) error {
	for off := 0; off < len(data); {
		end := off + writeChunk
		if end > len(data) {
			end = len(data)
		}
		if err := s.conn.sendPacket(Packet{Cmd: CmdWRTE, Arg0: s.localID, Arg1: s.remoteID, Payload: data[off:end]}); err != nil {
			return err
		}
		for {
			pkt, err := s.conn.recvPacket()
			if err != nil {
				return err
			}
			switch pkt.Cmd {
			case CmdOKAY:
				goto acked
			case CmdWRTE:
				if err := s.conn.sendPacket(Packet{Cmd: CmdOKAY, Arg0: s.localID, Arg1: pkt.Arg0}); err != nil {
					return err
				}
			case CmdCLSE:
				return fmt.Errorf("protocol: write: %w", ErrStreamClosed)
			}
		}
	acked:
		off = end
	}
	return nil
}

// ReadToEnd accumulates WRTE payloads (acking each) until the device
// sends CLSE, which is mirrored back before returning.
func (s *Stream) ReadToEnd() ([]byte, error) {
	var out []byte
	for {
		pkt, err := s.conn.recvPacket()
		if err != nil {
			return nil, err
		}
		switch pkt.Cmd {
		case CmdWRTE:
			out = append(out, pkt.Payload...)
			if err := s.conn.sendPacket(Packet{Cmd: CmdOKAY, Arg0: s.localID, Arg1: pkt.Arg0}); err != nil {
				return nil, err
			}
		case CmdCLSE:
			if err := s.conn.sendPacket(Packet{Cmd: CmdCLSE, Arg0: s.localID, Arg1: pkt.Arg0}); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
}

// Close sends a CLSE for this stream's id pair.
func (s *Stream) Close() error {
	return s.conn.sendPacket(Packet{Cmd: CmdCLSE, Arg0: s.localID, Arg1: s.remoteID})
}
