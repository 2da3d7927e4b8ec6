package protocol

import (
	"bytes"
	"fmt"
	"time"
)

// fakeTransport is an in-process simulated device: writes from the host
// land in toDevice, and reads drain fromDevice, which a test script
// populates ahead of time. It implements Transport without touching real
// USB hardware, the way the E2E scenarios are meant to be exercised.
type fakeTransport struct {
	toDevice   bytes.Buffer
	fromDevice bytes.Buffer
}

func (f *fakeTransport) WriteAll(data []byte) error {
	f.toDevice.Write(data)
	return nil
}

func (f *fakeTransport) ReadExact(buf []byte) error {
	n, err := f.fromDevice.Read(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("fakeTransport: short read: got %d want %d", n, len(buf))
	}
	return nil
}

func (f *fakeTransport) SetTimeout(time.Duration) {}

// queuePacket appends an encoded packet to the simulated device's reply
// queue, ready to be read by the next ReadExact calls.
func (f *fakeTransport) queuePacket(p Packet) error {
	buf, err := p.Encode()
	if err != nil {
		return err
	}
	f.fromDevice.Write(buf)
	return nil
}

// sentPackets decodes every host packet written so far (header plus
// payload) without consuming them, for assertions on what the host sent.
func (f *fakeTransport) sentPackets() ([]Packet, error) {
	data := f.toDevice.Bytes()
	var out []Packet
	for len(data) > 0 {
		if len(data) < headerSize {
			return nil, fmt.Errorf("fakeTransport: trailing %d bytes, short of a header", len(data))
		}
		cmd, arg0, arg1, n, err := DecodeHeader(data[:headerSize])
		if err != nil {
			return nil, err
		}
		data = data[headerSize:]
		payload := data[:n]
		data = data[n:]
		out = append(out, Packet{Cmd: cmd, Arg0: arg0, Arg1: arg1, Payload: payload})
	}
	return out, nil
}
