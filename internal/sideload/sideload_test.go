package sideload

import (
	"bytes"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miassistant/internal/protocol"
)

// fakeTransport simulates a device's side of the wire: WriteAll appends
// to an outbox the test can inspect, and ReadExact drains a queue the
// test fills in advance.
type fakeTransport struct {
	out bytes.Buffer
	in  bytes.Buffer
}

func (f *fakeTransport) WriteAll(data []byte) error {
	f.out.Write(data)
	return nil
}

func (f *fakeTransport) ReadExact(buf []byte) error {
	n, err := f.in.Read(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read")
	}
	return nil
}

func (f *fakeTransport) SetTimeout(time.Duration) {}

func (f *fakeTransport) queue(p protocol.Packet) {
	buf, err := p.Encode()
	if err != nil {
		panic(err)
	}
	f.in.Write(buf)
}

func connectedConn(t *testing.T) (*protocol.Connection, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	ft.queue(protocol.Packet{Cmd: protocol.CmdCNXN})
	conn, err := protocol.Connect(ft)
	require.NoError(t, err)
	ft.out.Reset()
	return conn, ft
}

func tempFile(t *testing.T, content []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "rom-*.zip")
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

// TestSessionHappyPath covers S1: the device requests two chunks by
// index and then closes with a success status, and every byte is
// delivered.
func TestSessionHappyPath(t *testing.T) {
	conn, ft := connectedConn(t)
	path := tempFile(t, bytes.Repeat([]byte{0xAB}, 150))

	ft.queue(protocol.Packet{Cmd: protocol.CmdOKAY, Arg0: 3}) // open_sideload remote id
	ft.queue(protocol.Packet{Cmd: protocol.CmdWRTE, Arg0: 3, Arg1: 1, Payload: []byte("0")})
	ft.queue(protocol.Packet{Cmd: protocol.CmdWRTE, Arg0: 3, Arg1: 1, Payload: []byte("1")})
	ft.queue(protocol.Packet{Cmd: protocol.CmdWRTE, Arg0: 3, Arg1: 1, Payload: []byte("success")})
	ft.queue(protocol.Packet{Cmd: protocol.CmdCLSE, Arg0: 3, Arg1: 1})

	var lastSent, lastTotal int64
	err := Session(conn, path, 100, "tok123", false, func(sent, total int64) {
		lastSent, lastTotal = sent, total
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), lastSent)
	assert.Equal(t, int64(150), lastTotal)

	sent, err := decodeSent(ft)
	require.NoError(t, err)
	var wrteCount int
	for _, p := range sent {
		if p.Cmd == protocol.CmdWRTE {
			wrteCount++
		}
	}
	assert.Equal(t, 2, wrteCount, "expected one WRTE per requested chunk")
}

// TestSessionReportsFailureStatus covers S2: a non-numeric final status
// containing a failure keyword becomes a returned error even though the
// stream closed cleanly.
func TestSessionReportsFailureStatus(t *testing.T) {
	conn, ft := connectedConn(t)
	path := tempFile(t, []byte("small file"))

	ft.queue(protocol.Packet{Cmd: protocol.CmdWRTE, Arg0: 9, Arg1: 1, Payload: []byte("0")})
	ft.queue(protocol.Packet{Cmd: protocol.CmdWRTE, Arg0: 9, Arg1: 1, Payload: []byte("installation failed")})
	ft.queue(protocol.Packet{Cmd: protocol.CmdCLSE, Arg0: 9, Arg1: 1})

	err := Session(conn, path, 64, "tok", false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "installation failed")
}

func TestSessionRejectsInvalidChunkSize(t *testing.T) {
	conn, _ := connectedConn(t)
	path := tempFile(t, []byte("x"))
	err := Session(conn, path, 0, "tok", false, nil)
	assert.Error(t, err)
}

func decodeSent(ft *fakeTransport) ([]protocol.Packet, error) {
	data := ft.out.Bytes()
	var out []protocol.Packet
	for len(data) > 0 {
		cmd, arg0, arg1, n, err := protocol.DecodeHeader(data[:24])
		if err != nil {
			return nil, err
		}
		data = data[24:]
		payload := data[:n]
		data = data[n:]
		out = append(out, protocol.Packet{Cmd: cmd, Arg0: arg0, Arg1: arg1, Payload: payload})
	}
	return out, nil
}
