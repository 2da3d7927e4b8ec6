package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{Cmd: CmdWRTE, Arg0: 1, Arg1: 7, Payload: []byte("sideload::recovery")}
	buf, err := p.Encode()
	require.NoError(t, err)
	require.Len(t, buf, headerSize+len(p.Payload))

	cmd, arg0, arg1, n, err := DecodeHeader(buf[:headerSize])
	require.NoError(t, err)
	assert.Equal(t, CmdWRTE, cmd)
	assert.Equal(t, uint32(1), arg0)
	assert.Equal(t, uint32(7), arg1)
	assert.Equal(t, len(p.Payload), n)
	assert.Equal(t, p.Payload, buf[headerSize:])
}

func TestPacketEncodeRejectsOversizedPayload(t *testing.T) {
	p := Packet{Cmd: CmdWRTE, Payload: make([]byte, MaxPayload+1)}
	_, err := p.Encode()
	assert.Error(t, err)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	header := make([]byte, headerSize)
	header[0] = byte(CmdCNXN)
	header[21] = 0x00 // corrupt magic
	_, _, _, _, err := DecodeHeader(header)
	assert.Error(t, err)
}

func TestDecodeHeaderRejectsOversizedDeclaredLength(t *testing.T) {
	p := Packet{Cmd: CmdOKAY}
	buf, err := p.Encode()
	require.NoError(t, err)
	// overwrite the declared payload length field to something past MaxPayload
	buf[12], buf[13], buf[14], buf[15] = 0xFF, 0xFF, 0xFF, 0x7F
	_, _, _, _, err = DecodeHeader(buf)
	assert.Error(t, err)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "CNXN", CmdCNXN.String())
	assert.Equal(t, "WRTE", CmdWRTE.String())
}
