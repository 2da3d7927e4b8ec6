package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openedStreamForTest(t *testing.T) (*Stream, *fakeTransport) {
	t.Helper()
	conn, ft := connectedForTest(t)
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdOKAY, Arg0: 5}))
	stream, err := conn.OpenService("sync:")
	require.NoError(t, err)
	ft.toDevice.Reset()
	return stream, ft
}

func TestStreamWriteWaitsForOkay(t *testing.T) {
	stream, ft := openedStreamForTest(t)
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdOKAY}))

	require.NoError(t, stream.Write([]byte("hello")))

	sent, err := ft.sentPackets()
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, CmdWRTE, sent[0].Cmd)
	assert.Equal(t, []byte("hello"), sent[0].Payload)
}

func TestStreamWriteSplitsIntoChunks(t *testing.T) {
	stream, ft := openedStreamForTest(t)
	data := make([]byte, writeChunk+10)
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdOKAY}))
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdOKAY}))

	require.NoError(t, stream.Write(data))

	sent, err := ft.sentPackets()
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Len(t, sent[0].Payload, writeChunk)
	assert.Len(t, sent[1].Payload, 10)
}

func TestStreamReadToEndMirrorsCloseAndAccumulates(t *testing.T) {
	stream, ft := openedStreamForTest(t)
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdWRTE, Arg0: 1, Payload: []byte("ab")}))
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdWRTE, Arg0: 1, Payload: []byte("cd")}))
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdCLSE, Arg0: 1}))

	out, err := stream.ReadToEnd()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), out)

	sent, err := ft.sentPackets()
	require.NoError(t, err)
	require.Len(t, sent, 3)
	assert.Equal(t, CmdOKAY, sent[0].Cmd)
	assert.Equal(t, CmdOKAY, sent[1].Cmd)
	assert.Equal(t, CmdCLSE, sent[2].Cmd)
}

func TestStreamSendWrteMirrorSwapsIDs(t *testing.T) {
	stream, ft := openedStreamForTest(t)
	require.NoError(t, stream.SendWrteMirror(10, 20, []byte("chunk")))

	sent, err := ft.sentPackets()
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(20), sent[0].Arg0)
	assert.Equal(t, uint32(10), sent[0].Arg1)
	assert.Equal(t, []byte("chunk"), sent[0].Payload)
}

func TestStreamClose(t *testing.T) {
	stream, ft := openedStreamForTest(t)
	require.NoError(t, stream.Close())

	sent, err := ft.sentPackets()
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, CmdCLSE, sent[0].Cmd)
}
