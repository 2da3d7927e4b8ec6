package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestQueryTextWrteThenClose covers S4: a query service that answers
// with a single WRTE then a CLSE, and the host sends no acks at all
// during the exchange.
func TestQueryTextWrteThenClose(t *testing.T) {
	conn, ft := connectedForTest(t)
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdWRTE, Payload: []byte("MIUIV12.5\r\n")}))
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdCLSE}))

	text, err := conn.QueryText("getversion:")
	require.NoError(t, err)
	assert.Equal(t, "MIUIV12.5", text)

	sent, err := ft.sentPackets()
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, CmdOPEN, sent[0].Cmd)
}

func TestQueryTextOkayThenWrteThenClose(t *testing.T) {
	conn, ft := connectedForTest(t)
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdOKAY}))
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdWRTE, Payload: []byte("cancro\n")}))
	require.NoError(t, ft.queuePacket(Packet{Cmd: CmdCLSE}))

	text, err := conn.QueryText("getcodebase:")
	require.NoError(t, err)
	assert.Equal(t, "cancro", text)
}
