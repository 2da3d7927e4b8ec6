package protocol

import "strings"

// QueryText opens a short-lived service and reads its single text
// response. This dialect's query services reply with at most one WRTE
// of payload and never expect the host to ack anything during the
// exchange: OPEN, then (OKAY or WRTE), then optionally a second WRTE,
// then a CLSE the host silently discards.
func (c *Connection) QueryText(name string) (string, error) {
	if err := c.sendPacket(Packet{Cmd: CmdOPEN, Arg0: c.localID, Arg1: 0, Payload: serviceName(name)}); err != nil {
		return "", err
	}

	first, err := c.recvPacket()
	if err != nil {
		return "", err
	}

	var text string
	haveText := false
	if first.Cmd == CmdWRTE {
		text = string(first.Payload)
		haveText = true
	}

	if !haveText {
		second, err := c.recvPacket()
		if err != nil {
			return "", err
		}
		if second.Cmd == CmdWRTE {
			text = string(second.Payload)
		}
	}

	// Discard the closing CLSE; errors reading it are not fatal to the
	// query since the text has already been captured.
	_, _ = c.recvPacket()

	return strings.TrimRight(text, "\r\n"), nil
}
