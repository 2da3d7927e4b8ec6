// Package mi layers the Mi Assistant text-query dialect and region
// profile transform over the protocol package.
package mi

import (
	"fmt"
	"time"

	"miassistant/internal/protocol"
)

// Info is the full set of device-identifying fields this dialect's
// get*: queries expose.
type Info struct {
	Device   string
	SN       string
	Version  string
	Codebase string
	Branch   string
	Language string
	Region   string
	RomZone  string
}

// Client wraps a protocol.Connection with the Mi Assistant query/command
// vocabulary.
type Client struct {
	conn *protocol.Connection
}

// NewClient wraps conn, which has already completed the CONNECT
// handshake, in a Client ready to query or command the device.
func NewClient(conn *protocol.Connection) *Client {
	return &Client{conn: conn}
}

// SimpleQuery issues one get*: query and returns its trimmed text reply.
func (c *Client) SimpleQuery(cmd string) (string, error) {
	text, err := c.conn.QueryText(cmd)
	if err != nil {
		return "", fmt.Errorf("mi: query %s: %w", cmd, err)
	}
	return text, nil
}

// SimpleCommand opens a service, drains its response stream, and closes
// it, discarding any payload — used for fire-and-forget commands like
// format-data and reboot.
func (c *Client) SimpleCommand(cmd string) error {
	stream, err := c.conn.OpenService(cmd)
	if err != nil {
		return fmt.Errorf("mi: command %s: %w", cmd, err)
	}
	_, err = stream.ReadToEnd()
	return err
}

// OpenService exposes the underlying connection's service-open for
// callers (the sideload engine) that need the raw stream.
func (c *Client) OpenService(name string) (*protocol.Stream, error) {
	return c.conn.OpenService(name)
}

// OpenSideload exposes the underlying connection's sideload-open.
func (c *Client) OpenSideload(name string) (*protocol.Stream, *protocol.Packet, error) {
	return c.conn.OpenSideload(name)
}

// SetTimeout bounds subsequent protocol I/O.
func (c *Client) SetTimeout(d time.Duration) {
	c.conn.SetTimeout(d)
}

// ReadAllInfo runs the eight get*: queries this dialect defines, in the
// order the vendor tool itself issues them.
func (c *Client) ReadAllInfo() (Info, error) {
	var info Info
	fields := []struct {
		cmd string
		dst *string
	}{
		{"getdevice:", &info.Device},
		{"getsn:", &info.SN},
		{"getversion:", &info.Version},
		{"getcodebase:", &info.Codebase},
		{"getbranch:", &info.Branch},
		{"getlanguage:", &info.Language},
		{"getregion:", &info.Region},
		{"getromzone:", &info.RomZone},
	}
	for _, f := range fields {
		text, err := c.SimpleQuery(f.cmd)
		if err != nil {
			return Info{}, err
		}
		*f.dst = text
	}
	return info, nil
}
