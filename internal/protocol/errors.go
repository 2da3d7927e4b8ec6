package protocol

import "errors"

// ErrStreamClosed is returned when the device closes a stream (CLSE)
// while the host was expecting further progress.
var ErrStreamClosed = errors.New("protocol: stream closed by device")

// ErrHandshakeFailed is returned when ten device packets pass without the
// device producing either a CNXN or a "sideload::" WRTE banner.
var ErrHandshakeFailed = errors.New("protocol: handshake: no CNXN or sideload banner within retry budget")
