// Package sideload drives the pull-based chunk-transfer state machine a
// device runs once its sideload-host service is open: the device asks
// for chunks by index, and the host serves them until the device
// reports a final status and closes the stream.
package sideload

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"miassistant/internal/protocol"
)

// MaxChunkSize bounds how large a single requested block may be; it
// matches the packet payload cap this dialect enforces everywhere.
const MaxChunkSize = 1 << 20

// failureKeywords are the case-insensitive substrings that promote a
// device's final status string to a reported error, matching the
// vendor tool's own conservative heuristic.
var failureKeywords = []string{"aborted", "failed", "failure", "error"}

// Opener is the subset of mi.Client the sideload engine needs: opening
// the sideload-host service and getting back its first pending packet.
type Opener interface {
	OpenSideload(name string) (*protocol.Stream, *protocol.Packet, error)
}

// Progress is called after every chunk is served with the total bytes
// sent so far; the CLI/UI layer uses it to drive a progress bar. It may
// be nil.
type Progress func(sent, total int64)

// Session pushes path to the device over client's sideload-host service.
// chunkSize must be within (0, MaxChunkSize]. validateToken is the
// sensitivity token from the validation exchange; allowWipe controls the
// final field of the sideload-host service name, which some cross-region
// flashes require set to request a data wipe.
func Session(client Opener, path string, chunkSize int, validateToken string, allowWipe bool, onProgress Progress) error {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return fmt.Errorf("sideload: invalid chunk size %d", chunkSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sideload: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("sideload: stat %s: %w", path, err)
	}
	total := fi.Size()

	wipe := 0
	if allowWipe {
		wipe = 1
	}
	serviceName := fmt.Sprintf("sideload-host:%d:%d:%s:%d", total, chunkSize, validateToken, wipe)

	stream, pending, err := client.OpenSideload(serviceName)
	if err != nil {
		return fmt.Errorf("sideload: opening sideload-host service: %w", err)
	}

	s := &session{
		stream:    stream,
		file:      f,
		total:     total,
		chunkSize: int64(chunkSize),
		onProg:    onProgress,
	}

	if pending != nil {
		if err := s.handlePending(*pending); err != nil {
			return err
		}
	}

	if err := s.loop(); err != nil {
		return err
	}

	// best effort: loop only returns nil after answering the device's
	// CLSE with one of its own; a second CLSE is sent here, followed by a
	// short pause before the caller's next protocol exchange.
	_ = stream.Close()
	time.Sleep(100 * time.Millisecond)

	if s.finalStatus != "" {
		lower := strings.ToLower(s.finalStatus)
		for _, kw := range failureKeywords {
			if strings.Contains(lower, kw) {
				return fmt.Errorf("sideload: device reported failure: %s", s.finalStatus)
			}
		}
	}
	if s.bytesSent < s.total {
		fmt.Fprintf(os.Stderr, "Warning: sent %d of %d bytes\n", s.bytesSent, s.total)
	}
	return nil
}

type session struct {
	stream      *protocol.Stream
	file        io.ReaderAt
	total       int64
	chunkSize   int64
	bytesSent   int64
	finalStatus string
	onProg      Progress
}

// handlePending processes the one packet OpenSideload already consumed
// before the caller had a stream to read from.
func (s *session) handlePending(pkt protocol.Packet) error {
	if pkt.Cmd == protocol.CmdWRTE {
		if idx, ok := parseIndex(pkt.Payload); ok {
			return s.sendBlock(idx, pkt.Arg0, pkt.Arg1)
		}
		return nil
	}
	if pkt.Cmd == protocol.CmdOKAY {
		return s.stream.SendOkayMirror(pkt.Arg0, pkt.Arg1)
	}
	return nil
}

// loop reads device requests until a CLSE arrives, serving WRTE-indexed
// chunk requests and recording the final status string a non-numeric
// WRTE carries.
func (s *session) loop() error {
	for {
		pkt, err := s.stream.RecvRaw()
		if err != nil {
			return fmt.Errorf("sideload: reading request: %w", err)
		}
		switch pkt.Cmd {
		case protocol.CmdOKAY:
			if err := s.stream.SendOkayMirror(pkt.Arg0, pkt.Arg1); err != nil {
				return err
			}
		case protocol.CmdWRTE:
			trimmed := strings.TrimSpace(string(pkt.Payload))
			if idx, ok := parseIndex([]byte(trimmed)); ok {
				if err := s.sendBlock(idx, pkt.Arg0, pkt.Arg1); err != nil {
					return err
				}
				continue
			}
			// Non-numeric payload: the device's final status message.
			s.finalStatus = trimmed
			if err := s.stream.SendOkayMirror(pkt.Arg0, pkt.Arg1); err != nil {
				return err
			}
			// keep looping: the device still sends CLSE after this.
		case protocol.CmdCLSE:
			return s.stream.Close()
		}
	}
}

func (s *session) sendBlock(index uint64, pktArg0, pktArg1 uint32) error {
	offset := int64(index) * s.chunkSize
	if offset >= s.total {
		return nil
	}
	toSend := s.chunkSize
	if remaining := s.total - offset; remaining < toSend {
		toSend = remaining
	}
	buf := make([]byte, toSend)
	if _, err := s.file.ReadAt(buf, offset); err != nil && err != io.EOF {
		return fmt.Errorf("sideload: reading chunk %d: %w", index, err)
	}
	if err := s.stream.SendWrteMirror(pktArg0, pktArg1, buf); err != nil {
		return err
	}
	if err := s.stream.SendOkayMirror(pktArg0, pktArg1); err != nil {
		return err
	}
	s.bytesSent = offset + toSend
	if s.onProg != nil {
		s.onProg(s.bytesSent, s.total)
	}
	return nil
}

func parseIndex(payload []byte) (uint64, bool) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return 0, false
	}
	idx, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}
