// Package hostguard keeps the platform's own adb server out of the way
// while a sideload session holds the USB interface: a real adb server
// racing our Transport for the same bulk endpoints reliably wins the
// race and breaks the handshake.
package hostguard

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const adbPort = 5037

// testDialPort lets the test suite redirect KillServer/IsRunning at an
// ephemeral loopback port instead of the real adb port 5037. BlockPort
// always binds adbPort; tests call blockPort with a port directly.
var testDialPort = adbPort

func connect(timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", testDialPort), timeout)
	if err != nil {
		return nil, fmt.Errorf("hostguard: connect 127.0.0.1:%d: %w", testDialPort, err)
	}
	conn.SetDeadline(time.Now().Add(timeout))
	return conn, nil
}

func sendRequest(conn net.Conn, req string) error {
	header := fmt.Sprintf("%04x", len(req))
	if _, err := conn.Write([]byte(header)); err != nil {
		return err
	}
	_, err := conn.Write([]byte(req))
	return err
}

func readStatus(conn net.Conn) (string, error) {
	var buf [4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return "", err
	}
	return string(buf[:]), nil
}

// KillServer sends "host:kill" to a local adb server, if one is
// listening on 127.0.0.1:5037. It is not an error for no server to be
// listening at all.
func KillServer(timeout time.Duration) error {
	conn, err := connect(timeout)
	if err != nil {
		return nil //nolint:nilerr // no server listening is the common case, not a failure
	}
	defer conn.Close()

	if err := sendRequest(conn, "host:kill"); err != nil {
		return fmt.Errorf("hostguard: sending host:kill: %w", err)
	}

	status, err := readStatus(conn)
	if err != nil {
		// Server may close the connection immediately on success.
		return nil
	}
	switch status {
	case "OKAY":
		return nil
	case "FAIL":
		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return nil
		}
		n, err := strconv.ParseUint(string(lenBuf[:]), 16, 32)
		if err != nil {
			return nil
		}
		msg := make([]byte, n)
		_, _ = io.ReadFull(conn, msg)
		return fmt.Errorf("hostguard: adb server FAIL: %s", msg)
	default:
		return nil
	}
}

// IsRunning probes 127.0.0.1:5037 with "host:version" and reports
// whether something speaking the adb host protocol answered.
func IsRunning(timeout time.Duration) bool {
	conn, err := connect(timeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	if err := sendRequest(conn, "host:version"); err != nil {
		return true
	}
	status, err := readStatus(conn)
	if err != nil {
		return true
	}
	return status == "OKAY" || status == "FAIL"
}

// KillProcesses terminates any running adb process by image name,
// using gopsutil so the lookup works the same on Linux, macOS and
// Windows rather than shelling out to taskkill. Best-effort: failures
// to signal an individual process are ignored, matching the host-kill
// request above which is also advisory.
func KillProcesses() {
	procs, err := process.Processes()
	if err != nil {
		return
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if strings.EqualFold(name, "adb") || strings.EqualFold(name, "adb.exe") {
			_ = p.Kill()
		}
	}
}

// BlockPort binds 127.0.0.1:5037 so a freshly (re)started adb server
// cannot rebind it out from under us for the lifetime of the session.
// The caller must keep the returned listener alive and Close it when
// done; a nil return means the port was already taken (or unbindable)
// and guarding is unavailable.
func BlockPort() net.Listener {
	return blockPort(adbPort)
}

func blockPort(port int) net.Listener {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil
	}
	return l
}
