// Package flash orchestrates a full sideload run: opening the USB
// transport, reading device identity, running the region-profile and
// manual overrides, calling the validation server, and driving the
// sideload transfer — the sequence the vendor tool's own subcommands
// each assemble from the lower-level packages.
package flash

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"miassistant/internal/config"
	"miassistant/internal/download"
	"miassistant/internal/mi"
	"miassistant/internal/protocol"
	"miassistant/internal/sideload"
	"miassistant/internal/usb"
	"miassistant/internal/validate"
)

// sideloadTimeout gives the device more time between chunk requests
// than the default protocol timeout: some recoveries pause for longer
// than five seconds before their first WRTE.
const sideloadTimeout = 30 * time.Second

var (
	// ErrMissingToken is returned when a validation response has no
	// usable Validate token and none was supplied on the command line.
	ErrMissingToken = errors.New("flash: validation did not return a token")
	// ErrNoMirrorAvailable is returned when a LatestRom/PkgRom response
	// carries no mirror URL to download from.
	ErrNoMirrorAvailable = errors.New("flash: no mirror URL available")
	// ErrInvalidMD5 flags a malformed (non-32-hex-char) MD5 string.
	ErrInvalidMD5 = errors.New("flash: md5 must be 32 hex characters")
)

// Client bundles the open USB transport with the Mi Assistant protocol
// client layered over it, so callers have one handle to close.
type Client struct {
	transport *usb.Transport
	Mi        *mi.Client
}

// Open claims the deviceIndex-th matching USB interface and performs
// the Mi Assistant CONNECT handshake over it.
func Open(deviceIndex int, debugUSB bool) (*Client, error) {
	t, err := usb.Open(deviceIndex, debugUSB)
	if err != nil {
		return nil, fmt.Errorf("flash: opening USB interface: %w", err)
	}
	conn, err := protocol.Connect(t)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("flash: handshake: %w", err)
	}
	return &Client{transport: t, Mi: mi.NewClient(conn)}, nil
}

// Close releases the USB interface.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Overrides are the manual per-field replacements the command line can
// apply on top of whatever the device reports (and whatever a region
// profile already changed).
type Overrides struct {
	Device   *string
	Version  *string
	SN       *string
	Codebase *string
	Branch   *string
	RomZone  *string
}

// ApplyOverrides replaces any field in info that ov sets explicitly.
func ApplyOverrides(info mi.Info, ov Overrides) mi.Info {
	if ov.Device != nil {
		info.Device = *ov.Device
	}
	if ov.Version != nil {
		info.Version = *ov.Version
	}
	if ov.SN != nil {
		info.SN = *ov.SN
	}
	if ov.Codebase != nil {
		info.Codebase = *ov.Codebase
	}
	if ov.Branch != nil {
		info.Branch = *ov.Branch
	}
	if ov.RomZone != nil {
		info.RomZone = *ov.RomZone
	}
	return info
}

// ReadInfo fetches the device's eight identity fields.
func (c *Client) ReadInfo() (mi.Info, error) {
	return c.Mi.ReadAllInfo()
}

// FormatData wipes userdata and reboots, matching the vendor tool's
// format-data subcommand.
func (c *Client) FormatData() error {
	if err := c.Mi.SimpleCommand("format-data:"); err != nil {
		return fmt.Errorf("flash: format-data: %w", err)
	}
	if err := c.Mi.SimpleCommand("reboot:"); err != nil {
		return fmt.Errorf("flash: reboot: %w", err)
	}
	return nil
}

// Reboot leaves sideload mode.
func (c *Client) Reboot() error {
	if err := c.Mi.SimpleCommand("reboot:"); err != nil {
		return fmt.Errorf("flash: reboot: %w", err)
	}
	return nil
}

// ListAllowedRoms validates info against serverURL (no MD5 — this is a
// query, not a flash) and returns the decoded response for the caller
// to render.
func ListAllowedRoms(serverURL string, info mi.Info) (validate.Result, error) {
	reqJSON := validate.BuildRequestJSON(info, "")
	res, err := validate.Validate(serverURL, reqJSON)
	if err != nil {
		return validate.Result{}, fmt.Errorf("flash: validation request failed: %w", err)
	}
	return res, nil
}

// MD5File streams path through MD5, matching the vendor tool's own
// hashing of the ROM zip before validation.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("flash: opening %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("flash: reading %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isValidMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// ResolveMD5 picks the MD5 to validate and sideload with: an explicit
// CLI override wins, then a persisted state.State override, else the
// freshly computed hash of path.
func ResolveMD5(path string, cliOverride string, state config.State) (string, error) {
	switch {
	case cliOverride != "":
		if !isValidMD5(cliOverride) {
			return "", ErrInvalidMD5
		}
		return strings.ToLower(cliOverride), nil
	case state.OverrideMD5 != nil && *state.OverrideMD5 != "":
		if !isValidMD5(*state.OverrideMD5) {
			return "", ErrInvalidMD5
		}
		return strings.ToLower(*state.OverrideMD5), nil
	default:
		return MD5File(path)
	}
}

// FlashOptions configures a single sideload run.
type FlashOptions struct {
	Path          string
	ChunkSize     int
	ServerURL     string
	Info          mi.Info
	MD5           string // already resolved via ResolveMD5
	Token         string // manual token; when empty, Flash validates to obtain one
	AllowWipe     bool
	OnProgress    sideload.Progress
}

// FlashResult carries what the validation step returned, so the caller
// can render the server's allow-list/erase notice before committing to
// the sideload transfer.
type FlashResult struct {
	Validation validate.Result
	UsedToken  bool // true if the server was consulted for a token (false when Token was supplied manually)
}

// Flash validates opts.Info/MD5 against the server (unless a manual
// token was supplied), then drives the sideload transfer.
func (c *Client) Flash(opts FlashOptions) (FlashResult, error) {
	var result FlashResult

	token := opts.Token
	if token == "" {
		reqJSON := validate.BuildRequestJSON(opts.Info, opts.MD5)
		res, err := validate.Validate(opts.ServerURL, reqJSON)
		if err != nil {
			return result, fmt.Errorf("flash: validation request failed: %w", err)
		}
		result.Validation = res
		result.UsedToken = true
		if res.ValidateToken == "" {
			return result, ErrMissingToken
		}
		token = res.ValidateToken
	}

	c.Mi.SetTimeout(sideloadTimeout)
	if err := sideload.Session(c.Mi, opts.Path, opts.ChunkSize, token, opts.AllowWipe, opts.OnProgress); err != nil {
		return result, fmt.Errorf("flash: sideload failed: %w", err)
	}
	return result, nil
}

// DownloadLatest validates info (no MD5) to learn the server's
// recommended ROM, then downloads and verifies it into outDir.
func DownloadLatest(serverURL string, info mi.Info, outDir string, onProgress download.Progress) (string, error) {
	reqJSON := validate.BuildRequestJSON(info, "")
	res, err := validate.Validate(serverURL, reqJSON)
	if err != nil {
		return "", fmt.Errorf("flash: validation request failed: %w", err)
	}
	if res.FullJSON == "" {
		return "", fmt.Errorf("flash: validation response had no JSON body to parse LatestRom from")
	}
	latest, mirrors, err := download.ParseLatest(res.FullJSON)
	if err != nil {
		return "", fmt.Errorf("flash: parsing LatestRom: %w", err)
	}
	url, ok := download.ChooseURL(mirrors, latest.Filename)
	if !ok {
		return "", ErrNoMirrorAvailable
	}
	path, err := download.WithMD5(url, outDir, latest.MD5, onProgress)
	if err != nil {
		return "", fmt.Errorf("flash: downloading %s: %w", url, err)
	}
	return path, nil
}

// FlashFromLatest downloads the server-recommended ROM and immediately
// sideloads it, validating a second time with the downloaded file's MD5
// to obtain a token scoped to that exact build.
func (c *Client) FlashFromLatest(serverURL string, info mi.Info, outDir string, chunkSize int, onDownload download.Progress, onFlash sideload.Progress) (FlashResult, error) {
	var result FlashResult

	path, err := DownloadLatest(serverURL, info, outDir, onDownload)
	if err != nil {
		return result, err
	}

	md5sum, err := MD5File(path)
	if err != nil {
		return result, err
	}

	return c.Flash(FlashOptions{
		Path:       path,
		ChunkSize:  chunkSize,
		ServerURL:  serverURL,
		Info:       info,
		MD5:        md5sum,
		OnProgress: onFlash,
	})
}
