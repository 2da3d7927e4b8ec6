// Package usb discovers and speaks to a device's Mi Assistant bulk USB
// interface, implementing protocol.Transport over github.com/google/gousb.
package usb

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"

	"miassistant/internal/protocol"
)

const (
	// interfaceClass, interfaceSubClass and interfaceProtocol identify
	// the vendor-specific bulk interface recoveries expose in Mi
	// Assistant / sideload mode.
	interfaceClass    = 0xff
	interfaceSubClass = 0x42
	interfaceProtocol = 0x01
)

// match is one candidate interface found during enumeration: enough to
// re-open it once a caller has picked an index.
type match struct {
	device    *gousb.Device
	configNum int
	ifaceNum  int
	altNum    int
	epIn      gousb.EndpointAddress
	epOut     gousb.EndpointAddress
}

// Transport is a claimed bulk interface on a device in Mi Assistant mode.
// It implements protocol.Transport.
type Transport struct {
	ctx     *gousb.Context
	device  *gousb.Device
	config  *gousb.Config
	iface   *gousb.Interface
	epIn    *gousb.InEndpoint
	epOut   *gousb.OutEndpoint
	timeout time.Duration
	debug   bool
}

var _ protocol.Transport = (*Transport)(nil)

// Open enumerates every USB device visible to the host, collects every
// interface alt-setting matching the vendor class/subclass/protocol
// triple with both a bulk IN and a bulk OUT endpoint, and claims the one
// at deviceIndex. Devices that don't match are closed again immediately.
func Open(deviceIndex int, debug bool) (*Transport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usb: listing devices: %w", err)
	}

	var matches []match
	keep := make(map[*gousb.Device]bool)
	for _, dev := range devs {
		found := findMatches(dev)
		if len(found) > 0 {
			matches = append(matches, found...)
			keep[dev] = true
		}
	}
	for _, dev := range devs {
		if !keep[dev] {
			dev.Close()
		}
	}

	if len(matches) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("usb: no Mi Assistant interface found (class 0x%02x subclass 0x%02x protocol 0x%02x)", interfaceClass, interfaceSubClass, interfaceProtocol)
	}
	if deviceIndex < 0 || deviceIndex >= len(matches) {
		ctx.Close()
		return nil, fmt.Errorf("usb: device index %d out of range (%d found)", deviceIndex, len(matches))
	}
	chosen := matches[deviceIndex]

	// Close every other matched device; only the chosen one stays open.
	// A device with several matching alt settings appears more than once,
	// so each device is closed at most once and the chosen one is skipped.
	closed := map[*gousb.Device]bool{chosen.device: true}
	for _, m := range matches {
		if !closed[m.device] {
			closed[m.device] = true
			m.device.Close()
		}
	}

	if err := chosen.device.SetAutoDetach(true); err != nil {
		log.Printf("usb: auto-detach kernel driver: %v (continuing)", err)
	}

	config, err := chosen.device.Config(chosen.configNum)
	if err != nil {
		chosen.device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: set config %d: %w", chosen.configNum, err)
	}

	iface, err := config.Interface(chosen.ifaceNum, chosen.altNum)
	if err != nil {
		config.Close()
		chosen.device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: claim interface %d: %w", chosen.ifaceNum, err)
	}

	epOut, err := iface.OutEndpoint(chosen.epOut.Number)
	if err != nil {
		iface.Close()
		config.Close()
		chosen.device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: open OUT endpoint: %w", err)
	}

	epIn, err := iface.InEndpoint(chosen.epIn.Number)
	if err != nil {
		iface.Close()
		config.Close()
		chosen.device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: open IN endpoint: %w", err)
	}

	log.Printf("usb: claimed interface %d (config %d, alt %d)", chosen.ifaceNum, chosen.configNum, chosen.altNum)

	return &Transport{
		ctx:     ctx,
		device:  chosen.device,
		config:  config,
		iface:   iface,
		epIn:    epIn,
		epOut:   epOut,
		timeout: protocol.DefaultTimeout,
		debug:   debug,
	}, nil
}

func findMatches(dev *gousb.Device) []match {
	var out []match
	for cfgNum, cfg := range dev.Desc.Configs {
		for ifaceNum, iface := range cfg.Interfaces {
			for altNum, alt := range iface.AltSettings {
				if byte(alt.Class) != interfaceClass || byte(alt.SubClass) != interfaceSubClass || byte(alt.Protocol) != interfaceProtocol {
					continue
				}
				var in, out_ *gousb.EndpointDesc
				for _, ep := range alt.Endpoints {
					ep := ep
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						in = &ep
					} else {
						out_ = &ep
					}
				}
				if in != nil && out_ != nil {
					out = append(out, match{
						device:    dev,
						configNum: cfgNum,
						ifaceNum:  ifaceNum,
						altNum:    altNum,
						epIn:      in.Address,
						epOut:     out_.Address,
					})
				}
			}
		}
	}
	return out
}

// Close tears the claimed interface, config, device and context down in
// order, mirroring how they were acquired.
func (t *Transport) Close() error {
	if t.iface != nil {
		t.iface.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

// SetTimeout bounds subsequent WriteAll/ReadExact calls.
func (t *Transport) SetTimeout(d time.Duration) {
	t.timeout = d
}

// WriteAll writes data to the bulk OUT endpoint, looping over short
// writes and failing on a zero-byte write (a stall or a dead endpoint).
func (t *Transport) WriteAll(data []byte) error {
	written := 0
	for written < len(data) {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		n, err := t.epOut.WriteContext(ctx, data[written:])
		cancel()
		if err != nil {
			return fmt.Errorf("usb: bulk write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("usb: bulk write returned 0 bytes (stall or timeout)")
		}
		if t.debug {
			log.Printf("usb out: %d bytes", n)
		}
		written += n
	}
	return nil
}

// ReadExact fills buf from the bulk IN endpoint, looping over short
// reads and failing on a zero-byte read.
func (t *Transport) ReadExact(buf []byte) error {
	read := 0
	for read < len(buf) {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		n, err := t.epIn.ReadContext(ctx, buf[read:])
		cancel()
		if err != nil {
			return fmt.Errorf("usb: bulk read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("usb: bulk read returned 0 bytes (stall or timeout)")
		}
		if t.debug {
			log.Printf("usb in: %d bytes", n)
		}
		read += n
	}
	return nil
}

// Count returns how many matching interfaces are visible without
// claiming any of them, for a `--list-devices`-style CLI flag.
func Count() (int, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool { return true })
	if err != nil {
		return 0, fmt.Errorf("usb: listing devices: %w", err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	total := 0
	for _, dev := range devs {
		total += len(findMatches(dev))
	}
	return total, nil
}
