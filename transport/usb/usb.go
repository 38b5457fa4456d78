// Package usb implements the transport.Transport interface over a raw USB
// bulk pipe using CCID framing, the way the host-side driver is required to
// speak CCID itself rather than delegate to a PC/SC resource manager.
package usb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gousb"

	"cktap/ccid"
	"cktap/cktaperr"
	"cktap/transport"
)

// DefaultTimeout bounds every bulk transfer.
const DefaultTimeout = 5 * time.Second

// Device is a CCID-class USB device accessed over its bulk in/out
// endpoints. It claims its interface on Open and must be closed by the
// caller.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
	seq    transport.Sequencer
	slot   byte
	log    *slog.Logger
	closed bool
}

// Open claims the CCID interface on an already-located device and builds a
// Device around its bulk endpoints. interfaceNum is the interface whose
// class descriptor advertises USB_CLASS_SMART_CARD.
func Open(ctx *gousb.Context, dev *gousb.Device, interfaceNum int, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return nil, &cktaperr.UsbError{Op: "active config", Err: err}
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, &cktaperr.UsbError{Op: "claim config", Err: err}
	}
	intf, err := cfg.Interface(interfaceNum, 0)
	if err != nil {
		cfg.Close()
		return nil, &cktaperr.UsbError{Op: "claim interface", Err: err}
	}

	var outEp *gousb.OutEndpoint
	var inEp *gousb.InEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut {
			e, err := intf.OutEndpoint(ep.Number)
			if err == nil {
				outEp = e
			}
		} else {
			e, err := intf.InEndpoint(ep.Number)
			if err == nil {
				inEp = e
			}
		}
	}
	if outEp == nil || inEp == nil {
		intf.Close()
		cfg.Close()
		return nil, &cktaperr.UsbError{Op: "find endpoints", Err: fmt.Errorf("no CCID bulk endpoint pair")}
	}

	log.Debug("ccid usb device opened", "interface", interfaceNum)
	return &Device{ctx: ctx, dev: dev, cfg: cfg, intf: intf, out: outEp, in: inEp, log: log}, nil
}

// PowerOn issues an IccPowerOn message and discards its result, matching
// the driver's unconditional power-on-before-transmit policy.
func (d *Device) PowerOn(ctx context.Context) error {
	cmd := ccid.IccPowerOnCommand(d.slot, d.seq.Next(), ccid.VoltageAutomatic)
	_, err := d.exchange(ctx, cmd.Bytes())
	if err != nil {
		d.log.Debug("power-on failed, ignoring", "err", err)
	}
	return nil
}

// TransmitAPDU wraps apdu in an XfrBlock, sends it, and returns the R-APDU
// payload. It retries exactly once if the card asks for more time.
func (d *Device) TransmitAPDU(ctx context.Context, apdu []byte) ([]byte, error) {
	if err := d.PowerOn(ctx); err != nil {
		return nil, err
	}

	cmd := ccid.XfrBlockCommand(d.slot, d.seq.Next(), apdu)
	raw, err := d.exchange(ctx, cmd.Bytes())
	if err != nil {
		return nil, err
	}
	resp, err := ccid.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.SlotError == ccid.MoreTime {
		d.log.Debug("card requested more time, retrying once")
		cmd = ccid.XfrBlockCommand(d.slot, d.seq.Next(), apdu)
		raw, err = d.exchange(ctx, cmd.Bytes())
		if err != nil {
			return nil, err
		}
		resp, err = ccid.ParseResponse(raw)
		if err != nil {
			return nil, err
		}
		if resp.SlotError == ccid.MoreTime {
			return nil, cktaperr.ErrTimeExtension
		}
	}
	if err := ccid.CheckStatus(resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// exchange performs one bulk-out write followed by one bulk-in read,
// returning the full RDR-to-PC message (header + body).
func (d *Device) exchange(ctx context.Context, msg []byte) ([]byte, error) {
	wctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	if _, err := d.out.WriteContext(wctx, msg); err != nil {
		return nil, &cktaperr.UsbError{Op: "bulk write", Err: err}
	}

	rctx, cancel2 := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel2()
	buf := make([]byte, d.in.Desc.MaxPacketSize*64)
	n, err := d.in.ReadContext(rctx, buf)
	if err != nil {
		return nil, &cktaperr.UsbError{Op: "bulk read", Err: err}
	}
	if n < ccid.HeaderLen {
		return nil, &cktaperr.CcidError{Msg: "short bulk-in read"}
	}
	return buf[:n], nil
}

// Close releases the interface, config and device handle in reverse
// acquisition order.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.intf.Close()
	d.cfg.Close()
	return d.dev.Close()
}
