// Package discovery enumerates USB CCID devices and opens the first one
// that looks like a Coinkite card reader, following the three-pass
// preference order (Coinkite vendor/product IDs, then OMNIKEY readers,
// then any remaining CCID device except YubiKey) of the original driver.
package discovery

import (
	"log/slog"

	"github.com/google/gousb"

	"cktap/cktaperr"
	"cktap/transport/usb"
)

// USBClassSmartCard is the USB-IF device/interface class code for CCID
// readers.
const USBClassSmartCard = 0x0B

// CoinkiteVendorID is Coinkite's registered USB vendor ID.
const CoinkiteVendorID gousb.ID = 0xD13E

// OmnikeyVendorID identifies HID Global's OMNIKEY reader family, which the
// original driver prefers over unknown generic readers.
const OmnikeyVendorID gousb.ID = 0x076B

// YubikeyVendorID is skipped during the generic fallback pass since a
// YubiKey CCID interface may be present without a card inserted.
const YubikeyVendorID gousb.ID = 0x1050

// coinkiteProducts are known Coinkite product IDs, used in addition to the
// vendor ID match since some early units enumerate under a shared vendor
// block.
var coinkiteProducts = map[gousb.ID]string{
	0xCC10: "TAPSIGNER",
	0x0100: "Mk1/Mk2",
}

// DeviceInfo describes one enumerated USB device.
type DeviceInfo struct {
	VendorID     gousb.ID
	ProductID    gousb.ID
	Manufacturer string
	Product      string
	Serial       string
	IsCoinkite   bool
}

// List enumerates every CCID-class device currently attached.
func List(ctx *gousb.Context) ([]DeviceInfo, error) {
	var infos []DeviceInfo
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isCCIDDescriptor(desc)
	})
	if err != nil {
		return nil, &cktaperr.UsbError{Op: "enumerate", Err: err}
	}
	for _, d := range devs {
		infos = append(infos, describe(d))
		d.Close()
	}
	return infos, nil
}

// FindFirst opens the first CCID device judged likely to be a Coinkite
// card reader, preferring genuine Coinkite vendor/product IDs, then
// OMNIKEY, then any other CCID device except YubiKey.
func FindFirst(log *slog.Logger) (*usb.Device, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx := gousb.NewContext()

	var coinkite, omnikey, generic []*gousb.Device
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isCCIDDescriptor(desc)
	})
	if err != nil {
		ctx.Close()
		return nil, &cktaperr.UsbError{Op: "enumerate", Err: err}
	}

	for _, d := range devs {
		info := describe(d)
		switch {
		case info.IsCoinkite:
			coinkite = append(coinkite, d)
		case info.VendorID == OmnikeyVendorID:
			omnikey = append(omnikey, d)
		case info.VendorID == YubikeyVendorID:
			log.Debug("skipping yubikey")
			d.Close()
		default:
			generic = append(generic, d)
		}
	}

	for _, group := range [][]*gousb.Device{coinkite, omnikey, generic} {
		for _, d := range group {
			dev, err := openFirst(ctx, d, log)
			if err == nil {
				closeUnused(group, d)
				return dev, nil
			}
			log.Debug("failed to open candidate device", "err", err)
			d.Close()
		}
	}

	ctx.Close()
	return nil, cktaperr.ErrDeviceNotFound
}

func closeUnused(group []*gousb.Device, used *gousb.Device) {
	for _, d := range group {
		if d != used {
			d.Close()
		}
	}
}

func openFirst(ctx *gousb.Context, d *gousb.Device, log *slog.Logger) (*usb.Device, error) {
	intfNum, err := findCCIDInterface(d)
	if err != nil {
		return nil, err
	}
	return usb.Open(ctx, d, intfNum, log)
}

func findCCIDInterface(d *gousb.Device) (int, error) {
	cfgNum, err := d.ActiveConfigNum()
	if err != nil {
		return 0, &cktaperr.UsbError{Op: "active config", Err: err}
	}
	for _, cfg := range d.Desc.Configs {
		if cfg.Number != cfgNum {
			continue
		}
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassCode(USBClassSmartCard) {
					return intf.Number, nil
				}
			}
		}
	}
	return 0, &cktaperr.CcidError{Msg: "no CCID interface found"}
}

func isCCIDDescriptor(desc *gousb.DeviceDesc) bool {
	if desc.Class == gousb.ClassCode(USBClassSmartCard) {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassCode(USBClassSmartCard) {
					return true
				}
			}
		}
	}
	return false
}

func describe(d *gousb.Device) DeviceInfo {
	info := DeviceInfo{VendorID: d.Desc.Vendor, ProductID: d.Desc.Product}
	if m, err := d.Manufacturer(); err == nil {
		info.Manufacturer = m
	}
	if p, err := d.Product(); err == nil {
		info.Product = p
	}
	if s, err := d.SerialNumber(); err == nil {
		info.Serial = s
	}
	if info.VendorID == CoinkiteVendorID {
		info.IsCoinkite = true
	}
	if _, ok := coinkiteProducts[info.ProductID]; ok {
		info.IsCoinkite = true
	}
	return info
}
