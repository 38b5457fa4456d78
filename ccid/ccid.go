// Package ccid implements the USB-IF CCID (Chip Card Interface Device)
// class specification v1.1 message framing used to carry ISO 7816 APDUs
// over a USB bulk pipe.
package ccid

import (
	"encoding/binary"
	"fmt"

	"cktap/cktaperr"
)

// HeaderLen is the fixed size of a CCID message header.
const HeaderLen = 10

// MessageType identifies a CCID message in either direction.
type MessageType byte

// PC-to-RDR (host to reader) message types.
const (
	IccPowerOn    MessageType = 0x62
	IccPowerOff   MessageType = 0x63
	GetSlotStatus MessageType = 0x65
	XfrBlock      MessageType = 0x6F
)

// RDR-to-PC (reader to host) message types.
const (
	DataBlock MessageType = 0x80
	SlotStatus MessageType = 0x81
)

// VoltageSelection selects the ICC power-on voltage. Automatic lets the
// reader negotiate.
type VoltageSelection byte

const (
	VoltageAutomatic VoltageSelection = 0x00
	Voltage5V        VoltageSelection = 0x01
	Voltage3V        VoltageSelection = 0x02
	Voltage1_8V      VoltageSelection = 0x03
)

// SlotStatusBits is the bCardInterfaceStatus low 2 bits of byte 7 of a
// response header.
type SlotStatusBits byte

const (
	ActiveICC    SlotStatusBits = 0
	InactiveICC  SlotStatusBits = 1
	NoICCPresent SlotStatusBits = 2
)

// SlotErrorBits is the bCardInterfaceStatus high 2 bits of byte 7 of a
// response header (shifted down to 0..3).
type SlotErrorBits byte

const (
	NoError       SlotErrorBits = 0
	CommandError  SlotErrorBits = 1
	MoreTime      SlotErrorBits = 2
	HardwareError SlotErrorBits = 3
)

// Header is the 10-byte CCID message header, little-endian length.
type Header struct {
	MessageType MessageType
	Length      uint32
	Slot        byte
	Sequence    byte
	Reserved    [3]byte
}

// Bytes serializes the header.
func (h Header) Bytes() [HeaderLen]byte {
	var b [HeaderLen]byte
	b[0] = byte(h.MessageType)
	binary.LittleEndian.PutUint32(b[1:5], h.Length)
	b[5] = h.Slot
	b[6] = h.Sequence
	copy(b[7:10], h.Reserved[:])
	return b
}

// ParseHeader parses a 10-byte CCID header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, &cktaperr.CcidError{Msg: "short header"}
	}
	var h Header
	h.MessageType = MessageType(b[0])
	h.Length = binary.LittleEndian.Uint32(b[1:5])
	h.Slot = b[5]
	h.Sequence = b[6]
	copy(h.Reserved[:], b[7:10])
	return h, nil
}

// Command is a PC-to-RDR message ready for transmission on the bulk-out
// endpoint.
type Command struct {
	Header Header
	Data   []byte
}

// Bytes serializes the command header followed by its data payload.
func (c Command) Bytes() []byte {
	h := c.Header.Bytes()
	out := make([]byte, 0, HeaderLen+len(c.Data))
	out = append(out, h[:]...)
	out = append(out, c.Data...)
	return out
}

// IccPowerOnCommand builds a PC_to_RDR_IccPowerOn message.
func IccPowerOnCommand(slot, sequence byte, voltage VoltageSelection) Command {
	h := Header{MessageType: IccPowerOn, Length: 0, Slot: slot, Sequence: sequence}
	h.Reserved[0] = byte(voltage)
	return Command{Header: h}
}

// XfrBlockCommand builds a PC_to_RDR_XfrBlock message carrying a raw APDU.
func XfrBlockCommand(slot, sequence byte, apdu []byte) Command {
	h := Header{MessageType: XfrBlock, Length: uint32(len(apdu)), Slot: slot, Sequence: sequence}
	return Command{Header: h, Data: apdu}
}

// GetSlotStatusCommand builds a PC_to_RDR_GetSlotStatus message.
func GetSlotStatusCommand(slot, sequence byte) Command {
	return Command{Header: Header{MessageType: GetSlotStatus, Slot: slot, Sequence: sequence}}
}

// Response is a parsed RDR-to-PC message.
type Response struct {
	Header     Header
	Data       []byte
	SlotStatus SlotStatusBits
	SlotError  SlotErrorBits
}

// ParseResponse parses a complete RDR-to-PC message, including its data
// payload, from a single bulk-in read.
func ParseResponse(b []byte) (Response, error) {
	if len(b) < HeaderLen {
		return Response{}, &cktaperr.CcidError{Msg: "short response"}
	}
	h, err := ParseHeader(b)
	if err != nil {
		return Response{}, err
	}
	dataLen := int(h.Length)
	if len(b) < HeaderLen+dataLen {
		return Response{}, &cktaperr.CcidError{Msg: "truncated response body"}
	}
	statusByte := h.Reserved[0]
	return Response{
		Header:     h,
		Data:       append([]byte(nil), b[HeaderLen:HeaderLen+dataLen]...),
		SlotStatus: SlotStatusBits(statusByte & 0x03),
		SlotError:  SlotErrorBits((statusByte >> 6) & 0x03),
	}, nil
}

// CheckStatus translates a non-NoError slot error into a taxonomy error,
// matching the original driver's status-to-error mapping: a CommandError
// paired with NoICCPresent means no card is present; otherwise the first
// data byte (if any) discriminates aborted/mute/parity/overrun from a
// generic numbered command error.
func CheckStatus(r Response) error {
	switch r.SlotError {
	case NoError:
		return nil
	case CommandError:
		switch {
		case r.SlotStatus == NoICCPresent:
			return cktaperr.ErrNoCardPresent
		case len(r.Data) == 0:
			return &cktaperr.CcidError{Msg: "command error"}
		default:
			switch r.Data[0] {
			case 0xFF:
				return cktaperr.ErrCommandAborted
			case 0xFE:
				return cktaperr.ErrIccMute
			case 0xFD:
				return cktaperr.ErrXfrParity
			case 0xFC:
				return cktaperr.ErrXfrOverrun
			default:
				return &cktaperr.CcidError{Msg: fmt.Sprintf("command error: %#x", r.Data[0])}
			}
		}
	case MoreTime:
		return cktaperr.ErrTimeExtension
	case HardwareError:
		return cktaperr.ErrHardware
	default:
		return &cktaperr.CcidError{Msg: "unknown slot error"}
	}
}
