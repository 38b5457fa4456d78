// Package transport defines the capability every concrete transport
// (USB bulk, or the TCP emulator connection used for tests) must provide: power
// the ICC on and exchange one APDU for one R-APDU.
package transport

import "context"

// Transport is satisfied by transport/usb.Device and transport/emulator.Conn.
// It hides CCID framing details from the apdu package, which only ever
// sees APDU bytes in and out.
type Transport interface {
	// PowerOn issues an IccPowerOn and discards any error, matching the
	// always-power-on-first policy the USB transport applies before every
	// TransmitAPDU.
	PowerOn(ctx context.Context) error
	// TransmitAPDU sends apdu as an XfrBlock and returns the R-APDU bytes
	// (including the trailing SW1 SW2), retrying once on a MoreTime slot
	// error before giving up.
	TransmitAPDU(ctx context.Context, apdu []byte) ([]byte, error)
	// Close releases the underlying device or connection.
	Close() error
}

// Sequencer hands out the monotonically wrapping 8-bit sequence number the
// CCID header requires. The protocol is strictly request/response over a
// single bulk pipe. Neither Sequencer nor Card at the layer above takes a
// lock: Sequencer is not safe for concurrent use, and nothing prevents two
// goroutines from issuing commands on the same transport at once.
type Sequencer struct {
	next byte
}

// Next returns the next sequence number, wrapping from 255 back to 0.
func (s *Sequencer) Next() byte {
	v := s.next
	s.next++
	return v
}
