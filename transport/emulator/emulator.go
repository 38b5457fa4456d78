// Package emulator implements transport.Transport over a TCP connection
// to a card emulator process, exercising the APDU/CBOR/auth/state-machine
// layers without real hardware. It speaks the same "one APDU in, one
// R-APDU out" contract as the USB transport, framed as a 4-byte
// big-endian length prefix followed by the APDU bytes -- the emulator's
// own concrete wire choice is outside this module's scope; this package
// exists purely as a test harness.
package emulator

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"cktap/cktaperr"
)

// DefaultTimeout bounds every round trip to the emulator process.
const DefaultTimeout = 5 * time.Second

// Conn is a transport.Transport backed by a length-prefixed TCP stream.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	log  *slog.Logger
}

// Dial connects to an emulator listening at addr.
func Dial(addr string, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	c, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, &cktaperr.UsbError{Op: "dial emulator", Err: err}
	}
	return &Conn{conn: c, r: bufio.NewReader(c), log: log}, nil
}

// PowerOn is a no-op for the emulator: there is no physical ICC to power,
// and the emulator always answers status requests immediately.
func (c *Conn) PowerOn(ctx context.Context) error { return nil }

// TransmitAPDU writes a length-prefixed APDU and reads back a
// length-prefixed R-APDU.
func (c *Conn) TransmitAPDU(ctx context.Context, apduBytes []byte) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(DefaultTimeout))
	}
	defer c.conn.SetDeadline(time.Time{})

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(apduBytes)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return nil, &cktaperr.UsbError{Op: "emulator write header", Err: err}
	}
	if _, err := c.conn.Write(apduBytes); err != nil {
		return nil, &cktaperr.UsbError{Op: "emulator write body", Err: err}
	}

	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, &cktaperr.UsbError{Op: "emulator read header", Err: err}
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > 1<<20 {
		return nil, fmt.Errorf("emulator response too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, &cktaperr.UsbError{Op: "emulator read body", Err: err}
	}
	return body, nil
}

// Close closes the underlying TCP connection.
func (c *Conn) Close() error { return c.conn.Close() }
