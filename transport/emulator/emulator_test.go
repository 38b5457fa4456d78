package emulator

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
)

// serveOnce reads one length-prefixed frame from conn and echoes it back,
// standing in for a minimal emulator server.
func serveOnce(t *testing.T, conn net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		t.Errorf("server read header: %v", err)
		return
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Errorf("server read body: %v", err)
		return
	}
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Errorf("server write header: %v", err)
		return
	}
	if _, err := conn.Write(body); err != nil {
		t.Errorf("server write body: %v", err)
	}
}

func TestConnTransmitAPDURoundTrip(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	done := make(chan struct{})
	go func() {
		serveOnce(t, serverSide)
		close(done)
	}()

	conn := &Conn{conn: clientSide, r: bufio.NewReader(clientSide)}
	defer conn.Close()

	apdu := []byte{0x00, 0xCB, 0x00, 0x00, 0x02, 0xAA, 0xBB, 0x00}
	got, err := conn.TransmitAPDU(context.Background(), apdu)
	if err != nil {
		t.Fatalf("TransmitAPDU: %v", err)
	}
	if len(got) != len(apdu) {
		t.Fatalf("echoed length = %d, want %d", len(got), len(apdu))
	}
	for i := range apdu {
		if got[i] != apdu[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], apdu[i])
		}
	}
	<-done
}
