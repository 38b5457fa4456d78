// Package apdu builds the single short ISO 7816-4 APDU form the Coinkite
// cards accept -- CLA=0x00 INS=0xCB P1=0x00 P2=0x00, a one-byte Lc, a CBOR
// command body, and Le=0x00 -- and parses the R-APDU status word from the
// bytes a transport.Transport returns.
package apdu

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"cktap/cktaperr"
	"cktap/transport"
)

// Fixed APDU header fields for every Coinkite command.
const (
	claCoinkite = 0x00
	insCoinkite = 0xCB
	p1Coinkite  = 0x00
	p2Coinkite  = 0x00
	leCoinkite  = 0x00
)

// MaxShortBody is the largest CBOR body a single short APDU can carry.
const MaxShortBody = 255

// BuildCommand serializes body as CBOR and wraps it in the fixed short
// APDU header the cards expect.
func BuildCommand(body any) ([]byte, error) {
	enc, err := cbor.Marshal(body)
	if err != nil {
		return nil, &cktaperr.CborError{Err: err}
	}
	if len(enc) > MaxShortBody {
		return nil, fmt.Errorf("cbor body too large for short APDU: %d bytes", len(enc))
	}
	out := make([]byte, 0, 5+len(enc)+1)
	out = append(out, claCoinkite, insCoinkite, p1Coinkite, p2Coinkite, byte(len(enc)))
	out = append(out, enc...)
	out = append(out, leCoinkite)
	return out, nil
}

// SplitStatusWord separates the trailing SW1 SW2 bytes from an R-APDU,
// returning the payload body and the status word bytes.
func SplitStatusWord(rapdu []byte) (body []byte, sw1, sw2 byte, err error) {
	if len(rapdu) < 2 {
		return nil, 0, 0, &cktaperr.CcidError{Msg: "R-APDU shorter than status word"}
	}
	n := len(rapdu)
	return rapdu[:n-2], rapdu[n-2], rapdu[n-1], nil
}

// Exchange builds an APDU for body, transmits it, and decodes the CBOR
// payload of a successful response into resp. A non-0x9000 status word
// becomes an *cktaperr.ApduError.
func Exchange(ctx context.Context, t transport.Transport, body, resp any) error {
	cmd, err := BuildCommand(body)
	if err != nil {
		return err
	}
	raw, err := t.TransmitAPDU(ctx, cmd)
	if err != nil {
		return err
	}
	payload, sw1, sw2, err := SplitStatusWord(raw)
	if err != nil {
		return err
	}
	if sw1 != 0x90 || sw2 != 0x00 {
		return &cktaperr.ApduError{SW1: sw1, SW2: sw2}
	}
	if cardErr := decodeCardError(payload); cardErr != nil {
		return cardErr
	}
	if resp == nil {
		return nil
	}
	if err := cbor.Unmarshal(payload, resp); err != nil {
		return &cktaperr.CborError{Err: err}
	}
	return nil
}

// cardErrorEnvelope matches the "error"/"code" keys the card emits in place
// of a successful response body, even though the transport-level status
// word is still 0x9000.
type cardErrorEnvelope struct {
	Error string `cbor:"error"`
	Code  int    `cbor:"code"`
}

// decodeCardError returns an error if payload carries the card's
// application-level error envelope, or nil if it looks like an ordinary
// response. 205 BadAuth and 207 NeedsAuth map to the matching sentinels so
// cktaperr.ExitCode and errors.Is callers can recognize them; 429
// RateLimited carries the auth_delay the card reports; every other code
// becomes a generic *cktaperr.CardError.
func decodeCardError(payload []byte) error {
	var env cardErrorEnvelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return nil
	}
	if env.Error == "" {
		return nil
	}
	switch env.Code {
	case 205:
		return fmt.Errorf("%w: %s", cktaperr.ErrBadAuth, env.Error)
	case 207:
		return fmt.Errorf("%w: %s", cktaperr.ErrNeedsAuth, env.Error)
	case 429:
		return &cktaperr.RateLimitedError{DelaySeconds: extractDelay(env.Error)}
	default:
		return &cktaperr.CardError{Code: env.Code, Message: env.Error}
	}
}

// extractDelay is a best-effort parse of the auth_delay seconds the card
// embeds in its rate-limit error message; 15 is the card's documented
// per-attempt backoff when the message does not carry a parseable number.
func extractDelay(msg string) int {
	var n int
	if _, err := fmt.Sscanf(msg, "%d", &n); err == nil && n > 0 {
		return n
	}
	return 15
}
