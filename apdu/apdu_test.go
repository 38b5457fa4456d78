package apdu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"cktap/cktaperr"
)

type testCmd struct {
	Cmd string `cbor:"cmd"`
}

func TestBuildCommand(t *testing.T) {
	out, err := BuildCommand(testCmd{Cmd: "status"})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if len(out) < 6 {
		t.Fatalf("command too short: %d bytes", len(out))
	}
	if out[0] != claCoinkite || out[1] != insCoinkite || out[2] != p1Coinkite || out[3] != p2Coinkite {
		t.Errorf("unexpected header: % X", out[:4])
	}
	lc := out[4]
	if int(lc) != len(out)-6 {
		t.Errorf("Lc = %d, want %d", lc, len(out)-6)
	}
	if out[len(out)-1] != leCoinkite {
		t.Errorf("Le = %#x, want 0x00", out[len(out)-1])
	}
}

func TestBuildCommandTooLarge(t *testing.T) {
	type big struct {
		Cmd string `cbor:"cmd"`
		Pad []byte `cbor:"pad"`
	}
	_, err := BuildCommand(big{Cmd: "status", Pad: bytes.Repeat([]byte{0}, 300)})
	if err == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestSplitStatusWord(t *testing.T) {
	body, sw1, sw2, err := SplitStatusWord([]byte{0x01, 0x02, 0x90, 0x00})
	if err != nil {
		t.Fatalf("SplitStatusWord: %v", err)
	}
	if !bytes.Equal(body, []byte{0x01, 0x02}) {
		t.Errorf("body = %v, want [1 2]", body)
	}
	if sw1 != 0x90 || sw2 != 0x00 {
		t.Errorf("sw = %02X%02X, want 9000", sw1, sw2)
	}
}

func TestSplitStatusWordTooShort(t *testing.T) {
	if _, _, _, err := SplitStatusWord([]byte{0x90}); err == nil {
		t.Fatal("expected error for short R-APDU")
	}
}

func TestDecodeCardError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantErr error // checked with errors.Is; nil means only "non-nil, not a sentinel"
	}{
		{"bad auth", 205, cktaperr.ErrBadAuth},
		{"needs auth", 207, cktaperr.ErrNeedsAuth},
		{"rate limited", 429, nil},
		{"unknown cmd", 233, nil},
		{"bad arg", 400, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := cbor.Marshal(cardErrorEnvelope{Error: "detail", Code: tc.code})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			cardErr := decodeCardError(enc)
			if cardErr == nil {
				t.Fatal("expected card error")
			}
			if tc.wantErr != nil && !errors.Is(cardErr, tc.wantErr) {
				t.Errorf("decodeCardError() = %v, want errors.Is match for %v", cardErr, tc.wantErr)
			}
		})
	}

	rateLimited := decodeCardError(mustMarshal(t, cardErrorEnvelope{Error: "15", Code: 429}))
	if _, ok := rateLimited.(*cktaperr.RateLimitedError); !ok {
		t.Errorf("code 429 = %T, want *cktaperr.RateLimitedError", rateLimited)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	enc, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return enc
}

func TestExtractDelay(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"5", 5},
		{"rate limited", 15},
		{"", 15},
	}
	for _, tc := range tests {
		if got := extractDelay(tc.msg); got != tc.want {
			t.Errorf("extractDelay(%q) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}
