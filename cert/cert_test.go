package cert

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

func TestBip137Offset(t *testing.T) {
	tests := []struct {
		b      byte
		want   byte
		wantOK bool
	}{
		{27, 27, true},
		{30, 27, true},
		{31, 31, true},
		{34, 31, true},
		{35, 35, true},
		{38, 35, true},
		{39, 39, true},
		{42, 39, true},
		{43, 0, false},
		{26, 0, false},
	}
	for _, tc := range tests {
		offset, ok := bip137Offset(tc.b)
		if ok != tc.wantOK {
			t.Fatalf("bip137Offset(%d) ok = %v, want %v", tc.b, ok, tc.wantOK)
		}
		if ok && offset != tc.want {
			t.Errorf("bip137Offset(%d) = %d, want %d", tc.b, offset, tc.want)
		}
	}
}

func TestVerifyChainSingleLink(t *testing.T) {
	rootPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	cardPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	cardPub := cardPriv.PubKey()

	digest := sha256.Sum256(cardPub.SerializeUncompressed())
	compact := ecdsa.SignCompact(rootPriv, digest[:], true)

	RegisterRoot(rootPriv.PubKey(), Pub1)

	id, err := VerifyChain(cardPub, [][]byte{compact})
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if id != Pub1 {
		t.Errorf("root id = %v, want Pub1", id)
	}
}

func TestVerifyChainUnknownRoot(t *testing.T) {
	rootPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	cardPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	cardPub := cardPriv.PubKey()

	digest := sha256.Sum256(cardPub.SerializeUncompressed())
	compact := ecdsa.SignCompact(rootPriv, digest[:], true)

	_, err = VerifyChain(cardPub, [][]byte{compact})
	if err == nil {
		t.Fatal("expected ErrNotGenuine for unregistered root")
	}
}

func TestMessageDigestDeterministic(t *testing.T) {
	var cardNonce, appNonce [16]byte
	copy(cardNonce[:], []byte("0123456789abcdef"))
	copy(appNonce[:], []byte("fedcba9876543210"))
	slot := byte(2)

	a := MessageDigest(cardNonce, appNonce, &slot)
	b := MessageDigest(cardNonce, appNonce, &slot)
	if a != b {
		t.Fatal("MessageDigest not deterministic")
	}
	c := MessageDigest(cardNonce, appNonce, nil)
	if a == c {
		t.Fatal("slot should change the digest")
	}
}
