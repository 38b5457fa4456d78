package card

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"

	"cktap/cert"
)

// cardSideSessionKey independently recomputes the ECDH session key a
// fakeCard would derive from the client's ephemeral pubkey, using the same
// compressed-point-hash convention the client side is expected to use. It
// does not call anything in package auth, so a regression back to the raw
// X-coordinate convention on either side would make these tests fail.
func cardSideSessionKey(cardPriv *btcec.PrivateKey, ephemeralPubBytes []byte) [32]byte {
	ephPub, err := btcec.ParsePubKey(ephemeralPubBytes)
	if err != nil {
		panic(err)
	}
	var pubJ, resultJ secp256k1.JacobianPoint
	ephPub.AsJacobian(&pubJ)
	secp256k1.ScalarMultNonConst(&cardPriv.Key, &pubJ, &resultJ)
	resultJ.ToAffine()
	shared := secp256k1.NewPublicKey(&resultJ.X, &resultJ.Y)
	return sha256.Sum256(shared.SerializeCompressed())
}

// cardSideTweakedPriv adds sessionKey (as a scalar) onto rawPriv, the
// card-side counterpart of auth.AddSessionKey operating on a public key.
func cardSideTweakedPriv(rawPriv *btcec.PrivateKey, sessionKey [32]byte) *btcec.PrivateKey {
	var tweak, sum secp256k1.ModNScalar
	tweak.SetByteSlice(sessionKey[:])
	sum.Add2(&rawPriv.Key, &tweak)
	return secp256k1.NewPrivateKey(&sum)
}

func bodyBytes(body map[string]any, key string) []byte {
	v, _ := body[key].([]byte)
	return v
}

func TestReadAuthenticatedVerifiesSessionTweakedPubkey(t *testing.T) {
	cardPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	cardPub := cardPriv.PubKey()
	cardNonce := [16]byte{}
	copy(cardNonce[:], []byte("aaaaaaaaaaaaaaaa"))

	rawPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	var nextNonce [16]byte
	copy(nextNonce[:], []byte("bbbbbbbbbbbbbbbb"))

	var appNonceUsed [16]byte

	fc := &fakeCard{respond: func(cmd string, body map[string]any) []byte {
		switch cmd {
		case "read":
			copy(appNonceUsed[:], bodyBytes(body, "nonce"))
			sessionKey := cardSideSessionKey(cardPriv, bodyBytes(body, "epubkey"))
			tweakedPriv := cardSideTweakedPriv(rawPriv, sessionKey)

			digest := cert.MessageDigest(cardNonce, appNonceUsed, nil)
			sig := ecdsa.Sign(tweakedPriv, digest[:])

			enc, err := cbor.Marshal(ReadResponse{
				Signature: sig.Serialize(),
				Pubkey:    rawPriv.PubKey().SerializeCompressed(),
				CardNonce: nextNonce[:],
			})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			return append(enc, 0x90, 0x00)
		default:
			t.Fatalf("unexpected command %q", cmd)
			return nil
		}
	}}

	c := &Card{Transport: fc, Variant: VariantTapSigner, Pubkey: cardPub, CardNonce: cardNonce}
	resp, err := c.Read(context.Background(), []byte("123456"), true, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if nextNonce != c.CardNonce {
		t.Errorf("CardNonce not latched from response")
	}
	_ = resp
}

func TestUnsealDecryptsPrivkey(t *testing.T) {
	cardPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	cardPub := cardPriv.PubKey()
	cardNonce := [16]byte{}
	copy(cardNonce[:], []byte("aaaaaaaaaaaaaaaa"))

	plainPrivkey := make([]byte, 32)
	for i := range plainPrivkey {
		plainPrivkey[i] = byte(i + 1)
	}

	var nextNonce [16]byte
	copy(nextNonce[:], []byte("bbbbbbbbbbbbbbbb"))

	fc := &fakeCard{respond: func(cmd string, body map[string]any) []byte {
		switch cmd {
		case "unseal":
			sessionKey := cardSideSessionKey(cardPriv, bodyBytes(body, "epubkey"))
			ciphertext := make([]byte, len(plainPrivkey))
			for i := range ciphertext {
				ciphertext[i] = plainPrivkey[i] ^ sessionKey[i%len(sessionKey)]
			}
			enc, err := cbor.Marshal(UnsealResponse{
				Slot:      0,
				Privkey:   ciphertext,
				CardNonce: nextNonce[:],
			})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			return append(enc, 0x90, 0x00)
		default:
			t.Fatalf("unexpected command %q", cmd)
			return nil
		}
	}}

	c := &Card{Transport: fc, Variant: VariantSatsCard, Pubkey: cardPub, CardNonce: cardNonce}
	sc := &SatsCard{Card: c, TotalSlots: 10, ActiveSlot: 0, SlotStates: make([]SlotState, 10)}

	resp, err := sc.Unseal(context.Background(), []byte("123456"))
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(resp.Privkey) != string(plainPrivkey) {
		t.Errorf("Privkey = %x, want %x", resp.Privkey, plainPrivkey)
	}
	if sc.SlotStates[0] != SlotUnsealed {
		t.Errorf("slot state = %v, want SlotUnsealed", sc.SlotStates[0])
	}
}

func TestTapSignerSignVerifiesSessionTweakedPubkey(t *testing.T) {
	cardPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	cardPub := cardPriv.PubKey()
	cardNonce := [16]byte{}
	copy(cardNonce[:], []byte("aaaaaaaaaaaaaaaa"))

	rawPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	digest := sha256.Sum256([]byte("sign me"))

	var nextNonce [16]byte
	copy(nextNonce[:], []byte("cccccccccccccccc"))

	fc := &fakeCard{respond: func(cmd string, body map[string]any) []byte {
		switch cmd {
		case "sign":
			sessionKey := cardSideSessionKey(cardPriv, bodyBytes(body, "epubkey"))
			tweakedPriv := cardSideTweakedPriv(rawPriv, sessionKey)
			sig := ecdsa.Sign(tweakedPriv, digest[:])
			enc, err := cbor.Marshal(SignResponse{
				Signature: sig.Serialize(),
				Pubkey:    rawPriv.PubKey().SerializeCompressed(),
				CardNonce: nextNonce[:],
			})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			return append(enc, 0x90, 0x00)
		default:
			t.Fatalf("unexpected command %q", cmd)
			return nil
		}
	}}

	c := &Card{Transport: fc, Variant: VariantTapSigner, Pubkey: cardPub, CardNonce: cardNonce}
	ts := &TapSigner{Card: c}

	resp, err := ts.Sign(context.Background(), []byte("123456"), digest[:], nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(resp.Signature) == 0 {
		t.Error("expected a signature in the response")
	}
	if nextNonce != c.CardNonce {
		t.Errorf("CardNonce not latched from response")
	}
}

func TestTapSignerSignRejectsBadSignature(t *testing.T) {
	cardPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	cardPub := cardPriv.PubKey()
	cardNonce := [16]byte{}
	copy(cardNonce[:], []byte("aaaaaaaaaaaaaaaa"))

	rawPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	otherPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	digest := sha256.Sum256([]byte("sign me"))

	fc := &fakeCard{respond: func(cmd string, body map[string]any) []byte {
		switch cmd {
		case "sign":
			// Sign with an unrelated key instead of the session-tweaked one,
			// simulating a forged or corrupted response.
			sig := ecdsa.Sign(otherPriv, digest[:])
			enc, err := cbor.Marshal(SignResponse{
				Signature: sig.Serialize(),
				Pubkey:    rawPriv.PubKey().SerializeCompressed(),
				CardNonce: []byte("dddddddddddddddd"),
			})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			return append(enc, 0x90, 0x00)
		default:
			t.Fatalf("unexpected command %q", cmd)
			return nil
		}
	}}

	c := &Card{Transport: fc, Variant: VariantTapSigner, Pubkey: cardPub, CardNonce: cardNonce}
	ts := &TapSigner{Card: c}

	if _, err := ts.Sign(context.Background(), []byte("123456"), digest[:], nil); err == nil {
		t.Fatal("expected signature verification failure, got nil error")
	}
}
