// Package cert verifies the BIP-137 recoverable-signature certificate
// chain a card presents to prove it was signed by a genuine Coinkite
// factory root key, and the plain ECDSA signature a read command returns
// over its nonce challenge.
package cert

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"cktap/cktaperr"
)

// FactoryRootKey identifies one of Coinkite's known certificate chain
// terminal public keys.
type FactoryRootKey int

const (
	UnknownRoot FactoryRootKey = iota
	Pub1
	DevPub1
)

// Coinkite's published factory root public keys (compressed, hex-encoded).
// Pub1 is the production root every shipped card's certificate chain
// ultimately resolves to; DevPub1 is the root used on pre-production and
// developer units.
const (
	pub1Hex    = "03028a0e89e70d0ec0d932053a89ab1da7d1cafcd6dc1c8237f193643d3f1a1967f"
	devPub1Hex = "027722ef208e681bac05f1b4b3cc878401562218771214a54c8766bee34af54d1c"
)

// knownRoots maps the compressed serialization of each recognized factory
// root public key to its identity.
var knownRoots = map[[33]byte]FactoryRootKey{}

func init() {
	RegisterRoot(mustParseRootKey(pub1Hex), Pub1)
	RegisterRoot(mustParseRootKey(devPub1Hex), DevPub1)
}

func mustParseRootKey(hexKey string) *btcec.PublicKey {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		panic("cert: invalid factory root key hex: " + err.Error())
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		panic("cert: invalid factory root key point: " + err.Error())
	}
	return pub
}

// RegisterRoot adds a recognized factory root public key. Exported so tests
// can register additional roots (historical or developer keys) without
// hard-coding every one here.
func RegisterRoot(pub *btcec.PublicKey, id FactoryRootKey) {
	var key [33]byte
	copy(key[:], pub.SerializeCompressed())
	knownRoots[key] = id
}

// bip137Offset returns the subtrahend BIP-137 defines for a recoverable
// signature's leading byte, and whether the byte falls in one of the four
// BIP-137 ranges at all.
func bip137Offset(b byte) (offset byte, ok bool) {
	switch {
	case b >= 27 && b <= 30:
		return 27, true // P2PKH uncompressed
	case b >= 31 && b <= 34:
		return 31, true // P2PKH compressed
	case b >= 35 && b <= 38:
		return 35, true // Segwit P2SH
	case b >= 39 && b <= 42:
		return 39, true // Segwit Bech32
	default:
		return 0, false
	}
}

// VerifyChain walks a certificate chain of 65-byte BIP-137 recoverable
// signatures, recovering the signer's public key at each step from the
// SHA-256 of the previous key's uncompressed serialization, starting from
// the card's own pubkey. It returns the identity of the terminal key if it
// matches a known factory root, or cktaperr.ErrNotGenuine.
func VerifyChain(cardPubkey *btcec.PublicKey, chain [][]byte) (FactoryRootKey, error) {
	pubkey := cardPubkey
	for _, sig := range chain {
		if len(sig) != 65 {
			return UnknownRoot, &cktaperr.IncorrectSignatureError{Msg: "certificate signature must be 65 bytes"}
		}
		offset, ok := bip137Offset(sig[0])
		if !ok {
			return UnknownRoot, cktaperr.ErrProtocolViolation
		}
		recID := sig[0] - offset

		digest := sha256.Sum256(pubkey.SerializeUncompressed())

		recovered, _, err := ecdsa.RecoverCompact(buildCompact(recID, sig[1:]), digest[:])
		if err != nil {
			return UnknownRoot, &cktaperr.IncorrectSignatureError{Msg: err.Error()}
		}
		pubkey = recovered
	}

	var key [33]byte
	copy(key[:], pubkey.SerializeCompressed())
	if id, ok := knownRoots[key]; ok {
		return id, nil
	}
	return UnknownRoot, cktaperr.ErrNotGenuine
}

// buildCompact assembles the 65-byte compact recoverable signature format
// ecdsa.RecoverCompact expects: a header byte (27 + 4 + recovery id, the
// compressed-key form) followed by the 64-byte r||s signature.
func buildCompact(recID byte, rs []byte) []byte {
	out := make([]byte, 1+len(rs))
	out[0] = 27 + 4 + recID // compressed-pubkey compact-sig header, per btcec convention
	copy(out[1:], rs)
	return out
}

// VerifyReadSignature checks the ECDSA signature a read command returns
// over SHA256("OPENDIME" || card_nonce || app_nonce || slot), matching
// Read::message_digest / Certificate::verify_card_signature.
func VerifyReadSignature(pubkey *btcec.PublicKey, signature []byte, cardNonce, appNonce [16]byte, slot *byte) error {
	digest := MessageDigest(cardNonce, appNonce, slot)
	return VerifyDigestSignature(pubkey, signature, digest[:])
}

// VerifyDigestSignature checks a DER or 64-byte compact ECDSA signature
// against an arbitrary pre-computed digest, used for derive/sign's
// returned-session-pubkey proof as well as the "OPENDIME" nonce challenges.
func VerifyDigestSignature(pubkey *btcec.PublicKey, signature, digest []byte) error {
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		sig, err = parseCompactSignature(signature)
		if err != nil {
			return &cktaperr.IncorrectSignatureError{Msg: err.Error()}
		}
	}
	if !sig.Verify(digest, pubkey) {
		return &cktaperr.IncorrectSignatureError{Msg: "signature does not verify against pubkey"}
	}
	return nil
}

// MessageDigest builds the fixed "OPENDIME"-prefixed challenge digest every
// signature-bearing response (read, check) is computed over.
func MessageDigest(cardNonce, appNonce [16]byte, slot *byte) [32]byte {
	buf := make([]byte, 0, 8+16+16+1)
	buf = append(buf, "OPENDIME"...)
	buf = append(buf, cardNonce[:]...)
	buf = append(buf, appNonce[:]...)
	if slot != nil {
		buf = append(buf, *slot)
	} else {
		buf = append(buf, 0)
	}
	return sha256.Sum256(buf)
}

func parseCompactSignature(sig []byte) (*ecdsa.Signature, error) {
	if len(sig) != 64 {
		return nil, cktaperr.ErrProtocolViolation
	}
	var r, s btcec.ModNScalar
	r.SetByteSlice(sig[:32])
	s.SetByteSlice(sig[32:])
	return ecdsa.NewSignature(&r, &s), nil
}
