package card

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"

	"cktap/apdu"
	"cktap/auth"
	"cktap/cert"
	"cktap/cktaperr"
)

// TapSigner wraps Card with the BIP-32 derivation state unique to
// TapSigner and SatsChip: both share the identical command surface, and
// are only distinguished by tag and display name.
type TapSigner struct {
	*Card
	Path       []uint32
	NumBackups int
}

// NewTapSigner wraps an opened Card already classified as TapSigner or
// SatsChip.
func NewTapSigner(c *Card, status StatusResponse) *TapSigner {
	return &TapSigner{Card: c, Path: status.Path, NumBackups: status.NumBackups}
}

type initCommand struct {
	Cmd       string `cbor:"cmd"`
	ChainCode []byte `cbor:"chain_code"`
	Epubkey   []byte `cbor:"epubkey"`
	Xcvc      []byte `cbor:"xcvc"`
}

type initResponse struct {
	Pubkey    []byte `cbor:"pubkey"`
	CardNonce []byte `cbor:"card_nonce"`
}

// Init provisions the card's private key from a caller-supplied chain
// code. It may only be called once per card; a second call returns the
// card's own rejection as a *cktaperr.CardError.
func (t *TapSigner) Init(ctx context.Context, cvc, chainCode []byte) ([]byte, error) {
	ceremony, err := auth.CalcEkeysXCVC(t.Pubkey, t.CardNonce, "init", cvc)
	if err != nil {
		return nil, err
	}
	defer ceremony.SessionKey.Zero()
	cmd := initCommand{
		Cmd:       "init",
		ChainCode: chainCode,
		Epubkey:   ceremony.EphemeralPub.SerializeCompressed(),
		Xcvc:      ceremony.XCVC,
	}
	var resp initResponse
	if err := apdu.Exchange(ctx, t.Transport, cmd, &resp); err != nil {
		return nil, err
	}
	t.latchNonce(resp.CardNonce)
	return resp.Pubkey, nil
}

type deriveCommand struct {
	Cmd     string   `cbor:"cmd"`
	Nonce   []byte   `cbor:"nonce"`
	Path    []uint32 `cbor:"path,omitempty"`
	Epubkey []byte   `cbor:"epubkey"`
	Xcvc    []byte   `cbor:"xcvc"`
}

// DeriveResponse carries the signature over the derivation challenge and
// the resulting extended public key material.
type DeriveResponse struct {
	Signature []byte `cbor:"sig"`
	Pubkey    []byte `cbor:"pubkey"`
	ChainCode []byte `cbor:"chain_code"`
	MasterPK  []byte `cbor:"master_pk"`
	CardNonce []byte `cbor:"card_nonce"`
}

// validateDerivePath enforces the card's hardened-only, depth<=8 derivation
// path rule: every element must already carry the hardened bit.
func validateDerivePath(path []uint32) error {
	if len(path) > 8 {
		return cktaperr.ErrProtocolViolation
	}
	for _, idx := range path {
		if idx&0x80000000 == 0 {
			return cktaperr.ErrProtocolViolation
		}
	}
	return nil
}

// Derive authenticates with cvc and asks the card to derive path, a
// sequence of hardened BIP-32 indexes (depth at most 8), updating its
// active Path on success. The returned signature is verified against the
// session-tweaked response pubkey before being trusted.
func (t *TapSigner) Derive(ctx context.Context, cvc []byte, path []uint32) (DeriveResponse, error) {
	if err := validateDerivePath(path); err != nil {
		return DeriveResponse{}, err
	}

	appNonce, err := auth.RandNonce()
	if err != nil {
		return DeriveResponse{}, err
	}

	ceremony, err := auth.CalcEkeysXCVC(t.Pubkey, t.CardNonce, "derive", cvc)
	if err != nil {
		return DeriveResponse{}, err
	}
	defer ceremony.SessionKey.Zero()

	cmd := deriveCommand{
		Cmd:     "derive",
		Nonce:   appNonce[:],
		Path:    path,
		Epubkey: ceremony.EphemeralPub.SerializeCompressed(),
		Xcvc:    ceremony.XCVC,
	}
	var resp DeriveResponse
	if err := apdu.Exchange(ctx, t.Transport, cmd, &resp); err != nil {
		return DeriveResponse{}, err
	}

	rawPub, err := btcec.ParsePubKey(resp.Pubkey)
	if err != nil {
		return DeriveResponse{}, &cktaperr.Secp256k1Error{Msg: "parse response pubkey: " + err.Error()}
	}
	verifyKey, err := auth.AddSessionKey(rawPub, ceremony.SessionKey)
	if err != nil {
		return DeriveResponse{}, err
	}
	digest := cert.MessageDigest(t.CardNonce, appNonce, nil)
	if err := cert.VerifyDigestSignature(verifyKey, resp.Signature, digest[:]); err != nil {
		return DeriveResponse{}, err
	}

	t.Path = path
	t.latchNonce(resp.CardNonce)
	return resp, nil
}

type changeCommand struct {
	Cmd     string `cbor:"cmd"`
	Data    []byte `cbor:"data"`
	Epubkey []byte `cbor:"epubkey"`
	Xcvc    []byte `cbor:"xcvc"`
}

type changeResponse struct {
	Success   bool   `cbor:"success"`
	CardNonce []byte `cbor:"card_nonce"`
}

// ChangeCVC replaces the card's CVC/PIN with newCVC, authenticated by the
// current oldCVC.
func (t *TapSigner) ChangeCVC(ctx context.Context, oldCVC, newCVC []byte) error {
	if len(newCVC) < 6 || len(newCVC) > 32 {
		return cktaperr.ErrProtocolViolation
	}
	ceremony, err := auth.CalcEkeysXCVC(t.Pubkey, t.CardNonce, "change", oldCVC)
	if err != nil {
		return err
	}
	defer ceremony.SessionKey.Zero()
	cmd := changeCommand{
		Cmd:     "change",
		Data:    newCVC,
		Epubkey: ceremony.EphemeralPub.SerializeCompressed(),
		Xcvc:    ceremony.XCVC,
	}
	var resp changeResponse
	if err := apdu.Exchange(ctx, t.Transport, cmd, &resp); err != nil {
		return err
	}
	t.latchNonce(resp.CardNonce)
	return nil
}

type backupCommand struct {
	Cmd     string `cbor:"cmd"`
	Epubkey []byte `cbor:"epubkey"`
	Xcvc    []byte `cbor:"xcvc"`
}

type backupResponse struct {
	Data      []byte `cbor:"data"`
	CardNonce []byte `cbor:"card_nonce"`
}

// Backup retrieves the card's AES-encrypted master key backup blob.
func (t *TapSigner) Backup(ctx context.Context, cvc []byte) ([]byte, error) {
	ceremony, err := auth.CalcEkeysXCVC(t.Pubkey, t.CardNonce, "backup", cvc)
	if err != nil {
		return nil, err
	}
	defer ceremony.SessionKey.Zero()
	cmd := backupCommand{
		Cmd:     "backup",
		Epubkey: ceremony.EphemeralPub.SerializeCompressed(),
		Xcvc:    ceremony.XCVC,
	}
	var resp backupResponse
	if err := apdu.Exchange(ctx, t.Transport, cmd, &resp); err != nil {
		return nil, err
	}
	t.NumBackups++
	t.latchNonce(resp.CardNonce)
	return auth.XorDecrypt(ceremony.SessionKey, resp.Data), nil
}

type signCommand struct {
	Cmd     string   `cbor:"cmd"`
	Digest  []byte   `cbor:"digest"`
	SubPath []uint32 `cbor:"subpath,omitempty"`
	Epubkey []byte   `cbor:"epubkey"`
	Xcvc    []byte   `cbor:"xcvc"`
}

// SignResponse carries the 64-byte compact signature over the caller's
// 32-byte digest.
type SignResponse struct {
	Signature []byte `cbor:"sig"`
	Pubkey    []byte `cbor:"pubkey"`
	CardNonce []byte `cbor:"card_nonce"`
}

// Sign asks the card to ECDSA-sign a pre-computed 32-byte digest at its
// configured derivation path, optionally with a further two-level
// subpath.
func (t *TapSigner) Sign(ctx context.Context, cvc, digest []byte, subpath []uint32) (SignResponse, error) {
	if len(digest) != 32 {
		return SignResponse{}, cktaperr.ErrProtocolViolation
	}
	ceremony, err := auth.CalcEkeysXCVC(t.Pubkey, t.CardNonce, "sign", cvc)
	if err != nil {
		return SignResponse{}, err
	}
	defer ceremony.SessionKey.Zero()
	cmd := signCommand{
		Cmd:     "sign",
		Digest:  digest,
		SubPath: subpath,
		Epubkey: ceremony.EphemeralPub.SerializeCompressed(),
		Xcvc:    ceremony.XCVC,
	}
	var resp SignResponse
	if err := apdu.Exchange(ctx, t.Transport, cmd, &resp); err != nil {
		return SignResponse{}, err
	}

	rawPub, err := btcec.ParsePubKey(resp.Pubkey)
	if err != nil {
		return SignResponse{}, &cktaperr.Secp256k1Error{Msg: "parse response pubkey: " + err.Error()}
	}
	verifyKey, err := auth.AddSessionKey(rawPub, ceremony.SessionKey)
	if err != nil {
		return SignResponse{}, err
	}
	if err := cert.VerifyDigestSignature(verifyKey, resp.Signature, digest); err != nil {
		return SignResponse{}, err
	}

	t.latchNonce(resp.CardNonce)
	return resp, nil
}
