package card

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"

	"cktap/apdu"
	"cktap/auth"
	"cktap/cert"
	"cktap/cktaperr"
)

type readCommand struct {
	Cmd      string `cbor:"cmd"`
	Slot     *int   `cbor:"slot,omitempty"`
	AppNonce []byte `cbor:"nonce"`
	Epubkey  []byte `cbor:"epubkey,omitempty"`
	Xcvc     []byte `cbor:"xcvc,omitempty"`
}

// ReadResponse carries a derived public key and the card's proof it knows
// the corresponding private key.
type ReadResponse struct {
	Signature []byte `cbor:"sig"`
	Pubkey    []byte `cbor:"pubkey"`
	CardNonce []byte `cbor:"card_nonce"`
}

// Read performs the "read" command: it challenges the card with a fresh
// nonce and verifies the returned signature before returning the derived
// pubkey. cvc is required when requiresAuth is true (TapSigner/SatsChip
// always require it; SatsCard only for non-current slots in some firmware
// revisions).
func (c *Card) Read(ctx context.Context, cvc []byte, requiresAuth bool, slot *int) (ReadResponse, error) {
	appNonce, err := auth.RandNonce()
	if err != nil {
		return ReadResponse{}, err
	}

	cmd := readCommand{Cmd: "read", Slot: slot, AppNonce: appNonce[:]}
	var sessionPubkeyAdjust bool
	var ceremony *auth.Ceremony
	if requiresAuth {
		if len(cvc) == 0 {
			return ReadResponse{}, cktaperr.ErrNeedsAuth
		}
		ceremony, err = auth.CalcEkeysXCVC(c.Pubkey, c.CardNonce, "read", cvc)
		if err != nil {
			return ReadResponse{}, err
		}
		defer ceremony.SessionKey.Zero()
		cmd.Epubkey = ceremony.EphemeralPub.SerializeCompressed()
		cmd.Xcvc = ceremony.XCVC
		sessionPubkeyAdjust = true
	}

	var resp ReadResponse
	if err := apdu.Exchange(ctx, c.Transport, cmd, &resp); err != nil {
		return ReadResponse{}, err
	}

	var slotByte *byte
	if slot != nil {
		b := byte(*slot)
		slotByte = &b
	}

	verifyKey := c.Pubkey
	if sessionPubkeyAdjust {
		// Authenticated reads sign over the raw pubkey the response carries
		// plus the session shared secret tweaked onto it (session_key*G +
		// raw pubkey), not the raw pubkey alone.
		rawPub, err := btcec.ParsePubKey(resp.Pubkey)
		if err != nil {
			return ReadResponse{}, &cktaperr.Secp256k1Error{Msg: "parse response pubkey: " + err.Error()}
		}
		verifyKey, err = auth.AddSessionKey(rawPub, ceremony.SessionKey)
		if err != nil {
			return ReadResponse{}, err
		}
	}

	if err := cert.VerifyReadSignature(verifyKey, resp.Signature, c.CardNonce, appNonce, slotByte); err != nil {
		return ReadResponse{}, err
	}

	c.latchNonce(resp.CardNonce)
	return resp, nil
}

type waitCommand struct {
	Cmd     string `cbor:"cmd"`
	Epubkey []byte `cbor:"epubkey,omitempty"`
	Xcvc    []byte `cbor:"xcvc,omitempty"`
}

// WaitResponse reports the card's current auth_delay countdown.
type WaitResponse struct {
	Success   bool   `cbor:"success"`
	AuthDelay int    `cbor:"auth_delay"`
	CardNonce []byte `cbor:"card_nonce"`
}

// Wait issues the "wait" command, which decrements the card's auth_delay
// counter by one. Supplying cvc resets the delay to zero in one shot
// instead of one second at a time.
func (c *Card) Wait(ctx context.Context, cvc []byte) (WaitResponse, error) {
	cmd := waitCommand{Cmd: "wait"}
	if len(cvc) > 0 {
		ceremony, err := auth.CalcEkeysXCVC(c.Pubkey, c.CardNonce, "wait", cvc)
		if err != nil {
			return WaitResponse{}, err
		}
		defer ceremony.SessionKey.Zero()
		cmd.Epubkey = ceremony.EphemeralPub.SerializeCompressed()
		cmd.Xcvc = ceremony.XCVC
	}

	var resp WaitResponse
	if err := apdu.Exchange(ctx, c.Transport, cmd, &resp); err != nil {
		return WaitResponse{}, err
	}
	if resp.AuthDelay > 0 {
		c.AuthDelay = resp.AuthDelay
	} else {
		c.AuthDelay = 0
	}
	c.latchNonce(resp.CardNonce)
	return resp, nil
}
