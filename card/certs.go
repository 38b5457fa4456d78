package card

import (
	"context"

	"cktap/apdu"
	"cktap/auth"
	"cktap/cert"
)

type certsCommand struct {
	Cmd string `cbor:"cmd"`
}

type certsResponse struct {
	CertChain [][]byte `cbor:"cert_chain"`
}

type checkCommand struct {
	Cmd   string `cbor:"cmd"`
	Nonce []byte `cbor:"nonce"`
}

type checkResponse struct {
	AuthSig   []byte `cbor:"auth_sig"`
	CardNonce []byte `cbor:"card_nonce"`
}

// CheckCertificate walks the card's certificate chain back to a factory
// root key, verifying the card's own signature over a fresh challenge
// along the way. It returns cktaperr.ErrNotGenuine if the terminal key is
// not a recognized root.
func (c *Card) CheckCertificate(ctx context.Context) (cert.FactoryRootKey, error) {
	appNonce, err := auth.RandNonce()
	if err != nil {
		return cert.UnknownRoot, err
	}
	cardNonceBefore := c.CardNonce

	var certsResp certsResponse
	if err := apdu.Exchange(ctx, c.Transport, certsCommand{Cmd: "certs"}, &certsResp); err != nil {
		return cert.UnknownRoot, err
	}

	var checkResp checkResponse
	if err := apdu.Exchange(ctx, c.Transport, checkCommand{Cmd: "check", Nonce: appNonce[:]}, &checkResp); err != nil {
		return cert.UnknownRoot, err
	}

	c.latchNonce(checkResp.CardNonce)

	if err := cert.VerifyReadSignature(c.Pubkey, checkResp.AuthSig, cardNonceBefore, appNonce, nil); err != nil {
		return cert.UnknownRoot, err
	}

	return cert.VerifyChain(c.Pubkey, certsResp.CertChain)
}
