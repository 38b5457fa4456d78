package card

import (
	"context"

	"cktap/apdu"
	"cktap/auth"
	"cktap/cert"
	"cktap/cktaperr"
)

// SlotState is one SatsCard slot's position in its sealed-to-used
// lifecycle.
type SlotState int

const (
	SlotSealed SlotState = iota
	SlotUnsealed
	SlotUsed
)

// transition validates a slot state change; only Sealed->Unsealed and
// Unsealed->Used are legal, matching the card's own enforcement.
func (s SlotState) transition(to SlotState) (SlotState, error) {
	switch {
	case s == SlotSealed && to == SlotUnsealed:
		return SlotUnsealed, nil
	case s == SlotUnsealed && to == SlotUsed:
		return SlotUsed, nil
	default:
		return s, cktaperr.ErrInvalidSlotState
	}
}

// SatsCard wraps Card with the slot bookkeeping unique to the SatsCard
// product: a fixed slot count, the active slot index, and each slot's
// sealed/unsealed/used state.
type SatsCard struct {
	*Card
	TotalSlots  int
	ActiveSlot  int
	SlotStates  []SlotState
	Address     string
}

// NewSatsCard wraps an opened Card that has already been classified as a
// SatsCard, populating its slot table from a status response. The wire
// format's "slots" field is a [active, total] pair, not a per-slot list.
func NewSatsCard(c *Card, status StatusResponse) *SatsCard {
	sc := &SatsCard{Card: c, Address: status.Addr}
	if len(status.Slots) == 2 {
		sc.ActiveSlot = status.Slots[0]
		sc.TotalSlots = status.Slots[1]
	}
	sc.SlotStates = make([]SlotState, sc.TotalSlots)
	for i := range sc.SlotStates {
		if i < sc.ActiveSlot {
			sc.SlotStates[i] = SlotUsed
		}
	}
	return sc
}

type unsealCommand struct {
	Cmd     string `cbor:"cmd"`
	Slot    int    `cbor:"slot"`
	Epubkey []byte `cbor:"epubkey"`
	Xcvc    []byte `cbor:"xcvc"`
}

// UnsealResponse carries the current slot's now-exposed private key
// material.
type UnsealResponse struct {
	Slot      int    `cbor:"slot"`
	Privkey   []byte `cbor:"privkey"`
	Pubkey    []byte `cbor:"pubkey"`
	MasterPK  []byte `cbor:"master_pk"`
	ChainCode []byte `cbor:"chain_code"`
	CardNonce []byte `cbor:"card_nonce"`
}

// Unseal reveals the active slot's private key. Only the current
// (highest-index sealed) slot can be unsealed.
func (s *SatsCard) Unseal(ctx context.Context, cvc []byte) (UnsealResponse, error) {
	if s.ActiveSlot >= len(s.SlotStates) {
		return UnsealResponse{}, cktaperr.ErrInvalidSlotState
	}
	if s.SlotStates[s.ActiveSlot] != SlotSealed {
		return UnsealResponse{}, cktaperr.ErrInvalidSlotState
	}

	ceremony, err := auth.CalcEkeysXCVC(s.Pubkey, s.CardNonce, "unseal", cvc)
	if err != nil {
		return UnsealResponse{}, err
	}
	defer ceremony.SessionKey.Zero()

	cmd := unsealCommand{
		Cmd:     "unseal",
		Slot:    s.ActiveSlot,
		Epubkey: ceremony.EphemeralPub.SerializeCompressed(),
		Xcvc:    ceremony.XCVC,
	}

	var resp UnsealResponse
	if err := apdu.Exchange(ctx, s.Transport, cmd, &resp); err != nil {
		return UnsealResponse{}, err
	}
	resp.Privkey = auth.XorDecrypt(ceremony.SessionKey, resp.Privkey)

	next, err := s.SlotStates[s.ActiveSlot].transition(SlotUnsealed)
	if err != nil {
		return UnsealResponse{}, err
	}
	s.SlotStates[s.ActiveSlot] = next
	s.latchNonce(resp.CardNonce)
	return resp, nil
}

type newSlotCommand struct {
	Cmd       string `cbor:"cmd"`
	Slot      int    `cbor:"slot"`
	Epubkey   []byte `cbor:"epubkey"`
	Xcvc      []byte `cbor:"xcvc"`
	ChainCode []byte `cbor:"chain_code,omitempty"`
}

type newSlotResponse struct {
	Slot      int    `cbor:"slot"`
	CardNonce []byte `cbor:"card_nonce"`
}

// NewSlot marks the current slot used and advances to the next sealed
// slot. It refuses once the card is already on its last slot.
func (s *SatsCard) NewSlot(ctx context.Context, cvc, chainCode []byte) error {
	if s.ActiveSlot >= len(s.SlotStates) {
		return cktaperr.ErrInvalidSlotState
	}
	if s.SlotStates[s.ActiveSlot] != SlotUnsealed {
		return cktaperr.ErrInvalidSlotState
	}
	if s.ActiveSlot == s.TotalSlots-1 {
		return cktaperr.ErrInvalidSlotState
	}

	ceremony, err := auth.CalcEkeysXCVC(s.Pubkey, s.CardNonce, "new_slot", cvc)
	if err != nil {
		return err
	}
	defer ceremony.SessionKey.Zero()

	cmd := newSlotCommand{
		Cmd:       "new_slot",
		Slot:      s.ActiveSlot,
		Epubkey:   ceremony.EphemeralPub.SerializeCompressed(),
		Xcvc:      ceremony.XCVC,
		ChainCode: chainCode,
	}

	var resp newSlotResponse
	if err := apdu.Exchange(ctx, s.Transport, cmd, &resp); err != nil {
		return err
	}

	next, err := s.SlotStates[s.ActiveSlot].transition(SlotUsed)
	if err != nil {
		return err
	}
	s.SlotStates[s.ActiveSlot] = next
	s.ActiveSlot = resp.Slot
	s.latchNonce(resp.CardNonce)
	return nil
}

type dumpCommand struct {
	Cmd     string `cbor:"cmd"`
	Slot    int    `cbor:"slot"`
	Epubkey []byte `cbor:"epubkey,omitempty"`
	Xcvc    []byte `cbor:"xcvc,omitempty"`
}

// DumpResponse reports one slot's public material, and its private key
// only if the slot is unsealed and the caller authenticated.
type DumpResponse struct {
	Slot      int    `cbor:"slot"`
	Pubkey    []byte `cbor:"pubkey,omitempty"`
	Privkey   []byte `cbor:"privkey,omitempty"`
	MasterPK  []byte `cbor:"master_pk,omitempty"`
	Used      bool   `cbor:"used"`
	Sealed    bool   `cbor:"sealed"`
	CardNonce []byte `cbor:"card_nonce"`
}

// Dump reports slot metadata, optionally authenticating to reveal an
// already-unsealed slot's private key.
func (s *SatsCard) Dump(ctx context.Context, slot int, cvc []byte) (DumpResponse, error) {
	cmd := dumpCommand{Cmd: "dump", Slot: slot}
	var ceremony *auth.Ceremony
	if len(cvc) > 0 {
		var err error
		ceremony, err = auth.CalcEkeysXCVC(s.Pubkey, s.CardNonce, "dump", cvc)
		if err != nil {
			return DumpResponse{}, err
		}
		defer ceremony.SessionKey.Zero()
		cmd.Epubkey = ceremony.EphemeralPub.SerializeCompressed()
		cmd.Xcvc = ceremony.XCVC
	}

	var resp DumpResponse
	if err := apdu.Exchange(ctx, s.Transport, cmd, &resp); err != nil {
		return DumpResponse{}, err
	}
	if ceremony != nil && len(resp.Privkey) > 0 {
		resp.Privkey = auth.XorDecrypt(ceremony.SessionKey, resp.Privkey)
	}
	s.latchNonce(resp.CardNonce)
	return resp, nil
}

type satsCardDeriveCommand struct {
	Cmd      string `cbor:"cmd"`
	AppNonce []byte `cbor:"nonce"`
}

// SatsCardDeriveResponse carries the card's master public key, chain code,
// and a signature binding them to the currently active payment address.
type SatsCardDeriveResponse struct {
	Signature []byte `cbor:"sig"`
	Pubkey    []byte `cbor:"pubkey"`
	MasterPK  []byte `cbor:"master_pk"`
	ChainCode []byte `cbor:"chain_code"`
	CardNonce []byte `cbor:"card_nonce"`
}

// Derive runs SatsCard's unauthenticated "derive" command, which proves the
// card's master pubkey and chain code are the ones the current payment
// address was actually derived from: the returned signature is over
// SHA256("OPENDIME" || card_nonce || app_nonce || 0x00) computed with the card's
// identity pubkey, and must verify before the result is trusted.
func (s *SatsCard) Derive(ctx context.Context) (SatsCardDeriveResponse, error) {
	appNonce, err := auth.RandNonce()
	if err != nil {
		return SatsCardDeriveResponse{}, err
	}

	var resp SatsCardDeriveResponse
	if err := apdu.Exchange(ctx, s.Transport, satsCardDeriveCommand{Cmd: "derive", AppNonce: appNonce[:]}, &resp); err != nil {
		return SatsCardDeriveResponse{}, err
	}

	if err := cert.VerifyReadSignature(s.Pubkey, resp.Signature, s.CardNonce, appNonce, nil); err != nil {
		return SatsCardDeriveResponse{}, err
	}

	s.latchNonce(resp.CardNonce)
	return resp, nil
}
