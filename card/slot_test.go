package card

import "testing"

func TestSlotTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    SlotState
		to      SlotState
		wantErr bool
	}{
		{"sealed to unsealed", SlotSealed, SlotUnsealed, false},
		{"unsealed to used", SlotUnsealed, SlotUsed, false},
		{"sealed to used", SlotSealed, SlotUsed, true},
		{"used to unsealed", SlotUsed, SlotUnsealed, true},
		{"unsealed to sealed", SlotUnsealed, SlotSealed, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.from.transition(tc.to)
			if (err != nil) != tc.wantErr {
				t.Fatalf("transition(%v->%v) err = %v, wantErr %v", tc.from, tc.to, err, tc.wantErr)
			}
			if err == nil && got != tc.to {
				t.Errorf("transition result = %v, want %v", got, tc.to)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	truth := true
	falsity := false

	tests := []struct {
		name    string
		status  StatusResponse
		want    Variant
		wantErr bool
	}{
		{"satscard", StatusResponse{}, VariantSatsCard, false},
		{"tapsigner only", StatusResponse{TapSigner: &truth}, VariantTapSigner, false},
		{"tapsigner and satschip", StatusResponse{TapSigner: &truth, SatsChip: &truth}, VariantSatsChip, false},
		{"satschip false only", StatusResponse{SatsChip: &falsity}, VariantUnknown, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := classify(tc.status)
			if (err != nil) != tc.wantErr {
				t.Fatalf("classify() err = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && got != tc.want {
				t.Errorf("classify() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewSatsCardSlotStates(t *testing.T) {
	status := StatusResponse{Slots: []int{2, 10}}
	c := &Card{}
	sc := NewSatsCard(c, status)
	if sc.TotalSlots != 10 {
		t.Fatalf("TotalSlots = %d, want 10", sc.TotalSlots)
	}
	if sc.ActiveSlot != 2 {
		t.Fatalf("ActiveSlot = %d, want 2", sc.ActiveSlot)
	}
	for i := 0; i < sc.ActiveSlot; i++ {
		if sc.SlotStates[i] != SlotUsed {
			t.Errorf("slot %d = %v, want SlotUsed", i, sc.SlotStates[i])
		}
	}
	if sc.SlotStates[sc.ActiveSlot] != SlotSealed {
		t.Errorf("active slot %d = %v, want SlotSealed", sc.ActiveSlot, sc.SlotStates[sc.ActiveSlot])
	}
}
