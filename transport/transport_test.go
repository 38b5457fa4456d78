package transport

import "testing"

func TestSequencerWraps(t *testing.T) {
	var s Sequencer
	s.next = 255
	if got := s.Next(); got != 255 {
		t.Fatalf("Next() = %d, want 255", got)
	}
	if got := s.Next(); got != 0 {
		t.Fatalf("Next() after wrap = %d, want 0", got)
	}
	if got := s.Next(); got != 1 {
		t.Fatalf("Next() = %d, want 1", got)
	}
}
