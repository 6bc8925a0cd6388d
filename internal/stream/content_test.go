package stream

import (
	"strings"
	"testing"
)

func TestApplyDeltaConcatenatesInOrder(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
	}{
		{name: "empty stream", deltas: nil},
		{name: "single delta", deltas: []string{"hello"}},
		{name: "many small deltas", deltas: []string{"a", "b", "c", "d", "e"}},
		{name: "multibyte text", deltas: []string{"主角", "在第", "12章", "离开了首都"}},
		{name: "repeated fragments", deltas: []string{"ha", "ha", "ha"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var acc Accumulator
			for _, d := range tt.deltas {
				if _, err := acc.ApplyDelta(TargetReasoning, d); err != nil {
					t.Fatalf("ApplyDelta: %v", err)
				}
			}
			want := strings.Join(tt.deltas, "")
			if got := acc.Reasoning(); got != want {
				t.Errorf("Reasoning = %q, want %q", got, want)
			}
		})
	}
}

func TestApplyDeltaUnknownTarget(t *testing.T) {
	var acc Accumulator
	if _, err := acc.ApplyDelta("footnotes", "x"); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestApplyDeltaReturnsNewLength(t *testing.T) {
	var acc Accumulator
	n, err := acc.ApplyDelta(TargetAnswer, "abc")
	if err != nil || n != 3 {
		t.Fatalf("ApplyDelta = (%d, %v), want (3, nil)", n, err)
	}
	n, _ = acc.ApplyDelta(TargetAnswer, "de")
	if n != 5 {
		t.Errorf("ApplyDelta = %d, want 5", n)
	}
}

func TestCollapseStep(t *testing.T) {
	tests := []struct {
		name                   string
		prevR, prevA, newR, newA int
		want                   bool
	}{
		{name: "nothing yet", want: false},
		{name: "reasoning still growing", prevR: 10, newR: 20, want: false},
		{name: "answer growing while reasoning grows", prevR: 10, newR: 20, prevA: 0, newA: 5, want: false},
		{name: "answer growing while reasoning holds", prevR: 20, newR: 20, prevA: 0, newA: 5, want: true},
		{name: "answer stalled", prevR: 20, newR: 20, prevA: 5, newA: 5, want: false},
		{name: "answer present but not increasing", prevR: 20, newR: 20, prevA: 8, newA: 8, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collapseStep(tt.prevR, tt.prevA, tt.newR, tt.newA)
			if got != tt.want {
				t.Errorf("collapseStep(%d,%d,%d,%d) = %v, want %v",
					tt.prevR, tt.prevA, tt.newR, tt.newA, got, tt.want)
			}
		})
	}
}

// Two reasoning deltas, then answer output begins while the reasoning buffer
// holds still: the signal fires on that sample and never again.
func TestReasoningCompleteFiresExactlyOnce(t *testing.T) {
	var acc Accumulator

	acc.ApplyDelta(TargetReasoning, "Step 1. ")
	if acc.Observe() {
		t.Fatal("fired while only reasoning was growing")
	}
	acc.ApplyDelta(TargetReasoning, "Step 2. ")
	if acc.Observe() {
		t.Fatal("fired while only reasoning was growing")
	}

	acc.ApplyDelta(TargetAnswer, "A")
	if !acc.Observe() {
		t.Fatal("expected reasoning-complete to fire")
	}
	if got := acc.Reasoning(); got != "Step 1. Step 2. " {
		t.Errorf("Reasoning = %q, want %q", got, "Step 1. Step 2. ")
	}

	// further answer growth must not re-fire the latch
	acc.ApplyDelta(TargetAnswer, "B")
	if acc.Observe() {
		t.Error("latch re-fired on later answer growth")
	}
	// nor an answer stall followed by more growth
	if acc.Observe() {
		t.Error("latch re-fired on stall")
	}
	if !acc.ReasoningComplete() {
		t.Error("latch should remain set")
	}
}

func TestAccumulatorResetRearmsLatch(t *testing.T) {
	var acc Accumulator
	acc.ApplyDelta(TargetReasoning, "think")
	acc.Observe()
	acc.ApplyDelta(TargetAnswer, "answer")
	if !acc.Observe() {
		t.Fatal("expected latch to fire")
	}

	acc.Reset()
	if acc.Reasoning() != "" || acc.Answer() != "" {
		t.Error("buffers not cleared on reset")
	}
	if acc.ReasoningComplete() {
		t.Error("latch not re-armed on reset")
	}

	acc.ApplyDelta(TargetReasoning, "again")
	acc.Observe()
	acc.ApplyDelta(TargetAnswer, "a")
	if !acc.Observe() {
		t.Error("latch should fire again after reset")
	}
}
