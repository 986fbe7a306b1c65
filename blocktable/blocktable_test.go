package blocktable

import "testing"

func TestLifecycle(t *testing.T) {
	tb := New(4)

	tb.RequestOutstandingInc(0)
	tb.RequestOutstandingInc(0)
	if got := tb.Outstanding(0); got != 2 {
		t.Fatalf("Outstanding(0) = %d, want 2", got)
	}

	tb.MarkHave(0)
	if !tb.IsHave(0) {
		t.Fatal("expected block 0 to be have")
	}
	if got := tb.Outstanding(0); got != 0 {
		t.Fatalf("Outstanding on have block = %d, want 0", got)
	}

	tb.RequestOutstandingInc(0) // should be a no-op once have
	if tb[0] != -1 {
		t.Fatalf("requesting a have block mutated it: %d", tb[0])
	}
}

func TestResetRangeOnHashMismatch(t *testing.T) {
	tb := New(4)
	for i := range tb {
		tb.MarkHave(i)
	}

	tb.ResetRange(0, 4)
	if got := tb.HaveCount(); got != 0 {
		t.Fatalf("HaveCount after reset = %d, want 0", got)
	}
}

func TestRequestOutstandingDecNeverNegative(t *testing.T) {
	tb := New(1)
	tb.RequestOutstandingDec(0)
	if tb[0] != 0 {
		t.Fatalf("dec below zero: %d", tb[0])
	}
}
