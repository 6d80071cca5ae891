package model

import "testing"

func TestTier_Ordering(t *testing.T) {
	if !(TierCheap < TierCapable && TierCapable < TierPremium) {
		t.Fatal("tier ordering must be CHEAP < CAPABLE < PREMIUM")
	}
}

func TestTier_Next(t *testing.T) {
	next, ok := TierCheap.Next()
	if !ok || next != TierCapable {
		t.Errorf("expected CHEAP.Next() = CAPABLE, got %v ok=%v", next, ok)
	}

	next, ok = TierCapable.Next()
	if !ok || next != TierPremium {
		t.Errorf("expected CAPABLE.Next() = PREMIUM, got %v ok=%v", next, ok)
	}

	if _, ok := TierPremium.Next(); ok {
		t.Error("PREMIUM must have no next tier")
	}
}

func TestParseTier(t *testing.T) {
	cases := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"CHEAP", TierCheap, false},
		{"capable", TierCapable, false},
		{" Premium ", TierPremium, false},
		{"", 0, true},
		{"ULTRA", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseTier(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTier(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTier(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTier(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDescriptor_Cost(t *testing.T) {
	d := Descriptor{
		ID:                "m-test",
		InputMicrosPer1M:  3_000_000,  // 3.00 per 1M input
		OutputMicrosPer1M: 15_000_000, // 15.00 per 1M output
	}

	t.Run("exact integer arithmetic", func(t *testing.T) {
		// 1500 input + 500 output tokens:
		// 1500*3_000_000/1e6 + 500*15_000_000/1e6 = 4500 + 7500.
		got := d.Cost(1500, 500)
		if got != 12_000 {
			t.Errorf("Cost(1500, 500) = %d micros, want 12000", got)
		}
	})

	t.Run("zero tokens cost nothing", func(t *testing.T) {
		if got := d.Cost(0, 0); got != 0 {
			t.Errorf("Cost(0,0) = %d, want 0", got)
		}
	})

	t.Run("sums stay monotonic over many calls", func(t *testing.T) {
		var total int64
		for i := 0; i < 1000; i++ {
			prev := total
			total += d.Cost(100, 50)
			if total < prev {
				t.Fatal("accumulated cost decreased")
			}
		}
		// 1000 * (300 + 750) micros, no float drift.
		if total != 1_050_000 {
			t.Errorf("accumulated cost = %d, want 1050000", total)
		}
	})
}

func TestToMicrosPer1M(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{0.25, 250_000},
		{3.00, 3_000_000},
		{75.00, 75_000_000},
		{0.075, 75_000},
		{0, 0},
	}
	for _, tc := range cases {
		if got := ToMicrosPer1M(tc.in); got != tc.want {
			t.Errorf("ToMicrosPer1M(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDefaultDescriptor(t *testing.T) {
	d, ok := DefaultDescriptor("claude-3-haiku")
	if !ok {
		t.Fatal("expected claude-3-haiku in the default pricing table")
	}
	if d.Tier != TierCheap {
		t.Errorf("expected claude-3-haiku at CHEAP, got %v", d.Tier)
	}
	if d.InputMicrosPer1M != 250_000 {
		t.Errorf("expected input rate 250000 micros, got %d", d.InputMicrosPer1M)
	}

	if _, ok := DefaultDescriptor("no-such-model"); ok {
		t.Error("unknown model must not resolve")
	}
}
