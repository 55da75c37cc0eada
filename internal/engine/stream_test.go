package engine

import "testing"

func TestVestedAmount(t *testing.T) {
	s := &Stream{
		Amount:          10_000_000,
		RatePerMinute:   1_000_000,
		StartTime:       1_700_000_000,
		DurationMinutes: 10,
	}

	tests := []struct {
		name string
		now  int64
		want uint64
	}{
		{name: "before start", now: s.StartTime - 30, want: 0},
		{name: "exactly at start", now: s.StartTime, want: 0},
		{name: "partial minute never vests", now: s.StartTime + 59, want: 0},
		{name: "one whole minute", now: s.StartTime + 60, want: 1_000_000},
		{name: "sixty five seconds floors to one minute", now: s.StartTime + 65, want: 1_000_000},
		{name: "three and a half minutes floors to three", now: s.StartTime + 210, want: 3_000_000},
		{name: "exactly at duration", now: s.StartTime + 600, want: 10_000_000},
		{name: "past duration caps at principal", now: s.StartTime + 6000, want: 10_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.VestedAmount(tt.now)
			if got != tt.want {
				t.Fatalf("expected vested=%d, got %d", tt.want, got)
			}
		})
	}
}

func TestVestedAmountCapsAtPrincipalWhenOverScheduled(t *testing.T) {
	// Principal above the scheduled total: vesting stops at rate*duration.
	s := &Stream{
		Amount:          7_000_000,
		RatePerMinute:   1_000_000,
		StartTime:       0,
		DurationMinutes: 5,
	}
	if got := s.VestedAmount(s.StartTime + 3600); got != 5_000_000 {
		t.Fatalf("expected vesting clamped to scheduled total 5000000, got %d", got)
	}
}

func TestRedeemableAmountNeverNegative(t *testing.T) {
	s := &Stream{
		Amount:          5_000_000,
		RatePerMinute:   1_000_000,
		StartTime:       0,
		DurationMinutes: 5,
		Redeemed:        3_000_000,
	}
	if got := s.RedeemableAmount(s.StartTime + 120); got != 0 {
		t.Fatalf("expected zero redeemable when paid ahead of vesting, got %d", got)
	}
	if got := s.RedeemableAmount(s.StartTime + 240); got != 1_000_000 {
		t.Fatalf("expected redeemable=1000000 at four minutes, got %d", got)
	}
}

func TestFeeSplit(t *testing.T) {
	tests := []struct {
		name    string
		gross   uint64
		pct     uint8
		wantFee uint64
		wantNet uint64
	}{
		{name: "five percent", gross: 1_000_000, pct: 5, wantFee: 50_000, wantNet: 950_000},
		{name: "zero percent", gross: 1_000_000, pct: 0, wantFee: 0, wantNet: 1_000_000},
		{name: "hundred percent", gross: 1_000_000, pct: 100, wantFee: 1_000_000, wantNet: 0},
		{name: "floors the fee", gross: 33, pct: 10, wantFee: 3, wantNet: 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, net := feeSplit(tt.gross, tt.pct)
			if fee != tt.wantFee || net != tt.wantNet {
				t.Fatalf("expected fee=%d net=%d, got fee=%d net=%d", tt.wantFee, tt.wantNet, fee, net)
			}
			if fee+net != tt.gross {
				t.Fatalf("fee split lost value: %d + %d != %d", fee, net, tt.gross)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	s := &Stream{StartTime: 1000, DurationMinutes: 10}
	if s.Expired(1000 + 599) {
		t.Fatal("stream should not be expired one second before full duration")
	}
	if !s.Expired(1000 + 600) {
		t.Fatal("stream should be expired exactly at full duration")
	}
}
