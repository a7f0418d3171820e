package fees

import (
	"errors"
	"testing"

	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/errs"
)

func TestEstimate(t *testing.T) {
	policy := config.FeePolicy{BufferBPS: 1000, MinFee: 1000, MaxFee: 50000}

	tests := []struct {
		name string
		rate uint64
		size uint64
		want uint64
	}{
		{"plain with buffer", 10, 180, 1980},              // 1800 + 10%
		{"clamped to floor", 1, 180, 1000},                // 198 -> floor
		{"clamped to ceiling", 1000, 180, 50000},          // 198000 -> ceiling
		{"exactly at floor after buffer", 5, 182, 1001},   // 910 + 91
		{"no rounding surprise", 100, 100, 11000},         // 10000 + 1000
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Estimate(tt.rate, tt.size, policy)
			if err != nil {
				t.Fatalf("Estimate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Estimate(%d, %d) = %d, want %d", tt.rate, tt.size, got, tt.want)
			}
		})
	}
}

func TestEstimateRejects(t *testing.T) {
	policy := config.FeePolicy{BufferBPS: 1000, MinFee: 1000, MaxFee: 50000}

	tests := []struct {
		name   string
		rate   uint64
		size   uint64
		policy config.FeePolicy
	}{
		{"zero rate", 0, 180, policy},
		{"zero size", 10, 0, policy},
		{"inverted bounds", 10, 180, config.FeePolicy{MinFee: 100, MaxFee: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Estimate(tt.rate, tt.size, tt.policy)
			if !errors.Is(err, errs.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestEscalateRate(t *testing.T) {
	tests := []struct {
		name          string
		base          uint64
		attempt       uint32
		escalationBPS uint32
		want          uint64
	}{
		{"attempt zero is base", 100, 0, 2500, 100},
		{"single escalation", 100, 1, 2500, 125},
		{"compound escalation", 100, 2, 2500, 156},
		{"three attempts", 100, 3, 2500, 195},
		{"zero escalation stays flat", 100, 4, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscalateRate(tt.base, tt.attempt, tt.escalationBPS); got != tt.want {
				t.Errorf("EscalateRate(%d, %d, %d) = %d, want %d",
					tt.base, tt.attempt, tt.escalationBPS, got, tt.want)
			}
		})
	}
}

func TestEscalationStaysUnderCeiling(t *testing.T) {
	policy := config.FeePolicy{BufferBPS: 0, MinFee: 0, MaxFee: 100000}

	for attempt := uint32(0); attempt < 10; attempt++ {
		rate := EscalateRate(50, attempt, 5000)
		fee, err := Estimate(rate, 200, policy)
		if err != nil {
			t.Fatalf("Estimate() error = %v", err)
		}
		if fee > policy.MaxFee {
			t.Fatalf("attempt %d fee %d exceeds ceiling %d", attempt, fee, policy.MaxFee)
		}
	}
}
