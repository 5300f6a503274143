package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredits(t *testing.T) {
	tests := []struct {
		name     string
		cpu      float64
		gpu      float64
		ram      float64
		online   float64
		offline  float64
		expected float64
	}{
		{
			name:     "cpu only",
			cpu:      2,
			expected: 2.0,
		},
		{
			name:     "gpu dominates",
			gpu:      1,
			expected: 25.0,
		},
		{
			name:     "ram",
			ram:      10,
			expected: 0.5,
		},
		{
			name:     "storage month fractions",
			online:   1, // A full GB-month
			offline:  1,
			expected: 6.0,
		},
		{
			name:     "mixed workload",
			cpu:      2,
			gpu:      0.5,
			ram:      4,
			expected: 2 + 12.5 + 0.2,
		},
		{
			name:     "zero everything",
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Credits(tt.cpu, tt.gpu, tt.ram, tt.online, tt.offline)
			assert.InDelta(t, tt.expected, got, 1e-9)
		})
	}
}

func TestCreditsReproducible(t *testing.T) {
	// The aggregator computes the same contribution twice (reversal then
	// reapply); the two results must be identical, not merely close.
	a := Credits(1.234567, 0.891011, 12.131415, 0.002, 0.004)
	b := Credits(1.234567, 0.891011, 12.131415, 0.002, 0.004)
	assert.Equal(t, a, b)
}

func TestDollars(t *testing.T) {
	assert.InDelta(t, 0.04, Dollars(1), 1e-9)
	assert.InDelta(t, 1.0, Dollars(25), 1e-9)
	assert.Equal(t, 0.0, Dollars(0))
}

func TestStorageGBMonthFraction(t *testing.T) {
	// 730 hourly cycles of the same snapshot recover one GB-month
	frac := StorageGBMonthFraction(1)
	assert.InDelta(t, 1.0, frac*HoursPerMonth, 1e-3)

	assert.Equal(t, 0.0, StorageGBMonthFraction(0))
	assert.Equal(t, 0.0, StorageGBMonthFraction(-5))
}

func TestStorageCostRecoversFullMonth(t *testing.T) {
	// 10 GB online for a month at 5 credits/GB-month = 50 credits = $2
	var credits float64
	for i := 0; i < int(HoursPerMonth); i++ {
		credits += Credits(0, 0, 0, StorageGBMonthFraction(10), 0)
	}
	assert.InDelta(t, 50.0, credits, 0.05)
	assert.InDelta(t, 2.0, Dollars(credits), 0.01)
}
