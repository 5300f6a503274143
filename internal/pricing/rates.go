// Package pricing converts raw resource measurements into credits and
// dollars. Everything here is pure: the aggregator calls it twice per cycle
// (reversal and reapply) and the two results must match bit for bit.
package pricing

import "github.com/shopspring/decimal"

// Rate table, in credits. Storage rates are per GB-month; a snapshot is
// pro-rated into a fractional GB-month per hourly cycle.
var (
	creditsPerCPUHour        = decimal.NewFromFloat(1.0)
	creditsPerGPUHour        = decimal.NewFromFloat(25.0)
	creditsPerRAMGBHour      = decimal.NewFromFloat(0.05)
	creditsPerOnlineGBMonth  = decimal.NewFromFloat(5.0)
	creditsPerOfflineGBMonth = decimal.NewFromFloat(1.0)

	dollarsPerCredit = decimal.NewFromFloat(0.04)
)

// HoursPerMonth is the fixed pro-ration constant for storage billing: a
// snapshot held across ~730 hourly cycles recovers one full GB-month. This is
// a deliberate policy choice; actual elapsed time between snapshots is not
// consulted.
const HoursPerMonth = 730.0

// creditPrecision bounds results to a reproducible number of decimal places
const creditPrecision = 6

// Credits converts one cycle's resource measurements to credits. Storage
// arguments are fractions of a GB-month (occupied GB divided by
// HoursPerMonth for an hourly cycle).
func Credits(cpuHours, gpuHours, ramGBHours, onlineGBMonthFraction, offlineGBMonthFraction float64) float64 {
	total := decimal.NewFromFloat(cpuHours).Mul(creditsPerCPUHour).
		Add(decimal.NewFromFloat(gpuHours).Mul(creditsPerGPUHour)).
		Add(decimal.NewFromFloat(ramGBHours).Mul(creditsPerRAMGBHour)).
		Add(decimal.NewFromFloat(onlineGBMonthFraction).Mul(creditsPerOnlineGBMonth)).
		Add(decimal.NewFromFloat(offlineGBMonthFraction).Mul(creditsPerOfflineGBMonth))

	f, _ := total.Round(creditPrecision).Float64()
	return f
}

// Dollars converts credits to dollars at the fixed exchange rate
func Dollars(credits float64) float64 {
	f, _ := decimal.NewFromFloat(credits).Mul(dollarsPerCredit).Round(creditPrecision).Float64()
	return f
}

// StorageGBMonthFraction pro-rates an occupancy reading (in GB) into the
// fraction of a GB-month one hourly cycle represents.
func StorageGBMonthFraction(storageGB float64) float64 {
	if storageGB <= 0 {
		return 0
	}
	f, _ := decimal.NewFromFloat(storageGB).
		Div(decimal.NewFromFloat(HoursPerMonth)).
		Round(creditPrecision + 3).
		Float64()
	return f
}
