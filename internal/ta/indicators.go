// Package ta provides pure technical-analysis math over price/volume slices.
// Functions take plain slices and return values with an ok flag when the
// input can be insufficient; none of them allocate beyond their result.
package ta

import (
	"math"
	"sort"

	"metal-sentinel/internal/domain"
)

// PivotPoints computes classic floor-trader pivots from the prior session's
// high, low and close.
func PivotPoints(high, low, close float64) domain.PivotSet {
	pp := (high + low + close) / 3
	rng := high - low
	return domain.PivotSet{
		PP: pp,
		R1: 2*pp - low,
		S1: 2*pp - high,
		R2: pp + rng,
		S2: pp - rng,
		R3: high + 2*(pp-low),
		S3: low - 2*(high-pp),
	}
}

// SMA returns the simple moving average of the last period values.
// ok is false when fewer than period values are available.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// VWAP returns the volume-weighted average price. ok is false when no
// positive volume exists, in which case the caller should skip the level
// rather than fall back to an unweighted mean.
func VWAP(prices, volumes []float64) (float64, bool) {
	n := len(prices)
	if n == 0 || len(volumes) < n {
		return 0, false
	}
	var pv, vol float64
	for i := 0; i < n; i++ {
		if volumes[i] <= 0 {
			continue
		}
		pv += prices[i] * volumes[i]
		vol += volumes[i]
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// VolumeZone is a price band that concentrated traded volume.
type VolumeZone struct {
	Price  float64 // bin midpoint
	Volume float64
}

// VolumeZones buckets the price range into bins histogram-style, weights each
// bin by traded volume, and returns the top bins by volume, highest first.
func VolumeZones(prices, volumes []float64, bins, top int) []VolumeZone {
	n := len(prices)
	if n == 0 || len(volumes) < n || bins <= 0 || top <= 0 {
		return nil
	}
	lo, hi := prices[0], prices[0]
	for _, p := range prices[1:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	if hi <= lo {
		return nil
	}
	width := (hi - lo) / float64(bins)
	acc := make([]float64, bins)
	for i := 0; i < n; i++ {
		if volumes[i] <= 0 {
			continue
		}
		b := int((prices[i] - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		acc[b] += volumes[i]
	}
	zones := make([]VolumeZone, 0, bins)
	for b, v := range acc {
		if v <= 0 {
			continue
		}
		zones = append(zones, VolumeZone{
			Price:  lo + (float64(b)+0.5)*width,
			Volume: v,
		})
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].Volume > zones[j].Volume })
	if len(zones) > top {
		zones = zones[:top]
	}
	return zones
}

// TouchLevel is a price repeatedly revisited within tolerance.
type TouchLevel struct {
	Price   float64 // cluster mean
	Touches int
}

// MultiTouchLevels clusters local extrema that fall within tolerancePct of
// each other and keeps clusters with at least two members. An extremum is a
// point higher or lower than both neighbors. Results are sorted by touch
// count, strongest first.
func MultiTouchLevels(prices []float64, tolerancePct float64) []TouchLevel {
	if len(prices) < 3 || tolerancePct <= 0 {
		return nil
	}
	var extrema []float64
	for i := 1; i < len(prices)-1; i++ {
		p := prices[i]
		if (p > prices[i-1] && p > prices[i+1]) || (p < prices[i-1] && p < prices[i+1]) {
			extrema = append(extrema, p)
		}
	}
	if len(extrema) < 2 {
		return nil
	}
	sort.Float64s(extrema)

	var levels []TouchLevel
	start := 0
	for i := 1; i <= len(extrema); i++ {
		// Extend the cluster while the next extremum stays within tolerance
		// of the cluster's anchor.
		if i < len(extrema) && extrema[i] <= extrema[start]*(1+tolerancePct/100) {
			continue
		}
		if n := i - start; n >= 2 {
			var sum float64
			for _, p := range extrema[start:i] {
				sum += p
			}
			levels = append(levels, TouchLevel{Price: sum / float64(n), Touches: n})
		}
		start = i
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Touches > levels[j].Touches })
	return levels
}
