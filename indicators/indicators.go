// Package indicators provides the streaming and batch statistics the desk's
// strategies and risk engine compute over price series.
package indicators

import "fmt"

// EMA is a streaming exponential moving average over a price series.
// It is deterministic and safe to use in live runs and backtests.
type EMA struct {
	period     int
	multiplier float64
	ema        float64
	count      int
	warmupSum  float64
}

// NewEMA creates a streaming EMA with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA(%d)", e.period)
}

// Warmup returns how many updates are needed before Ready can be true.
func (e *EMA) Warmup() int {
	return e.period
}

func (e *EMA) Reset() {
	e.ema = 0
	e.count = 0
	e.warmupSum = 0
}

// Update consumes the next price. During warmup the EMA seeds from an SMA of
// the first period prices.
func (e *EMA) Update(price float64) {
	if e.count < e.period {
		e.warmupSum += price
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = (price-e.ema)*e.multiplier + e.ema
}

// Ready reports whether Value is meaningful (warmup completed).
func (e *EMA) Ready() bool {
	return e.count >= e.period
}

// Value returns the current EMA, or 0 before warmup completes.
func (e *EMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}

// Returns converts a price series into simple period-over-period returns.
// Zero prices are skipped rather than dividing by zero.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev == 0 {
			continue
		}
		out = append(out, (prices[i]-prev)/prev)
	}
	return out
}

// PVariance returns the population variance of the series, or 0 when fewer
// than two samples are available.
func PVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return variance / float64(len(values))
}
