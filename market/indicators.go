package market

import "math"

// Indicator computations are pure functions over a bar window so a
// snapshot can be replayed byte-for-byte in tests.

// EMA exponential moving average over the full series, seeded with the
// first value. Returns 0 when the series is empty.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 || period <= 0 {
		return 0
	}
	k := 2.0 / (float64(period) + 1.0)
	ema := values[0]
	for _, v := range values[1:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// RSI Wilder's relative strength index. Returns 50 (neutral) when there
// is not enough data to compute a value.
func RSI(values []float64, period int) float64 {
	if len(values) <= period || period <= 0 {
		return 50
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line (EMA12-EMA26) and its 9-period signal line.
func MACD(values []float64) (macd, signal float64) {
	if len(values) < 26 {
		return 0, 0
	}
	// Walk the series once, tracking both EMAs and feeding the signal EMA
	// with each MACD value as it forms.
	kFast := 2.0 / 13.0
	kSlow := 2.0 / 27.0
	kSig := 2.0 / 10.0
	fast, slow := values[0], values[0]
	sigInit := false
	for _, v := range values[1:] {
		fast = v*kFast + fast*(1-kFast)
		slow = v*kSlow + slow*(1-kSlow)
		m := fast - slow
		if !sigInit {
			signal = m
			sigInit = true
		} else {
			signal = m*kSig + signal*(1-kSig)
		}
		macd = m
	}
	return macd, signal
}

// ATR average true range over the bar window (Wilder smoothing).
func ATR(bars []Bar, period int) float64 {
	if len(bars) <= period || period <= 0 {
		return 0
	}
	var atr float64
	for i := 1; i <= period; i++ {
		atr += trueRange(bars[i], bars[i-1])
	}
	atr /= float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trueRange(bars[i], bars[i-1])) / float64(period)
	}
	return atr
}

func trueRange(cur, prev Bar) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// RealizedVol standard deviation of log returns over the window.
func RealizedVol(values []float64) float64 {
	if len(values) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 || values[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(values[i]/values[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

// Closes extracts the close series from a bar window.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
