package instrument

import "github.com/shopspring/decimal"

// ConvertTicksToPoints rescales a tick distance into destination points,
// rounding half up. Negative ticks clamp to zero; non-positive sizes yield zero.
func ConvertTicksToPoints(ticks int32, e Entry) int64 {
	if ticks <= 0 || !(e.TickSize > 0) || !(e.PointSize > 0) {
		return 0
	}
	// NewFromFloat keeps the shortest decimal form, so 0.1 stays exactly 0.1.
	v := decimal.NewFromInt32(ticks).
		Mul(decimal.NewFromFloat(e.TickSize)).
		Div(decimal.NewFromFloat(e.PointSize))
	return v.Round(0).IntPart()
}
