package ton

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const NanoPerTON = 1_000_000_000

var (
	nanoScale = decimal.New(1, 9)
	maxNano   = decimal.New(math.MaxInt64, 0)
)

// NanoToTON formats nanoTON as a decimal TON string ("1.5").
func NanoToTON(nano int64) string {
	return decimal.New(nano, -9).String()
}

// ParseTON converts a decimal TON string (e.g. "5.5") to nanoTON.
// Digits past the ninth decimal place are dropped.
func ParseTON(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty TON amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid TON amount: %s", s)
	}
	if d.Sign() < 0 {
		return 0, fmt.Errorf("negative TON amount: %s", s)
	}
	nano := d.Mul(nanoScale).Truncate(0)
	if nano.GreaterThan(maxNano) {
		return 0, fmt.Errorf("TON amount out of range: %s", s)
	}
	return nano.IntPart(), nil
}

// AddNano returns a+b, or false if the sum does not fit in int64.
func AddNano(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// FeeFor returns price * bps / 10000, rounded down.
func FeeFor(price int64, bps int) int64 {
	return decimal.New(price, 0).
		Mul(decimal.New(int64(bps), 0)).
		Div(decimal.New(10_000, 0)).
		Truncate(0).
		IntPart()
}
