package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/Alias1177/OddsCollector/models"
)

// Format is a presentation format for odds.
type Format string

const (
	FormatDecimal    Format = "decimal"
	FormatFractional Format = "fractional"
	FormatAmerican   Format = "american"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)

	countrySuffix = regexp.MustCompile(`\s*\([A-Za-z]{2,3}\)\s*$`)
)

// RoundOdds rounds decimal odds to two places.
func RoundOdds(odds float64) float64 {
	f, _ := decimal.NewFromFloat(odds).Round(2).Float64()
	return f
}

// ImpliedProbability returns the implied probability of decimal odds in percent.
func ImpliedProbability(odds float64) float64 {
	if odds <= 0 {
		return 0
	}
	return 100 / odds
}

// BookmakerMargin is the overround of a market: the sum of implied
// probabilities minus 100. Negative means the book can be backed for profit.
func BookmakerMargin(odds []float64) float64 {
	return TotalImpliedProbability(odds) - 100
}

// TotalImpliedProbability sums implied probabilities in percent.
func TotalImpliedProbability(odds []float64) float64 {
	total := 0.0
	for _, o := range odds {
		total += ImpliedProbability(o)
	}
	return total
}

// DecimalToFractional converts decimal odds to a reduced fraction of the
// profit, e.g. 2.50 -> "3/2". Odds are taken to two decimal places.
func DecimalToFractional(odds float64) (string, error) {
	if odds <= 1 {
		return "", fmt.Errorf("decimal odds must be greater than 1, got %v", odds)
	}
	num := decimal.NewFromFloat(odds).Sub(one).Round(2).Mul(hundred).IntPart()
	den := int64(100)
	g := gcd(num, den)
	return fmt.Sprintf("%d/%d", num/g, den/g), nil
}

// FractionalToDecimal converts "a/b" (or a whole number "a") to decimal odds.
func FractionalToDecimal(fractional string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(fractional), "/")
	if len(parts) > 2 {
		return 0, fmt.Errorf("invalid fractional odds %q", fractional)
	}
	num, err := decimal.NewFromString(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, fmt.Errorf("invalid fractional odds %q: %w", fractional, err)
	}
	den := one
	if len(parts) == 2 {
		den, err = decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, fmt.Errorf("invalid fractional odds %q: %w", fractional, err)
		}
	}
	if !den.IsPositive() || num.IsNegative() {
		return 0, fmt.Errorf("invalid fractional odds %q", fractional)
	}
	f, _ := num.DivRound(den, 4).Add(one).Round(2).Float64()
	return f, nil
}

// DecimalToAmerican converts decimal odds to moneyline odds:
// +150 for 2.50, -200 for 1.50.
func DecimalToAmerican(odds float64) (int, error) {
	if odds <= 1 {
		return 0, fmt.Errorf("decimal odds must be greater than 1, got %v", odds)
	}
	profit := decimal.NewFromFloat(odds).Sub(one)
	if odds >= 2 {
		return int(profit.Mul(hundred).Round(0).IntPart()), nil
	}
	return int(hundred.Neg().DivRound(profit, 0).IntPart()), nil
}

// AmericanToDecimal converts moneyline odds to decimal odds.
func AmericanToDecimal(american int) (float64, error) {
	a := decimal.NewFromInt(int64(american))
	var d decimal.Decimal
	switch {
	case american >= 100:
		d = a.DivRound(hundred, 4).Add(one)
	case american <= -100:
		d = hundred.DivRound(a.Abs(), 4).Add(one)
	default:
		return 0, fmt.Errorf("american odds must be <= -100 or >= 100, got %d", american)
	}
	f, _ := d.Round(2).Float64()
	return f, nil
}

// FormatOdds renders decimal odds in the requested format.
func FormatOdds(odds float64, format Format) (string, error) {
	switch format {
	case FormatDecimal, "":
		return strconv.FormatFloat(RoundOdds(odds), 'f', 2, 64), nil
	case FormatFractional:
		return DecimalToFractional(odds)
	case FormatAmerican:
		a, err := DecimalToAmerican(odds)
		if err != nil {
			return "", err
		}
		if a > 0 {
			return fmt.Sprintf("+%d", a), nil
		}
		return strconv.Itoa(a), nil
	}
	return "", fmt.Errorf("unknown odds format %q", format)
}

// NormalizeHorseName trims, drops a trailing country code such as "(NZ)",
// strips punctuation, collapses whitespace and lowercases.
func NormalizeHorseName(name string) string {
	name = countrySuffix.ReplaceAllString(strings.TrimSpace(name), "")
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// BestOddsPerHorse keeps the longest win price per horse across bookmakers,
// keyed by normalized horse name.
func BestOddsPerHorse(records []models.NormalizedOdds) map[string]models.NormalizedOdds {
	best := make(map[string]models.NormalizedOdds)
	for _, r := range records {
		if math.IsNaN(r.WinOdds) || r.WinOdds <= 0 {
			continue
		}
		key := NormalizeHorseName(r.HorseName)
		if cur, ok := best[key]; !ok || r.WinOdds > cur.WinOdds {
			best[key] = r
		}
	}
	return best
}

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}
