package acquire

import (
	"fmt"
	"math/big"
	"strings"
)

// Strategy prices market offers relative to the reference price.
type Strategy int

const (
	// StrategyModerate offers +10%. It is the zero value.
	StrategyModerate Strategy = iota
	// StrategyConservative offers +5%.
	StrategyConservative
	// StrategyAggressive offers +15%.
	StrategyAggressive
	// StrategyInstant offers +50%.
	StrategyInstant
	// StrategyExtreme offers +200%.
	StrategyExtreme
	// StrategyFixed offers Requirement.FixedPrice and never escalates.
	StrategyFixed
)

var strategyNames = map[Strategy]string{
	StrategyModerate:     "moderate",
	StrategyConservative: "conservative",
	StrategyAggressive:   "aggressive",
	StrategyInstant:      "instant",
	StrategyExtreme:      "extreme",
	StrategyFixed:        "fixed",
}

var strategyMarkup = map[Strategy]int64{
	StrategyConservative: 5,
	StrategyModerate:     10,
	StrategyAggressive:   15,
	StrategyInstant:      50,
	StrategyExtreme:      200,
}

// String returns the strategy's configuration name.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStrategy parses a configuration name. The empty string is StrategyModerate.
func ParseStrategy(s string) (Strategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StrategyModerate, nil
	}
	for st, name := range strategyNames {
		if name == s {
			return st, nil
		}
	}
	return StrategyModerate, fmt.Errorf("unknown pricing strategy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarkupPercent returns the strategy's markup over the reference price.
func (s Strategy) MarkupPercent() int {
	return int(strategyMarkup[s])
}

// Offer returns the per-unit price to offer on the given 1-based attempt.
//
// Percentage strategies start at base = reference*(100+markup)/100, truncated. Attempt n
// offers base*((100+retryPercent)/100)^(n-1), compounded on that base and truncated.
// StrategyFixed always offers fixed.
func Offer(s Strategy, reference, fixed, attempt, retryPercent int) int {
	if s == StrategyFixed {
		return fixed
	}
	if attempt < 1 {
		attempt = 1
	}

	base := big.NewInt(int64(reference))
	base.Mul(base, big.NewInt(100+strategyMarkup[s]))
	base.Quo(base, big.NewInt(100))

	num := new(big.Int).Set(base)
	den := big.NewInt(1)
	step := big.NewInt(int64(100 + retryPercent))
	hundred := big.NewInt(100)
	for i := 1; i < attempt; i++ {
		num.Mul(num, step)
		den.Mul(den, hundred)
	}
	return int(num.Quo(num, den).Int64())
}
