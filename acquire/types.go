// Package acquire satisfies named-quantity resource requirements.
//
// Sources are tried in a fixed order: local stock, durable storage, then an open
// market. Each requirement's Policy restricts which sources may be used and its
// Strategy prices market offers. Acquisition is best effort: Gather never returns an
// error and never panics; anything it could not obtain is reported in Result.Missing.
package acquire

import (
	"errors"
	"fmt"
	"strings"
)

// ErrResourceExhausted is used by callers that want to turn a shortfall into an error.
var ErrResourceExhausted = errors.New("resource acquisition exhausted")

// Policy restricts the sources used for a requirement.
type Policy int

const (
	// PolicyAny tries local stock, storage, then the market.
	PolicyAny Policy = iota
	// PolicyLocalOnly only accepts what is already held.
	PolicyLocalOnly
	// PolicyStorageOnly tries local stock then storage.
	PolicyStorageOnly
	// PolicyMarketOnly tries local stock then the market.
	PolicyMarketOnly
	// PolicyNoMarket is PolicyStorageOnly under the name used by task authors.
	PolicyNoMarket
)

var policyNames = map[Policy]string{
	PolicyAny:         "any",
	PolicyLocalOnly:   "local_only",
	PolicyStorageOnly: "storage_only",
	PolicyMarketOnly:  "market_only",
	PolicyNoMarket:    "no_market",
}

// String returns the policy's configuration name.
func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePolicy parses a configuration name. The empty string is PolicyAny.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PolicyAny, nil
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return PolicyAny, fmt.Errorf("unknown source policy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// AllowsStorage reports whether storage may be used.
func (p Policy) AllowsStorage() bool {
	return p == PolicyAny || p == PolicyStorageOnly || p == PolicyNoMarket
}

// AllowsMarket reports whether the market may be used.
func (p Policy) AllowsMarket() bool {
	return p == PolicyAny || p == PolicyMarketOnly
}

// Requirement is a named quantity the task needs.
type Requirement struct {
	Name         string   `yaml:"name" json:"name"`
	Quantity     int      `yaml:"quantity" json:"quantity"`
	Policy       Policy   `yaml:"policy" json:"policy"`
	Strategy     Strategy `yaml:"strategy" json:"strategy"`
	FixedPrice   int      `yaml:"fixed_price" json:"fixed_price,omitempty"`
	AllowPartial bool     `yaml:"allow_partial" json:"allow_partial,omitempty"`
}

// Validate checks the requirement is well formed.
func (r Requirement) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("requirement name is required")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("requirement %s: quantity must be positive", r.Name)
	}
	if r.Strategy == StrategyFixed && r.FixedPrice <= 0 {
		return fmt.Errorf("requirement %s: fixed strategy needs a positive fixed_price", r.Name)
	}
	return nil
}

// Result is the outcome of Gather.
type Result struct {
	Success bool `json:"success"`
	// Obtained is how much of each requirement is now held, capped at the quantity.
	Obtained map[string]int `json:"obtained"`
	// Missing is the remaining shortfall of each requirement that was not satisfied.
	Missing    map[string]int `json:"missing"`
	LastAction string         `json:"last_action"`
}

func newResult() Result {
	return Result{
		Success:  true,
		Obtained: make(map[string]int),
		Missing:  make(map[string]int),
	}
}
