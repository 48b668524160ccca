package domain

import (
	"fmt"
	"strings"
)

// Outcome is one side of a binary condition.
type Outcome uint8

const (
	OutcomeHigh Outcome = iota + 1
	OutcomeLow
)

// String returns "high" or "low".
func (o Outcome) String() string {
	switch o {
	case OutcomeHigh:
		return "high"
	case OutcomeLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether o names one of the two sides.
func (o Outcome) Valid() bool {
	return o == OutcomeHigh || o == OutcomeLow
}

// ParseOutcome accepts "high"/"low" (any case) and the numeric forms "1"/"2"
// used by the market contract interface.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "1":
		return OutcomeHigh, nil
	case "low", "2":
		return OutcomeLow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return []byte(""), nil
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*o = 0
		return nil
	}
	v, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}
