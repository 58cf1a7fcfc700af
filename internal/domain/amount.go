package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a non-negative integer quantity of minor units (6 decimals for
// USDC). It is encoded as a decimal string on the wire.
type Amount int64

// ParseAmount parses a decimal string of minor units.
func ParseAmount(raw string) (Amount, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	v, err := strconv.ParseInt(clean, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("amount %q is negative", raw)
	}
	return Amount(v), nil
}

func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts either a decimal string or a bare JSON integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*a = 0
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		v, err := ParseAmount(s)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	v, err := ParseAmount(string(trimmed))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalYAML keeps the decimal string form in operator output.
func (a Amount) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}
