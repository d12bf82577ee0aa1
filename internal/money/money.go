// Package money provides the fixed-point decimal type used for every
// price, quantity, fee, and PnL field in the core. Binary floats are a
// correctness hazard for monetary state and are permitted only for
// transient indicator math that is quantized immediately.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimal is a thin, GORM-friendly alias over shopspring/decimal so the
// rest of the core never imports the underlying library directly.
type Decimal = decimal.Decimal

// Zero is the additive identity.
var Zero = decimal.Zero

// New constructs a Decimal from an int64 value and scale, matching
// decimal.New's (value, exp) convention.
func New(value int64, exp int32) Decimal {
	return decimal.New(value, exp)
}

// NewFromFloat quantizes a transient float (e.g. a wave-price exponent
// result) into a Decimal. Callers must round to the relevant step
// immediately after.
func NewFromFloat(f float64) Decimal {
	return decimal.NewFromFloat(f)
}

// NewFromString parses a decimal literal, returning a validation error
// shape the caller can surface directly.
func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// RoundToStep quantizes v to the nearest multiple of step using
// round-half-to-even (banker's rounding), matching exchange lot-size
// semantics.
func RoundToStep(v, step Decimal) Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).RoundBank(0)
	return units.Mul(step)
}

// Clamp bounds v to [min, max].
func Clamp(v, min, max Decimal) Decimal {
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}

// StorableDecimal wraps Decimal for GORM columns: shopspring/decimal
// already implements sql.Scanner/driver.Valuer as values, but the core
// stores everything as TEXT columns via this explicit wrapper to keep
// the schema readable across SQLite/Postgres and to avoid float drift
// from an ORM-guessed numeric column type.
type StorableDecimal struct {
	Decimal
}

func Wrap(d Decimal) StorableDecimal { return StorableDecimal{d} }

func (s StorableDecimal) Value() (driver.Value, error) {
	return s.Decimal.String(), nil
}

func (s *StorableDecimal) Scan(value interface{}) error {
	if value == nil {
		s.Decimal = Zero
		return nil
	}
	switch v := value.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		s.Decimal = d
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		s.Decimal = d
		return nil
	case float64:
		s.Decimal = decimal.NewFromFloat(v)
		return nil
	case int64:
		s.Decimal = decimal.New(v, 0)
		return nil
	default:
		return fmt.Errorf("money: unsupported scan type %T", value)
	}
}
