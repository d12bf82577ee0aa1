package money

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// Property: RoundToStep lands exactly on the step grid, and never moves
// the value by more than half a step.
func TestProperty_RoundToStepOnGrid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	steps := []Decimal{
		decimal.RequireFromString("0.01"),
		decimal.RequireFromString("0.1"),
		decimal.RequireFromString("0.00001"),
		decimal.RequireFromString("1"),
	}

	properties.Property("result is an exact multiple of step", prop.ForAll(
		func(raw float64, stepIdx int) bool {
			step := steps[stepIdx%len(steps)]
			v := decimal.NewFromFloat(raw)
			rounded := RoundToStep(v, step)
			units := rounded.Div(step)
			return units.Equal(units.Truncate(0))
		},
		gen.Float64Range(0, 100000),
		gen.IntRange(0, len(steps)-1),
	))

	properties.Property("result within half a step of the input", prop.ForAll(
		func(raw float64, stepIdx int) bool {
			step := steps[stepIdx%len(steps)]
			v := decimal.NewFromFloat(raw)
			rounded := RoundToStep(v, step)
			diff := rounded.Sub(v).Abs()
			half := step.Div(decimal.New(2, 0))
			return diff.LessThanOrEqual(half)
		},
		gen.Float64Range(0, 100000),
		gen.IntRange(0, len(steps)-1),
	))

	properties.TestingRun(t)
}
