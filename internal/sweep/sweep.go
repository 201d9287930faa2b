// Package sweep plans the focus positions visited by one search.
package sweep

import (
	"errors"
	"fmt"
	"math"
)

// MaxPositions bounds the length of a single plan.
const MaxPositions = 100000

var (
	ErrInvalidStep      = errors.New("sweep: step must be positive")
	ErrInvalidRange     = errors.New("sweep: range must not be negative")
	ErrTooManyPositions = errors.New("sweep: too many positions")
)

// Plan returns n = floor(searchRange/step)+1 positions centred on centerZ,
// starting at centerZ - searchRange/2. Positions are accumulated by repeated
// addition of step, so the last one is lower + (n-1)*step up to rounding and
// may stop short of centerZ + searchRange/2.
func Plan(searchRange, step, centerZ float64) ([]float64, error) {
	n, err := Count(searchRange, step)
	if err != nil {
		return nil, err
	}
	plan := make([]float64, n)
	z := centerZ - searchRange/2
	for i := range plan {
		plan[i] = z
		z += step
	}
	return plan, nil
}

// Count validates searchRange and step and returns the plan length without
// allocating it.
func Count(searchRange, step float64) (int, error) {
	if !(step > 0) || math.IsInf(step, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidStep, step)
	}
	if !(searchRange >= 0) || math.IsInf(searchRange, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRange, searchRange)
	}
	steps := math.Floor(searchRange / step)
	if math.IsInf(steps, 0) || math.IsNaN(steps) || steps >= MaxPositions {
		return 0, fmt.Errorf("%w: range %v with step %v exceeds %d", ErrTooManyPositions, searchRange, step, MaxPositions)
	}
	return int(steps) + 1, nil
}
