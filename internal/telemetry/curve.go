package telemetry

import (
	"fmt"
	"sort"
)

// CurvePoint is one point of a compensation curve: the supply temperature
// the device targets at a given outdoor temperature.
type CurvePoint struct {
	Outdoor float64 `mapstructure:"outdoor" json:"outdoor"`
	Supply  float64 `mapstructure:"supply" json:"supply"`
}

// Curve is a piecewise-linear compensation curve ordered by outdoor temperature.
type Curve []CurvePoint

// DefaultCurve is used when neither the device nor the configuration supplies one.
var DefaultCurve = Curve{
	{Outdoor: -20, Supply: 45},
	{Outdoor: -10, Supply: 40},
	{Outdoor: 0, Supply: 36},
	{Outdoor: 5, Supply: 33},
	{Outdoor: 10, Supply: 30},
	{Outdoor: 15, Supply: 27},
	{Outdoor: 20, Supply: 25},
}

// deviceCurveOutdoor are the fixed outdoor temperatures of the device's
// seven curve points CP1-1..CP1-7.
var deviceCurveOutdoor = [...]float64{-20, -10, 0, 5, 10, 15, 20}

var deviceCurveCodes = [...]string{"CP1-1", "CP1-2", "CP1-3", "CP1-4", "CP1-5", "CP1-6", "CP1-7"}

// Validate checks that outdoor temperatures strictly increase and that the
// supply target never rises as it gets warmer outside.
func (c Curve) Validate() error {
	if len(c) < 2 {
		return fmt.Errorf("curve needs at least 2 points, got %d", len(c))
	}
	for i := 1; i < len(c); i++ {
		if c[i].Outdoor <= c[i-1].Outdoor {
			return fmt.Errorf("curve point %d: outdoor %.1f not above %.1f", i, c[i].Outdoor, c[i-1].Outdoor)
		}
		if c[i].Supply > c[i-1].Supply {
			return fmt.Errorf("curve point %d: supply %.1f rises above %.1f", i, c[i].Supply, c[i-1].Supply)
		}
	}
	return nil
}

// Eval returns the predicted supply temperature at outdoor. Values outside
// the curve are clamped to the end points.
func (c Curve) Eval(outdoor float64) float64 {
	if outdoor <= c[0].Outdoor {
		return c[0].Supply
	}
	last := c[len(c)-1]
	if outdoor >= last.Outdoor {
		return last.Supply
	}
	i := sort.Search(len(c), func(i int) bool { return c[i].Outdoor >= outdoor })
	lo, hi := c[i-1], c[i]
	ratio := (outdoor - lo.Outdoor) / (hi.Outdoor - lo.Outdoor)
	return lo.Supply + ratio*(hi.Supply-lo.Supply)
}

// curveFromValues reads the device curve from a snapshot. It returns false
// unless all seven points are present and form a valid curve.
func curveFromValues(values map[string]string) (Curve, bool) {
	c := make(Curve, 0, len(deviceCurveCodes))
	for i, code := range deviceCurveCodes {
		v, ok := parseReading(values[code])
		if !ok {
			return nil, false
		}
		c = append(c, CurvePoint{Outdoor: deviceCurveOutdoor[i], Supply: v})
	}
	if c.Validate() != nil {
		return nil, false
	}
	return c, true
}
