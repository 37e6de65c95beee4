package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Distribution describes the search space a parameter was suggested from.
// String returns the canonical repr recorded as a "<param>_distribution" tag,
// e.g. UniformDistribution(high=1.0, low=-1.0).
type Distribution interface {
	String() string
}

// Uniform is a continuous uniform distribution over [Low, High].
type Uniform struct {
	Low  float64
	High float64
}

func (d Uniform) String() string {
	return fmt.Sprintf("UniformDistribution(high=%s, low=%s)", reprFloat(d.High), reprFloat(d.Low))
}

// LogUniform is a log-scaled continuous distribution over [Low, High].
type LogUniform struct {
	Low  float64
	High float64
}

func (d LogUniform) String() string {
	return fmt.Sprintf("LogUniformDistribution(high=%s, low=%s)", reprFloat(d.High), reprFloat(d.Low))
}

// IntUniform is a uniform distribution over the integers [Low, High].
type IntUniform struct {
	Low  int
	High int
}

func (d IntUniform) String() string {
	return fmt.Sprintf("IntUniformDistribution(high=%d, low=%d)", d.High, d.Low)
}

// Categorical is a finite set of choices. Choices may hold strings, numbers,
// or bools.
type Categorical struct {
	Choices []any
}

func (d Categorical) String() string {
	parts := make([]string, len(d.Choices))
	for i, c := range d.Choices {
		parts[i] = reprChoice(c)
	}
	inner := strings.Join(parts, ", ")
	if len(parts) == 1 {
		// single-element tuple form
		inner += ","
	}
	return fmt.Sprintf("CategoricalDistribution(choices=(%s))", inner)
}

// Raw is a distribution known only by its recorded repr, e.g. one replayed
// from a trial event.
type Raw string

func (d Raw) String() string { return string(d) }

// reprFloat formats a float with an explicit decimal point so bounds read as
// 1.0 rather than 1.
func reprFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func reprChoice(c any) string {
	switch v := c.(type) {
	case string:
		return "'" + v + "'"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case float64:
		return reprFloat(v)
	case float32:
		return reprFloat(float64(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}
