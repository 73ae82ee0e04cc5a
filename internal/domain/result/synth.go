package result

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Rand supplies uniform draws in [0, 1).
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// DefaultRand draws from the process-wide generator.
var DefaultRand Rand = globalRand{}

// Regime weights: normal below 0.75, low below 0.875, high otherwise.
const (
	normalWeight = 0.75
	lowWeight    = 0.125
)

// Synthesizer produces result rows from templates.
type Synthesizer struct {
	rng     Rand
	formats Formats
}

// NewSynthesizer returns a synthesizer. A nil rng uses DefaultRand and nil
// formats use DefaultFormats.
func NewSynthesizer(rng Rand, formats Formats) *Synthesizer {
	if rng == nil {
		rng = DefaultRand
	}
	if formats == nil {
		formats = DefaultFormats
	}
	return &Synthesizer{rng: rng, formats: formats}
}

// Synthesize is NewSynthesizer(rng, nil).Synthesize(templates).
func Synthesize(templates []Template, rng Rand) []Row {
	return NewSynthesizer(rng, nil).Synthesize(templates)
}

// Synthesize draws one value per template and classifies it against the
// template's range. Templates whose range does not parse get an unflagged
// value in [1, 100].
func (s *Synthesizer) Synthesize(templates []Template) []Row {
	rows := make([]Row, 0, len(templates))
	for _, t := range templates {
		rows = append(rows, s.row(t))
	}
	return rows
}

func (s *Synthesizer) row(t Template) Row {
	row := Row{
		Parameter:       t.Parameter,
		Unit:            t.Unit,
		ReferenceRange:  t.ReferenceRange,
		Deviation:       "0%",
		Flag:            FlagNormal,
		AppliedEvaluate: RuleNone,
	}
	key := t.Key
	if key == "" {
		key = t.Parameter
	}

	rng, ok := ParseRange(t.ReferenceRange)
	if !ok {
		v := roundHalfUp(s.between(1, 100)*10) / 10
		row.Result = s.formats.Format(key, v)
		return row
	}

	v := s.draw(rng)
	row.Flag, row.Deviation = Classify(v, rng)
	switch row.Flag {
	case FlagHigh:
		row.AppliedEvaluate = RuleHighV2
		if s.rng.Float64() < 0.5 {
			row.AppliedEvaluate = RuleHighV1
		}
	case FlagLow:
		row.AppliedEvaluate = RuleLowV1
	}
	row.Result = s.formats.Format(key, v)
	return row
}

func (s *Synthesizer) draw(r Range) float64 {
	spread := r.High - r.Low
	p := s.rng.Float64()
	switch {
	case p < normalWeight:
		return s.between(r.Low, r.High)
	case p < normalWeight+lowWeight:
		return s.between(math.Max(0, r.Low*0.5), math.Max(0, r.Low-spread*0.05))
	default:
		return s.between(r.High+math.Max(1, spread*0.01), r.High*1.5)
	}
}

func (s *Synthesizer) between(a, b float64) float64 {
	return a + s.rng.Float64()*(b-a)
}

// Classify flags v against r and renders the signed deviation percentage
// relative to the crossed bound.
func Classify(v float64, r Range) (flag, deviation string) {
	switch {
	case v < r.Low:
		return FlagLow, fmt.Sprintf("-%d%%", int64(roundHalfUp((r.Low-v)/nonZero(r.Low)*100)))
	case v > r.High:
		return FlagHigh, fmt.Sprintf("+%d%%", int64(roundHalfUp((v-r.High)/nonZero(r.High)*100)))
	default:
		return FlagNormal, "0%"
	}
}

func nonZero(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}
