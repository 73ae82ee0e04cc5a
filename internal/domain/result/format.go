package result

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FormatFunc renders a synthesized value.
type FormatFunc func(v float64) string

// FormatRule applies Format to parameters whose lower-cased key contains
// any of Match.
type FormatRule struct {
	Match  []string
	Format FormatFunc
}

// Formats is an ordered rule table; the first matching rule wins.
type Formats []FormatRule

// roundHalfUp rounds halves toward positive infinity.
func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}

// Grouped rounds to an integer and groups thousands ("12,000").
func Grouped(v float64) string {
	return message.NewPrinter(language.English).Sprintf("%d", int64(roundHalfUp(v)))
}

// Integer rounds to an integer without grouping.
func Integer(v float64) string {
	return strconv.FormatInt(int64(roundHalfUp(v)), 10)
}

// Fixed rounds to n decimals and always prints them.
func Fixed(n int) FormatFunc {
	scale := math.Pow(10, float64(n))
	return func(v float64) string {
		return strconv.FormatFloat(roundHalfUp(v*scale)/scale, 'f', n, 64)
	}
}

// Plain prints the shortest representation of v.
func Plain(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DefaultFormats is the formatting table for blood count parameters.
var DefaultFormats = Formats{
	{Match: []string{"wbc", "plt"}, Format: Grouped},
	{Match: []string{"rbc"}, Format: Fixed(2)},
	{Match: []string{"hgb"}, Format: Fixed(1)},
	{Match: []string{"hct"}, Format: Integer},
	{Match: []string{"mcv", "mch", "mchc"}, Format: Integer},
}

// Format renders v for the parameter key. Keys matching no rule use Plain.
func (f Formats) Format(key string, v float64) string {
	k := strings.ToLower(key)
	for _, rule := range f {
		for _, m := range rule.Match {
			if strings.Contains(k, m) {
				return rule.Format(v)
			}
		}
	}
	return Plain(v)
}

// With returns a copy of f with rule tried first.
func (f Formats) With(rule FormatRule) Formats {
	out := make(Formats, 0, len(f)+1)
	out = append(out, rule)
	return append(out, f...)
}
