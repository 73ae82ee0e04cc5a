// Package result holds the analyte result model: parameter templates,
// result rows and their flags, reference-range parsing, value formatting and
// the synthesizer that produces a row set for a run.
package result

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/store"
)

// Flags.
const (
	FlagNormal   = "Normal"
	FlagLow      = "Low"
	FlagHigh     = "High"
	FlagCritical = "Critical"
)

// Applied-rule labels.
const (
	RuleHighV1 = "High-v1"
	RuleHighV2 = "High-v2"
	RuleLowV1  = "Low-v1"
	RuleNone   = "-"
)

// RangeSeparator joins the bounds of a built reference range.
const RangeSeparator = "–"

// Template is the reference data for one parameter.
type Template struct {
	Key            string `json:"key"`
	Parameter      string `json:"parameter"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"referenceRange"`
}

// Row is one analyte line of a result set.
type Row struct {
	Parameter       string `json:"parameter"`
	Result          string `json:"result"`
	Unit            string `json:"unit"`
	ReferenceRange  string `json:"referenceRange"`
	Deviation       string `json:"deviation"`
	Flag            string `json:"flag"`
	AppliedEvaluate string `json:"appliedEvaluate"`
}

// Abnormal reports whether the row counts toward the critical count.
func (r Row) Abnormal() bool {
	return r.Flag == FlagHigh || r.Flag == FlagLow || r.Flag == FlagCritical
}

// CriticalCount counts rows flagged High, Low or Critical.
func CriticalCount(rows []Row) int {
	n := 0
	for _, r := range rows {
		if r.Abnormal() {
			n++
		}
	}
	return n
}

// Observations converts rows into OBX inputs numbered from 1.
func Observations(rows []Row) []hl7v2.Observation {
	out := make([]hl7v2.Observation, len(rows))
	for i, r := range rows {
		out[i] = hl7v2.Observation{
			Sequence:       i + 1,
			Parameter:      r.Parameter,
			Result:         r.Result,
			Unit:           r.Unit,
			ReferenceRange: r.ReferenceRange,
			Flag:           r.Flag,
			Deviation:      r.Deviation,
			AppliedRule:    r.AppliedEvaluate,
		}
	}
	return out
}

// RowFromRecord reads a stored row under any of its historical field names.
// A missing flag is inferred from the deviation.
func RowFromRecord(r store.Record) Row {
	row := Row{
		Parameter:       r.Str("parameter_name", "parameter", "parameter_id"),
		Result:          r.Str("result_value", "result", "value"),
		Unit:            r.Str("unit", "uom"),
		ReferenceRange:  r.Str("referenceRange", "reference_range"),
		Deviation:       r.Str("deviation"),
		Flag:            r.Str("flag"),
		AppliedEvaluate: r.Str("appliedEvaluate", "evaluate"),
	}
	if row.Flag == "" {
		row.Flag = flagFromDeviation(row.Deviation)
	}
	return row
}

// flagFromDeviation follows the deviation's sign: "-" is Low, any other
// non-zero deviation is High.
func flagFromDeviation(dev string) string {
	dev = strings.TrimSpace(dev)
	switch {
	case dev == "" || strings.TrimLeft(dev, "+-") == "0%":
		return FlagNormal
	case strings.HasPrefix(dev, "-"):
		return FlagLow
	default:
		return FlagHigh
	}
}

// RowsFromValue decodes an embedded row list, skipping non-object entries.
func RowsFromValue(v interface{}) []Row {
	recs, ok := store.Records(v)
	if !ok {
		return nil
	}
	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, RowFromRecord(rec))
	}
	return rows
}

// Record renders the row for storage in the row collection, tagged with the
// run it belongs to.
func (r Row) Record(runID string) store.Record {
	rec := store.Record(r.Value())
	rec["run_id"] = runID
	return rec
}

// Value renders the row as a decoded-JSON object so it reads back through
// RowFromRecord from any backend.
func (r Row) Value() map[string]interface{} {
	return map[string]interface{}{
		"parameter":       r.Parameter,
		"result":          r.Result,
		"unit":            r.Unit,
		"referenceRange":  r.ReferenceRange,
		"deviation":       r.Deviation,
		"flag":            r.Flag,
		"appliedEvaluate": r.AppliedEvaluate,
	}
}

// RowsValue renders rows for embedding in a stored record.
func RowsValue(rows []Row) []interface{} {
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		out[i] = r.Value()
	}
	return out
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// IsFemale reports whether sex selects the female reference bounds.
func IsFemale(sex string) bool {
	s := strings.TrimSpace(sex)
	return s != "" && (s[0] == 'F' || s[0] == 'f')
}

// TemplatesFromRecords builds templates from parameter records. Bounds are
// taken from value_low_{sex}/value_high_{sex}; female bounds fall back to
// the male ones when absent. Records without bounds keep any stored
// reference range string.
func TemplatesFromRecords(recs []store.Record, sex string) []Template {
	out := make([]Template, 0, len(recs))
	for _, r := range recs {
		name := r.Str("name", "parameter", "key")
		if name == "" {
			continue
		}
		t := Template{
			Key:            r.Str("key", "name"),
			Parameter:      name,
			Unit:           r.Str("unit"),
			ReferenceRange: r.Str("referenceRange", "reference_range"),
		}
		low, high := r.Str("value_low_male"), r.Str("value_high_male")
		if IsFemale(sex) {
			if l, h := r.Str("value_low_female"), r.Str("value_high_female"); l != "" && h != "" {
				low, high = l, h
			}
		}
		if low != "" && high != "" {
			t.ReferenceRange = low + RangeSeparator + high
		}
		out = append(out, t)
	}
	return out
}

// ---------------------------------------------------------------------------
// Ranges
// ---------------------------------------------------------------------------

// Range is a parsed reference range with Low <= High.
type Range struct {
	Low  float64
	High float64
}

var (
	rangeSplit = regexp.MustCompile(`–|—|-|to`)
	rangeStrip = regexp.MustCompile(`[, ]+`)
)

// ParseRange reads "4,000–10,000", "4000-10000" or "4000 to 10000". Only the
// first two parts are used and they may appear in either order. Empty or
// non-numeric parts make the range unusable.
func ParseRange(s string) (Range, bool) {
	parts := rangeSplit.Split(s, -1)
	if len(parts) < 2 {
		return Range{}, false
	}
	a, ok := parseBound(parts[0])
	if !ok {
		return Range{}, false
	}
	b, ok := parseBound(parts[1])
	if !ok {
		return Range{}, false
	}
	return Range{Low: math.Min(a, b), High: math.Max(a, b)}, true
}

func parseBound(s string) (float64, bool) {
	s = rangeStrip.ReplaceAllString(strings.TrimSpace(s), "")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
