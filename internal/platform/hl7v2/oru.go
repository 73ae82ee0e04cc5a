package hl7v2

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Fixed routing and coding values of the ORU^R01 messages this service emits.
const (
	SendingApp   = "LIS"
	SendingFac   = "LAB"
	ReceivingApp = "HIS"
	ReceivingFac = "HOSPITAL"
	VersionID    = "2.5"

	panelCode  = "CBC^Complete Blood Count^L"
	reviewNote = "Some parameters flagged high/low — please review applied rules."

	timestampLayout = "20060102150405"
)

var flagCodes = map[string]string{
	"High":     "H",
	"Low":      "L",
	"Normal":   "N",
	"Critical": "C",
}

// FlagCode maps a flag name to its single-character OBX-8 code. Unknown
// names fall back to their first character.
func FlagCode(flag string) string {
	if c, ok := flagCodes[flag]; ok {
		return c
	}
	if flag == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(flag)
	return string(r)
}

// FlagName maps an OBX-8 code back to its flag name. Unknown codes are
// returned unchanged.
func FlagName(code string) string {
	for name, c := range flagCodes {
		if c == code {
			return name
		}
	}
	return code
}

// Subject carries the order-side fields of the PID and OBR segments.
type Subject struct {
	PatientName string
	PatientID   string
	OrderID     string
	Sex         string
	DateOfBirth string
	Address     string
	Requester   string
}

// Observation is one OBX segment.
type Observation struct {
	Sequence       int    `json:"sequence"`
	Parameter      string `json:"parameter"`
	Result         string `json:"result"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"referenceRange"`
	Flag           string `json:"flag"`
	Deviation      string `json:"deviation"`
	Status         string `json:"status,omitempty"`
	AppliedRule    string `json:"appliedRule"`
}

// ORU is the input to EncodeORU.
type ORU struct {
	RunID        string
	Subject      Subject
	Instrument   string
	Observations []Observation
	// Time stamps MSH-7 and OBR-7, rendered in its own location.
	Time time.Time
}

// EncodeORU renders an ORU^R01 message with segments joined by "\n":
//
//	MSH|^~\&|LIS|LAB|HIS|HOSPITAL|{ts}||ORU^R01|{runId}|P|2.5
//	PID|1||{pid}^^^Hospital^MR||{name}||{dob}|{sex}|||{address}
//	OBR|1|ORD{run[:8]}|RES{run[:8]}|CBC^Complete Blood Count^L||{ts}|||||{requester}
//	OBX|{n}|NM|{p}^{p}^L||{value}|{unit}|{range}|{flag}|{deviation}|F||{rule}
//	NTE|1||{review note}
//
// The output depends only on its input.
func EncodeORU(m ORU) string {
	ts := m.Time.Format(timestampLayout)
	short := truncate(m.RunID, 8)

	segments := make([]string, 0, len(m.Observations)+4)
	segments = append(segments,
		"MSH|^~\\&|"+SendingApp+"|"+SendingFac+"|"+ReceivingApp+"|"+ReceivingFac+"|"+ts+"||ORU^R01|"+m.RunID+"|P|"+VersionID,
		"PID|1||"+patientIdentifier(m)+"^^^Hospital^MR||"+patientName(m.Subject.PatientName)+"||"+
			m.Subject.DateOfBirth+"|"+sexCode(m.Subject.Sex)+"|||"+escapeHL7(m.Subject.Address),
		"OBR|1|ORD"+short+"|RES"+short+"|"+panelCode+"||"+ts+"|||||"+escapeHL7(m.Subject.Requester),
	)
	for i, o := range m.Observations {
		segments = append(segments, buildOBX(i+1, o))
	}
	segments = append(segments, "NTE|1||"+reviewNote)
	return strings.Join(segments, "\n")
}

func buildOBX(seq int, o Observation) string {
	return "OBX|" + strconv.Itoa(seq) + "|NM|" + o.Parameter + "^" + o.Parameter + "^L||" +
		o.Result + "|" + o.Unit + "|" + strings.ReplaceAll(o.ReferenceRange, ",", "") + "|" +
		FlagCode(o.Flag) + "|" + o.Deviation + "|F||" + o.AppliedRule
}

// patientIdentifier prefers the patient id, then the order id, then a
// "P" + last six digits of the message time in milliseconds.
func patientIdentifier(m ORU) string {
	if m.Subject.PatientID != "" {
		return escapeHL7(m.Subject.PatientID)
	}
	if m.Subject.OrderID != "" {
		return escapeHL7(m.Subject.OrderID)
	}
	ms := strconv.FormatInt(m.Time.UnixMilli(), 10)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	return "P" + ms
}

// patientName renders "Family Given Middle" as "Given^Middle^Family". When
// nothing follows the first space-separated word the name is emitted as-is.
func patientName(name string) string {
	if name == "" {
		name = "Unknown"
	}
	parts := strings.Split(name, " ")
	rest := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		rest = append(rest, escapeHL7(p))
	}
	given := strings.Join(rest, "^")
	if given == "" {
		return escapeHL7(name)
	}
	return given + "^" + escapeHL7(parts[0])
}

func sexCode(sex string) string {
	if sex == "" {
		return "U"
	}
	r, _ := utf8.DecodeRuneInString(sex)
	return string(r)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// escapeHL7 replaces delimiter characters with HL7 escape sequences:
//
//	\F\ = |  \S\ = ^  \R\ = ~  \E\ = \  \T\ = &
func escapeHL7(s string) string {
	// Backslash first to avoid double-escaping.
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	return s
}

var unescaper = strings.NewReplacer(
	"\\F\\", "|",
	"\\S\\", "^",
	"\\R\\", "~",
	"\\T\\", "&",
	"\\E\\", "\\",
)

func unescapeHL7(s string) string {
	return unescaper.Replace(s)
}
