package hl7v2

import (
	"strings"
	"testing"
	"time"
)

func testORU() ORU {
	return ORU{
		RunID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		Subject: Subject{
			PatientName: "Doe John Paul",
			PatientID:   "MRN-77",
			Sex:         "Male",
			DateOfBirth: "19800101",
			Address:     "12 Main St",
			Requester:   "Dr Smith",
		},
		Instrument: "Sysmex XN-550",
		Observations: []Observation{
			{Parameter: "WBC", Result: "12,000", Unit: "/uL", ReferenceRange: "4,000–10,000", Flag: "High", Deviation: "+20%", AppliedRule: "High-v1"},
			{Parameter: "HGB", Result: "14.1", Unit: "g/dL", ReferenceRange: "13.5–17.5", Flag: "Normal", Deviation: "0%", AppliedRule: "-"},
		},
		Time: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestEncodeORU_ExactBytes(t *testing.T) {
	got := EncodeORU(testORU())
	want := strings.Join([]string{
		`MSH|^~\&|LIS|LAB|HIS|HOSPITAL|20240506070809||ORU^R01|0f8fad5b-d9cb-469f-a165-70867728950e|P|2.5`,
		`PID|1||MRN-77^^^Hospital^MR||John^Paul^Doe||19800101|M|||12 Main St`,
		`OBR|1|ORD0f8fad5b|RES0f8fad5b|CBC^Complete Blood Count^L||20240506070809|||||Dr Smith`,
		`OBX|1|NM|WBC^WBC^L||12,000|/uL|4000–10000|H|+20%|F||High-v1`,
		`OBX|2|NM|HGB^HGB^L||14.1|g/dL|13.5–17.5|N|0%|F||-`,
		`NTE|1||Some parameters flagged high/low — please review applied rules.`,
	}, "\n")
	if got != want {
		t.Errorf("unexpected message:\n got: %q\nwant: %q", got, want)
	}
}

func TestEncodeORU_SingleObservationFlag(t *testing.T) {
	m := testORU()
	m.Observations = []Observation{{Parameter: "WBC", Result: "12000", Flag: "High"}}

	var obx []string
	for _, line := range strings.Split(EncodeORU(m), "\n") {
		if strings.HasPrefix(line, "OBX|") {
			obx = append(obx, line)
		}
	}
	if len(obx) != 1 {
		t.Fatalf("expected exactly one OBX segment, got %d", len(obx))
	}
	fields := strings.Split(obx[0], "|")
	if fields[8] != "H" {
		t.Errorf("expected OBX-8 = H, got %q", fields[8])
	}
}

func TestEncodeORU_Deterministic(t *testing.T) {
	if EncodeORU(testORU()) != EncodeORU(testORU()) {
		t.Error("same input must produce the same message")
	}
}

func TestEncodeORU_SubjectFallbacks(t *testing.T) {
	m := testORU()
	m.Subject = Subject{OrderID: "10"}
	m.Observations = nil
	lines := strings.Split(EncodeORU(m), "\n")

	if len(lines) != 4 {
		t.Fatalf("expected MSH, PID, OBR, NTE; got %d lines", len(lines))
	}
	if lines[1] != "PID|1||10^^^Hospital^MR||Unknown|||U|||" {
		t.Errorf("unexpected PID %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "|||||") {
		t.Errorf("expected empty requester, got %q", lines[2])
	}

	m.Subject = Subject{}
	m.Time = time.UnixMilli(1700000123456).UTC()
	pid := strings.Split(EncodeORU(m), "\n")[1]
	if !strings.HasPrefix(pid, "PID|1||P123456^^^Hospital^MR||") {
		t.Errorf("expected time-derived patient id, got %q", pid)
	}
}

func TestPatientName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Doe John", "John^Doe"},
		{"Doe John Paul", "John^Paul^Doe"},
		{"Cher", "Cher"},
		{"Doe ", "Doe "},
		{"", "Unknown"},
		{"O|Brien Pat", `Pat^O\F\Brien`},
	}
	for _, tt := range tests {
		if got := patientName(tt.in); got != tt.want {
			t.Errorf("patientName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFlagCode(t *testing.T) {
	tests := map[string]string{
		"High":     "H",
		"Low":      "L",
		"Normal":   "N",
		"Critical": "C",
		"Abnormal": "A",
		"":         "",
	}
	for in, want := range tests {
		if got := FlagCode(in); got != want {
			t.Errorf("FlagCode(%q) = %q, want %q", in, got, want)
		}
	}
	if FlagName("H") != "High" || FlagName("X") != "X" {
		t.Error("FlagName did not invert FlagCode")
	}
}

func TestEscapeHL7(t *testing.T) {
	in := `a|b^c~d\e&f`
	esc := escapeHL7(in)
	if esc != `a\F\b\S\c\R\d\E\e\T\f` {
		t.Errorf("unexpected escape %q", esc)
	}
	if unescapeHL7(esc) != in {
		t.Errorf("unescape did not restore input: %q", unescapeHL7(esc))
	}
}
