package hl7v2

import (
	"strings"
	"testing"
	"time"
)

const sampleORU = "MSH|^~\\&|LIS|LAB|HIS|HOSPITAL|20240506070809||ORU^R01|run-123|P|2.5\n" +
	"PID|1||MRN-77^^^Hospital^MR||John^Doe||19800101|M|||\n" +
	"OBR|1|ORDrun-123|RESrun-123|CBC^Complete Blood Count^L||20240506070809|||||\n" +
	"OBX|1|NM|WBC^WBC^L||12,000|/uL|4000–10000|H|+20%|F||High-v2\n" +
	"OBX|2|NM|PLT^PLT^L||90,000|/uL|150000–400000|L|-40%|F||Low-v1\n" +
	"NTE|1||Some parameters flagged high/low — please review applied rules."

func TestParse_ORU(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Type != "ORU^R01" {
		t.Errorf("expected ORU^R01, got %q", msg.Type)
	}
	if msg.ControlID != "run-123" {
		t.Errorf("expected control id run-123, got %q", msg.ControlID)
	}
	if msg.Version != "2.5" || msg.SendingApp != "LIS" || msg.ReceivingFac != "HOSPITAL" {
		t.Errorf("unexpected header %+v", msg)
	}
	if !msg.Timestamp.Equal(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", msg.Timestamp)
	}
	if len(msg.Segments) != 6 {
		t.Errorf("expected 6 segments, got %d", len(msg.Segments))
	}
	if msg.PatientID() != "MRN-77" || msg.PatientName() != "John Doe" || msg.Gender() != "M" {
		t.Errorf("unexpected patient fields: %q %q %q", msg.PatientID(), msg.PatientName(), msg.Gender())
	}
}

func TestMessage_Observations(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	obs := msg.Observations()
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
	want := Observation{
		Sequence: 2, Parameter: "PLT", Result: "90,000", Unit: "/uL",
		ReferenceRange: "150000–400000", Flag: "Low", Deviation: "-40%", Status: "F", AppliedRule: "Low-v1",
	}
	if obs[1] != want {
		t.Errorf("unexpected observation:\n got %+v\nwant %+v", obs[1], want)
	}
}

func TestParse_RoundTripsEncoder(t *testing.T) {
	in := testORU()
	msg, err := Parse([]byte(EncodeORU(in)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.ControlID != in.RunID {
		t.Errorf("expected control id %q, got %q", in.RunID, msg.ControlID)
	}
	obs := msg.Observations()
	if len(obs) != len(in.Observations) {
		t.Fatalf("expected %d observations, got %d", len(in.Observations), len(obs))
	}
	for i, o := range obs {
		if o.Flag != in.Observations[i].Flag || o.Parameter != in.Observations[i].Parameter {
			t.Errorf("observation %d mismatch: %+v", i, o)
		}
	}
}

func TestParse_LineEndings(t *testing.T) {
	for name, sep := range map[string]string{"cr": "\r", "crlf": "\r\n", "lf": "\n"} {
		raw := strings.ReplaceAll(sampleORU, "\n", sep)
		msg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("%s: Parse: %v", name, err)
		}
		if len(msg.Segments) != 6 {
			t.Errorf("%s: expected 6 segments, got %d", name, len(msg.Segments))
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":     "",
		"blank":     "\n\r\n",
		"no msh":    "PID|1||123",
		"too short": "MSH|^~\\&|LIS\nPI",
	}
	for name, raw := range tests {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSegment_GetComponent(t *testing.T) {
	msg, _ := Parse([]byte(sampleORU))
	obx := msg.GetSegments("OBX")[0]
	if got := obx.GetComponent(3, 3); got != "L" {
		t.Errorf("expected OBX-3.3 = L, got %q", got)
	}
	if got := obx.GetComponent(3, 9); got != "" {
		t.Errorf("expected empty out-of-range component, got %q", got)
	}
	if got := obx.GetField(99); got != "" {
		t.Errorf("expected empty out-of-range field, got %q", got)
	}
	msh := msg.GetSegment("MSH")
	if msh.GetField(1) != "|" || msh.GetField(2) != "^~\\&" {
		t.Errorf("unexpected MSH-1/MSH-2: %q %q", msh.GetField(1), msh.GetField(2))
	}
	if msg.GetSegment("ZZZ") != nil {
		t.Error("expected nil for missing segment")
	}
}
