// Package hl7v2 encodes laboratory results as HL7 v2.5 ORU^R01 messages and
// parses stored messages back into segments for display.
package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 (e.g. "ORU^R01")
	ControlID    string    // MSH-10, the run id for messages we produce
	Version      string    // MSH-12
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment is one line of a message.
type Segment struct {
	Name   string
	Fields []Field
}

// Field is a raw field with its component and repetition split.
type Field struct {
	Value      string
	Components []string   // ^
	Repeats    [][]string // ~, each with components
}

// Parse parses raw HL7v2 bytes. Segments may be separated by \r, \n or \r\n;
// messages produced by EncodeORU use \n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{Segments: make([]Segment, 0, len(lines))}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msh := &msg.Segments[0]
	msg.SendingApp = msh.GetField(3)
	msg.SendingFac = msh.GetField(4)
	msg.ReceivingApp = msh.GetField(5)
	msg.ReceivingFac = msh.GetField(6)
	if ts, err := parseHL7Timestamp(msh.GetField(7)); err == nil {
		msg.Timestamp = ts
	}
	msg.Type = msh.GetField(9)
	msg.ControlID = msh.GetField(10)
	msg.Version = msh.GetField(12)
	return msg, nil
}

// parseSegment splits one line. For MSH the field separator itself is MSH-1,
// so Fields[0] is "|" and Fields[1] the encoding characters.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	if strings.HasPrefix(line, "MSH") {
		seg := Segment{Name: "MSH"}
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	name, rest, found := strings.Cut(line, "|")
	seg := Segment{Name: name}
	if found {
		for _, f := range strings.Split(rest, "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// parseHL7Timestamp accepts YYYYMMDDHHmmss, YYYYMMDDHHmm or YYYYMMDD.
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns a field by its 1-based HL7 position (MSH-1 is the
// separator, PID-3 is Fields[2]).
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a component by 1-based field and component position.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(f.Components) {
		return ""
	}
	return f.Components[ci]
}

func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// PatientID returns PID-3.1.
func (m *Message) PatientID() string {
	if pid := m.GetSegment("PID"); pid != nil {
		return pid.GetComponent(3, 1)
	}
	return ""
}

// PatientName returns PID-5 with the escape sequences decoded and
// components joined by spaces.
func (m *Message) PatientName() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	f := pid.field(5)
	if f == nil {
		return ""
	}
	parts := make([]string, 0, len(f.Components))
	for _, c := range f.Components {
		if c != "" {
			parts = append(parts, unescapeHL7(c))
		}
	}
	return strings.Join(parts, " ")
}

// Gender returns PID-8.
func (m *Message) Gender() string {
	if pid := m.GetSegment("PID"); pid != nil {
		return pid.GetField(8)
	}
	return ""
}

// Observations decodes every OBX segment.
func (m *Message) Observations() []Observation {
	obx := m.GetSegments("OBX")
	out := make([]Observation, 0, len(obx))
	for i := range obx {
		s := &obx[i]
		seq, _ := strconv.Atoi(s.GetField(1))
		out = append(out, Observation{
			Sequence:       seq,
			Parameter:      s.GetComponent(3, 1),
			Result:         s.GetField(5),
			Unit:           s.GetField(6),
			ReferenceRange: s.GetField(7),
			Flag:           FlagName(s.GetField(8)),
			Deviation:      s.GetField(9),
			Status:         s.GetField(10),
			AppliedRule:    s.GetField(12),
		})
	}
	return out
}
