// Package order models laboratory test orders and discovers them across the
// flat order collections and the per-owner nested collections.
package order

import (
	"strings"
	"time"

	"github.com/lis/lis/internal/platform/store"
)

// Order is a typed view over a raw order record. Raw keeps every stored
// field so full replaces do not drop data.
type Order struct {
	ID          string
	OwnerID     string // set when the order was found under an owner
	UserID      string // the patient actor
	PatientID   string
	PatientName string
	TestType    string
	RunID       string
	Sex         string
	DateOfBirth string
	Address     string
	Requester   string
	Tester      string
	RunByUserID string
	CreatedBy   string
	CreatedAt   string

	Raw store.Record
}

// OwnerField tags records found under an owner's nested collection.
const OwnerField = "ownerUserId"

// FromRecord reads the order fields under their known spellings.
func FromRecord(r store.Record) Order {
	return Order{
		ID:          r.ID(),
		OwnerID:     r.Str(OwnerField),
		UserID:      r.Str("userId", "user_id"),
		PatientID:   r.Str("patient_id"),
		PatientName: r.Str("patientName", "patient_name"),
		TestType:    r.Str("test_type", "testType", "test_name"),
		RunID:       r.Str("run_id"),
		Sex:         r.Str("sex"),
		DateOfBirth: r.Str("dob"),
		Address:     r.Str("address"),
		Requester:   r.Str("requester"),
		Tester:      r.Str("tester"),
		RunByUserID: r.Str("runByUserId"),
		CreatedBy:   r.Str("createdBy", "created_by"),
		CreatedAt:   r.Str("created_at", "createdAt"),
		Raw:         r,
	}
}

// Executed reports whether the order carries a run reference.
func (o Order) Executed() bool {
	return strings.TrimSpace(o.RunID) != ""
}

// Owner returns the actor whose nested collection holds the order: the
// tagged owner, else the patient actor.
func (o Order) Owner() string {
	if o.OwnerID != "" {
		return o.OwnerID
	}
	return o.UserID
}

// WithOwner returns a copy of r tagged with ownerID.
func WithOwner(r store.Record, ownerID string) store.Record {
	out := r.Clone()
	out[OwnerField] = ownerID
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FormatDate normalizes a stored timestamp to RFC 3339 in UTC. Values that
// do not parse are returned unchanged.
func FormatDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return raw
}
