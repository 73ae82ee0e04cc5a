// Package testrun runs test orders through the result pipeline and serves
// the resulting work queue, result details, comment threads and deletions.
package testrun

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lis/lis/internal/domain/reagent"
	"github.com/lis/lis/internal/domain/result"
	"github.com/lis/lis/internal/platform/store"
)

var (
	// ErrAlreadyExecuted rejects a run for an order that carries a run
	// reference. No store write happens before it is returned.
	ErrAlreadyExecuted = errors.New("test order already has run_id")

	ErrOrderNotFound        = errors.New("test order not found")
	ErrInstrumentNotFound   = errors.New("instrument not found")
	ErrResultNotFound       = errors.New("result not found")
	ErrRunInProgress        = errors.New("a run for this order is already in progress")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrCommentsNotPersisted = errors.New("failed to persist comments")
)

// Fallback values stamped on stored records.
const (
	StatusCompleted = "Completed"
	Unknown         = "Unknown"
	unknownActor    = "unknown"
)

// RunRequest asks for order OrderID to be executed on InstrumentID.
type RunRequest struct {
	OrderID      string          `json:"orderId"`
	InstrumentID string          `json:"instrumentId"`
	Sex          string          `json:"sex,omitempty"`
	UsedReagents []reagent.Usage `json:"usedReagents,omitempty"`
}

// Validate checks the required identifiers and the declared reagent amounts.
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.OrderID) == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.InstrumentID) == "" {
		return fmt.Errorf("%w: instrumentId is required", ErrInvalidRequest)
	}
	for _, u := range r.UsedReagents {
		if !u.Valid() {
			return fmt.Errorf("%w: amountUsed for reagent %q must be a non-negative number", ErrInvalidRequest, u.ID)
		}
	}
	return nil
}

// RunRow is one synthesized row as reported back to the caller.
type RunRow struct {
	RunID          string `json:"run_id"`
	TestResultID   string `json:"test_result_id"`
	ParameterName  string `json:"parameter_name"`
	ResultValue    string `json:"result_value"`
	Flag           string `json:"flag"`
	Evaluate       string `json:"evaluate"`
	Deviation      string `json:"deviation"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"referenceRange"`
}

// RunResult is the completion event of a run.
type RunResult struct {
	RunID        string            `json:"runId"`
	TestResultID string            `json:"testResultId"`
	Placeholder  bool              `json:"placeholder"`
	OrderUpdated bool              `json:"orderUpdated"`
	Forwarded    bool              `json:"forwarded"`
	Rows         []RunRow          `json:"rows"`
	Reagents     []reagent.Outcome `json:"reagents"`
	HL7          string            `json:"hl7"`
}

func runRows(runID, resultID string, rows []result.Row) []RunRow {
	out := make([]RunRow, len(rows))
	for i, r := range rows {
		out[i] = RunRow{
			RunID:          runID,
			TestResultID:   resultID,
			ParameterName:  r.Parameter,
			ResultValue:    r.Result,
			Flag:           r.Flag,
			Evaluate:       r.AppliedEvaluate,
			Deviation:      r.Deviation,
			Unit:           r.Unit,
			ReferenceRange: r.ReferenceRange,
		}
	}
	return out
}

// Comment is one entry of a result's comment thread.
type Comment struct {
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func commentsFromValue(v interface{}) []Comment {
	recs, ok := store.Records(v)
	if !ok {
		return nil
	}
	out := make([]Comment, 0, len(recs))
	for _, r := range recs {
		out = append(out, Comment{
			Author:    r.Str("author", "createdBy", "user"),
			Text:      r.Str("text", "comment", "message"),
			Timestamp: r.Str("timestamp", "createdAt", "date"),
		})
	}
	return out
}

func commentsValue(comments []Comment) []interface{} {
	out := make([]interface{}, len(comments))
	for i, c := range comments {
		out[i] = map[string]interface{}{
			"author":    c.Author,
			"text":      c.Text,
			"timestamp": c.Timestamp,
		}
	}
	return out
}

// Detail is the full view of one result set.
type Detail struct {
	ResultID      string       `json:"id"`
	RunID         string       `json:"run_id"`
	PatientName   string       `json:"patientName"`
	Sex           string       `json:"sex"`
	Collected     string       `json:"collected"`
	Instrument    string       `json:"instrument"`
	CriticalCount int          `json:"criticalCount"`
	Rows          []result.Row `json:"rows"`
	ReviewedBy    string       `json:"reviewedBy"`
	ReviewedAt    string       `json:"reviewedAt"`
	Comments      []Comment    `json:"comments"`
	HL7Raw        string       `json:"hl7_raw"`
}

// DeleteReport summarizes a cascade delete.
type DeleteReport struct {
	Key      string `json:"key"`
	ResultID string `json:"resultId,omitempty"`
	RunID    string `json:"runId"`
	OrderID  string `json:"orderId,omitempty"`
	Deleted  int    `json:"deleted"`
	Failed   int    `json:"failed"`
}
