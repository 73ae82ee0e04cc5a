package hl7v2

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes HL7v2 parsing over HTTP.
type Handler struct{}

// NewHandler creates a new HL7v2 handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse - Parse an HL7v2 message to JSON
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
}

type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse. The body is the raw
// message.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}

	msg, err := Parse(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to parse HL7v2 message: "+err.Error())
	}
	return c.JSON(http.StatusOK, ToJSON(msg))
}

// ToJSON renders a parsed message with its header, decoded observations and
// the raw segment tree.
func ToJSON(msg *Message) map[string]interface{} {
	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{Name: seg.Name, Fields: fields}
	}

	out := map[string]interface{}{
		"type":         msg.Type,
		"controlId":    msg.ControlID,
		"version":      msg.Version,
		"sendingApp":   msg.SendingApp,
		"sendingFac":   msg.SendingFac,
		"receivingApp": msg.ReceivingApp,
		"receivingFac": msg.ReceivingFac,
		"patientId":    msg.PatientID(),
		"patientName":  msg.PatientName(),
		"sex":          msg.Gender(),
		"observations": msg.Observations(),
		"segments":     segments,
	}
	if !msg.Timestamp.IsZero() {
		out["timestamp"] = msg.Timestamp.Format(time.RFC3339)
	}
	return out
}
