package testrun

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/domain/reagent"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/store"
	"github.com/lis/lis/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read and run endpoints – admin, lab_manager, lab_tech
	readGroup := api.Group("", auth.RequireRole(auth.RoleLabManager, auth.RoleLabTech))
	readGroup.GET("/worklist", h.Worklist)
	readGroup.GET("/results/:id", h.GetResult)
	readGroup.GET("/results/:id/hl7", h.GetResultHL7)
	readGroup.POST("/runs", h.RunOrder)
	readGroup.PUT("/results/:id/comments", h.UpdateComments)

	// Destructive endpoints – admin, lab_manager
	manageGroup := api.Group("", auth.RequireRole(auth.RoleLabManager))
	manageGroup.DELETE("/results/:id", h.DeleteResult)
}

// httpError maps pipeline errors onto response codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrResultNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInstrumentNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrAlreadyExecuted), errors.Is(err, ErrRunInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) Worklist(c echo.Context) error {
	items, err := h.svc.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	start, end := pg.Bounds(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), pg.Limit, pg.Offset))
}

// runBody accepts identifiers as strings or numbers.
type runBody map[string]interface{}

func (b runBody) request() RunRequest {
	r := store.Record(b)
	req := RunRequest{
		OrderID:      r.Str("orderId", "order_id", "testOrderId"),
		InstrumentID: r.Str("instrumentId", "instrument_id"),
		Sex:          r.Str("sex"),
	}
	used, _ := store.Records(r["usedReagents"])
	for _, u := range used {
		amount, _ := u.Num("amountUsed", "amount")
		req.UsedReagents = append(req.UsedReagents, reagent.Usage{ID: u.Str("id", "name"), Amount: amount})
	}
	return req
}

func (h *Handler) RunOrder(c echo.Context) error {
	var body runBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Run(c.Request().Context(), body.request())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetResult(c echo.Context) error {
	d, err := h.svc.Detail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// GetResultHL7 returns the stored message parsed to JSON, or the raw text
// with ?format=raw.
func (h *Handler) GetResultHL7(c echo.Context) error {
	raw, msg, err := h.svc.HL7(c.Request().Context(), c.Param("id"))
	if c.QueryParam("format") == "raw" && raw != "" {
		return c.String(http.StatusOK, raw)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":      c.Param("id"),
		"raw":     raw,
		"message": hl7v2.ToJSON(msg),
	})
}

type commentsBody struct {
	Comments []Comment `json:"comments"`
}

func (h *Handler) UpdateComments(c echo.Context) error {
	var body commentsBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	author := auth.NameFromContext(c.Request().Context())
	for i := range body.Comments {
		if strings.TrimSpace(body.Comments[i].Author) == "" {
			body.Comments[i].Author = author
		}
	}
	if body.Comments == nil {
		body.Comments = []Comment{}
	}
	if err := h.svc.UpdateComments(c.Request().Context(), c.Param("id"), body.Comments); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) DeleteResult(c echo.Context) error {
	rep, err := h.svc.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}
