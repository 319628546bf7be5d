package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/docqd/internal/generation"
	"github.com/fyrsmithlabs/docqd/internal/pipeline"
	"github.com/fyrsmithlabs/docqd/internal/store"
)

// requesterHeader identifies the caller for conversation scoping when the
// request body does not.
const requesterHeader = "X-Requester-ID"

// SubmitRequest is the body of POST /documents.
type SubmitRequest struct {
	Text string `json:"text"`
}

// DocumentResponse describes a document's lifecycle state.
type DocumentResponse struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Retriable     bool      `json:"retriable,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AskRequest is the body of POST /documents/:id/ask.
type AskRequest struct {
	Question       string `json:"question"`
	RequesterID    string `json:"requester_id"`
	IncludeSources bool   `json:"include_sources"`
}

// HighlightRequest is the body of the summarize and explain endpoints.
type HighlightRequest struct {
	Excerpt     string `json:"excerpt"`
	RequesterID string `json:"requester_id"`
}

// MessageResponse is one conversation turn.
type MessageResponse struct {
	ID            string          `json:"id"`
	Role          string          `json:"role"`
	Content       string          `json:"content"`
	Sources       json.RawMessage `json:"sources,omitempty"`
	HighlightKind string          `json:"highlight_kind,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	doc, err := s.service.Submit(c.Request().Context(), req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, documentResponse(doc))
}

func (s *Server) handleStatus(c echo.Context) error {
	doc, err := s.service.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, documentResponse(doc))
}

func (s *Server) handleDelete(c echo.Context) error {
	if err := s.service.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleReprocess(c echo.Context) error {
	doc, err := s.service.Reprocess(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, documentResponse(doc))
}

func (s *Server) handleAsk(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	answer, err := s.service.Ask(c.Request().Context(),
		c.Param("id"), s.requester(c, req.RequesterID), req.Question, req.IncludeSources)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) handleSummarize(c echo.Context) error {
	return s.handleHighlight(c, s.service.Summarize)
}

func (s *Server) handleExplain(c echo.Context) error {
	return s.handleHighlight(c, s.service.Explain)
}

func (s *Server) handleHighlight(c echo.Context, op func(ctx context.Context, documentID, requesterID, excerpt string) (*pipeline.Answer, error)) error {
	var req HighlightRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	answer, err := op(c.Request().Context(),
		c.Param("id"), s.requester(c, req.RequesterID), req.Excerpt)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) handleMessages(c echo.Context) error {
	messages, err := s.service.GetMessages(c.Request().Context(),
		c.Param("id"), s.requester(c, c.QueryParam("requester_id")))
	if err != nil {
		return httpError(err)
	}

	out := make([]MessageResponse, len(messages))
	for i, m := range messages {
		out[i] = MessageResponse{
			ID:            m.ID,
			Role:          m.Role,
			Content:       m.Content,
			Sources:       json.RawMessage(m.Sources),
			HighlightKind: m.HighlightKind,
			CreatedAt:     m.CreatedAt,
		}
	}
	return c.JSON(http.StatusOK, out)
}

// requester resolves the requester ID from the body, then the header.
func (s *Server) requester(c echo.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Request().Header.Get(requesterHeader)
}

func documentResponse(doc *store.Document) DocumentResponse {
	return DocumentResponse{
		ID:            doc.ID,
		Status:        string(doc.Status),
		FailureReason: doc.FailureReason,
		Retriable:     doc.Retriable,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

// httpError maps pipeline errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNotReady), errors.Is(err, store.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, generation.ErrGenerationUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
