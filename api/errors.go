package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

var errInvalidBody = errors.New("invalid body")

// statusFor maps an error to its HTTP status and user facing message.
func statusFor(err error) (int, errorResponse) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorResponse{Error: verr.Error(), Fields: verr.Fields}
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, errorResponse{Error: "Invalid request body"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "Task not found"}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, errorResponse{Error: "Incorrect email or password"}
	case errors.Is(err, domain.ErrUnauthenticated), isTokenError(err):
		return http.StatusUnauthorized, errorResponse{Error: "Unauthenticated"}
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, errorResponse{Error: "Email already exists"}
	}
	return http.StatusInternalServerError, errorResponse{Error: "Something went wrong"}
}

// respondError writes err as JSON and records the failing stage.
func respondError(c echo.Context, stage string, err error) error {
	status, body := statusFor(err)
	if m := metricsFrom(c); m != nil {
		m.SetErrorStage(stage)
		m.SetError(err)
	}
	return c.JSON(status, body)
}
