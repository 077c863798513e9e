package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"planner-sync/domain"
	"planner-sync/store"
)

// statusFor maps store and coordinator errors onto HTTP statuses. Upstream
// 401 and 404 pass through; any other upstream failure is a bad gateway.
func statusFor(err error) (int, string) {
	var fe *domain.FetchError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, store.ErrDetached):
		return http.StatusConflict, "detached"
	case errors.Is(err, domain.ErrPolicy):
		return http.StatusForbidden, "policy"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &fe):
		switch fe.StatusCode {
		case http.StatusUnauthorized:
			return http.StatusUnauthorized, "fetch"
		case http.StatusNotFound:
			return http.StatusNotFound, "fetch"
		}
		return http.StatusBadGateway, "fetch"
	}
	return http.StatusInternalServerError, "error"
}

func writeError(c echo.Context, m *requestMetrics, stage string, err error) error {
	status, kind := statusFor(err)
	m.SetErrorStage(stage)
	m.errorKind = kind

	msg := err.Error()
	var fe *domain.FetchError
	if errors.As(err, &fe) && fe.Detail != "" {
		msg = fe.Detail
	}
	return c.JSON(status, errorResponse{Error: kind, Message: msg})
}
