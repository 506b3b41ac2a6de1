package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

var (
	errForbidden  = errors.New("task belongs to another user")
	errInProgress = errors.New("request with this idempotency key is still being processed")
	errBadBody    = &domain.ValidationError{Field: "body", Reason: "invalid JSON"}
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errInProgress):
		return http.StatusConflict
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsAuth(err):
		return http.StatusUnauthorized
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsRemote(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error body and tags the request metrics.
func (h *handlers) fail(c echo.Context, stage string, err error) error {
	status := statusFor(err)
	metricsFrom(c).SetErrorStage(stage)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("stage", stage).Error("request failed")
		msg = http.StatusText(status)
	}
	return c.JSON(status, errorResponse{Error: msg})
}
