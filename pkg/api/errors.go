package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/incidentfox/incidentfox/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrUnauthorized) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
	}
	if errors.Is(err, services.ErrForbidden) {
		return echo.NewHTTPError(http.StatusForbidden, "permission denied")
	}
	if errors.Is(err, services.ErrQuotaExceeded) {
		return echo.NewHTTPError(http.StatusForbidden, "license team quota exceeded")
	}
	if errors.Is(err, services.ErrTrialExpired) {
		return echo.NewHTTPError(http.StatusForbidden, "trial expired and no active subscription")
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		return echo.NewHTTPError(http.StatusConflict, "resource changed concurrently")
	}
	if errors.Is(err, services.ErrUpstream) {
		return echo.NewHTTPError(http.StatusBadGateway, "upstream service error")
	}
	if errors.Is(err, services.ErrUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable")
	}
	if errors.Is(err, services.ErrInvalidInput) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid input")
	}

	// Unexpected error. The message never carries internals.
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapBodyError is mapServiceError with semantic validation reported as
// 422, for endpoints whose body content (not shape) failed validation.
func mapBodyError(err error) *echo.HTTPError {
	if services.IsValidationError(err) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return mapServiceError(err)
}
