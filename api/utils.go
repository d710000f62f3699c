package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"board-api/domain"
)

const kindUnauthorized = "unauthorized"

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindStoreUnavailable, domain.KindCacheUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), errorResponse{Error: err.Error(), Kind: domain.KindOf(err)})
}

func writeStatus(c echo.Context, status int, kind, msg string) error {
	return c.JSON(status, errorResponse{Error: msg, Kind: kind})
}
