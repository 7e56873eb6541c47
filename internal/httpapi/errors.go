package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cadencelabs/autopath/internal/fault"
)

// httpError maps domain failures to HTTP status codes:
//
//	ingestion error      -> 400 (caller sent bad data)
//	compilation error    -> 422 (request was well formed, evidence insufficient)
//	promotion violation  -> 422 (gate criteria unmet)
//	concurrency conflict -> 409 (caller raced a newer version)
//	dispatch error       -> 502 (external boundary failed)
func httpError(err error) error {
	switch {
	case errors.Is(err, fault.ErrIngestion):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, fault.ErrCompilation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, fault.ErrPromotionViolation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, fault.ErrConcurrencyConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, fault.ErrDispatch):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
