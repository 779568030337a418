package handlers

import (
	"log/slog"
	"net/http"

	"festival-booking/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
)

var kindStatus = map[status.Kind]int{
	status.KindNotFound:            http.StatusNotFound,
	status.KindInvalidArgument:     http.StatusBadRequest,
	status.KindForbidden:           http.StatusForbidden,
	status.KindUnavailable:         http.StatusConflict,
	status.KindCapacityExceeded:    http.StatusConflict,
	status.KindConcurrencyConflict: http.StatusConflict,
	status.KindAlreadyProcessed:    http.StatusConflict,
	status.KindPaymentIncomplete:   http.StatusPaymentRequired,
	status.KindPaymentGateway:      http.StatusBadGateway,
}

// apiError turns a service error into the response error. Only the
// classified message reaches the client; the cause is logged.
func apiError(log *slog.Logger, e *core.RequestEvent, err error) *router.ApiError {
	kind := status.KindOf(err)
	code, ok := kindStatus[kind]
	if !ok {
		log.Error("request failed",
			"method", e.Request.Method,
			"path", e.Request.URL.Path,
			"error", err,
		)
		return apis.NewInternalServerError("Something went wrong while processing your request.", nil)
	}

	if kind == status.KindPaymentGateway {
		log.Warn("payment provider error", "path", e.Request.URL.Path, "error", err)
	}

	apiErr := apis.NewApiError(code, status.MessageOf(err), nil)
	apiErr.Data = map[string]any{"code": kind.String()}
	return apiErr
}

func requireAuth(e *core.RequestEvent) (string, error) {
	if e.Auth == nil {
		return "", apis.NewUnauthorizedError("Unauthorized", nil)
	}
	return e.Auth.Id, nil
}
