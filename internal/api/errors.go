package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

// classify maps an error to its HTTP status, envelope type and client message.
func classify(err error) (int, string, string) {
	var authErr *domain.AuthenticationError
	var authzErr *domain.AuthorizationError
	var resErr *domain.ResolutionError
	var upErr *domain.UpstreamError

	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, "authentication_error", authErr.Error()
	case errors.As(err, &authzErr):
		return http.StatusForbidden, "permission_error", authzErr.Error()
	case errors.As(err, &resErr):
		return http.StatusNotFound, "not_found_error", resErr.Error()
	case errors.As(err, &upErr):
		return http.StatusBadGateway, "upstream_error", upErr.Error()
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded"
	case errors.Is(err, domain.ErrAPIKeyNotFound):
		return http.StatusNotFound, "not_found_error", "API key not found"
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, "not_found_error", "User not found"
	case errors.Is(err, domain.ErrEmailExists):
		return http.StatusConflict, "conflict_error", "Email already registered"
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error", requestMessage(err)
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

// requestMessage strips the sentinel prefix from "invalid request: detail".
func requestMessage(err error) string {
	msg := err.Error()
	if detail, ok := strings.CutPrefix(msg, domain.ErrInvalidRequest.Error()+": "); ok {
		return detail
	}
	return msg
}

// writeDomainError renders err and returns the status it chose. Unclassified
// errors are logged and hidden from the caller.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) int {
	status, errType, message := classify(err)

	switch {
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	case status == http.StatusBadGateway:
		slog.Error("upstream failure", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	case status == http.StatusNotFound:
		slog.Info("not found", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}

	writeError(w, status, errType, message)
	return status
}
