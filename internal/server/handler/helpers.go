package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/raffle"
	"github.com/alanyoungcy/rafflebot/internal/service"
	"github.com/alanyoungcy/rafflebot/internal/vrf"
)

// maxBodyBytes bounds decoded request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON strictly decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps service and raffle errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, raffle.ErrTransferFailed), errors.Is(err, raffle.ErrOracleRequest):
		return http.StatusBadGateway
	case errors.Is(err, raffle.ErrUnknownRequest):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUnauthorizedFulfiller):
		return http.StatusUnauthorized
	case errors.Is(err, raffle.ErrInsufficientPayment),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, vrf.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, raffle.ErrUpkeepNotNeeded), errors.Is(err, raffle.ErrRoundNotOpen),
		errors.Is(err, vrf.ErrRequestInFlight):
		return http.StatusConflict
	case errors.Is(err, raffle.ErrInvalidRandomness), errors.Is(err, raffle.ErrInvalidParticipant),
		errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, vrf.ErrInvalidRequest),
		errors.Is(err, vrf.ErrInvalidSubscription), errors.Is(err, vrf.ErrInvalidConsumer):
		return http.StatusBadRequest
	case errors.Is(err, raffle.ErrPlayerIndex), errors.Is(err, domain.ErrNotFound),
		errors.Is(err, vrf.ErrNonexistentRequest):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrHistoryDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs err at a level matching its status and writes it.
// 5xx bodies are generic; client errors carry the error text.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	attrs := []any{slog.String("op", op), slog.Int("status", status), slog.String("error", err.Error())}
	switch {
	case status >= 500:
		logger.ErrorContext(r.Context(), "handler: request failed", attrs...)
		msg := http.StatusText(status)
		if status == http.StatusBadGateway {
			msg = err.Error()
		}
		writeError(w, status, msg)
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		logger.WarnContext(r.Context(), "handler: request rejected", attrs...)
		writeError(w, status, err.Error())
	default:
		logger.DebugContext(r.Context(), "handler: request refused", attrs...)
		writeError(w, status, err.Error())
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathUint parses a non-negative integer path parameter.
func pathUint(r *http.Request, name string) (uint64, error) {
	v := r.PathValue(name)
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}
