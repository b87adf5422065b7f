package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/beaconhq/beacon/internal/identity"
	"github.com/beaconhq/beacon/internal/postgres"
)

// writeJSON writes a JSON response with the given status code.
// Buffer-first so headers are only sent after successful encoding.
func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("failed to write response body", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps a storage error kind to an HTTP status with a generic
// message; the original error is logged server-side only.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, postgres.ErrValidationFailed):
		status, msg = http.StatusBadRequest, "invalid request"
	case errors.Is(err, identity.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, postgres.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, postgres.ErrConnectionUnavailable):
		status, msg = http.StatusServiceUnavailable, "service unavailable"
	case errors.Is(err, postgres.ErrUpstreamFailure):
		status, msg = http.StatusBadGateway, "upstream failure"
	}

	if status >= 500 {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON decodes a request body into dst with a size cap.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(postgres.ErrValidationFailed, err)
	}
	return nil
}
