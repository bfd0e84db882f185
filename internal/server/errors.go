package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// statusFor maps a wire code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case models.ErrCodeVersionConflict, models.ErrCodeAlreadyExists:
		return http.StatusConflict
	case models.ErrCodeAlreadyLocked:
		return http.StatusLocked
	case models.ErrCodeNotHolder:
		return http.StatusForbidden
	case models.ErrCodeNotFound:
		return http.StatusNotFound
	case models.ErrCodeInvalidOrder, models.ErrCodeInvalidRequest, models.ErrCodeInvalidStatus:
		return http.StatusBadRequest
	case models.ErrCodeBatchFailed:
		return http.StatusUnprocessableEntity
	case models.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// toAPIError renders err for the wire. Structured errors keep their detail.
func toAPIError(err error, requestID string) *models.APIError {
	apiErr := &models.APIError{
		Code:      models.Code(err),
		Message:   err.Error(),
		RequestID: requestID,
	}

	var batch *models.BatchError
	var locked *models.LockedError
	switch {
	case errors.As(err, &batch):
		apiErr.Code = models.ErrCodeBatchFailed
		apiErr.Failed = batch.Keys()
	case errors.As(err, &locked):
		status := locked.Status
		apiErr.Status = &status
	}

	if apiErr.Code == "" {
		apiErr.Code = "INTERNAL"
		apiErr.Message = "internal error"
	}
	apiErr.StatusCode = statusFor(apiErr.Code)
	return apiErr
}

func writeError(w http.ResponseWriter, logger *events.Logger, err error, requestID string) {
	apiErr := toAPIError(err, requestID)

	entry := logger.WithError(err).WithFields(map[string]any{
		"status": apiErr.StatusCode,
		"code":   apiErr.Code,
	})
	if apiErr.StatusCode >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	writeJSON(w, apiErr.StatusCode, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
