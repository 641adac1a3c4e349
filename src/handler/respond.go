package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/model"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}

// writeError maps the typed error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *model.ValidationError
		invalid    *model.InvalidStateError
		notFound   *model.NotFoundError
		noClient   *model.NoConnectedClientError
		deferred   *model.DispatchDeferredError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &deferred):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &noClient):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, model.ErrStaleVersion):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		logger.WithError(err).Error("handler failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
