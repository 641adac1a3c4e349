package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hedgesystem/src/auth"
	"hedgesystem/src/model"
)

type alertReader interface {
	FindByID(ctx context.Context, id uint) (*model.Alert, error)
	ListUnacknowledged(ctx context.Context, userID uint, limit int) ([]model.Alert, error)
	Acknowledge(ctx context.Context, id uint) error
}

// ListAlertsHandler returns the caller's unacknowledged alerts, newest first.
func ListAlertsHandler(alerts alertReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		results, err := alerts.ListUnacknowledged(r.Context(), user.ID, limit)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, results)
	}
}

// AcknowledgeAlertHandler marks an alert handled. Owner or admin only.
func AcknowledgeAlertHandler(alerts alertReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		raw := chi.URLParam(r, "alertID")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			http.Error(w, "invalid alert id", http.StatusBadRequest)
			return
		}

		alert, err := alerts.FindByID(r.Context(), uint(id))
		if err != nil {
			writeError(w, err)
			return
		}
		if alert == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
			return
		}

		if !user.IsAdmin() && alert.UserID != user.ID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if err := alerts.Acknowledge(r.Context(), uint(id)); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"alert_id": id, "acknowledged": true})
	}
}
