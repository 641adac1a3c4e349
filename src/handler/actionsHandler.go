package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hedgesystem/src/auth"
	"hedgesystem/src/model"
)

type actionReader interface {
	FindByID(ctx context.Context, id uint) (*model.Action, error)
	ListByPosition(ctx context.Context, positionID uint) ([]model.Action, error)
}

type actionDispatcher interface {
	Dispatch(ctx context.Context, actionID uint) error
}

// ListActionsHandler returns the full action chain of a position, failed
// attempts included.
func ListActionsHandler(actions actionReader, positions positionReader, accounts accountReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		id, ok := positionIDFromURL(r)
		if !ok {
			http.Error(w, "invalid position id", http.StatusBadRequest)
			return
		}

		position, err := positions.FindByID(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if position == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "position not found"})
			return
		}

		if !user.IsAdmin() {
			account, err := accounts.FindByID(r.Context(), position.AccountID)
			if err != nil {
				writeError(w, err)
				return
			}
			if account == nil || account.UserID != user.ID {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		results, err := actions.ListByPosition(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, results)
	}
}

// DispatchActionHandler pushes a PENDING action to the connected execution
// client. 503 when no client is online; the action stays PENDING and is
// replayed on reconnect.
func DispatchActionHandler(dispatcher actionDispatcher, actions actionReader, accounts accountReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		raw := chi.URLParam(r, "actionID")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			http.Error(w, "invalid action id", http.StatusBadRequest)
			return
		}

		action, err := actions.FindByID(r.Context(), uint(id))
		if err != nil {
			writeError(w, err)
			return
		}
		if action == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "action not found"})
			return
		}

		allowed, err := ownsAccount(r.Context(), accounts, user, action.AccountID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if err := dispatcher.Dispatch(r.Context(), uint(id)); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{"action_id": id, "status": "dispatched"})
	}
}
