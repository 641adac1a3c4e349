package handler

import (
	"net/http"

	"hedgesystem/src/auth"
)

// ListAccountsHandler returns the caller's broker accounts.
func ListAccountsHandler(accounts accountReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		results, err := accounts.ListByUser(r.Context(), user.ID)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, results)
	}
}
