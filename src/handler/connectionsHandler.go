package handler

import (
	"net/http"

	"hedgesystem/src/auth"
	"hedgesystem/src/gateway"
)

type connectionLister interface {
	Connections() []gateway.ConnectionInfo
}

// ListConnectionsHandler exposes the live execution-client pool. Admin only;
// the listing spans every user's terminal.
func ListConnectionsHandler(gw connectionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !user.IsAdmin() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		writeJSON(w, http.StatusOK, gw.Connections())
	}
}
