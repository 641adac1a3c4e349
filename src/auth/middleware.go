package auth

import (
	"context"
	"net/http"

	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/model"
)

// UserResolver looks up the user named in the request credentials.
type UserResolver interface {
	GetUserByUserName(ctx context.Context, userName string) (*model.User, error)
}

// Middleware resolves the caller from the X-User header and stores it on the
// request context. Upstream infrastructure terminates the actual credential
// check; the coordination service only needs identity and role.
func Middleware(users UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userName := r.Header.Get("X-User")
			if userName == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := users.GetUserByUserName(r.Context(), userName)
			if err != nil {
				logger.WithError(err).WithField("user_name", userName).
					Error("failed to resolve user")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if user == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireWriter rejects read-only roles on mutating routes. Admins and
// clients mutate; viewers only read.
func RequireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !user.CanWrite() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
