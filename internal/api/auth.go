package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ossbng/bngd/internal/config"
)

// authMiddleware gates the /v1 views. A bearer token and bcrypt basic
// auth users can coexist; with neither configured the API is open, which
// fits the default loopback-only listen address.
type authMiddleware struct {
	token  string
	users  []config.UserConfig
	logger *slog.Logger
}

func newAuthMiddleware(cfg config.APIConfig, logger *slog.Logger) *authMiddleware {
	return &authMiddleware{
		token:  cfg.AuthToken,
		users:  cfg.Users,
		logger: logger,
	}
}

func (a *authMiddleware) require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="bngd"`)
			jsonError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r)
	}
}

func (a *authMiddleware) authenticate(r *http.Request) bool {
	if a.token == "" && len(a.users) == 0 {
		return true
	}

	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got := strings.TrimPrefix(h, "Bearer ")
		if a.token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) == 1 {
			return true
		}
	}

	if user, pass, ok := r.BasicAuth(); ok {
		for _, u := range a.users {
			if u.Username != user {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(pass)) == nil {
				return true
			}
			a.logger.Warn("rejected API credentials", "username", user)
			return false
		}
	}
	return false
}
