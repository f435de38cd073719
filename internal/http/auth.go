package httpx

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Guard validates the shared bearer secret on incoming requests. The
// secret is fixed at construction and never logged; comparison is
// constant-time.
type Guard struct {
	secret []byte
}

// NewGuard constructs a Guard for the configured shared secret.
func NewGuard(secret string) Guard {
	return Guard{secret: []byte(secret)}
}

var (
	errNoSecret      = errors.New("shared secret not configured")
	errBadCredential = errors.New("credential mismatch")
)

// Authorize checks an Authorization header value against the shared
// secret. Any failure means the request must be rejected before further
// work happens.
func (g Guard) Authorize(header string) error {
	if len(g.secret) == 0 {
		return errNoSecret
	}
	token, err := bearerToken(header)
	if err != nil {
		return err
	}
	if len(token) != len(g.secret) || subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
		return errBadCredential
	}
	return nil
}

// requireAuth gates a handler behind the shared-secret guard. No request
// work happens before the credential check passes.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := r.guard.Authorize(req.Header.Get("Authorization")); err != nil {
			r.logger.Warn("request unauthorized", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, req)
	}
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
