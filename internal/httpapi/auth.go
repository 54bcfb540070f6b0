package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const principalKey ctxKey = iota

// Claims are the bearer token claims. Subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type principal struct {
	UserID string
	Admin  bool
}

type authenticator struct {
	secret    []byte
	adminRole string
}

func newAuthenticator(secret, adminRole string) *authenticator {
	return &authenticator{secret: []byte(secret), adminRole: adminRole}
}

func (a *authenticator) enabled() bool { return len(a.secret) > 0 }

// SignToken issues an HS256 token accepted by the API.
func SignToken(secret string, c Claims) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

func (a *authenticator) parse(raw string) (principal, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return principal{}, err
	}
	if c.Subject == "" {
		return principal{}, errors.New("token has no subject")
	}
	return principal{UserID: c.Subject, Admin: c.Role == a.adminRole}, nil
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled() {
			ctx := context.WithValue(r.Context(), principalKey, principal{Admin: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		raw := bearer(r)
		if raw == "" {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		p, err := a.parse(raw)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// sameUser allows the {user} routes only to that user or an admin.
func (a *authenticator) sameUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).may(chi.URLParam(r, "user")) {
			writeError(w, r, http.StatusForbidden, "forbidden", "not allowed for this user")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *authenticator) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).Admin {
			writeError(w, r, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey).(principal)
	return p
}

func (p principal) may(userID string) bool {
	return p.Admin || (userID != "" && p.UserID == userID)
}

// bearer reads the Authorization header, or the access_token query parameter for
// websocket clients that cannot set headers.
func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if v, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
