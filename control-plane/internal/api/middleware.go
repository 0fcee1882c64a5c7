package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminTokenHeader carries the admin token on controller requests.
const AdminTokenHeader = "X-Admin-Token"

// AdminGuard decides who may call the controller endpoints. A request is
// allowed when remote access is open, when it comes from a loopback address,
// or when it presents the admin token.
type AdminGuard struct {
	// Token is the plain admin token. Ignored when TokenHash is set.
	Token string

	// TokenHash is a bcrypt hash of the admin token.
	TokenHash string

	// AllowRemote disables the check entirely.
	AllowRemote bool

	// Logger for rejected requests.
	Logger *slog.Logger
}

// Allowed reports whether r may use the controller API. bodyToken is the
// token found in the request body, if any.
func (g *AdminGuard) Allowed(r *http.Request, bodyToken string) bool {
	if g.AllowRemote || isLoopback(clientIP(r)) {
		return true
	}
	for _, candidate := range []string{r.Header.Get(AdminTokenHeader), bodyToken} {
		if g.matches(strings.TrimSpace(candidate)) {
			return true
		}
	}
	return false
}

func (g *AdminGuard) matches(token string) bool {
	if token == "" {
		return false
	}
	if g.TokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(g.TokenHash), []byte(token)) == nil
	}
	expected := strings.TrimSpace(g.Token)
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func (g *AdminGuard) reject(w http.ResponseWriter, r *http.Request) {
	if g.Logger != nil {
		g.Logger.Warn("admin request rejected",
			"path", r.URL.Path,
			"remote_addr", clientIP(r),
			"has_token", r.Header.Get(AdminTokenHeader) != "",
		)
	}
	writeError(w, http.StatusForbidden, "forbidden")
}

// Middleware wraps next with the admin check, using the header token only.
func (g *AdminGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allowed(r, "") {
			g.reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLoopback reports whether ip is a loopback address, including
// IPv4-mapped IPv6 forms such as ::ffff:127.0.0.1.
func isLoopback(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
