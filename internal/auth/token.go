package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// CookieName is the cookie carrying the credential.
const CookieName = "token"

// ExtractToken finds the bearer credential on a handshake request. The first
// source that yields a value wins, in this order: Authorization header,
// first Sec-WebSocket-Protocol value, token query parameter, token cookie.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if token := strings.TrimSpace(h[len("Bearer "):]); token != "" {
			return token
		}
	}

	if proto := r.Header.Get("Sec-WebSocket-Protocol"); strings.TrimSpace(proto) != "" {
		if token := strings.TrimSpace(strings.Split(proto, ",")[0]); token != "" {
			return token
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		if v, err := url.QueryUnescape(c.Value); err == nil {
			return v
		}
		return c.Value
	}
	return ""
}
