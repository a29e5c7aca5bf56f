package middleware

import (
	"net/http"
	"strings"
)

// UnknownClient identifies requests that carry no forwarded address.
const UnknownClient = "unknown"

// ClientIdentity returns the caller address from the first proxy header
// present. The service runs behind a proxy, so RemoteAddr is never used.
func ClientIdentity(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return UnknownClient
}
