package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type ipKey struct{}

// ClientIP extracts client ip from common headers or RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// WithRequest stores the caller ip so Record can attach it.
func WithRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, ipKey{}, ClientIP(r))
}

func requestIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(ipKey{}).(string)
	return ip
}
