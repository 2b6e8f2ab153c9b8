package livereload

import (
	"fmt"
	"net/url"
)

// OriginValidator interface for WebSocket origin validation
type OriginValidator interface {
	IsAllowedOrigin(origin string) bool
}

// OriginValidatorFunc adapts a function to OriginValidator.
type OriginValidatorFunc func(origin string) bool

func (f OriginValidatorFunc) IsAllowedOrigin(origin string) bool { return f(origin) }

// HostOriginValidator accepts http(s) origins whose host:port is on an
// allowlist.
type HostOriginValidator struct {
	allowed map[string]struct{}
}

// NewHostOriginValidator allows the server's own address plus the loopback
// aliases for port, and any extra host:port values.
func NewHostOriginValidator(host string, port int, extra ...string) *HostOriginValidator {
	v := &HostOriginValidator{allowed: make(map[string]struct{})}
	for _, h := range []string{host, "localhost", "127.0.0.1", "[::1]"} {
		if h == "" {
			continue
		}
		v.allowed[fmt.Sprintf("%s:%d", h, port)] = struct{}{}
	}
	for _, e := range extra {
		v.allowed[e] = struct{}{}
	}
	return v
}

// IsAllowedOrigin validates the request origin. Connections without an
// Origin header are rejected.
func (v *HostOriginValidator) IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	// Only allow http/https
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	_, ok := v.allowed[u.Host]
	return ok
}
