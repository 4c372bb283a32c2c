// Package shield provides the HTTP middleware in front of the pixeldump
// admin API: security headers, CORS for local dashboards, body limits,
// request ids and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(shield.StackConfig{Origins: []string{"http://localhost:3000"}}) {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"

	"golang.org/x/time/rate"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// StackConfig tunes DefaultAPIStack.
type StackConfig struct {
	// Origins allowed by CORS. Empty disables CORS headers.
	Origins []string
	// MaxBody caps request bodies. Default: 1 MiB.
	MaxBody int64
	// RatePerSecond and Burst bound each client. Zero disables limiting.
	RatePerSecond rate.Limit
	Burst         int
}

// DefaultAPIStack returns the middleware stack for the JSON API, outermost
// first: HeadToGet, SecurityHeaders, RequestID, CORS, MaxBody and, when
// configured, the rate limiter.
func DefaultAPIStack(cfg StackConfig) []func(http.Handler) http.Handler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		RequestID,
		CORS(cfg.Origins...),
		MaxBody(cfg.MaxBody),
	}
	if cfg.RatePerSecond > 0 {
		stack = append(stack, NewRateLimiter(cfg.RatePerSecond, cfg.Burst).Middleware)
	}
	return stack
}
