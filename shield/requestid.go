package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/pixeldump/idgen"
	"github.com/hazyhaar/pixeldump/kit"
)

var requestIDs = idgen.Prefixed("req_", idgen.Default)

// RequestID tags each request with an id, taken from X-Request-ID when the
// client sent one. The id goes into the kit context, the response headers
// and a per-request logger stored under LoggerKey.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = requestIDs()
		}
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx := kit.WithRequestID(r.Context(), id)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request", "remote_addr", r.RemoteAddr)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
