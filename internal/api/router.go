package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	// Prometheus metrics
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Relay routes at the root, as existing clients call them
	registerRoutes(router, handler)

	// API v1 routes
	registerRoutes(router.PathPrefix("/api/v1").Subrouter(), handler)

	return router
}

// registerRoutes mounts the relay endpoints, with and without a trailing slash.
// OPTIONS is matched so browser preflights reach corsMiddleware.
func registerRoutes(r *mux.Router, handler *Handler) {
	for _, suffix := range []string{"", "/"} {
		r.HandleFunc("/health"+suffix, handler.HandleHealth).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/nonce"+suffix, handler.HandleGetNonce).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/relay"+suffix, handler.HandleRelay).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/status/{txHash}"+suffix, handler.HandleGetStatus).Methods(http.MethodGet, http.MethodOptions)
	}
}

// ==================== Middleware ====================

// quietPaths are polled by probes and scrapers and logged at debug only
var quietPaths = map[string]bool{
	"/health":        true,
	"/api/v1/health": true,
	"/metrics":       true,
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log := logger.Info
			if quietPaths[strings.TrimSuffix(r.URL.Path, "/")] && wrapped.statusCode < http.StatusBadRequest {
				log = logger.Debug
			}
			log("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware lets browser dapps call the relay directly
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					respondError(w, http.StatusInternalServerError, "Internal error", nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
