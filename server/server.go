// Package server exposes the HTTP surface: liveness and readiness probes, the status
// snapshot, Prometheus metrics, and the admin consent endpoints. Correlation IDs are
// injected into every request context for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/voicewarden/telemetry"
)

// NewMux returns the HTTP handler with all routes. The context bounds the rate limiter's
// cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	h := &Handlers{deps: deps}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/admin/consent/grant", h.HandleConsentGrant)
	mux.HandleFunc("/admin/consent/revoke", h.HandleConsentRevoke)
	mux.HandleFunc("/admin/probe", h.HandleProbe)

	// Admin endpoints get auth plus rate limiting; everything else passes straight through.
	protected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, limiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("component", "http"))

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		protected.ServeHTTP(recorder, r.WithContext(ctx))

		if recorder.statusCode >= 400 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", recorder.statusCode))
		} else {
			telemetry.SetSpanSuccess(span)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture the status code for the span.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
