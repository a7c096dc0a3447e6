package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/forkful/forkful-billing-api/internal/types"
)

// maxWebhookBody bounds provider payload reads.
const maxWebhookBody = int64(65536)

// SetupRouter configures the utility and billing glue routes. The full
// application API lives in the main app service; this process only exposes
// the endpoints providers and operators call directly.
func SetupRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	var limiter *rate.Limiter
	if deps.Config.Server.RateLimitPerSecond > 0 && deps.Config.Server.RateLimitBurst > 0 {
		limiter = rate.NewLimiter(
			rate.Limit(float64(deps.Config.Server.RateLimitPerSecond)),
			deps.Config.Server.RateLimitBurst,
		)
	}

	mux.HandleFunc("POST /webhooks/stripe", deps.handleStripeWebhook(limiter))
	mux.HandleFunc("POST /billing/receipts/{platform}", deps.handleReceiptVerification)

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	deps.Logger.Info("routes configured")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Stripe-Signature"},
	})

	return corsHandler.Handler(loggingMiddleware(deps, mux))
}

// handleStripeWebhook is the thin transport glue for provider deliveries:
// it maps reconciliation outcomes onto the status codes that control
// provider redelivery.
func (d *Dependencies) handleStripeWebhook(limiter *rate.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unable to read request body", http.StatusServiceUnavailable)
			return
		}

		err = d.ReconcilerService.HandleGatewayWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
		switch {
		case err == nil:
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, types.ErrInvalidSignature):
			http.Error(w, "signature verification failed", http.StatusBadRequest)
		case errors.Is(err, types.ErrUnprocessableEvent), errors.Is(err, types.ErrNotFound):
			// Not retryable: acknowledge so the provider stops redelivering.
			w.WriteHeader(http.StatusOK)
		default:
			// Transient failure: ask the provider to redeliver.
			http.Error(w, "temporary processing failure", http.StatusInternalServerError)
		}
	}
}

type receiptRequest struct {
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	ProductID string `json:"productId"`
}

func (d *Dependencies) handleReceiptVerification(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sub, err := d.ReconcilerService.VerifyMobileReceipt(r.Context(), req.UserID, r.PathValue("platform"), req.Token, req.ProductID)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "subscription": sub})
	case errors.Is(err, types.ErrBadRequest), errors.Is(err, types.ErrNotFound):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": false})
	case errors.Is(err, types.ErrExternalService):
		http.Error(w, "verification service unavailable", http.StatusBadGateway)
	default:
		http.Error(w, "temporary processing failure", http.StatusInternalServerError)
	}
}

// loggingMiddleware logs each request with latency.
func loggingMiddleware(deps *Dependencies, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		deps.Logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
