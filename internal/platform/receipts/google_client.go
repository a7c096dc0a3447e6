package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/types"
)

var _ Verifier = (*GoogleClient)(nil)

type googlePurchaseResponse struct {
	ExpiryTimeMillis string `json:"expiryTimeMillis"`
	PaymentState     *int   `json:"paymentState"`
	OrderID          string `json:"orderId"`
}

// GoogleClient verifies Android purchase tokens against the Play publisher
// API, behind a circuit breaker like the Apple client.
type GoogleClient struct {
	logger      *slog.Logger
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker[*VerificationResult]
	baseURL     string
	packageName string
	apiKey      string
}

// NewGoogleClient builds the verifier.
func NewGoogleClient(baseURL, packageName, apiKey string, timeout time.Duration, logger *slog.Logger) *GoogleClient {
	return &GoogleClient{
		logger:      logger,
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		packageName: packageName,
		apiKey:      apiKey,
		breaker: gobreaker.NewCircuitBreaker[*VerificationResult](gobreaker.Settings{
			Name: "google-verify-purchase",
		}),
	}
}

// Verify validates an Android purchase token for a subscription product.
func (c *GoogleClient) Verify(ctx context.Context, token, productID string) (*VerificationResult, error) {
	ctx, span := otel.Tracer("ReceiptVerifier").Start(ctx, "GoogleVerify", trace.WithAttributes(
		attribute.String("receipt.platform", "android"),
		attribute.String("receipt.product_id", productID),
	))
	defer span.End()

	res, err := c.breaker.Execute(func() (*VerificationResult, error) {
		return c.verify(ctx, token, productID)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "google purchase verification failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		return nil, fmt.Errorf("google purchase verification: %w", types.ErrExternalService)
	}

	span.SetAttributes(attribute.Bool("receipt.valid", res.Valid))
	span.SetStatus(codes.Ok, "Purchase verified")
	return res, nil
}

func (c *GoogleClient) verify(ctx context.Context, token, productID string) (*VerificationResult, error) {
	endpoint := fmt.Sprintf("%s/%s/purchases/subscriptions/%s/tokens/%s",
		c.baseURL, url.PathEscape(c.packageName), url.PathEscape(productID), url.PathEscape(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building verify request: %w", err)
	}
	if c.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", c.apiKey)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling publisher API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
		// Token the platform does not recognize: invalid, not transient.
		return &VerificationResult{RawStatus: strconv.Itoa(resp.StatusCode)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("publisher API returned status %d", resp.StatusCode)
	}

	var parsed googlePurchaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding publisher response: %w", err)
	}

	// The purchase token is stable for the life of the subscription, while
	// orderId gains a new suffix on every renewal. Correlation uses the token
	// so re-validations map onto the same local record.
	result := &VerificationResult{ProviderTransactionID: token}
	if parsed.PaymentState != nil {
		result.RawStatus = strconv.Itoa(*parsed.PaymentState)
	}
	if ms, err := strconv.ParseInt(parsed.ExpiryTimeMillis, 10, 64); err == nil {
		result.ExpiryTime = time.UnixMilli(ms).UTC()
	}
	// paymentState 1 = received, 2 = free trial.
	paid := parsed.PaymentState != nil && (*parsed.PaymentState == 1 || *parsed.PaymentState == 2)
	result.Valid = paid && result.ExpiryTime.After(time.Now())
	return result, nil
}
