package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/types"
)

var _ Verifier = (*AppleClient)(nil)

// Apple verifyReceipt status codes acted on here.
const (
	appleStatusOK          = 0
	appleStatusSandboxUsed = 21007
)

type appleVerifyRequest struct {
	ReceiptData string `json:"receipt-data"`
	Password    string `json:"password,omitempty"`
}

type appleVerifyResponse struct {
	Status            int `json:"status"`
	LatestReceiptInfo []struct {
		ProductID             string `json:"product_id"`
		ExpiresDateMS         string `json:"expires_date_ms"`
		OriginalTransactionID string `json:"original_transaction_id"`
	} `json:"latest_receipt_info"`
}

// AppleClient verifies receipts against Apple's verifyReceipt endpoint, with
// the documented sandbox fallback on status 21007. Calls run behind a
// circuit breaker so a slow Apple outage fails fast.
type AppleClient struct {
	logger       *slog.Logger
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker[*VerificationResult]
	verifyURL    string
	sandboxURL   string
	sharedSecret string
}

// NewAppleClient builds the verifier.
func NewAppleClient(verifyURL, sandboxURL, sharedSecret string, timeout time.Duration, logger *slog.Logger) *AppleClient {
	return &AppleClient{
		logger:       logger,
		httpClient:   &http.Client{Timeout: timeout},
		verifyURL:    verifyURL,
		sandboxURL:   sandboxURL,
		sharedSecret: sharedSecret,
		breaker: gobreaker.NewCircuitBreaker[*VerificationResult](gobreaker.Settings{
			Name: "apple-verify-receipt",
		}),
	}
}

// Verify validates an iOS receipt for a product.
func (c *AppleClient) Verify(ctx context.Context, token, productID string) (*VerificationResult, error) {
	ctx, span := otel.Tracer("ReceiptVerifier").Start(ctx, "AppleVerify", trace.WithAttributes(
		attribute.String("receipt.platform", "ios"),
		attribute.String("receipt.product_id", productID),
	))
	defer span.End()

	res, err := c.breaker.Execute(func() (*VerificationResult, error) {
		return c.verify(ctx, token, productID, c.verifyURL, true)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "apple receipt verification failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		return nil, fmt.Errorf("apple receipt verification: %w", types.ErrExternalService)
	}

	span.SetAttributes(attribute.Bool("receipt.valid", res.Valid))
	span.SetStatus(codes.Ok, "Receipt verified")
	return res, nil
}

func (c *AppleClient) verify(ctx context.Context, token, productID, endpoint string, allowSandboxRetry bool) (*VerificationResult, error) {
	body, err := json.Marshal(appleVerifyRequest{ReceiptData: token, Password: c.sharedSecret})
	if err != nil {
		return nil, fmt.Errorf("encoding verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling verify endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify endpoint returned status %d", resp.StatusCode)
	}

	var parsed appleVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding verify response: %w", err)
	}

	// A receipt produced in the sandbox environment must be re-verified
	// against the sandbox endpoint.
	if parsed.Status == appleStatusSandboxUsed && allowSandboxRetry {
		return c.verify(ctx, token, productID, c.sandboxURL, false)
	}

	result := &VerificationResult{RawStatus: strconv.Itoa(parsed.Status)}
	if parsed.Status != appleStatusOK {
		return result, nil
	}

	for _, info := range parsed.LatestReceiptInfo {
		if info.ProductID != productID {
			continue
		}
		result.ProviderTransactionID = info.OriginalTransactionID
		if ms, err := strconv.ParseInt(info.ExpiresDateMS, 10, 64); err == nil {
			result.ExpiryTime = time.UnixMilli(ms).UTC()
		}
		result.Valid = result.ExpiryTime.After(time.Now())
		break
	}
	return result, nil
}
