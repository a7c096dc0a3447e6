// Package receipts verifies iOS and Android purchase receipts against the
// platform validation endpoints.
package receipts

import (
	"context"
	"time"
)

// VerificationResult is the normalized outcome of a receipt check.
type VerificationResult struct {
	Valid bool
	// ExpiryTime is the subscription expiry reported by the platform; zero
	// when the platform did not report one.
	ExpiryTime time.Time
	// ProviderTransactionID correlates the purchase across redeliveries.
	ProviderTransactionID string
	// RawStatus carries the platform-native status for diagnostics.
	RawStatus string
}

// Verifier validates an opaque receipt/purchase token for a product.
type Verifier interface {
	Verify(ctx context.Context, token, productID string) (*VerificationResult, error)
}
