package types

import "errors"

// Domain specific errors for billing and entitlement.
var (
	ErrNotFound   = errors.New("requested item not found")
	ErrConflict   = errors.New("item already exists or conflict")
	ErrBadRequest = errors.New("bad request")

	// ErrNoActiveSubscription is returned by mutating operations that require
	// an active subscription to exist for the user.
	ErrNoActiveSubscription = errors.New("no active subscription for user")

	// ErrInvalidSignature marks a webhook payload whose signature did not
	// verify. Callers must reject the delivery and must not retry.
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	// ErrUnprocessableEvent marks a provider payload that verified fine but
	// could not be normalized into a known event shape.
	ErrUnprocessableEvent = errors.New("unrecognized or malformed provider event")

	// ErrExternalService marks a failed call to the payment gateway or a
	// receipt verification endpoint. Synchronous purchase paths surface it;
	// it never silently defaults to success.
	ErrExternalService = errors.New("external billing service unavailable")
)
