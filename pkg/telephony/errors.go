package telephony

import "errors"

var (
	// ErrInvalidRequest means endpoints were missing or malformed; no call was placed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRateLimited means admission control denied the attempt.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCarrierUnavailable wraps failures talking to the carrier API.
	ErrCarrierUnavailable = errors.New("carrier unavailable")

	// ErrMalformedWebhook marks webhook payloads that are dropped.
	ErrMalformedWebhook = errors.New("malformed webhook")

	// ErrCallNotFound means neither the registry nor the carrier knows the call.
	ErrCallNotFound = errors.New("call not found")
)
