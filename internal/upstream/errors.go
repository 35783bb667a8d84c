package upstream

import (
	"errors"
	"fmt"
)

// ClientHardError signals credentials invalid, account disabled, or the
// upstream otherwise permanently refusing this account. The caller must
// terminate the activity.
type ClientHardError struct {
	Reason string
}

func (e ClientHardError) Error() string {
	return fmt.Sprintf("dexcom refused account: %s", e.Reason)
}

// DecodingError signals an upstream response that could not be parsed.
// Retryable against the retry budget; status 429 triggers a cooldown
// instead of the usual exponential backoff.
type DecodingError struct {
	StatusCode int
	Body       []byte
}

func (e DecodingError) Error() string {
	return fmt.Sprintf("unparseable response from dexcom: status %d (%d bytes)", e.StatusCode, len(e.Body))
}

func (e DecodingError) RateLimited() bool {
	return e.StatusCode == 429
}

// GenericError wraps network, timeout, or 5xx failures. Retryable with
// exponential backoff.
type GenericError struct {
	Err error
}

func (e GenericError) Error() string {
	return fmt.Sprintf("transport error talking to dexcom: %s", e.Err)
}

func (e GenericError) Unwrap() error {
	return e.Err
}

var (
	// ErrLoginRequired is returned internally by the transport layer and
	// handled by Fetch by re-authenticating once before surfacing any other
	// error to the caller.
	ErrLoginRequired = errors.New("dexcom session expired, login required")
)
