// Package errs defines the error kinds shared across the tracker pipeline.
//
// These are plain error types rather than a single sentinel set so callers
// can errors.As against the kind they care about (a validation failure is
// never retried, a transport failure might be, and so on). Every kind here
// is a leaf type: it depends on nothing else in this module so both the
// public packages (record, limits, settings) and the internal delivery
// machinery can return it without import cycles.
package errs

import "fmt"

// ValidationError reports that a usage payload failed schema validation.
type ValidationError struct {
	Missing []string
	Extra   []string
	// TypeErrors maps a field path to a human-readable type mismatch.
	TypeErrors map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("usage payload invalid: %d missing, %d extra, %d type errors",
		len(e.Missing), len(e.Extra), len(e.TypeErrors))
}

// TransportError wraps a network or server-side failure that was (or could
// have been) retried by the HTTP transport.
type TransportError struct {
	StatusCode int // 0 for network-level failures
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport error after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport error after %d attempt(s): HTTP %d: %v", e.Attempts, e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PermanentServerError reports a 4xx (other than 429) response carrying a
// structured detail/code body. It is never retried.
type PermanentServerError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *PermanentServerError) Error() string {
	return fmt.Sprintf("permanent server error (HTTP %d, code=%s): %s", e.StatusCode, e.Code, e.Detail)
}

// UsageLimitExceeded is returned to the caller after a record has already
// been accepted by the delivery strategy, never instead of accepting it.
type UsageLimitExceeded struct {
	LimitID      string
	ServiceKey   string
	CustomerKey  string
	ThresholdAmt string
}

func (e *UsageLimitExceeded) Error() string {
	return fmt.Sprintf("usage limit %q exceeded for service_key=%q", e.LimitID, e.ServiceKey)
}

// ConfigPersistError reports a recoverable failure writing the
// configuration store.
type ConfigPersistError struct {
	Path string
	Err  error
}

func (e *ConfigPersistError) Error() string {
	return fmt.Sprintf("config persist failed (%s): %v", e.Path, e.Err)
}

func (e *ConfigPersistError) Unwrap() error { return e.Err }

// QueueFull is returned by the in-memory queued strategy when the overflow
// policy is "raise" and the bounded channel has no room.
type QueueFull struct {
	Capacity int
}

func (e *QueueFull) Error() string {
	return fmt.Sprintf("queue full (capacity=%d)", e.Capacity)
}

// TrackerClosed is returned by any operation attempted after Close has been
// called.
type TrackerClosed struct{}

func (e *TrackerClosed) Error() string { return "tracker is closed" }
