// Package record defines the usage record model that flows through the
// tracker pipeline: construction, defaulting, and the deterministic wire
// form sent to the server.
package record

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is a single usage measurement, returned by Build as a plain
// exported-field struct rather than hiding its fields behind accessors —
// ResponseID/ServiceKey/Timestamp are fixed at construction by convention
// only: nothing downstream of Build (wire encoding, delivery, the limits
// check) mutates them, but Go's type system doesn't enforce it.
type UsageRecord struct {
	ServiceKey  string
	Usage       map[string]any
	ResponseID  string
	Timestamp   time.Time
	CustomerKey string
	Context     map[string]any
	APIID       string

	// APIKeyID is not part of the wire form; it is attached by the caller
	// (or resolved from settings) so the limits cache can scope matching
	// without re-deriving it from credentials on every check.
	APIKeyID string
}

// Batch is an ordered, non-empty sequence of records dispatched together.
type Batch []*UsageRecord

// BuildOptions carries the optional per-call fields accepted by Build. Zero
// value means "use the tracker default" for CustomerKey and Context, and
// "generate/default" for ResponseID/Timestamp.
type BuildOptions struct {
	ResponseID  string
	Timestamp   time.Time
	CustomerKey string
	Context     map[string]any
	APIID       string
	APIKeyID    string
}

// Build constructs a UsageRecord, filling in a UUIDv4 ResponseID and the
// current UTC time when the caller didn't supply them. It does not run
// schema validation; call Validate separately with an optional Schema.
func Build(serviceKey string, usage map[string]any, opts BuildOptions) *UsageRecord {
	r := &UsageRecord{
		ServiceKey:  serviceKey,
		Usage:       usage,
		ResponseID:  opts.ResponseID,
		Timestamp:   opts.Timestamp,
		CustomerKey: opts.CustomerKey,
		Context:     opts.Context,
		APIID:       opts.APIID,
		APIKeyID:    opts.APIKeyID,
	}
	if r.ResponseID == "" {
		r.ResponseID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	} else {
		r.Timestamp = r.Timestamp.UTC()
	}
	return r
}
