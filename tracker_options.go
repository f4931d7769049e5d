package aicm

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aicostmanager/aicm-go/record"
)

// options holds the construction-time knobs New accepts beyond the
// Settings overrides map: things callers configure through code rather
// than through the four-source settings precedence, because they're
// process-local wiring (a logger, a metrics registerer) rather than
// tracker behavior.
type options struct {
	logger             *slog.Logger
	metricsRegisterer  prometheus.Registerer
	asyncWorkers       int
	limitsCapacity     int
	rateLimit          float64
	rateBurst          int
	schemas            []pendingSchema
}

// Option configures a Tracker at construction time.
type Option func(*options)

// WithLogger overrides the default slog logger New would otherwise build
// from Settings.LogLevel/LogFormat/LogOutput.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetricsRegisterer attaches a Prometheus registerer so the Tracker's
// delivery, transport, and queue-depth metrics are registered against it.
// A Tracker built without this option skips Prometheus registration
// entirely; metrics are only ever additive instrumentation, never load
// bearing for correctness.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.metricsRegisterer = r }
}

// WithAsyncWorkers bounds how many TrackAsync/TrackBatchAsync calls may
// run concurrently against this Tracker's delivery strategy at once.
// Default 16.
func WithAsyncWorkers(n int) Option {
	return func(o *options) { o.asyncWorkers = n }
}

// WithLimitsCapacity bounds the triggered-limits cache's secondary
// api_key_id index (limits.DefaultCapacity if unset).
func WithLimitsCapacity(n int) Option {
	return func(o *options) { o.limitsCapacity = n }
}

// WithRateLimit bounds the HTTP transport's outbound request rate
// (requests per second, with a burst). Unset means no limiting.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = requestsPerSecond
		o.rateBurst = burst
	}
}

// WithSchema registers the validation schema for serviceKey as part of
// constructing this Tracker, per §4.C's "supplied at Tracker construction"
// contract. Schemas are still held in record's process-wide registry (one
// schema per service_key, shared by every Tracker in the process, the way
// go-playground/validator's own struct-tag cache is process-wide) — this
// option just gives New a documented place to install them instead of
// requiring a separate record.RegisterSchema call before New runs.
func WithSchema(serviceKey string, schema *record.Schema) Option {
	return func(o *options) {
		o.schemas = append(o.schemas, pendingSchema{serviceKey: serviceKey, schema: schema})
	}
}

type pendingSchema struct {
	serviceKey string
	schema     *record.Schema
}

// TrackOption overrides one field of the record a Track/TrackBatch call
// builds, taking precedence over the Tracker's SetCustomerKey/SetContext
// defaults for that one call.
type TrackOption func(*record.BuildOptions)

// WithResponseID supplies an explicit idempotency key instead of letting
// Build generate a UUIDv4.
func WithResponseID(id string) TrackOption {
	return func(o *record.BuildOptions) { o.ResponseID = id }
}

// WithCustomerKey overrides the tracker-wide default customer_key for one
// call.
func WithCustomerKey(customerKey string) TrackOption {
	return func(o *record.BuildOptions) { o.CustomerKey = customerKey }
}

// WithContext overrides the tracker-wide default context map for one
// call. Per §3, context never merges with the default: supplying it here
// replaces it wholesale.
func WithContext(ctx map[string]any) TrackOption {
	return func(o *record.BuildOptions) { o.Context = ctx }
}

// WithTimestamp overrides the record's timestamp instead of defaulting to
// construction-time UTC now.
func WithTimestamp(t time.Time) TrackOption {
	return func(o *record.BuildOptions) { o.Timestamp = t.UTC() }
}

// WithAPIID sets the legacy api_id hint accepted on input but not
// required on the wire.
func WithAPIID(apiID string) TrackOption {
	return func(o *record.BuildOptions) { o.APIID = apiID }
}

// BatchEntry is one record-to-be-built within a TrackBatch call. Usage is
// required; ResponseID/CustomerKey/Context override the batch's shared
// TrackOptions for this entry only, when non-zero.
type BatchEntry struct {
	Usage       map[string]any
	ResponseID  string
	CustomerKey string
	Context     map[string]any
}
