// Package settings resolves the immutable Settings value a Tracker runs
// with, merging constructor arguments, environment variables, the
// configuration store's [tracker] section, and built-in defaults, highest
// precedence first.
package settings

import "time"

// DeliveryType selects which delivery strategy a Tracker constructs.
type DeliveryType string

const (
	DeliveryImmediate      DeliveryType = "IMMEDIATE"
	DeliveryMemQueue       DeliveryType = "MEM_QUEUE"
	DeliveryPersistentQueue DeliveryType = "PERSISTENT_QUEUE"
)

// OverflowPolicy selects what the in-memory queue does when full.
type OverflowPolicy string

const (
	OverflowBlock       OverflowPolicy = "block"
	OverflowBackpressure OverflowPolicy = "backpressure"
	OverflowRaise       OverflowPolicy = "raise"
)

// LogFormat selects the slog handler kind.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// LogOutput selects the slog writer target.
type LogOutput string

const (
	LogOutputStdout LogOutput = "stdout"
	LogOutputStderr LogOutput = "stderr"
	LogOutputFile   LogOutput = "file"
)

// Settings is the fully-resolved, immutable configuration a Tracker runs
// with. Construct one with Resolve; do not mutate a Settings value after
// resolution.
type Settings struct {
	APIKey   string
	APIBase  string
	APIURL   string
	Delivery DeliveryType
	DBPath   string

	Timeout       time.Duration
	PollInterval  time.Duration
	BatchInterval time.Duration
	MaxAttempts   int
	MaxRetries    int
	QueueSize     int
	MaxBatchSize  int
	Overflow      OverflowPolicy

	RaiseOnError   bool
	LimitsEnabled  bool

	LogLevel  string
	LogBodies bool
	LogFormat LogFormat
	LogOutput LogOutput
	LogFile   string
}

// TrackURL is API_BASE + API_URL + "/track".
func (s Settings) TrackURL() string {
	return s.APIBase + s.APIURL + "/track"
}

// LimitsURL is API_BASE + API_URL + "/triggered-limits".
func (s Settings) LimitsURL() string {
	return s.APIBase + s.APIURL + "/triggered-limits"
}
