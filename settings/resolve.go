package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store is the subset of the configuration store needed to read the
// persisted [tracker] section.
type Store interface {
	GetSection(section string) map[string]string
}

const envPrefix = "AICM_"

// Resolve merges four sources, highest precedence first: overrides
// (constructor arguments, as a map keyed by the same names as Settings),
// AICM_-prefixed environment variables, the configuration store's
// [tracker] section, and built-in defaults.
func Resolve(overrides map[string]string, store Store) (Settings, error) {
	merged := map[string]string{}

	if store != nil {
		for k, v := range store.GetSection("tracker") {
			merged[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		merged[kv[len(envPrefix):eq]] = kv[eq+1:]
	}
	for k, v := range overrides {
		if v != "" {
			merged[k] = v
		}
	}

	_, dbPathExplicit := merged["DB_PATH"]
	_, deliveryExplicit := merged["DELIVERY_TYPE"]

	get := func(key, def string) string {
		if v, ok := merged[key]; ok && v != "" {
			return v
		}
		return def
	}

	apiKey := get("API_KEY", "")
	if apiKey == "" {
		return Settings{}, fmt.Errorf("settings: API_KEY is required")
	}

	dbPath := get("DB_PATH", defaultDBPath())

	var delivery DeliveryType
	if deliveryExplicit {
		delivery = DeliveryType(merged["DELIVERY_TYPE"])
	} else if dbPathExplicit {
		delivery = DeliveryPersistentQueue
	} else {
		delivery = DeliveryImmediate
	}

	timeout, err := parseSeconds(get("TIMEOUT", "10.0"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: TIMEOUT: %w", err)
	}
	poll, err := parseSeconds(get("POLL_INTERVAL", "0.1"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: POLL_INTERVAL: %w", err)
	}
	batchInterval, err := parseSeconds(get("BATCH_INTERVAL", "0.5"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: BATCH_INTERVAL: %w", err)
	}
	maxAttempts, err := parseInt(get("MAX_ATTEMPTS", "3"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: MAX_ATTEMPTS: %w", err)
	}
	maxRetries, err := parseInt(get("MAX_RETRIES", "5"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: MAX_RETRIES: %w", err)
	}
	queueSize, err := parseInt(get("QUEUE_SIZE", "10000"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: QUEUE_SIZE: %w", err)
	}
	maxBatchSize, err := parseInt(get("MAX_BATCH_SIZE", "100"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: MAX_BATCH_SIZE: %w", err)
	}
	raiseOnError, err := strconv.ParseBool(get("RAISE_ON_ERROR", "false"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: RAISE_ON_ERROR: %w", err)
	}
	limitsEnabled, err := strconv.ParseBool(get("LIMITS_ENABLED", "false"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: LIMITS_ENABLED: %w", err)
	}
	logBodies, err := strconv.ParseBool(get("LOG_BODIES", "false"))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: LOG_BODIES: %w", err)
	}

	return Settings{
		APIKey:   apiKey,
		APIBase:  get("API_BASE", "https://aicostmanager.com"),
		APIURL:   get("API_URL", "/api/v1"),
		Delivery: delivery,
		DBPath:   dbPath,

		Timeout:       timeout,
		PollInterval:  poll,
		BatchInterval: batchInterval,
		MaxAttempts:   maxAttempts,
		MaxRetries:    maxRetries,
		QueueSize:     queueSize,
		MaxBatchSize:  maxBatchSize,
		Overflow:      OverflowPolicy(get("OVERFLOW_POLICY", string(OverflowBackpressure))),

		RaiseOnError:  raiseOnError,
		LimitsEnabled: limitsEnabled,

		LogLevel:  strings.ToUpper(get("LOG_LEVEL", "INFO")),
		LogBodies: logBodies,
		LogFormat: LogFormat(get("LOG_FORMAT", string(LogFormatText))),
		LogOutput: LogOutput(get("LOG_OUTPUT", string(LogOutputStdout))),
		LogFile:   get("LOG_FILE", ""),
	}, nil
}

func parseSeconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "aicm", "queue.db")
}

// ResolveConfigPath finds the on-disk config store's path before Resolve can
// run, since Resolve itself reads that store's [tracker] section. It checks
// overrides["CONFIG_PATH"], then AICM_CONFIG_PATH, then a built-in default
// sitting next to the default queue database.
func ResolveConfigPath(overrides map[string]string) string {
	if v := overrides["CONFIG_PATH"]; v != "" {
		return v
	}
	if v := os.Getenv(envPrefix + "CONFIG_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "aicm", "config.ini")
}
