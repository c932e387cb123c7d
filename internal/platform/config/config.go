// Package config loads process configuration from the environment. All
// knobs have safe defaults so the orchestrator can run with zero
// configuration in tests.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

func GetEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		if log != nil {
			log.Warn("could not parse env var as int, using default", "provided", valStr, "default", defaultVal)
		}
		return defaultVal
	}
	return i
}

func GetEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	b, err := strconv.ParseBool(valStr)
	if err != nil {
		if log != nil {
			log.Warn("could not parse env var as bool, using default", "provided", valStr, "default", defaultVal)
		}
		return defaultVal
	}
	return b
}

func GetEnvAsFloat(key string, defaultVal float64, log *logger.Logger) float64 {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	f, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		if log != nil {
			log.Warn("could not parse env var as float, using default", "provided", valStr, "default", defaultVal)
		}
		return defaultVal
	}
	return f
}

func GetEnvAsDuration(key string, defaultVal time.Duration, log *logger.Logger) time.Duration {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	d, err := time.ParseDuration(valStr)
	if err != nil {
		if log != nil {
			log.Warn("could not parse env var as duration, using default", "provided", valStr, "default", defaultVal)
		}
		return defaultVal
	}
	return d
}

// Config is the process-wide configuration, constructed once at startup
// and injected into every component that needs it. There is no package
// global: tests build their own Config with defaults suited to the test.
type Config struct {
	APIPort string

	// GlobalMaxWorkers is the default value for Job.Concurrency when a
	// request does not specify max_workers.
	GlobalMaxWorkers int

	// EventBusGlobalCapacity / EventBusPerJobCapacity size the ring
	// buffers described in spec.md §4.1.
	EventBusGlobalCapacity int
	EventBusPerJobCapacity int
	EventBusMaxJobs        int

	// EventLogPath, if non-empty, durably appends every event as a JSON
	// line. File I/O failures degrade to in-memory only (spec.md §4.1).
	EventLogPath string

	// CircuitBreakerFailureThreshold / CooldownSuccess / Cooldown map
	// directly to spec.md §4.3's k, s, and 60s cooldown constants.
	CircuitBreakerFailureThreshold uint32
	CircuitBreakerCooldownSuccess  uint32
	CircuitBreakerCooldown         time.Duration
	CircuitBreakerHalfOpenMax      uint32

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryMaxJitter float64

	BrowserPoolMaxUseCount int

	// RateLimitRPS caps the rate at which the Job Runner starts SKU tasks
	// via one token bucket shared by every worker and job of that Runner
	// (spec.md §5's rate limiting "in addition to circuit breaker").
	RateLimitRPS   float64
	RateLimitBurst int

	// JobRunnerBatchSize / JobRunnerStagger map to spec.md §4.7's
	// browser-restart cadence (default 20) and post-barrier stagger
	// delay (default 500ms).
	JobRunnerBatchSize int
	JobRunnerStagger   time.Duration
	JobShutdownTimeout time.Duration

	// EncryptionKey is derived from SETTINGS_ENCRYPTION_KEY via PBKDF2 and
	// used to encrypt scraper login credentials at rest in the config
	// store (spec.md §6).
	EncryptionKey []byte
}

// Load reads Config from the environment, applying the defaults spec.md
// names explicitly (circuit breaker k=5/s=2/cooldown=60s, etc).
func Load(log *logger.Logger) Config {
	cfg := Config{
		APIPort:                        GetEnv("API_PORT", "8000", log),
		GlobalMaxWorkers:               GetEnvAsInt("SCRAPERD_MAX_WORKERS", 10, log),
		EventBusGlobalCapacity:         GetEnvAsInt("SCRAPERD_EVENT_BUS_CAPACITY", 1000, log),
		EventBusPerJobCapacity:         GetEnvAsInt("SCRAPERD_EVENT_BUS_PER_JOB_CAPACITY", 500, log),
		EventBusMaxJobs:                GetEnvAsInt("SCRAPERD_EVENT_BUS_MAX_JOBS", 100, log),
		EventLogPath:                   GetEnv("SCRAPERD_EVENT_LOG_PATH", "", log),
		CircuitBreakerFailureThreshold: uint32(GetEnvAsInt("SCRAPERD_CB_FAILURE_THRESHOLD", 5, log)),
		CircuitBreakerCooldownSuccess:  uint32(GetEnvAsInt("SCRAPERD_CB_COOLDOWN_SUCCESSES", 2, log)),
		CircuitBreakerCooldown:         GetEnvAsDuration("SCRAPERD_CB_COOLDOWN", 60*time.Second, log),
		CircuitBreakerHalfOpenMax:      uint32(GetEnvAsInt("SCRAPERD_CB_HALF_OPEN_MAX_INFLIGHT", 3, log)),
		RetryBaseDelay:                 GetEnvAsDuration("SCRAPERD_RETRY_BASE_DELAY", time.Second, log),
		RetryMaxDelay:                  GetEnvAsDuration("SCRAPERD_RETRY_MAX_DELAY", 2*time.Minute, log),
		RetryMaxJitter:                 0.10,
		BrowserPoolMaxUseCount:         GetEnvAsInt("SCRAPERD_BROWSER_POOL_MAX_USE_COUNT", 50, log),
		RateLimitRPS:                   GetEnvAsFloat("SCRAPERD_RATE_LIMIT_RPS", 5.0, log),
		RateLimitBurst:                 GetEnvAsInt("SCRAPERD_RATE_LIMIT_BURST", 5, log),
		JobRunnerBatchSize:             GetEnvAsInt("SCRAPERD_JOB_BATCH_SIZE", 20, log),
		JobRunnerStagger:               GetEnvAsDuration("SCRAPERD_JOB_STAGGER", 500*time.Millisecond, log),
		JobShutdownTimeout:             GetEnvAsDuration("SCRAPERD_JOB_SHUTDOWN_TIMEOUT", 30*time.Second, log),
	}
	if key := GetEnv("SETTINGS_ENCRYPTION_KEY", "", log); key != "" {
		cfg.EncryptionKey = DeriveEncryptionKey(key, nil)
	}
	return cfg
}
