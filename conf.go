package leakwatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerURL        string
	APIVersion       string
	System           string
	PollInterval     time.Duration
	EventInterval    time.Duration
	RequestTimeout   time.Duration
	LogLevel         string
	LogPath          string
	DatabaseURL      string
	SessionRetention time.Duration
	EventEnvelope    string
	Trace            bool
	SimAddr          string
}

const (
	KeyServerURL        = "LEAKWATCH_SERVER_URL"
	KeyAPIVersion       = "LEAKWATCH_API_VERSION"
	KeySystem           = "LEAKWATCH_SYSTEM"
	KeyPollInterval     = "LEAKWATCH_POLL_INTERVAL"
	KeyEventInterval    = "LEAKWATCH_EVENT_INTERVAL"
	KeyRequestTimeout   = "LEAKWATCH_REQUEST_TIMEOUT"
	KeyLogLevel         = "LEAKWATCH_LOG_LEVEL"
	KeyLogPath          = "LEAKWATCH_LOG_PATH"
	KeyDatabaseURL      = "LEAKWATCH_DB_URL"
	KeySessionRetention = "LEAKWATCH_SESSION_RETENTION"
	KeyEventEnvelope    = "LEAKWATCH_EVENT_ENVELOPE"
	KeyTrace            = "LEAKWATCH_TRACE"
	KeySimAddr          = "LEAKWATCH_SIM_ADDR"
)

const (
	DefaultAPIVersion       = "0.1"
	DefaultSystem           = "hxtleak"
	DefaultPollInterval     = "500ms"
	DefaultEventInterval    = "1s"
	DefaultRequestTimeout   = "5s"
	DefaultSessionRetention = "168h"
	DefaultLogLevel         = "WARN"
	DefaultSimAddr          = ":8888"
)

var (
	userHome, _    = os.UserHomeDir()
	DefaultLogPath = path.Join(userHome, ".leakwatch", "leakwatch.log")
)

// LoadConfig reads src as a dotenv file (a missing file is not an error), then lets
// the process environment override it. Unset keys fall back to defaults.
func LoadConfig(src string) (Config, error) {
	fromFile := map[string]string{}
	if src != "" {
		m, err := godotenv.Read(src)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", src, err)
		}
		if m != nil {
			fromFile = m
		}
	}
	get := func(key, def string) string {
		return coalesce(os.Getenv(key), fromFile[key], def)
	}

	var errs *multierror.Error
	duration := func(key, def string) time.Duration {
		raw := get(key, def)
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
			return 0
		}
		if d < 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: must not be negative", key))
		}
		return d
	}

	cfg := Config{
		ServerURL:        get(KeyServerURL, ""),
		APIVersion:       get(KeyAPIVersion, DefaultAPIVersion),
		System:           get(KeySystem, DefaultSystem),
		PollInterval:     duration(KeyPollInterval, DefaultPollInterval),
		EventInterval:    duration(KeyEventInterval, DefaultEventInterval),
		RequestTimeout:   duration(KeyRequestTimeout, DefaultRequestTimeout),
		LogLevel:         get(KeyLogLevel, DefaultLogLevel),
		LogPath:          get(KeyLogPath, DefaultLogPath),
		DatabaseURL:      get(KeyDatabaseURL, ""),
		SessionRetention: duration(KeySessionRetention, DefaultSessionRetention),
		EventEnvelope:    get(KeyEventEnvelope, ""),
		SimAddr:          get(KeySimAddr, DefaultSimAddr),
	}

	if raw := get(KeyTrace, ""); raw != "" {
		trace, err := strconv.ParseBool(raw)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid bool %q", KeyTrace, raw))
		}
		cfg.Trace = trace
	}

	switch cfg.System {
	case "hxtleak", "aegir":
	default:
		errs = multierror.Append(errs, fmt.Errorf("%s: unknown system %q", KeySystem, cfg.System))
	}
	for _, key := range []string{KeyPollInterval, KeyEventInterval} {
		if d, err := time.ParseDuration(get(key, "1s")); err == nil && d == 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: must be positive", key))
		}
	}

	return cfg, errs.ErrorOrNil()
}

func coalesce(args ...string) string {
	for _, s := range args {
		if s != "" {
			return s
		}
	}
	return ""
}
