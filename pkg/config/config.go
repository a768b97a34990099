package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the bridge
type Config struct {
	SignalWire SignalWireConfig
	Server     ServerConfig
	Calls      CallsConfig
	RateLimit  RateLimitConfig
	Requests   RequestsConfig
	Database   DatabaseConfig
	Log        LogConfig
}

type SignalWireConfig struct {
	ProjectID      string
	Token          string
	Space          string
	SigningKey     string
	ApplicationSID string
	TokenTTL       time.Duration
	ValidateHooks  bool
}

type ServerConfig struct {
	Port           string
	PublicURL      string
	AllowedOrigins []string
}

type CallsConfig struct {
	CallerID      string
	DefaultClient string
	Voice         string
	DialTimeout   int
	MaxAge        time.Duration
	SweepInterval time.Duration
}

type RateLimitConfig struct {
	MaxAttempts   int
	Window        time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// RequestsConfig throttles the browser API per client IP. RPS <= 0 disables it.
type RequestsConfig struct {
	RPS   float64
	Burst int
}

type DatabaseConfig struct {
	URL string
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns the configuration used when nothing else is set
func Default() Config {
	return Config{
		SignalWire: SignalWireConfig{
			TokenTTL:      time.Hour,
			ValidateHooks: true,
		},
		Server: ServerConfig{
			Port: "3000",
		},
		Calls: CallsConfig{
			Voice:         "Polly.Joanna",
			DialTimeout:   30,
			MaxAge:        4 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:   5,
			Window:        time.Minute,
			StaleAfter:    time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Requests: RequestsConfig{
			RPS:   10,
			Burst: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ============================================
// FILE FORMAT
// ============================================

type fileConfig struct {
	SignalWire struct {
		ProjectID      string        `yaml:"projectId"`
		Token          string        `yaml:"token"`
		Space          string        `yaml:"space"`
		SigningKey     string        `yaml:"signingKey"`
		ApplicationSID string        `yaml:"applicationSid"`
		TokenTTL       time.Duration `yaml:"tokenTtl"`
		ValidateHooks  *bool         `yaml:"validateWebhooks"`
	} `yaml:"signalwire"`
	Server struct {
		Port           string   `yaml:"port"`
		PublicURL      string   `yaml:"publicUrl"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"server"`
	Calls struct {
		CallerID      string        `yaml:"callerId"`
		DefaultClient string        `yaml:"defaultClient"`
		Voice         string        `yaml:"voice"`
		DialTimeout   int           `yaml:"dialTimeout"`
		MaxAge        time.Duration `yaml:"maxAge"`
		SweepInterval time.Duration `yaml:"sweepInterval"`
	} `yaml:"calls"`
	RateLimit struct {
		MaxAttempts   int           `yaml:"maxAttempts"`
		Window        time.Duration `yaml:"window"`
		StaleAfter    time.Duration `yaml:"staleAfter"`
		SweepInterval time.Duration `yaml:"sweepInterval"`
	} `yaml:"rateLimit"`
	Requests struct {
		RPS   *float64 `yaml:"rps"`
		Burst int      `yaml:"burst"`
	} `yaml:"requests"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// ============================================
// LOADING
// ============================================

// Load builds the configuration: defaults, then the first readable YAML
// file, then .env, then environment variables. An explicit path that
// cannot be read or parsed is an error; the fallback candidates are not.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := []string{"configs/config.yaml", "config.yaml"}
	if path != "" {
		candidates = []string{path}
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path != "" {
				return cfg, fmt.Errorf("failed to read config %s: %w", candidate, err)
			}
			continue
		}

		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", candidate, err)
		}
		merge(&cfg, parsed)
		break
	}

	// .env never overrides variables already in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// merge copies every set field of src over dst
func merge(dst *Config, src fileConfig) {
	sw := src.SignalWire
	setString(&dst.SignalWire.ProjectID, sw.ProjectID)
	setString(&dst.SignalWire.Token, sw.Token)
	setString(&dst.SignalWire.Space, sw.Space)
	setString(&dst.SignalWire.SigningKey, sw.SigningKey)
	setString(&dst.SignalWire.ApplicationSID, sw.ApplicationSID)
	setDuration(&dst.SignalWire.TokenTTL, sw.TokenTTL)
	if sw.ValidateHooks != nil {
		dst.SignalWire.ValidateHooks = *sw.ValidateHooks
	}

	setString(&dst.Server.Port, src.Server.Port)
	setString(&dst.Server.PublicURL, src.Server.PublicURL)
	if src.Server.AllowedOrigins != nil {
		dst.Server.AllowedOrigins = src.Server.AllowedOrigins
	}

	setString(&dst.Calls.CallerID, src.Calls.CallerID)
	setString(&dst.Calls.DefaultClient, src.Calls.DefaultClient)
	setString(&dst.Calls.Voice, src.Calls.Voice)
	if src.Calls.DialTimeout > 0 {
		dst.Calls.DialTimeout = src.Calls.DialTimeout
	}
	setDuration(&dst.Calls.MaxAge, src.Calls.MaxAge)
	setDuration(&dst.Calls.SweepInterval, src.Calls.SweepInterval)

	if src.RateLimit.MaxAttempts > 0 {
		dst.RateLimit.MaxAttempts = src.RateLimit.MaxAttempts
	}
	setDuration(&dst.RateLimit.Window, src.RateLimit.Window)
	setDuration(&dst.RateLimit.StaleAfter, src.RateLimit.StaleAfter)
	setDuration(&dst.RateLimit.SweepInterval, src.RateLimit.SweepInterval)

	if src.Requests.RPS != nil {
		dst.Requests.RPS = *src.Requests.RPS
	}
	if src.Requests.Burst > 0 {
		dst.Requests.Burst = src.Requests.Burst
	}

	setString(&dst.Database.URL, src.Database.URL)
	setString(&dst.Log.Level, src.Log.Level)
	setString(&dst.Log.Format, src.Log.Format)
}

// ApplyEnvOverrides applies the documented environment variables on top of cfg
func ApplyEnvOverrides(cfg *Config) error {
	setString(&cfg.SignalWire.ProjectID, env("SIGNALWIRE_PROJECT_ID"))
	setString(&cfg.SignalWire.Token, env("SIGNALWIRE_TOKEN"))
	setString(&cfg.SignalWire.Space, env("SIGNALWIRE_SPACE"))
	setString(&cfg.SignalWire.SigningKey, env("SIGNALWIRE_SIGNING_KEY"))
	setString(&cfg.SignalWire.ApplicationSID, env("SIGNALWIRE_APPLICATION_SID"))
	setString(&cfg.Server.PublicURL, env("PUBLIC_URL"))
	setString(&cfg.Server.Port, env("PORT"))
	setString(&cfg.Database.URL, env("DATABASE_URL"))
	setString(&cfg.Calls.CallerID, env("CALLER_ID"))
	setString(&cfg.Calls.DefaultClient, env("DEFAULT_CLIENT"))
	setString(&cfg.Log.Level, env("LOG_LEVEL"))

	if raw := env("RATE_LIMIT_MAX_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("RATE_LIMIT_MAX_ATTEMPTS must be a positive integer, got %q", raw)
		}
		cfg.RateLimit.MaxAttempts = n
	}
	if raw := env("RATE_LIMIT_WINDOW"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return fmt.Errorf("RATE_LIMIT_WINDOW must be a positive duration, got %q", raw)
		}
		cfg.RateLimit.Window = d
	}
	return nil
}

// Validate reports configuration the bridge cannot run without
func (c Config) Validate() error {
	var errs []error
	if c.SignalWire.ProjectID == "" {
		errs = append(errs, errors.New("SIGNALWIRE_PROJECT_ID not configured"))
	}
	if c.SignalWire.Token == "" {
		errs = append(errs, errors.New("SIGNALWIRE_TOKEN not configured"))
	}
	if c.SignalWire.Space == "" {
		errs = append(errs, errors.New("SIGNALWIRE_SPACE not configured"))
	}
	if c.Server.PublicURL == "" {
		errs = append(errs, errors.New("PUBLIC_URL not configured"))
	} else if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		errs = append(errs, fmt.Errorf("PUBLIC_URL must be an http(s) URL, got %q", c.Server.PublicURL))
	}
	return errors.Join(errs...)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
