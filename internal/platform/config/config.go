package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server captures process level configuration for the doublet service and CLI.
type Server struct {
	Addr     string
	LogLevel string
	CRM      CRM
	Redis    RedisConfig
	CacheTTL time.Duration

	// BreakerThreshold is the number of consecutive transient primary search
	// failures after which lookups go straight to the failsafe search. 0 disables.
	BreakerThreshold int

	Policy Policy
}

// CRM configures the backend transport.
type CRM struct {
	BaseURL   string
	APIToken  string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 = unlimited
	RateBurst int
	Headers   map[string]string
}

// RedisConfig configures the optional result cache backend.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Policy holds the product rules of the lookup. Loaded from DOUBLET_POLICY_FILE
// when set, otherwise DefaultPolicy.
type Policy struct {
	RetryableStatuses []int    `yaml:"retryable_statuses"`
	FallbackOrder     []string `yaml:"fallback_order"`
	ZombieField       string   `yaml:"zombie_field"`
	Namespaces        struct {
		Private  string `yaml:"private"`
		Business string `yaml:"business"`
	} `yaml:"namespaces"`
}

// DefaultPolicy mirrors the rules the CRM integration has always shipped with.
func DefaultPolicy() Policy {
	return Policy{
		RetryableStatuses: []int{500, 502, 503, 504},
		FallbackOrder:     []string{"email", "name", "mobile", "landline"},
		ZombieField:       "pks_konflikt",
	}
}

// Defaults applied by FromEnv when the matching variable is unset.
var (
	DefaultCRMTimeout = 10 * time.Second
	DefaultCacheTTL   = time.Duration(0)
)

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	cfg := Server{
		Addr:     getEnv("DOUBLET_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		CRM: CRM{
			BaseURL:   os.Getenv("CRM_BASE_URL"),
			APIToken:  os.Getenv("CRM_API_TOKEN"),
			Timeout:   DefaultCRMTimeout,
			RateBurst: 1,
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		CacheTTL: DefaultCacheTTL,
		Policy:   DefaultPolicy(),
	}

	if cfg.CRM.BaseURL == "" {
		return Server{}, fmt.Errorf("CRM_BASE_URL is required")
	}

	if v := os.Getenv("CRM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Server{}, fmt.Errorf("parse CRM_TIMEOUT: %w", err)
		}
		cfg.CRM.Timeout = d
	}
	if v := os.Getenv("CRM_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Server{}, fmt.Errorf("parse CRM_RATE_LIMIT: %w", err)
		}
		cfg.CRM.RateLimit = f
	}
	if v := os.Getenv("CRM_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Server{}, fmt.Errorf("parse CRM_RATE_BURST: %w", err)
		}
		cfg.CRM.RateBurst = n
	}
	headers, err := ParseHeaders(os.Getenv("CRM_HEADERS"))
	if err != nil {
		return Server{}, err
	}
	cfg.CRM.Headers = headers

	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Server{}, fmt.Errorf("parse CACHE_TTL: %w", err)
		}
		cfg.CacheTTL = d
	}
	if v := os.Getenv("BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Server{}, fmt.Errorf("parse BREAKER_THRESHOLD: %w", err)
		}
		cfg.BreakerThreshold = n
	}

	if path := os.Getenv("DOUBLET_POLICY_FILE"); path != "" {
		policy, err := LoadPolicy(path)
		if err != nil {
			return Server{}, err
		}
		cfg.Policy = policy
	}

	return cfg, nil
}

// LoadPolicy reads a YAML policy file. Keys left out of the file keep their
// DefaultPolicy value.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and checks a YAML policy document.
func ParsePolicy(data []byte) (Policy, error) {
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	for _, status := range policy.RetryableStatuses {
		if status < 100 || status > 599 {
			return Policy{}, fmt.Errorf("invalid retryable status %d", status)
		}
	}
	for _, key := range policy.FallbackOrder {
		switch key {
		case "email", "name", "mobile", "landline":
		default:
			return Policy{}, fmt.Errorf("unknown fallback query %q", key)
		}
	}
	return policy, nil
}

// ParseHeaders parses "Key=Value,Other=Value" into a header map.
func ParseHeaders(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return headers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
