// Package config builds the process-wide configuration from environment
// variables. A Config is constructed once at startup and handed to each
// component constructor; nothing reads the environment after Load returns.
package config

import (
	"crypto/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const envPrefix = "SHORTPASTE_"

// DefaultMaxHoldSeconds is 100 years.
const DefaultMaxHoldSeconds int64 = 100 * 365 * 24 * 60 * 60

// Metadata backends.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Config captures runtime configuration.
type Config struct {
	Addr               string
	StorageRoot        string
	MetadataBackend    string
	MetadataPath       string
	DefaultHoldSeconds int64
	MaxHoldSeconds     int64
	MaxUploadBytes     int64
	ReapInterval       time.Duration
	HistoryEnabled     bool
	SessionSecret      []byte
	BaseURL            string
	TrustProxy         bool
	RateLimitRPS       float64
	RateLimitBurst     int
	LogLevel           string
	Environment        string
	OrphanSweep        bool
	OrphanGrace        time.Duration
	TextTypes          []string
	ImageTypes         []string
	ObjectTypes        []string
}

// Development reports whether human-readable logging should be used.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

var (
	defaultTextTypes = []string{
		"text/*",
		"application/json",
		"application/javascript",
		"application/xml",
		"application/x-sh",
		"application/x-yaml",
	}
	defaultImageTypes = []string{
		"image/png",
		"image/jpeg",
		"image/gif",
		"image/webp",
		"image/svg+xml",
		"image/bmp",
	}
	defaultObjectTypes = []string{
		"application/pdf",
		"audio/*",
		"video/*",
	}
)

// LoadEnvFile merges variables from a dotenv file into the process environment.
// Variables that are already set win over the file.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	c := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		StorageRoot:     getEnv("STORAGE_ROOT", "./data/pastes"),
		MetadataBackend: strings.ToLower(getEnv("METADATA_BACKEND", BackendBolt)),
		MetadataPath:    getEnv("METADATA_PATH", "./data/shortpaste.db"),
		BaseURL:         getEnv("BASE_URL", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		TextTypes:       getSlice("TEXT_TYPES", defaultTextTypes),
		ImageTypes:      getSlice("IMAGE_TYPES", defaultImageTypes),
		ObjectTypes:     getSlice("OBJECT_TYPES", defaultObjectTypes),
	}

	var err error
	if c.DefaultHoldSeconds, err = getInt64("DEFAULT_HOLD_SECONDS", 7*24*60*60); err != nil {
		return nil, err
	}
	if c.MaxHoldSeconds, err = getInt64("MAX_HOLD_SECONDS", DefaultMaxHoldSeconds); err != nil {
		return nil, err
	}
	if c.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if c.ReapInterval, err = getDuration("REAP_INTERVAL", 300*time.Second); err != nil {
		return nil, err
	}
	if c.HistoryEnabled, err = getBool("HISTORY_ENABLED", true); err != nil {
		return nil, err
	}
	if c.TrustProxy, err = getBool("TRUST_PROXY", false); err != nil {
		return nil, err
	}
	if c.RateLimitRPS, err = getFloat("RATE_LIMIT_RPS", 5); err != nil {
		return nil, err
	}
	if c.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if c.OrphanSweep, err = getBool("ORPHAN_SWEEP", false); err != nil {
		return nil, err
	}
	if c.OrphanGrace, err = getDuration("ORPHAN_GRACE", time.Hour); err != nil {
		return nil, err
	}

	if secret := getEnv("SESSION_SECRET", ""); secret != "" {
		c.SessionSecret = []byte(secret)
	} else {
		c.SessionSecret = make([]byte, 32)
		if _, err := rand.Read(c.SessionSecret); err != nil {
			return nil, errors.Wrap(err, "generate session secret")
		}
	}
	return c, nil
}

// Validate reports the first invalid setting.
func Validate(c *Config) error {
	if c.Addr == "" {
		return errors.New("ADDR is required")
	}
	if c.StorageRoot == "" {
		return errors.New("STORAGE_ROOT is required")
	}
	if c.MetadataPath == "" {
		return errors.New("METADATA_PATH is required")
	}
	switch c.MetadataBackend {
	case BackendBolt, BackendSQLite:
	default:
		return errors.Errorf("METADATA_BACKEND must be %q or %q, got %q", BackendBolt, BackendSQLite, c.MetadataBackend)
	}
	if c.DefaultHoldSeconds < 0 {
		return errors.New("DEFAULT_HOLD_SECONDS must not be negative")
	}
	if c.MaxHoldSeconds <= 0 {
		return errors.New("MAX_HOLD_SECONDS must be positive")
	}
	if c.DefaultHoldSeconds > c.MaxHoldSeconds {
		return errors.New("DEFAULT_HOLD_SECONDS must not exceed MAX_HOLD_SECONDS")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	if c.ReapInterval <= 0 {
		return errors.New("REAP_INTERVAL must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.OrphanSweep && c.OrphanGrace < time.Minute {
		return errors.New("ORPHAN_GRACE must be at least 1 minute")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer for %s%s", envPrefix, key)
	}
	return v, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer for %s%s", envPrefix, key)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid number for %s%s", envPrefix, key)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(err, "invalid boolean for %s%s", envPrefix, key)
	}
	return v, nil
}

// getDuration accepts Go durations ("5m") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration for %s%s", envPrefix, key)
	}
	return v, nil
}

func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
