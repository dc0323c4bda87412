package sessionapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/session"
)

const (
	defaultListenAddr       = ":9090"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultDeviceHeader     = "X-Device-ID"
	defaultTranslateTimeout = time.Minute
	defaultEntriesLimit     = 20
	maxEntriesLimit         = 100
	maxTextLength           = 5000
)

// ErrInvalidConfig reports an unusable façade configuration.
var ErrInvalidConfig = errors.New("invalid session api config")

// Config aggregates runtime settings for the HTTP façade.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	DeviceHeader      string
	TranslateTimeout  time.Duration
	EntriesLimit      int
	Policy            session.Policy
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.DeviceHeader = defaultIfEmpty(cfg.DeviceHeader, defaultDeviceHeader)
	if cfg.TranslateTimeout <= 0 {
		cfg.TranslateTimeout = defaultTranslateTimeout
	}
	if cfg.EntriesLimit <= 0 {
		cfg.EntriesLimit = defaultEntriesLimit
	}
	if cfg.EntriesLimit > maxEntriesLimit {
		return fmt.Errorf("%w: entries limit must be at most %d", ErrInvalidConfig, maxEntriesLimit)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if cfg.Policy.MaxSessionSeconds < 0 || cfg.Policy.LowBalanceSeconds < 0 {
		return fmt.Errorf("%w: session limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
