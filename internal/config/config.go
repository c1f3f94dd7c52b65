// Package config reads process settings from SOUNDBOARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const prefix = "SOUNDBOARD_"

// ErrMissingDependency reports a required setting that was not provided.
var ErrMissingDependency = errors.New("config: missing required setting")

// Config is the full process configuration.
type Config struct {
	Addr     string
	GRPCAddr string

	PGDSN          string
	UpstreamURL    string
	BotToken       string
	ExecutorSecret string

	IdentityTTL       time.Duration
	MembershipTTL     time.Duration
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReauthInterval    time.Duration
	ReauthGrace       time.Duration
	ReconcileInterval time.Duration

	RateBurst      int
	RatePerSec     float64
	AllowedOrigins []string
	LogLevel       string
}

// FromEnv reads the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load reads settings through lookup. All problems are reported together.
func Load(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		Addr:              r.str("ADDR", ":8080"),
		GRPCAddr:          r.str("GRPC_ADDR", ":9090"),
		PGDSN:             r.required("PG_DSN"),
		UpstreamURL:       r.str("UPSTREAM_URL", "https://discord.com/api/v10"),
		BotToken:          r.required("BOT_TOKEN"),
		ExecutorSecret:    r.required("EXECUTOR_SECRET"),
		IdentityTTL:       r.duration("IDENTITY_TTL", 5*time.Minute),
		MembershipTTL:     r.duration("MEMBERSHIP_TTL", 30*time.Minute),
		CommandTimeout:    r.duration("COMMAND_TIMEOUT", 10*time.Second),
		HeartbeatInterval: r.duration("HEARTBEAT_INTERVAL", 30*time.Second),
		ReauthInterval:    r.duration("REAUTH_INTERVAL", 10*time.Minute),
		ReauthGrace:       r.duration("REAUTH_GRACE", 30*time.Second),
		ReconcileInterval: r.duration("RECONCILE_INTERVAL", 15*time.Minute),
		RateBurst:         r.integer("RATE_BURST", 20),
		RatePerSec:        r.float("RATE_PER_SEC", 10),
		AllowedOrigins:    r.list("ALLOWED_ORIGINS"),
		LogLevel:          r.str("LOG_LEVEL", "info"),
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(prefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) required(key string) string {
	v, ok := r.raw(key)
	if !ok {
		r.errs = append(r.errs, fmt.Errorf("%w: %s%s", ErrMissingDependency, prefix, key))
	}
	return v
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: invalid duration %q", prefix, key, v))
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: invalid integer %q", prefix, key, v))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: invalid number %q", prefix, key, v))
		return def
	}
	return f
}

func (r *reader) list(key string) []string {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
