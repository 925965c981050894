// Package config reads process settings from the environment, after
// loading a .env file when one is present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr       string
	DBPath         string
	Transport      string // redis or memory
	RedisURL       string
	SearchEndpoint string
	LogLevel       string

	Worker WorkerConfig
	Cron   CronConfig
	Egress EgressConfig
}

type WorkerConfig struct {
	MaxRetries          int
	DedupeWindow        time.Duration
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RunningLease        time.Duration
	RecoveryBatch       int
	DequeueTimeout      time.Duration
	ResultQueueMaxItems int
	ResultTTL           time.Duration
	HandlerTimeout      time.Duration
	QueuedGrace         time.Duration
}

// EgressConfig limits where web_fetch jobs may connect.
type EgressConfig struct {
	AllowedPorts         []int
	DeniedHosts          []string
	BlockPrivateNetworks bool
}

type CronConfig struct {
	SyncInterval time.Duration
	PingInterval time.Duration
}

// Load reads the given env files (default .env) when they exist, then the
// environment. Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var (
		cfg = &Config{
			HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
			DBPath:         getEnv("DB_PATH", "taskcore.db"),
			Transport:      strings.ToLower(getEnv("TRANSPORT", "redis")),
			RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			SearchEndpoint: getEnv("SEARCH_ENDPOINT", "http://localhost:8888/search"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
		}
		p = parser{}
	)

	cfg.Worker = WorkerConfig{
		MaxRetries:          p.int("WORKER_MAX_RETRIES", 3),
		DedupeWindow:        p.seconds("WORKER_DEDUPE_WINDOW_SECONDS", 300),
		RetryBaseDelay:      p.seconds("WORKER_RETRY_BASE_DELAY_SECONDS", 10),
		RetryMaxDelay:       p.seconds("WORKER_RETRY_MAX_DELAY_SECONDS", 300),
		RunningLease:        p.seconds("WORKER_RUNNING_LEASE_SECONDS", 180),
		RecoveryBatch:       p.int("WORKER_PROCESSING_RECOVERY_BATCH", 200),
		DequeueTimeout:      p.seconds("WORKER_BRPOP_TIMEOUT_SECONDS", 5),
		ResultQueueMaxItems: p.int("WORKER_RESULT_QUEUE_MAX_ITEMS", 200),
		ResultTTL:           p.seconds("WORKER_RESULT_TTL_SECONDS", 86400),
		HandlerTimeout:      p.seconds("WORKER_HANDLER_TIMEOUT_SECONDS", 30),
		QueuedGrace:         p.seconds("WORKER_QUEUED_GRACE_SECONDS", 120),
	}
	cfg.Cron = CronConfig{
		SyncInterval: p.duration("CRON_SYNC_INTERVAL", 30*time.Second),
		PingInterval: p.duration("CRON_PING_INTERVAL", 30*time.Minute),
	}
	cfg.Egress = EgressConfig{
		AllowedPorts:         p.ints("EGRESS_ALLOWED_PORTS", []int{80, 443}),
		DeniedHosts:          list("EGRESS_DENIED_HOSTS", []string{"localhost", "127.0.0.1", "::1"}),
		BlockPrivateNetworks: p.bool("EGRESS_BLOCK_PRIVATE_NETWORKS", true),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid TRANSPORT %q: want redis or memory", c.Transport)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("invalid WORKER_MAX_RETRIES: must be >= 0")
	}
	if c.Worker.RetryMaxDelay < c.Worker.RetryBaseDelay {
		return fmt.Errorf("WORKER_RETRY_MAX_DELAY_SECONDS must be >= WORKER_RETRY_BASE_DELAY_SECONDS")
	}
	if c.Cron.SyncInterval <= 0 {
		return fmt.Errorf("invalid CRON_SYNC_INTERVAL: must be positive")
	}
	return nil
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) seconds(key string, def int) time.Duration {
	return time.Duration(p.int(key, def)) * time.Second
}

// duration accepts Go durations ("45s", "30m") or plain seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

// ints reads a comma separated list of integers.
func (p *parser) ints(key string, def []int) []int {
	items := list(key, nil)
	if items == nil {
		return def
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		v, err := strconv.Atoi(item)
		if err != nil {
			if p.err == nil {
				p.err = fmt.Errorf("invalid %s: %w", key, err)
			}
			continue
		}
		out = append(out, v)
	}
	return out
}

func list(key string, def []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}
