// Package config loads indexsync settings from an optional TOML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/indexsync/internal/backoff"
	"github.com/alfredjeanlab/indexsync/internal/model"
)

// DefaultTenant is the tenant id used when no [[tenants]] are configured.
const DefaultTenant = "default"

type Config struct {
	DatabaseURL string `toml:"database_url"` // INDEXSYNC_DATABASE_URL
	HTTPAddr    string `toml:"http_addr"`    // INDEXSYNC_HTTP_ADDR (default ":8080")
	GRPCAddr    string `toml:"grpc_addr"`    // INDEXSYNC_GRPC_ADDR (default ":9090")
	NATSURL     string `toml:"nats_url"`     // INDEXSYNC_NATS_URL (optional, empty = no notifications)
	AuthToken   string `toml:"auth_token"`   // INDEXSYNC_AUTH_TOKEN (optional, empty = auth disabled)
	AgentName   string `toml:"agent_name"`   // INDEXSYNC_AGENT_NAME (default hostname)

	// Coordination
	PollingInterval time.Duration `toml:"polling_interval"` // INDEXSYNC_POLLING_INTERVAL (default 1s)
	PulseInterval   time.Duration `toml:"pulse_interval"`   // INDEXSYNC_PULSE_INTERVAL (default 2s)
	PulseExpiration time.Duration `toml:"pulse_expiration"` // INDEXSYNC_PULSE_EXPIRATION (default 30s)
	BatchSize       int           `toml:"batch_size"`       // INDEXSYNC_BATCH_SIZE (default 50)
	ClaimLease      time.Duration `toml:"claim_lease"`      // INDEXSYNC_CLAIM_LEASE (default 1m)
	Enabled         bool          `toml:"enabled"`          // INDEXSYNC_ENABLED (default true)

	// Static sharding; both must be set together.
	TotalShardCount int   `toml:"total_shard_count"` // INDEXSYNC_TOTAL_SHARD_COUNT
	ShardIndices    []int `toml:"shard_indices"`     // INDEXSYNC_SHARD_INDICES ("0,1")

	// Retry
	MaxRetries     int           `toml:"max_retries"`     // INDEXSYNC_MAX_RETRIES (default 3)
	BackoffKind    string        `toml:"backoff"`         // INDEXSYNC_BACKOFF (default "exponential")
	BackoffInitial time.Duration `toml:"backoff_initial"` // INDEXSYNC_BACKOFF_INITIAL (default 1s)
	BackoffMax     time.Duration `toml:"backoff_max"`     // INDEXSYNC_BACKOFF_MAX (default 10m)

	// Index backend: "log", "s3", "redis" or "nats".
	Backend           string `toml:"backend"`             // INDEXSYNC_BACKEND (default "log")
	S3Bucket          string `toml:"s3_bucket"`           // INDEXSYNC_S3_BUCKET
	S3Endpoint        string `toml:"s3_endpoint"`         // INDEXSYNC_S3_ENDPOINT (custom endpoint for MinIO)
	S3Region          string `toml:"s3_region"`           // INDEXSYNC_S3_REGION (default "us-east-1")
	S3Prefix          string `toml:"s3_prefix"`           // INDEXSYNC_S3_PREFIX (default "index/")
	RedisURL          string `toml:"redis_url"`           // INDEXSYNC_REDIS_URL
	RedisPrefix       string `toml:"redis_prefix"`        // INDEXSYNC_REDIS_PREFIX (default "index:")
	NATSSubjectPrefix string `toml:"nats_subject_prefix"` // INDEXSYNC_NATS_SUBJECT_PREFIX (default "index")

	// Mass indexing
	MassIndexPartitions int `toml:"massindex_partitions"` // INDEXSYNC_MASSINDEX_PARTITIONS (default 4)
	MassIndexBatchSize  int `toml:"massindex_batch_size"` // INDEXSYNC_MASSINDEX_BATCH_SIZE (default 100)

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `toml:"otlp_endpoint"` // INDEXSYNC_OTLP_ENDPOINT

	Tenants []Tenant `toml:"tenants"`
}

// Tenant is one isolated database with its own agents and events.
type Tenant struct {
	ID          string `toml:"id"`
	DatabaseURL string `toml:"database_url"`
	Enabled     *bool  `toml:"enabled"` // nil = enabled
}

// IsEnabled reports whether the tenant's processors should pulse.
func (t Tenant) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Default returns a Config holding every default value.
func Default() *Config {
	return &Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":9090",
		PollingInterval:     time.Second,
		PulseInterval:       2 * time.Second,
		PulseExpiration:     30 * time.Second,
		BatchSize:           50,
		ClaimLease:          time.Minute,
		Enabled:             true,
		MaxRetries:          3,
		BackoffKind:         string(backoff.KindExponential),
		BackoffInitial:      time.Second,
		BackoffMax:          10 * time.Minute,
		Backend:             "log",
		S3Region:            "us-east-1",
		S3Prefix:            "index/",
		RedisPrefix:         "index:",
		NATSSubjectPrefix:   "index",
		MassIndexPartitions: 4,
		MassIndexBatchSize:  100,
	}
}

// Load reads INDEXSYNC_CONFIG (if set), applies the environment on top and
// validates the result.
func Load() (*Config, error) {
	c := Default()
	if path := os.Getenv("INDEXSYNC_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("INDEXSYNC_CONFIG %s: %w", path, err)
		}
	}
	if c.AgentName == "" {
		c.AgentName, _ = os.Hostname()
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.DatabaseURL = envOrDefault("INDEXSYNC_DATABASE_URL", c.DatabaseURL)
	c.HTTPAddr = envOrDefault("INDEXSYNC_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envOrDefault("INDEXSYNC_GRPC_ADDR", c.GRPCAddr)
	c.NATSURL = envOrDefault("INDEXSYNC_NATS_URL", c.NATSURL)
	c.AuthToken = envOrDefault("INDEXSYNC_AUTH_TOKEN", c.AuthToken)
	c.AgentName = envOrDefault("INDEXSYNC_AGENT_NAME", c.AgentName)
	c.BackoffKind = envOrDefault("INDEXSYNC_BACKOFF", c.BackoffKind)
	c.Backend = envOrDefault("INDEXSYNC_BACKEND", c.Backend)
	c.S3Bucket = envOrDefault("INDEXSYNC_S3_BUCKET", c.S3Bucket)
	c.S3Endpoint = envOrDefault("INDEXSYNC_S3_ENDPOINT", c.S3Endpoint)
	c.S3Region = envOrDefault("INDEXSYNC_S3_REGION", c.S3Region)
	c.S3Prefix = envOrDefault("INDEXSYNC_S3_PREFIX", c.S3Prefix)
	c.RedisURL = envOrDefault("INDEXSYNC_REDIS_URL", c.RedisURL)
	c.RedisPrefix = envOrDefault("INDEXSYNC_REDIS_PREFIX", c.RedisPrefix)
	c.NATSSubjectPrefix = envOrDefault("INDEXSYNC_NATS_SUBJECT_PREFIX", c.NATSSubjectPrefix)
	c.OTLPEndpoint = envOrDefault("INDEXSYNC_OTLP_ENDPOINT", c.OTLPEndpoint)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"INDEXSYNC_POLLING_INTERVAL", &c.PollingInterval},
		{"INDEXSYNC_PULSE_INTERVAL", &c.PulseInterval},
		{"INDEXSYNC_PULSE_EXPIRATION", &c.PulseExpiration},
		{"INDEXSYNC_CLAIM_LEASE", &c.ClaimLease},
		{"INDEXSYNC_BACKOFF_INITIAL", &c.BackoffInitial},
		{"INDEXSYNC_BACKOFF_MAX", &c.BackoffMax},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"INDEXSYNC_BATCH_SIZE", &c.BatchSize},
		{"INDEXSYNC_TOTAL_SHARD_COUNT", &c.TotalShardCount},
		{"INDEXSYNC_MAX_RETRIES", &c.MaxRetries},
		{"INDEXSYNC_MASSINDEX_PARTITIONS", &c.MassIndexPartitions},
		{"INDEXSYNC_MASSINDEX_BATCH_SIZE", &c.MassIndexBatchSize},
	}
	for _, n := range ints {
		v := os.Getenv(n.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", n.key, err)
		}
		*n.dst = parsed
	}

	if v := os.Getenv("INDEXSYNC_SHARD_INDICES"); v != "" {
		indices, err := ParseIndices(v)
		if err != nil {
			return fmt.Errorf("INDEXSYNC_SHARD_INDICES: %w", err)
		}
		c.ShardIndices = indices
	}
	if v := os.Getenv("INDEXSYNC_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("INDEXSYNC_ENABLED: %w", err)
		}
		c.Enabled = enabled
	}
	return nil
}

// Validate checks interval relationships, positive limits and the static
// sharding parameters. Any error here is fatal at startup.
func (c *Config) Validate() error {
	var ve model.ValidationError

	if c.PollingInterval <= 0 {
		ve.Add("polling_interval", "must be positive, got %s", c.PollingInterval)
	}
	if c.PulseInterval < c.PollingInterval {
		ve.Add("pulse_interval", "must be at least polling_interval (%s), got %s", c.PollingInterval, c.PulseInterval)
	}
	if c.PulseExpiration < 3*c.PulseInterval {
		ve.Add("pulse_expiration", "must be at least 3 * pulse_interval (%s), got %s", 3*c.PulseInterval, c.PulseExpiration)
	}
	if c.BatchSize <= 0 {
		ve.Add("batch_size", "must be positive, got %d", c.BatchSize)
	}
	if c.ClaimLease <= 0 {
		ve.Add("claim_lease", "must be positive, got %s", c.ClaimLease)
	}
	if c.MaxRetries <= 0 {
		ve.Add("max_retries", "must be positive, got %d", c.MaxRetries)
	}
	if _, err := c.Backoff(); err != nil {
		ve.Add("backoff", "%v", err)
	}
	if c.MassIndexPartitions <= 0 {
		ve.Add("massindex_partitions", "must be positive, got %d", c.MassIndexPartitions)
	}
	if c.MassIndexBatchSize <= 0 {
		ve.Add("massindex_batch_size", "must be positive, got %d", c.MassIndexBatchSize)
	}

	if c.TotalShardCount != 0 || len(c.ShardIndices) != 0 {
		var sve *model.ValidationError
		if err := model.ValidateStaticAssignment(*c.StaticAssignment()); errors.As(err, &sve) {
			ve.Errors = append(ve.Errors, sve.Errors...)
		}
	}

	switch c.Backend {
	case "log":
	case "s3":
		if c.S3Bucket == "" {
			ve.Add("s3_bucket", "is required for the s3 backend")
		}
	case "redis":
		if c.RedisURL == "" {
			ve.Add("redis_url", "is required for the redis backend")
		}
	case "nats":
		if c.NATSURL == "" {
			ve.Add("nats_url", "is required for the nats backend")
		}
	default:
		ve.Add("backend", "unknown backend %q", c.Backend)
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		field := fmt.Sprintf("tenants[%d]", i)
		if t.ID == "" {
			ve.Add(field+".id", "is required")
		} else if seen[t.ID] {
			ve.Add(field+".id", "duplicate tenant %q", t.ID)
		}
		seen[t.ID] = true
		if t.DatabaseURL == "" && c.DatabaseURL == "" {
			ve.Add(field+".database_url", "is required")
		}
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// StaticAssignment returns the configured static assignment, or nil when the
// agent shards dynamically.
func (c *Config) StaticAssignment() *model.ShardAssignment {
	if c.TotalShardCount == 0 && len(c.ShardIndices) == 0 {
		return nil
	}
	return &model.ShardAssignment{TotalShardCount: c.TotalShardCount, AssignedShards: c.ShardIndices}
}

// Backoff builds the configured retry backoff strategy.
func (c *Config) Backoff() (backoff.Strategy, error) {
	return backoff.New(backoff.Kind(c.BackoffKind), c.BackoffInitial, c.BackoffMax)
}

// TenantList returns the configured tenants, or a single default tenant
// backed by DatabaseURL. Tenants without a database URL inherit DatabaseURL.
func (c *Config) TenantList() []Tenant {
	if len(c.Tenants) == 0 {
		enabled := c.Enabled
		return []Tenant{{ID: DefaultTenant, DatabaseURL: c.DatabaseURL, Enabled: &enabled}}
	}
	out := make([]Tenant, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.DatabaseURL == "" {
			t.DatabaseURL = c.DatabaseURL
		}
		if !c.Enabled {
			disabled := false
			t.Enabled = &disabled
		}
		out[i] = t
	}
	return out
}

// ParseIndices parses a comma separated list of shard indices.
func ParseIndices(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid shard index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
