// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Route maps one content type to its candidate worker types in preference order.
// Routes are a list rather than a map because content types contain '.' and '/',
// which viper would interpret as key paths.
type Route struct {
	ContentType string   `mapstructure:"content_type" validate:"required"`
	WorkerTypes []string `mapstructure:"worker_types" validate:"required,min=1,dive,required"`
}

type NatsConfig struct {
	URL        string        `mapstructure:"url" validate:"required"`
	QueueGroup string        `mapstructure:"queue_group" validate:"required"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SubjectsConfig struct {
	Requests     string `mapstructure:"requests" validate:"required"`
	Responses    string `mapstructure:"responses" validate:"required"`
	Heartbeats   string `mapstructure:"heartbeats" validate:"required"`
	DeadLetter   string `mapstructure:"dead_letter" validate:"required"`
	WorkerPrefix string `mapstructure:"worker_prefix" validate:"required"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=etcd mongo memory"`
}

type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TimeoutsConfig struct {
	Heartbeat    time.Duration `mapstructure:"heartbeat" validate:"gt=0"`
	Dispatch     time.Duration `mapstructure:"dispatch" validate:"gt=0"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gt=0"`
}

type DispatchConfig struct {
	// ChainResetsCount resets dispatchCount when a response chains the request to a new stage.
	ChainResetsCount bool `mapstructure:"chain_resets_count"`
}

type ScannerConfig struct {
	Schedule string `mapstructure:"schedule" validate:"required"`
}

type WorkerConfig struct {
	Type              string        `mapstructure:"type"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=1"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	Processor         string        `mapstructure:"processor" validate:"omitempty,oneof=shell http"`
	Command           string        `mapstructure:"command"`
	URL               string        `mapstructure:"url"`
	NextContentType   string        `mapstructure:"next_content_type"`
	ContentTypes      []string      `mapstructure:"content_types"`
	ProcessTimeout    time.Duration `mapstructure:"process_timeout" validate:"gt=0"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

// Config holds all configuration for the dispatcher and the reference worker.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Nats              NatsConfig     `mapstructure:"nats"`
	Subjects          SubjectsConfig `mapstructure:"subjects"`
	Store             StoreConfig    `mapstructure:"store"`
	Etcd              EtcdConfig     `mapstructure:"etcd"`
	Mongo             MongoConfig    `mapstructure:"mongo"`
	Redis             RedisConfig    `mapstructure:"redis"`
	DedupTTL          time.Duration  `mapstructure:"dedup_ttl"`
	Timeouts          TimeoutsConfig `mapstructure:"timeouts"`
	Dispatch          DispatchConfig `mapstructure:"dispatch"`
	Scanner           ScannerConfig  `mapstructure:"scanner"`
	Worker            WorkerConfig   `mapstructure:"worker"`
	LeaderElectionTTL time.Duration  `mapstructure:"leader_election_ttl"`
	HttpListenAddr    string         `mapstructure:"http_listen_addr"`
	GrpcListenAddr    string         `mapstructure:"grpc_listen_addr"`
	Routes            []Route        `mapstructure:"routes" validate:"dive"`

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.queue_group", "dispatchers")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("subjects.requests", "dispatch.requests")
	v.SetDefault("subjects.responses", "dispatch.responses")
	v.SetDefault("subjects.heartbeats", "dispatch.heartbeats")
	v.SetDefault("subjects.dead_letter", "dispatch.dlq")
	v.SetDefault("subjects.worker_prefix", "dispatch.workers")
	v.SetDefault("store.driver", "etcd")
	v.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("mongo.database", "dispatch")
	v.SetDefault("dedup_ttl", "24h")
	v.SetDefault("timeouts.heartbeat", "30s")
	v.SetDefault("timeouts.dispatch", "10m")
	v.SetDefault("timeouts.retry_backoff", "15s")
	v.SetDefault("dispatch.chain_resets_count", true)
	v.SetDefault("scanner.schedule", "@every 10s")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.heartbeat_interval", "5s")
	v.SetDefault("worker.processor", "shell")
	v.SetDefault("worker.process_timeout", "30s")
	v.SetDefault("worker.max_retries", 0)
	v.SetDefault("worker.retry_backoff", "1s")
	v.SetDefault("leader_election_ttl", "10s")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("grpc_listen_addr", ":9090")
}

// Load loads configuration from file and environment variables. Without explicit
// paths it looks for config.yaml in ./configs and the working directory.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// NATS_URL overrides nats.url, and so on.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No file: defaults and env vars only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.v = v
	return &cfg, nil
}

// Validate checks struct constraints and store-specific requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Store.Driver {
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("invalid config: etcd store requires etcd.endpoints")
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("invalid config: mongo store requires mongo.uri")
		}
	}
	return nil
}

// RouteTable flattens the configured routes into the router's table shape.
// A content type listed twice keeps its first entry.
func RouteTable(routes []Route) map[string][]string {
	table := make(map[string][]string, len(routes))
	for _, r := range routes {
		ct := strings.TrimSpace(r.ContentType)
		if _, dup := table[ct]; dup || ct == "" {
			continue
		}
		table[ct] = append([]string(nil), r.WorkerTypes...)
	}
	return table
}

// WatchRoutes re-reads the routes whenever the config file changes and hands
// the new table to onChange. Invalid reloads are reported to onError and the
// previous table stays in effect.
func (c *Config) WatchRoutes(onChange func(map[string][]string), onError func(error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var routes []Route
		if err := c.v.UnmarshalKey("routes", &routes); err != nil {
			onError(fmt.Errorf("failed to reload routes from %s: %w", e.Name, err))
			return
		}
		validate := validator.New()
		for _, r := range routes {
			if err := validate.Struct(r); err != nil {
				onError(fmt.Errorf("invalid route %q in %s: %w", r.ContentType, e.Name, err))
				return
			}
		}
		onChange(RouteTable(routes))
	})
	c.v.WatchConfig()
}
