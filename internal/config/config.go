// Package config provides configuration management for the CIRCLE control plane and node agent.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Instance   InstanceConfig   `mapstructure:"instance"`
	Node       NodeConfig       `mapstructure:"node"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds persistence configuration. Driver is "memory" or "postgres".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the PostgreSQL URL form used by golang-migrate.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenExpiry    time.Duration `mapstructure:"token_expiry"`
	RefreshExpiry  time.Duration `mapstructure:"refresh_expiry"`
	LoginRateLimit int           `mapstructure:"login_rate_limit"`
	LoginWindow    time.Duration `mapstructure:"login_window"`
	// AdminUsername and AdminPassword seed the bootstrap superuser. An empty
	// password skips seeding.
	AdminUsername  string        `mapstructure:"admin_username"`
	AdminPassword  string        `mapstructure:"admin_password"`
}

// SchedulerConfig holds node scheduler configuration.
type SchedulerConfig struct {
	PlacementStrategy string  `mapstructure:"placement_strategy"`
	OvercommitCPU     float64 `mapstructure:"overcommit_cpu"`
	OvercommitMemory  float64 `mapstructure:"overcommit_memory"`
}

// DispatcherConfig holds remote queue dispatch configuration.
type DispatcherConfig struct {
	ManagerQueue    string        `mapstructure:"manager_queue"`
	Workers         int           `mapstructure:"workers"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	DeployTimeout   time.Duration `mapstructure:"deploy_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SleepTimeout    time.Duration `mapstructure:"sleep_timeout"`
	MigrateTimeout  time.Duration `mapstructure:"migrate_timeout"`
	// StaticQueues is used when etcd is disabled. Queue names contain dots,
	// so they are list entries rather than map keys.
	StaticQueues    []StaticQueue `mapstructure:"static_queues"`
}

// StaticQueue pins a remote queue to an agent address.
type StaticQueue struct {
	Queue   string `mapstructure:"queue"`
	Address string `mapstructure:"address"`
}

// QueueAddresses returns the static queues keyed by queue name.
func (c DispatcherConfig) QueueAddresses() map[string]string {
	addrs := make(map[string]string, len(c.StaticQueues))
	for _, q := range c.StaticQueues {
		addrs[q.Queue] = q.Address
	}
	return addrs
}

// InstanceConfig holds instance lifecycle defaults.
type InstanceConfig struct {
	VNCPortMin      int           `mapstructure:"vnc_port_min"`
	VNCPortMax      int           `mapstructure:"vnc_port_max"`
	SuspendInterval time.Duration `mapstructure:"suspend_interval"`
	DeleteInterval  time.Duration `mapstructure:"delete_interval"`
	DumpDir         string        `mapstructure:"dump_dir"`
}

// NodeConfig holds node metric caching configuration.
type NodeConfig struct {
	MetricsTTL      time.Duration `mapstructure:"metrics_ttl"`
	LocalMetricsTTL time.Duration `mapstructure:"local_metrics_ttl"`
	OnlineTTL       time.Duration `mapstructure:"online_ttl"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// ReconcilerConfig holds configuration for the unknown-state reconciler.
type ReconcilerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AgentConfig holds node agent configuration.
type AgentConfig struct {
	Hostname      string        `mapstructure:"hostname"`
	ListenAddress string        `mapstructure:"listen_address"`
	AdvertiseAddr string        `mapstructure:"advertise_address"`
	LibvirtURI    string        `mapstructure:"libvirt_uri"`
	StoragePool   string        `mapstructure:"storage_pool"`
	Drivers       []string      `mapstructure:"drivers"`
	LeaseTTL      int64         `mapstructure:"lease_ttl"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CIRCLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks rules that span several fields.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid database.driver %q: must be memory or postgres", c.Database.Driver)
	}
	switch c.Scheduler.PlacementStrategy {
	case "spread", "pack":
	default:
		return fmt.Errorf("invalid scheduler.placement_strategy %q: must be spread or pack", c.Scheduler.PlacementStrategy)
	}
	if c.Instance.VNCPortMin <= 0 || c.Instance.VNCPortMax <= c.Instance.VNCPortMin {
		return fmt.Errorf("invalid vnc port range [%d, %d)", c.Instance.VNCPortMin, c.Instance.VNCPortMax)
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive, got %d", c.Dispatcher.Workers)
	}
	if c.Node.LocalMetricsTTL > c.Node.MetricsTTL {
		return fmt.Errorf("node.local_metrics_ttl (%s) must not exceed node.metrics_ttl (%s)",
			c.Node.LocalMetricsTTL, c.Node.MetricsTTL)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "circle")
	v.SetDefault("database.user", "circle")
	v.SetDefault("database.password", "circle")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Auth
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.token_expiry", "24h")
	v.SetDefault("auth.refresh_expiry", "168h")
	v.SetDefault("auth.login_rate_limit", 10)
	v.SetDefault("auth.login_window", "1m")
	v.SetDefault("auth.admin_username", "admin")

	// Scheduler
	v.SetDefault("scheduler.placement_strategy", "spread")
	v.SetDefault("scheduler.overcommit_cpu", 2.0)
	v.SetDefault("scheduler.overcommit_memory", 1.0)

	// Dispatcher
	v.SetDefault("dispatcher.manager_queue", "localhost.man")
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.queue_depth", 128)
	v.SetDefault("dispatcher.dial_timeout", "5s")
	v.SetDefault("dispatcher.default_timeout", "60s")
	v.SetDefault("dispatcher.deploy_timeout", "300s")
	v.SetDefault("dispatcher.shutdown_timeout", "120s")
	v.SetDefault("dispatcher.sleep_timeout", "300s")
	v.SetDefault("dispatcher.migrate_timeout", "2h")

	// Instance
	v.SetDefault("instance.vnc_port_min", 20000)
	v.SetDefault("instance.vnc_port_max", 65536)
	v.SetDefault("instance.suspend_interval", "720h")
	v.SetDefault("instance.delete_interval", "2160h")
	v.SetDefault("instance.dump_dir", "/datastore/dumps")

	// Node
	v.SetDefault("node.metrics_ttl", "30s")
	v.SetDefault("node.local_metrics_ttl", "5s")
	v.SetDefault("node.online_ttl", "20s")
	v.SetDefault("node.query_timeout", "5s")

	// Reconciler
	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", "1m")
	v.SetDefault("reconciler.timeout", "10s")

	// Agent
	v.SetDefault("agent.listen_address", "0.0.0.0:9443")
	v.SetDefault("agent.libvirt_uri", "qemu:///system")
	v.SetDefault("agent.storage_pool", "default")
	v.SetDefault("agent.drivers", []string{"vm", "net", "storage"})
	v.SetDefault("agent.lease_ttl", 30)
	v.SetDefault("agent.poll_interval", "2s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
