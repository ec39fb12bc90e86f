package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Shards   ShardConfig    `mapstructure:"shards" validate:"required"`
	Export   ExportConfig   `mapstructure:"export" validate:"required"`
	Blob     BlobConfig     `mapstructure:"blob" validate:"required"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// DisableHTTP runs the process as a pure worker.
	DisableHTTP bool `mapstructure:"disable_http"`
}

// LogConfig contains the structured logging settings.
type LogConfig struct {
	Level     string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format    string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	AddSource bool   `mapstructure:"add_source"`
}

// DatabaseConfig contains the connection settings shared by every shard.
// Shards are PostgreSQL schemas inside the database the URL points to.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
	// ReplicaURL, when set, serves read-only checkouts.
	ReplicaURL      string        `mapstructure:"replica_url" validate:"omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	// AcquireTimeout bounds how long a checkout may wait for the pool.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"gt=0"`
	// ReadAfterWriteWindow pins reads of a schema to the primary after a
	// modifying checkout so callers observe their own writes.
	ReadAfterWriteWindow time.Duration `mapstructure:"read_after_write_window" validate:"gte=0"`
	AutoMigrate          bool          `mapstructure:"auto_migrate"`
}

// Routing strategies.
const (
	StrategyTenant = "tenant"
	StrategyGroup  = "group"
)

// ShardConfig selects and parameterizes the shard routing strategy.
type ShardConfig struct {
	Strategy     string `mapstructure:"strategy" validate:"required,oneof=tenant group"`
	SchemaPrefix string `mapstructure:"schema_prefix" validate:"required,max=40"`
	// Count is the number of tenant shards (tenant strategy).
	Count int `mapstructure:"count" validate:"gt=0,lte=1024"`
	// TenantGroups maps tenant ids to group names (group strategy).
	TenantGroups map[string]string `mapstructure:"tenant_groups"`
	DefaultGroup string            `mapstructure:"default_group" validate:"required"`
}

// ExportConfig contains the queue's scheduling and retention settings.
type ExportConfig struct {
	// ExpirationThreshold is the lease length of a RUNNING task and the age
	// after which ABORTED tasks are swept.
	ExpirationThreshold time.Duration `mapstructure:"expiration_threshold" validate:"gt=0"`
	// MaxTimeToLive is how long DONE or FAILED exports are retained.
	MaxTimeToLive           time.Duration `mapstructure:"max_time_to_live" validate:"gt=0"`
	MaxFailCountForWorkItem int           `mapstructure:"max_fail_count_for_work_item" validate:"gt=0"`
	Workers                 int           `mapstructure:"workers" validate:"gte=0"`
	PollInterval            time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0,ltfield=ExpirationThreshold"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	ScanParallelism         int           `mapstructure:"scan_parallelism" validate:"gt=0"`
	// LockTimeout bounds row lock waits in store writes; zero disables it.
	LockTimeout        time.Duration `mapstructure:"lock_timeout" validate:"gte=0"`
	DefaultMaxFileSize int64         `mapstructure:"default_max_file_size" validate:"gt=0"`
}

// Blob backends.
const (
	BlobBackendFS    = "fs"
	BlobBackendRedis = "redis"
)

// BlobConfig selects where intermediate and result files are stored.
type BlobConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=fs redis"`
	Dir     string `mapstructure:"dir" validate:"required_if=Backend fs"`

	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl" validate:"gte=0"`
}
