package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// EXPORTQ_DATABASE_URL or EXPORTQ_EXPORT_WORKERS.
const EnvPrefix = "EXPORTQ"

// Options controls where Load looks for settings.
type Options struct {
	// Args are command-line arguments (without the program name).
	Args []string
	// EnvFile is a dotenv file loaded into the environment when present.
	EnvFile string
}

// Load configuration from command-line flags, environment variables and
// optionally a config file. Flags win over environment variables, which win
// over the config file, which wins over defaults.
// Returns a populated Config struct or an error if loading/validation fails.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		// Existing environment variables are never overwritten by the file.
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("export-queue", pflag.ContinueOnError)
	configFile := flags.String("config_file", "", "Configuration file (json, yaml or toml)")
	flags.Int("port", 0, "HTTP port")
	flags.String("data_source", "", "PostgreSQL connection URL")
	flags.String("log_level", "", "Log level (debug, info, warn, error)")
	flags.Int("workers", -1, "Number of concurrent export workers")
	flags.String("shard_strategy", "", "Shard routing strategy (tenant, group)")
	if err := flags.Parse(opts.Args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	bindFlag(v, flags, "server.port", "port")
	bindFlag(v, flags, "database.url", "data_source")
	bindFlag(v, flags, "log.level", "log_level")
	bindFlag(v, flags, "export.workers", "workers")
	bindFlag(v, flags, "shards.strategy", "shard_strategy")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not load config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// bindFlag binds a flag to a key only when it was set explicitly, so unset
// flags never shadow environment variables.
func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, name string) {
	if f := flags.Lookup(name); f != nil && f.Changed {
		_ = v.BindPFlag(key, f)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.disable_http", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.replica_url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.acquire_timeout", 5*time.Second)
	v.SetDefault("database.read_after_write_window", 2*time.Second)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("shards.strategy", StrategyTenant)
	v.SetDefault("shards.schema_prefix", "export_")
	v.SetDefault("shards.count", 1)
	v.SetDefault("shards.tenant_groups", map[string]string{})
	v.SetDefault("shards.default_group", "default")

	v.SetDefault("export.expiration_threshold", 10*time.Minute)
	v.SetDefault("export.max_time_to_live", 14*24*time.Hour)
	v.SetDefault("export.max_fail_count_for_work_item", 3)
	v.SetDefault("export.workers", 2)
	v.SetDefault("export.poll_interval", 5*time.Second)
	v.SetDefault("export.heartbeat_interval", time.Minute)
	v.SetDefault("export.sweep_interval", 15*time.Minute)
	v.SetDefault("export.scan_parallelism", 4)
	v.SetDefault("export.lock_timeout", 5*time.Second)
	v.SetDefault("export.default_max_file_size", int64(1<<30))

	v.SetDefault("blob.backend", BlobBackendFS)
	v.SetDefault("blob.dir", "/var/lib/export-queue/blobs")
	v.SetDefault("blob.redis_addr", "")
	v.SetDefault("blob.redis_password", "")
	v.SetDefault("blob.redis_db", 0)
	v.SetDefault("blob.redis_prefix", "exportq:blob:")
	v.SetDefault("blob.redis_ttl", time.Duration(0))
}
