package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Robot    RobotConfig    `mapstructure:"robot"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Firmware FirmwareConfig `mapstructure:"firmware"`
	Blob     BlobConfig     `mapstructure:"blob"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RobotConfig struct {
	HardwareConfig        string        `mapstructure:"hardware_config"`
	BlockOnDoorOpen       bool          `mapstructure:"block_on_door_open"`
	EnableErrorRecovery   bool          `mapstructure:"enable_error_recovery"`
	HomeAfterRun          bool          `mapstructure:"home_after_run"`
	EventBufferSize       int           `mapstructure:"event_buffer_size"`
	StatusBarPollInterval time.Duration `mapstructure:"status_bar_poll_interval"`
}

// LimitsConfig holds the storage maxima enforced by auto-deletion.
type LimitsConfig struct {
	MaximumRuns                   int `mapstructure:"maximum_runs"`
	MaximumUnusedProtocols        int `mapstructure:"maximum_unused_protocols"`
	MaximumQuickTransferProtocols int `mapstructure:"maximum_quick_transfer_protocols"`
}

type FirmwareConfig struct {
	UpdateStartTimeout time.Duration `mapstructure:"update_start_timeout"`
}

type BlobConfig struct {
	Driver       string `mapstructure:"driver"`
	Root         string `mapstructure:"root"`
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	AccessKeyEnv string `mapstructure:"access_key_env"`
	SecretKeyEnv string `mapstructure:"secret_key_env"`
	UseSSL       bool   `mapstructure:"use_ssl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("robot.block_on_door_open", true)
	v.SetDefault("robot.enable_error_recovery", true)
	v.SetDefault("robot.home_after_run", true)
	v.SetDefault("robot.event_buffer_size", 32)
	v.SetDefault("robot.status_bar_poll_interval", "500ms")

	v.SetDefault("limits.maximum_runs", 20)
	v.SetDefault("limits.maximum_unused_protocols", 5)
	v.SetDefault("limits.maximum_quick_transfer_protocols", 20)

	v.SetDefault("firmware.update_start_timeout", "5s")

	v.SetDefault("blob.driver", "local")
	v.SetDefault("blob.root", "data/protocols")
	v.SetDefault("blob.bucket", "protocols")
	v.SetDefault("blob.access_key_env", "MINIO_ACCESS_KEY")
	v.SetDefault("blob.secret_key_env", "MINIO_SECRET_KEY")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// OLC_ prefixed environment variables override the file
	v.SetEnvPrefix("OLC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return unmarshal(v)
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Limits.MaximumRuns < 1 {
		return fmt.Errorf("limits.maximum_runs must be >= 1, got %d", c.Limits.MaximumRuns)
	}
	if c.Limits.MaximumUnusedProtocols < 1 {
		return fmt.Errorf("limits.maximum_unused_protocols must be >= 1, got %d", c.Limits.MaximumUnusedProtocols)
	}
	if c.Limits.MaximumQuickTransferProtocols < 1 {
		return fmt.Errorf("limits.maximum_quick_transfer_protocols must be >= 1, got %d", c.Limits.MaximumQuickTransferProtocols)
	}
	if c.Robot.EventBufferSize < 1 {
		return fmt.Errorf("robot.event_buffer_size must be >= 1, got %d", c.Robot.EventBufferSize)
	}
	if c.Robot.StatusBarPollInterval <= 0 {
		return fmt.Errorf("robot.status_bar_poll_interval must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Blob.Driver {
	case "local", "minio":
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

// JWT secret from the configured environment variable
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}

func (b *BlobConfig) Credentials() (accessKey, secretKey string) {
	return os.Getenv(b.AccessKeyEnv), os.Getenv(b.SecretKeyEnv)
}
