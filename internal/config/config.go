// Package config loads gateway configuration from defaults, an optional YAML
// file, a .env file, NIMBUSGATE_ environment variables and runtime overrides,
// in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/3leaps/nimbusgate/pkg/match"
)

// EnvPrefix prefixes every environment variable the gateway reads.
const EnvPrefix = "NIMBUSGATE"

// AppName names the config file and the user config directory.
const AppName = "nimbusgate"

// ByteSize is a byte count that decodes from "100MiB" style strings.
type ByteSize int64

// Int64 returns n as an int64.
func (n ByteSize) Int64() int64 { return int64(n) }

func (n ByteSize) String() string { return match.FormatSize(int64(n)) }

// Config is the full gateway configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Download    DownloadConfig    `mapstructure:"download"`
	Share       ShareConfig       `mapstructure:"share"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Janitor     JanitorConfig     `mapstructure:"janitor"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type UploadConfig struct {
	ChunkSize ByteSize `mapstructure:"chunk_size"`
	Threshold ByteSize `mapstructure:"threshold"`

	// MaxRequestSize caps a single request body. Zero disables the cap.
	MaxRequestSize ByteSize `mapstructure:"max_request_size"`
}

type DownloadConfig struct {
	SliceSize ByteSize `mapstructure:"slice_size"`
}

type ShareConfig struct {
	DefaultExpiry time.Duration `mapstructure:"default_expiry"`
	MaxExpiry     time.Duration `mapstructure:"max_expiry"`
}

type CredentialsConfig struct {
	// Path of the persisted provider configuration. Empty keeps it in memory.
	Path string `mapstructure:"path"`
}

type RateLimitConfig struct {
	// RPS is the per-client request rate. Zero disables rate limiting.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type JanitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// envSpec maps an environment variable onto a config path.
type envSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string

	dotenvOnce sync.Once
)

// SetConfigFile makes Load read path instead of searching for nimbusgate.yaml.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration. Each override map is applied on top of
// everything else, later maps winning. The result also becomes GetConfig's
// value.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loadDotEnv()

	configMu.RLock()
	file := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, envName(spec.Path), spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Upload.ChunkSize <= 0:
		return errors.New("upload.chunk_size must be positive")
	case c.Upload.Threshold <= 0:
		return errors.New("upload.threshold must be positive")
	case c.Download.SliceSize <= 0:
		return errors.New("download.slice_size must be positive")
	case c.Share.DefaultExpiry <= 0:
		return errors.New("share.default_expiry must be positive")
	case c.Share.MaxExpiry < c.Share.DefaultExpiry:
		return errors.New("share.max_expiry must not be shorter than share.default_expiry")
	case c.RateLimit.RPS < 0:
		return errors.New("ratelimit.rps must not be negative")
	case c.Janitor.Enabled && c.Janitor.MaxAge <= 0:
		return errors.New("janitor.max_age must be positive when the janitor is enabled")
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10m")
	// Downloads stream for as long as the object takes; no write deadline.
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("upload.chunk_size", "100MiB")
	v.SetDefault("upload.threshold", "100MiB")
	v.SetDefault("upload.max_request_size", "110MiB")
	v.SetDefault("download.slice_size", "100MiB")

	v.SetDefault("share.default_expiry", "168h")
	v.SetDefault("share.max_expiry", "168h")

	v.SetDefault("credentials.path", "")

	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("cors.allowed_origins", []string{})

	v.SetDefault("janitor.enabled", false)
	v.SetDefault("janitor.schedule", "0 * * * *")
	v.SetDefault("janitor.max_age", "24h")
}

// getEnvSpecs lists the short environment names accepted in addition to the
// NIMBUSGATE_<SECTION>_<KEY> form.
func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_CREDENTIALS_FILE", Path: "credentials.path"},
		{Name: EnvPrefix + "_CORS_ORIGINS", Path: "cors.allowed_origins"},
	}
}

func envName(path string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func getUserConfigPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return nil
	}
	return []string{filepath.Join(dir, AppName)}
}

// loadDotEnv reads ./.env once. Variables already set in the environment win.
func loadDotEnv() {
	dotenvOnce.Do(func() {
		if _, err := os.Stat(".env"); err == nil {
			_ = godotenv.Load(".env")
		}
	})
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		n, err := match.ParseSize(data.(string))
		if err != nil {
			return nil, err
		}
		return ByteSize(n), nil
	}
}
