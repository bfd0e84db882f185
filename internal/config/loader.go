package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CONSOLE_STORE_BACKEND.
const EnvPrefix = "CONSOLE"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configPath string
}

// NewLoader creates a config loader. An empty path searches the default
// locations.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, configPath: configPath}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("editor.email", d.Editor.Email)

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.user_agent", d.API.UserAgent)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.sql.driver", d.Store.SQL.Driver)
	v.SetDefault("store.sql.dsn", d.Store.SQL.DSN)
	v.SetDefault("store.aws.region", d.Store.AWS.Region)
	v.SetDefault("store.aws.bucket", d.Store.AWS.Bucket)
	v.SetDefault("store.aws.prefix", d.Store.AWS.Prefix)
	v.SetDefault("store.aws.lock_table", d.Store.AWS.LockTable)
	v.SetDefault("store.aws.endpoint", d.Store.AWS.Endpoint)
	v.SetDefault("store.aws.access_key_id", d.Store.AWS.AccessKeyID)
	v.SetDefault("store.aws.secret_access_key", d.Store.AWS.SecretAccessKey)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("session.lock_reminder", d.Session.LockReminder)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.color", d.Log.Color)
}

// BindFlag ties a command-line flag to a config key so that an explicitly
// set flag wins over file and environment.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not defined", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Set overrides a single key.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		l.v.SetConfigName("console")
		for _, dir := range defaultPaths() {
			l.v.AddConfigPath(dir)
		}
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("load config file %s: %w", l.v.ConfigFileUsed(), err)
			}
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func defaultPaths() []string {
	paths := []string{"."}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "support-admin-console"),
			filepath.Join(homeDir, ".console"),
		)
	}
	return paths
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.Set("editor.email", "you@example.com")

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
