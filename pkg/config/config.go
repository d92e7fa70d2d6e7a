package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

type Config struct {
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay"`
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseFilePath          string        `koanf:"database_file_path"`

	Hostname   string `koanf:"hostname"`
	ServerHost string `koanf:"server_host"`
	ServerPort int    `koanf:"server_port"`

	// UserToken gates every /api/kobo/:token/... route. Required.
	UserToken string `koanf:"user_token"`

	WatchDirs     []string      `koanf:"watch_dirs"`
	WatchDebounce time.Duration `koanf:"watch_debounce"`
	ScanInterval  time.Duration `koanf:"scan_interval"`

	WorkerPollInterval  time.Duration `koanf:"worker_poll_interval"`
	WorkerErrorBackoff  time.Duration `koanf:"worker_error_backoff"`
	WorkerShutdownGrace time.Duration `koanf:"worker_shutdown_grace"`

	ConvertEPUB                bool   `koanf:"convert_epub"`
	DeleteOriginalAfterConvert bool   `koanf:"delete_original_after_convert"`
	EmbedMetadata              bool   `koanf:"embed_metadata"`
	FetchExternalMetadata      bool   `koanf:"fetch_external_metadata"`
	KepubifyPath               string `koanf:"kepubify_path"`
	KoboStoreBaseURL           string `koanf:"kobo_store_base_url"`
}

const (
	environmentENV = "ENVIRONMENT"
	configFileENV  = "CONFIG_FILE"
	envPrefix      = "KOBOLD_"
)

// New builds the config in three layers: environment-specific defaults, an
// optional YAML config file, and KOBOLD_* environment variables (highest
// precedence). It fails fast when a required value ends up unset.
func New() (*Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := &Config{
		DatabaseConnectRetryCount: 5,
		DatabaseConnectRetryDelay: 2 * time.Second,
		DatabaseBusyTimeout:       5 * time.Second,
		DatabaseMaxRetries:        5,
		Hostname:                  hostname,
		ServerPort:                8000,
		WatchDirs:                 []string{"/books"},
		WatchDebounce:             1600 * time.Millisecond,
		ScanInterval:              12 * time.Hour,
		WorkerPollInterval:        5 * time.Second,
		WorkerErrorBackoff:        5 * time.Second,
		WorkerShutdownGrace:       5 * time.Second,
		ConvertEPUB:               true,
		FetchExternalMetadata:     true,
		KepubifyPath:              "kepubify",
		KoboStoreBaseURL:          "https://storeapi.kobo.com",
	}

	switch os.Getenv(environmentENV) {
	case "development", "":
		loadDevelopmentConfig(cfg)
	case "test":
		loadTestConfig(cfg)
	case "production":
		loadProductionConfig(cfg)
	}

	k := koanf.New(".")

	configFilePath := os.Getenv(configFileENV)
	if configFilePath == "" {
		configFilePath = "/config/config.yaml"
	}
	if _, err := os.Stat(configFilePath); err == nil {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, "failed to load config file")
		}
	}

	err = k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	if missing := missingRequired(cfg); len(missing) > 0 {
		return nil, errors.Errorf(
			"missing required config: %s (set %s)",
			strings.Join(missing, ", "),
			strings.Join(envNames(missing), ", "),
		)
	}

	return cfg, nil
}

func missingRequired(cfg *Config) []string {
	var missing []string
	if cfg.DatabaseFilePath == "" {
		missing = append(missing, "database_file_path")
	}
	if cfg.UserToken == "" {
		missing = append(missing, "user_token")
	}
	return missing
}

func envNames(keys []string) []string {
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = fmt.Sprintf("%s%s", envPrefix, strings.ToUpper(key))
	}
	return names
}
