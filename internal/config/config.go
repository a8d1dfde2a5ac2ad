package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tanq16/mediagrab/internal/retry"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "MEDIAGRAB"

// Config holds every tunable of the tool. Values come from Default, then an
// optional YAML file, then MEDIAGRAB_* environment variables, then CLI flags.
type Config struct {
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads" split_words:"true"`
	MaxConcurrentFragments int           `yaml:"max_concurrent_fragments" split_words:"true"`
	Connections            int           `yaml:"connections"`
	StaggerDelay           time.Duration `yaml:"stagger_delay" split_words:"true"`
	MaxRetries             int           `yaml:"max_retries" split_words:"true"`

	TransportDelay time.Duration `yaml:"transport_delay" split_words:"true"`
	RateLimitBase  time.Duration `yaml:"rate_limit_base" split_words:"true"`
	RateLimitMax   time.Duration `yaml:"rate_limit_max" split_words:"true"`

	ConnectTimeout   time.Duration     `yaml:"connect_timeout" split_words:"true"`
	ReadTimeout      time.Duration     `yaml:"read_timeout" split_words:"true"`
	KeepAliveTimeout time.Duration     `yaml:"keep_alive_timeout" split_words:"true"`
	Proxy            string            `yaml:"proxy"`
	ProxyUsername    string            `yaml:"proxy_username" split_words:"true"`
	ProxyPassword    string            `yaml:"proxy_password" split_words:"true"`
	UserAgent        string            `yaml:"user_agent" split_words:"true"`
	Headers          map[string]string `yaml:"headers"`

	OutputDir             string `yaml:"output_dir" split_words:"true"`
	RemovePartialOnCancel bool   `yaml:"remove_partial_on_cancel" split_words:"true"`
	HistoryDB             string `yaml:"history_db" envconfig:"HISTORY_DB"`
	FFmpegPath            string `yaml:"ffmpeg_path" envconfig:"FFMPEG_PATH"`
	YtdlpPath             string `yaml:"ytdlp_path" envconfig:"YTDLP_PATH"`
	GDriveAPIKey          string `yaml:"gdrive_api_key" envconfig:"GDRIVE_API_KEY"`
	GDriveCredentials     string `yaml:"gdrive_credentials" envconfig:"GDRIVE_CREDENTIALS"`
	GitHubToken           string `yaml:"github_token" envconfig:"GITHUB_TOKEN"`
	Debug                 bool   `yaml:"debug"`
	LogFile               string `yaml:"log_file" split_words:"true"`
}

func Default() Config {
	return Config{
		MaxConcurrentDownloads: 3,
		MaxConcurrentFragments: 4,
		Connections:            8,
		StaggerDelay:           500 * time.Millisecond,
		MaxRetries:             3,
		TransportDelay:         retry.DefaultPolicy.TransportDelay,
		RateLimitBase:          retry.DefaultPolicy.RateLimitBase,
		RateLimitMax:           retry.DefaultPolicy.RateLimitMax,
		ConnectTimeout:         3 * time.Minute,
		ReadTimeout:            utils.DefaultReadTimeout,
		KeepAliveTimeout:       90 * time.Second,
		UserAgent:              utils.ToolUserAgent,
		OutputDir:              ".",
		HistoryDB:              ".mediagrab-history.db",
		FFmpegPath:             "ffmpeg",
		YtdlpPath:              "yt-dlp",
		LogFile:                utils.LogFile,
	}
}

// Load applies the YAML file at path (skipped when empty) and the environment
// on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("error processing env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrentDownloads <= 0 {
		errs = append(errs, errors.New("max_concurrent_downloads must be positive"))
	}
	if c.MaxConcurrentFragments <= 0 {
		errs = append(errs, errors.New("max_concurrent_fragments must be positive"))
	}
	if c.Connections <= 0 {
		errs = append(errs, errors.New("connections must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries cannot be negative"))
	}
	if c.StaggerDelay < 0 || c.TransportDelay < 0 || c.RateLimitBase < 0 || c.RateLimitMax < 0 {
		errs = append(errs, errors.New("delays cannot be negative"))
	}
	if c.RateLimitMax > 0 && c.RateLimitMax < c.RateLimitBase {
		errs = append(errs, errors.New("rate_limit_max must not be below rate_limit_base"))
	}
	return errors.Join(errs...)
}

func (c Config) Policy() retry.Policy {
	return retry.Policy{
		TransportDelay:  c.TransportDelay,
		RateLimitBase:   c.RateLimitBase,
		RateLimitMax:    c.RateLimitMax,
		RateLimitFactor: retry.DefaultPolicy.RateLimitFactor,
	}
}

func (c Config) HTTPClientConfig() types.HTTPClientConfig {
	return types.HTTPClientConfig{
		Timeout:        c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		KATimeout:      c.KeepAliveTimeout,
		ProxyURL:       c.Proxy,
		ProxyUsername:  c.ProxyUsername,
		ProxyPassword:  c.ProxyPassword,
		UserAgent:      c.UserAgent,
		Headers:        c.Headers,
		HighThreadMode: c.Connections > 8,
	}
}
