// Package config provides configuration types and defaults for docserve.
// Values are read from environment variables (see the key constants below),
// an optional YAML config file, and command-line flags, in ascending
// precedence, all through viper.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/docserve/internal/tracing"
)

// EngineKind selects the orchestration backend.
type EngineKind string

const (
	// EngineLocal runs conversions on an in-process worker pool.
	EngineLocal EngineKind = "local"
	// EngineRemote offloads conversions to an external workflow engine.
	EngineRemote EngineKind = "remote"
)

// RemoteConfig holds the workflow-engine backend settings.
type RemoteConfig struct {
	// Endpoint is the base URL of the workflow engine API.
	Endpoint string `mapstructure:"eng_remote_endpoint"`
	// Token is a literal bearer token for the engine API.
	Token string `mapstructure:"eng_remote_token"`
	// TokenPath is a file containing the bearer token. Used when Token is empty.
	TokenPath string `mapstructure:"eng_remote_token_path"`
	// CACertPath is a PEM bundle used to verify the engine endpoint.
	CACertPath string `mapstructure:"eng_remote_ca_cert_path"`
	// SelfCallbackEndpoint is the URL the pipeline uses to post progress back.
	SelfCallbackEndpoint string `mapstructure:"eng_remote_self_callback_endpoint"`
	// SelfCallbackTokenPath is a file containing the bearer token the pipeline
	// should present on progress callbacks.
	SelfCallbackTokenPath string `mapstructure:"eng_remote_self_callback_token_path"`
	// SelfCallbackCACertPath is a PEM bundle the pipeline should trust when
	// calling back into this service.
	SelfCallbackCACertPath string `mapstructure:"eng_remote_self_callback_ca_cert_path"`
}

// CORSConfig holds the allow-lists applied to every endpoint.
type CORSConfig struct {
	Origins []string `mapstructure:"cors_origins"`
	Methods []string `mapstructure:"cors_methods"`
	Headers []string `mapstructure:"cors_headers"`
}

// Config holds all configuration options for docserve.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	EngKind          EngineKind `mapstructure:"eng_kind"`
	EngLocNumWorkers int        `mapstructure:"eng_loc_num_workers"`

	OptionsCacheSize int `mapstructure:"options_cache_size"`

	// MaxSyncWait bounds the synchronous convert endpoints, in seconds.
	MaxSyncWait int `mapstructure:"max_sync_wait"`
	// MaxDocumentTimeout is the upper bound for the per-document timeout, in seconds.
	MaxDocumentTimeout float64 `mapstructure:"max_document_timeout"`
	// MaxNumPages and MaxFileSize are per-document guards forwarded to the engine.
	MaxNumPages int64 `mapstructure:"max_num_pages"`
	MaxFileSize int64 `mapstructure:"max_file_size"`

	// SingleUseResults deletes a task after the first successful result read,
	// ResultRemovalDelay seconds later.
	SingleUseResults   bool    `mapstructure:"single_use_results"`
	ResultRemovalDelay float64 `mapstructure:"result_removal_delay"`

	// ScratchPath is the scratch root. If empty, a private temp dir is created
	// and removed on shutdown.
	ScratchPath string `mapstructure:"scratch_path"`

	AllowExternalPlugins bool `mapstructure:"allow_external_plugins"`
	EnableRemoteServices bool `mapstructure:"enable_remote_services"`

	CORS   CORSConfig     `mapstructure:",squash"`
	Remote RemoteConfig   `mapstructure:",squash"`
	Trace  tracing.Config `mapstructure:"trace"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               5001,
		EngKind:            EngineLocal,
		EngLocNumWorkers:   2,
		OptionsCacheSize:   2,
		MaxSyncWait:        120,
		MaxDocumentTimeout: 7 * 24 * 3600,
		MaxNumPages:        math.MaxInt64,
		MaxFileSize:        math.MaxInt64,
		SingleUseResults:   true,
		ResultRemovalDelay: 300,
		CORS: CORSConfig{
			Origins: []string{"*"},
			Methods: []string{"*"},
			Headers: []string{"*"},
		},
		Trace: tracing.DefaultConfig(),
	}
}

// envKeys maps viper keys to the environment variables of the deployment
// contract. Keys are bound explicitly so they work without a prefix.
var envKeys = map[string]string{
	"host":                                  "HOST",
	"port":                                  "PORT",
	"eng_kind":                              "ENG_KIND",
	"eng_loc_num_workers":                   "ENG_LOC_NUM_WORKERS",
	"options_cache_size":                    "OPTIONS_CACHE_SIZE",
	"max_sync_wait":                         "MAX_SYNC_WAIT",
	"max_document_timeout":                  "MAX_DOCUMENT_TIMEOUT",
	"max_num_pages":                         "MAX_NUM_PAGES",
	"max_file_size":                         "MAX_FILE_SIZE",
	"single_use_results":                    "SINGLE_USE_RESULTS",
	"result_removal_delay":                  "RESULT_REMOVAL_DELAY",
	"scratch_path":                          "SCRATCH_PATH",
	"allow_external_plugins":                "ALLOW_EXTERNAL_PLUGINS",
	"enable_remote_services":                "ENABLE_REMOTE_SERVICES",
	"cors_origins":                          "CORS_ORIGINS",
	"cors_methods":                          "CORS_METHODS",
	"cors_headers":                          "CORS_HEADERS",
	"eng_remote_endpoint":                   "ENG_REMOTE_ENDPOINT",
	"eng_remote_token":                      "ENG_REMOTE_TOKEN",
	"eng_remote_token_path":                 "ENG_REMOTE_TOKEN_PATH",
	"eng_remote_ca_cert_path":               "ENG_REMOTE_CA_CERT_PATH",
	"eng_remote_self_callback_endpoint":     "ENG_REMOTE_SELF_CALLBACK_ENDPOINT",
	"eng_remote_self_callback_token_path":   "ENG_REMOTE_SELF_CALLBACK_TOKEN_PATH",
	"eng_remote_self_callback_ca_cert_path": "ENG_REMOTE_SELF_CALLBACK_CA_CERT_PATH",
}

// Bind registers defaults and environment bindings on the given viper
// instance. Call once before Unmarshal.
func Bind(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("eng_kind", string(d.EngKind))
	v.SetDefault("eng_loc_num_workers", d.EngLocNumWorkers)
	v.SetDefault("options_cache_size", d.OptionsCacheSize)
	v.SetDefault("max_sync_wait", d.MaxSyncWait)
	v.SetDefault("max_document_timeout", d.MaxDocumentTimeout)
	v.SetDefault("max_num_pages", d.MaxNumPages)
	v.SetDefault("max_file_size", d.MaxFileSize)
	v.SetDefault("single_use_results", d.SingleUseResults)
	v.SetDefault("result_removal_delay", d.ResultRemovalDelay)
	v.SetDefault("scratch_path", d.ScratchPath)
	v.SetDefault("allow_external_plugins", d.AllowExternalPlugins)
	v.SetDefault("enable_remote_services", d.EnableRemoteServices)
	v.SetDefault("cors_origins", d.CORS.Origins)
	v.SetDefault("cors_methods", d.CORS.Methods)
	v.SetDefault("cors_headers", d.CORS.Headers)
	v.SetDefault("trace.enabled", d.Trace.Enabled)
	v.SetDefault("trace.exporter", d.Trace.Exporter)
	v.SetDefault("trace.otlp_endpoint", d.Trace.OTLPEndpoint)
	v.SetDefault("trace.sample_rate", d.Trace.SampleRate)
	v.SetDefault("trace.service_name", d.Trace.ServiceName)

	for key, env := range envKeys {
		_ = v.BindEnv(key, env)
	}
}

// Load reads configuration from the environment (and an optional config
// file already registered on v) into a validated Config.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.EngKind {
	case EngineLocal, EngineRemote:
	default:
		return fmt.Errorf("unknown ENG_KIND %q (expected %q or %q)", c.EngKind, EngineLocal, EngineRemote)
	}
	if c.EngKind == EngineRemote && c.Remote.Endpoint == "" {
		return fmt.Errorf("ENG_REMOTE_ENDPOINT is required when ENG_KIND=remote")
	}
	if c.EngLocNumWorkers <= 0 {
		return fmt.Errorf("ENG_LOC_NUM_WORKERS must be positive, got %d", c.EngLocNumWorkers)
	}
	if c.OptionsCacheSize <= 0 {
		return fmt.Errorf("OPTIONS_CACHE_SIZE must be positive, got %d", c.OptionsCacheSize)
	}
	return nil
}

// MaxSyncWaitDuration returns the sync poll bound as a duration.
func (c Config) MaxSyncWaitDuration() time.Duration {
	return time.Duration(c.MaxSyncWait) * time.Second
}

// ResultRemovalDelayDuration returns the deferred-deletion delay as a duration.
func (c Config) ResultRemovalDelayDuration() time.Duration {
	return time.Duration(c.ResultRemovalDelay * float64(time.Second))
}

// MaxDocumentTimeoutDuration returns the per-document timeout bound as a duration.
func (c Config) MaxDocumentTimeoutDuration() time.Duration {
	return time.Duration(c.MaxDocumentTimeout * float64(time.Second))
}
