// Package config loads the brightlamp server configuration.
//
// Configuration is a single YAML file passed via 'serve --config'.
// Secrets can be supplied (or overridden) through environment
// variables so the file itself can live in version control:
//
//	BRIGHTLAMP_TOKEN_SECRET  ws token signing secret
//	VOLC_APP_ID              Volcano Engine app id
//	VOLC_ACCESS_KEY          Volcano Engine access key
//	ARK_API_KEY              Ark API key
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/brightlamp-ai/brightlamp/pkg/jsontime"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// TokenSecret signs and verifies ws connection tokens.
	TokenSecret string `yaml:"token_secret"`

	// DataDir is the BadgerDB directory for the shared session store.
	// Empty runs the store in memory (single-process, non-persistent).
	DataDir string `yaml:"data_dir"`

	Volcano Volcano `yaml:"volcano"`
	Ark     Ark     `yaml:"ark"`
	Archive Archive `yaml:"archive"`
	Session Session `yaml:"session"`
}

// Volcano holds Volcano Engine speech credentials and voice tuning.
type Volcano struct {
	AppID     string `yaml:"app_id"`
	AccessKey string `yaml:"access_key"`

	// Speaker is the TTS voice type. Empty uses the adapter default.
	Speaker string `yaml:"speaker"`

	SpeedRatio  float64 `yaml:"speed_ratio"`
	VolumeRatio float64 `yaml:"volume_ratio"`
}

// Ark holds the LLM provider settings.
type Ark struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Archive selects where finalized transcripts land. S3Bucket takes
// precedence; Dir falls back to a local directory; both empty keeps
// transcripts out of finalization.
type Archive struct {
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	Dir        string `yaml:"dir"`
}

// Session tunes the per-connection pipeline timing. Nil fields keep
// the built-in defaults.
type Session struct {
	IdleTimeout      *jsontime.Duration `yaml:"idle_timeout"`
	ListeningTimeout *jsontime.Duration `yaml:"listening_timeout"`
	PartialStable    *jsontime.Duration `yaml:"partial_stable"`
	FinalGrace       *jsontime.Duration `yaml:"final_grace"`
	EchoWindow       *jsontime.Duration `yaml:"echo_window"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Ark:    Ark{Model: "doubao-seed-1-6-flash-250615"},
	}
}

// Load reads the YAML file at path and applies environment overrides.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.UseJSONUnmarshaler()); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BRIGHTLAMP_TOKEN_SECRET"); v != "" {
		c.TokenSecret = v
	}
	if v := os.Getenv("VOLC_APP_ID"); v != "" {
		c.Volcano.AppID = v
	}
	if v := os.Getenv("VOLC_ACCESS_KEY"); v != "" {
		c.Volcano.AccessKey = v
	}
	if v := os.Getenv("ARK_API_KEY"); v != "" {
		c.Ark.APIKey = v
	}
}

// ValidateServe checks the fields the serve command cannot run without.
func (c *Config) ValidateServe() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("config: token_secret is required (or BRIGHTLAMP_TOKEN_SECRET)")
	}
	if c.Volcano.AppID == "" || c.Volcano.AccessKey == "" {
		return fmt.Errorf("config: volcano.app_id and volcano.access_key are required")
	}
	if c.Ark.APIKey == "" {
		return fmt.Errorf("config: ark.api_key is required (or ARK_API_KEY)")
	}
	return nil
}

// SessionDurations flattens the optional session overrides into plain
// durations; zero means "use the default".
func (s Session) SessionDurations() (idle, listening, stable, grace, echo time.Duration) {
	return s.IdleTimeout.Duration(),
		s.ListeningTimeout.Duration(),
		s.PartialStable.Duration(),
		s.FinalGrace.Duration(),
		s.EchoWindow.Duration()
}
