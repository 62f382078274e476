package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override their file-based counterparts.
// Secrets normally arrive this way so config files stay committable.
const (
	EnvOpenAIKey           = "OPENAI_API_KEY"
	EnvRecallKey           = "RECALL_API_KEY"
	EnvRecallWebhookSecret = "RECALL_WEBHOOK_SECRET"
	EnvWebhookBaseURL      = "WEBHOOK_BASE_URL"

	// EnvAppURL is the web app origin; used as the webhook base when
	// WEBHOOK_BASE_URL is not set separately.
	EnvAppURL = "NEXT_PUBLIC_APP_URL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secret-bearing environment variables on cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvRecallKey); v != "" {
		cfg.Recall.APIKey = v
	}
	if v := os.Getenv(EnvRecallWebhookSecret); v != "" {
		cfg.Recall.WebhookSecret = v
	}
	if v := os.Getenv(EnvWebhookBaseURL); v != "" {
		cfg.Recall.WebhookBaseURL = v
	} else if v := os.Getenv(EnvAppURL); v != "" && cfg.Recall.WebhookBaseURL == "" {
		cfg.Recall.WebhookBaseURL = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// openai.api_key is deliberately not required: a keyless server
	// still hosts rooms, and the relay surfaces the failure as a
	// session.error when a start is attempted.
	if cfg.Recall.APIKey == "" && cfg.Recall.WebhookSecret != "" {
		errs = append(errs, errors.New("recall.webhook_secret is set but recall.api_key is empty"))
	}
	if cfg.Recall.APIKey != "" && cfg.Recall.WebhookBaseURL == "" {
		errs = append(errs, fmt.Errorf("recall.webhook_base_url is required when bots are enabled (or set %s)", EnvWebhookBaseURL))
	}

	c := cfg.Coaching
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("coaching.confidence_floor %.2f is out of range [0, 1]", c.ConfidenceFloor))
	}
	if c.MaxPerSession < 0 {
		errs = append(errs, fmt.Errorf("coaching.max_per_session %d must not be negative", c.MaxPerSession))
	}
	if c.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("coaching.cooldown_seconds %d must not be negative", c.CooldownSeconds))
	}
	if c.Cadence < 0 {
		errs = append(errs, fmt.Errorf("coaching.cadence %d must not be negative", c.Cadence))
	}
	seen := make(map[string]int, len(c.Topics))
	for i, topic := range c.Topics {
		if topic == "" {
			errs = append(errs, fmt.Errorf("coaching.topics[%d] is empty", i))
			continue
		}
		if prev, ok := seen[topic]; ok {
			errs = append(errs, fmt.Errorf("coaching.topics[%d] %q is a duplicate of coaching.topics[%d]", i, topic, prev))
		}
		seen[topic] = i
	}

	if cfg.Audio.VADThreshold < 0 || cfg.Audio.VADThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.vad_threshold %.4f is out of range [0, 1)", cfg.Audio.VADThreshold))
	}
	if cfg.Audio.MaxSilentFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.max_silent_frames %d must not be negative", cfg.Audio.MaxSilentFrames))
	}

	return errors.Join(errs...)
}
