// Package config provides the configuration schema, loader, and file
// watcher for the Parley interview coaching server.
package config

// LogLevel controls log verbosity for the Parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Recall   RecallConfig   `yaml:"recall"`
	Coaching CoachingConfig `yaml:"coaching"`
	Audio    AudioConfig    `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the Parley server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// OpenAIConfig configures the Realtime speech/LLM relay.
type OpenAIConfig struct {
	// APIKey authenticates against the Realtime endpoint. Usually
	// supplied via the OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the Realtime WebSocket endpoint. Leave empty
	// for the production endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the Realtime model.
	Model string `yaml:"model"`
}

// RecallConfig configures the Recall.ai meeting-bot integration.
// An empty API key disables bot dispatch; sessions then use local
// microphone capture only.
type RecallConfig struct {
	// APIKey authenticates against the Recall REST API. Usually
	// supplied via the RECALL_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the Recall API origin (region-specific).
	BaseURL string `yaml:"base_url"`

	// WebhookSecret signs webhook deliveries. Usually supplied via the
	// RECALL_WEBHOOK_SECRET environment variable. Empty disables
	// signature verification.
	WebhookSecret string `yaml:"webhook_secret"`

	// WebhookBaseURL is the externally reachable origin Recall delivers
	// events to (e.g., "https://parley.example.com").
	WebhookBaseURL string `yaml:"webhook_base_url"`
}

// CoachingConfig tunes the coaching admission policy and default
// interview framing. These fields are safe to hot-reload.
type CoachingConfig struct {
	// ConfidenceFloor is the minimum model confidence for a prompt to
	// reach the interviewer. Default 0.85.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// MaxPerSession caps the total prompts admitted during one
	// session. Default 3.
	MaxPerSession int `yaml:"max_per_session"`

	// CooldownSeconds is the minimum spacing between admitted prompts.
	// Default 120.
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// Cadence triggers a coaching evaluation every Nth finalized
	// utterance. Default 5.
	Cadence int `yaml:"cadence"`

	// Topics seeds the coverage tracker for every new session.
	Topics []string `yaml:"topics"`

	// CulturalContext is an optional hint appended to the coaching
	// instructions (e.g., "formal Japanese business setting").
	CulturalContext string `yaml:"cultural_context"`
}

// AudioConfig tunes the client-side audio gate in the relay.
type AudioConfig struct {
	// VADThreshold is the energy gate below which frames count as
	// silence. Default 0.008.
	VADThreshold float64 `yaml:"vad_threshold"`

	// MaxSilentFrames is how many consecutive silent frames end a
	// speech segment. Default 150 (~3 s at 20 ms frames).
	MaxSilentFrames int `yaml:"max_silent_frames"`
}
