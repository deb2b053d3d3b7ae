package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	BackendURL string
	Room       string
	Identity   string
	Language   string

	TurnTimeout    time.Duration
	MaxRestarts    int
	RestartBackoff time.Duration

	DeepgramAPIKey string
	DeepgramModel  string

	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsModel   string

	HTTPPort int
	LogLevel string
}

// SetDefaults installs the default for every key that Load reads.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend_url", "http://localhost:8000")
	v.SetDefault("room", "voice-chat-room")
	v.SetDefault("identity_prefix", "user")
	v.SetDefault("language", "en-US")
	v.SetDefault("turn_timeout", 30*time.Second)
	v.SetDefault("max_restarts", 5)
	v.SetDefault("restart_backoff", 250*time.Millisecond)
	v.SetDefault("deepgram_model", "nova-2")
	v.SetDefault("elevenlabs_voice_id", "pKLLpypGseGMUjkb5fEZ")
	v.SetDefault("elevenlabs_model", "eleven_turbo_v2_5")
	v.SetDefault("http_port", 8081)
	v.SetDefault("log_level", "info")
}

func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{
		BackendURL:        strings.TrimRight(v.GetString("backend_url"), "/"),
		Room:              v.GetString("room"),
		Identity:          v.GetString("identity_prefix"),
		Language:          v.GetString("language"),
		TurnTimeout:       v.GetDuration("turn_timeout"),
		MaxRestarts:       v.GetInt("max_restarts"),
		RestartBackoff:    v.GetDuration("restart_backoff"),
		DeepgramAPIKey:    v.GetString("deepgram_api_key"),
		DeepgramModel:     v.GetString("deepgram_model"),
		ElevenLabsAPIKey:  v.GetString("elevenlabs_api_key"),
		ElevenLabsVoiceID: v.GetString("elevenlabs_voice_id"),
		ElevenLabsModel:   v.GetString("elevenlabs_model"),
		HTTPPort:          v.GetInt("http_port"),
		LogLevel:          v.GetString("log_level"),
	}

	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("backend_url is empty")
	}
	if !strings.HasPrefix(cfg.BackendURL, "http://") &&
		!strings.HasPrefix(cfg.BackendURL, "https://") {
		return nil, fmt.Errorf("backend_url must be http or https: %q", cfg.BackendURL)
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("room is empty")
	}
	if cfg.TurnTimeout <= 0 {
		return nil, fmt.Errorf("turn_timeout must be positive, got %s", cfg.TurnTimeout)
	}
	if cfg.MaxRestarts < 0 {
		return nil, fmt.Errorf("max_restarts must not be negative, got %d", cfg.MaxRestarts)
	}

	return cfg, nil
}

// CanHear reports whether speech recognition is configured.
func (c *Config) CanHear() bool {
	return c.DeepgramAPIKey != ""
}

// CanSpeak reports whether speech synthesis is configured.
func (c *Config) CanSpeak() bool {
	return c.ElevenLabsAPIKey != ""
}
