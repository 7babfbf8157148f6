package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live": {"gemini", "openai", "relay", "oneshot"},
	"chat": {"openai", "anthropic", "gemini", "edge-openai", "edge-claude", "edge-google"},
	"tts":  {"google", "openai", "elevenlabs", "espeak"},
	"stt":  {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, fills in defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	s := &cfg.Session
	if s.Mode == "" {
		s.Mode = ModeVoice
	}
	if s.Language == "" {
		s.Language = DefaultLanguage
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.ReplyTimeout == 0 {
		s.ReplyTimeout = DefaultReplyTimeout
	}
	if s.Reconnect.BaseDelay == 0 {
		s.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if s.Reconnect.MaxAttempts == 0 {
		s.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Session
	s := cfg.Session
	if s.Mode != "" && !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: voice, text", s.Mode))
	}
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", s.ConnectTimeout))
	}
	if s.ReplyTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.reply_timeout %s must not be negative", s.ReplyTimeout))
	}
	if s.Reconnect.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.base_delay %s must not be negative", s.Reconnect.BaseDelay))
	}
	if s.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.max_attempts %d must not be negative", s.Reconnect.MaxAttempts))
	}

	// Providers
	p := cfg.Providers
	if p.Live.IsZero() {
		errs = append(errs, errors.New("providers.live.name is required"))
	}
	validateProviderName("live", p.Live.Name)
	validateProviderName("chat", p.Chat.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("stt", p.STT.Name)
	for i, e := range p.FallbackChat {
		if e.IsZero() {
			errs = append(errs, fmt.Errorf("providers.fallback_chat[%d].name is required", i))
		}
		validateProviderName("chat", e.Name)
	}
	for i, e := range p.FallbackTTS {
		if e.IsZero() {
			errs = append(errs, fmt.Errorf("providers.fallback_tts[%d].name is required", i))
		}
		validateProviderName("tts", e.Name)
	}

	switch p.Live.Name {
	case "oneshot":
		if p.Chat.IsZero() {
			errs = append(errs, errors.New(`providers.live "oneshot" requires providers.chat`))
		}
	case "relay":
		if p.Live.BaseURL == "" && cfg.Backend.URL == "" {
			errs = append(errs, errors.New(`providers.live "relay" requires providers.live.base_url or backend.url`))
		}
	}
	if len(p.FallbackChat) > 0 && p.Chat.IsZero() {
		errs = append(errs, errors.New("providers.fallback_chat is set but providers.chat is not"))
	}
	if len(p.FallbackTTS) > 0 && p.TTS.IsZero() {
		errs = append(errs, errors.New("providers.fallback_tts is set but providers.tts is not"))
	}
	if strings.HasPrefix(p.Chat.Name, "edge-") && cfg.Backend.URL == "" {
		errs = append(errs, fmt.Errorf("providers.chat %q requires backend.url", p.Chat.Name))
	}

	// Credential availability warning
	if cfg.Backend.AccessToken == "" {
		slog.Warn("backend.access_token is empty; conversations cannot start until a credential is supplied")
	}

	// Knowledge
	seen := make(map[string]int, len(cfg.Knowledge.Bases))
	for i, b := range cfg.Knowledge.Bases {
		prefix := fmt.Sprintf("knowledge.bases[%d]", i)
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seen[b.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of knowledge.bases[%d]", prefix, b.ID, prev))
		}
		seen[b.ID] = i
		if b.Title == "" {
			errs = append(errs, fmt.Errorf("%s.title is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
