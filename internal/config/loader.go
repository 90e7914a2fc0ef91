package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names shipped with hearth per kind.
// Other names only produce a warning since a registry may carry more.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram", "whisper-native"},
	"tts":   {"elevenlabs", "coqui", "polly"},
	"audio": {"discord"},
}

// envRef matches ${NAME} and ${NAME:-fallback}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads and validates the YAML file at path. See [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies defaults and validates the
// result. References of the form ${NAME} or ${NAME:-fallback} are replaced
// with environment variables before decoding; an unset or empty variable
// without fallback expands to nothing. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
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

// ExpandEnv substitutes environment references in raw config text.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		if v := os.Getenv(string(m[1])); v != "" {
			return []byte(v)
		}
		return m[2]
	})
}

// Validate checks cfg section by section and joins every problem found.
// Questionable but workable settings are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error
	for _, check := range []func(*Config) []error{
		validateServer,
		validateProviders,
		validateSession,
		func(c *Config) []error { return validateTurn(c.Turn) },
		validateAssistant,
		validateMemory,
		validateResilience,
		validateUI,
	} {
		errs = append(errs, check(cfg)...)
	}
	return errors.Join(errs...)
}

func validateServer(cfg *Config) (errs []error) {
	if l := cfg.Server.LogLevel; l != "" && !l.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", l))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	return errs
}

func validateProviders(cfg *Config) (errs []error) {
	p := cfg.Providers
	for kind, name := range map[string]string{"llm": p.LLM.Name, "stt": p.STT.Name, "tts": p.TTS.Name, "audio": p.Audio.Name} {
		if name != "" && !slices.Contains(ValidProviderNames[kind], name) {
			slog.Warn("config: unknown provider name", "kind", kind, "name", name, "known", ValidProviderNames[kind])
		}
	}
	if p.LLM.Name == "" || p.TTS.Name == "" {
		slog.Warn("config: providers.llm or providers.tts is not configured; the assistant cannot reply")
	}
	if p.Audio.Name != "" && cfg.Session.ChannelID == "" {
		errs = append(errs, fmt.Errorf("session.channel_id is required when providers.audio is %q", p.Audio.Name))
	}
	return errs
}

func validateSession(cfg *Config) (errs []error) {
	if cfg.Session.SwapAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.swap_attempts %d must not be negative", cfg.Session.SwapAttempts))
	}
	if cfg.Session.SwapBackoff < 0 {
		errs = append(errs, fmt.Errorf("session.swap_backoff %v must not be negative", cfg.Session.SwapBackoff))
	}
	return errs
}

// validateTurn checks the detector delays. Unset delays are skipped so that
// a config validated before [ApplyDefaults] does not fail on zero values.
func validateTurn(t TurnConfig) (errs []error) {
	if t.LLMDelay < 0 {
		errs = append(errs, fmt.Errorf("turn.llm_delay %v must be positive", t.LLMDelay))
	}
	if t.TTSDelay != 0 && t.TTSDelay <= t.LLMDelay {
		errs = append(errs, fmt.Errorf("turn.tts_delay %v must exceed turn.llm_delay %v", t.TTSDelay, t.LLMDelay))
	}
	if t.CommitDelay != 0 && t.CommitDelay <= t.TTSDelay {
		errs = append(errs, fmt.Errorf("turn.commit_delay %v must exceed turn.tts_delay %v", t.CommitDelay, t.TTSDelay))
	}
	if t.VeryShortExtension < 0 || t.ShortExtension < 0 {
		errs = append(errs, errors.New("turn extensions must not be negative"))
	}
	if t.LLMTimeout < 0 || t.TTSTimeout < 0 {
		errs = append(errs, errors.New("turn stage timeouts must not be negative"))
	}
	return errs
}

func validateAssistant(cfg *Config) (errs []error) {
	a := cfg.Assistant
	if s := a.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("assistant.voice.speed_factor %.2f is out of range [0.5, 2.0]", s))
	}
	if p := a.Voice.PitchShift; p < -10 || p > 10 {
		errs = append(errs, fmt.Errorf("assistant.voice.pitch_shift %.2f is out of range [-10, 10]", p))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		errs = append(errs, fmt.Errorf("assistant.temperature %.2f is out of range [0, 2]", a.Temperature))
	}
	if a.HistoryTokens < 0 {
		errs = append(errs, fmt.Errorf("assistant.history_tokens %d must not be negative", a.HistoryTokens))
	}
	return errs
}

func validateMemory(cfg *Config) (errs []error) {
	m := cfg.Memory
	if m.PostgresDSN == "" {
		slog.Warn("config: memory.postgres_dsn is empty; the conversation will not be logged")
	}
	if m.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("memory.max_conns %d must not be negative", m.MaxConns))
	}
	if m.RecentWindow < 0 {
		errs = append(errs, fmt.Errorf("memory.recent_window %v must not be negative", m.RecentWindow))
	}
	return errs
}

func validateResilience(cfg *Config) (errs []error) {
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %v must not be negative", cfg.Resilience.ResetTimeout))
	}
	return errs
}

func validateUI(cfg *Config) (errs []error) {
	if p := cfg.UI.Path; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("ui.path %q must start with /", p))
	}
	return errs
}
