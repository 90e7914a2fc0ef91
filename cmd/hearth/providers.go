package main

import (
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/hearth/internal/app"
	"github.com/MrWong99/hearth/internal/config"
	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/audio/discord"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/provider/llm/anyllm"
	"github.com/MrWong99/hearth/pkg/provider/llm/openai"
	"github.com/MrWong99/hearth/pkg/provider/stt"
	"github.com/MrWong99/hearth/pkg/provider/stt/deepgram"
	"github.com/MrWong99/hearth/pkg/provider/stt/whisper"
	"github.com/MrWong99/hearth/pkg/provider/tts"
	"github.com/MrWong99/hearth/pkg/provider/tts/coqui"
	"github.com/MrWong99/hearth/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/hearth/pkg/provider/tts/polly"
)

// registerBuiltinProviders wires every provider that ships with hearth into
// reg. Session settings that a provider needs at construction time (the
// recognition language, the listened-to user) are taken from cfg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends go through any-llm. ollama, llamacpp and
	// llamafile are local servers and usually only need BaseURL.
	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := firstNonEmpty(optString(entry.Options, "language"), cfg.Session.Language); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if ms := optInt(entry.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
		}
		if on, _ := entry.Options["smart_format"].(bool); on {
			opts = append(opts, deepgram.WithSmartFormat(true))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := firstNonEmpty(entry.Model, optString(entry.Options, "model_path"))
		var opts []whisper.Option
		if lang := firstNonEmpty(optString(entry.Options, "language"), cfg.Session.Language); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		if stab, sim := optFloat(entry.Options, "stability"), optFloat(entry.Options, "similarity_boost"); stab > 0 || sim > 0 {
			opts = append(opts, elevenlabs.WithVoiceSettings(stab, sim))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if n := optInt(entry.Options, "lookahead"); n > 0 {
			opts = append(opts, coqui.WithLookahead(n))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("polly", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []polly.Option
		if region := optString(entry.Options, "region"); region != "" {
			opts = append(opts, polly.WithRegion(region))
		}
		if engine := firstNonEmpty(entry.Model, optString(entry.Options, "engine")); engine != "" {
			opts = append(opts, polly.WithEngine(engine))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, polly.WithSampleRate(rate))
		}
		return polly.New(opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("discord", func(entry config.ProviderEntry) (audio.Platform, error) {
		return discord.Open(entry.APIKey, optString(entry.Options, "guild_id"),
			discord.WithListener(cfg.Session.UserID),
			discord.WithLogger(slog.Default().With("provider", "discord")),
		)
	})

	for _, kind := range []string{"llm", "stt", "tts", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Registered(kind))
	}
}

// buildProviders instantiates the providers named in cfg. Every kind is
// required, so an unknown name is an error.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if ps.Audio, err = reg.CreateAudio(cfg.Providers.Audio); err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int; floats are truncated.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// optFloat extracts a number from a provider Options map.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
