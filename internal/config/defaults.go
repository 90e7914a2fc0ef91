package config

import "time"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultLogLevel      = LogInfo
	DefaultLLMDelay      = 500 * time.Millisecond
	DefaultTTSDelay      = 1500 * time.Millisecond
	DefaultCommitDelay   = 2000 * time.Millisecond
	DefaultStageTimeout  = 10 * time.Second
	DefaultSwapAttempts  = 2
	DefaultSwapBackoff   = 50 * time.Millisecond
	DefaultHistoryTokens = 4000
	DefaultSessionID     = "default"
	DefaultMaxFailures   = 5
	DefaultResetTimeout  = 30 * time.Second
	DefaultUIPath        = "/ws"
)

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}

	t := &cfg.Turn
	if t.LLMDelay == 0 {
		t.LLMDelay = DefaultLLMDelay
	}
	if t.TTSDelay == 0 {
		t.TTSDelay = DefaultTTSDelay
	}
	if t.CommitDelay == 0 {
		t.CommitDelay = DefaultCommitDelay
	}
	if t.LLMTimeout == 0 {
		t.LLMTimeout = DefaultStageTimeout
	}
	if t.TTSTimeout == 0 {
		t.TTSTimeout = DefaultStageTimeout
	}

	if cfg.Session.SwapAttempts == 0 {
		cfg.Session.SwapAttempts = DefaultSwapAttempts
	}
	if cfg.Session.SwapBackoff == 0 {
		cfg.Session.SwapBackoff = DefaultSwapBackoff
	}
	if cfg.Assistant.HistoryTokens == 0 {
		cfg.Assistant.HistoryTokens = DefaultHistoryTokens
	}
	if cfg.Memory.SessionID == "" {
		cfg.Memory.SessionID = DefaultSessionID
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
	if cfg.UI.Path == "" {
		cfg.UI.Path = DefaultUIPath
	}
}
