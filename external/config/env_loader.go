package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/denwaban/internal/config"
)

type envConfig struct {
	Env        string `env:"ENV" envDefault:"production"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	MaxConcurrentConnections int           `env:"MAX_CONCURRENT_CONNECTIONS" envDefault:"1000"`
	AuthTimeout              time.Duration `env:"AUTH_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	StaleThreshold           time.Duration `env:"STALE_THRESHOLD" envDefault:"90s"`
	CleanupInterval          time.Duration `env:"CLEANUP_INTERVAL" envDefault:"30s"`

	CredentialTTL time.Duration `env:"CREDENTIAL_TTL" envDefault:"15m"`

	RateLimitMaxAttempts int           `env:"RATE_LIMIT_MAX_ATTEMPTS" envDefault:"5"`
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	DebounceQuietPeriodMS int `env:"DEBOUNCE_QUIET_PERIOD_MS" envDefault:"500"`
	DebounceMaxDelayMS    int `env:"DEBOUNCE_MAX_DELAY_MS" envDefault:"2000"`
	DebounceMaxBatch      int `env:"DEBOUNCE_MAX_BATCH" envDefault:"5"`
	DebounceShortMsgChars int `env:"DEBOUNCE_SHORT_MSG_CHARS" envDefault:"100"`

	RetryMaxAttempts    int     `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryInitialDelayMS int     `env:"RETRY_INITIAL_DELAY_MS" envDefault:"1000"`
	RetryMultiplier     float64 `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RetryMaxDelayMS     int     `env:"RETRY_MAX_DELAY_MS" envDefault:"30000"`

	EchoGracePeriodMS int    `env:"ECHO_GRACE_PERIOD_MS" envDefault:"3500"`
	TriggerPhrase     string `env:"TRIGGER_PHRASE" envDefault:"hey assistant"`

	ConferenceDialTimeout time.Duration `env:"CONFERENCE_DIAL_TIMEOUT" envDefault:"30s"`
	HumanAgentNumber      string        `env:"HUMAN_AGENT_NUMBER"`

	TelephonyAPIURL   string `env:"TELEPHONY_API_URL"`
	TelephonyAPIToken string `env:"TELEPHONY_API_TOKEN"`
	VoiceChannelURL   string `env:"VOICE_CHANNEL_URL"`
	VoiceChannelToken string `env:"VOICE_CHANNEL_TOKEN"`
	AssistantURL      string `env:"ASSISTANT_URL"`
	AuditAMQPURL      string `env:"AUDIT_AMQP_URL"`
	AuditExchange     string `env:"AUDIT_EXCHANGE" envDefault:"denwaban.audit"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                      raw.Env,
		ListenAddr:               raw.ListenAddr,
		DatabaseURL:              raw.DatabaseURL,
		MaxConcurrentConnections: raw.MaxConcurrentConnections,
		AuthTimeout:              raw.AuthTimeout,
		HeartbeatInterval:        raw.HeartbeatInterval,
		StaleThreshold:           raw.StaleThreshold,
		CleanupInterval:          raw.CleanupInterval,
		CredentialTTL:            raw.CredentialTTL,
		RateLimitMaxAttempts:     raw.RateLimitMaxAttempts,
		RateLimitWindow:          raw.RateLimitWindow,
		DebounceQuietPeriod:      time.Duration(raw.DebounceQuietPeriodMS) * time.Millisecond,
		DebounceMaxDelay:         time.Duration(raw.DebounceMaxDelayMS) * time.Millisecond,
		DebounceMaxBatch:         raw.DebounceMaxBatch,
		DebounceShortMsgChars:    raw.DebounceShortMsgChars,
		RetryMaxAttempts:         raw.RetryMaxAttempts,
		RetryInitialDelay:        time.Duration(raw.RetryInitialDelayMS) * time.Millisecond,
		RetryMultiplier:          raw.RetryMultiplier,
		RetryMaxDelay:            time.Duration(raw.RetryMaxDelayMS) * time.Millisecond,
		EchoGracePeriod:          time.Duration(raw.EchoGracePeriodMS) * time.Millisecond,
		TriggerPhrase:            raw.TriggerPhrase,
		ConferenceDialTimeout:    raw.ConferenceDialTimeout,
		HumanAgentNumber:         raw.HumanAgentNumber,
		TelephonyAPIURL:          raw.TelephonyAPIURL,
		TelephonyAPIToken:        raw.TelephonyAPIToken,
		VoiceChannelURL:          raw.VoiceChannelURL,
		VoiceChannelToken:        raw.VoiceChannelToken,
		AssistantURL:             raw.AssistantURL,
		AuditAMQPURL:             raw.AuditAMQPURL,
		AuditExchange:            raw.AuditExchange,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
