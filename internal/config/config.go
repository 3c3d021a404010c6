package config

import (
	"fmt"
	"time"
)

type Config struct {
	Env        string
	ListenAddr string

	DatabaseURL string

	// Device/technician gateway.
	MaxConcurrentConnections int
	AuthTimeout              time.Duration
	HeartbeatInterval        time.Duration
	StaleThreshold           time.Duration
	CleanupInterval          time.Duration

	// Pairing credentials.
	CredentialTTL time.Duration

	// Authentication rate limiting.
	RateLimitMaxAttempts int
	RateLimitWindow      time.Duration

	// Chat debouncing.
	DebounceQuietPeriod   time.Duration
	DebounceMaxDelay      time.Duration
	DebounceMaxBatch      int
	DebounceShortMsgChars int

	// Retry policy for unreliable upstream calls.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration

	// Media bridge.
	EchoGracePeriod time.Duration
	TriggerPhrase   string

	// Conference escalation.
	ConferenceDialTimeout time.Duration
	HumanAgentNumber      string

	// Collaborator endpoints.
	TelephonyAPIURL   string
	TelephonyAPIToken string
	VoiceChannelURL   string
	VoiceChannelToken string
	AssistantURL      string
	AuditAMQPURL      string
	AuditExchange     string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	for _, d := range c.requiredDurationChecks() {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.RateLimitMaxAttempts <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_ATTEMPTS must be positive, got %d", c.RateLimitMaxAttempts)
	}
	if c.DebounceMaxBatch <= 0 {
		return fmt.Errorf("DEBOUNCE_MAX_BATCH must be positive, got %d", c.DebounceMaxBatch)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be >= 1, got %g", c.RetryMultiplier)
	}
	if c.DebounceMaxDelay < c.DebounceQuietPeriod {
		return fmt.Errorf("DEBOUNCE_MAX_DELAY_MS must be >= DEBOUNCE_QUIET_PERIOD_MS")
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "LISTEN_ADDR", value: c.ListenAddr},
		{name: "TRIGGER_PHRASE", value: c.TriggerPhrase},
	}
}

type requiredDurationField struct {
	name  string
	value time.Duration
}

func (c *Config) requiredDurationChecks() []requiredDurationField {
	return []requiredDurationField{
		{name: "AUTH_TIMEOUT", value: c.AuthTimeout},
		{name: "HEARTBEAT_INTERVAL", value: c.HeartbeatInterval},
		{name: "STALE_THRESHOLD", value: c.StaleThreshold},
		{name: "CLEANUP_INTERVAL", value: c.CleanupInterval},
		{name: "CREDENTIAL_TTL", value: c.CredentialTTL},
		{name: "RATE_LIMIT_WINDOW", value: c.RateLimitWindow},
		{name: "DEBOUNCE_QUIET_PERIOD_MS", value: c.DebounceQuietPeriod},
		{name: "DEBOUNCE_MAX_DELAY_MS", value: c.DebounceMaxDelay},
		{name: "RETRY_INITIAL_DELAY_MS", value: c.RetryInitialDelay},
		{name: "RETRY_MAX_DELAY_MS", value: c.RetryMaxDelay},
		{name: "ECHO_GRACE_PERIOD_MS", value: c.EchoGracePeriod},
		{name: "CONFERENCE_DIAL_TIMEOUT", value: c.ConferenceDialTimeout},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
