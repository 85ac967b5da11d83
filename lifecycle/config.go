package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the timing and redirect settings shared by a coordinator and
// its presentation driver. Defaults can be loaded via envdecode.
type Config struct {
	// WarningThreshold applies to sessions that do not carry their own.
	// ENV: SESSION_WARNING_THRESHOLD
	WarningThreshold time.Duration `env:"SESSION_WARNING_THRESHOLD,default=2m"`
	// TickInterval is the countdown tick period. ENV: SESSION_TICK_INTERVAL
	TickInterval time.Duration `env:"SESSION_TICK_INTERVAL,default=250ms"`
	// EndingDuration separates Ending from Ended. The presentation driver
	// reads the same value for its ending animation.
	// ENV: SESSION_ENDING_DURATION
	EndingDuration time.Duration `env:"SESSION_ENDING_DURATION,default=3s"`
	// HeartbeatInterval of zero disables the heartbeat.
	// ENV: SESSION_HEARTBEAT_INTERVAL
	HeartbeatInterval time.Duration `env:"SESSION_HEARTBEAT_INTERVAL,default=30s"`
	// RedirectBaseURL is used verbatim; no slash is added or removed.
	// ENV: SESSION_REDIRECT_BASE_URL
	RedirectBaseURL string `env:"SESSION_REDIRECT_BASE_URL"`
	// ExtendFailurePath is appended to RedirectBaseURL when an extension
	// fails. ENV: SESSION_EXTEND_FAILURE_PATH
	ExtendFailurePath string `env:"SESSION_EXTEND_FAILURE_PATH,default=extend-session"`
}

// DefaultConfig returns the same values ConfigFromEnv yields with an empty
// environment. New fills any zero field of a Config from it, except
// HeartbeatInterval, whose zero value disables the heartbeat.
func DefaultConfig() Config {
	return Config{
		WarningThreshold:  2 * time.Minute,
		TickInterval:      250 * time.Millisecond,
		EndingDuration:    3 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ExtendFailurePath: "extend-session",
	}
}

// withDefaults fills unset fields from DefaultConfig and clamps negative
// durations to zero.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WarningThreshold == 0 {
		c.WarningThreshold = def.WarningThreshold
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.EndingDuration == 0 {
		c.EndingDuration = def.EndingDuration
	}
	if c.ExtendFailurePath == "" {
		c.ExtendFailurePath = def.ExtendFailurePath
	}
	c.WarningThreshold = max(c.WarningThreshold, 0)
	c.EndingDuration = max(c.EndingDuration, 0)
	c.HeartbeatInterval = max(c.HeartbeatInterval, 0)
	return c
}

// ConfigFromEnv decodes Config from the environment. Malformed values are
// reported rather than silently replaced by defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("lifecycle config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no coordinator can run with.
func (c Config) Validate() error {
	var errs []error
	if c.WarningThreshold < 0 {
		errs = append(errs, errors.New("warning threshold must not be negative"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.EndingDuration < 0 {
		errs = append(errs, errors.New("ending duration must not be negative"))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("heartbeat interval must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("lifecycle config: %w", err)
	}
	return nil
}
