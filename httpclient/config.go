/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"fmt"
	"time"

	"github.com/LeadFabric-nv/federale-file-upload/config"
	"github.com/LeadFabric-nv/federale-file-upload/retry"
)

// Default values of the client configuration.
const (
	DefaultClientTimeout                 = 30 * time.Second
	DefaultClientMaxRetryAttempts        = 3
	DefaultClientRetryPolicy             = RetryPolicyExponential
	DefaultClientRetryInitialInterval    = time.Second
	DefaultClientRetryMultiplier         = 2.0
	DefaultClientConstantRetryInterval   = 2 * time.Second
	DefaultClientRateLimitPeriod         = time.Second
	DefaultClientRateLimitWaitTimeout    = 15 * time.Second
	DefaultClientLoggingMode             = LoggingModeAll
	DefaultClientLogSlowRequestThreshold = time.Second
)

const (
	cfgKeyTimeout                 = "timeout"
	cfgKeyRetriesEnabled          = "retries.enabled"
	cfgKeyRetriesMaxAttempts      = "retries.maxAttempts"
	cfgKeyRetriesPolicy           = "retries.policy.strategy"
	cfgKeyRetriesInitialInterval  = "retries.policy.initialInterval"
	cfgKeyRetriesMultiplier       = "retries.policy.multiplier"
	cfgKeyRetriesConstantInterval = "retries.policy.interval"
	cfgKeyRateLimitsEnabled       = "rateLimits.enabled"
	cfgKeyRateLimitsLimit         = "rateLimits.limit"
	cfgKeyRateLimitsPeriod        = "rateLimits.period"
	cfgKeyRateLimitsBurst         = "rateLimits.burst"
	cfgKeyRateLimitsWaitTimeout   = "rateLimits.waitTimeout"
	cfgKeyLogEnabled              = "log.enabled"
	cfgKeyLogMode                 = "log.mode"
	cfgKeyLogSlowRequestThreshold = "log.slowRequestThreshold"
	cfgKeyMetricsEnabled          = "metrics.enabled"
)

// RetryPolicy names a backoff strategy.
type RetryPolicy string

// Retry policies.
const (
	RetryPolicyExponential RetryPolicy = "exponential"
	RetryPolicyConstant    RetryPolicy = "constant"
)

// Config is the configuration of an outgoing HTTP client.
// It has no key prefix of its own; the owner passes a key-prefixed data provider.
type Config struct {
	Timeout    time.Duration
	Retries    RetriesConfig
	RateLimits RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

var _ config.Config = (*Config)(nil)

// RetriesConfig configures retrying of failed requests.
type RetriesConfig struct {
	Enabled         bool
	MaxAttempts     int
	Policy          RetryPolicy
	InitialInterval time.Duration
	Multiplier      float64
	Interval        time.Duration
}

// GetPolicy builds the backoff policy described by the configuration.
func (c *RetriesConfig) GetPolicy() retry.Policy {
	if c.Policy == RetryPolicyConstant {
		return retry.NewConstantBackoffPolicy(c.Interval, 0)
	}
	return retry.ExponentialBackoffPolicy{InitialInterval: c.InitialInterval, Multiplier: c.Multiplier}
}

// RateLimitConfig allows Limit requests per Period. Zero Burst means a burst of Limit.
type RateLimitConfig struct {
	Enabled     bool
	Limit       int
	Period      time.Duration
	Burst       int
	WaitTimeout time.Duration
}

// LogConfig configures request logging.
type LogConfig struct {
	Enabled              bool
	Mode                 LoggingMode
	SlowRequestThreshold time.Duration
}

// MetricsConfig configures request metrics.
type MetricsConfig struct {
	Enabled bool
}

// NewDefaultConfig returns a configuration with retries, logging and metrics enabled.
func NewDefaultConfig() *Config {
	return &Config{
		Timeout: DefaultClientTimeout,
		Retries: RetriesConfig{
			Enabled:         true,
			MaxAttempts:     DefaultClientMaxRetryAttempts,
			Policy:          DefaultClientRetryPolicy,
			InitialInterval: DefaultClientRetryInitialInterval,
			Multiplier:      DefaultClientRetryMultiplier,
			Interval:        DefaultClientConstantRetryInterval,
		},
		RateLimits: RateLimitConfig{Period: DefaultClientRateLimitPeriod, WaitTimeout: DefaultClientRateLimitWaitTimeout},
		Log: LogConfig{
			Enabled:              true,
			Mode:                 DefaultClientLoggingMode,
			SlowRequestThreshold: DefaultClientLogSlowRequestThreshold,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	d := NewDefaultConfig()
	dp.SetDefault(cfgKeyTimeout, d.Timeout.String())
	dp.SetDefault(cfgKeyRetriesEnabled, d.Retries.Enabled)
	dp.SetDefault(cfgKeyRetriesMaxAttempts, d.Retries.MaxAttempts)
	dp.SetDefault(cfgKeyRetriesPolicy, string(d.Retries.Policy))
	dp.SetDefault(cfgKeyRetriesInitialInterval, d.Retries.InitialInterval.String())
	dp.SetDefault(cfgKeyRetriesMultiplier, d.Retries.Multiplier)
	dp.SetDefault(cfgKeyRetriesConstantInterval, d.Retries.Interval.String())
	dp.SetDefault(cfgKeyRateLimitsEnabled, false)
	dp.SetDefault(cfgKeyRateLimitsPeriod, d.RateLimits.Period.String())
	dp.SetDefault(cfgKeyRateLimitsWaitTimeout, d.RateLimits.WaitTimeout.String())
	dp.SetDefault(cfgKeyLogEnabled, d.Log.Enabled)
	dp.SetDefault(cfgKeyLogMode, string(d.Log.Mode))
	dp.SetDefault(cfgKeyLogSlowRequestThreshold, d.Log.SlowRequestThreshold.String())
	dp.SetDefault(cfgKeyMetricsEnabled, d.Metrics.Enabled)
}

// Set sets the client configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) (err error) {
	if c.Timeout, err = dp.GetDuration(cfgKeyTimeout); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return dp.WrapKeyErr(cfgKeyTimeout, fmt.Errorf("must not be negative"))
	}
	if err = c.setRetries(dp); err != nil {
		return err
	}
	if err = c.setRateLimits(dp); err != nil {
		return err
	}
	if err = c.setLog(dp); err != nil {
		return err
	}
	c.Metrics.Enabled, err = dp.GetBool(cfgKeyMetricsEnabled)
	return err
}

func (c *Config) setRetries(dp config.DataProvider) (err error) {
	if c.Retries.Enabled, err = dp.GetBool(cfgKeyRetriesEnabled); err != nil {
		return err
	}
	if c.Retries.MaxAttempts, err = dp.GetInt(cfgKeyRetriesMaxAttempts); err != nil {
		return err
	}
	if c.Retries.MaxAttempts < 0 {
		return dp.WrapKeyErr(cfgKeyRetriesMaxAttempts, fmt.Errorf("must not be negative"))
	}
	policy, err := dp.GetStringFromSet(cfgKeyRetriesPolicy,
		[]string{string(RetryPolicyExponential), string(RetryPolicyConstant)}, true)
	if err != nil {
		return err
	}
	c.Retries.Policy = RetryPolicy(policy)
	if c.Retries.InitialInterval, err = dp.GetDuration(cfgKeyRetriesInitialInterval); err != nil {
		return err
	}
	if c.Retries.Multiplier, err = dp.GetFloat64(cfgKeyRetriesMultiplier); err != nil {
		return err
	}
	if c.Retries.Multiplier < 1 {
		return dp.WrapKeyErr(cfgKeyRetriesMultiplier, fmt.Errorf("must be at least 1"))
	}
	c.Retries.Interval, err = dp.GetDuration(cfgKeyRetriesConstantInterval)
	return err
}

func (c *Config) setRateLimits(dp config.DataProvider) (err error) {
	if c.RateLimits.Enabled, err = dp.GetBool(cfgKeyRateLimitsEnabled); err != nil {
		return err
	}
	if c.RateLimits.Limit, err = dp.GetInt(cfgKeyRateLimitsLimit); err != nil {
		return err
	}
	if c.RateLimits.Enabled && c.RateLimits.Limit <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitsLimit, fmt.Errorf("must be positive"))
	}
	if c.RateLimits.Period, err = dp.GetDuration(cfgKeyRateLimitsPeriod); err != nil {
		return err
	}
	if c.RateLimits.Enabled && c.RateLimits.Period <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitsPeriod, fmt.Errorf("must be positive"))
	}
	if c.RateLimits.Burst, err = dp.GetInt(cfgKeyRateLimitsBurst); err != nil {
		return err
	}
	if c.RateLimits.Burst < 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitsBurst, fmt.Errorf("must not be negative"))
	}
	c.RateLimits.WaitTimeout, err = dp.GetDuration(cfgKeyRateLimitsWaitTimeout)
	return err
}

func (c *Config) setLog(dp config.DataProvider) (err error) {
	if c.Log.Enabled, err = dp.GetBool(cfgKeyLogEnabled); err != nil {
		return err
	}
	mode, err := dp.GetStringFromSet(cfgKeyLogMode,
		[]string{string(LoggingModeNone), string(LoggingModeAll), string(LoggingModeFailed)}, true)
	if err != nil {
		return err
	}
	c.Log.Mode = LoggingMode(mode)
	c.Log.SlowRequestThreshold, err = dp.GetDuration(cfgKeyLogSlowRequestThreshold)
	return err
}
