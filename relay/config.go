/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/LeadFabric-nv/federale-file-upload/config"
)

const cfgDefaultKeyPrefix = "relay"

const (
	cfgKeyMaxFiles             = "maxFiles"
	cfgKeyMaxFileSize          = "maxFileSize"
	cfgKeyAllowedExtensions    = "allowedExtensions"
	cfgKeyNormalizeFileNames   = "normalizeFileNames"
	cfgKeyConcurrency          = "concurrency"
	cfgKeyMaxPending           = "maxPending"
	cfgKeyTaskTimeout          = "taskTimeout"
	cfgKeyShutdownTimeout      = "shutdownTimeout"
	cfgKeyRateLimitEnabled     = "rateLimit.enabled"
	cfgKeyRateLimitAlg         = "rateLimit.alg"
	cfgKeyRateLimitCount       = "rateLimit.count"
	cfgKeyRateLimitPeriod      = "rateLimit.period"
	cfgKeyRateLimitBurst       = "rateLimit.burst"
	cfgKeyRateLimitExcludedIPs = "rateLimit.excludedIPs"
	cfgKeyRateLimitDryRun      = "rateLimit.dryRun"
)

// Default values of the relay configuration.
const (
	DefaultMaxFiles        = 3
	DefaultMaxFileSize     = "10M"
	DefaultConcurrency     = 3
	DefaultMaxPending      = 100
	DefaultTaskTimeout     = 2 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRateLimitCount  = 10
	DefaultRateLimitPeriod = time.Minute
	DefaultRateLimitBurst  = 5
)

// DefaultAllowedExtensions are the file types the form accepts.
var DefaultAllowedExtensions = []string{".png", ".pdf", ".jpeg", ".jpg"}

// Rate limiting algorithms of the upload endpoint.
const (
	RateLimitAlgLeakyBucket   = "leakyBucket"
	RateLimitAlgSlidingWindow = "slidingWindow"
)

// Config is the configuration of the upload relay.
type Config struct {
	MaxFiles    int
	MaxFileSize config.ByteSize
	// AllowedExtensions are lowercase and start with a dot.
	AllowedExtensions  []string
	NormalizeFileNames bool

	// Concurrency is the number of uploads that may talk to Marketo at the same time.
	Concurrency     int
	MaxPending      int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration

	RateLimit RateLimitConfig

	keyPrefix string
}

// RateLimitConfig limits uploads per client IP.
type RateLimitConfig struct {
	Enabled     bool
	Alg         string
	Count       int
	Period      time.Duration
	Burst       int
	ExcludedIPs []string
	DryRun      bool
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new Config read from the "relay" section.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// NewDefaultConfig returns the configuration used when nothing is set.
func NewDefaultConfig() *Config {
	maxFileSize, _ := config.ParseByteSize(DefaultMaxFileSize)
	return &Config{
		MaxFiles:           DefaultMaxFiles,
		MaxFileSize:        maxFileSize,
		AllowedExtensions:  append([]string(nil), DefaultAllowedExtensions...),
		NormalizeFileNames: true,
		Concurrency:        DefaultConcurrency,
		MaxPending:         DefaultMaxPending,
		TaskTimeout:        DefaultTaskTimeout,
		ShutdownTimeout:    DefaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			Enabled: true,
			Alg:     RateLimitAlgLeakyBucket,
			Count:   DefaultRateLimitCount,
			Period:  DefaultRateLimitPeriod,
			Burst:   DefaultRateLimitBurst,
		},
		keyPrefix: cfgDefaultKeyPrefix,
	}
}

// KeyPrefix implements config.KeyPrefixProvider.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	d := NewDefaultConfig()
	dp.SetDefault(cfgKeyMaxFiles, d.MaxFiles)
	dp.SetDefault(cfgKeyMaxFileSize, DefaultMaxFileSize)
	dp.SetDefault(cfgKeyAllowedExtensions, d.AllowedExtensions)
	dp.SetDefault(cfgKeyNormalizeFileNames, d.NormalizeFileNames)
	dp.SetDefault(cfgKeyConcurrency, d.Concurrency)
	dp.SetDefault(cfgKeyMaxPending, d.MaxPending)
	dp.SetDefault(cfgKeyTaskTimeout, d.TaskTimeout.String())
	dp.SetDefault(cfgKeyShutdownTimeout, d.ShutdownTimeout.String())
	dp.SetDefault(cfgKeyRateLimitEnabled, d.RateLimit.Enabled)
	dp.SetDefault(cfgKeyRateLimitAlg, d.RateLimit.Alg)
	dp.SetDefault(cfgKeyRateLimitCount, d.RateLimit.Count)
	dp.SetDefault(cfgKeyRateLimitPeriod, d.RateLimit.Period.String())
	dp.SetDefault(cfgKeyRateLimitBurst, d.RateLimit.Burst)
	dp.SetDefault(cfgKeyRateLimitExcludedIPs, []string{})
	dp.SetDefault(cfgKeyRateLimitDryRun, false)
}

// Set sets the relay configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) (err error) {
	if err = c.setFiles(dp); err != nil {
		return err
	}
	if err = c.setQueue(dp); err != nil {
		return err
	}
	return c.setRateLimit(dp)
}

func (c *Config) setFiles(dp config.DataProvider) (err error) {
	if c.MaxFiles, err = dp.GetInt(cfgKeyMaxFiles); err != nil {
		return err
	}
	if c.MaxFiles <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxFiles, fmt.Errorf("must be positive"))
	}
	if c.MaxFileSize, err = dp.GetByteSize(cfgKeyMaxFileSize); err != nil {
		return err
	}
	if c.MaxFileSize == 0 {
		return dp.WrapKeyErr(cfgKeyMaxFileSize, fmt.Errorf("must be positive"))
	}
	exts, err := dp.GetStringSlice(cfgKeyAllowedExtensions)
	if err != nil {
		return err
	}
	if len(exts) == 0 {
		return dp.WrapKeyErr(cfgKeyAllowedExtensions, fmt.Errorf("cannot be empty"))
	}
	c.AllowedExtensions = make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || ext == "." {
			return dp.WrapKeyErr(cfgKeyAllowedExtensions, fmt.Errorf("empty extension"))
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.AllowedExtensions = append(c.AllowedExtensions, ext)
	}
	c.NormalizeFileNames, err = dp.GetBool(cfgKeyNormalizeFileNames)
	return err
}

func (c *Config) setQueue(dp config.DataProvider) (err error) {
	if c.Concurrency, err = dp.GetInt(cfgKeyConcurrency); err != nil {
		return err
	}
	if c.Concurrency <= 0 {
		return dp.WrapKeyErr(cfgKeyConcurrency, fmt.Errorf("must be positive"))
	}
	if c.MaxPending, err = dp.GetInt(cfgKeyMaxPending); err != nil {
		return err
	}
	if c.MaxPending < 0 {
		return dp.WrapKeyErr(cfgKeyMaxPending, fmt.Errorf("must not be negative"))
	}
	if c.TaskTimeout, err = dp.GetDuration(cfgKeyTaskTimeout); err != nil {
		return err
	}
	if c.TaskTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyTaskTimeout, fmt.Errorf("must not be negative"))
	}
	if c.ShutdownTimeout, err = dp.GetDuration(cfgKeyShutdownTimeout); err != nil {
		return err
	}
	if c.ShutdownTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyShutdownTimeout, fmt.Errorf("must not be negative"))
	}
	return nil
}

func (c *Config) setRateLimit(dp config.DataProvider) (err error) {
	rl := &c.RateLimit
	if rl.Enabled, err = dp.GetBool(cfgKeyRateLimitEnabled); err != nil {
		return err
	}
	if rl.Alg, err = dp.GetStringFromSet(cfgKeyRateLimitAlg,
		[]string{RateLimitAlgLeakyBucket, RateLimitAlgSlidingWindow}, true); err != nil {
		return err
	}
	if rl.Count, err = dp.GetInt(cfgKeyRateLimitCount); err != nil {
		return err
	}
	if rl.Enabled && rl.Count <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitCount, fmt.Errorf("must be positive"))
	}
	if rl.Period, err = dp.GetDuration(cfgKeyRateLimitPeriod); err != nil {
		return err
	}
	if rl.Enabled && rl.Period <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitPeriod, fmt.Errorf("must be positive"))
	}
	if rl.Burst, err = dp.GetInt(cfgKeyRateLimitBurst); err != nil {
		return err
	}
	if rl.Burst < 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitBurst, fmt.Errorf("must not be negative"))
	}
	if rl.ExcludedIPs, err = dp.GetStringSlice(cfgKeyRateLimitExcludedIPs); err != nil {
		return err
	}
	rl.DryRun, err = dp.GetBool(cfgKeyRateLimitDryRun)
	return err
}
