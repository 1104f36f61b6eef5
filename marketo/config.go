/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package marketo

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/LeadFabric-nv/federale-file-upload/config"
	"github.com/LeadFabric-nv/federale-file-upload/httpclient"
)

const cfgDefaultKeyPrefix = "marketo"

const (
	cfgKeyHost                       = "host"
	cfgKeyClientID                   = "client.id"
	cfgKeyClientSecret               = "client.secret" // nolint:gosec // key name, not a credential
	cfgKeyFolderID                   = "folderId"
	cfgKeyLeadField                  = "leadField"
	cfgKeyTokenExpiryMargin          = "token.expiryMargin"
	cfgKeyTokenFetchTimeout          = "token.fetchTimeout"
	cfgKeyTokenRetriesMaxAttempts    = "token.retries.maxAttempts"
	cfgKeyTokenRetriesInitialDelay   = "token.retries.initialInterval"
	cfgKeyCircuitBreakerEnabled      = "circuitBreaker.enabled"
	cfgKeyCircuitBreakerErrorPercent = "circuitBreaker.errorPercentThreshold"
	cfgKeyCircuitBreakerMinRequests  = "circuitBreaker.minimumRequests"
	cfgKeyCircuitBreakerOpenWait     = "circuitBreaker.openWait"
	cfgKeyHTTP                       = "http"
)

// Default values of the Marketo configuration.
const (
	DefaultFolderID                    = 99
	DefaultLeadField                   = "fVuploadedfiles"
	DefaultTokenExpiryMargin           = time.Minute
	DefaultTokenFetchTimeout           = 30 * time.Second
	DefaultTokenRetriesMaxAttempts     = 3
	DefaultTokenRetriesInitialInterval = 500 * time.Millisecond
	DefaultCircuitBreakerErrorPercent  = 50
	DefaultCircuitBreakerMinRequests   = 10
	DefaultCircuitBreakerOpenWait      = 15 * time.Second
	DefaultRateLimit                   = 100
	DefaultRateLimitPeriod             = 20 * time.Second
	DefaultRateLimitWaitTimeout        = time.Minute
)

// Keys of the "http" subsection whose defaults differ from the generic client ones.
const (
	cfgKeyHTTPRateLimitsEnabled     = "rateLimits.enabled"
	cfgKeyHTTPRateLimitsLimit       = "rateLimits.limit"
	cfgKeyHTTPRateLimitsPeriod      = "rateLimits.period"
	cfgKeyHTTPRateLimitsWaitTimeout = "rateLimits.waitTimeout"
)

// Config is the configuration of the Marketo client.
type Config struct {
	// Host is the REST API base URL, e.g. "https://123-ABC-456.mktorest.com".
	Host         string
	ClientID     string
	ClientSecret string
	FolderID     int
	LeadField    string

	Token          TokenConfig
	CircuitBreaker CircuitBreakerConfig

	// HTTP configures the outgoing client. Marketo allows 100 calls per 20 seconds,
	// so rate limiting is on by default.
	HTTP httpclient.Config

	keyPrefix string
}

// TokenConfig configures fetching of access tokens.
type TokenConfig struct {
	// ExpiryMargin is subtracted from the token lifetime reported by Marketo.
	ExpiryMargin         time.Duration
	// FetchTimeout bounds one fetch including its retries. The fetch is shared by all
	// waiting callers, so it does not follow their cancellation.
	FetchTimeout         time.Duration
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
}

// CircuitBreakerConfig configures the circuit breaker around Marketo calls.
type CircuitBreakerConfig struct {
	Enabled               bool
	ErrorPercentThreshold int
	MinimumRequests       int
	OpenWait              time.Duration
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new Config read from the "marketo" section.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
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
	dp.SetDefault(cfgKeyFolderID, DefaultFolderID)
	dp.SetDefault(cfgKeyLeadField, DefaultLeadField)
	dp.SetDefault(cfgKeyTokenExpiryMargin, DefaultTokenExpiryMargin.String())
	dp.SetDefault(cfgKeyTokenFetchTimeout, DefaultTokenFetchTimeout.String())
	dp.SetDefault(cfgKeyTokenRetriesMaxAttempts, DefaultTokenRetriesMaxAttempts)
	dp.SetDefault(cfgKeyTokenRetriesInitialDelay, DefaultTokenRetriesInitialInterval.String())
	dp.SetDefault(cfgKeyCircuitBreakerEnabled, true)
	dp.SetDefault(cfgKeyCircuitBreakerErrorPercent, DefaultCircuitBreakerErrorPercent)
	dp.SetDefault(cfgKeyCircuitBreakerMinRequests, DefaultCircuitBreakerMinRequests)
	dp.SetDefault(cfgKeyCircuitBreakerOpenWait, DefaultCircuitBreakerOpenWait.String())

	httpDP := config.NewKeyPrefixedDataProvider(dp, cfgKeyHTTP)
	c.HTTP.SetProviderDefaults(httpDP)
	httpDP.SetDefault(cfgKeyHTTPRateLimitsEnabled, true)
	httpDP.SetDefault(cfgKeyHTTPRateLimitsLimit, DefaultRateLimit)
	httpDP.SetDefault(cfgKeyHTTPRateLimitsPeriod, DefaultRateLimitPeriod.String())
	httpDP.SetDefault(cfgKeyHTTPRateLimitsWaitTimeout, DefaultRateLimitWaitTimeout.String())
}

// Set sets the configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) (err error) {
	if err = c.setCredentials(dp); err != nil {
		return err
	}
	if c.FolderID, err = dp.GetInt(cfgKeyFolderID); err != nil {
		return err
	}
	if c.FolderID <= 0 {
		return dp.WrapKeyErr(cfgKeyFolderID, fmt.Errorf("must be positive"))
	}
	if c.LeadField, err = dp.GetString(cfgKeyLeadField); err != nil {
		return err
	}
	if c.LeadField == "" {
		return dp.WrapKeyErr(cfgKeyLeadField, fmt.Errorf("cannot be empty"))
	}
	if err = c.setToken(dp); err != nil {
		return err
	}
	if err = c.setCircuitBreaker(dp); err != nil {
		return err
	}
	return c.HTTP.Set(config.NewKeyPrefixedDataProvider(dp, cfgKeyHTTP))
}

func (c *Config) setCredentials(dp config.DataProvider) (err error) {
	if c.Host, err = dp.GetString(cfgKeyHost); err != nil {
		return err
	}
	c.Host = strings.TrimRight(strings.TrimSpace(c.Host), "/")
	if c.Host == "" {
		return dp.WrapKeyErr(cfgKeyHost, fmt.Errorf("cannot be empty"))
	}
	u, err := url.Parse(c.Host)
	if err != nil {
		return dp.WrapKeyErr(cfgKeyHost, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return dp.WrapKeyErr(cfgKeyHost, fmt.Errorf("must be an absolute http(s) URL, got %q", c.Host))
	}
	if c.ClientID, err = dp.GetString(cfgKeyClientID); err != nil {
		return err
	}
	if c.ClientID == "" {
		return dp.WrapKeyErr(cfgKeyClientID, fmt.Errorf("cannot be empty"))
	}
	if c.ClientSecret, err = dp.GetString(cfgKeyClientSecret); err != nil {
		return err
	}
	if c.ClientSecret == "" {
		return dp.WrapKeyErr(cfgKeyClientSecret, fmt.Errorf("cannot be empty"))
	}
	return nil
}

func (c *Config) setToken(dp config.DataProvider) (err error) {
	if c.Token.ExpiryMargin, err = dp.GetDuration(cfgKeyTokenExpiryMargin); err != nil {
		return err
	}
	if c.Token.ExpiryMargin < 0 {
		return dp.WrapKeyErr(cfgKeyTokenExpiryMargin, fmt.Errorf("must not be negative"))
	}
	if c.Token.FetchTimeout, err = dp.GetDuration(cfgKeyTokenFetchTimeout); err != nil {
		return err
	}
	if c.Token.FetchTimeout <= 0 {
		return dp.WrapKeyErr(cfgKeyTokenFetchTimeout, fmt.Errorf("must be positive"))
	}
	if c.Token.RetryMaxAttempts, err = dp.GetInt(cfgKeyTokenRetriesMaxAttempts); err != nil {
		return err
	}
	if c.Token.RetryMaxAttempts < 0 {
		return dp.WrapKeyErr(cfgKeyTokenRetriesMaxAttempts, fmt.Errorf("must not be negative"))
	}
	c.Token.RetryInitialInterval, err = dp.GetDuration(cfgKeyTokenRetriesInitialDelay)
	return err
}

func (c *Config) setCircuitBreaker(dp config.DataProvider) (err error) {
	cb := &c.CircuitBreaker
	if cb.Enabled, err = dp.GetBool(cfgKeyCircuitBreakerEnabled); err != nil {
		return err
	}
	if cb.ErrorPercentThreshold, err = dp.GetInt(cfgKeyCircuitBreakerErrorPercent); err != nil {
		return err
	}
	if cb.ErrorPercentThreshold <= 0 || cb.ErrorPercentThreshold > 100 {
		return dp.WrapKeyErr(cfgKeyCircuitBreakerErrorPercent, fmt.Errorf("must be in (0, 100]"))
	}
	if cb.MinimumRequests, err = dp.GetInt(cfgKeyCircuitBreakerMinRequests); err != nil {
		return err
	}
	if cb.MinimumRequests <= 0 {
		return dp.WrapKeyErr(cfgKeyCircuitBreakerMinRequests, fmt.Errorf("must be positive"))
	}
	cb.OpenWait, err = dp.GetDuration(cfgKeyCircuitBreakerOpenWait)
	return err
}
