/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/LeadFabric-nv/federale-file-upload/config"
	"github.com/LeadFabric-nv/federale-file-upload/httpserver"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/marketo"
	"github.com/LeadFabric-nv/federale-file-upload/profserver"
	"github.com/LeadFabric-nv/federale-file-upload/relay"
)

const (
	cfgKeyEnvironment         = "environment"
	cfgKeyPort                = "port"
	cfgKeyTestTokenEnabled    = "testToken.enabled"
	cfgKeyTokenRefreshEnabled = "tokenRefresh.enabled"
	cfgKeyTokenRefreshPeriod  = "tokenRefresh.interval"
)

// Deployment environments.
const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

// AppConfig holds the top-level keys of the relay. The sections of the other packages
// are loaded next to it.
type AppConfig struct {
	Environment string
	// Port overrides the port of server.address when set.
	Port int

	TestTokenEnabled     bool
	TokenRefreshEnabled  bool
	TokenRefreshInterval time.Duration

	Log        *log.Config
	Server     *httpserver.Config
	Marketo    *marketo.Config
	Relay      *relay.Config
	ProfServer *profserver.Config
}

var _ config.Config = (*AppConfig)(nil)

// NewAppConfig creates a new AppConfig with all sections.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:        log.NewConfig(),
		Server:     httpserver.NewConfig(),
		Marketo:    marketo.NewConfig(),
		Relay:      relay.NewConfig(),
		ProfServer: profserver.NewConfig(),
	}
}

// Sections returns the configs loaded together with the top-level keys.
func (c *AppConfig) Sections() []config.Config {
	return []config.Config{c.Log, c.Server, c.Marketo, c.Relay, c.ProfServer}
}

// IsDevelopment reports whether the relay runs locally.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == EnvironmentDevelopment
}

// SetProviderDefaults sets default values of the top-level keys.
func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyEnvironment, EnvironmentProduction)
	dp.SetDefault(cfgKeyPort, 0)
	dp.SetDefault(cfgKeyTestTokenEnabled, true)
	dp.SetDefault(cfgKeyTokenRefreshEnabled, false)
	dp.SetDefault(cfgKeyTokenRefreshPeriod, "5m")
}

// Set reads the top-level keys. Sections must be set before, Port is applied to the server section.
func (c *AppConfig) Set(dp config.DataProvider) (err error) {
	if c.Environment, err = dp.GetStringFromSet(cfgKeyEnvironment,
		[]string{EnvironmentProduction, EnvironmentDevelopment, "test"}, true); err != nil {
		return err
	}
	c.Environment = strings.ToLower(c.Environment)
	if c.Port, err = dp.GetInt(cfgKeyPort); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return dp.WrapKeyErr(cfgKeyPort, fmt.Errorf("must be between 0 and 65535"))
	}
	if c.TestTokenEnabled, err = dp.GetBool(cfgKeyTestTokenEnabled); err != nil {
		return err
	}
	if c.TokenRefreshEnabled, err = dp.GetBool(cfgKeyTokenRefreshEnabled); err != nil {
		return err
	}
	if c.TokenRefreshInterval, err = dp.GetDuration(cfgKeyTokenRefreshPeriod); err != nil {
		return err
	}
	if c.TokenRefreshEnabled && c.TokenRefreshInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyTokenRefreshPeriod, fmt.Errorf("must be positive"))
	}
	return nil
}

// applyPort replaces the port of the server address with Port.
func (c *AppConfig) applyPort() error {
	if c.Port == 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(c.Server.Address)
	if err != nil {
		return fmt.Errorf("server.address %q: %w", c.Server.Address, err)
	}
	c.Server.Address = net.JoinHostPort(host, strconv.Itoa(c.Port))
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	cfg := NewAppConfig()
	cfgs := append(cfg.Sections(), cfg)
	loader := config.NewDefaultLoader("")
	var err error
	if path == "" {
		err = loader.Load(cfgs[0], cfgs[1:]...)
	} else {
		err = loader.LoadFromFile(path, config.DataTypeYAML, cfgs[0], cfgs[1:]...)
	}
	if err != nil {
		return nil, err
	}
	if err = cfg.applyPort(); err != nil {
		return nil, err
	}
	return cfg, nil
}
