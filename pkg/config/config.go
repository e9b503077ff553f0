// Package config loads mcphub settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vikashloomba/mcphub/pkg/discovery"
)

// EnvPrefix is prepended to every environment override, e.g.
// MCPHUB_SCAN_INTERVAL=10s.
const EnvPrefix = "MCPHUB"

type Config struct {
	Scan       ScanConfig       `mapstructure:"scan"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
	Log        LogConfig        `mapstructure:"log"`
}

type ScanConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MissThreshold  int           `mapstructure:"miss_threshold"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CloseTimeout   time.Duration `mapstructure:"close_timeout"`
}

// DiscoveryConfig describes the candidate endpoints. When Endpoints is
// empty, Count endpoints are generated on consecutive ports starting at
// BasePort.
type DiscoveryConfig struct {
	Host       string               `mapstructure:"host"`
	BasePort   int                  `mapstructure:"base_port"`
	Count      int                  `mapstructure:"count"`
	NamePrefix string               `mapstructure:"name_prefix"`
	Path       string               `mapstructure:"path"`
	Endpoints  []discovery.Endpoint `mapstructure:"endpoints"`
	// Enabled restricts scanning to the named endpoints.
	Enabled []string `mapstructure:"enabled"`
}

type IdentityConfig struct {
	// Token must appear in the instance's advertised server name.
	Token string `mapstructure:"token"`
}

type GatewayConfig struct {
	Addr string     `mapstructure:"addr"`
	Path string     `mapstructure:"path"`
	Auth AuthConfig `mapstructure:"auth"`
	CORS CORSConfig `mapstructure:"cors"`
}

type AuthConfig struct {
	// BearerToken enables static bearer-token protection when set.
	BearerToken         string   `mapstructure:"bearer_token"`
	ResourceMetadataURL string   `mapstructure:"resource_metadata_url"`
	AuthorizationServer string   `mapstructure:"authorization_server"`
	Scopes              []string `mapstructure:"scopes"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type ConnectionConfig struct {
	KeepAlive      time.Duration `mapstructure:"keepalive"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	LogJSONRPC     bool          `mapstructure:"log_jsonrpc"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scan.interval", discovery.DefaultInterval)
	v.SetDefault("scan.miss_threshold", discovery.DefaultMissThreshold)
	v.SetDefault("scan.probe_timeout", 3*time.Second)
	v.SetDefault("scan.connect_timeout", discovery.DefaultConnectTimeout)
	v.SetDefault("scan.close_timeout", discovery.DefaultCloseTimeout)

	v.SetDefault("discovery.host", "127.0.0.1")
	v.SetDefault("discovery.base_port", 8090)
	v.SetDefault("discovery.count", 5)
	v.SetDefault("discovery.name_prefix", "instance")
	v.SetDefault("discovery.path", "/mcp")

	v.SetDefault("gateway.addr", ":8700")
	v.SetDefault("gateway.path", "/mcp")

	v.SetDefault("connection.keepalive", 30*time.Second)
	v.SetDefault("connection.request_timeout", 30*time.Second)
	v.SetDefault("connection.log_jsonrpc", false)

	v.SetDefault("shutdown.timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from path (or ./mcphub.yaml and
// $HOME/.mcphub/mcphub.yaml when path is empty) and applies MCPHUB_
// environment overrides. A missing default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcphub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mcphub")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	_ = v.BindEnv("identity.token")
	_ = v.BindEnv("gateway.auth.bearer_token")
	_ = v.BindEnv("gateway.auth.resource_metadata_url")
	_ = v.BindEnv("gateway.auth.authorization_server")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Scan.Interval <= 0:
		return errors.New("config: scan.interval must be positive")
	case c.Scan.MissThreshold <= 0:
		return errors.New("config: scan.miss_threshold must be positive")
	case c.Scan.ProbeTimeout <= 0:
		return errors.New("config: scan.probe_timeout must be positive")
	case strings.TrimSpace(c.Identity.Token) == "":
		return errors.New("config: identity.token is required")
	case c.Gateway.Addr == "":
		return errors.New("config: gateway.addr is required")
	case len(c.Discovery.Endpoints) == 0 && c.Discovery.Count <= 0:
		return errors.New("config: discovery.count must be positive when no endpoints are listed")
	case c.Gateway.Auth.BearerToken == "" && c.Gateway.Auth.ResourceMetadataURL != "":
		return errors.New("config: gateway.auth.resource_metadata_url requires gateway.auth.bearer_token")
	}
	return nil
}

// EndpointTable builds the active endpoint table: the explicit list when
// present, otherwise the generated range, narrowed by discovery.enabled.
func (c *Config) EndpointTable() (discovery.EndpointTable, error) {
	d := c.Discovery
	endpoints := d.Endpoints
	if len(endpoints) == 0 {
		endpoints = discovery.GenerateEndpoints(d.NamePrefix, d.Host, d.BasePort, d.Count, d.Path)
	} else {
		endpoints = append([]discovery.Endpoint(nil), endpoints...)
		for i := range endpoints {
			if endpoints[i].Host == "" {
				endpoints[i].Host = d.Host
			}
			if endpoints[i].Path == "" {
				endpoints[i].Path = d.Path
			}
		}
	}
	table, err := discovery.NewEndpointTable(endpoints)
	if err != nil {
		return discovery.EndpointTable{}, fmt.Errorf("config: endpoints: %w", err)
	}
	return table.Filter(d.Enabled), nil
}

// ScannerConfig returns the scan settings handed to the scanner.
func (c *Config) ScannerConfig() discovery.Config {
	return discovery.Config{
		Interval:       c.Scan.Interval,
		MissThreshold:  c.Scan.MissThreshold,
		ConnectTimeout: c.Scan.ConnectTimeout,
		CloseTimeout:   c.Scan.CloseTimeout,
	}
}
