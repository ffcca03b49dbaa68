/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the YAML configuration file read by
// cmd/shelld, following the CheckAndSetDefaults idiom used throughout this
// server's component configs.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gravitational/trace"

	"github.com/shellterm/shellterm/lib/authz"
	"github.com/shellterm/shellterm/lib/keycache"
	"github.com/shellterm/shellterm/lib/ratelimit"
	"github.com/shellterm/shellterm/lib/registry"
	"github.com/shellterm/shellterm/lib/tokenverify"
	"github.com/shellterm/shellterm/lib/types"
)

// ProviderConfig is one entry of the `providers` list.
type ProviderConfig struct {
	Name            string        `yaml:"name"`
	KeySetURL       string        `yaml:"keyset_url"`
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	Algorithms      []string      `yaml:"algorithms"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// AccessConfig is the `access` block controlling the Authorizer's policy.
type AccessConfig struct {
	AllowUsers  []string `yaml:"allow_users"`
	AllowGroups []string `yaml:"allow_groups"`
	DenyUsers   []string `yaml:"deny_users"`
	DenyGroups  []string `yaml:"deny_groups"`
	AdminGroups []string `yaml:"admin_groups"`
}

// RateConfig is the `limits.rate` block controlling the Rate Limiter.
type RateConfig struct {
	ConnectionsPerMinute int           `yaml:"connections_per_minute"`
	MessagesPerMinute    int           `yaml:"messages_per_minute"`
	InputBytesPerSecond  int           `yaml:"input_bytes_per_second"`
	LockoutThreshold     int           `yaml:"lockout_threshold"`
	LockoutDuration      time.Duration `yaml:"lockout_duration"`
}

// LimitsConfig is the `limits` block controlling the Session Registry and
// the wire protocol's size/queue bounds.
type LimitsConfig struct {
	MaxSessionsGlobal    int           `yaml:"max_sessions_global"`
	MaxSessionsPerUser   int           `yaml:"max_sessions_per_user"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	AbsoluteTimeout      time.Duration `yaml:"absolute_timeout"`
	ReapInterval         time.Duration `yaml:"reap_interval"`
	Rate                 RateConfig    `yaml:"rate"`
	MaxMessageBytes      int           `yaml:"max_message_bytes"`
	MaxOutputChunkBytes  int           `yaml:"max_output_chunk_bytes"`
	SubscriberQueueDepth int           `yaml:"subscriber_queue_depth"`
}

// PTYConfig is the `pty` block controlling the PTY Handle's workspace
// confinement and shell allowlist.
type PTYConfig struct {
	WorkspaceRoot  string   `yaml:"workspace_root"`
	ShellAllowlist []string `yaml:"shell_allowlist"`
	DefaultShell   string   `yaml:"default_shell"`
	EnvBlocklist   []string `yaml:"env_blocklist"`
}

// Config is the top-level shape of the YAML configuration file.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	ListenPort   int    `yaml:"listen_port"`
	TLSCertPath  string `yaml:"tls_cert_path"`
	TLSKeyPath   string `yaml:"tls_key_path"`
	EnforceHTTPS bool   `yaml:"enforce_https"`

	Providers []ProviderConfig `yaml:"providers"`
	Access    AccessConfig     `yaml:"access"`
	Limits    LimitsConfig     `yaml:"limits"`
	PTY       PTYConfig        `yaml:"pty"`

	ClockSkewSeconds int `yaml:"clock_skew_seconds"`
}

// LoadFile reads and parses the YAML configuration file at path, then
// validates and defaults it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

var defaultShellAllowlist = []string{"/bin/bash", "/bin/sh", "/usr/bin/bash"}

// CheckAndSetDefaults validates the configuration and fills in defaults for
// every option the configuration surface recognizes but the file omitted.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 4022
	}
	if c.EnforceHTTPS && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
		return trace.BadParameter("tls_cert_path and tls_key_path are required when enforce_https is set")
	}
	if len(c.Providers) == 0 {
		return trace.BadParameter("at least one provider must be configured")
	}
	for i := range c.Providers {
		if err := c.Providers[i].checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if len(c.Access.AllowUsers) == 0 && len(c.Access.AllowGroups) == 0 {
		return trace.BadParameter("access.allow_users or access.allow_groups must grant at least one identity")
	}

	if c.Limits.IdleTimeout == 0 {
		c.Limits.IdleTimeout = 30 * time.Minute
	}
	if c.Limits.AbsoluteTimeout == 0 {
		c.Limits.AbsoluteTimeout = 12 * time.Hour
	}
	if c.Limits.ReapInterval == 0 {
		c.Limits.ReapInterval = 10 * time.Second
	}
	if c.Limits.Rate.LockoutDuration == 0 {
		c.Limits.Rate.LockoutDuration = 5 * time.Minute
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits.MaxMessageBytes = 65536
	}
	if c.Limits.MaxOutputChunkBytes == 0 {
		c.Limits.MaxOutputChunkBytes = 65536
	}
	if c.Limits.SubscriberQueueDepth == 0 {
		c.Limits.SubscriberQueueDepth = 64
	}

	if c.PTY.WorkspaceRoot == "" {
		return trace.BadParameter("pty.workspace_root is required")
	}
	if len(c.PTY.ShellAllowlist) == 0 {
		c.PTY.ShellAllowlist = defaultShellAllowlist
	}
	if c.PTY.DefaultShell == "" {
		c.PTY.DefaultShell = c.PTY.ShellAllowlist[0]
	}

	if c.ClockSkewSeconds == 0 {
		c.ClockSkewSeconds = 60
	}
	return nil
}

func (p *ProviderConfig) checkAndSetDefaults() error {
	if p.Name == "" {
		return trace.BadParameter("provider name is required")
	}
	if p.KeySetURL == "" {
		return trace.BadParameter("provider %q: keyset_url is required", p.Name)
	}
	if p.Issuer == "" {
		return trace.BadParameter("provider %q: issuer is required", p.Name)
	}
	if p.Audience == "" {
		return trace.BadParameter("provider %q: audience is required", p.Name)
	}
	if len(p.Algorithms) == 0 {
		p.Algorithms = []string{string(types.AlgorithmRS256)}
	}
	if p.CacheTTL == 0 {
		p.CacheTTL = time.Hour
	}
	if p.RefreshInterval == 0 {
		p.RefreshInterval = 15 * time.Minute
	}
	if p.Timeout == 0 {
		p.Timeout = 5 * time.Second
	}
	return nil
}

// ToTypesProvider converts a parsed ProviderConfig into the types.Provider
// shape lib/keycache and lib/tokenverify operate on.
func (p ProviderConfig) ToTypesProvider(clockSkew time.Duration) types.Provider {
	algs := make([]types.Algorithm, 0, len(p.Algorithms))
	for _, a := range p.Algorithms {
		algs = append(algs, types.Algorithm(a))
	}
	return types.Provider{
		Name:            p.Name,
		KeySetURL:       p.KeySetURL,
		Issuer:          p.Issuer,
		Audience:        p.Audience,
		Algorithms:      algs,
		CacheTTL:        p.CacheTTL,
		RefreshInterval: p.RefreshInterval,
		Timeout:         p.Timeout,
		ClockSkew:       clockSkew,
	}
}

// ToAccessPolicy converts the `access` block into the types.AccessPolicy
// the Authorizer evaluates.
func (a AccessConfig) ToAccessPolicy() types.AccessPolicy {
	return types.AccessPolicy{
		AllowUsers:  a.AllowUsers,
		AllowGroups: a.AllowGroups,
		DenyUsers:   a.DenyUsers,
		DenyGroups:  a.DenyGroups,
		AdminGroups: a.AdminGroups,
	}
}

// clockSkew returns the configured clock skew as a time.Duration.
func (c *Config) clockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// typesProviders converts every configured provider into the
// types.Provider shape, applying the shared clock skew to each.
func (c *Config) typesProviders() []types.Provider {
	skew := c.clockSkew()
	out := make([]types.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, p.ToTypesProvider(skew))
	}
	return out
}

// KeyCacheConfig builds the lib/keycache.Config that should back the Key
// Cache this process starts.
func (c *Config) KeyCacheConfig() keycache.Config {
	return keycache.Config{Providers: c.typesProviders()}
}

// TokenVerifierConfig builds the lib/tokenverify.Config for a Verifier
// backed by cache, keyed by provider name as tokenverify.Config requires.
func (c *Config) TokenVerifierConfig(cache tokenverify.KeyCache) tokenverify.Config {
	providers := make(map[string]types.Provider, len(c.Providers))
	skew := c.clockSkew()
	for _, p := range c.Providers {
		providers[p.Name] = p.ToTypesProvider(skew)
	}
	return tokenverify.Config{Providers: providers, Keys: cache}
}

// AuthzConfig builds the lib/authz.Config enforcing the `access` block.
func (c *Config) AuthzConfig() authz.Config {
	return authz.Config{Policy: c.Access.ToAccessPolicy()}
}

// RateLimitConfig builds the lib/ratelimit.Config enforcing the
// `limits.rate` block.
func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		ConnectionsPerMinute: c.Limits.Rate.ConnectionsPerMinute,
		MessagesPerMinute:    c.Limits.Rate.MessagesPerMinute,
		InputBytesPerSecond:  c.Limits.Rate.InputBytesPerSecond,
		LockoutThreshold:     c.Limits.Rate.LockoutThreshold,
		LockoutDuration:      c.Limits.Rate.LockoutDuration,
	}
}

// Addr returns the host:port the server should listen on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}

// RegistryConfig builds the lib/registry.Config for the Session Registry,
// wiring the `pty` block into a DefaultPTYFactory.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		GlobalMax:       c.Limits.MaxSessionsGlobal,
		PerUserMax:      c.Limits.MaxSessionsPerUser,
		IdleTimeout:     c.Limits.IdleTimeout,
		AbsoluteTimeout: c.Limits.AbsoluteTimeout,
		ReapInterval:    c.Limits.ReapInterval,
		QueueDepth:      c.Limits.SubscriberQueueDepth,
		ChunkSize:       c.Limits.MaxOutputChunkBytes,
		Spawn: registry.DefaultPTYFactory(
			c.PTY.WorkspaceRoot,
			c.PTY.ShellAllowlist,
			c.PTY.DefaultShell,
			c.PTY.EnvBlocklist,
		),
	}
}

// MaxMessageBytes returns the configured wire-protocol input frame size
// bound, for wiring into lib/termproxy.Deps.
func (c *Config) MaxMessageBytes() int {
	return c.Limits.MaxMessageBytes
}
