// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// unstableMarker matches markers that would merge into the word they follow
// or be marked themselves on a second pass.
var unstableMarker = regexp.MustCompile(`^\w|\b\w{6}\b`)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/markproxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served locally and can never be claimed by a proxy rule.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// Landing modes decide when an unmatched path is mapped onto the landing path.
const (
	LandingFirst  = "first"
	LandingAlways = "always"
	LandingNever  = "never"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PrimaryOrigin string `kong:"help='Primary upstream origin (overrides config).',env='PRIMARY_ORIGIN'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// ProxyConfig describes which upstream origin serves which inbound path.
type ProxyConfig struct {
	PrimaryOrigin string `toml:"primary_origin"`
	LandingPath   string `toml:"landing_path"`
	LandingMode   string `toml:"landing_mode"`
	// CatchAll is a pointer so an omitted key can default to true.
	CatchAll  *bool        `toml:"catch_all"`
	RulesFile string       `toml:"rules_file"`
	Rules     []RuleConfig `toml:"rules"`
}

// RuleConfig maps an inbound path prefix onto an upstream origin.
type RuleConfig struct {
	Prefix string `toml:"prefix" yaml:"prefix"`
	Origin string `toml:"origin" yaml:"origin"`
}

// RewriteConfig controls the response body transform.
type RewriteConfig struct {
	Marker       string `toml:"marker"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
	MarkAssets   *bool  `toml:"mark_assets"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// rulesFile is the layout of the optional YAML ruleset.
type rulesFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/markproxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if cfg.Proxy.RulesFile != "" {
		rules, err := loadRules(cfg.Proxy.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg.Proxy.Rules = append(cfg.Proxy.Rules, rules...)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// loadRules reads extra proxy rules from a YAML file.
func loadRules(path string) ([]RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("syntax error in rules file %s: %w", path, err)
	}
	return rf.Rules, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PrimaryOrigin != "" {
		c.Proxy.PrimaryOrigin = cli.PrimaryOrigin
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Proxy.PrimaryOrigin == "" {
		return fmt.Errorf("proxy.primary_origin is required")
	}
	if err := validateOrigin(c.Proxy.PrimaryOrigin); err != nil {
		return fmt.Errorf("proxy.primary_origin: %w", err)
	}
	if lp := c.Proxy.LandingPath; lp != "" && lp[0] != '/' {
		return fmt.Errorf("proxy.landing_path must start with '/'; got %q", lp)
	}
	switch strings.ToLower(c.Proxy.LandingMode) {
	case LandingFirst, LandingAlways, LandingNever, "":
		// valid
	default:
		return fmt.Errorf("proxy.landing_mode must be one of: first, always, never; got %q", c.Proxy.LandingMode)
	}

	seen := make(map[string]bool, len(c.Proxy.Rules))
	for i, r := range c.Proxy.Rules {
		if err := validatePrefix(r.Prefix); err != nil {
			return fmt.Errorf("proxy.rules[%d].prefix: %w", i, err)
		}
		key := strings.ToLower(r.Prefix)
		if seen[key] {
			return fmt.Errorf("proxy.rules[%d].prefix %q is declared twice", i, r.Prefix)
		}
		seen[key] = true
		if err := validateOrigin(r.Origin); err != nil {
			return fmt.Errorf("proxy.rules[%d].origin: %w", i, err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Rewrite.MaxBodyBytes < 0 {
		return fmt.Errorf("rewrite.max_body_bytes must be non-negative; got %d", c.Rewrite.MaxBodyBytes)
	}
	if c.Rewrite.Marker != "" && unstableMarker.MatchString(c.Rewrite.Marker) {
		return fmt.Errorf("rewrite.marker must not start with a word character or contain a six-character word; got %q", c.Rewrite.Marker)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		for _, r := range c.Proxy.Rules {
			if strings.EqualFold(p, r.Prefix) || strings.HasPrefix(strings.ToLower(p), strings.ToLower(r.Prefix)+"/") {
				return fmt.Errorf("metrics.path %q conflicts with proxy rule %q", p, r.Prefix)
			}
		}
	}

	return nil
}

// validateOrigin accepts scheme+host[:port] URLs only.
func validateOrigin(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host; got %q", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("must be scheme and host only; got %q", raw)
	}
	return nil
}

func validatePrefix(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("must start with '/'; got %q", p)
	}
	if len(p) == 1 || strings.HasSuffix(p, "/") {
		return fmt.Errorf("must not be '/' or end with '/'; got %q", p)
	}
	for _, reserved := range reservedRoutes {
		if strings.EqualFold(p, reserved) || strings.HasPrefix(strings.ToLower(reserved), strings.ToLower(p)+"/") {
			return fmt.Errorf("%q conflicts with reserved route %q", p, reserved)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Proxy.PrimaryOrigin = strings.TrimSuffix(c.Proxy.PrimaryOrigin, "/")
	for i := range c.Proxy.Rules {
		c.Proxy.Rules[i].Origin = strings.TrimSuffix(c.Proxy.Rules[i].Origin, "/")
	}
	c.Proxy.LandingMode = strings.ToLower(c.Proxy.LandingMode)
	if c.Proxy.LandingMode == "" {
		c.Proxy.LandingMode = LandingFirst
	}
	if c.Proxy.CatchAll == nil {
		c.Proxy.CatchAll = boolPtr(true)
	}
	if c.Rewrite.Marker == "" {
		c.Rewrite.Marker = "™"
	}
	if c.Rewrite.MaxBodyBytes == 0 {
		c.Rewrite.MaxBodyBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Rewrite.MarkAssets == nil {
		c.Rewrite.MarkAssets = boolPtr(true)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func boolPtr(b bool) *bool { return &b }

// IsCatchAll reports whether unmatched paths are proxied to the primary origin.
// A nil CatchAll (config built in code, defaults not applied) counts as true.
func (p *ProxyConfig) IsCatchAll() bool {
	return p.CatchAll == nil || *p.CatchAll
}

// ShouldMarkAssets reports whether CSS and JavaScript bodies get word marking.
func (r *RewriteConfig) ShouldMarkAssets() bool {
	return r.MarkAssets == nil || *r.MarkAssets
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
