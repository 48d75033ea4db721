package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/spf13/viper"

	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/logger"
	"github.com/loykin/pipewatch/internal/report"
)

// EnvPrefix prefixes environment overrides, e.g. PIPEWATCH_SERVER_LISTEN.
const EnvPrefix = "PIPEWATCH"

// Source types.
const (
	SourceWebsocket = "websocket"
	SourceFile      = "file"
)

// Config represents the top-level TOML structure.
type Config struct {
	Engine  EngineConfig   `toml:"engine" mapstructure:"engine" json:"engine"`
	Server  ServerConfig   `toml:"server" mapstructure:"server" json:"server"`
	Metrics MetricsConfig  `toml:"metrics" mapstructure:"metrics" json:"metrics"`
	Log     logger.Config  `toml:"log" mapstructure:"log" json:"log"`
	Sources []SourceConfig `toml:"sources" mapstructure:"sources" json:"sources"`
	History HistoryConfig  `toml:"history" mapstructure:"history" json:"history"`
	Report  ReportConfig   `toml:"report" mapstructure:"report" json:"report"`
}

type EngineConfig struct {
	HistoryLimit int  `toml:"history_limit" mapstructure:"history_limit" json:"history_limit" jsonschema:"minimum=1,default=1000,description=Number of recent log events kept in memory"`
	StripANSI    bool `toml:"strip_ansi" mapstructure:"strip_ansi" json:"strip_ansi" jsonschema:"description=Remove terminal escape sequences from stored text"`
}

type ServerConfig struct {
	Listen   string     `toml:"listen" mapstructure:"listen" json:"listen" jsonschema:"default=127.0.0.1:8787,description=HTTP API address; empty disables the API"`
	BasePath string     `toml:"base_path" mapstructure:"base_path" json:"base_path" jsonschema:"default=/api"`
	TLS      TLSConfig  `toml:"tls" mapstructure:"tls" json:"tls"`
	Auth     AuthConfig `toml:"auth" mapstructure:"auth" json:"auth"`
}

// AuthConfig protects the API. Viewers may read; ingest and reset need an
// operator. Clients send HTTP Basic credentials or a bearer token from /login.
type AuthConfig struct {
	Enabled   bool          `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	JWTSecret string        `toml:"jwt_secret" mapstructure:"jwt_secret" json:"jwt_secret" jsonschema:"description=HMAC key for bearer tokens; random per process when empty"`
	TokenTTL  time.Duration `toml:"token_ttl" mapstructure:"token_ttl" json:"token_ttl" jsonschema:"type=string,default=24h"`
	Users     []AuthUser    `toml:"users" mapstructure:"users" json:"users"`
}

type AuthUser struct {
	Username     string `toml:"username" mapstructure:"username" json:"username"`
	PasswordHash string `toml:"password_hash" mapstructure:"password_hash" json:"password_hash" jsonschema:"description=bcrypt hash; see 'pipewatch auth hash'"`
	Role         string `toml:"role" mapstructure:"role" json:"role" jsonschema:"enum=viewer,enum=operator"`
}

// Roles.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

func (a AuthConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	var errs []error
	if len(a.Users) == 0 {
		errs = append(errs, errors.New("enabled requires at least one user"))
	}
	seen := make(map[string]bool, len(a.Users))
	for i, u := range a.Users {
		switch {
		case u.Username == "":
			errs = append(errs, fmt.Errorf("users[%d]: username required", i))
		case seen[u.Username]:
			errs = append(errs, fmt.Errorf("users[%d]: duplicate username %q", i, u.Username))
		}
		seen[u.Username] = true
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			errs = append(errs, fmt.Errorf("users[%d]: password_hash must be a bcrypt hash", i))
		}
		switch u.Role {
		case RoleViewer, RoleOperator:
		default:
			errs = append(errs, fmt.Errorf("users[%d]: unknown role %q", i, u.Role))
		}
	}
	if a.TokenTTL < 0 {
		errs = append(errs, errors.New("token_ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// TLSConfig serves the API over HTTPS. CertFile and KeyFile take priority;
// otherwise tls.crt and tls.key are read from Dir, generated first when
// AutoGenerate is set and they are missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file" json:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file" json:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir" json:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate" json:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version" json:"min_version" jsonschema:"description=1.2 or 1.3; empty means 1.3"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name" json:"common_name" jsonschema:"default=localhost"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names" json:"dns_names"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days" json:"valid_days" jsonschema:"default=365"`
}

func (t TLSConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	var errs []error
	if (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("cert_file and key_file must be set together"))
	}
	if t.CertFile == "" && t.Dir == "" {
		errs = append(errs, errors.New("enabled requires cert_file/key_file or dir"))
	}
	switch t.MinVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, fmt.Errorf("unknown min_version %q", t.MinVersion))
	}
	return errors.Join(errs...)
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	// Listen serves /metrics on its own address; empty mounts it on the API server.
	Listen string `toml:"listen" mapstructure:"listen" json:"listen"`
}

type SourceConfig struct {
	Type              string        `toml:"type" mapstructure:"type" json:"type" jsonschema:"enum=websocket,enum=file"`
	URL               string        `toml:"url" mapstructure:"url" json:"url" jsonschema:"description=ws:// or wss:// endpoint for websocket sources"`
	Paths             []string      `toml:"paths" mapstructure:"paths" json:"paths" jsonschema:"description=Glob patterns (** supported) for file sources"`
	FromStart         bool          `toml:"from_start" mapstructure:"from_start" json:"from_start"`
	ReconnectInterval time.Duration `toml:"reconnect_interval" mapstructure:"reconnect_interval" json:"reconnect_interval" jsonschema:"type=string,default=3s"`
	PingInterval      time.Duration `toml:"ping_interval" mapstructure:"ping_interval" json:"ping_interval" jsonschema:"type=string,default=30s"`
}

type HistoryConfig struct {
	Enabled   bool     `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	Sinks     []string `toml:"sinks" mapstructure:"sinks" json:"sinks" jsonschema:"description=Sink DSNs (sqlite://, postgres://, clickhouse://, opensearch://)"`
	QueueSize int      `toml:"queue_size" mapstructure:"queue_size" json:"queue_size" jsonschema:"default=256"`
}

type ReportConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	Schedule string `toml:"schedule" mapstructure:"schedule" json:"schedule" jsonschema:"default=@every 1m,description=Cron expression or descriptor"`
	Timezone string `toml:"timezone" mapstructure:"timezone" json:"timezone"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.history_limit", engine.DefaultHistoryLimit)
	v.SetDefault("engine.strip_ansi", false)
	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token_ttl", "24h")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.queue_size", 256)
	v.SetDefault("report.enabled", false)
	v.SetDefault("report.schedule", "@every 1m")
	v.SetDefault("report.timezone", "")
}

// Default returns the configuration used when no file is given. When the
// PIPEWATCH_* environment cannot be decoded it is ignored and the built-in
// defaults are returned.
func Default() *Config {
	cfg, err := load("")
	if err == nil {
		return cfg
	}
	slog.Warn("ignoring environment overrides", "error", err)
	v := viper.New()
	setDefaults(v)
	var base Config
	if err := v.Unmarshal(&base); err != nil {
		panic(fmt.Sprintf("config: built-in defaults do not decode: %v", err))
	}
	return &base
}

// LoadConfig reads a TOML file, applies defaults and PIPEWATCH_* environment
// overrides, expands ${VAR} references in URLs and DSNs, and validates the
// result. An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expand()
	return &cfg, nil
}

func (c *Config) expand() {
	for i := range c.Sources {
		c.Sources[i].URL = os.ExpandEnv(c.Sources[i].URL)
	}
	for i := range c.History.Sinks {
		c.History.Sinks[i] = os.ExpandEnv(c.History.Sinks[i])
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("engine.history_limit must be >= 1, got %d", c.Engine.HistoryLimit))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath))
	}
	if err := c.Server.TLS.validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	if err := c.Server.Auth.validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.auth: %w", err))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	for i, s := range c.Sources {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
		}
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one sink"))
	}
	if c.Report.Enabled {
		if err := report.Validate(c.Report.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("report: %w", err))
		}
		if _, err := c.Report.Location(); err != nil {
			errs = append(errs, fmt.Errorf("report.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s SourceConfig) validate() error {
	switch s.Type {
	case SourceWebsocket:
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("websocket source needs a ws:// or wss:// url, got %q", s.URL)
		}
	case SourceFile:
		if len(s.Paths) == 0 {
			return errors.New("file source needs at least one path")
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	if s.ReconnectInterval < 0 || s.PingInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

// Location resolves Timezone. Empty means local time.
func (r ReportConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(r.Timezone)
}

// Schema returns the JSON Schema of the configuration file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		FieldNameTag:   "toml",
	}
	s := r.Reflect(&Config{})
	s.Title = "pipewatch configuration"
	s.Description = "Schema for the pipewatch TOML configuration file."
	return json.MarshalIndent(s, "", "  ")
}
