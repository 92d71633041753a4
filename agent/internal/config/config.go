package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks a configuration that must prevent startup.
var ErrConfiguration = errors.New("configuration error")

// PublicHost is the authority of the public WebPageTest server. Using it
// without an API key is rejected at load time.
const PublicHost = "www.webpagetest.org"

// Default values applied when fields are absent from the config file.
const (
	DefaultRuns           = 3
	DefaultPollInterval   = 5 * time.Second
	DefaultTestTimeout    = 10 * time.Minute
	DefaultMaxConcurrency = 4
	DefaultBufferSize     = 1000
	DefaultNamespace      = "webpagetest"
	DefaultRequestList    = "wptpipe:requests"
	DefaultEventChannel   = "wptpipe:events"
)

// Config is the top-level configuration file. The `server:` key in the same
// file belongs to the collector and is ignored here.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// WebPageTest configures the remote testing service.
	WebPageTest WebPageTestConfig `yaml:"webpagetest"`

	// URLs is the list of pages tested each cycle.
	URLs []URLConfig `yaml:"urls"`

	// Interval is the delay between test cycles. Zero runs a single cycle.
	Interval time.Duration `yaml:"interval"`

	// MaxConcurrency bounds the number of tests in flight at once.
	MaxConcurrency int `yaml:"max_concurrency"`

	// Namespace prefixes outbound event types ("<namespace>.run").
	Namespace string `yaml:"namespace"`

	// LogLevel is one of debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// ServerEndpoint is the gRPC address of wptpipe-server (host:port).
	// Empty disables shipping.
	ServerEndpoint string `yaml:"server_endpoint"`

	// BufferSize is the number of events held while the server is unreachable.
	BufferSize int `yaml:"buffer_size"`

	// ServerAuth configures how the agent authenticates to wptpipe-server.
	ServerAuth AuthConfig `yaml:"server_auth"`

	// Shipper controls what is shipped to the server.
	Shipper ShipperConfig `yaml:"shipper"`

	// Redis enables the Redis request list and event channel when Addr is set.
	Redis RedisConfig `yaml:"redis"`

	// MetricsPort serves Prometheus /metrics when non-zero.
	MetricsPort int `yaml:"metrics_port"`

	// Output configures files written after each summary.
	Output OutputConfig `yaml:"output"`
}

// WebPageTestConfig describes the remote testing service and run options.
type WebPageTestConfig struct {
	// Host is the WebPageTest base URL; scheme defaults to https.
	Host string `yaml:"host"`

	// Key is the literal API key. KeyEnv takes precedence when set.
	Key string `yaml:"key"`

	// KeyEnv is the name of the environment variable that holds the API key.
	KeyEnv string `yaml:"key_env"`

	// Location is the test agent location, e.g. "Dulles:Chrome".
	Location string `yaml:"location"`

	// Connectivity is the simulated network profile, e.g. "Cable" or "3G".
	Connectivity string `yaml:"connectivity"`

	Runs          int           `yaml:"runs"`
	FirstViewOnly bool          `yaml:"first_view_only"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// APIKey returns the WebPageTest key, preferring KeyEnv over Key.
func (w WebPageTestConfig) APIKey() string {
	if w.KeyEnv != "" {
		if v := os.Getenv(w.KeyEnv); v != "" {
			return v
		}
	}
	return w.Key
}

// URLConfig is one page to test.
type URLConfig struct {
	URL string `yaml:"url"`

	// Group defaults to the URL's hostname.
	Group string `yaml:"group"`
}

// AuthConfig specifies how the agent authenticates to the server.
type AuthConfig struct {
	// Mode is one of: apikey | mtls | none.
	Mode string `yaml:"mode"`

	// Header is the gRPC metadata key the API key is sent in.
	Header string `yaml:"header"`

	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// mTLS fields (mode: mtls).
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// ShipperConfig controls the event shipper.
type ShipperConfig struct {
	// Filter ships page summaries reduced to the registered significant fields.
	Filter bool `yaml:"filter"`
}

// RedisConfig configures the Redis request source and event publisher.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	PasswordEnv  string `yaml:"password_env"`
	DB           int    `yaml:"db"`
	RequestList  string `yaml:"request_list"`
	EventChannel string `yaml:"event_channel"`
}

// Password returns the Redis password resolved from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// OutputConfig names files refreshed after every summary.
type OutputConfig struct {
	// Textfile receives the aggregate in Prometheus text exposition format.
	Textfile string `yaml:"textfile"`

	// JSON receives the aggregate snapshot as JSON.
	JSON string `yaml:"json"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyGroupDefaults(cfg)
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			WebPageTest: WebPageTestConfig{
				Runs:         DefaultRuns,
				PollInterval: DefaultPollInterval,
				Timeout:      DefaultTestTimeout,
			},
			MaxConcurrency: DefaultMaxConcurrency,
			Namespace:      DefaultNamespace,
			LogLevel:       "info",
			BufferSize:     DefaultBufferSize,
			Shipper:        ShipperConfig{Filter: true},
			Redis: RedisConfig{
				RequestList:  DefaultRequestList,
				EventChannel: DefaultEventChannel,
			},
		},
	}
}

// hostRegex splits an optional scheme from the authority of a host setting.
var hostRegex = regexp.MustCompile(`(?i)^(https?://)?([^/]*)`)

// IsPublicHost reports whether host points at the public WebPageTest server.
func IsPublicHost(host string) bool {
	m := hostRegex.FindStringSubmatch(strings.TrimSpace(host))
	return m != nil && strings.EqualFold(m[2], PublicHost)
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := &cfg.Agent
	wpt := a.WebPageTest
	if strings.TrimSpace(wpt.Host) == "" {
		return fmt.Errorf("%w: agent.webpagetest.host is required", ErrConfiguration)
	}
	if wpt.APIKey() == "" && IsPublicHost(wpt.Host) {
		return fmt.Errorf("%w: agent.webpagetest.key needs to be specified when using the public WebPageTest server", ErrConfiguration)
	}
	if wpt.Runs <= 0 {
		return fmt.Errorf("%w: agent.webpagetest.runs must be positive", ErrConfiguration)
	}
	if wpt.PollInterval <= 0 {
		return fmt.Errorf("%w: agent.webpagetest.poll_interval must be positive", ErrConfiguration)
	}
	if wpt.Timeout <= 0 {
		return fmt.Errorf("%w: agent.webpagetest.timeout must be positive", ErrConfiguration)
	}
	if a.Interval < 0 {
		return fmt.Errorf("%w: agent.interval must not be negative", ErrConfiguration)
	}
	if a.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: agent.max_concurrency must be positive", ErrConfiguration)
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("%w: agent.buffer_size must be positive", ErrConfiguration)
	}
	if a.Namespace == "" {
		return fmt.Errorf("%w: agent.namespace must not be empty", ErrConfiguration)
	}
	if _, err := ParseLevel(a.LogLevel); err != nil {
		return fmt.Errorf("%w: agent.log_level: %v", ErrConfiguration, err)
	}
	switch a.ServerAuth.Mode {
	case "apikey", "none", "":
	case "mtls":
		if a.ServerAuth.CertFile == "" || a.ServerAuth.KeyFile == "" {
			return fmt.Errorf("%w: agent.server_auth: mtls mode requires cert_file and key_file", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: agent.server_auth.mode %q unknown: want apikey|mtls|none", ErrConfiguration, a.ServerAuth.Mode)
	}
	if a.MetricsPort < 0 || a.MetricsPort > 65535 {
		return fmt.Errorf("%w: agent.metrics_port %d is out of range", ErrConfiguration, a.MetricsPort)
	}
	for i, u := range a.URLs {
		if strings.TrimSpace(u.URL) == "" {
			return fmt.Errorf("%w: urls[%d]: url is required", ErrConfiguration, i)
		}
		if _, err := url.Parse(u.URL); err != nil {
			return fmt.Errorf("%w: urls[%d]: %v", ErrConfiguration, i, err)
		}
	}
	return nil
}

// applyGroupDefaults fills empty groups with the URL's hostname.
func applyGroupDefaults(cfg *Config) {
	for i := range cfg.Agent.URLs {
		u := &cfg.Agent.URLs[i]
		if u.Group != "" {
			continue
		}
		u.Group = DefaultGroup(u.URL)
	}
}

// DefaultGroup returns the hostname of rawURL, or rawURL itself when it
// has no parseable host.
func DefaultGroup(rawURL string) string {
	if p, err := url.Parse(rawURL); err == nil && p.Hostname() != "" {
		return p.Hostname()
	}
	return rawURL
}

// ParseLevel maps a log_level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}
