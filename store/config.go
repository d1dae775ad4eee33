package store

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	env "github.com/Netflix/go-env"
)

const (
	defaultHTTPTimeout        = 60 * time.Second
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultHTTPTLSTimeout     = 5 * time.Second
)

// Config holds connection settings for a Client.
type Config struct {
	// Endpoint is the base URL of the store, e.g. "http://localhost:5984".
	// Default: "http://localhost:5984"
	Endpoint string `env:"WICKER_ENDPOINT"`

	// Database is the database name appended to the endpoint.
	Database string `env:"WICKER_DATABASE"`

	// Username and Password enable basic authentication when both are set.
	Username string `env:"WICKER_USERNAME"`
	Password string `env:"WICKER_PASSWORD"`

	// Token enables bearer authentication. Takes precedence over
	// Username/Password when set.
	Token string `env:"WICKER_TOKEN"`

	// HTTPClient handles unary requests. When nil a client with dial,
	// TLS handshake and overall timeouts is built.
	HTTPClient *http.Client

	// StreamClient handles the change feed. When nil a client with dial and
	// TLS handshake timeouts but no overall timeout is built, since feed
	// connections are held open indefinitely.
	StreamClient *http.Client

	// Logger receives operational logging. Default: slog.Default().
	Logger *slog.Logger

	// Metrics records operation counters when non-nil. See NewMetrics.
	Metrics *Metrics
}

// DefaultConfig returns settings for a local development store.
func DefaultConfig() Config {
	return Config{
		Endpoint: "http://localhost:5984",
		Database: "wicker",
	}
}

// ConfigFromEnv reads connection settings from WICKER_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate normalizes defaults and checks that the endpoint is usable.
func (c *Config) validate() error {
	if c.Endpoint == "" {
		c.Endpoint = "http://localhost:5984"
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return validationf("endpoint %q: %v", c.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validationf("endpoint %q: scheme must be http or https", c.Endpoint)
	}
	if c.Database == "" {
		return validationf("database name is required")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = defaultClient()
	}
	if c.StreamClient == nil {
		c.StreamClient = defaultStreamClient()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// authenticator resolves the configured credentials, or nil when anonymous.
func (c *Config) authenticator() Authenticator {
	if c.Token != "" {
		return BearerAuth{Token: c.Token}
	}
	if c.Username != "" || c.Password != "" {
		return BasicAuth{Username: c.Username, Password: c.Password}
	}
	return nil
}

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHTTPConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHTTPTimeout,
	}
}

func defaultStreamClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHTTPConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	// No overall timeout: the feed connection stays open for the
	// subscription's lifetime.
	return &http.Client{
		Transport: transport,
	}
}
