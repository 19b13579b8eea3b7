package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "COMPLIANCE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultLogLevel             = "info"
	defaultStoreDriver          = DriverSQLite
	defaultStoreDatabase        = "compliance"
	defaultSQLitePath           = "compliance.db"
	defaultConnectTimeoutSecond = 10
	defaultReadTimeoutSecond    = 60
	defaultCouchConnectSecond   = 10
	defaultCouchResponseSecond  = 30
	defaultCookieName           = "app_session"
	defaultIssuer               = "mprlab-auth"
	defaultAdminRole            = "admin"
)

// Store drivers.
const (
	DriverSQLite  = "sqlite"
	DriverCouchDB = "couchdb"
)

// AppConfig captures runtime configuration for the attachment service.
type AppConfig struct {
	HTTPAddress    string
	LogLevel       string
	AllowedOrigins []string

	StoreDriver   string
	StoreDatabase string
	SQLitePath    string

	CouchDBURL      string
	CouchDBUsername string
	CouchDBPassword string
	// CouchDB timeouts bound connecting and waiting for response headers;
	// attachment bodies stream for as long as the request lives.
	CouchDBConnectTimeout  time.Duration
	CouchDBResponseTimeout time.Duration

	RemoteConnectTimeout time.Duration
	RemoteReadTimeout    time.Duration

	AuthSigningKey string
	AuthIssuer     string
	AuthCookieName string
	AuthAdminRole  string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.database", defaultStoreDatabase)
	configViper.SetDefault("sqlite.path", defaultSQLitePath)
	configViper.SetDefault("couchdb.connect_timeout_seconds", defaultCouchConnectSecond)
	configViper.SetDefault("couchdb.response_timeout_seconds", defaultCouchResponseSecond)
	configViper.SetDefault("remote.connect_timeout_seconds", defaultConnectTimeoutSecond)
	configViper.SetDefault("remote.read_timeout_seconds", defaultReadTimeoutSecond)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.admin_role", defaultAdminRole)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := LoadStore(configViper)
	cfg.HTTPAddress = configViper.GetString("http.address")
	cfg.LogLevel = configViper.GetString("log.level")
	cfg.AllowedOrigins = configViper.GetStringSlice("http.allowed_origins")
	cfg.RemoteConnectTimeout = time.Duration(configViper.GetInt("remote.connect_timeout_seconds")) * time.Second
	cfg.RemoteReadTimeout = time.Duration(configViper.GetInt("remote.read_timeout_seconds")) * time.Second
	cfg.AuthSigningKey = configViper.GetString("auth.signing_secret")
	cfg.AuthIssuer = configViper.GetString("auth.issuer")
	cfg.AuthCookieName = configViper.GetString("auth.cookie_name")
	cfg.AuthAdminRole = configViper.GetString("auth.admin_role")

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadStore parses only the store settings, for commands that do not serve
// HTTP.
func LoadStore(configViper *viper.Viper) AppConfig {
	return AppConfig{
		LogLevel:        configViper.GetString("log.level"),
		StoreDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		StoreDatabase:   configViper.GetString("store.database"),
		SQLitePath:      configViper.GetString("sqlite.path"),
		CouchDBURL:      configViper.GetString("couchdb.url"),
		CouchDBUsername: configViper.GetString("couchdb.username"),
		CouchDBPassword: configViper.GetString("couchdb.password"),

		CouchDBConnectTimeout:  time.Duration(configViper.GetInt("couchdb.connect_timeout_seconds")) * time.Second,
		CouchDBResponseTimeout: time.Duration(configViper.GetInt("couchdb.response_timeout_seconds")) * time.Second,
	}
}

// ValidateStore checks the store settings.
func (c AppConfig) ValidateStore() error {
	if strings.TrimSpace(c.StoreDatabase) == "" {
		return fmt.Errorf("store.database is required")
	}
	switch c.StoreDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case DriverCouchDB:
		parsed, err := url.Parse(c.CouchDBURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("couchdb.url must be an absolute url")
		}
		if c.CouchDBConnectTimeout <= 0 || c.CouchDBResponseTimeout <= 0 {
			return fmt.Errorf("couchdb timeouts must be positive")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverCouchDB, c.StoreDriver)
	}
	return nil
}

func (c AppConfig) validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.RemoteConnectTimeout <= 0 || c.RemoteReadTimeout <= 0 {
		return fmt.Errorf("remote timeouts must be positive")
	}
	return nil
}
