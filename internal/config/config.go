// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Identity() IdentityConfig
	Site() SiteConfig
	Timeouts() TimeoutsConfig
	Session() SessionConfig
	Humanoid() HumanoidConfig
	Server() ServerConfig
	Accounts() []AccountConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	IdentityCfg IdentityConfig  `mapstructure:"identity" yaml:"identity"`
	SiteCfg     SiteConfig      `mapstructure:"site" yaml:"site"`
	TimeoutsCfg TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	SessionCfg  SessionConfig   `mapstructure:"session" yaml:"session"`
	HumanoidCfg HumanoidConfig  `mapstructure:"humanoid" yaml:"humanoid"`
	ServerCfg   ServerConfig    `mapstructure:"server" yaml:"server"`
	AccountsCfg []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig      { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig    { return c.BrowserCfg }
func (c *Config) Identity() IdentityConfig  { return c.IdentityCfg }
func (c *Config) Site() SiteConfig          { return c.SiteCfg }
func (c *Config) Timeouts() TimeoutsConfig  { return c.TimeoutsCfg }
func (c *Config) Session() SessionConfig    { return c.SessionCfg }
func (c *Config) Humanoid() HumanoidConfig  { return c.HumanoidCfg }
func (c *Config) Server() ServerConfig      { return c.ServerCfg }
func (c *Config) Accounts() []AccountConfig { return c.AccountsCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls how the external browser process is launched.
type BrowserConfig struct {
	ExecPath    string        `mapstructure:"exec_path" yaml:"exec_path"`
	DebugPort   int           `mapstructure:"debug_port" yaml:"debug_port"`
	ProfileRoot string        `mapstructure:"profile_root" yaml:"profile_root"`
	UseXvfb     bool          `mapstructure:"use_xvfb" yaml:"use_xvfb"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	WindowSize  string        `mapstructure:"window_size" yaml:"window_size"`
	Args        []string      `mapstructure:"args" yaml:"args"`
	Stealth     bool          `mapstructure:"stealth" yaml:"stealth"`
}

// IdentityConfig carries the OpenID Connect authorization parameters the
// browser is launched with. The provider rejects any deviation.
type IdentityConfig struct {
	AuthorizeURL string   `mapstructure:"authorize_url" yaml:"authorize_url"`
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ResponseType string   `mapstructure:"response_type" yaml:"response_type"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
	RedirectURI  string   `mapstructure:"redirect_uri" yaml:"redirect_uri"`
	ResponseMode string   `mapstructure:"response_mode" yaml:"response_mode"`
	UILocale     string   `mapstructure:"ui_locale" yaml:"ui_locale"`
	Country      string   `mapstructure:"country" yaml:"country"`
	Source       string   `mapstructure:"registration_source" yaml:"registration_source"`
}

// SelectorsConfig lists the CSS selectors of the login and verification forms.
type SelectorsConfig struct {
	Identifier string `mapstructure:"identifier" yaml:"identifier"`
	Secret     string `mapstructure:"secret" yaml:"secret"`
	Submit     string `mapstructure:"submit" yaml:"submit"`
	Code       string `mapstructure:"code" yaml:"code"`
}

// SiteConfig describes the target shop.
type SiteConfig struct {
	BaseURL          string          `mapstructure:"base_url" yaml:"base_url"`
	Host             string          `mapstructure:"host" yaml:"host"`
	Name             string          `mapstructure:"name" yaml:"name"`
	IdentityHost     string          `mapstructure:"identity_host" yaml:"identity_host"`
	VerificationPath string          `mapstructure:"verification_path" yaml:"verification_path"`
	Locale           string          `mapstructure:"locale" yaml:"locale"`
	Currency         string          `mapstructure:"currency" yaml:"currency"`
	Selectors        SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
}

// TimeoutsConfig holds the hard upper bounds of every wait.
type TimeoutsConfig struct {
	Challenge    time.Duration `mapstructure:"challenge" yaml:"challenge"`
	Navigation   time.Duration `mapstructure:"navigation" yaml:"navigation"`
	Element      time.Duration `mapstructure:"element" yaml:"element"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// CodeVerdict bounds how long a submitted one-time code may sit on the
	// verification surface before it counts as rejected. Zero, or a value
	// above Navigation, means Navigation.
	CodeVerdict time.Duration `mapstructure:"code_verdict" yaml:"code_verdict"`
}

// SessionConfig configures authenticated session lifetime.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AccountConfig is one set of shop credentials.
type AccountConfig struct {
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"-"`
	Label    string `mapstructure:"label" yaml:"label"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pricewatch")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.debug_port", 9222)
	v.SetDefault("browser.profile_root", "~/.cache/pricewatch/profiles")
	v.SetDefault("browser.use_xvfb", false)
	v.SetDefault("browser.settle_delay", "3s")
	v.SetDefault("browser.window_size", "1366,900")
	v.SetDefault("browser.stealth", true)

	// -- Identity provider --
	v.SetDefault("identity.authorize_url", "https://identity.alza.cz/connect/authorize")
	v.SetDefault("identity.client_id", "alza")
	v.SetDefault("identity.response_type", "code id_token")
	v.SetDefault("identity.scopes", []string{"openid", "profile", "alza", "email", "offline_access"})
	v.SetDefault("identity.redirect_uri", "https://www.alza.cz/external/callback")
	v.SetDefault("identity.response_mode", "form_post")
	v.SetDefault("identity.ui_locale", "cs-CZ")
	v.SetDefault("identity.country", "CZ")
	v.SetDefault("identity.registration_source", "CZ")

	// -- Site --
	v.SetDefault("site.base_url", "https://www.alza.cz/")
	v.SetDefault("site.host", "www.alza.cz")
	v.SetDefault("site.name", "Alza.cz")
	v.SetDefault("site.identity_host", "identity.alza.cz")
	v.SetDefault("site.verification_path", "/account/verification")
	v.SetDefault("site.locale", "cs-CZ")
	v.SetDefault("site.currency", "Kč")
	v.SetDefault("site.selectors.identifier", `input[name="userName"]`)
	v.SetDefault("site.selectors.secret", `input[name="password"]`)
	v.SetDefault("site.selectors.submit", `button[type="submit"]`)
	v.SetDefault("site.selectors.code", `input[autocomplete="one-time-code"]`)

	// -- Timeouts --
	v.SetDefault("timeouts.challenge", "120s")
	v.SetDefault("timeouts.navigation", "90s")
	v.SetDefault("timeouts.element", "30s")
	v.SetDefault("timeouts.poll_interval", "2s")
	v.SetDefault("timeouts.code_verdict", "15s")

	// -- Session --
	v.SetDefault("session.ttl", "10m")

	// -- Humanoid --
	setHumanoidDefaults(v)

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.shutdown_timeout", "20s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Passwords are kept out of config files where possible.
	for i, acc := range cfg.AccountsCfg {
		if acc.Password != "" {
			continue
		}
		key := "PRICEWATCH_ACCOUNTS_" + strings.ToUpper(strings.ReplaceAll(acc.Label, "-", "_")) + "_PASSWORD"
		cfg.AccountsCfg[i].Password = os.Getenv(key)
	}

	if cfg.BrowserCfg.ProfileRoot != "" {
		expanded, err := homedir.Expand(cfg.BrowserCfg.ProfileRoot)
		if err != nil {
			return nil, fmt.Errorf("could not resolve profile root '%s': %w", cfg.BrowserCfg.ProfileRoot, err)
		}
		cfg.BrowserCfg.ProfileRoot = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.DebugPort <= 0 || c.BrowserCfg.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port must be a valid TCP port")
	}
	if c.IdentityCfg.AuthorizeURL == "" || c.IdentityCfg.ClientID == "" {
		return fmt.Errorf("identity.authorize_url and identity.client_id are required")
	}
	if c.SiteCfg.Host == "" || c.SiteCfg.VerificationPath == "" {
		return fmt.Errorf("site.host and site.verification_path are required")
	}
	if err := c.TimeoutsCfg.Validate(); err != nil {
		return fmt.Errorf("timeouts configuration invalid: %w", err)
	}
	if c.SessionCfg.TTL <= 0 {
		return fmt.Errorf("session.ttl must be a positive duration")
	}
	if err := c.HumanoidCfg.Validate(); err != nil {
		return fmt.Errorf("humanoid configuration invalid: %w", err)
	}
	return validateAccounts(c.AccountsCfg)
}

// Validate checks the TimeoutsConfig settings.
func (t *TimeoutsConfig) Validate() error {
	if t.Challenge <= 0 || t.Navigation <= 0 || t.Element <= 0 {
		return fmt.Errorf("challenge, navigation and element timeouts must be positive")
	}
	if t.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if t.CodeVerdict < 0 {
		return fmt.Errorf("code_verdict must not be negative")
	}
	return nil
}

func validateAccounts(accounts []AccountConfig) error {
	seenLabels := make(map[string]bool, len(accounts))
	seenEmails := make(map[string]bool, len(accounts))
	var errs []error
	for i, acc := range accounts {
		if acc.Email == "" || acc.Label == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: email and label are required", i))
			continue
		}
		if seenLabels[acc.Label] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate label %q", i, acc.Label))
		}
		if seenEmails[acc.Email] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate email %q", i, acc.Email))
		}
		seenLabels[acc.Label] = true
		seenEmails[acc.Email] = true
	}
	return errors.Join(errs...)
}
