package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	defaultFuzzyThreshold       = 0.8
	defaultFingerprintTolerance = 0.01
	defaultSweepIntervalSec     = 300
	defaultFollowUpDays         = 7
	defaultPlaceholderDomain    = "fake.local"
)

// Reminder modes.
const (
	NotifyOff   = "off"
	NotifyEmail = "email"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Database Database    `yaml:"database"`
	Inbox    InboxConfig `yaml:"inbox,omitempty"`
	Pipeline Pipeline    `yaml:"pipeline,omitempty"`
	CRM      CRM         `yaml:"crm,omitempty"`
	Schedule Schedule    `yaml:"schedule,omitempty"`
	Notify   Notify      `yaml:"notify,omitempty"`
}

type Database struct {
	Path string `yaml:"path"`
}

// InboxConfig holds IMAP settings for the order mailbox
type InboxConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Provider        string   `yaml:"provider"`         // "gmail", "outlook", "imap"
	Server          string   `yaml:"server"`           // e.g., "imap.gmail.com"
	Port            int      `yaml:"port"`             // e.g., 993
	Email           string   `yaml:"email"`            // Mailbox address
	Password        string   `yaml:"password"`         // App password (not main password)
	Folder          string   `yaml:"folder"`           // Folder holding order mail
	FallbackFolder  string   `yaml:"fallback_folder"`  // Used when Folder cannot be selected
	SubjectKeywords []string `yaml:"subject_keywords"` // Any of these in the subject marks an order email
	BodyKeywords    []string `yaml:"body_keywords"`    // Any of these in the body marks an order email
}

// Pipeline holds the matching parameters of ingestion
type Pipeline struct {
	FuzzyThreshold       float64  `yaml:"fuzzy_threshold"`
	FingerprintTolerance float64  `yaml:"fingerprint_tolerance"`
	SyncOnIngest         *bool    `yaml:"sync_on_ingest,omitempty"`
	NameMarkers          []string `yaml:"name_markers,omitempty"`
}

// SyncOnIngestEnabled defaults to true when unset.
func (p Pipeline) SyncOnIngestEnabled() bool {
	return p.SyncOnIngest == nil || *p.SyncOnIngest
}

// CRM holds remote CRM credentials and object mapping
type CRM struct {
	Provider             string  `yaml:"provider"` // "salesforce" or "none"
	LoginURL             string  `yaml:"login_url,omitempty"`
	InstanceURL          string  `yaml:"instance_url,omitempty"`
	APIVersion           string  `yaml:"api_version,omitempty"`
	ClientID             string  `yaml:"client_id,omitempty"`
	ClientSecret         string  `yaml:"client_secret,omitempty"`
	Username             string  `yaml:"username,omitempty"`
	Password             string  `yaml:"password,omitempty"`
	SecurityToken        string  `yaml:"security_token,omitempty"`
	ContactObject        string  `yaml:"contact_object,omitempty"`
	ContactExternalField string  `yaml:"contact_external_field,omitempty"`
	OrderObject          string  `yaml:"order_object,omitempty"`
	OrderExternalField   string  `yaml:"order_external_field,omitempty"`
	PlaceholderDomain    string  `yaml:"placeholder_domain,omitempty"`
	RequestsPerSecond    float64 `yaml:"requests_per_second,omitempty"`
	TimeoutSec           int     `yaml:"timeout_sec,omitempty"`
}

// Enabled reports whether orders are pushed to a remote CRM.
func (c CRM) Enabled() bool {
	return c.Provider != "" && c.Provider != "none"
}

// Schedule holds background intervals for serve. Zero disables a loop.
type Schedule struct {
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	SyncIntervalSec  int `yaml:"sync_interval_sec"`
}

// Notify configures follow-up reminders
type Notify struct {
	Mode              string      `yaml:"mode"` // "off" or "email"
	FollowUpDays      int         `yaml:"follow_up_days"`
	ExcludedCustomers []string    `yaml:"excluded_customers,omitempty"`
	To                string      `yaml:"to,omitempty"`
	Email             EmailConfig `yaml:"email,omitempty"`
}

type EmailConfig struct {
	Provider       string     `yaml:"provider"` // "smtp", "resend", "sendgrid"
	From           string     `yaml:"from"`
	SMTP           SMTPConfig `yaml:"smtp,omitempty"`
	ResendAPIKey   string     `yaml:"resend_api_key,omitempty"`
	SendGridAPIKey string     `yaml:"sendgrid_api_key,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".orderbridge", "config.yaml")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(filepath.Dir(DefaultConfigPath()), "orders.db")
	}

	// Set inbox defaults
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.FallbackFolder == "" && c.Inbox.Folder != "INBOX" {
		c.Inbox.FallbackFolder = "INBOX"
	}
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Port == 0 {
		c.Inbox.Port = 993
	}
	if len(c.Inbox.SubjectKeywords) == 0 {
		c.Inbox.SubjectKeywords = []string{"ringana", "pedido", "order"}
	}
	if len(c.Inbox.BodyKeywords) == 0 {
		c.Inbox.BodyKeywords = []string{"pedido"}
	}

	// Set pipeline defaults
	if c.Pipeline.FuzzyThreshold == 0 {
		c.Pipeline.FuzzyThreshold = defaultFuzzyThreshold
	}
	if c.Pipeline.FingerprintTolerance == 0 {
		c.Pipeline.FingerprintTolerance = defaultFingerprintTolerance
	}

	if c.CRM.Provider == "" {
		c.CRM.Provider = "none"
	}
	if c.CRM.PlaceholderDomain == "" {
		c.CRM.PlaceholderDomain = defaultPlaceholderDomain
	}
	if c.CRM.TimeoutSec == 0 {
		c.CRM.TimeoutSec = 30
	}

	if c.Schedule.SweepIntervalSec == 0 {
		c.Schedule.SweepIntervalSec = defaultSweepIntervalSec
	}

	if c.Notify.Mode == "" {
		c.Notify.Mode = NotifyOff
	}
	if c.Notify.FollowUpDays == 0 {
		c.Notify.FollowUpDays = defaultFollowUpDays
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database: path is required")
	}
	if c.Pipeline.FuzzyThreshold < 0 || c.Pipeline.FuzzyThreshold > 1 {
		return fmt.Errorf("pipeline: fuzzy_threshold must be between 0 and 1, got %v", c.Pipeline.FuzzyThreshold)
	}
	if c.Pipeline.FingerprintTolerance < 0 {
		return fmt.Errorf("pipeline: fingerprint_tolerance must not be negative")
	}
	if c.Schedule.SweepIntervalSec < 0 || c.Schedule.SyncIntervalSec < 0 {
		return fmt.Errorf("schedule: intervals must not be negative")
	}

	switch c.CRM.Provider {
	case "none", "":
	case "salesforce":
		if err := c.ValidateCRM(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("crm: unknown provider %q (supported: salesforce, none)", c.CRM.Provider)
	}

	return c.ValidateNotify()
}

// ValidateInbox validates inbox configuration (only called when the mailbox is swept)
func (c *Config) ValidateInbox() error {
	if !c.Inbox.Enabled {
		return fmt.Errorf("inbox: mailbox sweeping is not enabled in config")
	}
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}

// ValidateCRM validates the remote CRM credentials
func (c *Config) ValidateCRM() error {
	if !c.CRM.Enabled() {
		return fmt.Errorf("crm: no provider configured")
	}
	if c.CRM.Username == "" || c.CRM.Password == "" {
		return fmt.Errorf("crm: username and password are required")
	}
	if c.CRM.ClientID == "" {
		return fmt.Errorf("crm: client_id is required")
	}
	if strings.ContainsAny(c.CRM.PlaceholderDomain, "@ ") {
		return fmt.Errorf("crm: placeholder_domain %q is not a domain", c.CRM.PlaceholderDomain)
	}
	return nil
}

// ValidateNotify validates reminder settings
func (c *Config) ValidateNotify() error {
	switch c.Notify.Mode {
	case NotifyOff, "":
		return nil
	case NotifyEmail:
	default:
		return fmt.Errorf("notify: unknown mode %q (supported: off, email)", c.Notify.Mode)
	}

	if c.Notify.FollowUpDays < 0 {
		return fmt.Errorf("notify: follow_up_days must not be negative")
	}
	if c.Notify.To == "" {
		return fmt.Errorf("notify: to address is required")
	}

	e := c.Notify.Email
	if e.From == "" {
		return fmt.Errorf("notify.email: from address is required")
	}
	switch e.Provider {
	case "smtp":
		if e.SMTP.Host == "" {
			return fmt.Errorf("notify.email.smtp: host is required")
		}
		if e.SMTP.Port == 0 {
			return fmt.Errorf("notify.email.smtp: port is required")
		}
	case "resend":
		if e.ResendAPIKey == "" {
			return fmt.Errorf("notify.email: resend_api_key is required")
		}
	case "sendgrid":
		if e.SendGridAPIKey == "" {
			return fmt.Errorf("notify.email: sendgrid_api_key is required")
		}
	default:
		return fmt.Errorf("notify.email: unknown provider %q", e.Provider)
	}
	return nil
}

// Holder shares the current configuration. Reload replaces it only when the file
// on disk parses and validates.
type Holder struct {
	path string
	mu   sync.RWMutex
	cfg  *Config
}

func NewHolder(path string, cfg *Config) *Holder {
	return &Holder{path: path, cfg: cfg}
}

func (h *Holder) Path() string { return h.path }

func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return cfg, nil
}
