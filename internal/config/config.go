package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // mail.timezone must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFilename = "lockwarden.yaml"
	DefaultEnvFilename    = ".env"

	envPrefix = "LOCKWARDEN_"
	redacted  = "********"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	DBPath   string `yaml:"db_path"`
	HTTPAddr string `yaml:"http_addr"` // empty disables the status API
	LogLevel string `yaml:"log_level"`

	Schedule        string `yaml:"schedule"`
	CleanupSchedule string `yaml:"cleanup_schedule"` // empty = sweep with every cycle
	RunOnStart      bool   `yaml:"run_on_start"`

	Monitoring Monitoring `yaml:"monitoring"`
	Strikes    Strikes    `yaml:"strikes"`
	Cloud      Cloud      `yaml:"cloud"`
	Directory  Directory  `yaml:"directory"`
	Mail       Mail       `yaml:"mail"`
	Retry      Retry      `yaml:"retry"`
}

type Monitoring struct {
	MonitoredUnits     []string `yaml:"monitored_units"`
	WhitelistLocations []string `yaml:"whitelist_locations"`
	ViolationHours     int      `yaml:"violation_hours"`
}

type Strikes struct {
	CooldownHours  int    `yaml:"cooldown_hours"`
	CleanupDays    int    `yaml:"cleanup_days"` // 0 = keep forever
	TerminalPolicy string `yaml:"terminal_policy"`
}

type Cloud struct {
	BaseURL           string        `yaml:"base_url"`
	Email             string        `yaml:"email"`
	Password          string        `yaml:"password"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	// RFIDLocations defaults to monitoring.whitelist_locations.
	RFIDLocations []string `yaml:"rfid_locations"`
}

type Directory struct {
	Path        string   `yaml:"path"`
	Worksheets  []string `yaml:"worksheets"`
	Columns     Columns  `yaml:"columns"`
	GuestMarker string   `yaml:"guest_marker"`
	EmailDomain string   `yaml:"email_domain"`
}

type Columns struct {
	Supervisor      string `yaml:"supervisor"`
	Gender          string `yaml:"gender"`
	FirstName       string `yaml:"first_name"`
	LastName        string `yaml:"last_name"`
	CardUID         string `yaml:"card_uid"`
	Email           string `yaml:"email"`
	SupervisorEmail string `yaml:"supervisor_email"`
}

type Mail struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TLS      string        `yaml:"tls"` // starttls | ssl | none
	Timeout  time.Duration `yaml:"timeout"`

	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`

	TestMode             bool   `yaml:"test_mode"`
	TestRecipient        string `yaml:"test_recipient"`
	UnknownCardRecipient string `yaml:"unknown_card_recipient"`

	TemplateDir string `yaml:"template_dir"` // empty = built-in templates
	Timezone    string `yaml:"timezone"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Default returns the configuration used for every field a file or the
// environment leaves unset.
func Default() Config {
	return Config{
		DBPath:   "./data/lockwarden.db",
		HTTPAddr: "",
		LogLevel: "info",
		Schedule: "0 0 * * *",
		Monitoring: Monitoring{
			ViolationHours: 48,
		},
		Strikes: Strikes{
			CooldownHours:  48,
			CleanupDays:    90,
			TerminalPolicy: "silent",
		},
		Cloud: Cloud{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Directory: Directory{
			GuestMarker: "Gästekarte",
		},
		Mail: Mail{
			Port:     587,
			TLS:      "starttls",
			Timeout:  30 * time.Second,
			FromName: "lockwarden",
			Timezone: "Europe/Berlin",
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path, the
// dotenv file at envPath and finally LOCKWARDEN_* environment variables.
// A missing file is only an error when its path was given explicitly.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}
	contents, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(contents, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	envExplicit := envPath != ""
	if !envExplicit {
		envPath = DefaultEnvFilename
	}
	if err := godotenv.Load(envPath); err != nil && (envExplicit || !errors.Is(err, os.ErrNotExist)) {
		return Config{}, fmt.Errorf("load %s: %w", envPath, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides fields from the environment. Secrets are expected here.
func applyEnv(c *Config) {
	c.DBPath = getenvDefault(envPrefix+"DB_PATH", c.DBPath)
	c.HTTPAddr = getenvDefault(envPrefix+"HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getenvDefault(envPrefix+"LOG_LEVEL", c.LogLevel)
	c.Schedule = getenvDefault(envPrefix+"SCHEDULE", c.Schedule)
	c.CleanupSchedule = getenvDefault(envPrefix+"CLEANUP_SCHEDULE", c.CleanupSchedule)
	c.RunOnStart = getenvBool(envPrefix+"RUN_ON_START", c.RunOnStart)

	c.Monitoring.MonitoredUnits = getenvCSV(envPrefix+"MONITORED_UNITS", c.Monitoring.MonitoredUnits)
	c.Monitoring.WhitelistLocations = getenvCSV(envPrefix+"WHITELIST_LOCATIONS", c.Monitoring.WhitelistLocations)
	c.Monitoring.ViolationHours = getenvInt(envPrefix+"VIOLATION_HOURS", c.Monitoring.ViolationHours)

	c.Strikes.CooldownHours = getenvInt(envPrefix+"COOLDOWN_HOURS", c.Strikes.CooldownHours)
	c.Strikes.CleanupDays = getenvInt(envPrefix+"STRIKE_CLEANUP_DAYS", c.Strikes.CleanupDays)
	c.Strikes.TerminalPolicy = getenvDefault(envPrefix+"TERMINAL_POLICY", c.Strikes.TerminalPolicy)

	c.Cloud.BaseURL = getenvDefault(envPrefix+"CLOUD_BASE_URL", c.Cloud.BaseURL)
	c.Cloud.Email = getenvDefault(envPrefix+"CLOUD_EMAIL", c.Cloud.Email)
	c.Cloud.Password = getenvDefault(envPrefix+"CLOUD_PASSWORD", c.Cloud.Password)

	c.Directory.Path = getenvDefault(envPrefix+"DIRECTORY_PATH", c.Directory.Path)

	c.Mail.Host = getenvDefault(envPrefix+"SMTP_HOST", c.Mail.Host)
	c.Mail.Port = getenvInt(envPrefix+"SMTP_PORT", c.Mail.Port)
	c.Mail.Username = getenvDefault(envPrefix+"SMTP_USERNAME", c.Mail.Username)
	c.Mail.Password = getenvDefault(envPrefix+"SMTP_PASSWORD", c.Mail.Password)
	c.Mail.From = getenvDefault(envPrefix+"MAIL_FROM", c.Mail.From)
	c.Mail.TestMode = getenvBool(envPrefix+"MAIL_TEST_MODE", c.Mail.TestMode)
	c.Mail.TestRecipient = getenvDefault(envPrefix+"MAIL_TEST_RECIPIENT", c.Mail.TestRecipient)
}

// Validate checks everything a full run needs. All problems are reported
// at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.DBPath) == "" {
		add("db_path is required")
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		add("schedule %q: %w", c.Schedule, err)
	}
	if c.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
			add("cleanup_schedule %q: %w", c.CleanupSchedule, err)
		}
	}

	if len(c.Monitoring.MonitoredUnits) == 0 {
		add("monitoring.monitored_units must list at least one unit")
	}
	if c.Monitoring.ViolationHours <= 0 {
		add("monitoring.violation_hours must be positive")
	}

	if c.Strikes.CooldownHours <= 0 {
		add("strikes.cooldown_hours must be positive")
	}
	if c.Strikes.CleanupDays < 0 {
		add("strikes.cleanup_days must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Strikes.TerminalPolicy)) {
	case "", "silent", "notify", "revoke":
	default:
		add("strikes.terminal_policy %q: want silent, notify or revoke", c.Strikes.TerminalPolicy)
	}

	if c.Cloud.Email == "" || c.Cloud.Password == "" {
		add("cloud.email and cloud.password are required")
	}

	if c.Directory.Path == "" {
		add("directory.path is required")
	}
	if len(c.Directory.Worksheets) == 0 {
		add("directory.worksheets must list at least one worksheet")
	}
	cols := c.Directory.Columns
	if cols.Supervisor == "" || cols.Gender == "" || cols.FirstName == "" || cols.LastName == "" || cols.CardUID == "" {
		add("directory.columns: supervisor, gender, first_name, last_name and card_uid are required")
	}

	if c.Mail.Host == "" {
		add("mail.host is required")
	}
	if c.Mail.From == "" && c.Mail.Username == "" {
		add("mail.from or mail.username is required")
	}
	if c.Mail.TestMode && c.Mail.TestRecipient == "" {
		add("mail.test_recipient is required in test mode")
	}
	if c.Mail.Timezone != "" {
		if _, err := time.LoadLocation(c.Mail.Timezone); err != nil {
			add("mail.timezone: %w", err)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Redacted returns a copy with every secret masked.
func (c Config) Redacted() Config {
	if c.Cloud.Password != "" {
		c.Cloud.Password = redacted
	}
	if c.Mail.Password != "" {
		c.Mail.Password = redacted
	}
	return c
}

// Summary renders the redacted configuration as YAML.
func (c Config) Summary() (string, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvCSV(key string, def []string) []string {
	if v := splitCSV(os.Getenv(key)); v != nil {
		return v
	}
	return def
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
