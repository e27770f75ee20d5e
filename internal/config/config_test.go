package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/lockwarden/internal/config"
)

const sampleYAML = `
db_path: /var/lib/lockwarden/strikes.db
http_addr: ":8081"
schedule: "30 6 * * *"
cleanup_schedule: "0 1 * * 0"
monitoring:
  monitored_units: ["1001", "1002"]
  whitelist_locations: ["77"]
strikes:
  cooldown_hours: 24
  terminal_policy: notify
cloud:
  email: ops@example.org
  password: from-file
  timeout: 10s
directory:
  path: /srv/users.xlsx
  worksheets: [Mitarbeiter, Studierende]
  columns:
    supervisor: A
    gender: B
    first_name: D
    last_name: E
    card_uid: K
mail:
  host: smtp.example.org
  from: noreply@example.org
  password: smtp-secret
retry:
  base_delay: 250ms
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

// ═══════════════════════════════════════════════════════════════════════════
// Load
// ═══════════════════════════════════════════════════════════════════════════

func TestLoad_DefaultsWithoutFiles(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("", "")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
	require.Equal(t, 48, cfg.Monitoring.ViolationHours)
	require.Equal(t, 48, cfg.Strikes.CooldownHours)
	require.Equal(t, 90, cfg.Strikes.CleanupDays)
	require.Equal(t, "silent", cfg.Strikes.TerminalPolicy)
	require.Equal(t, "0 0 * * *", cfg.Schedule)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "custom.yaml", sampleYAML)

	cfg, err := config.Load(path, "")
	require.NoError(t, err)

	require.Equal(t, "/var/lib/lockwarden/strikes.db", cfg.DBPath)
	require.Equal(t, []string{"1001", "1002"}, cfg.Monitoring.MonitoredUnits)
	require.Equal(t, 48, cfg.Monitoring.ViolationHours, "unset keys keep defaults")
	require.Equal(t, 24, cfg.Strikes.CooldownHours)
	require.Equal(t, 10*time.Second, cfg.Cloud.Timeout)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, "K", cfg.Directory.Columns.CardUID)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "custom.yaml", sampleYAML)
	envPath := writeFile(t, dir, "secrets.env", "LOCKWARDEN_CLOUD_PASSWORD=from-dotenv\nLOCKWARDEN_SMTP_PORT=2525\n")
	t.Cleanup(func() { _ = os.Unsetenv("LOCKWARDEN_CLOUD_PASSWORD") })

	t.Setenv("LOCKWARDEN_MONITORED_UNITS", " 9, 8 ,")
	t.Setenv("LOCKWARDEN_MAIL_TEST_MODE", "true")
	t.Setenv("LOCKWARDEN_MAIL_TEST_RECIPIENT", "qa@example.org")
	t.Setenv("LOCKWARDEN_SMTP_PORT", "465")

	cfg, err := config.Load(path, envPath)
	require.NoError(t, err)

	require.Equal(t, []string{"9", "8"}, cfg.Monitoring.MonitoredUnits)
	require.Equal(t, "from-dotenv", cfg.Cloud.Password)
	require.Equal(t, 465, cfg.Mail.Port, "real environment wins over the dotenv file")
	require.True(t, cfg.Mail.TestMode)
	require.Equal(t, "qa@example.org", cfg.Mail.TestRecipient)
}

func TestLoad_ExplicitMissingEnvFileFails(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := config.Load("", "nope.env")
	require.Error(t, err)
}

func TestLoad_ExampleConfigIsValid(t *testing.T) {
	example, err := filepath.Abs(filepath.Join("..", "..", "lockwarden.example.yaml"))
	require.NoError(t, err)

	t.Chdir(t.TempDir())
	t.Setenv("LOCKWARDEN_CLOUD_PASSWORD", "secret")

	cfg, err := config.Load(example, "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, []string{"Mitarbeitende", "Gäste"}, cfg.Directory.Worksheets)
	require.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
}

// ═══════════════════════════════════════════════════════════════════════════
// Validate
// ═══════════════════════════════════════════════════════════════════════════

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule = "whenever"
	cfg.Strikes.TerminalPolicy = "explode"
	cfg.Retry.MaxAttempts = 0

	err := cfg.Validate()
	require.ErrorIs(t, err, config.ErrInvalid)

	msg := err.Error()
	for _, want := range []string{
		"schedule", "monitored_units", "terminal_policy", "cloud.email",
		"directory.path", "directory.worksheets", "directory.columns", "mail.host", "max_attempts",
	} {
		require.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestValidate_TestModeNeedsRecipient(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, err := config.Load(writeFile(t, dir, "c.yaml", sampleYAML), "")
	require.NoError(t, err)

	cfg.Mail.TestMode = true
	require.ErrorContains(t, cfg.Validate(), "test_recipient")
}

// ═══════════════════════════════════════════════════════════════════════════
// Summary
// ═══════════════════════════════════════════════════════════════════════════

func TestSummary_RedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, err := config.Load(writeFile(t, dir, "c.yaml", sampleYAML), "")
	require.NoError(t, err)

	out, err := cfg.Summary()
	require.NoError(t, err)
	require.NotContains(t, out, "from-file")
	require.NotContains(t, out, "smtp-secret")
	require.Contains(t, out, "********")
	require.Contains(t, out, "smtp.example.org")

	require.Equal(t, "from-file", cfg.Cloud.Password, "Redacted must not modify the receiver")
}
