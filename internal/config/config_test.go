// ABOUTME: Tests for configuration loading, env expansion and defaults
// ABOUTME: Uses temp files so no fixture directory is needed

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  http_addr: ":8080"
database:
  path: "/tmp/meter-gateway.db"
auth:
  jwt_secret: "test-secret"
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "/tmp/meter-gateway.db" {
		t.Errorf("unexpected database path %q", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("unexpected jwt secret %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("expected 24h token TTL, got %v", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.RotationGrace != 24*time.Hour {
		t.Errorf("expected 24h rotation grace, got %v", cfg.Auth.RotationGrace)
	}
	if cfg.Auth.BcryptCost != bcrypt.DefaultCost {
		t.Errorf("expected default bcrypt cost, got %d", cfg.Auth.BcryptCost)
	}
	if cfg.Limits.Window != time.Minute {
		t.Errorf("expected 1m limiter window, got %v", cfg.Limits.Window)
	}
	if cfg.Limits.Auth != 10 || cfg.Limits.Agent != 120 || cfg.Limits.Ping != 600 {
		t.Errorf("unexpected default ceilings %d/%d/%d", cfg.Limits.Auth, cfg.Limits.Agent, cfg.Limits.Ping)
	}
	if cfg.Diagnostics.CoolDown != 60*time.Second {
		t.Errorf("expected 60s cool-down, got %v", cfg.Diagnostics.CoolDown)
	}
	if cfg.Diagnostics.SessionTimeout != 30*time.Second {
		t.Errorf("expected 30s session timeout, got %v", cfg.Diagnostics.SessionTimeout)
	}
	if cfg.Channels.KeepaliveInterval != 30*time.Second {
		t.Errorf("expected 30s keepalive, got %v", cfg.Channels.KeepaliveInterval)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("expected /metrics, got %q", cfg.Metrics.Path)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	content := minimalConfig + `
limits:
  window: 30s
  auth: 5
diagnostics:
  cooldown: 90s
  session_timeout: 45s
channels:
  keepalive_interval: 15s
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Limits.Window != 30*time.Second {
		t.Errorf("expected 30s window, got %v", cfg.Limits.Window)
	}
	if cfg.Limits.Auth != 5 {
		t.Errorf("expected ceiling 5, got %d", cfg.Limits.Auth)
	}
	if cfg.Diagnostics.CoolDown != 90*time.Second {
		t.Errorf("expected 90s cool-down, got %v", cfg.Diagnostics.CoolDown)
	}
	if cfg.Diagnostics.SessionTimeout != 45*time.Second {
		t.Errorf("expected 45s timeout, got %v", cfg.Diagnostics.SessionTimeout)
	}
	if cfg.Channels.KeepaliveInterval != 15*time.Second {
		t.Errorf("expected 15s keepalive, got %v", cfg.Channels.KeepaliveInterval)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	content := minimalConfig + `
diagnostics:
  cooldown: "not-a-duration"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "diagnostics.cooldown") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-env")

	content := `
server:
  http_addr: ":8080"
database:
  path: "/tmp/meter-gateway.db"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("expected env-expanded secret, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadUnsetEnvVarBecomesEmpty(t *testing.T) {
	content := `
server:
  http_addr: ":8080"
database:
  path: "/tmp/meter-gateway.db"
auth:
  jwt_secret: "${DEFINITELY_NOT_SET_12345}"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("expected validation error for empty jwt_secret")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			"missing http_addr",
			"database:\n  path: /tmp/db\nauth:\n  jwt_secret: s\n",
			"server.http_addr",
		},
		{
			"missing database path",
			"server:\n  http_addr: \":8080\"\nauth:\n  jwt_secret: s\n",
			"database.path",
		},
		{
			"missing jwt secret",
			"server:\n  http_addr: \":8080\"\ndatabase:\n  path: /tmp/db\n",
			"auth.jwt_secret",
		},
		{
			"bcrypt cost out of range",
			minimalConfig + "  bcrypt_cost: 99\n",
			"bcrypt_cost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
