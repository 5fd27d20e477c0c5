package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if !cfg.Safety.SafeMode {
		t.Error("safe_mode should default to true")
	}
	if cfg.Safety.QueryTimeout != 300 {
		t.Errorf("query_timeout = %d, want 300", cfg.Safety.QueryTimeout)
	}
	if cfg.Safety.MaxQueryResults != 10000 {
		t.Errorf("max_query_results = %d, want 10000", cfg.Safety.MaxQueryResults)
	}
	if !cfg.Audit.MandatoryAdministrative {
		t.Error("mandatory_administrative should default to true")
	}
	if cfg.Auth.CacheTTL != 30*time.Second {
		t.Errorf("cache_ttl = %v, want 30s", cfg.Auth.CacheTTL)
	}
}

func TestLoad_FileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8443
safety:
  safe_mode: false
  query_timeout: 600
  max_query_results: 500
rules:
  path: /etc/icebreaker/rules.yaml
  enabled_capabilities: [run_query, suspend_warehouse]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:8443" {
		t.Errorf("addr = %s", cfg.Server.Addr())
	}
	if cfg.Safety.SafeMode {
		t.Error("safe_mode should be false")
	}
	if cfg.Safety.QueryTimeout != 600 {
		t.Errorf("query_timeout = %d", cfg.Safety.QueryTimeout)
	}
	set := cfg.EnabledCapabilitySet()
	if len(set) != 2 || !set["run_query"] || !set["suspend_warehouse"] {
		t.Errorf("enabled set = %v", set)
	}
}

func TestLoad_CeilingOutOfRange(t *testing.T) {
	tests := []string{
		"safety:\n  query_timeout: 0\n",
		"safety:\n  query_timeout: 3601\n",
		"safety:\n  max_query_results: 0\n",
		"safety:\n  max_query_results: 100001\n",
	}
	for _, content := range tests {
		_, err := Load(writeConfig(t, content))
		if err == nil {
			t.Errorf("config %q: expected validation error", strings.TrimSpace(content))
		}
	}
}

func TestLoad_MissingFileIsFatalWhenNamed(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for explicitly named missing file")
	}
}

func TestEnabledCapabilitySet_EmptyMeansAll(t *testing.T) {
	cfg := &Config{}
	if cfg.EnabledCapabilitySet() != nil {
		t.Error("empty enabled list should return nil map")
	}
}
