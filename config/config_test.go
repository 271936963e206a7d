package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "okgate:\n  name: okgate\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Exchange.Timeout != 25*time.Second {
		t.Fatalf("timeout default = %s", cfg.Exchange.Timeout)
	}
	if cfg.Exchange.RetryMin != 10*time.Second || cfg.Exchange.RetryMax != 900*time.Second {
		t.Fatalf("retry defaults = %s..%s", cfg.Exchange.RetryMin, cfg.Exchange.RetryMax)
	}
	if cfg.Listen.Channel != "trade-ws" || cfg.Listen.InfoKey != "trade-ws/info" {
		t.Fatalf("listen defaults = %+v", cfg.Listen)
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("OKGATE_TEST_SECRET", "s3cret")
	path := writeConfig(t, `
servers:
  - name: private
    api_key: key
    secret: ${OKGATE_TEST_SECRET}
    password: pass
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Secret != "s3cret" {
		t.Fatalf("env not expanded: %+v", cfg.Servers)
	}
}

func TestLoadConfigDuplicateServer(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: a
  - name: a
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected duplicate server name error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
