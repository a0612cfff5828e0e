package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nanny.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDecodesChildrenIntoSpecs(t *testing.T) {
	path := writeConfig(t, `
log_dir: logs
http:
  listen: ":9090"
  base_path: /nanny
children:
  - instance: web
    start_cmd: "./serve"
    stop_cmd: "./serve -stop"
    health_cmd: "./healthcheck"
    restartable: true
    env:
      - "FOO=bar"
    periodic:
      - "1h echo tick"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(cfg.Specs))
	}
	sp := cfg.Specs[0]
	if sp.Instance != "web" || sp.StartCmd != "./serve" || !sp.Restartable {
		t.Fatalf("unexpected decoded spec: %+v", sp)
	}
	if len(sp.Periodic) != 1 || sp.Periodic[0] != "1h echo tick" {
		t.Fatalf("unexpected periodic specs: %+v", sp.Periodic)
	}
	if cfg.HTTP.Listen != ":9090" || cfg.HTTP.BasePath != "/nanny" {
		t.Fatalf("unexpected http config: %+v", cfg.HTTP)
	}
	wantLogDir := filepath.Join(filepath.Dir(path), "logs")
	if sp.LogDir != wantLogDir {
		t.Fatalf("expected log dir %q, got %q", wantLogDir, sp.LogDir)
	}
}

func TestLoadRejectsChildWithoutStartCmd(t *testing.T) {
	path := writeConfig(t, `
children:
  - instance: broken
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing start_cmd")
	}
}

func TestLoadFillsMulticastDefaults(t *testing.T) {
	path := writeConfig(t, `
children:
  - start_cmd: "./serve"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Multicast.Addr == "" || cfg.Multicast.Port == 0 {
		t.Fatalf("expected multicast defaults filled, got %+v", cfg.Multicast)
	}
}

func TestLoadPerChildLogDirOverridesGlobal(t *testing.T) {
	path := writeConfig(t, `
log_dir: logs
children:
  - start_cmd: "./serve"
    log_dir: /var/log/web
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Specs[0].LogDir != "/var/log/web" {
		t.Fatalf("expected per-child log dir to win, got %q", cfg.Specs[0].LogDir)
	}
}
