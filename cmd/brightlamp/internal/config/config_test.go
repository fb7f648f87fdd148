package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
token_secret: file-secret
data_dir: /var/lib/brightlamp
volcano:
  app_id: app1
  access_key: key1
  speaker: zh_female_cancan
ark:
  api_key: ark1
  model: doubao-pro
archive:
  dir: /tmp/transcripts
session:
  idle_timeout: 90s
  partial_stable: 1.5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.TokenSecret != "file-secret" {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.Volcano.AppID != "app1" || cfg.Volcano.Speaker != "zh_female_cancan" {
		t.Errorf("volcano = %+v", cfg.Volcano)
	}
	if cfg.Ark.Model != "doubao-pro" {
		t.Errorf("ark = %+v", cfg.Ark)
	}

	idle, _, stable, grace, _ := cfg.Session.SessionDurations()
	if idle != 90*time.Second {
		t.Errorf("idle_timeout = %v", idle)
	}
	if stable != 1500*time.Millisecond {
		t.Errorf("partial_stable = %v", stable)
	}
	if grace != 0 {
		t.Errorf("unset final_grace = %v, want 0", grace)
	}

	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("ValidateServe: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "token_secret: from-file\n")
	t.Setenv("BRIGHTLAMP_TOKEN_SECRET", "from-env")
	t.Setenv("VOLC_APP_ID", "env-app")
	t.Setenv("VOLC_ACCESS_KEY", "env-key")
	t.Setenv("ARK_API_KEY", "env-ark")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TokenSecret != "from-env" {
		t.Errorf("token secret = %q", cfg.TokenSecret)
	}
	if cfg.Volcano.AppID != "env-app" || cfg.Ark.APIKey != "env-ark" {
		t.Errorf("env overrides = %+v", cfg)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("ValidateServe: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("BRIGHTLAMP_TOKEN_SECRET", "")
	t.Setenv("VOLC_APP_ID", "")
	t.Setenv("VOLC_ACCESS_KEY", "")
	t.Setenv("ARK_API_KEY", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("default listen = %q", cfg.Listen)
	}
	if err := cfg.ValidateServe(); err == nil {
		t.Error("ValidateServe accepted empty credentials")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load accepted missing file")
	}
}
