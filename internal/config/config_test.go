package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Currency != "EUR" {
		t.Fatalf("currency = %q", cfg.Currency)
	}
	if !cfg.KnownCategory("plumbing") || cfg.KnownCategory("astrology") {
		t.Fatalf("category catalog not applied")
	}
	if cfg.Realtime.ChannelBuffer != 64 || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestEmptyCatalogAllowsAnyCategory(t *testing.T) {
	cfg, err := FromYAML([]byte("currency: USD\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.KnownCategory("anything") {
		t.Fatalf("empty catalog should allow any category")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"currency":  "currency: EURO\n",
		"base path": "currency: EUR\nserver:\n  base_path: v0\n",
		"webhook":   "currency: EUR\ndelivery:\n  webhooks:\n    - url: ftp://x\n",
		"negative":  "currency: EUR\nrealtime:\n  channel_buffer: -1\n",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil || cfg.Currency != "EUR" {
		t.Fatalf("missing file should fall back to default: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "missionline.yml"), []byte("currency: CHF\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOrDefault(dir)
	if err != nil || cfg.Currency != "CHF" {
		t.Fatalf("expected file config, got %v %v", cfg, err)
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("Load should fail without a file")
	}
}
