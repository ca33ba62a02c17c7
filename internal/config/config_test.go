package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	ttl, err := cfg.TokenTTL()
	if err != nil || ttl != time.Hour {
		t.Fatalf("token ttl = %v, %v; want 1h", ttl, err)
	}
	if cfg.Reminder.Schedule != "0 0 * * *" {
		t.Fatalf("unexpected reminder schedule %q", cfg.Reminder.Schedule)
	}
	if !cfg.RemindersEnabled() {
		t.Fatalf("reminders should be enabled by default")
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
auth:
  token_ttl: 15m
advisory:
  backend: ollama
  base_url: http://localhost:11434
  model: llama3
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ttl, _ := cfg.TokenTTL(); ttl != 15*time.Minute {
		t.Fatalf("token ttl = %v", ttl)
	}
	if cfg.Advisory.Backend != "ollama" || cfg.Advisory.Model != "llama3" {
		t.Fatalf("advisory not applied: %+v", cfg.Advisory)
	}
	if cfg.Server.Addr != "127.0.0.1:5001" {
		t.Fatalf("default addr lost: %q", cfg.Server.Addr)
	}
}

func TestFromTOML(t *testing.T) {
	cfg, err := FromTOML([]byte(`
[chain]
contract_address = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
poll_interval = "250ms"

[reminder]
enabled = false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d, _ := cfg.PollInterval(); d != 250*time.Millisecond {
		t.Fatalf("poll interval = %v", d)
	}
	if cfg.RemindersEnabled() {
		t.Fatalf("reminders should be disabled")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"backend":  "advisory:\n  backend: gpt4all\n",
		"ttl":      "auth:\n  token_ttl: soon\n",
		"contract": "chain:\n  contract_address: nope\n",
		"schedule": "reminder:\n  schedule: \"every day\"\n",
		"webhook":  "webhooks:\n  - url: \"\"\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadFindsTOMLWhenNoYAML(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected not-found hint, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "todochain.toml"), []byte("[server]\naddr = \"0.0.0.0:9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}
