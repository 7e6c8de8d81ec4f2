package config_test

import (
	"testing"
	"time"

	"ticketflow/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.TicketsDir != "tickets" {
		t.Fatalf("got %q", cfg.TicketsDir)
	}
	if cfg.Debounce() != 300*time.Millisecond {
		t.Fatalf("got %v", cfg.Debounce())
	}
	if cfg.AgeWindow() != 5*time.Minute || cfg.SuppressionWindow() != 10*time.Minute {
		t.Fatalf("windows: %v %v", cfg.AgeWindow(), cfg.SuppressionWindow())
	}
	if cfg.ReconcileAfter() != 10*time.Minute {
		t.Fatalf("got %v", cfg.ReconcileAfter())
	}
	if cfg.Enrichment.RetryCeiling != 3 || cfg.RetryDelay() != 5*time.Second {
		t.Fatalf("retry: %d %v", cfg.Enrichment.RetryCeiling, cfg.RetryDelay())
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
tickets_dir: /srv/tickets
server:
  addr: ":9000"
watch:
  debounce_ms: 150
enrichment:
  agent_url: http://agent.local/invoke
  token: secret
  retry_ceiling: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.TicketsDir != "/srv/tickets" || cfg.Server.Addr != ":9000" {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.Debounce() != 150*time.Millisecond {
		t.Fatalf("got %v", cfg.Debounce())
	}
	if cfg.Enrichment.RetryCeiling != 5 || cfg.Enrichment.Token != "secret" {
		t.Fatalf("got %+v", cfg.Enrichment)
	}
	// Untouched fields keep defaults.
	if cfg.Server.BasePath != "/api/v1" || !cfg.Journal.Enabled {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty tickets dir":  "tickets_dir: \"\"\n",
		"negative debounce":  "watch:\n  debounce_ms: -1\n",
		"negative retry":     "enrichment:\n  retry_ceiling: -1\n",
		"journal no path":    "journal:\n  enabled: true\n  path: \"\"\n",
		"not yaml":           "\t{{",
	}
	for name, data := range cases {
		if _, err := config.FromYAML([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TicketsDir != "tickets" {
		t.Fatalf("got %+v", cfg)
	}
}
