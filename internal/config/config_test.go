package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"spawnd/internal/config"
	"spawnd/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Registry != "agents.yml" {
		t.Fatalf("registry %q", cfg.Registry)
	}
	if cfg.Defaults.TimeoutSeconds != 300 {
		t.Fatalf("timeout %d", cfg.Defaults.TimeoutSeconds)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template invalid: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.Default()) {
		t.Fatalf("template and Default() disagree")
	}
}

func TestRunnerLookup(t *testing.T) {
	cfg := config.Default()
	argv, err := cfg.Runner(domain.TierBalanced)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if len(argv) == 0 || argv[0] != "agent-worker" {
		t.Fatalf("argv %v", argv)
	}

	delete(cfg.Runners, string(domain.TierMaximumQuality))
	if _, err := cfg.Runner(domain.TierMaximumQuality); err == nil {
		t.Fatalf("expected missing runner error")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing registry", func(c *config.Config) { c.Registry = "" }, "registry"},
		{"no runners", func(c *config.Config) { c.Runners = nil }, "runners"},
		{"unknown tier", func(c *config.Config) { c.Runners["turbo"] = []string{"x"} }, "unknown model tier"},
		{"empty command", func(c *config.Config) { c.Runners["balanced"] = nil }, "empty command"},
		{"zero timeout", func(c *config.Config) { c.Defaults.TimeoutSeconds = 0 }, "timeout_seconds"},
		{"negative grace", func(c *config.Config) { c.Defaults.GracePeriodSeconds = -1 }, "grace_period_seconds"},
		{"zero output cap", func(c *config.Config) { c.Defaults.MaxOutputBytes = 0 }, "max_output_bytes"},
		{"negative concurrency", func(c *config.Config) { c.Defaults.MaxConcurrent = -1 }, "max_concurrent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation failure")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected a hint to run config init, got %v", err)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(ws)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.RegistryPath(ws); got != filepath.Join(ws, "agents.yml") {
		t.Fatalf("registry path %q", got)
	}
}

func TestRegistryPathAbsolute(t *testing.T) {
	cfg := config.Default()
	cfg.Registry = "/etc/spawnd/agents.yml"
	if got := cfg.RegistryPath("/some/workspace"); got != "/etc/spawnd/agents.yml" {
		t.Fatalf("registry path %q", got)
	}
}
