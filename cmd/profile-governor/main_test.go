package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

const validConfig = `
store:
  path: /var/lib/profile-governor
decision:
  thresholds:
    cost_warning: 1000
    cost_critical: 2000
    coverage_min: 0.9
    performance_min: 0.8
gateway:
  url: http://prometheus:9090
  queries:
    cost: sum(rate(ingest_cost_total[5m]))
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, validConfig)
	t.Setenv("PROFILE_GOVERNOR_GATEWAY_URL", "http://vm:8428")
	t.Setenv("PROFILE_GOVERNOR_LOG_LEVEL", "debug")
	t.Setenv("PROFILE_GOVERNOR_GATEWAY_AUTH_BEARER_TOKEN", "tok")

	v := newViper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(v, fs)
	if err := fs.Set("store-path", "/tmp/override"); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path, v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Path != "/tmp/override" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Gateway.URL != "http://vm:8428" {
		t.Errorf("gateway.url = %q", cfg.Gateway.URL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	if cfg.Gateway.Auth.BearerToken != "tok" {
		t.Errorf("gateway.auth.bearer_token = %q", cfg.Gateway.Auth.BearerToken)
	}
	if cfg.Decision.InitialProfile != "balanced" {
		t.Errorf("initial profile default = %q", cfg.Decision.InitialProfile)
	}
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	t.Setenv("PROFILE_GOVERNOR_CONFIG", writeConfig(t, validConfig))
	if _, err := loadConfig("", newViper()); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig("", newViper()); err == nil {
		t.Error("expected error without a config path")
	}
	bad := writeConfig(t, "store:\n  path: /x\n")
	_, err := loadConfig(bad, newViper())
	if err == nil || !strings.Contains(err.Error(), "decision.thresholds.cost_warning is required") {
		t.Errorf("err = %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		valid   bool
		wantErr bool
	}{
		{"valid", validConfig, true, false},
		{"invalid", "store:\n  path: \"\"\n", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCmd()
			cmd.SetOut(&out)
			cmd.SetArgs([]string{"validate", "--config", writeConfig(t, tt.body)})
			err := cmd.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute err = %v", err)
			}
			var res struct {
				Valid bool `json:"valid"`
			}
			if err := json.Unmarshal(out.Bytes(), &res); err != nil {
				t.Fatalf("output %q: %v", out.String(), err)
			}
			if res.Valid != tt.valid {
				t.Errorf("valid = %v, want %v", res.Valid, tt.valid)
			}
		})
	}
}
