package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "ftp://example.com"
	if result := cfg.ValidateTiered(); !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredControlCharsInTokenIsFatal(t *testing.T) {
	cfg := Default()
	cfg.MachineToken = "token\x00with\x01control"
	if result := cfg.ValidateTiered(); !result.HasFatals() {
		t.Fatal("control chars in token should be fatal")
	}
}

func TestValidateTieredUnknownPolicyIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ScriptPolicy = "lenient"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("unknown script policy should be fatal")
	}
	if !strings.Contains(result.Fatals[0].Error(), "script_policy") {
		t.Fatalf("unexpected fatal: %v", result.Fatals[0])
	}
}

func TestValidateTieredIntervalClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatIntervalSeconds = 1
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped interval")
	}
	if cfg.HeartbeatIntervalSeconds != 5 {
		t.Fatalf("HeartbeatIntervalSeconds = %d, want 5 (clamped)", cfg.HeartbeatIntervalSeconds)
	}
}

func TestValidateTieredConcurrencyClamping(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentTweaks = 0
	cfg.TweakQueueSize = 50000
	cfg.ValidateTiered()
	if cfg.MaxConcurrentTweaks != 1 {
		t.Fatalf("MaxConcurrentTweaks = %d, want 1", cfg.MaxConcurrentTweaks)
	}
	if cfg.TweakQueueSize != 10000 {
		t.Fatalf("TweakQueueSize = %d, want 10000", cfg.TweakQueueSize)
	}
}

func TestDefaultConfigIsClean(t *testing.T) {
	result := Default().ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 0 {
		t.Fatalf("default config should validate cleanly: %+v", result)
	}
}

func TestServerValidateClampsStaleness(t *testing.T) {
	cfg := DefaultServer()
	cfg.StaleAfterSeconds = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("unexpected fatals: %v", result.Fatals)
	}
	if cfg.StaleAfterSeconds != 10 {
		t.Fatalf("StaleAfterSeconds = %d, want 10", cfg.StaleAfterSeconds)
	}
}

func TestLoadReadsFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("device_id: dev-7\nheartbeat_interval_seconds: 45\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TWEAK_SCRIPT_POLICY", "strict")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceID != "dev-7" || cfg.HeartbeatIntervalSeconds != 45 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ScriptPolicy != "strict" {
		t.Fatalf("ScriptPolicy = %q, want strict from environment", cfg.ScriptPolicy)
	}
	if cfg.ConnectRetrySeconds != 5 {
		t.Fatalf("default not preserved: %d", cfg.ConnectRetrySeconds)
	}
}

func TestServerOperatorTokens(t *testing.T) {
	cfg := DefaultServer()
	result := cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 1 {
		t.Fatalf("missing operator tokens should only warn: %+v", result)
	}

	cfg.OperatorTokens = []string{"short"}
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("a short operator token should be fatal")
	}

	cfg.OperatorTokens = []string{"operator-token-0001"}
	result = cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 0 {
		t.Fatalf("valid operator token should validate cleanly: %+v", result)
	}
}
