package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxLossCooldown != 3 {
		t.Errorf("MaxLossCooldown = %d, want 3", cfg.MaxLossCooldown)
	}
	if cfg.CooldownDuration.Seconds() != 300 {
		t.Errorf("CooldownDuration = %v, want 300s", cfg.CooldownDuration)
	}
	if cfg.MaxSpreadBps != 10.0 || cfg.MaxSlippageBps != 5.0 || cfg.MaxLatencyMs != 500.0 {
		t.Errorf("filter thresholds = %v/%v/%v", cfg.MaxSpreadBps, cfg.MaxSlippageBps, cfg.MaxLatencyMs)
	}
	if cfg.TradingWindowStart != "09:30" || cfg.TradingWindowEnd != "16:00" {
		t.Errorf("window = %s-%s", cfg.TradingWindowStart, cfg.TradingWindowEnd)
	}
	if cfg.ReconcileInterval.Seconds() != 5 {
		t.Errorf("ReconcileInterval = %v, want 5s", cfg.ReconcileInterval)
	}
	if cfg.StopLossPercentage != 2.0 {
		t.Errorf("StopLossPercentage = %v, want 2.0", cfg.StopLossPercentage)
	}
	if cfg.MaxOpenPositionsPerVA != 5 {
		t.Errorf("MaxOpenPositionsPerVA = %d, want 5", cfg.MaxOpenPositionsPerVA)
	}
	if cfg.KillSwitchEnabled {
		t.Errorf("KillSwitchEnabled should default to false")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MAX_LOSS_COOLDOWN", "5")
	t.Setenv("MAX_SPREAD_BPS", "2.5")
	t.Setenv("KILL_SWITCH_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxLossCooldown != 5 {
		t.Errorf("MaxLossCooldown = %d, want 5", cfg.MaxLossCooldown)
	}
	if cfg.MaxSpreadBps != 2.5 {
		t.Errorf("MaxSpreadBps = %v, want 2.5", cfg.MaxSpreadBps)
	}
	if !cfg.KillSwitchEnabled {
		t.Errorf("KillSwitchEnabled not applied")
	}
}

func TestLoadAccountsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	content := `accounts:
  - va_id: VA010
    balance: 50000
  - va_id: VA011
    balance: 75000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	accounts, err := LoadAccounts(path)
	if err != nil {
		t.Fatalf("load accounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}
	if accounts[0].VAID != "VA010" || accounts[0].Balance != 50000 {
		t.Fatalf("first account = %+v", accounts[0])
	}
}

func TestLoadAccountsRejectsBadBalance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	content := `accounts:
  - va_id: VA010
    balance: -1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAccounts(path); err == nil {
		t.Fatalf("expected error for non-positive balance")
	}
}

func TestLoadAccountsDefaultSet(t *testing.T) {
	accounts, err := LoadAccounts("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("default accounts = %d, want 3", len(accounts))
	}
}
