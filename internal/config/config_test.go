package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/config"
)

func bps(v int64) *int64 { return &v }

func baseFileConfig() config.FileConfig {
	return config.FileConfig{
		BufferBps:        500,
		FreshnessSeconds: 900,
		MinLotSize:       "10000",
		SoftCeilingPct:   90,
		Ceilings:         map[string]string{"USD": "500000000"},
		CurrencyCaps:     map[string]string{"JPY": "100000000"},
		Currencies: map[string]config.Currency{
			"USD": {Active: true},
			"KRW": {Active: false},
		},
		Entities: map[string]config.Entity{
			"ENT-ALPHA": {Active: true, Priority: 10, BufferBps: bps(300)},
			"ENT-BETA":  {Active: true, Priority: 5},
		},
		Groups: map[string][]string{"EMEA": {"ENT-ALPHA", "ENT-BETA"}},
	}
}

func TestCompile_Valid(t *testing.T) {
	snap, err := config.Compile(baseFileConfig())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	if !snap.MinLot.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("expected min lot 10000, got %s", snap.MinLot)
	}
	if snap.Freshness != 15*time.Minute {
		t.Errorf("expected 15m freshness, got %s", snap.Freshness)
	}
	if !snap.Ceilings["USD"].Equal(decimal.NewFromInt(500000000)) {
		t.Errorf("USD ceiling parsed wrong: %s", snap.Ceilings["USD"])
	}
	// Retry defaults apply when the block is absent.
	if snap.RetryAttempts != 3 || snap.RetryBase != 50*time.Millisecond || snap.RetryMax != 2*time.Second {
		t.Errorf("unexpected retry defaults: %d %s %s", snap.RetryAttempts, snap.RetryBase, snap.RetryMax)
	}
}

func TestCompile_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.FileConfig)
	}{
		{"buffer out of range", func(fc *config.FileConfig) { fc.BufferBps = 10001 }},
		{"zero freshness", func(fc *config.FileConfig) { fc.FreshnessSeconds = 0 }},
		{"missing lot", func(fc *config.FileConfig) { fc.MinLotSize = "" }},
		{"non-decimal lot", func(fc *config.FileConfig) { fc.MinLotSize = "ten" }},
		{"zero lot", func(fc *config.FileConfig) { fc.MinLotSize = "0" }},
		{"soft pct out of range", func(fc *config.FileConfig) { fc.SoftCeilingPct = 150 }},
		{"negative ceiling", func(fc *config.FileConfig) { fc.Ceilings["USD"] = "-1" }},
		{"negative entity priority", func(fc *config.FileConfig) {
			fc.Entities["ENT-ALPHA"] = config.Entity{Active: true, Priority: -1}
		}},
		{"negative buffer override", func(fc *config.FileConfig) {
			fc.Entities["ENT-ALPHA"] = config.Entity{Active: true, BufferBps: bps(-1)}
		}},
		{"buffer override out of range", func(fc *config.FileConfig) {
			fc.Entities["ENT-ALPHA"] = config.Entity{Active: true, BufferBps: bps(10001)}
		}},
		{"empty group", func(fc *config.FileConfig) { fc.Groups["EMPTY"] = nil }},
		{"group with unknown member", func(fc *config.FileConfig) {
			fc.Groups["BAD"] = []string{"ENT-NOPE"}
		}},
		{"backfill on without max", func(fc *config.FileConfig) {
			fc.Waterfall = config.Waterfall{BackfillResidual: true}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := baseFileConfig()
			tc.mutate(&fc)
			if _, err := config.Compile(fc); err == nil {
				t.Error("expected compile error, got nil")
			}
		})
	}
}

func TestSnapshot_EntityBufferBps(t *testing.T) {
	snap, err := config.Compile(baseFileConfig())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	if got := snap.EntityBufferBps("ENT-ALPHA"); got != 300 {
		t.Errorf("expected override 300, got %d", got)
	}
	if got := snap.EntityBufferBps("ENT-BETA"); got != 500 {
		t.Errorf("expected default 500, got %d", got)
	}
	if got := snap.EntityBufferBps("ENT-UNKNOWN"); got != 500 {
		t.Errorf("unknown entity should get default, got %d", got)
	}
}

func TestSnapshot_ZeroBufferOverride(t *testing.T) {
	fc := baseFileConfig()
	fc.Entities["ENT-ZERO"] = config.Entity{Active: true, BufferBps: bps(0)}

	snap, err := config.Compile(fc)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	// An explicit 0 disables the buffer; it must not fall back to the default.
	if got := snap.EntityBufferBps("ENT-ZERO"); got != 0 {
		t.Errorf("expected zero-buffer override, got %d", got)
	}
}

func TestSnapshot_ScopeEntities(t *testing.T) {
	snap, err := config.Compile(baseFileConfig())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	group := snap.ScopeEntities("EMEA")
	if len(group) != 2 {
		t.Fatalf("expected 2 members, got %v", group)
	}

	single := snap.ScopeEntities("ENT-ALPHA")
	if len(single) != 1 || single[0] != "ENT-ALPHA" {
		t.Errorf("non-group scope should be a single id, got %v", single)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	yaml := `
buffer_bps: 250
freshness_seconds: 600
min_lot_size: "5000"
soft_ceiling_pct: 80
currencies:
  EUR: { active: true }
entities:
  ENT-X: { active: true, priority: 1 }
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snap.BufferBps != 250 {
		t.Errorf("expected buffer 250, got %d", snap.BufferBps)
	}
	if !snap.MinLot.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected lot 5000, got %s", snap.MinLot)
	}
	if !snap.Currencies["EUR"].Active {
		t.Error("EUR should be active")
	}
}

func TestLoadWithEnvOverrides_LotSize(t *testing.T) {
	yaml := `
buffer_bps: 250
freshness_seconds: 600
min_lot_size: "5000"
currencies:
  EUR: { active: true }
entities:
  ENT-X: { active: true, priority: 1 }
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HEDGE_MIN_LOT_SIZE", "25000")
	snap, err := config.LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !snap.MinLot.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("env override not applied, got %s", snap.MinLot)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
