// Package config loads and validates the engine configuration: capacity
// buffers, threshold ceilings, waterfall priorities, lot size, and retry
// parameters. Components receive configuration through the Provider
// interface so tests can pin an exact snapshot.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FileConfig is the raw YAML shape. Monetary amounts are strings so they
// parse through decimal, never float64.
type FileConfig struct {
	BufferBps        int64                 `yaml:"buffer_bps"`
	FreshnessSeconds int                   `yaml:"freshness_seconds"`
	MinLotSize       string                `yaml:"min_lot_size"`
	SoftCeilingPct   int64                 `yaml:"soft_ceiling_pct"`
	Ceilings         map[string]string     `yaml:"ceilings"`      // currency → hard ceiling
	CurrencyCaps     map[string]string     `yaml:"currency_caps"` // currency → override cap
	Currencies       map[string]Currency   `yaml:"currencies"`
	Entities         map[string]Entity     `yaml:"entities"`
	Groups           map[string][]string   `yaml:"groups"` // group tag → member entity ids
	Waterfall        Waterfall             `yaml:"waterfall"`
	Retry            Retry                 `yaml:"retry"`
}

// Currency is a per-currency trading rule.
type Currency struct {
	Active bool `yaml:"active"`
}

// Entity is a per-entity rule: active flag, waterfall priority weight, and
// an optional buffer override in basis points. A nil override means the
// engine default applies; an explicit 0 disables the buffer for the entity.
type Entity struct {
	Active    bool   `yaml:"active"`
	Priority  int    `yaml:"priority"`
	BufferBps *int64 `yaml:"buffer_bps"`
}

// Waterfall holds the Stage 1B allocation policy toggles.
type Waterfall struct {
	BackfillResidual bool   `yaml:"backfill_residual"`
	BackfillMax      string `yaml:"backfill_max"`
}

// Retry holds the shared retry policy parameters.
type Retry struct {
	Attempts    int `yaml:"attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// Snapshot is an immutable, fully parsed configuration view handed to
// components at call time.
type Snapshot struct {
	BufferBps      int64
	Freshness      time.Duration
	MinLot         decimal.Decimal
	SoftCeilingPct int64
	Ceilings       map[string]decimal.Decimal
	CurrencyCaps   map[string]decimal.Decimal
	Currencies     map[string]Currency
	Entities       map[string]Entity
	Groups         map[string][]string
	Backfill       bool
	BackfillMax    decimal.Decimal
	RetryAttempts  int
	RetryBase      time.Duration
	RetryMax       time.Duration
}

// EntityBufferBps returns the buffer for an entity, falling back to the
// engine default when no override is configured.
func (s *Snapshot) EntityBufferBps(entityID string) int64 {
	if e, ok := s.Entities[entityID]; ok && e.BufferBps != nil {
		return *e.BufferBps
	}
	return s.BufferBps
}

// ScopeEntities expands an entity scope: a configured group tag expands to
// its members, anything else is treated as a single entity id.
func (s *Snapshot) ScopeEntities(scope string) []string {
	if members, ok := s.Groups[scope]; ok {
		out := make([]string, len(members))
		copy(out, members)
		return out
	}
	return []string{scope}
}

// Provider hands out configuration snapshots. Implementations must return a
// snapshot that is stable for the duration of one pipeline run.
type Provider interface {
	Snapshot() *Snapshot
}

type staticProvider struct{ s *Snapshot }

func (p staticProvider) Snapshot() *Snapshot { return p.s }

// Static wraps a fixed snapshot, used by tests and by main after Load.
func Static(s *Snapshot) Provider { return staticProvider{s: s} }

// Load reads YAML config from path, validates it, and compiles a snapshot.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return Compile(fc)
}

// LoadWithEnvOverrides loads config then overrides the lot size from
// HEDGE_MIN_LOT_SIZE if present.
func LoadWithEnvOverrides(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if v := os.Getenv("HEDGE_MIN_LOT_SIZE"); v != "" {
		fc.MinLotSize = v
	}
	return Compile(fc)
}

// Compile validates a FileConfig and produces the parsed snapshot.
func Compile(fc FileConfig) (*Snapshot, error) {
	if fc.BufferBps < 0 || fc.BufferBps > 10000 {
		return nil, fmt.Errorf("buffer_bps must be in [0, 10000], got %d", fc.BufferBps)
	}
	if fc.FreshnessSeconds <= 0 {
		return nil, fmt.Errorf("freshness_seconds must be > 0, got %d", fc.FreshnessSeconds)
	}
	if fc.SoftCeilingPct < 0 || fc.SoftCeilingPct > 100 {
		return nil, fmt.Errorf("soft_ceiling_pct must be in [0, 100], got %d", fc.SoftCeilingPct)
	}

	minLot, err := parseAmount("min_lot_size", fc.MinLotSize)
	if err != nil {
		return nil, err
	}
	if !minLot.IsPositive() {
		return nil, fmt.Errorf("min_lot_size must be > 0, got %s", minLot)
	}

	ceilings, err := parseAmountMap("ceilings", fc.Ceilings)
	if err != nil {
		return nil, err
	}
	caps, err := parseAmountMap("currency_caps", fc.CurrencyCaps)
	if err != nil {
		return nil, err
	}

	for id, e := range fc.Entities {
		if e.Priority < 0 {
			return nil, fmt.Errorf("entity %s priority must be >= 0", id)
		}
		if e.BufferBps != nil && (*e.BufferBps < 0 || *e.BufferBps > 10000) {
			return nil, fmt.Errorf("entity %s buffer_bps must be in [0, 10000]", id)
		}
	}
	for tag, members := range fc.Groups {
		if len(members) == 0 {
			return nil, fmt.Errorf("group %s has no members", tag)
		}
		for _, m := range members {
			if _, ok := fc.Entities[m]; !ok {
				return nil, fmt.Errorf("group %s references unknown entity %s", tag, m)
			}
		}
	}

	backfillMax := decimal.Zero
	if fc.Waterfall.BackfillResidual {
		backfillMax, err = parseAmount("waterfall.backfill_max", fc.Waterfall.BackfillMax)
		if err != nil {
			return nil, err
		}
		if !backfillMax.IsPositive() {
			return nil, fmt.Errorf("waterfall.backfill_max must be > 0 when backfill_residual is on")
		}
	}

	attempts := fc.Retry.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	base := time.Duration(fc.Retry.BaseDelayMs) * time.Millisecond
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := time.Duration(fc.Retry.MaxDelayMs) * time.Millisecond
	if max <= 0 {
		max = 2 * time.Second
	}

	return &Snapshot{
		BufferBps:      fc.BufferBps,
		Freshness:      time.Duration(fc.FreshnessSeconds) * time.Second,
		MinLot:         minLot,
		SoftCeilingPct: fc.SoftCeilingPct,
		Ceilings:       ceilings,
		CurrencyCaps:   caps,
		Currencies:     fc.Currencies,
		Entities:       fc.Entities,
		Groups:         fc.Groups,
		Backfill:       fc.Waterfall.BackfillResidual,
		BackfillMax:    backfillMax,
		RetryAttempts:  attempts,
		RetryBase:      base,
		RetryMax:       max,
	}, nil
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a decimal amount", field, raw)
	}
	return d, nil
}

func parseAmountMap(field string, raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("%s[%s]: %q is not a decimal amount", field, k, v)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("%s[%s] must be >= 0", field, k)
		}
		out[k] = d
	}
	return out, nil
}
