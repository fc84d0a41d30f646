// Package seed loads reference data, positions and rules from a YAML
// fixture file into the engine at startup.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/store"
)

// TodayPlaceholder in a position's businessDate is replaced by the current
// business date.
const TodayPlaceholder = "today"

// Fixture is the YAML document layout.
type Fixture struct {
	Securities []model.Security        `yaml:"securities"`
	Positions  []model.Position        `yaml:"positions"`
	Rules      []model.CalculationRule `yaml:"rules"`
}

// PositionSeeder stores a position with its derived fields unless one is
// already stored for the same key.
type PositionSeeder interface {
	SeedIfAbsent(ctx context.Context, p *model.Position) (bool, error)
}

// RuleCreator validates and stores a rule.
type RuleCreator interface {
	RuleByNameAndMarket(ctx context.Context, name, market string) (*model.CalculationRule, error)
	CreateRule(ctx context.Context, r model.CalculationRule) (*model.CalculationRule, error)
}

// Summary counts what Apply loaded.
// Skipped counts positions and rules left alone because they were already
// stored.
type Summary struct {
	Securities int
	Positions  int
	Rules      int
	Skipped    int
}

// LoadFile reads a fixture file. ${VAR} references are expanded from the
// environment.
func LoadFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a fixture document.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	return &f, nil
}

// Apply loads f. Securities go first so positions and rules can resolve
// them. Rules pass through normal rule validation. Positions and rules that
// already exist are skipped, so reapplying a fixture on restart never
// overwrites trading activity.
func Apply(ctx context.Context, f *Fixture, securities store.SecurityStore, positions PositionSeeder, rules RuleCreator) (Summary, error) {
	var sum Summary
	for i := range f.Securities {
		if f.Securities[i].ID == "" {
			return sum, fmt.Errorf("securities[%d]: id is required", i)
		}
		if err := securities.UpsertSecurity(ctx, &f.Securities[i]); err != nil {
			return sum, fmt.Errorf("securities[%d]: %w", i, err)
		}
		sum.Securities++
	}

	today := model.Today(time.Now())
	for i := range f.Positions {
		p := f.Positions[i]
		if p.BusinessDate == "" || p.BusinessDate == TodayPlaceholder {
			p.BusinessDate = today
		}
		stored, err := positions.SeedIfAbsent(ctx, &p)
		if err != nil {
			return sum, fmt.Errorf("positions[%d]: %w", i, err)
		}
		if !stored {
			sum.Skipped++
			continue
		}
		sum.Positions++
	}

	for i, r := range f.Rules {
		_, err := rules.RuleByNameAndMarket(ctx, r.Name, r.Market)
		switch {
		case err == nil:
			sum.Skipped++
			continue
		case !errors.Is(err, apperr.ErrNotFound):
			return sum, fmt.Errorf("rules[%d] %q: %w", i, r.Name, err)
		}
		if _, err := rules.CreateRule(ctx, r); err != nil {
			return sum, fmt.Errorf("rules[%d] %q: %w", i, r.Name, err)
		}
		sum.Rules++
	}

	slog.Info("seed data loaded",
		"securities", sum.Securities,
		"positions", sum.Positions,
		"rules", sum.Rules,
		"skipped", sum.Skipped,
	)
	return sum, nil
}
