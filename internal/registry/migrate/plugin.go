// Package migrate collects the schema migrators that plugin packages
// register at init() time and runs them in a fixed order.
package migrate

import (
	"context"
	"fmt"
	"sort"
)

// Migrator brings one backend's schema up to date. Migrators self-guard on
// configuration, so RunAll is always safe to call.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin pairs a migrator with its position in the run order. Lower orders
// run first; the datastore schema must exist before the vector table.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migrator. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// RunAll executes every registered migrator in ascending Order, stopping at
// the first failure.
func RunAll(ctx context.Context) error {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for _, p := range sorted {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
	}
	return nil
}
