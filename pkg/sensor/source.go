// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sensor implements the generic adaptive sampling loop that drives
// metric collection for one section of one asset record: collect a metric
// bag from a pluggable source, decide whether the delta is worth persisting,
// and tune the sampling interval with failure backoff.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/antimetal/assetstate/pkg/change"
)

// ErrCollection wraps failures from a Source's Collect. Collection failures
// are recovered by the sampling loop's backoff and never propagate out of
// Start.
var ErrCollection = errors.New("collection failed")

// Source is the polymorphic collector/processor pair bound to one sensor.
// Collect gathers a flat metric bag from the asset; Process shapes the raw
// bag into the section patch that lands in the record. Sources must not
// perform their own record file I/O.
type Source interface {
	// Name identifies the source in logs and the sensor field of its section.
	Name() string
	// Collect gathers raw metrics. Blocking work should be bounded by ctx.
	Collect(ctx context.Context) (map[string]any, error)
	// Process transforms raw metrics into the section patch. It must be a
	// pure function of its input.
	Process(raw map[string]any) map[string]any
}

// SourceConfig is passed to registered source factories.
type SourceConfig struct {
	AssetID    string
	Thresholds change.Thresholds
}

// NewSource is a factory creating a Source for one section.
type NewSource func(logger logr.Logger, config SourceConfig) (Source, error)

var (
	registry       = make(map[string]NewSource)
	registryLogger = stdr.New(log.New(os.Stderr, "[sensor.registry] ", log.LstdFlags))
)

// Register adds a source factory for the named record section. It is called
// from init() in source implementations and panics on duplicates.
func Register(section string, factory NewSource) {
	if _, exists := registry[section]; exists {
		panic(fmt.Sprintf("source for section %s already registered", section))
	}
	registry[section] = factory
	registryLogger.V(1).Info("registered source", "section", section)
}

// GetSource returns the factory registered for a section.
func GetSource(section string) (NewSource, error) {
	factory, ok := registry[section]
	if !ok {
		return nil, fmt.Errorf("no source registered for section %s", section)
	}
	return factory, nil
}

// RegisteredSections lists sections with a registered source, sorted.
func RegisteredSections() []string {
	sections := make([]string, 0, len(registry))
	for s := range registry {
		sections = append(sections, s)
	}
	sort.Strings(sections)
	return sections
}
