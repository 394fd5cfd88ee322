// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package monitor runs the sensor fleet for the local asset: it owns the
// asset's record, the serializing writer, and one sensor per registered
// section.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/assetstate/pkg/change"
	"github.com/antimetal/assetstate/pkg/record"
	"github.com/antimetal/assetstate/pkg/sensor"
)

// Config tunes a monitor Service.
type Config struct {
	AssetID    string
	AssetType  string
	AssetName  string
	Thresholds change.Thresholds
	// Sections restricts which registered sources run. Empty means all.
	Sections []string
}

// Service drives one record's sensors. Create with New, run with Run, stop
// by cancelling the context or calling Stop.
type Service struct {
	config  Config
	store   *record.Store
	writer  *record.Writer
	sensors map[string]*sensor.Sensor
	logger  logr.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New ensures the asset's record exists (creating a skeleton if not), then
// instantiates one sensor per registered section. A section whose source
// fails to construct is skipped with a log line rather than failing the
// whole service.
func New(store *record.Store, config Config, logger logr.Logger) (*Service, error) {
	if config.AssetID == "" {
		return nil, errors.New("monitor requires an asset id")
	}
	if config.AssetType == "" {
		config.AssetType = "machine"
	}
	log := logger.WithName("monitor").WithValues("asset", config.AssetID)

	if _, err := store.Read(config.AssetID); err != nil {
		if !errors.Is(err, record.ErrNotFound) {
			return nil, fmt.Errorf("failed to load record for %s: %w", config.AssetID, err)
		}
		if _, err := store.CreateEmpty(config.AssetID, config.AssetType, config.AssetName); err != nil {
			return nil, fmt.Errorf("failed to create record for %s: %w", config.AssetID, err)
		}
		log.Info("created new record")
	}

	writer := record.NewWriter(store, config.AssetID, log)

	sections := config.Sections
	if len(sections) == 0 {
		sections = sensor.RegisteredSections()
	}

	sensors := make(map[string]*sensor.Sensor, len(sections))
	for _, section := range sections {
		factory, err := sensor.GetSource(section)
		if err != nil {
			log.Info("skipping section", "section", section, "reason", err.Error())
			continue
		}
		src, err := factory(log, sensor.SourceConfig{
			AssetID:    config.AssetID,
			Thresholds: config.Thresholds,
		})
		if err != nil {
			log.Error(err, "failed to build source", "section", section)
			continue
		}
		detector := change.NewDetector(change.Options{Thresholds: config.Thresholds})
		sensors[section] = sensor.New(src, writer, detector, sensor.Config{
			AssetID: config.AssetID,
			Section: section,
		}, log)
	}
	if len(sensors) == 0 {
		writer.Close()
		return nil, errors.New("no sensors could be constructed")
	}

	return &Service{
		config:  config,
		store:   store,
		writer:  writer,
		sensors: sensors,
		logger:  log,
		stop:    make(chan struct{}),
	}, nil
}

// Run starts every sensor and blocks until ctx is cancelled or Stop is
// called, then shuts the sensors and the writer down in order.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("starting monitor", "sections", len(s.sensors))

	g, gctx := errgroup.WithContext(runCtx)
	for _, sn := range s.sensors {
		sn := sn
		g.Go(func() error { return sn.Start(gctx) })
	}

	select {
	case <-gctx.Done():
	case <-s.stop:
		cancel()
	}

	err := g.Wait()
	// Writer closes only after every sensor loop has exited.
	s.writer.Close()
	s.logger.Info("monitor stopped")
	return err
}

// Stop requests shutdown. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// SensorStats snapshots every sensor's counters keyed by section.
func (s *Service) SensorStats() map[string]sensor.Stats {
	stats := make(map[string]sensor.Stats, len(s.sensors))
	for section, sn := range s.sensors {
		stats[section] = sn.Stats()
	}
	return stats
}
