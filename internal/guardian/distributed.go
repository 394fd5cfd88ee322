// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package guardian

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/assetstate/internal/telemetry"
	"github.com/antimetal/assetstate/pkg/record"
)

const (
	// DefaultValidationInterval is the pause between validation cycles.
	DefaultValidationInterval = 30 * time.Second
	// DefaultSelfMonitorInterval is the cadence of the guardian's own
	// resource health check.
	DefaultSelfMonitorInterval = 300 * time.Second

	// selfMemoryWarnMB and selfCPUWarnPercent are the self-monitoring alert
	// thresholds. The self-monitor only reports; it never mutates state.
	selfMemoryWarnMB   = 200.0
	selfCPUWarnPercent = 10.0

	// Cumulative repair-failure counts that degrade shard health.
	degradedFailures  = 10
	unhealthyFailures = 50
)

// ShardStatus classifies a guardian shard's health.
type ShardStatus string

const (
	ShardHealthy   ShardStatus = "healthy"
	ShardDegraded  ShardStatus = "degraded"
	ShardUnhealthy ShardStatus = "unhealthy"
)

// ShardHealth is a point-in-time health snapshot of one shard.
type ShardHealth struct {
	ShardID         int
	AssetsMonitored int
	Validations     uint64
	Repairs         uint64
	Status          ShardStatus
	MemoryMB        float64
	CPUPercent      float64
	UptimeSeconds   float64
}

// Stats are the shard's cumulative counters.
type Stats struct {
	ShardID         int
	TotalShards     int
	AssetsMonitored int
	Validations     uint64
	Repairs         uint64
	RepairSuccesses uint64
	RepairFailures  uint64
}

// Config configures one guardian shard.
type Config struct {
	ShardID             int
	TotalShards         int
	ValidationInterval  time.Duration
	SelfMonitorInterval time.Duration
	RepairEnabled       bool
	MaxAge              time.Duration
}

// Guardian is one shard of the distributed integrity layer. Asset ownership
// is `hash(assetID) mod totalShards`: deterministic and stateless, so the
// shard set partitions the asset universe with no coordination.
type Guardian struct {
	config    Config
	store     *record.Store
	validator *Validator
	repairer  *Repairer
	logger    logr.Logger
	started   time.Time
	shard     string // label for telemetry

	mu       sync.Mutex
	owned    map[string]struct{}
	stats    Stats
	repairWG sync.WaitGroup
}

// NewGuardian validates the shard assignment and builds the shard. An
// out-of-range shard ID is a configuration error and aborts startup.
func NewGuardian(config Config, store *record.Store, logger logr.Logger) (*Guardian, error) {
	if config.TotalShards <= 0 || config.ShardID < 0 || config.ShardID >= config.TotalShards {
		return nil, fmt.Errorf("invalid shard assignment: shard %d of %d",
			config.ShardID, config.TotalShards)
	}
	if config.ValidationInterval <= 0 {
		config.ValidationInterval = DefaultValidationInterval
	}
	if config.SelfMonitorInterval <= 0 {
		config.SelfMonitorInterval = DefaultSelfMonitorInterval
	}

	g := &Guardian{
		config:    config,
		store:     store,
		validator: NewValidator(config.MaxAge),
		repairer:  NewRepairer(store, logger),
		logger: logger.WithName("guardian").
			WithValues("shard", config.ShardID, "total_shards", config.TotalShards),
		started: time.Now(),
		shard:   strconv.Itoa(config.ShardID),
		owned:   make(map[string]struct{}),
	}
	g.logger.Info("guardian shard initialized", "assets_dir", store.Dir())
	return g, nil
}

// ShouldMonitor reports whether this shard owns the asset. The assignment is
// recomputed on every call rather than stored, so membership stays
// consistent without coordination.
func (g *Guardian) ShouldMonitor(assetID string) bool {
	h := fnv.New64a()
	h.Write([]byte(assetID))
	return int(h.Sum64()%uint64(g.config.TotalShards)) == g.config.ShardID
}

// DiscoverAssets scans the store and returns the asset IDs this shard owns,
// sorted for stable iteration.
func (g *Guardian) DiscoverAssets() ([]string, error) {
	all, err := g.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to discover assets: %w", err)
	}

	var mine []string
	for _, id := range all {
		if g.ShouldMonitor(id) {
			mine = append(mine, id)
		}
	}
	sort.Strings(mine)

	g.mu.Lock()
	g.owned = make(map[string]struct{}, len(mine))
	for _, id := range mine {
		g.owned[id] = struct{}{}
	}
	g.mu.Unlock()

	g.logger.Info("discovered assets", "owned", len(mine), "total", len(all))
	return mine, nil
}

// Run discovers owned assets and drives the validation cycle, the
// self-monitor, and directory watching until ctx is cancelled.
func (g *Guardian) Run(ctx context.Context) error {
	if _, err := g.DiscoverAssets(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.integrityLoop(ctx) })
	eg.Go(func() error { return g.selfMonitorLoop(ctx) })
	eg.Go(func() error { return g.watchAssetsDir(ctx) })

	err := eg.Wait()
	g.repairWG.Wait()
	return err
}

// integrityLoop validates every owned asset each cycle and hands invalid
// records to the repairer. Repairs run on their own goroutine so one slow
// repair cannot stall the cycle's interval.
func (g *Guardian) integrityLoop(ctx context.Context) error {
	ticker := time.NewTicker(g.config.ValidationInterval)
	defer ticker.Stop()

	for {
		g.runValidationCycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *Guardian) runValidationCycle(ctx context.Context) {
	g.logger.V(1).Info("starting validation cycle")

	for _, assetID := range g.ownedAssets() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		path := g.store.Path(assetID)
		result := g.validator.Validate(path)

		g.mu.Lock()
		g.stats.Validations++
		g.mu.Unlock()
		telemetry.Validations.WithLabelValues(g.shard).Inc()

		if result.Valid {
			continue
		}

		if !g.config.RepairEnabled {
			g.logger.Error(nil, "record invalid and repair disabled",
				"asset", assetID, "errors", result.Errors)
			continue
		}

		g.logger.Info("record corruption detected, scheduling repair",
			"asset", assetID, "errors", result.Errors)

		g.repairWG.Add(1)
		go func(asset, path string) {
			defer g.repairWG.Done()
			g.attemptRepair(asset, path)
		}(assetID, path)
	}
}

func (g *Guardian) attemptRepair(assetID, path string) {
	g.mu.Lock()
	g.stats.Repairs++
	g.mu.Unlock()

	result := g.repairer.Repair(path)

	g.mu.Lock()
	if result.Success {
		g.stats.RepairSuccesses++
	} else {
		g.stats.RepairFailures++
	}
	g.mu.Unlock()

	if result.Success {
		telemetry.Repairs.WithLabelValues(g.shard, "success").Inc()
		g.logger.Info("repaired record", "asset", assetID, "strategy", result.Strategy)
	} else {
		telemetry.Repairs.WithLabelValues(g.shard, "failure").Inc()
		g.logger.Error(nil, "failed to repair record",
			"asset", assetID, "original_error", result.OriginalError)
	}
}

// selfMonitorLoop samples the guardian's own memory and CPU usage and warns
// above fixed thresholds. It only reports; it never mutates shared state.
func (g *Guardian) selfMonitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(g.config.SelfMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		memMB, cpuPercent, err := g.selfUsage()
		if err != nil {
			g.logger.Error(err, "self-monitoring failed")
			continue
		}

		g.logger.Info("guardian health",
			"memory_mb", fmt.Sprintf("%.1f", memMB),
			"cpu_percent", fmt.Sprintf("%.1f", cpuPercent),
			"assets", len(g.ownedAssets()))

		if memMB > selfMemoryWarnMB {
			g.logger.Info("guardian memory high", "memory_mb", fmt.Sprintf("%.1f", memMB))
		}
		if cpuPercent > selfCPUWarnPercent {
			g.logger.Info("guardian cpu high", "cpu_percent", fmt.Sprintf("%.1f", cpuPercent))
		}
	}
}

func (g *Guardian) selfUsage() (memMB, cpuPercent float64, err error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0, err
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		memMB = float64(mem.RSS) / 1024 / 1024
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		cpuPercent = cpu
	}
	return memMB, cpuPercent, nil
}

// watchAssetsDir refreshes the owned set when records appear or disappear,
// so new assets are picked up without a restart.
func (g *Guardian) watchAssetsDir(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		g.logger.Error(err, "failed to start assets watcher, discovery is startup-only")
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()

	if err := watcher.Add(g.store.Dir()); err != nil {
		g.logger.Error(err, "failed to watch assets dir", "dir", g.store.Dir())
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isRecordPath(event.Name) {
				continue
			}
			if _, err := g.DiscoverAssets(); err != nil {
				g.logger.Error(err, "re-discovery failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Error(err, "assets watcher error")
		}
	}
}

func isRecordPath(path string) bool {
	return len(path) > len(record.FileExtension) &&
		path[len(path)-len(record.FileExtension):] == record.FileExtension
}

// Health classifies the shard from its cumulative repair failures and
// current resource usage.
func (g *Guardian) Health() ShardHealth {
	g.mu.Lock()
	stats := g.stats
	assets := len(g.owned)
	g.mu.Unlock()

	status := ShardHealthy
	switch {
	case stats.RepairFailures > unhealthyFailures:
		status = ShardUnhealthy
	case stats.RepairFailures > degradedFailures:
		status = ShardDegraded
	}

	memMB, cpuPercent, err := g.selfUsage()
	if err != nil {
		g.logger.V(1).Info("failed to sample self usage", "error", err.Error())
	}

	return ShardHealth{
		ShardID:         g.config.ShardID,
		AssetsMonitored: assets,
		Validations:     stats.Validations,
		Repairs:         stats.Repairs,
		Status:          status,
		MemoryMB:        memMB,
		CPUPercent:      cpuPercent,
		UptimeSeconds:   time.Since(g.started).Seconds(),
	}
}

// GetStats returns the shard's cumulative counters.
func (g *Guardian) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := g.stats
	stats.ShardID = g.config.ShardID
	stats.TotalShards = g.config.TotalShards
	stats.AssetsMonitored = len(g.owned)
	return stats
}

func (g *Guardian) ownedAssets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.owned))
	for id := range g.owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
