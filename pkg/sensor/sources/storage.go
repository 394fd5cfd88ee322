// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/antimetal/assetstate/pkg/sensor"
)

func init() {
	sensor.Register("storage", func(logger logr.Logger, config sensor.SourceConfig) (sensor.Source, error) {
		return NewStorageSource(logger, config, "/"), nil
	})
}

var _ sensor.Source = (*StorageSource)(nil)

// StorageSource samples filesystem usage and disk I/O rates for the storage
// section. I/O rates are deltas against the previous collection, so the
// first sample reports zero rates.
type StorageSource struct {
	logger          logr.Logger
	updateThreshold float64
	path            string

	mu         sync.Mutex
	prevIO     map[string]disk.IOCountersStat
	prevIOTime time.Time
}

func NewStorageSource(logger logr.Logger, config sensor.SourceConfig, path string) *StorageSource {
	return &StorageSource{
		logger:          logger.WithName("storage"),
		updateThreshold: config.Thresholds.StoragePercent,
		path:            path,
	}
}

func (s *StorageSource) Name() string { return "storage" }

func (s *StorageSource) Collect(ctx context.Context) (map[string]any, error) {
	usage, err := disk.UsageWithContext(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: disk usage: %v", sensor.ErrCollection, err)
	}

	readMBs, writeMBs := s.ioRates(ctx)

	return map[string]any{
		"disk_percent":     usage.UsedPercent,
		"total_gb":         float64(usage.Total) / 1024 / 1024 / 1024,
		"used_gb":          float64(usage.Used) / 1024 / 1024 / 1024,
		"free_gb":          float64(usage.Free) / 1024 / 1024 / 1024,
		"read_mb_per_sec":  readMBs,
		"write_mb_per_sec": writeMBs,
	}, nil
}

// ioRates computes MB/s deltas since the previous collection. I/O counter
// failures degrade to zero rates rather than failing the whole sample, since
// some container filesystems expose usage but not counters.
func (s *StorageSource) ioRates(ctx context.Context) (readMBs, writeMBs float64) {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		s.logger.V(2).Info("disk I/O counters unavailable", "error", err.Error())
		return 0, 0
	}
	now := time.Now()

	var readBytes, writeBytes uint64
	for _, c := range counters {
		readBytes += c.ReadBytes
		writeBytes += c.WriteBytes
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prevIO != nil && !s.prevIOTime.IsZero() {
		elapsed := now.Sub(s.prevIOTime).Seconds()
		if elapsed > 0 {
			var prevRead, prevWrite uint64
			for _, c := range s.prevIO {
				prevRead += c.ReadBytes
				prevWrite += c.WriteBytes
			}
			if readBytes >= prevRead {
				readMBs = float64(readBytes-prevRead) / 1024 / 1024 / elapsed
			}
			if writeBytes >= prevWrite {
				writeMBs = float64(writeBytes-prevWrite) / 1024 / 1024 / elapsed
			}
		}
	}

	s.prevIO = counters
	s.prevIOTime = now
	return readMBs, writeMBs
}

func (s *StorageSource) Process(raw map[string]any) map[string]any {
	return map[string]any{
		"update_strategy": "change_driven",
		"monitor_path":    s.path,
		"real_time": map[string]any{
			"disk_percent": round2(asFloat(raw["disk_percent"])),
			"total_gb":     round2(asFloat(raw["total_gb"])),
			"used_gb":      round2(asFloat(raw["used_gb"])),
			"free_gb":      round2(asFloat(raw["free_gb"])),
		},
		"io": map[string]any{
			"read_mb_per_sec":  round2(asFloat(raw["read_mb_per_sec"])),
			"write_mb_per_sec": round2(asFloat(raw["write_mb_per_sec"])),
		},
		"thresholds": map[string]any{
			"warning":          85.0,
			"critical":         95.0,
			"update_threshold": s.updateThreshold,
		},
	}
}
