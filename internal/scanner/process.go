// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/process"
)

// Compile-time interface check
var _ Scanner = (*ProcessScanner)(nil)

// ProcessScanner discovers long-running processes whose names match a watch
// list, for deployments that track individual services as assets.
type ProcessScanner struct {
	logger logr.Logger
	watch  map[string]struct{}
}

// NewProcessScanner watches for the named processes. An empty watch list
// discovers nothing; scanning every process on a busy host produces noise,
// not assets.
func NewProcessScanner(names []string, logger logr.Logger) *ProcessScanner {
	watch := make(map[string]struct{}, len(names))
	for _, n := range names {
		watch[n] = struct{}{}
	}
	return &ProcessScanner{
		logger: logger.WithName("process-scanner"),
		watch:  watch,
	}
}

func (s *ProcessScanner) Name() string { return "process" }

func (s *ProcessScanner) Scan(ctx context.Context) ([]Asset, error) {
	if len(s.watch) == 0 {
		return nil, nil
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var assets []Asset
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if _, watched := s.watch[name]; !watched {
			continue
		}
		status := "running"
		if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
			status = st[0]
		}
		assets = append(assets, Asset{
			ID:     fmt.Sprintf("%s-%d", name, p.Pid),
			Type:   "service",
			Name:   name,
			Status: status,
			Labels: map[string]string{"pid": fmt.Sprintf("%d", p.Pid)},
		})
	}
	return assets, nil
}
