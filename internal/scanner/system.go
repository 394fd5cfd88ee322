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
	"github.com/shirou/gopsutil/v3/host"
)

// Compile-time interface check
var _ Scanner = (*SystemScanner)(nil)

// SystemScanner reports the local host as a single machine asset.
type SystemScanner struct {
	logger logr.Logger
}

func NewSystemScanner(logger logr.Logger) *SystemScanner {
	return &SystemScanner{logger: logger.WithName("system-scanner")}
}

func (s *SystemScanner) Name() string { return "system" }

func (s *SystemScanner) Scan(ctx context.Context) ([]Asset, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	return []Asset{{
		ID:     info.Hostname,
		Type:   "machine",
		Name:   info.Hostname,
		Status: "running",
		Labels: map[string]string{
			"os":       info.OS,
			"platform": info.Platform,
			"kernel":   info.KernelVersion,
		},
	}}, nil
}
