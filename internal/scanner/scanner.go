// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package scanner discovers computational assets worth a state record. Each
// backend is a free-standing Scanner implementation returning flat asset
// descriptors; scanners never touch record files themselves.
package scanner

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Asset describes one discovered asset.
type Asset struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Status string            `json:"status"`
	Tags   []string          `json:"tags,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Scanner is a discovery backend.
type Scanner interface {
	Name() string
	Scan(ctx context.Context) ([]Asset, error)
}

// Run is one discovery pass over a set of scanners.
type Run struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Assets    []Asset   `json:"assets"`
	Errors    []string  `json:"errors,omitempty"`
}

// ScanAll runs every scanner and aggregates the results into one tagged run.
// Individual scanner failures are recorded but do not abort the run.
func ScanAll(ctx context.Context, scanners []Scanner) Run {
	run := Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}

	for _, s := range scanners {
		assets, err := s.Scan(ctx)
		if err != nil {
			run.Errors = append(run.Errors, s.Name()+": "+err.Error())
			continue
		}
		run.Assets = append(run.Assets, assets...)
	}

	run.Duration = time.Since(run.StartedAt).String()
	return run
}
