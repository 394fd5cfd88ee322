// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/assetstate/internal/scanner"
)

type stubScanner struct {
	name   string
	assets []scanner.Asset
	err    error
}

func (s *stubScanner) Name() string { return s.name }

func (s *stubScanner) Scan(context.Context) ([]scanner.Asset, error) {
	return s.assets, s.err
}

func TestScanAllAggregates(t *testing.T) {
	scanners := []scanner.Scanner{
		&stubScanner{name: "one", assets: []scanner.Asset{
			{ID: "a", Type: "machine", Status: "running"},
		}},
		&stubScanner{name: "two", assets: []scanner.Asset{
			{ID: "b", Type: "service", Status: "running"},
			{ID: "c", Type: "service", Status: "stopped"},
		}},
	}

	run := scanner.ScanAll(context.Background(), scanners)

	assert.NotEmpty(t, run.ID)
	assert.False(t, run.StartedAt.IsZero())
	assert.Len(t, run.Assets, 3)
	assert.Empty(t, run.Errors)
}

func TestScanAllRecordsFailuresWithoutAborting(t *testing.T) {
	scanners := []scanner.Scanner{
		&stubScanner{name: "dead", err: errors.New("backend offline")},
		&stubScanner{name: "alive", assets: []scanner.Asset{{ID: "a", Type: "machine"}}},
	}

	run := scanner.ScanAll(context.Background(), scanners)

	assert.Len(t, run.Assets, 1, "healthy scanners still contribute")
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "dead")
	assert.Contains(t, run.Errors[0], "backend offline")
}

func TestScanAllRunIDsAreUnique(t *testing.T) {
	a := scanner.ScanAll(context.Background(), nil)
	b := scanner.ScanAll(context.Background(), nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestProcessScannerEmptyWatchList(t *testing.T) {
	s := scanner.NewProcessScanner(nil, testr.New(t))
	assets, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, assets, "an empty watch list discovers nothing")
}
