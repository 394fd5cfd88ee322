// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package guardian_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/assetstate/internal/guardian"
	"github.com/antimetal/assetstate/pkg/record"
)

func newRepairFixture(t *testing.T) (*guardian.Repairer, *record.Store) {
	t.Helper()
	store := record.NewStore(t.TempDir(), testr.New(t))
	return guardian.NewRepairer(store, testr.New(t)), store
}

func TestRepairMissingFile(t *testing.T) {
	repairer, store := newRepairFixture(t)

	result := repairer.Repair(store.Path("ghost"))
	assert.False(t, result.Success)
	assert.Equal(t, guardian.StrategyNone, result.Strategy)
}

func TestRepairSyntaxFix(t *testing.T) {
	repairer, store := newRepairFixture(t)

	// Python-flavored literals and a trailing comma, the classic damage from
	// hand edits and older writers.
	content := `
[metadata]
format_version = "2.0.0"
asset_id = "web-01"
last_updated = "2026-01-01T00:00:00.000000Z"

[asset]
id = "web-01"
type = "vm"
status = "running"
tags = ["prod", "edge",]
active = True

[compute]
last_updated = "2026-01-01T00:00:00.000000Z"
sensor_status = "healthy"

[memory]
[storage]
[network]
[services]
`
	path := store.Path("web-01")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	result := repairer.Repair(path)
	require.True(t, result.Success, "message: %s original: %s", result.Message, result.OriginalError)
	assert.Equal(t, guardian.StrategySyntaxFix, result.Strategy)

	rec, err := store.Read("web-01")
	require.NoError(t, err)
	assert.Equal(t, true, rec.Asset()["active"])
}

func TestRepairFromBackup(t *testing.T) {
	repairer, store := newRepairFixture(t)

	// A valid record written with backup, then the primary destroyed beyond
	// what syntax fixes can save.
	rec := record.NewSkeleton("db-01", "database", "")
	require.NoError(t, store.Write("db-01", rec, false))
	require.NoError(t, store.Write("db-01", rec, true))
	require.NoError(t, os.WriteFile(store.Path("db-01"), []byte("[metadata\n####"), 0o644))

	result := repairer.Repair(store.Path("db-01"))
	require.True(t, result.Success)
	assert.Equal(t, guardian.StrategyBackupRestore, result.Strategy)
	assert.NotEmpty(t, result.OriginalError, "carries the first strategy's failure")

	got, err := store.Read("db-01")
	require.NoError(t, err)
	assert.Equal(t, "db-01", got.AssetID())
}

func TestRepairPartialRecovery(t *testing.T) {
	repairer, store := newRepairFixture(t)

	// No backup, unfixable syntax, but identity fields survive in the text.
	content := `
[metadata
asset_id = "cache-9"
[[[
type = "service"
`
	path := store.Path("cache-9")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	result := repairer.Repair(path)
	require.True(t, result.Success)
	assert.Equal(t, guardian.StrategyPartialRecovery, result.Strategy)

	got, err := store.Read("cache-9")
	require.NoError(t, err)
	assert.Equal(t, "cache-9", got.AssetID())
	assert.Equal(t, "service", got.Asset()["type"])
	require.NoError(t, store.Validate(got), "recovered skeleton is structurally valid")
}

func TestRepairEmergencyRebuild(t *testing.T) {
	repairer, store := newRepairFixture(t)

	// Nothing recoverable at all: the filename is the only surviving identity.
	path := store.Path("node-42")
	require.NoError(t, os.WriteFile(path, []byte("\x00\x01 ???? ==="), 0o644))

	result := repairer.Repair(path)
	require.True(t, result.Success, "the repair chain is total")
	assert.Equal(t, guardian.StrategyEmergencyRebuild, result.Strategy)

	got, err := store.Read("node-42")
	require.NoError(t, err)
	assert.Equal(t, "node-42", got.AssetID())
	assert.Equal(t, true, got.Metadata()["emergency_rebuild"])
	for _, section := range record.SensorSections {
		assert.Equal(t, "restarting", got.Section(section)["sensor_status"])
	}

	// The rebuilt record passes validation so the next cycle is clean.
	v := guardian.NewValidator(0)
	check := v.Validate(path)
	assert.True(t, check.Valid, "errors: %v", check.Errors)
}

func TestRepairLeavesNoTempFiles(t *testing.T) {
	repairer, store := newRepairFixture(t)

	path := store.Path("n1")
	require.NoError(t, os.WriteFile(path, []byte("garbage ["), 0o644))
	require.True(t, repairer.Repair(path).Success)

	leftovers, err := filepath.Glob(filepath.Join(store.Dir(), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
