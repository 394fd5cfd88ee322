// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package guardian

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-logr/logr"

	"github.com/antimetal/assetstate/pkg/record"
)

// Strategy names a repair approach.
type Strategy string

const (
	StrategyNone             Strategy = "none"
	StrategySyntaxFix        Strategy = "syntax_fix"
	StrategyBackupRestore    Strategy = "backup_restore"
	StrategyPartialRecovery  Strategy = "partial_recovery"
	StrategyEmergencyRebuild Strategy = "emergency_rebuild"
)

// RepairResult is the immutable outcome of one repair attempt.
type RepairResult struct {
	Success  bool
	Path     string
	Strategy Strategy
	Message  string
	// OriginalError carries the first error seen while trying earlier
	// strategies, for diagnostics when a later one succeeds or all fail.
	OriginalError string
}

func (r RepairResult) String() string {
	status := "REPAIRED"
	if !r.Success {
		status = "REPAIR FAILED"
	}
	return fmt.Sprintf("%s: %s (strategy: %s) %s", status, r.Path, r.Strategy, r.Message)
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*]`)
	boolTrueRe      = regexp.MustCompile(`\bTrue\b`)
	boolFalseRe     = regexp.MustCompile(`\bFalse\b`)
	noneLiteralRe   = regexp.MustCompile(`\b(None|null|nil)\b`)
	assetIDRe       = regexp.MustCompile(`asset_id\s*=\s*["']([^"']+)["']`)
	assetTypeRe     = regexp.MustCompile(`type\s*=\s*["']([^"']+)["']`)
)

// Repairer recovers damaged record files through an ordered strategy chain:
// syntax fix, backup restore, partial recovery, emergency rebuild. The last
// strategy is total, so Repair fails only when the path itself is
// unwritable.
type Repairer struct {
	store  *record.Store
	logger logr.Logger
}

func NewRepairer(store *record.Store, logger logr.Logger) *Repairer {
	return &Repairer{
		store:  store,
		logger: logger.WithName("repairer"),
	}
}

// Repair tries each strategy in order and stops at the first success.
func (r *Repairer) Repair(path string) RepairResult {
	if _, err := os.Stat(path); err != nil {
		return RepairResult{
			Success:  false,
			Path:     path,
			Strategy: StrategyNone,
			Message:  "file does not exist",
		}
	}

	strategies := []struct {
		name Strategy
		fn   func(path string) (string, error)
	}{
		{StrategySyntaxFix, r.repairSyntax},
		{StrategyBackupRestore, r.repairFromBackup},
		{StrategyPartialRecovery, r.repairPartial},
		{StrategyEmergencyRebuild, r.repairEmergency},
	}

	var originalError string
	for _, s := range strategies {
		r.logger.V(1).Info("attempting repair strategy", "strategy", s.name, "path", path)

		message, err := s.fn(path)
		if err != nil {
			r.logger.V(1).Info("repair strategy failed",
				"strategy", s.name, "path", path, "error", err.Error())
			if originalError == "" {
				originalError = err.Error()
			}
			continue
		}

		r.logger.Info("repaired record", "strategy", s.name, "path", path)
		return RepairResult{
			Success:       true,
			Path:          path,
			Strategy:      s.name,
			Message:       message,
			OriginalError: originalError,
		}
	}

	return RepairResult{
		Success:       false,
		Path:          path,
		Strategy:      StrategyNone,
		Message:       "all repair strategies failed",
		OriginalError: originalError,
	}
}

// repairSyntax applies a small set of textual normalizations and keeps the
// result only if it parses.
func (r *Repairer) repairSyntax(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	fixed := trailingCommaRe.ReplaceAllString(string(content), "]")
	fixed = boolTrueRe.ReplaceAllString(fixed, "true")
	fixed = boolFalseRe.ReplaceAllString(fixed, "false")
	fixed = noneLiteralRe.ReplaceAllString(fixed, `""`)

	var probe map[string]any
	if err := toml.Unmarshal([]byte(fixed), &probe); err != nil {
		return "", fmt.Errorf("syntax fixes did not resolve TOML errors: %w", err)
	}

	if err := replaceFile(path, []byte(fixed)); err != nil {
		return "", err
	}
	return "fixed TOML syntax errors", nil
}

// repairFromBackup copies the backup sibling over the primary if the backup
// itself parses.
func (r *Repairer) repairFromBackup(path string) (string, error) {
	backup := strings.TrimSuffix(path, record.FileExtension) + record.BackupExtension

	content, err := os.ReadFile(backup)
	if err != nil {
		return "", fmt.Errorf("no usable backup: %w", err)
	}
	var probe map[string]any
	if err := toml.Unmarshal(content, &probe); err != nil {
		return "", fmt.Errorf("backup is itself corrupt: %w", err)
	}

	if err := replaceFile(path, content); err != nil {
		return "", err
	}
	return "restored from backup", nil
}

// repairPartial scrapes asset_id and type out of the damaged text and writes
// a fresh skeleton, discarding everything else.
func (r *Repairer) repairPartial(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	assetID := "unknown"
	recovered := false
	if m := assetIDRe.FindSubmatch(content); m != nil {
		assetID = string(m[1])
		recovered = true
	}
	assetType := "unknown"
	if m := assetTypeRe.FindSubmatch(content); m != nil {
		assetType = string(m[1])
		recovered = true
	}
	if !recovered {
		return "", fmt.Errorf("no recoverable data in %s", path)
	}

	rec := record.NewSkeleton(assetID, assetType, "")
	if err := r.store.WriteToPath(path, rec); err != nil {
		return "", fmt.Errorf("failed to write recovered skeleton: %w", err)
	}
	return fmt.Sprintf("recovered partial data (asset_id: %s)", assetID), nil
}

// repairEmergency rebuilds a minimal record from nothing but the filename.
// It always succeeds on a writable filesystem, which makes the chain total.
func (r *Repairer) repairEmergency(path string) (string, error) {
	assetID := strings.TrimSuffix(filepath.Base(path), record.FileExtension)

	rec := record.NewSkeleton(assetID, "unknown", "")
	meta := rec.Metadata()
	meta["emergency_rebuild"] = true
	meta["rebuild_reason"] = "complete file corruption, all other repair strategies failed"
	for _, name := range record.SensorSections {
		rec.Section(name)["sensor_status"] = "restarting"
	}

	if err := r.store.WriteToPath(path, rec); err != nil {
		return "", fmt.Errorf("emergency rebuild failed: %w", err)
	}
	return "created emergency skeleton, sensors will repopulate data", nil
}

func replaceFile(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
