// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package guardian implements the distributed integrity layer: multi-stage
// record validation, an ordered chain of repair strategies, and hash-sharded
// guardian instances that run a periodic validate-and-repair cycle over the
// assets they own.
package guardian

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/antimetal/assetstate/pkg/record"
)

// DefaultMaxAge is the record age beyond which the validator flags staleness.
const DefaultMaxAge = 300 * time.Second

// validAssetTypes are the asset types the validator recognizes; anything
// else is flagged with a warning, not an error.
var validAssetTypes = map[string]struct{}{
	"container": {}, "vm": {}, "pod": {}, "machine": {}, "database": {}, "service": {},
}

// ValidationResult is the immutable outcome of one validation run. Errors
// make the record invalid; warnings are advisory.
type ValidationResult struct {
	Valid     bool
	Path      string
	Errors    []string
	Warnings  []string
	CheckedAt time.Time
}

func (r ValidationResult) String() string {
	status := "VALID"
	if !r.Valid {
		status = "INVALID"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", status, r.Path)
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "\n  error: %s", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n  warning: %s", w)
	}
	return b.String()
}

// Summary aggregates a batch of validation results.
type Summary struct {
	TotalFiles    int
	Valid         int
	Invalid       int
	TotalErrors   int
	TotalWarnings int
	// ValidityRate is the percentage of valid files, 0..100.
	ValidityRate float64
}

// Validator runs the ordered structural and semantic checks over a record
// file. Existence and syntax failures short-circuit; later checks accumulate
// errors and warnings.
type Validator struct {
	maxAge time.Duration
}

func NewValidator(maxAge time.Duration) *Validator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Validator{maxAge: maxAge}
}

// Validate checks the record file at path. The check order is: existence and
// readability, TOML syntax, required sections, metadata shape, asset shape,
// freshness, per-section mandatory fields, and sensor health. The first five
// can mark the record invalid; the rest only warn.
func (v *Validator) Validate(path string) ValidationResult {
	result := ValidationResult{Valid: true, Path: path, CheckedAt: time.Now()}

	content, ok := v.checkReadable(path, &result)
	if !ok {
		return result
	}

	var rec record.Record
	if err := toml.Unmarshal(content, &rec); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("invalid TOML syntax: %v", err))
		return result
	}

	v.checkRequiredSections(rec, &result)
	v.checkMetadata(rec, &result)
	v.checkAsset(rec, &result)
	v.checkFreshness(rec, &result)
	v.checkSensorSections(rec, &result)
	v.checkSensorHealth(rec, &result)

	return result
}

// ValidateBatch validates every path and returns the results in order.
func (v *Validator) ValidateBatch(paths []string) []ValidationResult {
	results := make([]ValidationResult, 0, len(paths))
	for _, p := range paths {
		results = append(results, v.Validate(p))
	}
	return results
}

// Summarize aggregates counts and a validity rate over a batch of results.
func Summarize(results []ValidationResult) Summary {
	s := Summary{TotalFiles: len(results)}
	for _, r := range results {
		if r.Valid {
			s.Valid++
		} else {
			s.Invalid++
		}
		s.TotalErrors += len(r.Errors)
		s.TotalWarnings += len(r.Warnings)
	}
	if s.TotalFiles > 0 {
		s.ValidityRate = float64(s.Valid) / float64(s.TotalFiles) * 100
	}
	return s
}

func (v *Validator) checkReadable(path string, result *ValidationResult) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil {
		result.Valid = false
		if os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("file does not exist: %s", path))
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("cannot stat file: %v", err))
		}
		return nil, false
	}
	if info.IsDir() {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("path is not a file: %s", path))
		return nil, false
	}

	content, err := os.ReadFile(path)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("cannot read file: %v", err))
		return nil, false
	}
	return content, true
}

func (v *Validator) checkRequiredSections(rec record.Record, result *ValidationResult) {
	var missing []string
	for _, section := range record.RequiredSections {
		if _, ok := rec[section]; !ok {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("missing required sections: %s", strings.Join(missing, ", ")))
	}
}

func (v *Validator) checkMetadata(rec record.Record, result *ValidationResult) {
	meta := rec.Metadata()
	if meta == nil {
		return
	}

	var missing []string
	for _, field := range []string{"format_version", "asset_id", "last_updated"} {
		if _, ok := meta[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("missing metadata fields: %s", strings.Join(missing, ", ")))
	}

	if version, ok := meta["format_version"].(string); ok && !strings.HasPrefix(version, "2.") {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("unexpected format version: %s", version))
	}
}

func (v *Validator) checkAsset(rec record.Record, result *ValidationResult) {
	asset := rec.Asset()
	if asset == nil {
		return
	}

	var missing []string
	for _, field := range []string{"id", "type", "status"} {
		if _, ok := asset[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("missing asset fields: %s", strings.Join(missing, ", ")))
	}

	if assetType, ok := asset["type"].(string); ok {
		if _, known := validAssetTypes[assetType]; !known {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("unknown asset type: %s", assetType))
		}
	}
}

func (v *Validator) checkFreshness(rec record.Record, result *ValidationResult) {
	meta := rec.Metadata()
	if meta == nil {
		return
	}
	if _, ok := meta["last_updated"]; !ok {
		return
	}

	last, err := rec.LastUpdated()
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("could not validate freshness: %v", err))
		return
	}

	age := time.Since(last)
	if age > v.maxAge {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("file is stale (age: %.0fs, max: %.0fs)", age.Seconds(), v.maxAge.Seconds()))
	}
}

func (v *Validator) checkSensorSections(rec record.Record, result *ValidationResult) {
	for _, name := range record.SensorSections {
		section := rec.Section(name)
		if section == nil {
			continue
		}
		if _, ok := section["last_updated"]; !ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("section %q missing last_updated", name))
		}
		if _, ok := section["sensor_status"]; !ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("section %q missing sensor_status", name))
		}
	}
}

func (v *Validator) checkSensorHealth(rec record.Record, result *ValidationResult) {
	for _, name := range record.SensorSections {
		section := rec.Section(name)
		if section == nil {
			continue
		}
		status, ok := section["sensor_status"].(string)
		if !ok {
			continue
		}
		switch status {
		case "unhealthy":
			result.Warnings = append(result.Warnings, fmt.Sprintf("sensor %q is unhealthy", name))
		case "degraded":
			result.Warnings = append(result.Warnings, fmt.Sprintf("sensor %q is degraded", name))
		case "healthy", "initializing", "stopped", "restarting":
		default:
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("unknown sensor status for %q: %s", name, status))
		}
	}
}
