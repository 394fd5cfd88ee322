// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package record implements the on-disk state record for a monitored asset.
//
// A record is a TOML-formatted, human-readable .aav file containing:
//   - Metadata (format version, asset id, timestamps)
//   - Asset information (id, type, name, status, tags)
//   - Five sensor sections (compute, memory, storage, network, services)
//
// The Store owns the on-disk representation exclusively: sensors and the
// guardian read and mutate records only through Store operations, never by
// direct file access.
package record

import (
	"time"
)

const (
	// FormatVersion is the current .aav format version written to new records.
	FormatVersion = "2.0.0"
	// SchemaVersion is the current record schema version.
	SchemaVersion = "2.0"

	// FileExtension is the on-disk extension for record files.
	FileExtension = ".aav"
	// BackupExtension is the extension of the backup sibling.
	BackupExtension = ".aav.backup"
)

// SensorSections are the section names owned by sampling sensors.
var SensorSections = []string{"compute", "memory", "storage", "network", "services"}

// RequiredSections are the top-level tables a record must carry to be valid.
var RequiredSections = []string{"metadata", "asset", "compute", "memory", "storage", "network", "services"}

// Record is the persisted state document for one asset. Sections are
// arbitrary nested tables, so the representation stays schemaless beyond
// the required structure enforced by Store.Validate.
type Record map[string]any

// timestampLayout renders UTC instants with a literal Z suffix, matching the
// format_version 2.x on-disk convention.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp formats t as an ISO-8601 UTC string with a Z suffix.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a timestamp previously produced by Timestamp. It
// accepts any RFC 3339 variant so records written by older agents still parse.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// NewSkeleton builds the minimal valid record for an asset: metadata, asset
// info, and all five sensor sections with sensor_status "initializing".
func NewSkeleton(assetID, assetType, name string) Record {
	if name == "" {
		name = assetID
	}
	now := Timestamp(time.Now())

	rec := Record{
		"metadata": map[string]any{
			"format_version": FormatVersion,
			"asset_id":       assetID,
			"last_updated":   now,
			"schema_version": SchemaVersion,
		},
		"asset": map[string]any{
			"id":     assetID,
			"type":   assetType,
			"name":   name,
			"status": "unknown",
			"tags":   []string{},
		},
	}
	for _, section := range SensorSections {
		rec[section] = map[string]any{
			"last_updated":  now,
			"sensor_status": "initializing",
		}
	}
	return rec
}

// Metadata returns the metadata table, or nil if absent or malformed.
func (r Record) Metadata() map[string]any {
	return r.table("metadata")
}

// Asset returns the asset table, or nil if absent or malformed.
func (r Record) Asset() map[string]any {
	return r.table("asset")
}

// Section returns the named section table, or nil if absent or malformed.
func (r Record) Section(name string) map[string]any {
	return r.table(name)
}

// AssetID returns metadata.asset_id, or "" if absent.
func (r Record) AssetID() string {
	meta := r.Metadata()
	if meta == nil {
		return ""
	}
	id, _ := meta["asset_id"].(string)
	return id
}

// LastUpdated parses metadata.last_updated.
func (r Record) LastUpdated() (time.Time, error) {
	meta := r.Metadata()
	if meta == nil {
		return time.Time{}, errMissingMetadata
	}
	raw, ok := meta["last_updated"].(string)
	if !ok {
		return time.Time{}, errMissingLastUpdated
	}
	return ParseTimestamp(raw)
}

// MergeSection shallow-merges patch into the named section, creating the
// section if it does not exist yet.
func (r Record) MergeSection(name string, patch map[string]any) {
	section := r.table(name)
	if section == nil {
		section = make(map[string]any, len(patch))
		r[name] = section
	}
	for k, v := range patch {
		section[k] = v
	}
}

func (r Record) table(name string) map[string]any {
	t, _ := r[name].(map[string]any)
	return t
}
