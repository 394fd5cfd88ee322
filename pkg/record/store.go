// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package record

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// DefaultMaxAge is the staleness threshold used by IsFresh when callers pass
// no explicit maximum.
const DefaultMaxAge = 300 * time.Second

// Store reads, writes, and validates .aav records in a single directory.
//
// Writes are atomic: content goes to a temporary sibling under an exclusive
// lock and is renamed onto the final path, so a reader never observes a
// partially written file and a crash mid-write leaves the previous record
// intact.
type Store struct {
	dir    string
	logger logr.Logger
}

func NewStore(dir string, logger logr.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.WithName("record-store"),
	}
}

// Dir returns the assets directory this store operates on.
func (s *Store) Dir() string { return s.dir }

// Path returns the record file path for an asset.
func (s *Store) Path(assetID string) string {
	return filepath.Join(s.dir, assetID+FileExtension)
}

// BackupPath returns the backup sibling path for an asset.
func (s *Store) BackupPath(assetID string) string {
	return filepath.Join(s.dir, assetID+BackupExtension)
}

// List returns the asset IDs of every record in the directory.
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+FileExtension))
	if err != nil {
		return nil, fmt.Errorf("failed to list records in %s: %w", s.dir, err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		ids = append(ids, strings.TrimSuffix(base, FileExtension))
	}
	return ids, nil
}

// Read parses the record for assetID, holding a shared lock on the file for
// the duration of the parse.
func (s *Store) Read(assetID string) (Record, error) {
	path := s.Path(assetID)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck // released on close regardless

	var rec Record
	if _, err := toml.NewDecoder(f).Decode(&rec); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return rec, nil
}

// Write persists rec for assetID. The record is validated first, the
// existing file is copied to the backup sibling (failure to back up is
// logged, never fatal), metadata.last_updated is refreshed, and the content
// is written to a temporary file and renamed into place.
func (s *Store) Write(assetID string, rec Record, createBackup bool) error {
	if err := s.Validate(rec); err != nil {
		return err
	}

	path := s.Path(assetID)

	if createBackup {
		if err := s.createBackup(assetID); err != nil {
			s.logger.Error(err, "failed to create backup", "asset", assetID)
		}
	}

	meta := rec.Metadata()
	meta["last_updated"] = Timestamp(time.Now())

	tmp := path + ".tmp"
	if err := s.writeFile(tmp, rec); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func (s *Store) writeFile(path string, rec Record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	if err := toml.NewEncoder(f).Encode(map[string]any(rec)); err != nil {
		return err
	}
	return f.Sync()
}

// UpdateSection merges patch into the named section of the record and writes
// the result back. If no record exists yet a skeleton is created first.
//
// The read and the write are not atomic as a pair: two concurrent callers can
// race and the last writer wins. Route concurrent section updates for one
// record through a Writer.
func (s *Store) UpdateSection(assetID, section string, patch map[string]any) error {
	rec, err := s.Read(assetID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to update section %s: %w", section, err)
		}
		rec = NewSkeleton(assetID, "unknown", "")
	}

	rec.MergeSection(section, patch)
	return s.Write(assetID, rec, true)
}

// Validate performs the structural check applied before every write: all
// required sections present, metadata and asset tables carrying their
// mandatory fields, and every sensor section carrying last_updated and
// sensor_status.
func (s *Store) Validate(rec Record) error {
	var problems []string

	for _, section := range RequiredSections {
		if _, ok := rec[section]; !ok {
			problems = append(problems, fmt.Sprintf("missing required section %q", section))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	meta := rec.Metadata()
	if meta == nil {
		problems = append(problems, "metadata is not a table")
	} else {
		for _, field := range []string{"format_version", "asset_id", "last_updated"} {
			if _, ok := meta[field]; !ok {
				problems = append(problems, fmt.Sprintf("metadata missing %q", field))
			}
		}
	}

	asset := rec.Asset()
	if asset == nil {
		problems = append(problems, "asset is not a table")
	} else {
		for _, field := range []string{"id", "type", "status"} {
			if _, ok := asset[field]; !ok {
				problems = append(problems, fmt.Sprintf("asset missing %q", field))
			}
		}
	}

	for _, name := range SensorSections {
		section := rec.Section(name)
		if section == nil {
			problems = append(problems, fmt.Sprintf("section %q is not a table", name))
			continue
		}
		if _, ok := section["last_updated"]; !ok {
			problems = append(problems, fmt.Sprintf("section %q missing last_updated", name))
		}
		if _, ok := section["sensor_status"]; !ok {
			problems = append(problems, fmt.Sprintf("section %q missing sensor_status", name))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// CreateEmpty writes the minimal valid skeleton for an asset and returns it.
// No backup is taken since there is nothing worth preserving.
func (s *Store) CreateEmpty(assetID, assetType, name string) (Record, error) {
	rec := NewSkeleton(assetID, assetType, name)
	if err := s.Write(assetID, rec, false); err != nil {
		return nil, err
	}
	return rec, nil
}

// WriteToPath persists rec at an explicit file path instead of the
// id-derived layout. The repairer uses this to rebuild records whose
// recovered asset_id no longer matches the filename. No backup is taken.
func (s *Store) WriteToPath(path string, rec Record) error {
	if err := s.Validate(rec); err != nil {
		return err
	}
	meta := rec.Metadata()
	meta["last_updated"] = Timestamp(time.Now())

	tmp := path + ".tmp"
	if err := s.writeFile(tmp, rec); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// RestoreFromBackup copies the backup sibling over the primary file. It
// returns false without error when no backup exists.
func (s *Store) RestoreFromBackup(assetID string) (bool, error) {
	backup := s.BackupPath(assetID)
	if _, err := os.Stat(backup); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat backup %s: %w", backup, err)
	}
	if err := copyFile(backup, s.Path(assetID)); err != nil {
		return false, fmt.Errorf("failed to restore %s from backup: %w", assetID, err)
	}
	return true, nil
}

// AgeSeconds returns the seconds elapsed since metadata.last_updated.
func (s *Store) AgeSeconds(assetID string) (float64, error) {
	rec, err := s.Read(assetID)
	if err != nil {
		return 0, err
	}
	last, err := rec.LastUpdated()
	if err != nil {
		return 0, err
	}
	return time.Since(last).Seconds(), nil
}

// IsFresh reports whether the record was updated within maxAge. Unreadable
// or unparseable records are treated as stale.
func (s *Store) IsFresh(assetID string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	age, err := s.AgeSeconds(assetID)
	if err != nil {
		return false
	}
	return age <= maxAge.Seconds()
}

func (s *Store) createBackup(assetID string) error {
	path := s.Path(assetID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return copyFile(path, s.BackupPath(assetID))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
