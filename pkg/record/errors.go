// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package record

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Read when no record exists for the asset.
	ErrNotFound = errors.New("record not found")

	errMissingMetadata    = errors.New("record has no metadata table")
	errMissingLastUpdated = errors.New("metadata has no last_updated field")
)

// DecodeError indicates the on-disk content could not be parsed as TOML.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid TOML in %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError indicates a record is structurally invalid. It is raised by
// the Store's pre-write check; the guardian's validator reports richer
// results instead of erroring.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid record: " + strings.Join(e.Problems, "; ")
}
