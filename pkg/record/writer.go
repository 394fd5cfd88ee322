// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package record

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
)

// ErrWriterClosed is returned when applying a patch to a closed Writer.
var ErrWriterClosed = errors.New("record writer is closed")

type sectionPatch struct {
	section string
	patch   map[string]any
	done    chan error
}

// Writer serializes all section updates for one record through a single
// goroutine. OS file locking alone only prevents torn reads and writes; it
// does not prevent two read-modify-write cycles from racing and losing an
// update. Every sensor targeting the same record must share one Writer.
type Writer struct {
	store   *Store
	assetID string
	logger  logr.Logger

	patches chan sectionPatch
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts the serializing goroutine for assetID.
func NewWriter(store *Store, assetID string, logger logr.Logger) *Writer {
	w := &Writer{
		store:   store,
		assetID: assetID,
		logger:  logger.WithName("record-writer").WithValues("asset", assetID),
		patches: make(chan sectionPatch, 16),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for p := range w.patches {
		err := w.store.UpdateSection(w.assetID, p.section, p.patch)
		if err != nil {
			w.logger.Error(err, "section update failed", "section", p.section)
		}
		p.done <- err
	}
}

// Apply merges patch into the named section, waiting for the write to
// complete or ctx to be cancelled.
func (w *Writer) Apply(ctx context.Context, section string, patch map[string]any) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}

	p := sectionPatch{section: section, patch: patch, done: make(chan error, 1)}
	select {
	case w.patches <- p:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending patches and stops the goroutine. Applies issued after
// Close return ErrWriterClosed.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.patches)
	w.mu.Unlock()

	w.wg.Wait()
}
