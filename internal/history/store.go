// Package history persists verification runs under:
//
//	<dir>/runs/<run-id>/run.json
//
// Every write is temp-then-rename, so a crashed verification never leaves
// a torn record behind.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"reprolock/internal/fsys"
)

var ErrNotFound = errors.New("run not found")

type Store struct {
	root *fsys.Root
}

// NewStore returns a store rooted at dir on the host filesystem.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("history dir is required")
	}
	return &Store{root: fsys.OS(dir)}, nil
}

// NewStoreAt returns a store over an existing root.
func NewStoreAt(root *fsys.Root) *Store {
	return &Store{root: root}
}

func runPath(runID string) string {
	return path.Join("runs", runID, "run.json")
}

// Save validates run and writes it atomically.
func (s *Store) Save(run Run) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := s.root.WriteAtomic(runPath(run.RunID), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *Store) Load(runID string) (Run, error) {
	if s == nil {
		return Run{}, errors.New("nil Store")
	}
	if strings.TrimSpace(runID) == "" || strings.ContainsAny(runID, `/\`) {
		return Run{}, fmt.Errorf("invalid run id %q", runID)
	}
	ok, err := s.root.Exists(runPath(runID))
	if err != nil {
		return Run{}, err
	}
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	data, err := s.root.ReadFile(runPath(runID))
	if err != nil {
		return Run{}, err
	}
	var run Run
	if err := decodeStrict(data, &run); err != nil {
		return Run{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// ListRunIDs returns every run directory name, sorted lexicographically.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	return s.root.Dirs("runs")
}

// List loads every run, oldest first. Ties on start time break by run ID.
func (s *Store) List() ([]Run, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.Before(runs[j].StartTime)
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}
