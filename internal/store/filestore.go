// Package store implements the bot persistence layer (C3): one JSON
// snapshot file per bot, written as a whole-file temp-then-rename so a
// crash mid-write never leaves a half-written file behind, plus an
// optional SQLite index for fast listing.
//
// Grounded on the teacher's internal/engine/simple/store_sqlite.go, whose
// checksummed-write discipline is reproduced here via the filesystem's own
// atomic rename rather than a database transaction, since spec.md §6
// mandates a literal one-file-per-bot JSON format.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridbot/internal/core"
)

// FileStore is the authoritative persistence implementation of core.Store.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a FileStore rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(botID string) string {
	return filepath.Join(s.dir, botID+".json")
}

// Save overwrites botID's snapshot atomically: write to a temp file in the
// same directory, fsync, then rename over the target. A reader never
// observes a partially written file.
func (s *FileStore) Save(ctx context.Context, botID string, state core.BotState) error {
	snap := core.Snapshot{UpdatedAt: time.Now().UnixMilli(), State: state}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bot state: %w", err)
	}

	target := s.path(botID)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename snapshot into place: %w", err)
	}
	return nil
}

// Load reads botID's snapshot. A missing or corrupt (truncated/invalid
// JSON) file is reported as ok=false rather than an error -- a crash
// between the prior temp-write and rename (which Save prevents from being
// observed) is the only way this should happen, and the caller's right
// response is "treat this bot as never persisted", not a fatal startup
// error.
func (s *FileStore) Load(ctx context.Context, botID string) (core.BotState, bool, error) {
	data, err := os.ReadFile(s.path(botID))
	if err != nil {
		if os.IsNotExist(err) {
			return core.BotState{}, false, nil
		}
		return core.BotState{}, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return core.BotState{}, false, nil
	}
	return snap.State, true, nil
}

// Delete removes botID's snapshot file, if any.
func (s *FileStore) Delete(ctx context.Context, botID string) error {
	err := os.Remove(s.path(botID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// List returns the bot ids with a snapshot on disk.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	return ids, nil
}

// IndexedStore wraps a FileStore with a SQLiteIndex mirror: every Save also
// upserts the bot's index row, every Delete also removes it. The FileStore
// snapshot stays authoritative; List and Load read the files, never the
// index, so a missing or stale index never loses a bot.
type IndexedStore struct {
	*FileStore
	index *SQLiteIndex
}

// NewIndexedStore pairs files with a SQLite listing index.
func NewIndexedStore(files *FileStore, index *SQLiteIndex) *IndexedStore {
	return &IndexedStore{FileStore: files, index: index}
}

// Save persists botID's snapshot, then mirrors its listing fields into the
// index. An index-write failure is returned to the caller, by which point
// the snapshot file has already been written.
func (s *IndexedStore) Save(ctx context.Context, botID string, state core.BotState) error {
	if err := s.FileStore.Save(ctx, botID, state); err != nil {
		return err
	}
	return s.index.Upsert(ctx, botID, state.Strategy, state.Symbol, state.Status, time.Now().UnixMilli())
}

// Delete removes botID's snapshot and its index row.
func (s *IndexedStore) Delete(ctx context.Context, botID string) error {
	if err := s.FileStore.Delete(ctx, botID); err != nil {
		return err
	}
	return s.index.Remove(ctx, botID)
}
