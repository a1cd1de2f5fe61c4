// Package history persists a durable snapshot of items and their progress
// across restarts: a JSON file with numeric sizes encoded as strings, an
// empty snapshot removing the file entirely, and a load-time filter that
// re-admits only attempts worth resuming.
package history

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/grabd/grabd/internal/item"
)

// FileName is the snapshot's on-disk name.
const FileName = "download_history.json"

// record is the wire format for one item: string fields plus
// numeric-as-string sizes plus a boolean.
type record struct {
	URL            string `json:"url"`
	FilePath       string `json:"filePath"`
	FileName       string `json:"fileName"`
	Status         string `json:"status"`
	DownloadedSize string `json:"downloadedSize"`
	TotalSize      string `json:"totalSize"`
	LastTryDate    string `json:"lastTryDate"`
	Description    string `json:"description"`
	Paused         bool   `json:"paused"`
}

// Entry is the in-memory, typed counterpart of a record, used for
// reconstructing items on load.
type Entry struct {
	URL            string
	DestPath       string
	FileName       string
	State          item.State
	DownloadedSize int64
	TotalSize      int64
	LastAttemptAt  time.Time
	Description    string
}

// Store reads and writes the snapshot file at Path.
type Store struct {
	Path string
}

// New creates a Store rooted at a platform-appropriate data directory.
func New(dir string) *Store {
	return &Store{Path: filepath.Join(dir, FileName)}
}

// Save writes entries as a snapshot. An empty slice removes the snapshot
// file entirely rather than writing an empty array.
func (s *Store) Save(entries []Entry) error {
	if len(entries) == 0 {
		err := os.Remove(s.Path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	records := make([]record, len(entries))
	for i, e := range entries {
		records[i] = record{
			URL:            e.URL,
			FilePath:       e.DestPath,
			FileName:       e.FileName,
			Status:         string(e.State),
			DownloadedSize: strconv.FormatInt(e.DownloadedSize, 10),
			TotalSize:      strconv.FormatInt(e.TotalSize, 10),
			LastTryDate:    e.LastAttemptAt.UTC().Format(time.RFC3339),
			Description:    e.Description,
			Paused:         e.State == item.Paused,
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("history: create dir: %w", err)
	}
	return os.WriteFile(s.Path, data, 0644)
}

// Load reads the snapshot. A missing file is not an error (empty
// history). A corrupt snapshot logs a warning and returns an empty
// history rather than aborting startup.
func (s *Store) Load() []Entry {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[history] warning: could not read %s: %v", s.Path, err)
		}
		return nil
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("[history] warning: corrupt snapshot at %s, starting empty: %v", s.Path, err)
		return nil
	}

	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		downloaded, _ := strconv.ParseInt(r.DownloadedSize, 10, 64)
		total, _ := strconv.ParseInt(r.TotalSize, 10, 64)
		lastTry, _ := time.Parse(time.RFC3339, r.LastTryDate)
		st := item.State(r.Status)
		if r.Paused {
			st = item.Paused
		}
		entries = append(entries, Entry{
			URL:            r.URL,
			DestPath:       r.FilePath,
			FileName:       r.FileName,
			State:          st,
			DownloadedSize: downloaded,
			TotalSize:      total,
			LastAttemptAt:  lastTry,
			Description:    r.Description,
		})
	}
	return entries
}

// Resumable reports whether e is eligible for re-admission into the queue
// on load: every state except Completed and Paused (Paused items are
// loaded but not auto-started).
func (e Entry) Resumable() bool {
	return e.State != item.Completed && e.State != item.Paused
}

// Resumable filters entries to those eligible for re-admission.
func Resumable(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Resumable() {
			out = append(out, e)
		}
	}
	return out
}
