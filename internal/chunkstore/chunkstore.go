// Package chunkstore manages the per-segment sidecar files that a Download
// Item appends to while a multi-segment transfer is in flight, and the
// merge that concatenates them into the final file.
//
// Merge verifies the sidecar-size sum against the expected total before
// truncating and writing the destination file, so a short or corrupt
// sidecar set is caught rather than silently producing a bad file.
package chunkstore

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/grabd/grabd/internal/segment"
)

// sidecarPath returns the on-disk path for segment i of destPath:
// "${destPath}.chunk${i}".
func sidecarPath(destPath string, i int) string {
	return fmt.Sprintf("%s.chunk%d", destPath, i)
}

// Store owns the sidecar files (or the single final-file handle, in
// single-segment mode) for one item's destination path.
type Store struct {
	destPath string
	segments []segment.Range
	// single indicates single-segment mode: writes go straight to destPath
	// (in append mode for resume), bypassing sidecars entirely.
	single bool

	handles map[int]*os.File
}

// New creates a Store for destPath with the given frozen segment layout.
// len(segments) == 1 selects single-segment mode.
func New(destPath string, segments []segment.Range) *Store {
	return &Store{
		destPath: destPath,
		segments: segments,
		single:   len(segments) == 1,
		handles:  make(map[int]*os.File),
	}
}

// SegmentProgress returns the on-disk size already present for segment i,
// the size adopted as the resume offset on a retry.
func (s *Store) SegmentProgress(i int) (int64, error) {
	path := s.path(i)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Store) path(i int) string {
	if s.single {
		return s.destPath
	}
	return sidecarPath(s.destPath, i)
}

// Open opens (creating if needed) the append-mode handle for segment i.
// Calling Open twice for the same i returns the same handle.
func (s *Store) Open(i int) (*os.File, error) {
	if f, ok := s.handles[i]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.path(i), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	s.handles[i] = f
	return f, nil
}

// Write appends p to segment i's sidecar (or the final file, in
// single-segment mode). Returns the number of bytes written.
func (s *Store) Write(i int, p []byte) (int, error) {
	f, err := s.Open(i)
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

// Close closes the handle for segment i, if open. Safe to call multiple
// times.
func (s *Store) Close(i int) error {
	f, ok := s.handles[i]
	if !ok {
		return nil
	}
	delete(s.handles, i)
	return f.Close()
}

// CloseAll closes every open handle; call on every exit path (pause, stop,
// fail, complete) to avoid leaking descriptors.
func (s *Store) CloseAll() error {
	var firstErr error
	for i := range s.handles {
		if err := s.Close(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveAll deletes every sidecar file. In single-segment mode there are no
// sidecars, so this removes the partial destination file itself instead.
func (s *Store) RemoveAll() error {
	if err := s.CloseAll(); err != nil {
		return err
	}
	var firstErr error
	for i := range s.segments {
		if err := os.Remove(s.path(i)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Merge concatenates the sidecars in index order into destPath, verifying
// first that the sum of sidecar sizes equals totalSize. Sidecars are
// removed only after the concatenation succeeds; a crash mid-merge leaves
// them intact so the item can retry.
//
// Single-segment mode needs no merge: the final file already is destPath.
func (s *Store) Merge(totalSize int64) error {
	if s.single {
		return nil
	}
	if err := s.CloseAll(); err != nil {
		return err
	}

	var sum int64
	sizes := make([]int64, len(s.segments))
	for i := range s.segments {
		sz, err := s.SegmentProgress(i)
		if err != nil {
			return err
		}
		sizes[i] = sz
		sum += sz
	}
	if sum != totalSize {
		return fmt.Errorf("chunkstore: sidecar size sum %d != total_size %d", sum, totalSize)
	}

	out, err := os.OpenFile(s.destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	order := make([]int, len(s.segments))
	for i := range order {
		order[i] = i
	}
	sort.Ints(order)

	for _, i := range order {
		in, err := os.Open(s.path(i))
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}

	for _, i := range order {
		if err := os.Remove(s.path(i)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
