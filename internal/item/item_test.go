package item

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/grabd/grabd/internal/events"
	"github.com/grabd/grabd/internal/ratelimit"
	"github.com/grabd/grabd/internal/transport"
)

func waitTerminal(t *testing.T, it *Item, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s := it.Snapshot()
		switch s.State {
		case Completed, Failed, Paused, Stopped:
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("item did not reach a terminal state within %v, last state %v", timeout, it.Snapshot().State)
	return Snapshot{}
}

// S1: single-segment download, no Accept-Ranges.
func TestS1SingleSegmentDownload(t *testing.T) {
	const body = "hello world, net\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")

	tc, err := transport.New("")
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	bus := events.NewBus()
	it := New("item-1", srv.URL, dest, "out.txt", tc, ratelimit.Unlimited(), bus)

	done := make(chan struct{})
	it.Start(func(*Item) { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	s := it.Snapshot()
	if s.State != Completed {
		t.Fatalf("state = %v, reason = %q", s.State, s.FailReason)
	}
	if s.SegmentCount != 1 {
		t.Fatalf("segment_count = %d, want 1", s.SegmentCount)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != body {
		t.Fatalf("content = %q, want %q", data, body)
	}
}

// S5: HEAD unsupported (405) → GET fallback, single segment.
func TestS5HeadFallbackToGet(t *testing.T) {
	body := strings.Repeat("x", 128*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	tc, _ := transport.New("")
	bus := events.NewBus()
	it := New("item-5", srv.URL, dest, "out.bin", tc, ratelimit.Unlimited(), bus)

	done := make(chan struct{})
	it.Start(func(*Item) { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	s := it.Snapshot()
	if s.State != Completed {
		t.Fatalf("state = %v, reason = %q", s.State, s.FailReason)
	}
	if s.SegmentCount != 1 {
		t.Fatalf("segment_count = %d, want 1", s.SegmentCount)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(body)) {
		t.Fatalf("size = %d, want %d", info.Size(), len(body))
	}
}

// Multi-segment happy path against a range-serving test server.
func TestMultiSegmentDownloadCompletes(t *testing.T) {
	body := strings.Repeat("0123456789", 100*1024) // 1,024,000 bytes: under 5 MiB, so the override forces segmentation
	srv := httptest.NewServer(http.HandlerFunc(rangeServer(body)))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	tc, _ := transport.New("")
	bus := events.NewBus()
	it := New("item-multi", srv.URL, dest, "out.bin", tc, ratelimit.Unlimited(), bus)
	it.SetSegmentOverride(4)

	done := make(chan struct{})
	it.Start(func(*Item) { close(done) })
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}

	s := it.Snapshot()
	if s.State != Completed {
		t.Fatalf("state = %v, reason = %q", s.State, s.FailReason)
	}
	if s.SegmentCount != 4 {
		t.Fatalf("segment_count = %d, want 4", s.SegmentCount)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != body {
		t.Fatal("merged content mismatch")
	}
}

// S3-ish: pause then resume reaches Completed with correct bytes.
func TestPauseThenResume(t *testing.T) {
	body := strings.Repeat("A", 2*1024*1024) // 2 MiB
	srv := httptest.NewServer(http.HandlerFunc(rangeServer(body)))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	tc, _ := transport.New("")
	bus := events.NewBus()
	it := New("item-pause", srv.URL, dest, "out.bin", tc, ratelimit.Unlimited(), bus)
	it.SetSegmentOverride(4)

	done := make(chan struct{})
	it.Start(func(*Item) { close(done) })

	// Let it get going, then pause.
	time.Sleep(20 * time.Millisecond)
	_ = it.Pause()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pause")
	}

	s := it.Snapshot()
	if s.State != Paused && s.State != Completed {
		t.Fatalf("state after pause = %v", s.State)
	}
	if s.State == Paused {
		done2 := make(chan struct{})
		it.Start(func(*Item) { close(done2) })
		select {
		case <-done2:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for resume completion")
		}
	}

	final := it.Snapshot()
	if final.State != Completed {
		t.Fatalf("final state = %v, reason = %q", final.State, final.FailReason)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != body {
		t.Fatal("resumed content mismatch with uninterrupted run")
	}
}

// Stop cleanliness: no sidecars remain and downloaded_size resets to 0.
func TestStopCleansUpSidecars(t *testing.T) {
	body := strings.Repeat("B", 1024*1024)
	srv := httptest.NewServer(http.HandlerFunc(rangeServer(body)))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	tc, _ := transport.New("")
	bus := events.NewBus()
	it := New("item-stop", srv.URL, dest, "out.bin", tc, ratelimit.Unlimited(), bus)
	it.SetSegmentOverride(4)

	done := make(chan struct{})
	it.Start(func(*Item) { close(done) })
	time.Sleep(10 * time.Millisecond)
	_ = it.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stop")
	}

	s := it.Snapshot()
	if s.State != Stopped {
		t.Fatalf("state = %v", s.State)
	}
	if s.DownloadedSize != 0 {
		t.Fatalf("downloaded_size = %d, want 0", s.DownloadedSize)
	}
	for i := 0; i < s.SegmentCount; i++ {
		if _, err := os.Stat(dest + ".chunk" + strconv.Itoa(i)); !os.IsNotExist(err) {
			t.Fatalf("sidecar %d should not exist after stop", i)
		}
	}
}

// A Failed item must not be re-admitted by Start() until Retry() has
// transitioned it back to Queued.
func TestRetryRequiredAfterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	tc, _ := transport.New("")
	bus := events.NewBus()
	it := New("item-retry", srv.URL, dest, "out.bin", tc, ratelimit.Unlimited(), bus)

	done := make(chan struct{})
	it.Start(func(*Item) { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	if s := it.Snapshot(); s.State != Failed {
		t.Fatalf("state = %v, want Failed", s.State)
	}

	// Start must no-op on a Failed item: it is neither Queued nor Paused.
	called := false
	it.Start(func(*Item) { called = true })
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("Start() ran on a Failed item without Retry()")
	}

	if err := it.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if s := it.Snapshot(); s.State != Queued {
		t.Fatalf("state after Retry = %v, want Queued", s.State)
	}
	if s := it.Snapshot(); s.FailReason != "" {
		t.Fatalf("FailReason after Retry = %q, want empty", s.FailReason)
	}
}

func TestRestorePrimesStateBeforeScheduling(t *testing.T) {
	tc, _ := transport.New("")
	it := New("item-restore", "https://example.com/x.bin", filepath.Join(t.TempDir(), "x.bin"), "x.bin", tc, ratelimit.Unlimited(), events.NewBus())
	at := time.Now().Add(-time.Hour)
	it.Restore(Paused, 1024, 4096, at)
	s := it.Snapshot()
	if s.State != Paused || s.DownloadedSize != 1024 || s.TotalSize != 4096 {
		t.Fatalf("snapshot after Restore = %+v", s)
	}
	if !s.LastAttemptAt.Equal(at) {
		t.Fatalf("lastAttemptAt = %v, want %v", s.LastAttemptAt, at)
	}
	// Restore must no-op once the item has left Queued.
	it.Restore(Completed, 0, 0, time.Time{})
	if st := it.Snapshot().State; st != Paused {
		t.Fatalf("second Restore should be ignored, state = %v", st)
	}
}

func TestRemoveFilesDeletesFinalFile(t *testing.T) {
	const body = "payload"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	tc, _ := transport.New("")
	bus := events.NewBus()
	it := New("item-rm", srv.URL, dest, "out.bin", tc, ratelimit.Unlimited(), bus)

	done := make(chan struct{})
	it.Start(func(*Item) { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	if s := it.Snapshot(); s.State != Completed {
		t.Fatalf("state = %v, reason = %q", s.State, s.FailReason)
	}

	if err := it.RemoveFiles(); err != nil {
		t.Fatalf("RemoveFiles: %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatal("final file should be removed")
	}
}

func rangeServer(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rng := r.Header.Get("Range")
		if r.Method == http.MethodHead || rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			if r.Method == http.MethodHead {
				return
			}
			w.Write([]byte(body))
			return
		}
		var start, end int
		rng = strings.TrimPrefix(rng, "bytes=")
		parts := strings.SplitN(rng, "-", 2)
		start, _ = strconv.Atoi(parts[0])
		if parts[1] == "" {
			end = len(body) - 1
		} else {
			end, _ = strconv.Atoi(parts[1])
		}
		if end >= len(body) {
			end = len(body) - 1
		}
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[start : end+1]))
	}
}
