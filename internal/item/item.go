// Package item implements the download item state machine: the lifecycle
// of a single resource, coordinating the rate limiter, transport client,
// segment planner, and chunk store, with per-segment fan-out via
// golang.org/x/sync/errgroup.
package item

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grabd/grabd/internal/chunkstore"
	"github.com/grabd/grabd/internal/events"
	"github.com/grabd/grabd/internal/helper"
	"github.com/grabd/grabd/internal/ratelimit"
	"github.com/grabd/grabd/internal/segment"
	"github.com/grabd/grabd/internal/transport"
)

// State is one of the Download Item's lifecycle states.
type State string

const (
	Queued      State = "Queued"
	Downloading State = "Downloading"
	Paused      State = "Paused"
	Stopped     State = "Stopped"
	Completed   State = "Completed"
	Failed      State = "Failed"
)

// readChunkSize bounds a single read from the network before it is handed
// to the rate limiter and written out, keeping acquire() calls small enough
// that throttling stays responsive.
const readChunkSize = 64 * 1024

// idleTimeout bounds how long a segment's stream may go without delivering
// any bytes before it is treated as stalled and surfaced as a Timeout.
const idleTimeout = 60 * time.Second

type intent int

const (
	intentNone intent = iota
	intentPause
	intentStop
)

// Snapshot is a point-in-time, race-free copy of an Item's observable
// state, obtained under the item's lock.
type Snapshot struct {
	ID              string
	URL             string
	DestPath        string
	DisplayName     string
	Description     string
	Categories      []string
	TotalSize       int64
	DownloadedSize  int64
	SupportsRange   bool
	SegmentCount    int
	SegmentProgress []int64
	State           State
	LastAttemptAt   time.Time
	SpeedLimitBps   int64
	TransferRateBps int64
	FailReason      string
}

// Item is one logical resource download.
type Item struct {
	id          string
	destPath    string
	displayName string
	description string
	categories  []string

	transport   *transport.Client
	global      *ratelimit.Limiter
	itemLimiter *ratelimit.Limiter
	bus         *events.Bus

	segmentOverride int

	mu              sync.Mutex
	url             string
	totalSize       int64
	downloadedSize  int64
	supportsRange   bool
	segments        []segment.Range
	segmentProgress []int64
	state           State
	lastAttemptAt   time.Time
	speedLimitBps   int64
	transferRateBps int64
	failReason      string
	intent          intent
	cancel          context.CancelFunc

	helperSup    *helper.Supervisor
	helperHandle *helper.Handle
}

// New creates an Item in state Queued.
func New(id, rawURL, destPath, displayName string, tc *transport.Client, global *ratelimit.Limiter, bus *events.Bus) *Item {
	return &Item{
		id:          id,
		url:         rawURL,
		destPath:    destPath,
		displayName: displayName,
		transport:   tc,
		global:      global,
		itemLimiter: ratelimit.Unlimited(),
		bus:         bus,
		state:       Queued,
	}
}

// ID returns the item's opaque identifier.
func (it *Item) ID() string { return it.id }

// UseHelper routes this item's download through the Helper Process
// Supervisor instead of the transport/segment/chunk-store pipeline, for
// video-site URLs requested in video mode.
func (it *Item) UseHelper(sup *helper.Supervisor) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.helperSup = sup
}

// SetDescription sets the free-text description surfaced in history/UI.
func (it *Item) SetDescription(d string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.description = d
}

// SetCategory records the caller-supplied category alongside the implicit
// "All Downloads" bucket every item belongs to.
func (it *Item) SetCategory(c string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.categories = it.categories[:0]
	it.categories = append(it.categories, AllDownloadsCategory)
	if c != "" && c != AllDownloadsCategory {
		it.categories = append(it.categories, c)
	}
}

// AllDownloadsCategory is the implicit bucket every item is recorded under.
const AllDownloadsCategory = "All Downloads"

// SetSegmentOverride requests a specific segment count at enqueue time,
// subject to the [4,16] clamp applied by the segment package.
func (it *Item) SetSegmentOverride(n int) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.segmentOverride = n
}

// SegmentOverride reports the segment count requested at enqueue time, or 0
// if none was set.
func (it *Item) SegmentOverride() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.segmentOverride
}

// SetSpeedLimit narrows this item's own rate budget (0 = no item-level
// narrowing; the global limit still applies).
func (it *Item) SetSpeedLimit(bps int64) {
	it.mu.Lock()
	it.speedLimitBps = bps
	it.mu.Unlock()
	it.itemLimiter.SetLimit(bps)
}

// SetURL replaces the item's URL ("refresh link") without losing progress;
// only valid outside Downloading.
func (it *Item) SetURL(newURL string) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state == Downloading {
		return errors.New("item: cannot change URL while downloading")
	}
	it.url = newURL
	return nil
}

// Restore primes a freshly constructed item with state persisted by a
// prior run. Only valid before the item is first scheduled; once it has
// left Queued the call is a no-op.
func (it *Item) Restore(st State, downloaded, total int64, lastAttempt time.Time) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state != Queued {
		return
	}
	it.state = st
	it.downloadedSize = downloaded
	it.totalSize = total
	it.lastAttemptAt = lastAttempt
}

// Retry transitions Failed or Stopped back to Queued so the Scheduler can
// re-admit it. Unlike Paused items, which the Scheduler keeps
// sitting in its queue for automatic resume, Failed/Stopped items are
// never re-admitted on their own; the caller must call Retry first.
func (it *Item) Retry() error {
	it.mu.Lock()
	if it.state != Failed && it.state != Stopped {
		it.mu.Unlock()
		return errors.New("item: retry only valid from Failed or Stopped")
	}
	it.failReason = ""
	it.mu.Unlock()
	it.setState(Queued)
	return nil
}

// Snapshot copies the item's observable state under its lock.
func (it *Item) Snapshot() Snapshot {
	it.mu.Lock()
	defer it.mu.Unlock()
	sp := make([]int64, len(it.segmentProgress))
	copy(sp, it.segmentProgress)
	return Snapshot{
		ID:              it.id,
		URL:             it.url,
		DestPath:        it.destPath,
		DisplayName:     it.displayName,
		Description:     it.description,
		Categories:      append([]string(nil), it.categories...),
		TotalSize:       it.totalSize,
		DownloadedSize:  it.downloadedSize,
		SupportsRange:   it.supportsRange,
		SegmentCount:    len(it.segments),
		SegmentProgress: sp,
		State:           it.state,
		LastAttemptAt:   it.lastAttemptAt,
		SpeedLimitBps:   it.speedLimitBps,
		TransferRateBps: it.transferRateBps,
		FailReason:      it.failReason,
	}
}

func (it *Item) setState(s State) {
	it.mu.Lock()
	it.state = s
	it.mu.Unlock()
	it.bus.Publish(events.Event{Kind: events.StateChanged, ItemID: it.id, NewState: string(s)})
}

// Start transitions Queued/Paused → Downloading and runs the download to a
// terminal state in a new goroutine, invoking onTerminal exactly once when
// it settles. Scheduler.pump is the only expected caller.
func (it *Item) Start(onTerminal func(*Item)) {
	it.mu.Lock()
	if it.state != Queued && it.state != Paused {
		it.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	it.cancel = cancel
	it.intent = intentNone
	it.lastAttemptAt = time.Now()
	it.mu.Unlock()

	it.setState(Downloading)
	it.mu.Lock()
	useHelper := it.helperSup != nil
	it.mu.Unlock()
	if useHelper {
		go it.runHelper(ctx, onTerminal)
	} else {
		go it.run(ctx, onTerminal)
	}
}

// Pause aborts in-flight requests and keeps sidecar/progress state intact.
// Only valid in Downloading.
func (it *Item) Pause() error {
	it.mu.Lock()
	if it.state != Downloading {
		it.mu.Unlock()
		return errors.New("item: pause only valid while Downloading")
	}
	it.intent = intentPause
	cancel := it.cancel
	handle := it.helperHandle
	it.mu.Unlock()
	if handle != nil {
		handle.Stop()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Stop aborts in-flight requests, deletes partial data, and resets
// downloaded_size to 0.
func (it *Item) Stop() error {
	it.mu.Lock()
	state := it.state
	if state != Downloading && state != Queued && state != Paused {
		it.mu.Unlock()
		return errors.New("item: stop not valid in terminal states")
	}
	it.intent = intentStop
	cancel := it.cancel
	handle := it.helperHandle
	it.mu.Unlock()
	if handle != nil {
		handle.Stop()
	}
	if cancel != nil {
		cancel()
		return nil
	}
	// Not currently running (Queued or already Paused): clean up synchronously.
	return it.cleanupStop()
}

func (it *Item) cleanupStop() error {
	it.mu.Lock()
	segs := it.segments
	dest := it.destPath
	it.mu.Unlock()

	store := chunkstore.New(dest, segs)
	if err := store.RemoveAll(); err != nil {
		return err
	}
	it.mu.Lock()
	it.downloadedSize = 0
	for i := range it.segmentProgress {
		it.segmentProgress[i] = 0
	}
	it.mu.Unlock()
	it.setState(Stopped)
	return nil
}

// RemoveFiles deletes the item's sidecars and final file, for explicit
// deletion with file cleanup. Not valid while Downloading.
func (it *Item) RemoveFiles() error {
	it.mu.Lock()
	if it.state == Downloading {
		it.mu.Unlock()
		return errors.New("item: cannot remove files while downloading")
	}
	segs := it.segments
	dest := it.destPath
	it.mu.Unlock()

	store := chunkstore.New(dest, segs)
	if err := store.RemoveAll(); err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// run drives one full attempt: probe, segment, download, merge. It always
// ends by moving the item to a terminal-ish state (Completed, Failed,
// Paused, or Stopped) and invoking onTerminal.
func (it *Item) run(ctx context.Context, onTerminal func(*Item)) {
	defer func() {
		if onTerminal != nil {
			onTerminal(it)
		}
	}()

	rawURL := it.Snapshot().URL
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		it.fail(transport.KindInvalidUrl, fmt.Errorf("invalid url %q", rawURL))
		return
	}

	if err := os.MkdirAll(filepath.Dir(it.destPath), 0755); err != nil {
		it.fail(transport.KindIo, err)
		return
	}

	stopTicker := it.startRateSampler(ctx)
	defer stopTicker()

	probe, probeErr := it.transport.Probe(ctx, rawURL)
	singleSegment := probeErr != nil || !probe.SupportsRange

	var tErr *transport.Error
	if probeErr != nil && errors.As(probeErr, &tErr) && tErr.Kind == transport.KindInvalidUrl {
		it.fail(transport.KindInvalidUrl, probeErr)
		return
	}

	it.mu.Lock()
	it.supportsRange = probe.SupportsRange && probeErr == nil
	if probeErr == nil {
		it.totalSize = probe.TotalSize
	}
	override := it.segmentOverride
	it.mu.Unlock()

	var segs []segment.Range
	if singleSegment {
		segs = []segment.Range{{Start: 0, End: it.Snapshot().TotalSize}}
	} else {
		segs = segment.Plan(probe.TotalSize, true, override)
	}

	it.mu.Lock()
	it.segments = segs
	it.segmentProgress = make([]int64, len(segs))
	it.mu.Unlock()

	store := chunkstore.New(it.destPath, segs)
	defer store.CloseAll()

	// Resume: adopt existing sidecar sizes as segment_progress.
	var resumed int64
	for i := range segs {
		p, err := store.SegmentProgress(i)
		if err != nil {
			it.fail(transport.KindIo, err)
			return
		}
		it.mu.Lock()
		it.segmentProgress[i] = p
		it.mu.Unlock()
		resumed += p
	}
	it.mu.Lock()
	it.downloadedSize = resumed
	it.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segs {
		i, seg := i, seg
		g.Go(func() error {
			return it.downloadSegment(gctx, store, i, seg, singleSegment)
		})
	}

	err = g.Wait()
	if err != nil {
		var segErr *transport.Error
		isTimeout := errors.As(err, &segErr) && segErr.Kind == transport.KindTimeout
		if !isTimeout && (transport.IsCancelled(err) || errors.Is(err, context.Canceled)) {
			it.onCancelled(store)
			return
		}
		it.failWithErr(err)
		return
	}

	total := it.Snapshot().TotalSize
	if !singleSegment {
		if err := store.Merge(total); err != nil {
			it.fail(transport.KindCorrupt, err)
			return
		}
	}

	it.mu.Lock()
	it.state = Completed
	it.mu.Unlock()
	it.bus.Publish(events.Event{Kind: events.StateChanged, ItemID: it.id, NewState: string(Completed)})
	it.bus.Publish(events.Event{Kind: events.Finished, ItemID: it.id})
}

func (it *Item) onCancelled(store *chunkstore.Store) {
	it.mu.Lock()
	in := it.intent
	it.mu.Unlock()
	store.CloseAll()
	if in == intentStop {
		it.cleanupStop()
		return
	}
	// Default (including intentNone, e.g. process shutdown): treat as pause
	// so progress is never silently discarded.
	it.setState(Paused)
}

func (it *Item) downloadSegment(ctx context.Context, store *chunkstore.Store, i int, seg segment.Range, singleSegment bool) error {
	it.mu.Lock()
	progress := it.segmentProgress[i]
	it.mu.Unlock()

	start := seg.Start + progress
	end := seg.End
	if singleSegment {
		if seg.End <= 0 {
			end = -1 // unknown total: open-ended range
		}
	}
	if end > 0 && start >= end {
		return nil // already fully downloaded from a prior attempt
	}

	segCtx, segCancel := context.WithCancel(ctx)
	defer segCancel()
	timedOut, resetIdle, stopWatchdog := watchIdle(segCtx, segCancel, idleTimeout)
	defer stopWatchdog()

	stream, err := it.transport.Get(segCtx, it.Snapshot().URL, start, end)
	if err != nil {
		if timedOut() {
			return &transport.Error{Kind: transport.KindTimeout, Err: err}
		}
		return err
	}
	defer stream.Body.Close()
	resetIdle()

	if start > 0 && stream.StatusCode != 206 {
		// We asked for a range resume but the server answered with a plain
		// 200, which means it will send the body from offset 0: appending
		// that to our already-partial sidecar/file would corrupt it.
		return &transport.Error{Kind: transport.KindIo, Err: fmt.Errorf("segment %d: server ignored range resume, got status %d", i, stream.StatusCode)}
	}

	if singleSegment && stream.ContentLength > 0 {
		it.mu.Lock()
		if it.totalSize <= 0 {
			it.totalSize = start + stream.ContentLength
		}
		it.mu.Unlock()
	}

	var gotThisAttempt int64
	buf := make([]byte, readChunkSize)
	for {
		n, rerr := stream.Body.Read(buf)
		if n > 0 {
			resetIdle()
			if err := ratelimit.Acquire(ctx, n, it.global, it.itemLimiter); err != nil {
				return err
			}
			if _, werr := store.Write(i, buf[:n]); werr != nil {
				return &transport.Error{Kind: transport.KindIo, Err: werr}
			}
			gotThisAttempt += int64(n)
			it.mu.Lock()
			it.segmentProgress[i] += int64(n)
			it.downloadedSize += int64(n)
			newProgress := it.segmentProgress[i]
			downloaded := it.downloadedSize
			total := it.totalSize
			it.mu.Unlock()

			if !singleSegment && newProgress > seg.Len() {
				return &transport.Error{Kind: transport.KindCorrupt, Err: fmt.Errorf("segment %d exceeded bounds: wrote %d of %d", i, newProgress, seg.Len())}
			}
			it.bus.Publish(events.Event{Kind: events.Progress, ItemID: it.id, DownloadedSize: downloaded, TotalSize: total})
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			if timedOut() {
				return &transport.Error{Kind: transport.KindTimeout, Err: rerr}
			}
			return &transport.Error{Kind: transport.KindIo, Err: rerr}
		}
	}

	if singleSegment && stream.ContentLength > 0 && gotThisAttempt < stream.ContentLength {
		return &transport.Error{Kind: transport.KindIo, Err: fmt.Errorf("server closed early: got %d of advertised %d bytes", gotThisAttempt, stream.ContentLength)}
	}

	if !singleSegment {
		it.mu.Lock()
		got := it.segmentProgress[i]
		it.mu.Unlock()
		if got != seg.Len() {
			return &transport.Error{Kind: transport.KindIo, Err: fmt.Errorf("segment %d short: got %d want %d", i, got, seg.Len())}
		}
	}
	return nil
}

// watchIdle starts a goroutine that cancels cancel if resetIdle is not
// called at least once every d. It returns a timedOut predicate (true once
// the watchdog has fired), a resetIdle func to postpone the deadline, and a
// stop func the caller must invoke on every exit path.
func watchIdle(ctx context.Context, cancel context.CancelFunc, d time.Duration) (timedOut func() bool, resetIdle func(), stop func()) {
	reset := make(chan struct{}, 1)
	fired := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-ctx.Done():
				return
			case <-reset:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d)
			case <-timer.C:
				close(fired)
				cancel()
				return
			}
		}
	}()
	return func() bool {
			select {
			case <-fired:
				return true
			default:
				return false
			}
		}, func() {
			select {
			case reset <- struct{}{}:
			default:
			}
		}, func() {
			select {
			case <-stopped:
			default:
				close(stopped)
			}
		}
}

func (it *Item) startRateSampler(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var lastBytes int64
		lastAt := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case now := <-ticker.C:
				it.mu.Lock()
				cur := it.downloadedSize
				it.mu.Unlock()
				deltaMs := now.Sub(lastAt).Milliseconds()
				if deltaMs > 0 {
					rate := (cur - lastBytes) * 1000 / deltaMs
					it.mu.Lock()
					it.transferRateBps = rate
					it.mu.Unlock()
				}
				lastBytes = cur
				lastAt = now
			}
		}
	}()
	return func() { close(done) }
}

// runHelper drives one attempt via the Helper Process Supervisor instead of
// the Transport Client/Chunk Segmenter/Chunk Store pipeline. There is no
// segmented resume here: the helper program owns its own partial-file
// handling, so downloaded_size simply tracks whatever it reports.
func (it *Item) runHelper(ctx context.Context, onTerminal func(*Item)) {
	defer func() {
		if onTerminal != nil {
			onTerminal(it)
		}
	}()

	rawURL := it.Snapshot().URL
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		it.fail(transport.KindInvalidUrl, fmt.Errorf("invalid url %q", rawURL))
		return
	}

	it.mu.Lock()
	sup := it.helperSup
	dest := it.destPath
	it.mu.Unlock()

	onProgress := func(downloaded, total int64) {
		it.mu.Lock()
		it.downloadedSize = downloaded
		if total > 0 {
			it.totalSize = total
		}
		it.mu.Unlock()
		it.bus.Publish(events.Event{Kind: events.Progress, ItemID: it.id, DownloadedSize: downloaded, TotalSize: total})
	}

	handle, done, err := sup.Run(ctx, rawURL, dest, onProgress)
	if err != nil {
		if errors.Is(err, helper.ErrHelperMissing) {
			it.fail(transport.KindHelperMissing, err)
			return
		}
		it.fail(transport.KindHelperFailed, err)
		return
	}

	it.mu.Lock()
	it.helperHandle = handle
	it.mu.Unlock()

	select {
	case <-ctx.Done():
		<-done // Stop already signalled the process; wait for cmd.Wait to settle.
		it.mu.Lock()
		in := it.intent
		it.helperHandle = nil
		it.mu.Unlock()
		if in == intentStop {
			it.mu.Lock()
			it.downloadedSize = 0
			it.mu.Unlock()
			it.setState(Stopped)
			return
		}
		it.setState(Paused)
		return
	case werr := <-done:
		it.mu.Lock()
		it.helperHandle = nil
		it.mu.Unlock()
		if werr != nil {
			it.fail(transport.KindHelperFailed, werr)
			return
		}
		it.mu.Lock()
		it.state = Completed
		it.mu.Unlock()
		it.bus.Publish(events.Event{Kind: events.StateChanged, ItemID: it.id, NewState: string(Completed)})
		it.bus.Publish(events.Event{Kind: events.Finished, ItemID: it.id})
	}
}

func (it *Item) fail(kind transport.ErrorKind, err error) {
	it.failWithErr(&transport.Error{Kind: kind, Err: err})
}

func (it *Item) failWithErr(err error) {
	it.mu.Lock()
	it.state = Failed
	it.failReason = err.Error()
	it.mu.Unlock()
	it.bus.Publish(events.Event{Kind: events.StateChanged, ItemID: it.id, NewState: string(Failed)})
	it.bus.Publish(events.Event{Kind: events.Failed, ItemID: it.id, Reason: err.Error()})
}
