// Package scheduler implements bounded-concurrency admission over a FIFO
// queue, pause/resume/stop-all, and global speed-limit propagation to the
// active set, using golang.org/x/sync/semaphore to bound admission.
package scheduler

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/grabd/grabd/internal/item"
	"github.com/grabd/grabd/internal/ratelimit"
)

// Scheduler owns the download queue and the active set.
type Scheduler struct {
	mu            sync.Mutex
	queue         []*item.Item
	active        map[string]*item.Item
	maxConcurrent int
	sem           *semaphore.Weighted

	global *ratelimit.Limiter

	onStatusChange func()
}

// New creates a Scheduler bounded to maxConcurrent simultaneous active
// items, sharing the given global rate limiter.
func New(maxConcurrent int, global *ratelimit.Limiter) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		active:        make(map[string]*item.Item),
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		global:        global,
	}
}

// OnStatusChange registers a hook invoked after any operation that may
// have changed queue/active-set membership (enqueue, pump, terminal,
// pause/resume/stop-all, concurrency change).
func (s *Scheduler) OnStatusChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatusChange = fn
}

func (s *Scheduler) notify() {
	if s.onStatusChange != nil {
		s.onStatusChange()
	}
}

func (s *Scheduler) contains(id string) bool {
	if _, ok := s.active[id]; ok {
		return true
	}
	for _, it := range s.queue {
		if it.ID() == id {
			return true
		}
	}
	return false
}

// Enqueue appends item to the tail of the queue if it is not already
// present in either the queue or the active set, then pumps.
func (s *Scheduler) Enqueue(it *item.Item) {
	s.mu.Lock()
	if s.contains(it.ID()) {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, it)
	s.mu.Unlock()
	s.pump()
}

// pump admits items from the head of the queue while capacity allows,
// preserving strict FIFO admission order.
func (s *Scheduler) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || !s.sem.TryAcquire(1) {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.active[next.ID()] = next
		s.mu.Unlock()

		// Items read from the same shared global limiter by reference, so
		// no separate propagation step is needed here.
		s.notify()
		next.Start(s.onTerminal)
	}
}

// onTerminal is the item's completion callback: remove from active and
// release its concurrency slot. Paused items are put back at the head of
// the queue and the queue is not pumped for them, so they wait there until
// the next pump (ResumeAll, an Enqueue, another item settling) restarts
// them; Item.Start accepts Paused directly. Failed and Stopped items are
// NOT re-queued here: the Scheduler never retries on its own; the item
// sits inertly until a caller calls Item.Retry and re-enqueues it
// explicitly. Re-admitting a non-Queued/non-Paused item
// into the active set would silently waste a concurrency slot forever,
// since Item.Start is a no-op for any other state.
func (s *Scheduler) onTerminal(it *item.Item) {
	s.mu.Lock()
	delete(s.active, it.ID())
	sem := s.sem
	st := it.Snapshot().State
	if st == item.Paused {
		s.queue = append([]*item.Item{it}, s.queue...)
	}
	s.mu.Unlock()
	sem.Release(1)
	s.notify()
	if st != item.Paused {
		s.pump()
	}
}

// Remove drops an item from the queue, for explicit deletion. It refuses
// while the item is in the active set: callers must pause or stop it first
// so no download goroutine is left running unaccounted for.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		return false
	}
	for i, it := range s.queue {
		if it.ID() == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// PauseAll pauses every active item. Each one is put back at the head of
// the queue by onTerminal as its pause settles, so the item that settles
// last ends up first; the order in which they were admitted is not kept.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	actives := make([]*item.Item, 0, len(s.active))
	for _, it := range s.active {
		actives = append(actives, it)
	}
	s.mu.Unlock()

	for _, it := range actives {
		it.Pause()
	}
}

// ResumeAll re-pumps the queue; paused items were already re-queued by
// onTerminal when their Pause completed.
func (s *Scheduler) ResumeAll() {
	s.pump()
}

// StopAll stops every active and queued item and clears both collections.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	actives := make([]*item.Item, 0, len(s.active))
	for _, it := range s.active {
		actives = append(actives, it)
	}
	queued := append([]*item.Item{}, s.queue...)
	s.queue = nil
	s.mu.Unlock()

	for _, it := range actives {
		it.Stop()
	}
	for _, it := range queued {
		it.Stop()
	}
	s.notify()
}

// SetMaxConcurrent clamps n to >= 1 and re-pumps; a shrink does not evict
// already-active items, it only limits future admission until the active
// count naturally falls below the new bound.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	delta := int64(n - s.maxConcurrent)
	s.maxConcurrent = n
	sem := s.sem
	s.mu.Unlock()

	if delta > 0 {
		sem.Release(delta)
	} else if delta < 0 {
		// Best-effort shrink: acquire the difference so future admissions
		// see the lower bound; if currently over-subscribed this simply
		// fails to reserve extra slots until items finish naturally.
		sem.TryAcquire(-delta)
	}
	s.pump()
}

// SetGlobalSpeedLimit updates the shared Rate Limiter; enabled=false is
// equivalent to bps=0 (unlimited). Active items reference the same
// *ratelimit.Limiter, so this takes effect immediately for all of them.
func (s *Scheduler) SetGlobalSpeedLimit(bps int64, enabled bool) {
	if !enabled {
		s.global.SetLimit(0)
		return
	}
	s.global.SetLimit(bps)
}

// Reachability gates the active set on network reachability: becoming
// unreachable pauses everything; becoming reachable again invokes the
// caller-provided hook (typically prompting the user) before ResumeAll is
// called explicitly.
func (s *Scheduler) Reachability(unreachable bool, onReachable func()) {
	if unreachable {
		s.PauseAll()
		return
	}
	if onReachable != nil {
		onReachable()
	}
}

// Snapshot returns the current queue order and active set, for UI/history
// observers.
type Snapshot struct {
	Queue  []string
	Active []string
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{}
	for _, it := range s.queue {
		snap.Queue = append(snap.Queue, it.ID())
	}
	for id := range s.active {
		snap.Active = append(snap.Active, id)
	}
	return snap
}

// ActiveCount reports the number of items currently in the active set.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
