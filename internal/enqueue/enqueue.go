// Package enqueue is the entry point that translates external requests
// (CLI, control server) into items plus scheduler admission: URL
// validation, destination derivation, overwrite confirmation, and category
// bookkeeping.
package enqueue

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/grabd/grabd/internal/events"
	"github.com/grabd/grabd/internal/helper"
	"github.com/grabd/grabd/internal/item"
	"github.com/grabd/grabd/internal/ratelimit"
	"github.com/grabd/grabd/internal/scheduler"
	"github.com/grabd/grabd/internal/transport"
)

// AllDownloadsCategory is the implicit bucket every item is recorded
// under, regardless of any caller-supplied category.
const AllDownloadsCategory = item.AllDownloadsCategory

// Request is the external shape accepted by Enqueue.
type Request struct {
	URL             string
	DestDir         string
	Category        string
	Filename        string
	VideoMode       bool
	Description     string
	SegmentOverride int
}

// ConfirmOverwrite is called when a file already exists at the resolved
// destination and the caller has opted into overwrite confirmation; it
// returns true to proceed, false to cancel the enqueue.
type ConfirmOverwrite func(destPath string) bool

// API wires together the Scheduler, Transport Client, global rate limiter,
// and event bus used to construct new items. Helper is optional: when set,
// video_mode requests (or URLs matching isVideoHost) dispatch to it.
type API struct {
	Scheduler       *scheduler.Scheduler
	Transport       *transport.Client
	Global          *ratelimit.Limiter
	Bus             *events.Bus
	Helper          *helper.Supervisor
	PromptOverwrite bool
	Confirm         ConfirmOverwrite

	// DefaultDestDir is used when a request carries no DestDir of its own
	// (e.g. a control-endpoint push, which only supplies a URL); empty
	// means the current directory.
	DefaultDestDir string

	// OnCreated, if set, is invoked with every newly constructed item
	// before it is admitted to the Scheduler; the daemon uses this to
	// populate its opaque-identifier registry without the Enqueue API
	// needing to know about it.
	OnCreated func(*item.Item)

	isVideoHost func(host string) bool
}

// NewID generates the opaque identifier used for both freshly enqueued
// items and items reconstructed from a history snapshot on restart.
func NewID() string { return uuid.NewString() }

// New creates an Enqueue API. isVideoHost classifies a URL's host as
// belonging to the configured video-site set (nil means video_mode is
// only honored when the caller explicitly requests it).
func New(s *scheduler.Scheduler, tc *transport.Client, global *ratelimit.Limiter, bus *events.Bus, h *helper.Supervisor, isVideoHost func(string) bool) *API {
	return &API{Scheduler: s, Transport: tc, Global: global, Bus: bus, Helper: h, isVideoHost: isVideoHost}
}

// Enqueue validates req, derives a destination path, optionally confirms
// overwrite, and admits a new Queued item to the Scheduler. It never
// creates a Failed item: validation failures are returned synchronously to
// the caller instead.
func (a *API) Enqueue(req Request) (*item.Item, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &transport.Error{Kind: transport.KindInvalidUrl, Err: fmt.Errorf("invalid url %q", req.URL)}
	}

	filename := req.Filename
	if filename == "" {
		filename = deriveFilename(parsed)
	}

	destDir := req.DestDir
	if destDir == "" {
		destDir = a.DefaultDestDir
	}
	if destDir == "" {
		destDir = "."
	}
	destPath := filepath.Join(destDir, filename)

	if a.PromptOverwrite && a.Confirm != nil && fileExists(destPath) {
		if !a.Confirm(destPath) {
			return nil, nil // user declined; enqueue cancelled, filesystem unchanged
		}
	}

	it := item.New(NewID(), req.URL, destPath, filename, a.Transport, a.Global, a.Bus)
	it.SetDescription(req.Description)
	it.SetCategory(req.Category)
	if req.SegmentOverride > 0 {
		it.SetSegmentOverride(req.SegmentOverride)
	}

	videoMode := req.VideoMode || (a.isVideoHost != nil && a.isVideoHost(parsed.Host))
	if videoMode && a.Helper != nil {
		// Helper-driven items still flow through the same Scheduler/Item
		// lifecycle hooks as transport-driven ones, rather than a separate
		// code path, so active-set accounting stays uniform.
		it.UseHelper(a.Helper)
	}

	if a.OnCreated != nil {
		a.OnCreated(it)
	}
	a.Scheduler.Enqueue(it)
	return it, nil
}

func deriveFilename(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return fmt.Sprintf("download_%d", time.Now().Unix())
	}
	return name
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
