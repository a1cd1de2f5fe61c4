package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grabd/grabd/internal/apiserver"
	"github.com/grabd/grabd/internal/config"
	"github.com/grabd/grabd/internal/enqueue"
	"github.com/grabd/grabd/internal/events"
	"github.com/grabd/grabd/internal/helper"
	"github.com/grabd/grabd/internal/history"
	"github.com/grabd/grabd/internal/item"
	"github.com/grabd/grabd/internal/ratelimit"
	"github.com/grabd/grabd/internal/scheduler"
	"github.com/grabd/grabd/internal/transport"
)

var (
	servePort int
	serveMax  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download daemon: local control endpoint + management API",
	Long: `Start the long-lived daemon that owns the Queue Scheduler and History
Store: it listens on 127.0.0.1 for the local control endpoint (the contract
the browser-extension push request speaks) and the management API (which the
CLI's list/pause/resume/stop/retry commands speak), and persists a history
snapshot across restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "loopback listen port (default: config or 8080)")
	serveCmd.Flags().IntVarP(&serveMax, "max-concurrent", "c", 0, "max simultaneous active downloads (default: config or 3)")
	rootCmd.AddCommand(serveCmd)
}

// daemon wires together the Scheduler, History Store, Enqueue API, and the
// opaque-identifier registry the design notes call for, and keeps the
// snapshot current by subscribing to the event bus.
type daemon struct {
	mu    sync.RWMutex
	items map[string]*item.Item
	sched *scheduler.Scheduler
	hist  *history.Store
	bus   *events.Bus
	cfg   *config.Config
}

func (d *daemon) register(it *item.Item) {
	d.mu.Lock()
	d.items[it.ID()] = it
	d.mu.Unlock()
	d.persist()
}

func (d *daemon) remove(id string) {
	d.mu.Lock()
	delete(d.items, id)
	d.mu.Unlock()
	d.persist()
}

func (d *daemon) get(id string) (*item.Item, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	it, ok := d.items[id]
	return it, ok
}

func (d *daemon) all() []*item.Item {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*item.Item, 0, len(d.items))
	for _, it := range d.items {
		out = append(out, it)
	}
	return out
}

func (d *daemon) snapshotHistory() []history.Entry {
	entries := make([]history.Entry, 0)
	for _, it := range d.all() {
		s := it.Snapshot()
		entries = append(entries, history.Entry{
			URL:            s.URL,
			DestPath:       s.DestPath,
			FileName:       s.DisplayName,
			State:          s.State,
			DownloadedSize: s.DownloadedSize,
			TotalSize:      s.TotalSize,
			LastAttemptAt:  s.LastAttemptAt,
			Description:    s.Description,
		})
	}
	return entries
}

func (d *daemon) persist() {
	if err := d.hist.Save(d.snapshotHistory()); err != nil {
		log.Printf("[daemon] history save failed: %v", err)
	}
}

func runServe() error {
	cfg := config.LoadOrDefault()

	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}
	if port == 0 {
		port = 8080
	}
	maxConcurrent := serveMax
	if maxConcurrent == 0 {
		maxConcurrent = cfg.Server.MaxConcurrent
	}
	if maxConcurrent < 1 {
		maxConcurrent = 3
	}

	outputDir := config.ExpandHome(cfg.OutputDir)
	if outputDir == "" {
		outputDir = "."
	}

	tc, err := transport.New(cfg.ProxyURL)
	if err != nil {
		return fmt.Errorf("serve: transport client: %w", err)
	}
	var globalBps int64
	if cfg.SpeedLimitEnabled {
		globalBps = cfg.SpeedLimitBps
	}
	global := ratelimit.New(globalBps)
	bus := events.NewBus()
	sched := scheduler.New(maxConcurrent, global)

	dataDir, err := config.DataDir()
	if err != nil {
		return fmt.Errorf("serve: data dir: %w", err)
	}
	hist := history.New(dataDir)

	d := &daemon{items: make(map[string]*item.Item), sched: sched, hist: hist, bus: bus, cfg: cfg}

	var helperSup *helper.Supervisor
	if cfg.HelperProgram != "" {
		helperSup = helper.New(cfg.HelperProgram)
	}

	api := enqueue.New(sched, tc, global, bus, helperSup, cfg.IsVideoHost)
	api.PromptOverwrite = cfg.PromptOverwrite
	api.DefaultDestDir = outputDir
	api.OnCreated = d.register

	// Reconstruct every history entry, then re-admit the resumable ones
	// (every state but Completed/Paused; Paused items are loaded but left
	// for an explicit resume).
	for _, e := range hist.Load() {
		it := item.New(enqueue.NewID(), e.URL, e.DestPath, e.FileName, tc, global, bus)
		it.SetDescription(e.Description)
		resumable := e.Resumable()
		st := e.State
		if resumable || st == item.Downloading {
			// A snapshot written mid-download (crash) re-enters the queue.
			st = item.Queued
		}
		it.Restore(st, e.DownloadedSize, e.TotalSize, e.LastAttemptAt)
		d.register(it)
		if resumable {
			sched.Enqueue(it)
		}
	}

	// Keep the history snapshot current on every state transition.
	sub, unsub := bus.Subscribe()
	defer unsub()
	go func() {
		for ev := range sub {
			if ev.Kind == events.StateChanged || ev.Kind == events.Finished || ev.Kind == events.Failed {
				d.persist()
			}
		}
	}()

	srv := apiserver.New(fmt.Sprintf("127.0.0.1:%d", port))
	srv.APIKey = cfg.Server.APIKey
	srv.IsVideoHost = cfg.IsVideoHost
	srv.Enqueue = api
	srv.Scheduler = sched
	srv.History = hist
	srv.Bus = bus
	srv.Items = apiserver.NewRegistry(d.get, d.all, d.remove)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Printf("[serve] output dir: %s, max concurrent: %d", outputDir, maxConcurrent)
	log.Printf("[serve] listening on 127.0.0.1:%d", port)

	select {
	case <-sigCh:
		log.Println("[serve] shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Freeze the event-driven persister, then snapshot while states are
	// still live: an item recorded as Downloading re-enters the queue on
	// the next start, whereas persisting after PauseAll would mark
	// everything Paused and defeat auto-resume.
	unsub()
	d.persist()
	// Pause, don't stop: sidecars and progress must survive the restart.
	sched.PauseAll()
	settle := time.Now().Add(3 * time.Second)
	for sched.ActiveCount() > 0 && time.Now().Before(settle) {
		time.Sleep(20 * time.Millisecond)
	}
	return srv.Stop(ctx)
}
