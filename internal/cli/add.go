package cli

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/grabd/grabd/internal/config"
	"github.com/grabd/grabd/internal/enqueue"
	"github.com/grabd/grabd/internal/events"
	"github.com/grabd/grabd/internal/helper"
	"github.com/grabd/grabd/internal/item"
	"github.com/grabd/grabd/internal/ratelimit"
	"github.com/grabd/grabd/internal/scheduler"
	"github.com/grabd/grabd/internal/transport"
	"github.com/grabd/grabd/internal/tui"
)

var (
	addDest       string
	addCategory   string
	addVideo      bool
	addSegments   int
	addBackground bool
)

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Download one URL",
	Long: `Enqueue a URL for download. By default this runs a self-contained
one-off download in the foreground with a progress bar; use --background to
skip the progress bar and just wait for the download to settle.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdd(args[0])
	},
}

func init() {
	addCmd.Flags().StringVarP(&addDest, "dest", "d", "", "destination directory")
	addCmd.Flags().StringVarP(&addCategory, "category", "c", "", "category label")
	addCmd.Flags().BoolVar(&addVideo, "video", false, "force video-site helper mode")
	addCmd.Flags().IntVarP(&addSegments, "segments", "s", 0, "segment count override (4-16)")
	addCmd.Flags().BoolVarP(&addBackground, "background", "b", false, "skip the progress display, just wait for the download to settle")
	rootCmd.AddCommand(addCmd)
}

func runAdd(rawURL string) error {
	cfg := config.LoadOrDefault()

	tc, err := transport.New(cfg.ProxyURL)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	var globalBps int64
	if cfg.SpeedLimitEnabled {
		globalBps = cfg.SpeedLimitBps
	}
	global := ratelimit.New(globalBps)
	bus := events.NewBus()
	sched := scheduler.New(1, global)

	var helperSup *helper.Supervisor
	if cfg.HelperProgram != "" {
		helperSup = helper.New(cfg.HelperProgram)
	}

	api := enqueue.New(sched, tc, global, bus, helperSup, cfg.IsVideoHost)
	api.PromptOverwrite = cfg.PromptOverwrite
	api.Confirm = func(dest string) bool {
		fmt.Printf("%s exists, overwrite? [y/N] ", dest)
		var answer string
		fmt.Scanln(&answer)
		return strings.HasPrefix(strings.ToLower(answer), "y")
	}

	destDir := addDest
	if destDir == "" {
		destDir = config.ExpandHome(cfg.OutputDir)
	}

	// Subscribe before the enqueue so a fast terminal event cannot slip
	// past unobserved; the scheduler starts the item the moment it's
	// admitted.
	sub, unsub := bus.Subscribe()
	defer unsub()

	it, err := api.Enqueue(enqueue.Request{
		URL:             rawURL,
		DestDir:         destDir,
		Category:        addCategory,
		VideoMode:       addVideo,
		SegmentOverride: addSegments,
	})
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	if it == nil {
		fmt.Fprintln(os.Stdout, "cancelled")
		return nil
	}

	if addBackground {
		fmt.Printf("queued %s -> %s\n", rawURL, it.Snapshot().DestPath)
		waitTerminal(sub, it)
		if s := it.Snapshot(); s.State == item.Failed {
			return fmt.Errorf("add: download failed: %s", s.FailReason)
		}
		return nil
	}

	model := tui.New(it, bus)
	p := tea.NewProgram(model)
	_, err = p.Run()
	return err
}

// waitTerminal blocks until it reaches a terminal state, consuming events
// from an already-open subscription.
func waitTerminal(sub <-chan events.Event, it *item.Item) {
	for {
		switch it.Snapshot().State {
		case item.Completed, item.Failed, item.Stopped, item.Paused:
			return
		}
		if _, ok := <-sub; !ok {
			return
		}
	}
}
