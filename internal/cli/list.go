package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grabd/grabd/internal/apiserver"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs known to a running 'grabd serve' daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList() error {
	c := newDaemonClient()
	resp, err := c.listJobs()
	if err != nil {
		return err
	}
	if resp.Code != 200 {
		return fmt.Errorf("list: %s", resp.Message)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return err
	}
	var jobs []struct {
		ID             string  `json:"id"`
		URL            string  `json:"url"`
		State          string  `json:"state"`
		DownloadedSize int64   `json:"downloaded_size"`
		TotalSize      int64   `json:"total_size"`
		Progress       float64 `json:"progress"`
	}
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%-8s %-10s %6.1f%%  %s/%s  %s\n",
			j.ID[:8], j.State, j.Progress*100,
			apiserver.FormatSize(j.DownloadedSize), apiserver.FormatSize(j.TotalSize), j.URL)
	}
	return nil
}
