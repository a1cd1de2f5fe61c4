package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func jobActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newDaemonClient()
			resp, err := c.jobAction(args[0], action)
			if err != nil {
				return err
			}
			if resp.Code != 200 {
				return fmt.Errorf("%s: %s", action, resp.Message)
			}
			fmt.Printf("%s: %s\n", action, args[0])
			return nil
		},
	}
}

func schedulerActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newDaemonClient()
			resp, err := c.schedulerAction(action)
			if err != nil {
				return err
			}
			if resp.Code != 200 {
				return fmt.Errorf("%s: %s", action, resp.Message)
			}
			fmt.Println(action)
			return nil
		},
	}
}

var removeFiles bool

var removeCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a download from the daemon (pause or stop it first if active)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		action := "delete"
		if removeFiles {
			action = "delete?files=1"
		}
		resp, err := c.jobAction(args[0], action)
		if err != nil {
			return err
		}
		if resp.Code != 200 {
			return fmt.Errorf("remove: %s", resp.Message)
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear every completed, failed, or stopped download from the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		resp, err := c.clearTerminal()
		if err != nil {
			return err
		}
		if resp.Code != 200 {
			return fmt.Errorf("clear: %s", resp.Message)
		}
		fmt.Println("cleared")
		return nil
	},
}

var limitCmd = &cobra.Command{
	Use:   "limit <bytes-per-second>",
	Short: "Set the daemon's global speed limit (0 disables it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newDaemonClient()
		resp, err := c.schedulerAction("limit?bps=" + args[0])
		if err != nil {
			return err
		}
		if resp.Code != 200 {
			return fmt.Errorf("limit: %s", resp.Message)
		}
		fmt.Printf("global speed limit set to %s B/s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobActionCmd("pause", "Pause an active download", "pause"))
	rootCmd.AddCommand(jobActionCmd("resume", "Resume a paused download", "resume"))
	rootCmd.AddCommand(jobActionCmd("stop", "Stop a download and discard its partial data", "stop"))
	rootCmd.AddCommand(jobActionCmd("retry", "Retry a failed or stopped download", "retry"))
	rootCmd.AddCommand(schedulerActionCmd("pause-all", "Pause every active download", "pause_all"))
	rootCmd.AddCommand(schedulerActionCmd("resume-all", "Resume all paused downloads", "resume_all"))
	rootCmd.AddCommand(schedulerActionCmd("stop-all", "Stop everything, active and queued", "stop_all"))
	removeCmd.Flags().BoolVar(&removeFiles, "files", false, "also delete partial and final files")
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(limitCmd)
}
