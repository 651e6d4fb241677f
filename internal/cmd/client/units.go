package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewTriggerCommand constructs `loom trigger <unit>`: enqueue one manual run.
func NewTriggerCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <unit>",
		Short: "Enqueue a manual run for one unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := postJSON(baseURL, "/v1/units/trigger", map[string]string{"unit": args[0]})
			if err != nil {
				return err
			}
			var out struct {
				JobID string `json:"jobId"`
				Queue string `json:"queue"`
			}
			if err := decodeOrStatus(resp, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s job %s\n", out.Queue, out.JobID)
			return nil
		},
	}
}

// NewRunAllCommand constructs `loom run-all`: run every unit inline and
// print the per-unit report.
func NewRunAllCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run every registered unit and report per-unit results",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := postJSON(baseURL, "/v1/units/run-all", struct{}{})
			if err != nil {
				return err
			}
			var reports []struct {
				Unit     string `json:"unit"`
				RecordID string `json:"recordId"`
				Skipped  bool   `json:"skipped"`
				Error    string `json:"error"`
			}
			if err := decodeOrStatus(resp, &reports); err != nil {
				return err
			}
			for _, rep := range reports {
				switch {
				case rep.Error != "":
					fmt.Fprintf(cmd.OutOrStdout(), "%s\terror: %s\n", rep.Unit, rep.Error)
				case rep.Skipped:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tskipped\n", rep.Unit)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\trecord %s\n", rep.Unit, rep.RecordID)
				}
			}
			return nil
		},
	}
}

// NewStatsCommand constructs `loom stats`: per-queue job counts.
func NewStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-queue job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]struct {
				Waiting   int `json:"waiting"`
				Active    int `json:"active"`
				Completed int `json:"completed"`
				Failed    int `json:"failed"`
			}
			if _, err := getJSON(baseURL, "/v1/queues/stats", &stats); err != nil {
				return err
			}
			for name, st := range stats {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\twaiting=%d active=%d completed=%d failed=%d\n",
					name, st.Waiting, st.Active, st.Completed, st.Failed)
			}
			return nil
		},
	}
}

// NewHealthCommand constructs `loom health`. A degraded server is an error
// exit so the command is scriptable.
func NewHealthCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var h struct {
				Status     string            `json:"status"`
				Components map[string]string `json:"components"`
			}
			if _, err := getJSON(baseURL, "/v1/healthz", &h); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", h.Status)
			for name, state := range h.Components {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", name, state)
			}
			if h.Status != "ok" {
				return fmt.Errorf("server is %s", h.Status)
			}
			return nil
		},
	}
}
