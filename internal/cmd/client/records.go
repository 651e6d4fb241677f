package client

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// NewRecordsCommand constructs `loom records`: list one stream's records
// inside an optional date window, with an optional CEL filter.
func NewRecordsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List records of a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			fromMs, _ := cmd.Flags().GetInt64("from-ms")
			toMs, _ := cmd.Flags().GetInt64("to-ms")
			filter, _ := cmd.Flags().GetString("filter")

			q := url.Values{"stream": {stream}}
			if fromMs > 0 {
				q.Set("from_ms", fmt.Sprintf("%d", fromMs))
			}
			if toMs > 0 {
				q.Set("to_ms", fmt.Sprintf("%d", toMs))
			}
			if filter != "" {
				q.Set("filter", filter)
			}

			var recs []struct {
				ID           string `json:"id"`
				DateMs       int64  `json:"dateMs"`
				ContentType  string `json:"contentType"`
				Filename     string `json:"filename"`
				UploadStatus string `json:"uploadStatus"`
				URL          string `json:"url"`
			}
			if _, err := getJSON(baseURL, "/v1/records/list?"+q.Encode(), &recs); err != nil {
				return err
			}
			for _, rec := range recs {
				ts := time.UnixMilli(rec.DateMs).UTC().Format(time.RFC3339)
				line := fmt.Sprintf("%s\t%s\t%s", rec.ID, ts, rec.ContentType)
				if rec.Filename != "" {
					line += "\t" + rec.Filename
				}
				if rec.UploadStatus != "" {
					line += "\t" + rec.UploadStatus
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().String("stream", "", "Stream name (required)")
	cmd.Flags().Int64("from-ms", 0, "Window start, ms since epoch")
	cmd.Flags().Int64("to-ms", 0, "Window end, ms since epoch")
	cmd.Flags().String("filter", "", `CEL filter, e.g. 'content_type == "text/csv"'`)
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}
