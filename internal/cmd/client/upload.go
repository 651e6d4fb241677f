package client

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewUploadCommand constructs `loom upload <file>`: stream a local file into
// an asset stream via the multipart endpoint.
func NewUploadCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file into an asset stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			description, _ := cmd.Flags().GetString("description")
			source, _ := cmd.Flags().GetString("source")
			owner, _ := cmd.Flags().GetString("owner")
			public, _ := cmd.Flags().GetString("public")

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			pr, pw := io.Pipe()
			mw := multipart.NewWriter(pw)
			go func() {
				err := writeUploadForm(mw, f, filepath.Base(args[0]), map[string]string{
					"stream":      stream,
					"description": description,
					"source":      source,
					"ownerId":     owner,
					"public":      public,
				})
				mw.Close()
				pw.CloseWithError(err)
			}()

			resp, err := http.Post(baseURL()+"/v1/uploads", mw.FormDataContentType(), pr)
			if err != nil {
				return err
			}
			var receipt struct {
				RecordID string `json:"recordId"`
				JobID    string `json:"jobId"`
			}
			if err := decodeOrStatus(resp, &receipt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "record %s job %s\n", receipt.RecordID, receipt.JobID)
			return nil
		},
	}
	cmd.Flags().String("stream", "", "Target asset stream (required)")
	cmd.Flags().String("description", "", "Record description")
	cmd.Flags().String("source", "", "Record source")
	cmd.Flags().String("owner", "", "Owner id")
	cmd.Flags().String("public", "", "Visibility: true|false (default true)")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func writeUploadForm(mw *multipart.Writer, f io.Reader, filename string, fields map[string]string) error {
	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(key, value); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}
