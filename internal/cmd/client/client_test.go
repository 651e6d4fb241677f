package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func stubServer(t *testing.T, handler http.HandlerFunc) BaseURLFunc {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return func() string { return srv.URL }
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTriggerPrintsJobID(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/units/trigger" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["unit"] != "weather" {
			t.Errorf("unit: %v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": "job-1", "queue": "runs"})
	})

	out, err := execute(t, NewTriggerCommand(base), "weather")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "job-1") {
		t.Fatalf("output: %q", out)
	}
}

func TestTriggerSurfacesServerError(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": `unknown unit "nope"`})
	})

	_, err := execute(t, NewTriggerCommand(base), "nope")
	if err == nil || !strings.Contains(err.Error(), "unknown unit") {
		t.Fatalf("err: %v", err)
	}
}

func TestStatsFormatsQueues(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]map[string]int{
			"runs": {"waiting": 2, "active": 1, "completed": 7, "failed": 0},
		})
	})

	out, err := execute(t, NewStatsCommand(base))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "runs\twaiting=2 active=1 completed=7 failed=0") {
		t.Fatalf("output: %q", out)
	}
}

func TestHealthDegradedIsError(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "degraded",
			"components": map[string]string{"storage": "ok", "queue": "closed"},
		})
	})

	out, err := execute(t, NewHealthCommand(base))
	if err == nil {
		t.Fatal("degraded health should be an error exit")
	}
	if !strings.Contains(out, "queue: closed") {
		t.Fatalf("output: %q", out)
	}
}

func TestUploadStreamsMultipart(t *testing.T) {
	var gotStream, gotFile string
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotStream = r.FormValue("stream")
		if f, hdr, err := r.FormFile("file"); err == nil {
			gotFile = hdr.Filename
			f.Close()
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"recordId": "abc", "jobId": "job-2"})
	})

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := execute(t, NewUploadCommand(base), path, "--stream", "docs")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotStream != "docs" || gotFile != "notes.txt" {
		t.Fatalf("form: stream=%q file=%q", gotStream, gotFile)
	}
	if !strings.Contains(out, "record abc") {
		t.Fatalf("output: %q", out)
	}
}

func TestRecordsPassesFilter(t *testing.T) {
	var gotFilter string
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("filter")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "r1", "dateMs": 1700000000000, "contentType": "text/csv"},
		})
	})

	out, err := execute(t, NewRecordsCommand(base),
		"--stream", "assets", "--filter", `content_type == "text/csv"`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotFilter != `content_type == "text/csv"` {
		t.Fatalf("filter: %q", gotFilter)
	}
	if !strings.Contains(out, "r1") {
		t.Fatalf("output: %q", out)
	}
}

func TestRunAllPrintsReport(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"unit": "weather", "recordId": "r9"},
			{"unit": "tides", "skipped": true},
			{"unit": "surf", "error": "boom"},
		})
	})

	out, err := execute(t, NewRunAllCommand(base))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"weather\trecord r9", "tides\tskipped", "surf\terror: boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}
