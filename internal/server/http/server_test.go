package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/twinstack/loom/internal/config"
	"github.com/twinstack/loom/internal/fusion"
	"github.com/twinstack/loom/internal/record"
	"github.com/twinstack/loom/internal/runtime"
)

func testServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	cfg.Blob.Dir = ""
	cfg.Upload.ScratchDir = ""
	cfg.Storage.SQLitePath = ""
	cfg.Queue.PollInterval = config.Millis(5)
	cfg.Queue.SweepInterval = config.Millis(50)
	cfg.Server.ShutdownGrace = config.Seconds(1)
	cfg.Normalize()

	rt, err := runtime.Open(cfg, nil)
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })

	if err := rt.RegisterUnit(&fusion.Producer{
		Config:  fusion.UnitConfig{Name: "weather", Ext: "json", ContentType: "application/json"},
		Collect: func(context.Context) ([]byte, error) { return []byte(`{"temp":21}`), nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return New(rt, nil), rt
}

func do(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthHandler(t *testing.T) {
	s, _ := testServer(t)
	w := do(t, s, http.MethodGet, "/v1/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	h := decodeBody[map[string]any](t, w)
	if h["status"] != "ok" {
		t.Fatalf("health: %v", h)
	}
}

func TestTriggerRunsUnit(t *testing.T) {
	s, _ := testServer(t)

	w := do(t, s, http.MethodPost, "/v1/units/trigger", map[string]string{"unit": "weather"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("trigger status: %d body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[map[string]string](t, w)
	if resp["jobId"] == "" {
		t.Fatalf("no job id: %v", resp)
	}

	target := fmt.Sprintf("/v1/jobs?queue=%s&id=%s", resp["queue"], resp["jobId"])
	deadline := time.Now().Add(5 * time.Second)
	for {
		jw := do(t, s, http.MethodGet, target, nil)
		if jw.Code != http.StatusOK {
			t.Fatalf("job status: %d", jw.Code)
		}
		job := decodeBody[map[string]any](t, jw)
		if job["status"] == "completed" {
			break
		}
		if job["status"] == "failed" {
			t.Fatalf("job failed: %v", job)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck: %v", job)
		}
		time.Sleep(5 * time.Millisecond)
	}

	lw := do(t, s, http.MethodGet, "/v1/records/list?stream=weather", nil)
	recs := decodeBody[[]recordView](t, lw)
	if len(recs) != 1 || recs[0].Stream != "weather" {
		t.Fatalf("records: %+v", recs)
	}
}

func TestTriggerUnknownUnit(t *testing.T) {
	s, _ := testServer(t)
	w := do(t, s, http.MethodPost, "/v1/units/trigger", map[string]string{"unit": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestTriggerRejectsGet(t *testing.T) {
	s, _ := testServer(t)
	if w := do(t, s, http.MethodGet, "/v1/units/trigger", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestRunAllReportsPerUnit(t *testing.T) {
	s, rt := testServer(t)
	if err := rt.Engine().Registry().Register(&fusion.FusionUnit{
		Config: fusion.UnitConfig{Name: "broken", Source: "weather"},
		Harvest: func(context.Context, []*record.Record, map[string]*record.Record) ([]byte, error) {
			return nil, fmt.Errorf("boom")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if err := rt.Records().CreateStream(ctx, "broken"); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	// a primary for "broken" so its transform actually runs
	seed := &record.Record{StreamName: "weather", Date: time.Now().UnixMilli()}
	if _, err := rt.Records().Save(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := do(t, s, http.MethodPost, "/v1/units/run-all", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	reports := decodeBody[[]runReport](t, w)
	byUnit := map[string]runReport{}
	for _, rep := range reports {
		byUnit[rep.Unit] = rep
	}
	if byUnit["weather"].Error != "" || byUnit["weather"].RecordID == "" {
		t.Fatalf("weather report: %+v", byUnit["weather"])
	}
	if !strings.Contains(byUnit["broken"].Error, "boom") {
		t.Fatalf("broken report: %+v", byUnit["broken"])
	}
}

func TestRecordListFilter(t *testing.T) {
	s, rt := testServer(t)
	ctx := context.Background()
	if err := rt.Records().CreateStream(ctx, "assets"); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	base := time.Now().UnixMilli()
	for i, ct := range []string{"text/csv", "application/json", "text/csv"} {
		rec := &record.Record{StreamName: "assets", Date: base + int64(i), ContentType: ct}
		if _, err := rt.Records().Save(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	w := do(t, s, http.MethodGet, `/v1/records/list?stream=assets&filter=content_type+%3D%3D+%22text%2Fcsv%22`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	recs := decodeBody[[]recordView](t, w)
	if len(recs) != 2 {
		t.Fatalf("filtered records: %+v", recs)
	}

	// window narrows before the filter runs
	w = do(t, s, http.MethodGet, fmt.Sprintf("/v1/records/list?stream=assets&from_ms=%d", base+1), nil)
	if recs := decodeBody[[]recordView](t, w); len(recs) != 2 {
		t.Fatalf("windowed records: %+v", recs)
	}

	if w := do(t, s, http.MethodGet, "/v1/records/list?stream=assets&filter=not+valid+cel+(", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/v1/records/list?stream=ghost", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown stream status: %d", w.Code)
	}
}

func TestUploadJSONRoundTrip(t *testing.T) {
	s, _ := testServer(t)
	payload := map[string]any{
		"stream":      "docs",
		"filename":    "report.txt",
		"contentType": "text/plain",
		"data":        base64.StdEncoding.EncodeToString([]byte("hello loom")),
	}
	w := do(t, s, http.MethodPost, "/v1/uploads", payload)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status: %d body %s", w.Code, w.Body.String())
	}
	receipt := decodeBody[map[string]string](t, w)
	if receipt["recordId"] == "" || receipt["jobId"] == "" {
		t.Fatalf("receipt: %v", receipt)
	}

	target := "/v1/records?stream=docs&id=" + receipt["recordId"]
	deadline := time.Now().Add(5 * time.Second)
	for {
		rw := do(t, s, http.MethodGet, target, nil)
		if rw.Code != http.StatusOK {
			t.Fatalf("record status: %d", rw.Code)
		}
		rec := decodeBody[recordView](t, rw)
		if rec.UploadStatus == "completed" {
			if rec.URL == "" || rec.Filename != "report.txt" {
				t.Fatalf("completed record: %+v", rec)
			}
			return
		}
		if rec.UploadStatus == "failed" {
			t.Fatalf("upload failed: %+v", rec)
		}
		if time.Now().After(deadline) {
			t.Fatalf("upload stuck: %+v", rec)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUploadMultipart(t *testing.T) {
	s, _ := testServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("stream", "docs"); err != nil {
		t.Fatalf("field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "notes.md")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := fw.Write([]byte("# notes")); err != nil {
		t.Fatalf("write: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	receipt := decodeBody[map[string]string](t, w)
	if receipt["recordId"] == "" {
		t.Fatalf("receipt: %v", receipt)
	}
}

func TestUploadMissingStream(t *testing.T) {
	s, _ := testServer(t)
	w := do(t, s, http.MethodPost, "/v1/uploads", map[string]string{"filename": "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestQueueStats(t *testing.T) {
	s, _ := testServer(t)
	w := do(t, s, http.MethodGet, "/v1/queues/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	stats := decodeBody[map[string]map[string]int](t, w)
	if _, ok := stats[runtime.RunsQueue]; !ok {
		t.Fatalf("stats: %v", stats)
	}
}

func TestMetricsExposed(t *testing.T) {
	s, _ := testServer(t)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loom_") {
		t.Fatalf("no loom metrics in body")
	}
}
