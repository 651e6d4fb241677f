package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twinstack/loom/internal/errdefs"
	"github.com/twinstack/loom/internal/queue"
	"github.com/twinstack/loom/internal/record"
	"github.com/twinstack/loom/internal/runtime"
	"github.com/twinstack/loom/internal/upload"
	"github.com/twinstack/loom/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	logger log.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(rt *runtime.Runtime, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mux := http.NewServeMux()
	s := &Server{
		rt:     rt,
		logger: logger.With(log.Component("http")),
		srv:    &http.Server{Handler: cors(mux)},
	}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/units", s.handleUnits)
	mux.HandleFunc("/v1/units/trigger", s.handleTrigger)
	mux.HandleFunc("/v1/units/run-all", s.handleRunAll)
	mux.HandleFunc("/v1/queues/stats", s.handleQueueStats)
	mux.HandleFunc("/v1/jobs", s.handleJob)
	mux.HandleFunc("/v1/records", s.handleRecord)
	mux.HandleFunc("/v1/records/list", s.handleRecordList)
	mux.HandleFunc("/v1/uploads", s.handleUploadSubmit)
	mux.HandleFunc("/v1/uploads/resubmit", s.handleUploadResubmit)
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Metrics().Registry(), promhttp.HandlerOpts{}))
	return s
}

// Handler exposes the routed handler for in-process tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses: configuration
// mistakes are the caller's fault, missing rows are 404, upload guards are
// conflicts, everything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var cfgErr *errdefs.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.Is(err, record.ErrNotFound), errors.Is(err, record.ErrUnknownStream),
		errors.Is(err, queue.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, upload.ErrAlreadyCompleted), errors.Is(err, upload.ErrInFlight):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.rt.CheckHealth(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

type unitInfo struct {
	Name      string `json:"name"`
	Scheduled bool   `json:"scheduled"`
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	scheduled := map[string]bool{}
	for _, name := range s.rt.Scheduler().Units() {
		scheduled[name] = true
	}
	units := []unitInfo{}
	for _, name := range s.rt.Engine().Registry().Names() {
		units = append(units, unitInfo{Name: name, Scheduled: scheduled[name]})
	}
	writeJSON(w, http.StatusOK, units)
}

type triggerReq struct {
	Unit string `json:"unit"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req triggerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	jobID, err := s.rt.TriggerRun(r.Context(), req.Unit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "queue": runtime.RunsQueue})
}

type runReport struct {
	Unit     string `json:"unit"`
	RecordID string `json:"recordId,omitempty"`
	Skipped  bool   `json:"skipped"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reports := s.rt.RunAll(r.Context())
	out := make([]runReport, 0, len(reports))
	for _, rep := range reports {
		item := runReport{Unit: rep.Unit}
		if rep.Err != nil {
			item.Error = rep.Err.Error()
		} else if rep.Result != nil {
			item.Skipped = rep.Result.Skipped
			if !rep.Result.RecordID.IsZero() {
				item.RecordID = rep.Result.RecordID.String()
			}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.rt.QueueStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	queueName := r.URL.Query().Get("queue")
	jobID := r.URL.Query().Get("id")
	if queueName == "" || jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "queue and id are required"})
		return
	}
	job, err := s.rt.Jobs().Job(r.Context(), queueName, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
