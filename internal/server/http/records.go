package httpserver

import (
	"encoding/json"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/twinstack/loom/internal/record"
	"github.com/twinstack/loom/internal/upload"
	"github.com/twinstack/loom/pkg/id"
	"github.com/twinstack/loom/pkg/log"
)

// recordView is the wire shape of a record; the blob ref is replaced by a
// servable URL.
type recordView struct {
	ID          string `json:"id"`
	Stream      string `json:"stream"`
	DateMs      int64  `json:"dateMs"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`

	Description  string `json:"description,omitempty"`
	Source       string `json:"source,omitempty"`
	OwnerID      string `json:"ownerId,omitempty"`
	Filename     string `json:"filename,omitempty"`
	Public       bool   `json:"public"`
	UploadStatus string `json:"uploadStatus,omitempty"`
	UploadError  string `json:"uploadError,omitempty"`
	UploadJobID  string `json:"uploadJobId,omitempty"`
}

func (s *Server) viewOf(rec *record.Record) recordView {
	v := recordView{
		ID:           rec.ID.String(),
		Stream:       rec.StreamName,
		DateMs:       rec.Date,
		ContentType:  rec.ContentType,
		Description:  rec.Description,
		Source:       rec.Source,
		OwnerID:      rec.OwnerID,
		Filename:     rec.Filename,
		Public:       rec.Public(),
		UploadStatus: string(rec.UploadStatus),
		UploadError:  rec.UploadError,
		UploadJobID:  rec.UploadJobID,
	}
	if rec.BlobRef != "" {
		v.URL = s.rt.Blobs().PublicURL(rec.BlobRef)
	}
	return v
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream")
	rawID := r.URL.Query().Get("id")
	if stream == "" || rawID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stream and id are required"})
		return
	}
	recID, err := id.Parse(rawID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed record id"})
		return
	}
	rec, err := s.rt.Records().GetByID(r.Context(), stream, recID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(rec))
}

// handleRecordList returns records of one stream inside an optional date
// window, further narrowed by an optional CEL filter expression.
func (s *Server) handleRecordList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	stream := q.Get("stream")
	if stream == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stream is required"})
		return
	}
	fromMs, err := msParam(q.Get("from_ms"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed from_ms"})
		return
	}
	toMs, err := msParam(q.Get("to_ms"), math.MaxInt64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed to_ms"})
		return
	}
	filter, err := newRecordFilter(q.Get("filter"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filter: " + err.Error()})
		return
	}

	has, err := s.rt.Records().HasStream(r.Context(), stream)
	if err != nil {
		writeError(w, err)
		return
	}
	if !has {
		writeError(w, record.ErrUnknownStream)
		return
	}

	recs, err := s.rt.Records().ByDateRange(r.Context(), stream, fromMs, toMs)
	if err != nil {
		writeError(w, err)
		return
	}
	out := []recordView{}
	for _, rec := range recs {
		if !filter.Eval(rec) {
			continue
		}
		out = append(out, s.viewOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func msParam(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// uploadReq is the JSON submission shape. Data is base64 per encoding/json.
type uploadReq struct {
	Stream      string `json:"stream"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Description string `json:"description"`
	Source      string `json:"source"`
	OwnerID     string `json:"ownerId"`
	IsPublic    *bool  `json:"isPublic"`
	Data        []byte `json:"data"`
}

// handleUploadSubmit accepts either multipart/form-data with a "file" part
// (streamed, so oversized payloads spill) or a JSON body with inline data.
func (s *Server) handleUploadSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, file, err := decodeUpload(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if file != nil {
		defer file.Close()
	}
	if req.Stream == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stream is required"})
		return
	}
	receipt, err := s.rt.Uploads().Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("upload accepted",
		log.Str("stream", req.Stream),
		log.Str("record", receipt.RecordID.String()))
	writeJSON(w, http.StatusAccepted, receipt)
}

func decodeUpload(r *http.Request) (upload.Request, multipart.File, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		var body uploadReq
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return upload.Request{}, nil, err
		}
		return upload.Request{
			Stream:      body.Stream,
			Filename:    body.Filename,
			ContentType: body.ContentType,
			Description: body.Description,
			Source:      body.Source,
			OwnerID:     body.OwnerID,
			IsPublic:    body.IsPublic,
			Data:        body.Data,
		}, nil, nil
	}

	// 4 MiB in memory; anything larger lands in net/http's temp files and
	// streams from there into the processor's spill path.
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		return upload.Request{}, nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return upload.Request{}, nil, err
	}
	req := upload.Request{
		Stream:      r.FormValue("stream"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Description: r.FormValue("description"),
		Source:      r.FormValue("source"),
		OwnerID:     r.FormValue("ownerId"),
		Reader:      file,
		Size:        header.Size,
	}
	if name := r.FormValue("filename"); name != "" {
		req.Filename = name
	}
	if raw := r.FormValue("public"); raw != "" {
		public := raw == "true" || raw == "1"
		req.IsPublic = &public
	}
	return req, file, nil
}

type resubmitReq struct {
	Stream   string `json:"stream"`
	RecordID string `json:"recordId"`
	Data     []byte `json:"data"`
}

func (s *Server) handleUploadResubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req resubmitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	recID, err := id.Parse(req.RecordID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed record id"})
		return
	}
	receipt, err := s.rt.Uploads().Resubmit(r.Context(), req.Stream, recID, upload.Request{Data: req.Data})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}
