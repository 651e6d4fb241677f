package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/twinstack/loom/internal/blob"
	"github.com/twinstack/loom/internal/errdefs"
	"github.com/twinstack/loom/internal/queue"
	"github.com/twinstack/loom/internal/record"
	"github.com/twinstack/loom/pkg/id"
	"github.com/twinstack/loom/pkg/log"
)

// QueueName is the queue upload jobs land on.
const QueueName = "uploads"

// ErrAlreadyCompleted rejects re-submission against a completed record.
var ErrAlreadyCompleted = errors.New("upload: record already completed")

// ErrInFlight rejects re-submission while the original attempt is still
// pending or processing.
var ErrInFlight = errors.New("upload: record still in flight")

// Request describes one asset ingestion. Either Data or Reader carries the
// payload; Reader takes precedence and is used for streaming large content.
type Request struct {
	Stream      string
	Filename    string
	ContentType string
	Description string
	Source      string
	OwnerID     string
	IsPublic    *bool

	Data   []byte
	Reader io.Reader
	// Size is advisory for Reader payloads; negative means unknown.
	Size int64
}

// Receipt is returned synchronously by Submit: the pending record and the
// job that will process it.
type Receipt struct {
	RecordID id.ID  `json:"recordId"`
	JobID    string `json:"jobId"`
}

// jobPayload is what travels through the queue. Small payloads ride inline;
// large ones are spilled to scratch and referenced by path.
type jobPayload struct {
	Stream    string `json:"stream"`
	RecordID  id.ID  `json:"recordId"`
	Ext       string `json:"ext"`
	Inline    []byte `json:"inline,omitempty"`
	SpillPath string `json:"spillPath,omitempty"`
}

// Options tunes the processor. Zero values pick defaults.
type Options struct {
	// ScratchDir holds spilled payloads. Defaults to the OS temp dir.
	ScratchDir string
	// SpillThreshold is the inline-payload size cap in bytes. Defaults to 8 MiB.
	SpillThreshold int64
	// MaxAttempts bounds retries per upload job. Defaults to 3.
	MaxAttempts int
	// Concurrency bounds the upload worker pool. Defaults to 2.
	Concurrency int
}

func (o *Options) withDefaults() {
	if o.ScratchDir == "" {
		o.ScratchDir = os.TempDir()
	}
	if o.SpillThreshold <= 0 {
		o.SpillThreshold = 8 << 20
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.Concurrency < 1 {
		o.Concurrency = 2
	}
}

// Processor runs the asset ingestion state machine: Submit synchronously
// creates a pending record and enqueues the transfer; the queue worker moves
// it through processing to completed or failed.
type Processor struct {
	db     record.Adapter
	blobs  blob.Store
	jobs   *queue.Manager
	logger log.Logger
	opts   Options
}

func NewProcessor(db record.Adapter, blobs blob.Store, jobs *queue.Manager, logger log.Logger, opts Options) *Processor {
	opts.withDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Processor{
		db:     db,
		blobs:  blobs,
		jobs:   jobs,
		logger: logger.With(log.Component("upload")),
		opts:   opts,
	}
}

// RegisterQueue binds the processor's worker pool onto the queue manager.
// Must run before the manager starts.
func (p *Processor) RegisterQueue() error {
	return p.jobs.Register(QueueName, p.opts.Concurrency, p.handle)
}

// Submit creates the pending record and enqueues the transfer. The caller is
// never blocked on the payload moving to blob storage.
func (p *Processor) Submit(ctx context.Context, req Request) (*Receipt, error) {
	if req.Stream == "" {
		return nil, errdefs.Configuration("upload request has no stream")
	}
	if err := p.db.CreateStream(ctx, req.Stream); err != nil {
		return nil, err
	}
	if _, err := p.db.MigrateStream(ctx, req.Stream); err != nil {
		return nil, err
	}

	rec := &record.Record{
		StreamName:   req.Stream,
		Date:         time.Now().UnixMilli(),
		ContentType:  req.ContentType,
		Description:  req.Description,
		Source:       req.Source,
		OwnerID:      req.OwnerID,
		Filename:     req.Filename,
		IsPublic:     req.IsPublic,
		UploadStatus: record.UploadPending,
	}
	recID, err := p.db.Save(ctx, rec)
	if err != nil {
		return nil, err
	}
	return p.enqueue(ctx, req, recID)
}

// Resubmit starts a fresh attempt for a failed upload: a new pending record
// carrying the old record's metadata is created and queued. Completed
// records are immutable; pending/processing records are already in flight.
func (p *Processor) Resubmit(ctx context.Context, stream string, recID id.ID, req Request) (*Receipt, error) {
	prev, err := p.db.GetByID(ctx, stream, recID)
	if err != nil {
		return nil, err
	}
	switch prev.UploadStatus {
	case record.UploadCompleted:
		return nil, ErrAlreadyCompleted
	case record.UploadPending, record.UploadProcessing:
		return nil, ErrInFlight
	}

	fresh := Request{
		Stream:      stream,
		Filename:    prev.Filename,
		ContentType: prev.ContentType,
		Description: prev.Description,
		Source:      prev.Source,
		OwnerID:     prev.OwnerID,
		IsPublic:    prev.IsPublic,
		Data:        req.Data,
		Reader:      req.Reader,
		Size:        req.Size,
	}
	return p.Submit(ctx, fresh)
}

func (p *Processor) enqueue(ctx context.Context, req Request, recID id.ID) (*Receipt, error) {
	payload := jobPayload{
		Stream:   req.Stream,
		RecordID: recID,
		Ext:      extFor(req.Filename),
	}

	switch {
	case req.Reader != nil && (req.Size < 0 || req.Size > p.opts.SpillThreshold):
		path, err := p.spill(req.Reader)
		if err != nil {
			return nil, p.abandon(ctx, req.Stream, recID, err)
		}
		payload.SpillPath = path
	case req.Reader != nil:
		buf, err := io.ReadAll(io.LimitReader(req.Reader, p.opts.SpillThreshold+1))
		if err != nil {
			return nil, p.abandon(ctx, req.Stream, recID, err)
		}
		if int64(len(buf)) > p.opts.SpillThreshold {
			// size hint lied; spill the rest alongside what we read
			path, err := p.spill(io.MultiReader(bytes.NewReader(buf), req.Reader))
			if err != nil {
				return nil, p.abandon(ctx, req.Stream, recID, err)
			}
			payload.SpillPath = path
		} else {
			payload.Inline = buf
		}
	case int64(len(req.Data)) > p.opts.SpillThreshold:
		path, err := p.spill(bytes.NewReader(req.Data))
		if err != nil {
			return nil, p.abandon(ctx, req.Stream, recID, err)
		}
		payload.SpillPath = path
	default:
		payload.Inline = req.Data
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, p.abandon(ctx, req.Stream, recID, err)
	}
	jobID, err := p.jobs.Enqueue(ctx, QueueName, "upload/"+recID.String(), raw, p.opts.MaxAttempts)
	if err != nil {
		return nil, p.abandon(ctx, req.Stream, recID, err)
	}
	if err := p.db.SetUploadJob(ctx, req.Stream, recID, jobID); err != nil {
		p.logger.Error("linking upload job failed",
			log.Str("stream", req.Stream), log.Str("job", jobID), log.Err(err))
	}
	p.logger.Info("upload submitted",
		log.Str("stream", req.Stream), log.Str("record", recID.String()), log.Str("job", jobID))
	return &Receipt{RecordID: recID, JobID: jobID}, nil
}

// abandon fails the pending record when the submission itself cannot
// complete, then reports the original error.
func (p *Processor) abandon(ctx context.Context, stream string, recID id.ID, cause error) error {
	if err := p.db.UpdateUploadStatus(ctx, stream, recID, record.UploadFailed, cause.Error(), ""); err != nil {
		p.logger.Error("failing abandoned upload record",
			log.Str("stream", stream), log.Err(err))
	}
	return cause
}

// spill drains r into a scratch file and returns its path.
func (p *Processor) spill(r io.Reader) (string, error) {
	if err := os.MkdirAll(p.opts.ScratchDir, 0o755); err != nil {
		return "", fmt.Errorf("scratch dir: %w", err)
	}
	path := filepath.Join(p.opts.ScratchDir, "upload-"+uuid.NewString()+".spill")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("scratch file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("spill payload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// handle is the queue worker: it owns pending -> processing -> terminal.
func (p *Processor) handle(ctx context.Context, job *queue.Job) error {
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// undecodable payloads can never succeed
		return p.finish(ctx, payload, job, fmt.Errorf("decode payload: %w", err), true)
	}

	rec, err := p.db.GetByID(ctx, payload.Stream, payload.RecordID)
	if err != nil {
		return p.finish(ctx, payload, job, err, false)
	}
	switch rec.UploadStatus {
	case record.UploadCompleted:
		p.cleanup(payload)
		return nil // a retry raced a completed transfer
	case record.UploadPending:
		if err := p.db.UpdateUploadStatus(ctx, payload.Stream, payload.RecordID, record.UploadProcessing, "", ""); err != nil {
			return p.finish(ctx, payload, job, err, false)
		}
	}

	ref, err := p.transfer(ctx, payload)
	if err != nil {
		return p.finish(ctx, payload, job, err, false)
	}
	if err := p.db.UpdateUploadStatus(ctx, payload.Stream, payload.RecordID, record.UploadCompleted, "", ref); err != nil {
		return p.finish(ctx, payload, job, err, false)
	}
	p.cleanup(payload)
	p.logger.Info("upload completed",
		log.Str("stream", payload.Stream), log.Str("record", payload.RecordID.String()),
		log.Str("ref", ref))
	return nil
}

func (p *Processor) transfer(ctx context.Context, payload jobPayload) (string, error) {
	if payload.SpillPath != "" {
		f, err := os.Open(payload.SpillPath)
		if err != nil {
			return "", fmt.Errorf("open spilled payload: %w", err)
		}
		defer f.Close()
		return p.blobs.SaveFrom(ctx, f, payload.Stream, payload.Ext)
	}
	return p.blobs.Save(ctx, payload.Inline, payload.Stream, payload.Ext)
}

// finish marks the record failed once no retry will follow, and returns the
// error that drives the queue's own state machine.
func (p *Processor) finish(ctx context.Context, payload jobPayload, job *queue.Job, cause error, terminal bool) error {
	if terminal || job.Attempt >= job.MaxAttempts {
		p.cleanup(payload)
		if !payload.RecordID.IsZero() {
			if err := p.db.UpdateUploadStatus(ctx, payload.Stream, payload.RecordID,
				record.UploadFailed, cause.Error(), ""); err != nil {
				p.logger.Error("marking upload failed",
					log.Str("stream", payload.Stream), log.Err(err))
			}
		}
	}
	return cause
}

func (p *Processor) cleanup(payload jobPayload) {
	if payload.SpillPath != "" {
		if err := os.Remove(payload.SpillPath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("removing spilled payload", log.Str("path", payload.SpillPath), log.Err(err))
		}
	}
}

func extFor(filename string) string {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}
