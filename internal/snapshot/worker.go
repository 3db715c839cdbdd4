// Package snapshot attaches the frame that confirmed an attendance record to
// that record, via Cloudinary.
package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"

	"facekiosk/internal/attendance"
	"facekiosk/internal/cloudinary"
	"facekiosk/internal/metrics"
	"facekiosk/internal/queue"
)

// Uploader stores a snapshot and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, publicID string) (*cloudinary.UploadResult, error)
}

// Store saves the uploaded snapshot URL on a record.
type Store interface {
	SetSnapshotURL(ctx context.Context, id, url string) error
}

// Worker consumes attendance.marked messages.
type Worker struct {
	uploader Uploader // nil when uploads are disabled
	store    Store
	log      *slog.Logger
}

// NewWorker creates a worker. A nil uploader acknowledges every job without
// uploading.
func NewWorker(up Uploader, store Store, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{uploader: up, store: store, log: log}
}

// Run handles messages until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		w.Handle(ctx, msg)
	}
	return nil
}

// Handle processes one message. Failures are logged and counted, never retried.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	if msg.Type != queue.TypeAttendanceMarked {
		w.log.Warn("unknown message type", "type", msg.Type)
		return
	}

	var job attendance.SnapshotJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		w.log.Error("decode snapshot job failed", "error", err)
		metrics.SnapshotsUploaded.WithLabelValues("invalid").Inc()
		return
	}
	log := w.log.With("record_id", job.RecordID)

	if w.uploader == nil || len(job.Frame) == 0 {
		log.Info("snapshot skipped", "has_frame", len(job.Frame) > 0)
		metrics.SnapshotsUploaded.WithLabelValues("skipped").Inc()
		return
	}

	res, err := w.uploader.Upload(ctx, job.Frame, job.RecordID)
	if err != nil {
		log.Error("snapshot upload failed", "error", err)
		metrics.SnapshotsUploaded.WithLabelValues("failed").Inc()
		return
	}
	if err := w.store.SetSnapshotURL(ctx, job.RecordID, res.SecureURL); err != nil {
		log.Error("save snapshot url failed", "error", err)
		metrics.SnapshotsUploaded.WithLabelValues("failed").Inc()
		return
	}
	log.Info("snapshot stored", "url", res.SecureURL)
	metrics.SnapshotsUploaded.WithLabelValues("uploaded").Inc()
}
