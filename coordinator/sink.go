package coordinator

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
)

// Document is what the coordinator hands to the output pipeline after a
// record is committed as completed.
type Document struct {
	JobID       string                `json:"job_id"`
	DocID       string                `json:"doc_id"`
	Fingerprint string                `json:"fingerprint"`
	ContentType string                `json:"content_type,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
	ACL         connector.AclSnapshot `json:"acl"`
	FetchedAt   time.Time             `json:"fetched_at"`
	Body        []byte                `json:"-"`
}

// Sink receives committed documents. Delivery failures are logged and do not
// change the record: the store is the source of truth for crawl state.
type Sink interface {
	Deliver(ctx context.Context, doc Document) error
	Remove(ctx context.Context, jobID, docID string) error
}

// LogSink logs every delivery. It is the default when no output is configured.
type LogSink struct {
	Logger *zap.SugaredLogger
}

func (s LogSink) Deliver(_ context.Context, doc Document) error {
	s.Logger.Infow("Document ready",
		"job_id", doc.JobID,
		"doc_id", doc.DocID,
		"fingerprint", doc.Fingerprint,
		"bytes", len(doc.Body))
	return nil
}

func (s LogSink) Remove(_ context.Context, jobID, docID string) error {
	s.Logger.Infow("Document removed", "job_id", jobID, "doc_id", docID)
	return nil
}

// DirSink writes each document under Root/<job>/<escaped doc id> as the raw
// body plus a .json metadata file.
type DirSink struct {
	Root string
}

func (s DirSink) paths(jobID, docID string) (body, meta string) {
	base := filepath.Join(s.Root, url.PathEscape(jobID), url.PathEscape(docID))
	return base, base + ".json"
}

func (s DirSink) Deliver(_ context.Context, doc Document) error {
	bodyPath, metaPath := s.paths(doc.JobID, doc.DocID)
	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	if err := os.WriteFile(bodyPath, doc.Body, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", bodyPath)
	}
	meta, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode metadata")
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", metaPath)
	}
	return nil
}

func (s DirSink) Remove(_ context.Context, jobID, docID string) error {
	bodyPath, metaPath := s.paths(jobID, docID)
	for _, p := range []string{bodyPath, metaPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s", p)
		}
	}
	return nil
}
