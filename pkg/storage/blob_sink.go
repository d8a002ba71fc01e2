package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const (
	contentTypeJSON = "application/json"
	encodingGzip    = "gzip"
)

// ResultPath returns the blob path of an execution's result file
func ResultPath(workflowID, executionID string) string {
	return fmt.Sprintf("results/%s/%s/results.json", workflowID, executionID)
}

// BlobSink writes one JSON result file per execution, gzipped when compress is set
type BlobSink struct {
	store    BlobStore
	compress bool
	logger   *zap.Logger
}

// NewBlobSink creates a sink over store
func NewBlobSink(store BlobStore, compress bool, logger *zap.Logger) (*BlobSink, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobSink{store: store, compress: compress, logger: logger}, nil
}

// StoreExecution uploads rec to ResultPath, replacing an earlier file
func (s *BlobSink) StoreExecution(ctx context.Context, rec *ExecutionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	obj := BlobObject{
		Data:        data,
		ContentType: contentTypeJSON,
		Metadata: map[string]string{
			"workflow_id":  rec.WorkflowID,
			"execution_id": rec.ExecutionID,
			"status":       rec.Status,
			"node_count":   strconv.Itoa(len(rec.Nodes)),
			"finished_at":  rec.FinishedAt.UTC().Format(time.RFC3339),
		},
	}
	if s.compress {
		if obj.Data, err = gzipBytes(data); err != nil {
			return fmt.Errorf("failed to compress execution %s: %w", rec.ExecutionID, err)
		}
		obj.ContentEncoding = encodingGzip
	}

	url, err := s.store.Put(ctx, ResultPath(rec.WorkflowID, rec.ExecutionID), obj)
	if err != nil {
		return fmt.Errorf("failed to store result file of %s: %w", rec.ExecutionID, err)
	}

	s.logger.Info("Stored execution result file",
		zap.String("execution_id", rec.ExecutionID),
		zap.String("workflow_id", rec.WorkflowID),
		zap.String("url", url),
		zap.Int("raw_bytes", len(data)),
		zap.Int("stored_bytes", len(obj.Data)))
	return nil
}

// LoadExecution reads the result file of an execution
func (s *BlobSink) LoadExecution(ctx context.Context, workflowID, executionID string) (*ExecutionRecord, error) {
	obj, err := s.store.Get(ctx, ResultPath(workflowID, executionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load result file of %s: %w", executionID, err)
	}
	data := obj.Data
	if obj.ContentEncoding == encodingGzip {
		if data, err = gunzipBytes(data); err != nil {
			return nil, fmt.Errorf("failed to decompress result file of %s: %w", executionID, err)
		}
	}
	return decodeRecord(data)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
