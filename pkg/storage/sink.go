// Package storage persists finished workflow executions through pluggable sinks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// NodeRecord is the persisted outcome of one node
type NodeRecord struct {
	Status     string      `json:"status"`
	TaskID     string      `json:"task_id,omitempty"`
	Output     interface{} `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	Attempts   int         `json:"attempts"`
	Cached     bool        `json:"cached"`
	DurationMs int64       `json:"duration_ms"`
}

// ExecutionRecord is the persisted outcome of one workflow execution
type ExecutionRecord struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      string                 `json:"status"`
	Mode        string                 `json:"mode,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	Nodes       map[string]*NodeRecord `json:"nodes"`
}

// Validate checks the fields every sink keys on
func (r *ExecutionRecord) Validate() error {
	if r == nil {
		return errors.New("execution record is nil")
	}
	if r.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	if r.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	return nil
}

// ResultSink receives every finished execution
type ResultSink interface {
	StoreExecution(ctx context.Context, rec *ExecutionRecord) error
}

// MultiSink stores into every sink and joins their errors
type MultiSink []ResultSink

// StoreExecution implements ResultSink
func (m MultiSink) StoreExecution(ctx context.Context, rec *ExecutionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.StoreExecution(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func encodeRecord(rec *ExecutionRecord) ([]byte, error) {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution %s: %w", rec.ExecutionID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse execution record: %w", err)
	}
	return &rec, nil
}
