package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging. Use these instead of raw
// strings so log queries work across the scheduler, workers and stores.
const (
	// Identity
	FieldJobID      = "job_id"
	FieldDocID      = "doc_id"
	FieldConnection = "connection"
	FieldConnector  = "connector"
	FieldComponent  = "component"

	// Tasks
	FieldTaskSeq  = "task_seq"
	FieldTaskKind = "task_kind"
	FieldAttempt  = "attempt"
	FieldWorker   = "worker"
	FieldClass    = "class"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldDelay      = "delay"

	// Errors
	FieldError      = "error"
	FieldErrorClass = "error_class"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldPass      = "pass"
	FieldVersion   = "version"

	// State
	FieldState  = "state"
	FieldStatus = "status"
	FieldSymbol = "symbol"
	FieldPath   = "path"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	docIDKey     contextKey = "logger_doc_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithDocID adds a document ID to the context for logging
func WithDocID(ctx context.Context, docID string) context.Context {
	return context.WithValue(ctx, docIDKey, docID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if docID, ok := ctx.Value(docIDKey).(string); ok && docID != "" {
		fields = append(fields, FieldDocID, docID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext decorates base with the fields carried by ctx. Connectors use
// it so their log lines carry the job and document being fetched.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	sched := schedule.New(store, coord, registry, logger.ComponentLogger("scheduler"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
