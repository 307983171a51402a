package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Observe records the outcome of one service operation as
// apilinker.<operation>.total and apilinker.<operation>.duration_ms metrics
// and a log line.
func (s *Service) Observe(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if s == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	elapsed := s.clock.Now().Sub(startedAt)

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"mapping", "resource", "operation_type", "category"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	s.recordCounter(ctx, "apilinker."+operation+".total", 1, tags)
	s.recordHistogram(ctx, "apilinker."+operation+".duration_ms", float64(elapsed.Milliseconds()), tags)

	if err != nil {
		LogWithFields(ctx, s.logger, "error", operation+" failed", contextFields)
		return
	}
	LogWithFields(ctx, s.logger, "info", operation+" succeeded", contextFields)
}

// LogWithFields logs through glog.FieldsLogger when the logger supports it
// and always passes the fields as sorted key/value args.
func LogWithFields(ctx context.Context, logger Logger, level string, message string, fields map[string]any) {
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (s *Service) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (s *Service) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
