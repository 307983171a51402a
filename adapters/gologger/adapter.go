package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// DefaultName is the logger name used when callers pass an empty one.
const DefaultName = "apilinker"

// Resolve picks provider over logger over nop and never returns a nil logger.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	resolvedProvider, resolvedLogger := glog.Resolve(name, provider, logger)
	return resolvedProvider, glog.Ensure(resolvedLogger)
}

func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the glog pair for name and returns it together with
// the go-job bridges, so job workers log through the same sink as the linker.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
