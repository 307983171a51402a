package transform

import (
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeTransformNotFound  = "APILINKER_TRANSFORM_NOT_FOUND"
	TextCodeTransformExecution = "APILINKER_TRANSFORM_FAILED"
	TextCodeTransformPlugin    = "APILINKER_PLUGIN_FAILED"
)

// NotFoundError reports a transform name with no registered implementation.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transform: %q is not registered", e.Name)
}

func (e *NotFoundError) ErrorCategory() string {
	return "mapping"
}

func (e *NotFoundError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	return goerrors.New(e.Error(), goerrors.CategoryBadInput).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(TextCodeTransformNotFound).
		WithMetadata(map[string]any{"transform": e.Name})
}

// ExecutionError wraps a failure raised by a transform, keeping the input
// value so callers can report or dead-letter it.
type ExecutionError struct {
	Name   string
	Value  any
	Plugin bool
	Err    error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	kind := "transform"
	if e.Plugin {
		kind = "plugin transform"
	}
	if e.Err == nil {
		return fmt.Sprintf("transform: %s %q failed for value %s", kind, e.Name, describeValue(e.Value))
	}
	return fmt.Sprintf("transform: %s %q failed for value %s: %v", kind, e.Name, describeValue(e.Value), e.Err)
}

func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExecutionError) ErrorCategory() string {
	if e != nil && e.Plugin {
		return "plugin"
	}
	return "mapping"
}

func (e *ExecutionError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	textCode := TextCodeTransformExecution
	if e.Plugin {
		textCode = TextCodeTransformPlugin
	}
	return goerrors.Wrap(e, goerrors.CategoryBadInput, e.Error()).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(textCode).
		WithMetadata(map[string]any{
			"transform": e.Name,
			"value":     describeValue(e.Value),
			"plugin":    e.Plugin,
		})
}

func describeValue(value any) string {
	text := fmt.Sprintf("%#v", value)
	if len(text) > 128 {
		return strings.TrimSpace(text[:128]) + "..."
	}
	return text
}
