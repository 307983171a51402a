package mapping

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-apilinker/transform"
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeMappingInvalid = "APILINKER_MAPPING_INVALID"
	TextCodeMappingFailed  = "APILINKER_MAPPING_FAILED"
)

// MappingError reports an invalid path or a write that the target shape
// cannot accept.
type MappingError struct {
	Path    string
	Message string
}

func newMappingError(path, message string) *MappingError {
	return &MappingError{Path: strings.TrimSpace(path), Message: message}
}

func (e *MappingError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path == "" {
		return "mapping: " + e.Message
	}
	return fmt.Sprintf("mapping: path %q: %s", e.Path, e.Message)
}

func (e *MappingError) ErrorCategory() string {
	return "mapping"
}

func (e *MappingError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	return goerrors.New(e.Error(), goerrors.CategoryBadInput).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(TextCodeMappingInvalid).
		WithMetadata(map[string]any{"path": e.Path})
}

// RecordError is the failure of one record inside a batch.
type RecordError struct {
	Index      int
	RecordID   string
	Rule       int
	TargetPath string
	Err        error
}

func (e *RecordError) Error() string {
	if e == nil {
		return ""
	}
	identity := fmt.Sprintf("record %d", e.Index)
	if e.RecordID != "" {
		identity = fmt.Sprintf("record %d (%s)", e.Index, e.RecordID)
	}
	if e.TargetPath != "" {
		return fmt.Sprintf("mapping: %s rule %d -> %q: %v", identity, e.Rule, e.TargetPath, e.Err)
	}
	return fmt.Sprintf("mapping: %s: %v", identity, e.Err)
}

func (e *RecordError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorCategory follows the wrapped cause so plugin failures keep their
// category.
func (e *RecordError) ErrorCategory() string {
	if e == nil {
		return "mapping"
	}
	var categorized interface{ ErrorCategory() string }
	if errors.As(e.Err, &categorized) {
		return categorized.ErrorCategory()
	}
	return "mapping"
}

func (e *RecordError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	metadata := map[string]any{
		"index":       e.Index,
		"rule":        e.Rule,
		"target_path": e.TargetPath,
	}
	if e.RecordID != "" {
		metadata["record_id"] = e.RecordID
	}
	var notFound *transform.NotFoundError
	if errors.As(e.Err, &notFound) {
		metadata["transform"] = notFound.Name
	}
	return goerrors.Wrap(e, goerrors.CategoryBadInput, e.Error()).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(TextCodeMappingFailed).
		WithMetadata(metadata)
}
