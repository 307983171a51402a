package dlq

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-apilinker/resilience"
)

var ErrEntryNotFound = errors.New("dlq: entry not found")

const (
	OperationFetch = "fetch"
	OperationMap   = "map"
	OperationSend  = "send"
)

// Entry is one failed operation kept for inspection and replay. Payload and
// Metadata hold everything replay needs.
type Entry struct {
	ID            string              `json:"id"`
	OperationType string              `json:"operation_type"`
	Resource      string              `json:"resource,omitempty"`
	Payload       map[string]any      `json:"payload"`
	ErrorCategory resilience.Category `json:"error_category"`
	ErrorMessage  string              `json:"error_message"`
	Timestamp     time.Time           `json:"timestamp"`
	UpdatedAt     time.Time           `json:"updated_at"`
	AttemptCount  int                 `json:"attempt_count"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
}

type Filter struct {
	Category      resilience.Category
	OperationType string
	Resource      string
	CorrelationID string
	Limit         int
	Offset        int
}

func (f Filter) Matches(entry Entry) bool {
	if f.Category != "" && entry.ErrorCategory != f.Category {
		return false
	}
	if op := strings.TrimSpace(f.OperationType); op != "" && entry.OperationType != op {
		return false
	}
	if resource := strings.TrimSpace(f.Resource); resource != "" && entry.Resource != resource {
		return false
	}
	if correlationID := strings.TrimSpace(f.CorrelationID); correlationID != "" && entry.CorrelationID != correlationID {
		return false
	}
	return true
}

// Store persists entries keyed by id. List returns entries oldest first.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Update(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, id string) error
}

// applyFilter filters, orders and pages entries in memory.
func applyFilter(entries []Entry, filter Filter) []Entry {
	matched := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if filter.Matches(entry) {
			matched = append(matched, entry)
		}
	}
	sortEntries(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Entry{}
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

func cloneEntry(entry Entry) Entry {
	entry.Payload = cloneMap(entry.Payload)
	entry.Metadata = cloneMap(entry.Metadata)
	return entry
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for idx, item := range typed {
			out[idx] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}
