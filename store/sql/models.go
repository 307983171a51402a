package sqlstore

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/resilience"
	"github.com/uptrace/bun"
)

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:apilinker_dead_letters,alias:adl"`

	ID            string         `bun:"id,pk"`
	OperationType string         `bun:"operation_type,notnull"`
	Resource      string         `bun:"resource,notnull"`
	Payload       jsonDocument   `bun:"payload,type:jsonb,notnull"`
	ErrorCategory string         `bun:"error_category,notnull"`
	ErrorMessage  string         `bun:"error_message,notnull"`
	AttemptCount  int            `bun:"attempt_count,notnull"`
	CorrelationID string         `bun:"correlation_id,notnull"`
	Metadata      jsonDocument   `bun:"metadata,type:jsonb,notnull"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func deadLetterFromDomain(entry dlq.Entry) *deadLetterRecord {
	return &deadLetterRecord{
		ID:            entry.ID,
		OperationType: entry.OperationType,
		Resource:      entry.Resource,
		Payload:       jsonDocument(copyAnyMap(entry.Payload)),
		ErrorCategory: entry.ErrorCategory.String(),
		ErrorMessage:  entry.ErrorMessage,
		AttemptCount:  entry.AttemptCount,
		CorrelationID: entry.CorrelationID,
		Metadata:      jsonDocument(copyAnyMap(entry.Metadata)),
		CreatedAt:     entry.Timestamp.UTC(),
		UpdatedAt:     entry.UpdatedAt.UTC(),
	}
}

func (r *deadLetterRecord) toDomain() dlq.Entry {
	if r == nil {
		return dlq.Entry{}
	}
	entry := dlq.Entry{
		ID:            r.ID,
		OperationType: r.OperationType,
		Resource:      r.Resource,
		Payload:       copyAnyMap(r.Payload),
		ErrorCategory: resilience.Category(r.ErrorCategory),
		ErrorMessage:  r.ErrorMessage,
		Timestamp:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		AttemptCount:  r.AttemptCount,
		CorrelationID: r.CorrelationID,
	}
	if len(r.Metadata) > 0 {
		entry.Metadata = copyAnyMap(r.Metadata)
	}
	return entry
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

// jsonDocument stores a map as a JSON column and reads integers back as
// int64 rather than float64.
type jsonDocument map[string]any

func (d jsonDocument) Value() (driver.Value, error) {
	data, err := dlq.EncodeDocument(d)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode document: %w", err)
	}
	return string(data), nil
}

func (d *jsonDocument) Scan(src any) error {
	var data []byte
	switch typed := src.(type) {
	case nil:
		*d = jsonDocument{}
		return nil
	case []byte:
		data = typed
	case string:
		data = []byte(typed)
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into a json document", src)
	}
	doc, err := dlq.DecodeDocument(data)
	if err != nil {
		return fmt.Errorf("sqlstore: decode document: %w", err)
	}
	*d = doc
	return nil
}
