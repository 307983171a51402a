package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/resilience"
)

type DeadLetterReader interface {
	Get(ctx context.Context, id string) (dlq.Entry, error)
	List(ctx context.Context, filter dlq.Filter) ([]dlq.Entry, error)
	Count(ctx context.Context, filter dlq.Filter) (int, error)
}

type BreakerReader interface {
	State(name string) resilience.BreakerSnapshot
	Snapshots() []resilience.BreakerSnapshot
}

// DeadLetterPage holds one page of entries. Total counts every entry that
// matches the filter, ignoring Limit and Offset.
type DeadLetterPage struct {
	Items  []dlq.Entry `json:"items"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

type GetDeadLetterQuery struct {
	reader DeadLetterReader
}

func NewGetDeadLetterQuery(reader DeadLetterReader) *GetDeadLetterQuery {
	return &GetDeadLetterQuery{reader: reader}
}

func (q *GetDeadLetterQuery) Query(ctx context.Context, msg GetDeadLetterMessage) (dlq.Entry, error) {
	if q == nil || q.reader == nil {
		return dlq.Entry{}, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.ID))
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) (DeadLetterPage, error) {
	if q == nil || q.reader == nil {
		return DeadLetterPage{}, queryDependencyError("query: dead letter reader is required")
	}
	items, err := q.reader.List(ctx, msg.Filter)
	if err != nil {
		return DeadLetterPage{}, err
	}
	unpaged := msg.Filter
	unpaged.Limit, unpaged.Offset = 0, 0
	total, err := q.reader.Count(ctx, unpaged)
	if err != nil {
		return DeadLetterPage{}, err
	}
	if items == nil {
		items = []dlq.Entry{}
	}
	return DeadLetterPage{
		Items:  items,
		Total:  total,
		Limit:  msg.Filter.Limit,
		Offset: msg.Filter.Offset,
	}, nil
}

type BreakerStateQuery struct {
	reader BreakerReader
}

func NewBreakerStateQuery(reader BreakerReader) *BreakerStateQuery {
	return &BreakerStateQuery{reader: reader}
}

func (q *BreakerStateQuery) Query(_ context.Context, msg BreakerStateMessage) (resilience.BreakerSnapshot, error) {
	if q == nil || q.reader == nil {
		return resilience.BreakerSnapshot{}, queryDependencyError("query: breaker reader is required")
	}
	return q.reader.State(strings.TrimSpace(msg.Resource)), nil
}

type ListBreakersQuery struct {
	reader BreakerReader
}

func NewListBreakersQuery(reader BreakerReader) *ListBreakersQuery {
	return &ListBreakersQuery{reader: reader}
}

func (q *ListBreakersQuery) Query(_ context.Context, _ ListBreakersMessage) ([]resilience.BreakerSnapshot, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: breaker reader is required")
	}
	return q.reader.Snapshots(), nil
}
