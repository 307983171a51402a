package query

import (
	"strings"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/resilience"
)

const (
	TypeGetDeadLetter   = "apilinker.query.dead_letter.get"
	TypeListDeadLetters = "apilinker.query.dead_letter.list"
	TypeBreakerState    = "apilinker.query.breaker.state"
	TypeListBreakers    = "apilinker.query.breaker.list"
)

type GetDeadLetterMessage struct {
	ID string
}

func (GetDeadLetterMessage) Type() string { return TypeGetDeadLetter }

func (m GetDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return queryValidationError("id", "dead letter id is required")
	}
	return nil
}

type ListDeadLettersMessage struct {
	Filter dlq.Filter
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	if m.Filter.Offset < 0 {
		return queryValidationError("offset", "offset must be >= 0")
	}
	if m.Filter.Category != "" {
		if _, ok := resilience.ParseCategory(string(m.Filter.Category)); !ok {
			return queryInvalidInputError("query: unknown error category " + string(m.Filter.Category))
		}
	}
	return nil
}

type BreakerStateMessage struct {
	Resource string
}

func (BreakerStateMessage) Type() string { return TypeBreakerState }

func (m BreakerStateMessage) Validate() error {
	if strings.TrimSpace(m.Resource) == "" {
		return queryValidationError("resource", "resource is required")
	}
	return nil
}

type ListBreakersMessage struct{}

func (ListBreakersMessage) Type() string { return TypeListBreakers }

func (ListBreakersMessage) Validate() error { return nil }
