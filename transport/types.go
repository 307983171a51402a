package transport

import (
	"context"
	"time"
)

// Request is a single HTTP exchange as the adapters see it.
type Request struct {
	Method               string
	URL                  string
	Query                map[string]string
	Headers              map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

// Adapter executes requests for one transport kind.
type Adapter interface {
	Kind() string
	Do(ctx context.Context, req Request) (Response, error)
}

// Source produces records from a named endpoint.
type Source interface {
	Fetch(ctx context.Context, endpoint string, params map[string]any) ([]map[string]any, error)
}

// Sink delivers one record to a named endpoint.
type Sink interface {
	Send(ctx context.Context, endpoint string, record map[string]any) error
}
