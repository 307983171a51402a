package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-apilinker/mapping"
	"github.com/goliatone/go-apilinker/ratelimit"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	jsoniter "github.com/json-iterator/go"
)

const (
	defaultPageParam = "page"
	defaultMaxPages  = 10
)

var (
	jsonCodec        = jsoniter.ConfigCompatibleWithStandardLibrary
	pathPlaceholders = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)
)

// ConnectorConfig describes one REST API. Timeout is in seconds.
type ConnectorConfig struct {
	Name      string                    `json:"name" yaml:"name" koanf:"name" mapstructure:"name"`
	BaseURL   string                    `json:"base_url" yaml:"base_url" koanf:"base_url" mapstructure:"base_url"`
	Auth      AuthConfig                `json:"auth" yaml:"auth" koanf:"auth" mapstructure:"auth"`
	Headers   map[string]string         `json:"headers" yaml:"headers" koanf:"headers" mapstructure:"headers"`
	Timeout   float64                   `json:"timeout" yaml:"timeout" koanf:"timeout" mapstructure:"timeout"`
	Endpoints map[string]EndpointConfig `json:"endpoints" yaml:"endpoints" koanf:"endpoints" mapstructure:"endpoints"`
}

type EndpointConfig struct {
	Path         string                  `json:"path" yaml:"path" koanf:"path" mapstructure:"path"`
	Method       string                  `json:"method" yaml:"method" koanf:"method" mapstructure:"method"`
	Params       map[string]any          `json:"params" yaml:"params" koanf:"params" mapstructure:"params"`
	Headers      map[string]string       `json:"headers" yaml:"headers" koanf:"headers" mapstructure:"headers"`
	BodyTemplate map[string]any          `json:"body_template" yaml:"body_template" koanf:"body_template" mapstructure:"body_template"`
	ResponsePath string                  `json:"response_path" yaml:"response_path" koanf:"response_path" mapstructure:"response_path"`
	Pagination   *PaginationConfig       `json:"pagination" yaml:"pagination" koanf:"pagination" mapstructure:"pagination"`
	RateLimit    *ratelimit.BucketConfig `json:"rate_limit" yaml:"rate_limit" koanf:"rate_limit" mapstructure:"rate_limit"`
}

// PaginationConfig follows a next page token found at NextPagePath. Without
// one, pages are requested by number until an empty page or MaxPages.
type PaginationConfig struct {
	DataPath     string `json:"data_path" yaml:"data_path" koanf:"data_path" mapstructure:"data_path"`
	NextPagePath string `json:"next_page_path" yaml:"next_page_path" koanf:"next_page_path" mapstructure:"next_page_path"`
	PageParam    string `json:"page_param" yaml:"page_param" koanf:"page_param" mapstructure:"page_param"`
	MaxPages     int    `json:"max_pages" yaml:"max_pages" koanf:"max_pages" mapstructure:"max_pages"`
}

func (p PaginationConfig) normalized() PaginationConfig {
	p.DataPath = strings.TrimSpace(p.DataPath)
	p.NextPagePath = strings.TrimSpace(p.NextPagePath)
	p.PageParam = strings.TrimSpace(p.PageParam)
	if p.PageParam == "" {
		p.PageParam = defaultPageParam
	}
	if p.MaxPages <= 0 {
		p.MaxPages = defaultMaxPages
	}
	return p
}

func (c ConnectorConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("transport: connector %q requires base_url", c.Name)
	}
	if _, err := url.Parse(strings.TrimSpace(c.BaseURL)); err != nil {
		return fmt.Errorf("transport: connector %q has invalid base_url: %w", c.Name, err)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("transport: connector %q timeout must not be negative", c.Name)
	}
	for name, endpoint := range c.Endpoints {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("transport: connector %q has an unnamed endpoint", c.Name)
		}
		if strings.TrimSpace(endpoint.Path) == "" {
			return fmt.Errorf("transport: endpoint %s.%s requires path", c.Name, name)
		}
		if endpoint.ResponsePath != "" {
			if _, err := mapping.ParsePath(endpoint.ResponsePath); err != nil {
				return fmt.Errorf("transport: endpoint %s.%s response_path: %w", c.Name, name, err)
			}
		}
	}
	return nil
}

// Connector is a configured REST API usable as a Source and a Sink.
type Connector struct {
	name      string
	baseURL   string
	headers   map[string]string
	timeout   time.Duration
	endpoints map[string]EndpointConfig
	auth      HeaderProvider
	adapter   Adapter
	limits    *ratelimit.Manager
	logger    glog.Logger
	now       func() time.Time
}

type ConnectorOption func(*Connector)

func WithAdapter(adapter Adapter) ConnectorOption {
	return func(c *Connector) {
		if adapter != nil {
			c.adapter = adapter
		}
	}
}

func WithRateLimits(limits *ratelimit.Manager) ConnectorOption {
	return func(c *Connector) {
		c.limits = limits
	}
}

func WithConnectorLogger(logger glog.Logger) ConnectorOption {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewConnector(cfg ConnectorConfig, opts ...ConnectorOption) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	auth, err := NewHeaderProvider(cfg.Auth)
	if err != nil {
		return nil, err
	}
	connector := &Connector{
		name:      strings.TrimSpace(cfg.Name),
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		headers:   copyStrings(cfg.Headers),
		timeout:   time.Duration(cfg.Timeout * float64(time.Second)),
		endpoints: make(map[string]EndpointConfig, len(cfg.Endpoints)),
		auth:      auth,
		logger:    glog.Nop(),
		now:       time.Now,
	}
	for name, endpoint := range cfg.Endpoints {
		connector.endpoints[strings.TrimSpace(name)] = endpoint
	}
	for _, opt := range opts {
		if opt != nil {
			opt(connector)
		}
	}
	if connector.adapter == nil {
		connector.adapter = NewRESTAdapter(nil)
	}
	if connector.limits != nil {
		for name, endpoint := range connector.endpoints {
			if endpoint.RateLimit == nil {
				continue
			}
			if err := connector.limits.Configure(connector.Resource(name), *endpoint.RateLimit); err != nil {
				return nil, err
			}
		}
	}
	return connector, nil
}

func (c *Connector) Name() string {
	return c.name
}

// Resource is the name used for rate limits, breakers and dead letters.
func (c *Connector) Resource(endpoint string) string {
	if c.name == "" {
		return endpoint
	}
	return c.name + "." + endpoint
}

func (c *Connector) Endpoints() []string {
	names := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fetch reads records from endpoint, following pagination when configured.
func (c *Connector) Fetch(ctx context.Context, endpoint string, params map[string]any) ([]map[string]any, error) {
	cfg, err := c.endpoint(endpoint)
	if err != nil {
		return nil, err
	}
	params = mergeParams(cfg.Params, params)
	doc, err := c.call(ctx, endpoint, cfg, http.MethodGet, params, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Pagination == nil {
		if cfg.ResponsePath != "" {
			doc, _ = mapping.Get(doc, cfg.ResponsePath)
			if mapping.IsAbsent(doc) {
				c.logger.Warn("response path not found",
					"resource", c.Resource(endpoint),
					"response_path", cfg.ResponsePath,
				)
				return []map[string]any{}, nil
			}
		}
		return asRecords(doc), nil
	}
	return c.paginate(ctx, endpoint, cfg, params, doc)
}

func (c *Connector) paginate(
	ctx context.Context,
	endpoint string,
	cfg EndpointConfig,
	params map[string]any,
	first any,
) ([]map[string]any, error) {
	pagination := cfg.Pagination.normalized()
	records := asRecords(pageItems(first, pagination.DataPath))
	doc := first
	for page := 2; page <= pagination.MaxPages; page++ {
		var next any = page
		if pagination.NextPagePath != "" {
			token, ok := nextPageToken(doc, pagination.NextPagePath)
			if !ok {
				break
			}
			next = token
		}
		pageParams := mergeParams(params, map[string]any{pagination.PageParam: next})
		var err error
		doc, err = c.call(ctx, endpoint, cfg, http.MethodGet, pageParams, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: fetch page %d of %s: %w", page, c.Resource(endpoint), err)
		}
		items := asRecords(pageItems(doc, pagination.DataPath))
		if pagination.NextPagePath == "" && len(items) == 0 {
			break
		}
		records = append(records, items...)
	}
	return records, nil
}

// Send delivers record to endpoint, merged over the endpoint body template.
func (c *Connector) Send(ctx context.Context, endpoint string, record map[string]any) error {
	cfg, err := c.endpoint(endpoint)
	if err != nil {
		return err
	}
	body := mergeParams(cfg.BodyTemplate, record)
	_, err = c.call(ctx, endpoint, cfg, http.MethodPost, record, body)
	return err
}

func (c *Connector) endpoint(name string) (EndpointConfig, error) {
	if c == nil {
		return EndpointConfig{}, fmt.Errorf("transport: connector is not configured")
	}
	cfg, ok := c.endpoints[strings.TrimSpace(name)]
	if !ok {
		return EndpointConfig{}, fmt.Errorf("transport: connector %q has no endpoint %q", c.name, name)
	}
	return cfg, nil
}

func (c *Connector) call(
	ctx context.Context,
	endpoint string,
	cfg EndpointConfig,
	defaultMethod string,
	params map[string]any,
	body map[string]any,
) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resource := c.Resource(endpoint)
	path, consumed := expandPath(cfg.Path, params)

	req := Request{
		Method:  strings.ToUpper(strings.TrimSpace(cfg.Method)),
		URL:     c.baseURL + "/" + strings.TrimLeft(path, "/"),
		Headers: mergeStrings(c.headers, cfg.Headers),
		Timeout: c.timeout,
	}
	if req.Method == "" {
		req.Method = defaultMethod
	}
	if body != nil {
		encoded, err := jsonCodec.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode body for %s: %w", resource, err)
		}
		req.Body = encoded
	} else {
		req.Query = queryParams(params, consumed)
	}
	if c.auth != nil {
		if err := c.auth.Apply(&req); err != nil {
			return nil, err
		}
	}

	if err := c.limits.Acquire(ctx, resource); err != nil {
		return nil, err
	}
	res, err := c.adapter.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.limits.Observe(ctx, resource, ratelimit.ResponseMeta{
		StatusCode: res.StatusCode,
		Headers:    res.Headers,
	}); err != nil {
		c.logger.Warn("rate limit state not recorded", "resource", resource, "error", err.Error())
	}

	c.logger.Debug("upstream call",
		"resource", resource,
		"method", req.Method,
		"status_code", res.StatusCode,
		"duration_ms", res.Metadata["duration_ms"],
	)
	if res.StatusCode >= http.StatusBadRequest {
		wait, _ := ratelimit.ParseRetryAfterHeader(headerValue(res.Headers, "Retry-After"), c.now())
		return nil, newHTTPError(resource, req, res, wait)
	}
	if len(strings.TrimSpace(string(res.Body))) == 0 {
		return nil, nil
	}
	var doc any
	if err := jsonCodec.Unmarshal(res.Body, &doc); err != nil {
		return nil, transportWrapError(err, goerrors.CategoryExternal, "transport: decode response body", http.StatusBadGateway,
			map[string]any{"resource": resource, "status_code": res.StatusCode})
	}
	return doc, nil
}

func pageItems(doc any, dataPath string) any {
	if dataPath == "" {
		return doc
	}
	items, err := mapping.Get(doc, dataPath)
	if err != nil || mapping.IsAbsent(items) {
		return []any{}
	}
	return items
}

func nextPageToken(doc any, path string) (any, bool) {
	value, err := mapping.Get(doc, path)
	if err != nil {
		return nil, false
	}
	switch token := value.(type) {
	case string:
		return token, strings.TrimSpace(token) != ""
	case float64:
		return int64(token), token != 0
	case int:
		return token, token != 0
	case int64:
		return token, token != 0
	default:
		return nil, false
	}
}

// asRecords normalizes a decoded body into a list of objects. Scalars are
// wrapped as {"value": x}.
func asRecords(doc any) []map[string]any {
	switch typed := doc.(type) {
	case nil:
		return []map[string]any{}
	case map[string]any:
		return []map[string]any{typed}
	case []any:
		records := make([]map[string]any, 0, len(typed))
		for _, item := range typed {
			if object, ok := item.(map[string]any); ok {
				records = append(records, object)
				continue
			}
			records = append(records, map[string]any{"value": item})
		}
		return records
	default:
		return []map[string]any{{"value": typed}}
	}
}

func expandPath(path string, values map[string]any) (string, map[string]bool) {
	consumed := map[string]bool{}
	expanded := pathPlaceholders.ReplaceAllStringFunc(path, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := values[name]
		if !ok {
			return match
		}
		consumed[name] = true
		return url.PathEscape(fmt.Sprint(value))
	})
	return expanded, consumed
}

func queryParams(params map[string]any, consumed map[string]bool) map[string]string {
	if len(params) == 0 {
		return nil
	}
	query := make(map[string]string, len(params))
	for key, value := range params {
		if consumed[key] || value == nil {
			continue
		}
		query[key] = fmt.Sprint(value)
	}
	return query
}

func mergeParams(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range override {
		merged[key] = value
	}
	return merged
}

func mergeStrings(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range override {
		merged[key] = value
	}
	return merged
}

func copyStrings(input map[string]string) map[string]string {
	return mergeStrings(input, nil)
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

var (
	_ Source = (*Connector)(nil)
	_ Sink   = (*Connector)(nil)
)
