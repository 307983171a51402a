package transport

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

const (
	AuthNone   = ""
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

// AuthConfig describes connector credentials. String values may reference
// environment variables as ${NAME}.
type AuthConfig struct {
	Type     string `json:"type" yaml:"type" koanf:"type" mapstructure:"type"`
	Key      string `json:"key" yaml:"key" koanf:"key" mapstructure:"key"`
	Header   string `json:"header" yaml:"header" koanf:"header" mapstructure:"header"`
	In       string `json:"in" yaml:"in" koanf:"in" mapstructure:"in"`
	Param    string `json:"param" yaml:"param" koanf:"param" mapstructure:"param"`
	Token    string `json:"token" yaml:"token" koanf:"token" mapstructure:"token"`
	Username string `json:"username" yaml:"username" koanf:"username" mapstructure:"username"`
	Password string `json:"password" yaml:"password" koanf:"password" mapstructure:"password"`
}

// HeaderProvider decorates outgoing requests with credentials.
type HeaderProvider interface {
	Apply(req *Request) error
}

type HeaderProviderFunc func(req *Request) error

func (f HeaderProviderFunc) Apply(req *Request) error {
	return f(req)
}

// NewHeaderProvider resolves cfg into a provider. An empty type yields nil.
func NewHeaderProvider(cfg AuthConfig) (HeaderProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case AuthNone, "none":
		return nil, nil
	case AuthAPIKey:
		key := expandEnv(cfg.Key)
		if key == "" {
			return nil, fmt.Errorf("transport: api_key auth requires key")
		}
		if strings.EqualFold(strings.TrimSpace(cfg.In), "query") {
			param := strings.TrimSpace(cfg.Param)
			if param == "" {
				param = "api_key"
			}
			return HeaderProviderFunc(func(req *Request) error {
				if req.Query == nil {
					req.Query = map[string]string{}
				}
				req.Query[param] = key
				return nil
			}), nil
		}
		header := strings.TrimSpace(cfg.Header)
		if header == "" {
			header = "X-API-Key"
		}
		return staticHeader(header, key), nil
	case AuthBearer:
		token := expandEnv(cfg.Token)
		if token == "" {
			return nil, fmt.Errorf("transport: bearer auth requires token")
		}
		return staticHeader("Authorization", "Bearer "+token), nil
	case AuthBasic:
		username := expandEnv(cfg.Username)
		if username == "" {
			return nil, fmt.Errorf("transport: basic auth requires username")
		}
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + expandEnv(cfg.Password)))
		return staticHeader("Authorization", "Basic "+credentials), nil
	default:
		return nil, fmt.Errorf("transport: unsupported auth type %q", cfg.Type)
	}
}

func staticHeader(name, value string) HeaderProvider {
	return HeaderProviderFunc(func(req *Request) error {
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		req.Headers[name] = value
		return nil
	})
}

func expandEnv(value string) string {
	return strings.TrimSpace(os.Expand(value, func(name string) string {
		resolved, _ := os.LookupEnv(name)
		return resolved
	}))
}
