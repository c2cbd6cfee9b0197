// Package integration loads a declarative set of external integrations
// and synthesizes agent tools from each.
//
// Responsibilities:
//   - Config: YAML integrations file with ${VAR} environment substitution
//   - Router: lazy, idempotent construction of tools per integration
//   - Variants: protocol_server (stdio tool server), openapi, rest
//   - Meta tools under the virtual integration "_system"
//
// Credentials resolved from the config appear only in outbound requests;
// they are never written to events or logs.
package integration

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Integration variants. The config's type field must name one of these.
const (
	TypeProtocolServer = "protocol_server"
	TypeOpenAPI        = "openapi"
	TypeREST           = "rest"
)

// Config is the root of the integrations file.
type Config struct {
	Version      int                          `yaml:"version"`
	Integrations map[string]IntegrationConfig `yaml:"integrations"`
}

// IntegrationConfig is one named integration. Fields are a union across
// the three variants; Validate enforces per-variant requirements.
type IntegrationConfig struct {
	Type string `yaml:"type"`

	// protocol_server
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// Tools limits which discovered tools are exposed. Empty means all.
	Tools []string `yaml:"tools,omitempty"`

	// openapi
	SpecURL string `yaml:"spec_url,omitempty"`

	// openapi + rest
	BaseURL   string           `yaml:"base_url,omitempty"`
	Auth      *AuthConfig      `yaml:"auth,omitempty"`
	Endpoints []EndpointConfig `yaml:"endpoints,omitempty"`
}

// EndpointConfig is one named REST endpoint.
type EndpointConfig struct {
	Name        string `yaml:"name"`
	Method      string `yaml:"method"`
	Path        string `yaml:"path"`
	Description string `yaml:"description,omitempty"`
}

// AuthConfig describes how to authenticate outbound requests.
type AuthConfig struct {
	Type string `yaml:"type"` // bearer | basic | header | api_key

	Token    string `yaml:"token,omitempty"`    // bearer
	Username string `yaml:"username,omitempty"` // basic
	Password string `yaml:"password,omitempty"` // basic
	Name     string `yaml:"name,omitempty"`     // header / api_key
	Value    string `yaml:"value,omitempty"`    // header
	Key      string `yaml:"key,omitempty"`      // api_key
	In       string `yaml:"in,omitempty"`       // api_key: header | query
}

// apply attaches credentials to an outbound request.
func (a *AuthConfig) apply(req *http.Request) {
	if a == nil {
		return
	}
	switch a.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case "basic":
		cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		req.Header.Set("Authorization", "Basic "+cred)
	case "header":
		req.Header.Set(a.Name, a.Value)
	case "api_key":
		if a.In == "query" {
			q := req.URL.Query()
			q.Set(a.Name, a.Key)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(a.Name, a.Key)
		}
	}
}

func (a *AuthConfig) validate(integration string) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("integration %q: "+format, append([]interface{}{integration}, args...)...))
	}
	switch a.Type {
	case "bearer":
		if a.Token == "" {
			add("bearer auth requires token")
		}
	case "basic":
		if a.Username == "" {
			add("basic auth requires username")
		}
	case "header":
		if a.Name == "" || a.Value == "" {
			add("header auth requires name and value")
		}
	case "api_key":
		if a.Name == "" || a.Key == "" {
			add("api_key auth requires name and key")
		}
		if a.In != "" && a.In != "header" && a.In != "query" {
			add("api_key auth placement must be header or query, got %q", a.In)
		}
	default:
		add("unknown auth type %q", a.Type)
	}
	return errs
}

// envRefPattern matches ${VAR} and ${VAR:-default}.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv resolves ${VAR} and ${VAR:-default} references. An unset
// variable without a default expands to the empty string.
func ExpandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		return m[3]
	})
}

// LoadConfig reads and validates the integrations file. A missing file
// is not an error: the router simply starts with no integrations.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{Integrations: map[string]IntegrationConfig{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading integrations config: %w", err)
	}

	expanded := ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing integrations config: %w", err)
	}
	if cfg.Integrations == nil {
		cfg.Integrations = map[string]IntegrationConfig{}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid integrations config: %s", strings.Join(msgs, "; "))
	}
	return &cfg, nil
}

// Validate checks every integration record and returns all problems.
func (c *Config) Validate() []error {
	var errs []error
	for name, ic := range c.Integrations {
		switch normalizeType(ic.Type) {
		case TypeProtocolServer:
			if ic.Command == "" {
				errs = append(errs, fmt.Errorf("integration %q: protocol_server requires command", name))
			}
		case TypeOpenAPI:
			if ic.SpecURL == "" {
				errs = append(errs, fmt.Errorf("integration %q: openapi requires spec_url", name))
			}
		case TypeREST:
			if ic.BaseURL == "" {
				errs = append(errs, fmt.Errorf("integration %q: rest requires base_url", name))
			}
			for _, ep := range ic.Endpoints {
				if ep.Name == "" || ep.Path == "" {
					errs = append(errs, fmt.Errorf("integration %q: endpoint requires name and path", name))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("integration %q: unknown type %q (expected protocol_server, openapi, or rest)", name, ic.Type))
		}
		if ic.Auth != nil {
			errs = append(errs, ic.Auth.validate(name)...)
		}
	}
	return errs
}

// normalizeType accepts hyphenated spellings seen in the wild.
func normalizeType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "-", "_")
}
