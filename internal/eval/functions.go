package eval

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

// FactoryContext describes the entity a capability is being built for.
// Factories declare the fields they consume via Factory.Fields and read
// them from here.
type FactoryContext struct {
	Entity  model.Entity
	Logger  *zap.Logger
	Timeout time.Duration
}

// Factory builds one named capability object for a check context.
type Factory interface {
	// Name is the identifier the capability is bound to in expressions.
	Name() string

	// Fields lists the entity fields the factory consumes.
	Fields() []string

	// Build constructs the capability for the given entity.
	Build(ctx FactoryContext) (interface{}, error)
}

// Registry holds the catalogue of capability factories. Names absent from
// the registry stay absent from the evaluation environment, so unknown
// capabilities fail at compile time rather than resolving to nil.
type Registry struct {
	logger    *zap.Logger
	factories map[string]Factory
}

// NewRegistry creates an empty capability registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("capabilities"),
		factories: make(map[string]Factory),
	}
}

// Register adds a factory to the catalogue, replacing any previous entry
// with the same name.
func (r *Registry) Register(factory Factory) {
	r.factories[factory.Name()] = factory
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildEnv constructs the per-check capability bindings for an entity.
// A factory failure skips only that capability and is logged.
func (r *Registry) BuildEnv(entity model.Entity, timeout time.Duration) map[string]interface{} {
	env := make(map[string]interface{}, len(r.factories))
	ctx := FactoryContext{Entity: entity, Logger: r.logger, Timeout: timeout}
	for name, factory := range r.factories {
		capability, err := factory.Build(ctx)
		if err != nil {
			r.logger.Warn("Failed to build capability",
				zap.String("capability", name),
				zap.String("entity", entity.ID()),
				zap.Error(err))
			continue
		}
		env[name] = capability
	}
	return env
}

// CommandPolicy decides whether a secure worker may execute a command.
type CommandPolicy interface {
	IsCommandAllowed(command string) bool
}

// AllowAllPolicy admits every command. Used by non-secure workers.
type AllowAllPolicy struct{}

func (AllowAllPolicy) IsCommandAllowed(string) bool { return true }

// ListPolicy admits only commands present in a curated list, typically
// sourced from the safe_repositories configuration.
type ListPolicy struct {
	allowed map[string]struct{}
}

// NewListPolicy creates a policy admitting exactly the given commands.
func NewListPolicy(commands []string) *ListPolicy {
	allowed := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		allowed[c] = struct{}{}
	}
	return &ListPolicy{allowed: allowed}
}

func (p *ListPolicy) IsCommandAllowed(command string) bool {
	_, ok := p.allowed[command]
	return ok
}

// HTTPFactory builds the http capability: a small wrapper for probing
// HTTP endpoints of the entity.
type HTTPFactory struct{}

func (HTTPFactory) Name() string { return "http" }

func (HTTPFactory) Fields() []string { return []string{"url", "host", "port"} }

func (HTTPFactory) Build(ctx FactoryContext) (interface{}, error) {
	base := ctx.Entity.StringField("url")
	if base == "" {
		host := ctx.Entity.StringField("host")
		if host == "" {
			host = "localhost"
		}
		port := ctx.Entity.StringField("port")
		if port == "" {
			port = "80"
		}
		base = fmt.Sprintf("http://%s:%s", host, port)
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(ctx.Timeout)
	capability := &HTTPCapability{client: client}
	return func(path string) *HTTPProbe {
		return &HTTPProbe{capability: capability, path: path}
	}, nil
}

// HTTPCapability holds the configured client for one entity.
type HTTPCapability struct {
	client *resty.Client
}

// HTTPProbe is one pending request; expressions chain a method onto it,
// e.g. http("/health").Code() or http("/metrics.json").JSON().
type HTTPProbe struct {
	capability *HTTPCapability
	path       string
}

// JSON performs the request and parses the response body as JSON.
func (p *HTTPProbe) JSON() (interface{}, error) {
	resp, err := p.capability.client.R().Get(p.path)
	if err != nil {
		return nil, NewCheckError("http request failed: %v", err)
	}
	if resp.StatusCode() == http.StatusForbidden || resp.StatusCode() == http.StatusUnauthorized {
		return nil, &InsufficientPermissionsError{Message: fmt.Sprintf("http %d for %s", resp.StatusCode(), p.path)}
	}
	var v interface{}
	if err := json.Unmarshal(resp.Body(), &v); err != nil {
		return nil, NewCheckError("response is not JSON: %v", err)
	}
	return v, nil
}

// Text performs the request and returns the raw body.
func (p *HTTPProbe) Text() (string, error) {
	resp, err := p.capability.client.R().Get(p.path)
	if err != nil {
		return "", NewCheckError("http request failed: %v", err)
	}
	return string(resp.Body()), nil
}

// Code performs the request and returns the status code.
func (p *HTTPProbe) Code() (int, error) {
	resp, err := p.capability.client.R().Get(p.path)
	if err != nil {
		return 0, NewCheckError("http request failed: %v", err)
	}
	return resp.StatusCode(), nil
}

// TimeFactory builds the time capability exposing epoch helpers.
type TimeFactory struct{}

func (TimeFactory) Name() string { return "time" }

func (TimeFactory) Fields() []string { return nil }

func (TimeFactory) Build(FactoryContext) (interface{}, error) {
	return func() float64 {
		return float64(time.Now().UnixNano()) / 1e9
	}, nil
}

// EntityFactory exposes the entity mapping itself as a capability, giving
// expressions read access to the descriptive fields.
type EntityFactory struct{}

func (EntityFactory) Name() string { return "entity" }

func (EntityFactory) Fields() []string { return []string{"id"} }

func (EntityFactory) Build(ctx FactoryContext) (interface{}, error) {
	view := make(map[string]interface{}, len(ctx.Entity))
	for k, v := range ctx.Entity {
		view[k] = v
	}
	return view, nil
}
