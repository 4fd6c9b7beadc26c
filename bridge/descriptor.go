package bridge

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// TransportKind selects the adapter used to reach a provider.
type TransportKind string

const (
	// TransportDirect speaks MCP over stdio to a process the bridge spawns.
	TransportDirect TransportKind = "direct"
	// TransportSubprocessBridge delegates to a second-tier runtime process
	// that fans out to stdio providers on the bridge's behalf.
	TransportSubprocessBridge TransportKind = "subprocess_bridge"
)

// IdempotencyRule marks an operation as safe to serve from the response cache.
// KeyFields lists the parameters that identify a result; when empty, all
// parameters participate in the fingerprint.
type IdempotencyRule struct {
	KeyFields []string `json:"key_fields,omitempty" yaml:"key_fields,omitempty"`
}

// ServerDescriptor is the launch spec for one provider.
type ServerDescriptor struct {
	Name      string            `json:"name"`
	Transport TransportKind     `json:"transport"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	// Target is the provider identifier forwarded to a subprocess bridge
	// runtime. Defaults to Name.
	Target     string                     `json:"target,omitempty"`
	Idempotent map[string]IdempotencyRule `json:"idempotent,omitempty"`
	// Timeout overrides the bridge-wide call timeout for this provider.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// IdempotencyFor reports whether operation participates in response caching.
func (d ServerDescriptor) IdempotencyFor(operation string) (IdempotencyRule, bool) {
	rule, ok := d.Idempotent[operation]
	return rule, ok
}

// RuntimeTarget is the provider identifier sent to a subprocess bridge runtime.
func (d ServerDescriptor) RuntimeTarget() string {
	if target := strings.TrimSpace(d.Target); target != "" {
		return target
	}
	return d.Name
}

func (d ServerDescriptor) clone() ServerDescriptor {
	out := d
	out.Args = slices.Clone(d.Args)
	out.Env = maps.Clone(d.Env)
	if d.Idempotent != nil {
		out.Idempotent = make(map[string]IdempotencyRule, len(d.Idempotent))
		for op, rule := range d.Idempotent {
			out.Idempotent[op] = IdempotencyRule{KeyFields: slices.Clone(rule.KeyFields)}
		}
	}
	return out
}

func (d ServerDescriptor) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("server %q: command is required", d.Name)
	}
	switch d.Transport {
	case TransportDirect, TransportSubprocessBridge:
	default:
		return fmt.Errorf("server %q: unsupported transport %q", d.Name, d.Transport)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("server %q: timeout must not be negative", d.Name)
	}
	for op := range d.Idempotent {
		if strings.TrimSpace(op) == "" {
			return fmt.Errorf("server %q: idempotent operation name is empty", d.Name)
		}
	}
	return nil
}

// ParseTransportKind maps configuration spellings onto a TransportKind.
func ParseTransportKind(value string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "direct", "stdio", "mcp":
		return TransportDirect, nil
	case "subprocess_bridge", "subprocess-bridge", "bridge", "runtime":
		return TransportSubprocessBridge, nil
	default:
		return "", fmt.Errorf("unknown transport %q", value)
	}
}

// Registry is the read-only launch spec table. It is safe for concurrent use
// without locking because it is never mutated after NewRegistry returns.
type Registry struct {
	servers map[string]ServerDescriptor
	names   []string
}

// NewRegistry validates descriptors and freezes them into a registry.
func NewRegistry(descriptors ...ServerDescriptor) (*Registry, error) {
	r := &Registry{servers: make(map[string]ServerDescriptor, len(descriptors))}
	for _, desc := range descriptors {
		desc.Name = strings.TrimSpace(desc.Name)
		if err := desc.validate(); err != nil {
			return nil, fmt.Errorf("bridge: invalid launch spec: %w", err)
		}
		if _, exists := r.servers[desc.Name]; exists {
			return nil, fmt.Errorf("bridge: duplicate launch spec %q", desc.Name)
		}
		r.servers[desc.Name] = desc.clone()
		r.names = append(r.names, desc.Name)
	}
	slices.Sort(r.names)
	return r, nil
}

// Lookup returns a copy of the descriptor registered under name.
func (r *Registry) Lookup(name string) (ServerDescriptor, bool) {
	if r == nil {
		return ServerDescriptor{}, false
	}
	desc, ok := r.servers[name]
	if !ok {
		return ServerDescriptor{}, false
	}
	return desc.clone(), true
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.names)
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// MaskedSecretValue replaces credential values in user-facing output.
const MaskedSecretValue = "**********"

var sensitiveEnvMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "PASSWD", "API_KEY", "APIKEY", "CREDENTIAL", "PRIVATE_KEY"}

// IsSensitiveEnvKey reports whether an env key looks like it carries a credential.
func IsSensitiveEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return strings.HasSuffix(upper, "_KEY")
}

// Redacted returns a copy of d with credential-looking env values masked.
func (d ServerDescriptor) Redacted() ServerDescriptor {
	out := d.clone()
	for key, value := range out.Env {
		if IsSensitiveEnvKey(key) && strings.TrimSpace(value) != "" {
			out.Env[key] = MaskedSecretValue
		}
	}
	return out
}
