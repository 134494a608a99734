// Package instance defines registered backend runtimes and the stores that hold them.
package instance

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Runtime names the protocol family an instance speaks.
type Runtime string

const (
	RuntimeHTTP  Runtime = "http"
	RuntimeWS    Runtime = "ws"
	RuntimeKafka Runtime = "kafka"
)

// runtimeAliases maps common aliases to canonical runtime names.
var runtimeAliases = map[string]Runtime{
	"rest":      RuntimeHTTP,
	"https":     RuntimeHTTP,
	"kafclaw":   RuntimeHTTP,
	"websocket": RuntimeWS,
	"wss":       RuntimeWS,
	"agenthub":  RuntimeWS,
	"group":     RuntimeKafka,
}

// NormalizeRuntime resolves aliases and lower-cases the runtime name.
func NormalizeRuntime(name string) Runtime {
	lower := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := runtimeAliases[lower]; ok {
		return canonical
	}
	return Runtime(lower)
}

// Status is the last known health of an instance.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Instance is a registered backend chat-agent runtime.
type Instance struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Runtime    Runtime           `json:"runtime" yaml:"runtime"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Credential string            `json:"credential,omitempty" yaml:"credential,omitempty"`
	Options    map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
	Status     Status            `json:"status" yaml:"-"`
	CreatedAt  time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"-"`
}

// Validate checks the fields every runtime needs and normalizes the runtime name.
func (i *Instance) Validate() error {
	i.ID = strings.TrimSpace(i.ID)
	if i.ID == "" {
		return fmt.Errorf("instance: id is required")
	}
	if strings.ContainsAny(i.ID, "/ \t\n") {
		return fmt.Errorf("instance %q: id must not contain slashes or whitespace", i.ID)
	}
	i.Runtime = NormalizeRuntime(string(i.Runtime))
	if i.Runtime == "" {
		return fmt.Errorf("instance %q: runtime is required", i.ID)
	}
	if strings.TrimSpace(i.Endpoint) == "" {
		return fmt.Errorf("instance %q: endpoint is required", i.ID)
	}
	if i.Name == "" {
		i.Name = i.ID
	}
	if i.Status == "" {
		i.Status = StatusUnknown
	}
	return nil
}

// Option returns an option value or def when unset.
func (i Instance) Option(key, def string) string {
	if v, ok := i.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// SameConnection reports whether two records would produce an equivalent client.
// Name and status changes do not require a reconnect.
func (i Instance) SameConnection(o Instance) bool {
	return i.Runtime == o.Runtime &&
		i.Endpoint == o.Endpoint &&
		i.Credential == o.Credential &&
		maps.Equal(i.Options, o.Options)
}

// Clone returns a copy that shares no maps with the receiver.
func (i Instance) Clone() Instance {
	out := i
	if i.Options != nil {
		out.Options = maps.Clone(i.Options)
	}
	return out
}
