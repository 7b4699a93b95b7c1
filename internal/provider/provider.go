// Package provider defines the two-way contract every gateway target
// implements and a flat registry mapping provider identifiers to plugin
// instances. Plugins register themselves in init; callers import the plugin
// packages for side effects.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
)

// Warning reports a capability gap encountered during export or import.
// A warning always accompanies omitted or approximated data; nothing is
// dropped silently.
type Warning struct {
	Feature capability.Feature
	Level   capability.Level
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s: %s", w.Level, w.Feature, w.Message)
}

// Unsupported builds a warning for a feature the provider cannot express.
func Unsupported(f capability.Feature, format string, args ...any) Warning {
	return Warning{Feature: f, Level: capability.Unsupported, Message: fmt.Sprintf(format, args...)}
}

// Partial builds a warning for a feature the provider approximates.
func Partial(f capability.Feature, format string, args ...any) Warning {
	return Warning{Feature: f, Level: capability.Partial, Message: fmt.Sprintf(format, args...)}
}

// Plugin is the per-target mapping contract.
//
// Export is a deterministic, pure function of its input: the same document
// yields byte-identical output. Features rated Unsupported are omitted with
// exactly one warning each; Partial features are approximated with a warning
// describing the gap.
//
// Import is the best-effort reverse mapping. Native constructs with no IR
// equivalent are dropped and reported, never fabricated into lossy IR fields.
type Plugin interface {
	Name() string
	Export(doc *ir.Document) ([]byte, []Warning, error)
	Import(data []byte) (*ir.Document, []Warning, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Plugin)
)

// Register adds a plugin to the registry. Duplicate registration is a
// programming error and panics.
func Register(p Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[p.Name()]; dup {
		panic(fmt.Sprintf("provider: duplicate plugin %q", p.Name()))
	}
	registry[p.Name()] = p
}

// Get returns the plugin registered under name.
func Get(name string) (Plugin, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Names returns the registered provider identifiers, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
