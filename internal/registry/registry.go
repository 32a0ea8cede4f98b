// Package registry aggregates every worker's tool catalog into one namespace
// keyed by qualified name (<worker>::<tool>).
package registry

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reppolabs/orchestra/internal/config"
)

// ToolDescriptor is one registered tool. The qualified name is always
// ownerWorker + "::" + rawName, using the manifest worker name verbatim.
type ToolDescriptor struct {
	QualifiedName string              `json:"qualified_name"`
	RawName       string              `json:"name"`
	OwnerWorker   string              `json:"server"`
	Description   string              `json:"description,omitempty"`
	InputSchema   mcp.ToolInputSchema `json:"input_schema"`
}

// Qualify builds the qualified name for a worker/tool pair.
func Qualify(worker, tool string) string {
	return worker + config.NameSeparator + tool
}

// Registry is the process-wide tool index. Reads are concurrent; writes only
// happen during startup, shutdown, and manifest reload, under the write lock.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]ToolDescriptor
	logger *log.Logger
}

// New creates an empty registry.
func New(logger *log.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]ToolDescriptor),
		logger: logger,
	}
}

// Register inserts every tool of a worker's catalog under its qualified name.
// Entries whose raw name contains the reserved separator, and entries whose
// qualified name would collide with an existing one, are logged and skipped
// rather than failing the whole catalog. Returns the number registered.
func (r *Registry) Register(worker string, catalog []mcp.Tool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range catalog {
		if strings.Contains(t.Name, config.NameSeparator) {
			r.logger.Printf("Registry: skipping tool %q from %s: raw name contains reserved separator", t.Name, worker)
			continue
		}
		qualified := Qualify(worker, t.Name)
		if _, exists := r.tools[qualified]; exists {
			r.logger.Printf("Registry: skipping duplicate tool %s", qualified)
			continue
		}
		r.tools[qualified] = ToolDescriptor{
			QualifiedName: qualified,
			RawName:       t.Name,
			OwnerWorker:   worker,
			Description:   t.Description,
			InputSchema:   t.InputSchema,
		}
		registered++
	}
	return registered
}

// Lookup returns the descriptor for a qualified name.
func (r *Registry) Lookup(qualified string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[qualified]
	return d, ok
}

// ListByOwner returns the descriptors owned by a worker, sorted by raw name.
func (r *Registry) ListByOwner(worker string) []ToolDescriptor {
	prefix := worker + config.NameSeparator
	r.mu.RLock()
	var out []ToolDescriptor
	for qualified, d := range r.tools {
		if strings.HasPrefix(qualified, prefix) {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RawName < out[j].RawName })
	return out
}

// UnregisterAll removes every descriptor owned by a worker. Used when the
// worker disconnects or the orchestrator shuts down.
func (r *Registry) UnregisterAll(worker string) int {
	prefix := worker + config.NameSeparator
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for qualified := range r.tools {
		if strings.HasPrefix(qualified, prefix) {
			delete(r.tools, qualified)
			removed++
		}
	}
	return removed
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
