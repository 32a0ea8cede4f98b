// Package orchestrator binds the supervisor, worker sessions, and tool
// registry into one explicitly passed state object, and implements the three
// router operations on top of it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reppolabs/orchestra/internal/audit"
	"github.com/reppolabs/orchestra/internal/config"
	"github.com/reppolabs/orchestra/internal/registry"
	"github.com/reppolabs/orchestra/internal/session"
	"github.com/reppolabs/orchestra/internal/supervisor"
)

// Invoker is the slice of a worker session the router needs.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// Recorder receives one entry per forwarded call.
type Recorder interface {
	Record(e audit.Entry) error
}

// ServerInfo is one discover_servers entry. Every configured worker is
// listed, dead or alive; Connected and PID make liveness visible for
// diagnostics.
type ServerInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Command     []string `json:"command"`
	PID         int      `json:"pid,omitempty"`
	Connected   bool     `json:"connected"`
	Tools       int      `json:"tools"`
}

// Orchestrator owns the workers, sessions, and registry for one process.
// It is constructed in main and passed explicitly; there is no global state.
type Orchestrator struct {
	sup      *supervisor.Supervisor
	sessions *session.Manager
	reg      *registry.Registry
	rec      Recorder
	logger   *log.Logger

	mu       sync.RWMutex
	specs    []config.WorkerSpec
	invokers map[string]Invoker
}

// New wires an orchestrator. rec may be nil to disable the audit log.
func New(sup *supervisor.Supervisor, sessions *session.Manager, reg *registry.Registry, rec Recorder, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		sup:      sup,
		sessions: sessions,
		reg:      reg,
		rec:      rec,
		logger:   logger,
		invokers: make(map[string]Invoker),
	}
}

// Start launches every worker, performs its handshake, and registers its
// catalog. All-or-nothing: any failure tears down everything already started
// and returns an error naming the worker, so the router never observes a
// half-initialized registry.
func (o *Orchestrator) Start(ctx context.Context, specs []config.WorkerSpec) error {
	if err := o.sup.StartAll(specs); err != nil {
		return err
	}

	for _, spec := range specs {
		proc, ok := o.sup.Process(spec.Name)
		if !ok {
			o.teardown()
			return fmt.Errorf("worker %q vanished during startup", spec.Name)
		}
		sess, catalog, err := o.sessions.Connect(ctx, proc)
		if err != nil {
			o.teardown()
			return fmt.Errorf("connect worker %q: %w", spec.Name, err)
		}
		n := o.reg.Register(spec.Name, catalog)
		o.logger.Printf("Orchestrator: %s ready with %d tool(s)", spec.Name, n)

		o.mu.Lock()
		o.specs = append(o.specs, spec)
		o.invokers[spec.Name] = sess
		o.mu.Unlock()
	}
	return nil
}

// Shutdown closes every session, clears the registry, and terminates every
// worker. Each step runs even when an earlier one errors.
func (o *Orchestrator) Shutdown() error {
	return o.teardown()
}

func (o *Orchestrator) teardown() error {
	o.mu.Lock()
	invokers := o.invokers
	specs := o.specs
	o.invokers = make(map[string]Invoker)
	o.specs = nil
	o.mu.Unlock()

	var errs []error
	for name, inv := range invokers {
		if err := inv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", name, err))
		}
	}
	for _, spec := range specs {
		o.reg.UnregisterAll(spec.Name)
	}
	if err := o.sup.StopAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reload diffs a re-read manifest against the running worker set: removed or
// changed workers are stopped and unregistered, added or changed ones are
// started. Unlike startup, reload is best-effort per worker so one broken
// manifest entry cannot take down healthy workers.
func (o *Orchestrator) Reload(ctx context.Context, specs []config.WorkerSpec) {
	o.mu.Lock()
	current := make(map[string]config.WorkerSpec, len(o.specs))
	for _, s := range o.specs {
		current[s.Name] = s
	}
	o.mu.Unlock()

	next := make(map[string]config.WorkerSpec, len(specs))
	for _, s := range specs {
		next[s.Name] = s
	}

	for name, old := range current {
		if updated, keep := next[name]; keep && reflect.DeepEqual(old, updated) {
			continue
		}
		o.stopWorker(name)
	}

	for _, spec := range specs {
		if old, running := current[spec.Name]; running && reflect.DeepEqual(old, spec) {
			continue
		}
		if err := o.startWorker(ctx, spec); err != nil {
			o.logger.Printf("Orchestrator: reload: worker %s failed: %v", spec.Name, err)
		}
	}
}

func (o *Orchestrator) stopWorker(name string) {
	o.mu.Lock()
	inv := o.invokers[name]
	delete(o.invokers, name)
	kept := o.specs[:0]
	for _, s := range o.specs {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	o.specs = kept
	o.mu.Unlock()

	o.reg.UnregisterAll(name)
	if inv != nil {
		if err := inv.Close(); err != nil {
			o.logger.Printf("Orchestrator: close session %s: %v", name, err)
		}
	}
	if err := o.sup.Stop(name); err != nil {
		o.logger.Printf("Orchestrator: stop worker %s: %v", name, err)
	}
	o.logger.Printf("Orchestrator: %s removed", name)
}

func (o *Orchestrator) startWorker(ctx context.Context, spec config.WorkerSpec) error {
	proc, err := o.sup.Start(spec)
	if err != nil {
		return err
	}
	sess, catalog, err := o.sessions.Connect(ctx, proc)
	if err != nil {
		if stopErr := o.sup.Stop(spec.Name); stopErr != nil {
			o.logger.Printf("Orchestrator: stop failed worker %s: %v", spec.Name, stopErr)
		}
		return err
	}
	n := o.reg.Register(spec.Name, catalog)

	o.mu.Lock()
	o.specs = append(o.specs, spec)
	o.invokers[spec.Name] = sess
	o.mu.Unlock()

	o.logger.Printf("Orchestrator: %s ready with %d tool(s)", spec.Name, n)
	return nil
}

// DiscoverServers lists every configured worker with liveness annotations.
func (o *Orchestrator) DiscoverServers() []ServerInfo {
	o.mu.RLock()
	specs := append([]config.WorkerSpec(nil), o.specs...)
	o.mu.RUnlock()

	infos := make([]ServerInfo, 0, len(specs))
	for _, spec := range specs {
		info := ServerInfo{
			Name:        spec.Name,
			Description: spec.Description,
			Command:     spec.CommandLine(),
			Tools:       len(o.reg.ListByOwner(spec.Name)),
		}
		if proc, ok := o.sup.Process(spec.Name); ok {
			info.PID = proc.PID()
			info.Connected = proc.Alive()
		}
		infos = append(infos, info)
	}
	return infos
}

// FindTools lists a worker's registered tools. An unknown worker and a
// worker with no tools are both NotFound.
func (o *Orchestrator) FindTools(server string) ([]registry.ToolDescriptor, error) {
	tools := o.reg.ListByOwner(server)
	if len(tools) == 0 {
		return nil, errServerNotFound(server)
	}
	return tools, nil
}

// UseTool routes one call to the owning worker's session and returns the
// worker's result. NotFound is decided locally from the registry; everything
// past the lookup is the worker's answer, passed through.
func (o *Orchestrator) UseTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	qualified := registry.Qualify(server, tool)
	if _, ok := o.reg.Lookup(qualified); !ok {
		if len(o.reg.ListByOwner(server)) == 0 {
			return nil, errServerNotFound(server)
		}
		return nil, errToolNotFound(server, tool)
	}

	o.mu.RLock()
	inv := o.invokers[server]
	o.mu.RUnlock()
	if inv == nil {
		return nil, fmt.Errorf("no open session for server %q", server)
	}

	start := time.Now()
	res, err := inv.Invoke(ctx, tool, args)
	o.record(server, tool, qualified, time.Since(start), res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) record(server, tool, qualified string, d time.Duration, res *mcp.CallToolResult, err error) {
	if o.rec == nil {
		return
	}
	e := audit.Entry{
		Server:    server,
		Tool:      tool,
		Qualified: qualified,
		Duration:  d,
		At:        time.Now(),
	}
	switch {
	case err != nil:
		e.Outcome = "error"
		e.Detail = err.Error()
	case res != nil && res.IsError:
		e.Outcome = "tool_error"
	default:
		e.Outcome = "ok"
	}
	if recErr := o.rec.Record(e); recErr != nil {
		o.logger.Printf("Orchestrator: audit record: %v", recErr)
	}
}

// WorkerCount returns the number of configured workers.
func (o *Orchestrator) WorkerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.specs)
}

// ToolCount returns the number of registered tools.
func (o *Orchestrator) ToolCount() int { return o.reg.Len() }

// AddWorker injects a connected worker directly. Test seam for router tests
// that drive a fake session instead of a child process.
func (o *Orchestrator) AddWorker(spec config.WorkerSpec, inv Invoker, catalog []mcp.Tool) {
	o.reg.Register(spec.Name, catalog)
	o.mu.Lock()
	o.specs = append(o.specs, spec)
	o.invokers[spec.Name] = inv
	o.mu.Unlock()
}
