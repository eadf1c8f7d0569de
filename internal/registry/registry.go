// Package registry maps task references to executors and workflow ids to
// workflow definitions. A single explicit Registry instance is shared by
// the facade, the scheduler, and the web API; there are no globals.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/task"
	"github.com/conclavehq/conclave/internal/workflow"
)

// ExecutorFactory builds an executor from a config definition. The
// container package provides the production implementation; tests supply
// in-process fakes.
type ExecutorFactory func(id string, def config.ExecutorDefinition) task.Executor

type entry struct {
	executor    task.Executor
	description string
	fromConfig  bool
}

type Registry struct {
	mu        sync.RWMutex
	executors map[string]entry
	workflows map[string]*workflow.Workflow
}

func New() *Registry {
	return &Registry{
		executors: make(map[string]entry),
		workflows: make(map[string]*workflow.Workflow),
	}
}

// RegisterExecutor binds an executor to a task reference. Programmatic
// registrations survive config reloads.
func (r *Registry) RegisterExecutor(id string, ex task.Executor, description string) error {
	if id == "" {
		return fmt.Errorf("executor id is empty")
	}
	if ex == nil {
		return fmt.Errorf("executor %s is nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[id] = entry{executor: ex, description: description}
	return nil
}

func (r *Registry) UnregisterExecutor(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, id)
}

// Resolve implements task.Resolver.
func (r *Registry) Resolve(taskRef string) (task.Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[taskRef]
	if !ok {
		return nil, fmt.Errorf("executor not registered: %s", taskRef)
	}
	return e.executor, nil
}

// ExecutorInfo is the listing row for a registered executor.
type ExecutorInfo struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	FromConfig  bool   `json:"from_config,omitempty"`
}

func (r *Registry) ListExecutors() []ExecutorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ExecutorInfo, 0, len(r.executors))
	for id, e := range r.executors {
		infos = append(infos, ExecutorInfo{ID: id, Description: e.description, FromConfig: e.fromConfig})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SyncDefinitions reconciles config-defined executors with the registry:
// new definitions are added, changed ones rebuilt, and config-backed
// entries absent from defs removed. Programmatic registrations are left
// alone.
func (r *Registry) SyncDefinitions(defs map[string]config.ExecutorDefinition, factory ExecutorFactory) error {
	if factory == nil && len(defs) > 0 {
		return fmt.Errorf("executor definitions present but no factory configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, def := range defs {
		if existing, ok := r.executors[id]; ok && !existing.fromConfig {
			return fmt.Errorf("executor %s already registered programmatically", id)
		}
		r.executors[id] = entry{
			executor:    factory(id, def),
			description: def.Description,
			fromConfig:  true,
		}
	}

	for id, e := range r.executors {
		if !e.fromConfig {
			continue
		}
		if _, ok := defs[id]; !ok {
			delete(r.executors, id)
		}
	}
	return nil
}

// RegisterWorkflow stores a validated workflow definition under its id.
func (r *Registry) RegisterWorkflow(wf *workflow.Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow has no id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf
	return nil
}

func (r *Registry) Workflow(id string) (*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow not registered: %s", id)
	}
	return wf, nil
}

func (r *Registry) ListWorkflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
