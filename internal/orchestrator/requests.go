package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conclavehq/conclave/internal/aggregate"
	"github.com/conclavehq/conclave/internal/graph"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/swarm"
)

// The request types are the JSON wire form of a run: the web API decodes
// them from request bodies and the scheduler from stored specs.

type NodeRequest struct {
	ID        string   `json:"id"`
	TaskRef   string   `json:"task_ref"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type GraphRequest struct {
	ID    string        `json:"id"`
	Nodes []NodeRequest `json:"nodes"`
	Input any           `json:"input,omitempty"`
}

// WorkflowRequest names a workflow registered in the registry; step
// definitions carry predicates and cannot travel as JSON.
type WorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
	Input      any    `json:"input,omitempty"`
}

type SwarmRequest struct {
	TaskRefs    []string `json:"task_refs"`
	Aggregation string   `json:"aggregation,omitempty"`
	Conflict    string   `json:"conflict,omitempty"`
	TimeoutMs   int64    `json:"timeout_ms,omitempty"`
	Input       any      `json:"input,omitempty"`
}

func (r GraphRequest) build() (*graph.Graph, error) {
	nodes := make([]graph.Node, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		nodes = append(nodes, graph.Node{ID: n.ID, TaskRef: n.TaskRef, DependsOn: n.DependsOn})
	}
	return graph.New(r.ID, nodes...)
}

func (r SwarmRequest) build() swarm.Spec {
	return swarm.Spec{
		TaskRefs:    r.TaskRefs,
		Aggregation: aggregate.Strategy(r.Aggregation),
		Conflict:    aggregate.ConflictStrategy(r.Conflict),
		Timeout:     time.Duration(r.TimeoutMs) * time.Millisecond,
	}
}

// StartFromSpec starts a run from its wire form. pattern selects the
// request type spec decodes into.
func (o *Orchestrator) StartFromSpec(ctx context.Context, pattern string, spec []byte) (string, error) {
	switch run.Pattern(pattern) {
	case run.PatternGraph:
		var req GraphRequest
		if err := json.Unmarshal(spec, &req); err != nil {
			return "", fmt.Errorf("decode graph spec: %w", err)
		}
		g, err := req.build()
		if err != nil {
			return "", err
		}
		return o.StartGraphRun(ctx, g, req.Input)

	case run.PatternWorkflow:
		var req WorkflowRequest
		if err := json.Unmarshal(spec, &req); err != nil {
			return "", fmt.Errorf("decode workflow spec: %w", err)
		}
		wf, err := o.reg.Workflow(req.WorkflowID)
		if err != nil {
			return "", err
		}
		return o.StartWorkflowRun(ctx, wf, req.Input)

	case run.PatternSwarm:
		var req SwarmRequest
		if err := json.Unmarshal(spec, &req); err != nil {
			return "", fmt.Errorf("decode swarm spec: %w", err)
		}
		return o.StartSwarmRun(ctx, req.build(), req.Input)

	default:
		return "", fmt.Errorf("unknown pattern: %s", pattern)
	}
}
