// Package container provides docker-backed task executors: each invocation
// runs an image to completion and reads the result from its stdout.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/task"
	"github.com/conclavehq/conclave/internal/vault"
)

const labelPrefix = "conclave"

// Runner builds task executors out of executor definitions. Secrets in a
// definition's env are resolved at invocation time, never stored in the
// container config longer than the run.
type Runner struct {
	docker  *client.Client
	secrets *vault.Resolver
}

func NewRunner(secrets *vault.Resolver) (*Runner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runner{docker: docker, secrets: secrets}, nil
}

// Executor returns a task.Executor that runs def's image once per
// invocation. The invocation input is handed to the container as JSON in
// TASK_INPUT; the container's stdout is the result.
func (r *Runner) Executor(id string, def config.ExecutorDefinition) task.Executor {
	return task.Func(func(ctx context.Context, input any) (task.Result, error) {
		payload, confidence, err := r.runOnce(ctx, id, def, input)
		if err != nil {
			return task.Result{}, err
		}
		return task.Result{Payload: payload, Confidence: confidence}, nil
	})
}

func (r *Runner) runOnce(ctx context.Context, id string, def config.ExecutorDefinition, input any) (any, float64, error) {
	env, err := r.buildEnv(def, input)
	if err != nil {
		return nil, 0, err
	}

	name := fmt.Sprintf("conclave-task-%s-%s", id, uuid.NewString()[:8])
	resp, err := r.docker.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image: def.Image,
			Cmd:   def.Command,
			Env:   env,
			Labels: map[string]string{
				labelPrefix + ".managed":  "true",
				labelPrefix + ".executor": id,
			},
		},
		&dockercontainer.HostConfig{},
		nil, nil, name)
	if err != nil {
		return nil, 0, fmt.Errorf("create container: %w", err)
	}

	// Removal must not ride on ctx; a cancelled run still cleans up.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.docker.ContainerRemove(rmCtx, resp.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
			slog.Warn("container cleanup failed", "container", resp.ID[:12], "error", err)
		}
	}()

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, 0, fmt.Errorf("start container: %w", err)
	}
	slog.Debug("task container started", "executor", id, "container", resp.ID[:12])

	waitCh, errCh := r.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		timeout := 5
		_ = r.docker.ContainerStop(context.Background(), resp.ID, dockercontainer.StopOptions{Timeout: &timeout})
		return nil, 0, ctx.Err()
	case err := <-errCh:
		return nil, 0, fmt.Errorf("wait for container: %w", err)
	case status := <-waitCh:
		exitCode = status.StatusCode
	}

	stdout, stderr, err := r.collectLogs(ctx, resp.ID)
	if err != nil {
		return nil, 0, err
	}
	if exitCode != 0 {
		return nil, 0, fmt.Errorf("executor %s exited with code %d: %s", id, exitCode, firstLine(stderr))
	}

	payload, confidence := parseOutput(stdout)
	return payload, confidence, nil
}

func (r *Runner) buildEnv(def config.ExecutorDefinition, input any) ([]string, error) {
	resolved, err := r.secrets.ResolveEnv(def.Env)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	env := []string{fmt.Sprintf("TASK_INPUT=%s", data)}
	for k, v := range resolved {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env, nil
}

func (r *Runner) collectLogs(ctx context.Context, containerID string) (stdout, stderr string, err error) {
	reader, err := r.docker.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		return "", "", fmt.Errorf("demux logs: %w", err)
	}
	return outBuf.String(), errBuf.String(), nil
}

// parseOutput interprets a container's stdout. A JSON document with a
// "payload" field follows the executor contract and may carry a
// confidence; anything else is returned verbatim as a string payload.
func parseOutput(stdout string) (any, float64) {
	trimmed := strings.TrimSpace(stdout)

	var contract struct {
		Payload    any      `json:"payload"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(trimmed), &contract); err == nil && contract.Payload != nil {
		conf := 0.0
		if contract.Confidence != nil {
			conf = *contract.Confidence
		}
		return contract.Payload, conf
	}
	return trimmed, 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
