package roles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// SandboxAdapter executes a role step inside a short-lived Docker container,
// the permission-checked boundary for role steps that need to run arbitrary
// tool/shell logic outside the engine's own process.
type SandboxAdapter struct {
	cli   *client.Client
	Image string // image carrying the role's runtime, e.g. "delivery-role-data:latest"
	Role  string
}

// NewSandboxAdapter constructs a SandboxAdapter for the given role and image.
func NewSandboxAdapter(role, image string) (*SandboxAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("roles: sandbox: init docker client: %w", err)
	}
	return &SandboxAdapter{cli: cli, Image: image, Role: role}, nil
}

// Execute runs the role step in a container and parses its stdout as a
// StepReport. The spec is bind-mounted read-only at /input; the container's
// own filesystem, including its /workspace working directory, is writable.
func (a *SandboxAdapter) Execute(ctx context.Context, rc RunContext) (StepReport, error) {
	started := time.Now().UTC()

	inputDir, err := os.MkdirTemp("", fmt.Sprintf("delivery-step-%s-", rc.NodeID))
	if err != nil {
		return StepReport{}, fmt.Errorf("roles: sandbox: create input dir: %w", err)
	}
	defer os.RemoveAll(inputDir)

	specJSON, err := json.Marshal(rc.Spec)
	if err != nil {
		return StepReport{}, fmt.Errorf("roles: sandbox: marshal spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(inputDir, "spec.json"), specJSON, 0o644); err != nil {
		return StepReport{}, fmt.Errorf("roles: sandbox: write spec: %w", err)
	}

	sessionName := fmt.Sprintf("delivery-step-%s-%d", rc.NodeID, time.Now().UnixNano())

	containerConfig := &container.Config{
		Image:      a.Image,
		Cmd:        []string{"/bin/run-step", "/input/spec.json"},
		Tty:        false,
		WorkingDir: "/workspace",
		Env:        []string{"DELIVERY_RUN_ID=" + rc.RunID, "DELIVERY_TENANT_ID=" + rc.TenantID, "DELIVERY_NODE_ID=" + rc.NodeID},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: inputDir, Target: "/input", ReadOnly: true},
		},
		AutoRemove: false,
	}

	resp, err := a.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, sessionName)
	if err != nil {
		return StepReport{}, fmt.Errorf("roles: sandbox: create container: %w", err)
	}
	defer a.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return StepReport{}, fmt.Errorf("roles: sandbox: start container: %w", err)
	}

	statusCh, errCh := a.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return StepReport{}, fmt.Errorf("roles: sandbox: wait: %w", err)
		}
	case <-statusCh:
	case <-ctx.Done():
		return StepReport{NodeID: rc.NodeID, Role: a.Role, Status: StatusTimeout, StartedAt: started, FinishedAt: time.Now().UTC()},
			fmt.Errorf("roles: sandbox: %s: %w", rc.NodeID, ctx.Err())
	}

	logs, err := a.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return StepReport{}, fmt.Errorf("roles: sandbox: read logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return StepReport{}, fmt.Errorf("roles: sandbox: demux logs: %w", err)
	}

	report, err := parseStepReport(strings.TrimSpace(stdout.String()))
	if err != nil {
		return StepReport{NodeID: rc.NodeID, Role: a.Role, Status: StatusFailure, Detail: stderr.String(), StartedAt: started, FinishedAt: time.Now().UTC()},
			fmt.Errorf("roles: sandbox: parse report: %w", err)
	}

	report.NodeID = rc.NodeID
	report.Role = a.Role
	report.StartedAt = started
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

func parseStepReport(stdout string) (StepReport, error) {
	var report StepReport
	if stdout == "" {
		return StepReport{}, fmt.Errorf("empty container output")
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		return StepReport{}, fmt.Errorf("invalid step report json: %w", err)
	}
	return report, nil
}
