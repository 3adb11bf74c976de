// Package agentproc runs the external agent process behind a session: a
// Docker container executing the agent binary for the session's
// AgentKind, with stdout/stderr fed into the session actor as events and
// stdin fed from client input.
package agentproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	containerUser   = "1000"
	workingDirBase  = "/home/agent/work"
	stopTimeoutSecs = 10

	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	agentNetwork = "agentgateway-sessions"
	agentSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// agentImages maps an agent kind to the container image that runs it.
// Unknown kinds fall back to defaultImage.
var agentImages = map[string]string{
	"claude": "agentgateway/agent-claude:latest",
	"codex":  "agentgateway/agent-codex:latest",
	"aider":  "agentgateway/agent-aider:latest",
}

const defaultImage = "agentgateway/agent-generic:latest"

// agentCommands maps an agent kind to the command line that launches it
// inside the container, run with the working directory as cwd.
var agentCommands = map[string][]string{
	"claude": {"claude", "--print", "--output-format", "stream-json"},
	"codex":  {"codex", "exec", "--json"},
	"aider":  {"aider", "--no-pretty"},
}

var defaultCommand = []string{"sh"}

// OutputSink receives a session's agent process lifecycle events. It is
// implemented by *sessionactor.Actor; kept as an interface here so this
// package does not import sessionactor.
type OutputSink interface {
	HandleAgentOutput(data string, stream string)
	HandleAgentExit(code int, signal string)
}

// Supervisor launches and tears down one container per session and
// streams its process I/O to the session's actor.
type Supervisor struct {
	cli     *client.Client
	runtime string
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	containerID string
	execID      string
	conn        io.ReadWriteCloser
	cancel      context.CancelFunc
}

// NewSupervisor creates a Docker-backed agent process supervisor. runtime
// may be "" for the default runtime or "runsc" for gVisor isolation.
func NewSupervisor(runtime string, logger *slog.Logger) (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("agentproc: create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cli: cli, runtime: runtime, logger: logger, procs: make(map[string]*process)}, nil
}

// EnsureNetwork creates the bridge network agent containers join, if it
// does not already exist.
func (s *Supervisor) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := s.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("agentproc: list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == agentNetwork {
			return nw.ID, nil
		}
	}

	resp, err := s.cli.NetworkCreate(ctx, agentNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: agentSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("agentproc: create network %s: %w", agentNetwork, err)
	}
	s.logger.Info("agentproc: network created", "network_id", resp.ID, "subnet", agentSubnet)
	return resp.ID, nil
}

// Start launches a fresh container running the session's agent kind and
// begins streaming its output into sink. A per-session Docker volume is
// mounted read-write at the container's working directory; the workingDir
// argument is not used, so the session's host working directory is not
// mounted into the container.
func (s *Supervisor) Start(ctx context.Context, sessionID, agentKind, workingDir string, env map[string]string, sink OutputSink) error {
	image := agentImages[agentKind]
	if image == "" {
		image = defaultImage
	}
	command := agentCommands[agentKind]
	if command == nil {
		command = defaultCommand
	}

	containerName := fmt.Sprintf("agent-session-%s", sessionID)
	volumeName := fmt.Sprintf("agent-session-%s-data", sessionID)

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image:      image,
		User:       containerUser,
		WorkingDir: workingDirBase,
		Tty:        false,
		Env:        envVars,
	}
	hostCfg := &container.HostConfig{
		Runtime:     s.runtime,
		NetworkMode: container.NetworkMode(agentNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: workingDirBase,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return fmt.Errorf("agentproc: create container: %w", createErr)
		}
		if inspect, inspectErr := s.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			_ = s.removeContainer(ctx, inspect.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return fmt.Errorf("agentproc: create container after retries: %w", createErr)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.removeContainer(ctx, resp.ID)
		return fmt.Errorf("agentproc: start container %s: %w", resp.ID, err)
	}

	execConfig := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          command,
		User:         containerUser,
		WorkingDir:   workingDirBase,
	}
	execResp, err := s.cli.ContainerExecCreate(ctx, resp.ID, execConfig)
	if err != nil {
		_ = s.removeContainer(ctx, resp.ID)
		return fmt.Errorf("agentproc: create exec for session %s: %w", sessionID, err)
	}
	attachResp, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		_ = s.removeContainer(ctx, resp.ID)
		return fmt.Errorf("agentproc: attach exec for session %s: %w", sessionID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &process{containerID: resp.ID, execID: execResp.ID, conn: attachResp.Conn, cancel: cancel}
	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()

	go s.pump(runCtx, sessionID, p, sink)

	s.logger.Info("agentproc: session process started", "session_id", sessionID, "container_id", resp.ID, "agent_kind", agentKind)
	return nil
}

// pump reads the attached connection until it closes or the supervisor is
// torn down, forwarding each line as an agent output event, then reports
// the exit back through sink.
func (s *Supervisor) pump(ctx context.Context, sessionID string, p *process, sink OutputSink) {
	defer attachClose(p.conn)

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sink.HandleAgentOutput(scanner.Text(), "stdout")
	}

	exitCode, inspectErr := s.waitExitCode(context.Background(), p.containerID, p.execID)
	if inspectErr != nil {
		s.logger.Warn("agentproc: failed to inspect exec exit code", "session_id", sessionID, "error", inspectErr)
	}
	sink.HandleAgentExit(exitCode, "")

	s.mu.Lock()
	delete(s.procs, sessionID)
	s.mu.Unlock()

	_ = s.removeContainer(context.Background(), p.containerID)
}

func (s *Supervisor) waitExitCode(ctx context.Context, containerID, execID string) (int, error) {
	inspect, err := s.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return -1, err
	}
	return inspect.ExitCode, nil
}

// WriteInput forwards client input to the session's agent process stdin.
func (s *Supervisor) WriteInput(sessionID, data string) error {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("agentproc: no running process for session %s", sessionID)
	}
	_, err := io.WriteString(p.conn, data+"\n")
	return err
}

// Stop tears down the session's container, if one is running.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	delete(s.procs, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	p.cancel()
	return s.removeContainer(ctx, p.containerID)
}

func (s *Supervisor) removeContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !errdefs.IsNotFound(err) {
			s.logger.Debug("agentproc: stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}
	if err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("agentproc: remove container %s: %w", containerID, err)
	}
	return nil
}

func attachClose(c io.ReadWriteCloser) {
	_ = c.Close()
}

func ptr[T any](v T) *T {
	return &v
}
