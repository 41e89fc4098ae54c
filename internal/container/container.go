// Package container wraps the container engine CLI for the editor
// containers the orchestrator owns. Runtime containers belong to
// ComputeManager and are never touched here.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mrmd-cloud/core/internal/clients"
	"go.uber.org/zap"
)

const (
	commandTimeout = 30 * time.Second
	inspectTimeout = 10 * time.Second

	editorMemoryCap  = "512m"
	editorNamePrefix = "editor-"
)

// Driver shells out to the container engine with list-form argv only.
type Driver struct {
	engine string
	log    *zap.Logger
}

// NewDriver locates the container engine binary. Podman is preferred; docker
// is accepted as a drop-in.
func NewDriver(log *zap.Logger) (*Driver, error) {
	for _, candidate := range []string{"podman", "docker"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return &Driver{engine: path, log: log.Named("container")}, nil
		}
	}
	return nil, fmt.Errorf("no container engine found (tried podman, docker)")
}

// NewDriverWithEngine builds a driver for a known engine path (tests).
func NewDriverWithEngine(engine string, log *zap.Logger) *Driver {
	return &Driver{engine: engine, log: log.Named("container")}
}

// EditorName derives the container name for a user. Only a short prefix of
// the user id goes into the name; the full id rides in the env.
func EditorName(userID string) string {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return editorNamePrefix + short
}

// EditorArgs builds the argv for RunEditor. Split out so the exact shape is
// testable without an engine installed.
func EditorArgs(user *clients.User, editorPort, runtimePort int, image, userDir string) []string {
	return []string{
		"run", "-d", "--replace", "--restart=on-failure:5",
		"--name", EditorName(user.ID),
		"--network=host", "--memory=" + editorMemoryCap,
		"-v", userDir + ":/home/ubuntu",
		"-e", "HOME=/home/ubuntu",
		"-e", "USER=ubuntu",
		"-e", "LOGNAME=ubuntu",
		"-e", "CLOUD_MODE=1",
		"-e", "RUNTIME_PORT=" + strconv.Itoa(runtimePort),
		"-e", "PORT=" + strconv.Itoa(editorPort),
		"-e", "BASE_PATH=/u/" + user.ID + "/",
		"-e", "CLOUD_USER_ID=" + user.ID,
		"-e", "CLOUD_USER_NAME=" + user.Name,
		"-e", "CLOUD_USER_USERNAME=" + user.Username,
		"-e", "CLOUD_USER_EMAIL=" + user.Email,
		"-e", "CLOUD_USER_AVATAR=" + user.Avatar,
		"-e", "CLOUD_USER_PLAN=" + user.Plan,
		image,
		"node", "/app/mrmd-server/bin/cli.js",
		"--port", strconv.Itoa(editorPort),
		"--host", "0.0.0.0",
		"--no-auth", "/home/ubuntu",
	}
}

// RunEditor starts the editor container for a user and returns its name.
// --replace removes any stale container holding the same name.
func (d *Driver) RunEditor(ctx context.Context, user *clients.User, editorPort, runtimePort int, image, userDir string) (string, error) {
	name := EditorName(user.ID)
	args := EditorArgs(user, editorPort, runtimePort, image, userDir)
	if _, err := d.run(ctx, commandTimeout, args...); err != nil {
		return "", fmt.Errorf("run editor %s: %w", name, err)
	}
	d.log.Info("editor container started",
		zap.String("name", name),
		zap.Int("editorPort", editorPort),
		zap.Int("runtimePort", runtimePort))
	return name, nil
}

// RemoveContainer force-removes a container. Absence is not an error.
func (d *Driver) RemoveContainer(ctx context.Context, name string) error {
	if _, err := d.run(ctx, commandTimeout, "rm", "-f", name); err != nil {
		if strings.Contains(err.Error(), "no such container") ||
			strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return fmt.Errorf("rm %s: %w", name, err)
	}
	return nil
}

// StartContainer starts an exited container.
func (d *Driver) StartContainer(ctx context.Context, name string) error {
	if _, err := d.run(ctx, commandTimeout, "start", name); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

// RunningEditor is one live editor container as seen by reconciliation.
type RunningEditor struct {
	Name   string
	Status string
	Env    map[string]string
}

// ListRunning returns the editor containers currently alive, with their env.
func (d *Driver) ListRunning(ctx context.Context) ([]RunningEditor, error) {
	out, err := d.run(ctx, inspectTimeout,
		"ps", "--filter", "name="+editorNamePrefix, "--format", "{{.Names}}\t{{.Status}}")
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}

	var editors []RunningEditor
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		ed := RunningEditor{Name: parts[0]}
		if len(parts) > 1 {
			ed.Status = parts[1]
		}
		env, err := d.InspectEnv(ctx, ed.Name)
		if err != nil {
			d.log.Warn("inspect failed during list", zap.String("name", ed.Name), zap.Error(err))
			continue
		}
		ed.Env = env
		editors = append(editors, ed)
	}
	return editors, nil
}

// InspectEnv reads a container's environment as a map.
func (d *Driver) InspectEnv(ctx context.Context, name string) (map[string]string, error) {
	out, err := d.run(ctx, inspectTimeout,
		"inspect", "--format", "{{json .Config.Env}}", name)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}
	var pairs []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &pairs); err != nil {
		return nil, fmt.Errorf("inspect %s: parse env: %w", name, err)
	}
	return ParseEnvPairs(pairs), nil
}

// InspectStatus returns the container state string ("running", "exited", …)
// or "" when the container does not exist.
func (d *Driver) InspectStatus(ctx context.Context, name string) (string, error) {
	out, err := d.run(ctx, inspectTimeout,
		"inspect", "--format", "{{.State.Status}}", name)
	if err != nil {
		if strings.Contains(err.Error(), "no such") || strings.Contains(err.Error(), "No such") {
			return "", nil
		}
		return "", fmt.Errorf("inspect %s: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

// ParseEnvPairs converts KEY=VALUE pairs to a map.
func ParseEnvPairs(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if k, v, ok := strings.Cut(pair, "="); ok {
			env[k] = v
		}
	}
	return env
}

func (d *Driver) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.engine, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", d.engine, args[0], msg)
	}
	return stdout.String(), nil
}
