// Package sandbox runs framework commands (install, test, verify)
// either inside an ephemeral Docker container bind-mounting the
// checked-out repository, or as a plain subprocess when Docker is
// unavailable. Every invocation gets a fresh container: no state is
// carried between calls.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Result is the outcome of running a command, in-container or not.
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
}

// Runner executes commands against a repository checkout.
type Runner struct {
	docker *client.Client
}

// NewRunner pings Docker via the environment's default configuration;
// when unreachable, Available() reports false and Run falls back to a
// plain subprocess.
func NewRunner(ctx context.Context) *Runner {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return &Runner{}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return &Runner{}
	}
	return &Runner{docker: cli}
}

// Available reports whether a Docker daemon was reachable at
// construction time.
func (r *Runner) Available() bool { return r.docker != nil }

// Close releases the underlying Docker client, if any.
func (r *Runner) Close() error {
	if r.docker == nil {
		return nil
	}
	return r.docker.Close()
}

// Run executes argv with repoDir bind-mounted at /workspace, using
// image when Docker is available, or argv directly in repoDir
// otherwise. timeout bounds the whole invocation.
func (r *Runner) Run(ctx context.Context, image, repoDir string, argv []string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.Available() {
		return r.runInContainer(ctx, image, repoDir, argv)
	}
	return runProcess(ctx, repoDir, argv)
}

func (r *Runner) runInContainer(ctx context.Context, image, repoDir string, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("sandbox: empty command")
	}

	resp, err := r.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      image,
			Cmd:        argv,
			WorkingDir: "/workspace",
			Tty:        false,
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: repoDir,
				Target: "/workspace",
			}},
			AutoRemove: false,
		},
		nil, nil, "",
	)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: creating container: %w", err)
	}
	defer func() {
		_ = r.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("sandbox: starting container: %w", err)
	}

	waitCh, errCh := r.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	out, err := r.docker.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: reading container logs: %w", err)
	}
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, out)
	_ = out.Close()

	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("sandbox: waiting for container: %w", err)
		}
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: stdout.String() + stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func runProcess(ctx context.Context, repoDir string, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("sandbox: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = repoDir
	cmd.Env = os.Environ()

	var combined bytes.Buffer
	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = io.MultiWriter(&stderr, &combined)

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, fmt.Errorf("sandbox: running %s: %w", strings.Join(argv, " "), ctxErr)
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("sandbox: running %s: %w", strings.Join(argv, " "), err)
		}
	}
	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
		ExitCode: exitCode,
	}, nil
}
