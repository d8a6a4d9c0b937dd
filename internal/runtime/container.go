package runtime

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Container runs tasks via a Docker-or-Podman CLI binary, matching the
// teacher's pattern of shelling out to a well-known tool rather than
// linking its daemon API (the examples corpus carries no Docker Go SDK).
type Container struct {
	bin string // "docker" or "podman"
}

// NewContainer probes for docker first, then podman.
func NewContainer() *Container {
	if _, err := exec.LookPath("docker"); err == nil {
		return &Container{bin: "docker"}
	}
	return &Container{bin: "podman"}
}

func (c *Container) Name() string { return c.bin }

func (c *Container) Available(ctx context.Context) (Info, error) {
	out, err := exec.CommandContext(ctx, c.bin, "version", "--format", "{{.Server.Version}}").Output()
	if err != nil {
		return Info{}, fmt.Errorf("container: %s unavailable: %w", c.bin, err)
	}
	return Info{Name: c.bin, Version: strings.TrimSpace(string(out))}, nil
}

var cacheNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func sanitizeCacheVolume(name string) string {
	return "sykli-cache-" + cacheNameSanitizer.ReplaceAllString(name, "-")
}

func (c *Container) Run(ctx context.Context, command, image string, mounts []MountSpec, opts RunOpts) (Result, error) {
	name := fmt.Sprintf("sykli-%d", time.Now().UnixNano())
	args := []string{"run", "--rm", "--name", name}

	for _, m := range mounts {
		switch m.Kind {
		case "cache":
			args = append(args, "-v", sanitizeCacheVolume(m.CacheName)+":"+m.ContainerPath)
		default:
			args = append(args, "-v", m.HostPath+":"+m.ContainerPath)
		}
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.Workdir != "" {
		args = append(args, "-w", opts.Workdir)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, image, "sh", "-c", command)

	cmd := exec.CommandContext(ctx, c.bin, args...)
	tail := newTailBuffer(tailBufferSize)
	lineCounter := &lineCountingWriter{}
	var writers []io.Writer = []io.Writer{tail, lineCounter}
	if opts.OnOutput != nil {
		writers = append(writers, writerFunc(opts.OnOutput))
	}
	mw := io.MultiWriter(writers...)
	cmd.Stdout = mw
	cmd.Stderr = mw

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("container: start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(time.Duration(opts.Timeout) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return Result{}, fmt.Errorf("container: wait: %w", err)
			}
		}
		return Result{ExitCode: exitCode, LineCount: lineCounter.count, TailOutput: tail.String()}, nil

	case <-timeoutCh:
		c.killByName(name)
		<-done
		return Result{}, ErrTimeout

	case <-ctx.Done():
		c.killByName(name)
		<-done
		return Result{}, ctx.Err()
	}
}

// killByName kills the named container with its own 1s cleanup budget
// (spec §4.4: "Cleanup must not itself hang; each step has its own 1s budget").
func (c *Container) killByName(name string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = exec.CommandContext(killCtx, c.bin, "kill", name).Run()
}

func (c *Container) CreateNetwork(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, c.bin, "network", "create", name).Output()
	if err != nil {
		return "", fmt.Errorf("container: create network: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Container) RemoveNetwork(ctx context.Context, id string) error {
	killCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return exec.CommandContext(killCtx, c.bin, "network", "rm", id).Run()
}

func (c *Container) StartService(ctx context.Context, name, image, network string) (string, error) {
	args := []string{"run", "-d", "--rm", "--network", network, "--network-alias", name, image}
	out, err := exec.CommandContext(ctx, c.bin, args...).Output()
	if err != nil {
		return "", fmt.Errorf("container: start service: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Container) StopService(ctx context.Context, id string) error {
	stopCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return exec.CommandContext(stopCtx, c.bin, "stop", id).Run()
}
