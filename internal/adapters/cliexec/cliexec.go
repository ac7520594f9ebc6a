// Package cliexec executes tasks by spawning an external coding CLI. The
// prompt is delivered on stdin (or via a {prompt} argv placeholder), output
// is captured from stdout, and timeouts surface as exit code 124.
package cliexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"openskelo/internal/dispatch"
	"openskelo/internal/logging"
	"openskelo/internal/task"
)

// ExitTimeout is reported when the subprocess is killed on deadline.
const ExitTimeout = 124

const killGrace = 5 * time.Second

// Config describes one CLI backend.
type Config struct {
	// Name is the routing name matched against the task backend.
	Name string
	// Command and Args launch the CLI. An args entry equal to "{prompt}"
	// receives the rendered prompt; otherwise the prompt goes to stdin.
	Command string
	Args    []string
	// TaskTypes the adapter serves.
	TaskTypes []string
	Cwd       string
	Env       map[string]string
	// DefaultTimeout applies when the task's backend_config has none.
	DefaultTimeout time.Duration
}

// Adapter runs tasks as subprocesses.
type Adapter struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	running map[string]*process
}

type process struct {
	pgid   int
	cancel context.CancelFunc
}

// New creates a CLI adapter.
func New(cfg Config, logger logging.Logger) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("cliexec: adapter name is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("cliexec: command is required")
	}
	if len(cfg.TaskTypes) == 0 {
		cfg.TaskTypes = []string{"coding"}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	return &Adapter{
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		running: make(map[string]*process),
	}, nil
}

func (a *Adapter) Name() string        { return a.cfg.Name }
func (a *Adapter) TaskTypes() []string { return a.cfg.TaskTypes }

// CanHandle accepts tasks whose type is served by this adapter.
func (a *Adapter) CanHandle(t *task.Task) bool {
	for _, tt := range a.cfg.TaskTypes {
		if t.Type == tt {
			return true
		}
	}
	return false
}

// Execute runs the CLI once for the task and captures its output.
func (a *Adapter) Execute(ctx context.Context, input dispatch.TaskInput) (*dispatch.AdapterResult, error) {
	prompt := RenderPrompt(input)

	command, args, stdinPrompt := a.buildArgv(input, prompt)
	timeout := a.cfg.DefaultTimeout
	if input.BackendConfig != nil && input.BackendConfig.TimeoutMS > 0 {
		timeout = time.Duration(input.BackendConfig.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(command, args...)
	cmd.Dir = a.workdir(input)
	cmd.Env = a.environ(input)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if stdinPrompt {
		cmd.Stdin = strings.NewReader(prompt)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	pgid, _ := syscall.Getpgid(cmd.Process.Pid)
	a.track(input.ID, pgid, cancel)
	defer a.untrack(input.ID)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	timedOut := false
	select {
	case err = <-waitErr:
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		a.kill(pgid)
		err = <-waitErr
	}
	duration := time.Since(start)

	exitCode := 0
	if timedOut {
		exitCode = ExitTimeout
	} else if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run %s: %w", command, err)
		}
	}

	output := strings.TrimSpace(stdout.String())
	if exitCode != 0 && output == "" {
		output = strings.TrimSpace(stderr.String())
	}
	a.logger.Debug("cli %s finished task %s (exit=%d, %s)", a.cfg.Name, input.ID, exitCode, duration.Round(time.Millisecond))
	return &dispatch.AdapterResult{
		Output:     output,
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
	}, nil
}

// Abort terminates the task's process group.
func (a *Adapter) Abort(taskID string) {
	a.mu.Lock()
	proc, ok := a.running[taskID]
	a.mu.Unlock()
	if !ok {
		return
	}
	a.logger.Info("aborting task %s on %s", taskID, a.cfg.Name)
	proc.cancel()
	a.kill(proc.pgid)
}

func (a *Adapter) buildArgv(input dispatch.TaskInput, prompt string) (string, []string, bool) {
	command := a.cfg.Command
	args := append([]string{}, a.cfg.Args...)
	if input.BackendConfig != nil {
		if input.BackendConfig.Command != "" {
			command = input.BackendConfig.Command
		}
		if len(input.BackendConfig.Args) > 0 {
			args = append([]string{}, input.BackendConfig.Args...)
		}
		if input.BackendConfig.Model != "" {
			args = append(args, "--model", input.BackendConfig.Model)
		}
	}
	stdinPrompt := true
	for i, arg := range args {
		if arg == "{prompt}" {
			args[i] = prompt
			stdinPrompt = false
		}
	}
	return command, args, stdinPrompt
}

func (a *Adapter) workdir(input dispatch.TaskInput) string {
	if input.BackendConfig != nil && input.BackendConfig.Cwd != "" {
		return input.BackendConfig.Cwd
	}
	return a.cfg.Cwd
}

func (a *Adapter) environ(input dispatch.TaskInput) []string {
	env := append([]string{}, os.Environ()...)
	for k, v := range a.cfg.Env {
		env = append(env, k+"="+v)
	}
	if input.BackendConfig != nil {
		for k, v := range input.BackendConfig.Env {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func (a *Adapter) track(taskID string, pgid int, cancel context.CancelFunc) {
	a.mu.Lock()
	a.running[taskID] = &process{pgid: pgid, cancel: cancel}
	a.mu.Unlock()
}

func (a *Adapter) untrack(taskID string) {
	a.mu.Lock()
	delete(a.running, taskID)
	a.mu.Unlock()
}

// kill signals the whole process group: SIGTERM first, SIGKILL after the
// grace window.
func (a *Adapter) kill(pgid int) {
	if pgid <= 0 {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGrace)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}
