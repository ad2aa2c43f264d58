package process

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

	"github.com/go-logr/logr"
)

// Runner is the process surface the bootstrappers need.
//
//go:generate go run go.uber.org/mock/mockgen -destination=process_mock.go -package=process . Runner
type Runner interface {
	// LookPath resolves an executable like exec.LookPath.
	LookPath(file string) (string, error)
	// Run executes a command to completion, streaming its output.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command to completion and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a command in the background. Nobody restarts it.
	Start(name string, args []string, env []string) error
	// Exec replaces the current process image. It only returns on failure.
	Exec(name string, args []string, env []string) error
}

// CommandError carries the captured stderr of a failed command.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %s failed: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit status of a failed command, or -1 if it never ran.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Format renders a command line for logs.
func Format(name string, args []string) string {
	var formattedArgs []string
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t'\"") {
			arg = fmt.Sprintf("'%s'", arg)
		}
		formattedArgs = append(formattedArgs, arg)
	}
	if len(formattedArgs) == 0 {
		return name
	}
	return fmt.Sprintf("%s %s", name, strings.Join(formattedArgs, " "))
}

// OSRunner runs real processes.
type OSRunner struct {
	Log    logr.Logger
	Stdout io.Writer
	Stderr io.Writer
}

var _ Runner = &OSRunner{}

func NewOSRunner(log logr.Logger) *OSRunner {
	return &OSRunner{
		Log:    log,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (r *OSRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	formattedCommand := Format(name, args)
	log := r.Log.WithValues("cmd", formattedCommand)
	start := time.Now()
	log.Info("running command")
	err := cmd.Run()
	log.Info("ran command", "error", err != nil, "duration", time.Since(start).String())
	if err != nil {
		return &CommandError{Command: formattedCommand, Err: err}
	}
	return nil
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	formattedCommand := Format(name, args)
	r.Log.V(1).Info("running command", "cmd", formattedCommand)
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{
			Command: formattedCommand,
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

func (r *OSRunner) Start(name string, args []string, env []string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if env != nil {
		cmd.Env = env
	}

	log := r.Log.WithValues("cmd", Format(name, args))
	log.Info("starting command")
	if err := cmd.Start(); err != nil {
		return &CommandError{Command: Format(name, args), Err: err}
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			log.Error(err, "background command exited")
			return
		}
		log.Info("background command exited")
	}()
	return nil
}

func (r *OSRunner) Exec(name string, args []string, env []string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("cannot exec %s: %w", name, err)
	}
	if env == nil {
		env = os.Environ()
	}
	r.Log.Info("handing off to process", "cmd", Format(path, args))
	return execve(path, append([]string{name}, args...), env)
}
