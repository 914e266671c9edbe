// Package process runs the external dump, snapshot and compression
// utilities. It captures exit status and stderr, and joins two commands
// with a pipe when a dump has to be compressed on the fly.
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

	"github.com/kebairia/diffback/internal/logger"
)

// Command describes one process invocation.
type Command struct {
	Name string
	Args []string
	// Env is appended to the current environment. Secrets such as
	// PGPASSWORD and MYSQL_PWD go here, never into Args.
	Env []string
	Dir string
	// Stdout receives the process output. When nil, Run captures it into
	// Result.Stdout.
	Stdout io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds what a finished command wrote.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// ExitError reports a command that could not start or exited non-zero.
// Code is -1 when the process never ran.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
	if e.Code < 0 {
		msg = fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Runner starts external processes.
type Runner interface {
	// Run executes one command to completion.
	Run(ctx context.Context, cmd Command) (Result, error)
	// Pipe runs up and down concurrently with up's stdout connected to
	// down's stdin. Both exit codes are checked; a zero exit from down does
	// not hide a failed up.
	Pipe(ctx context.Context, up, down Command) error
}

// Exec is the os/exec backed Runner.
type Exec struct {
	log logger.Logger
}

var _ Runner = (*Exec)(nil)

// NewExec returns a Runner that logs every command it starts.
func NewExec(log logger.Logger) *Exec {
	if log == nil {
		log = logger.NewNop()
	}
	return &Exec{log: log}
}

func build(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	return cmd
}

func exitError(name string, err error, stderr []byte) error {
	if err == nil {
		return nil
	}
	code := -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	return &ExitError{Name: name, Code: code, Stderr: strings.TrimSpace(string(stderr)), Err: err}
}

func (e *Exec) Run(ctx context.Context, c Command) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := build(ctx, c)
	cmd.Stdout = &stdout
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	cmd.Stderr = &stderr

	e.log.Debug("running command", "command", c.String())
	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		e.log.Error("command failed", "command", c.Name, "error", err, "stderr", string(res.Stderr))
		return res, exitError(c.Name, err, res.Stderr)
	}
	e.log.Debug("command finished", "command", c.Name, "duration", time.Since(start).String())
	return res, nil
}

func (e *Exec) Pipe(ctx context.Context, up, down Command) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create pipe: %w", err)
	}

	var upErr, downErr bytes.Buffer
	upCmd := build(ctx, up)
	upCmd.Stdout = pw
	upCmd.Stderr = &upErr

	downCmd := build(ctx, down)
	downCmd.Stdin = pr
	downCmd.Stdout = down.Stdout
	downCmd.Stderr = &downErr

	e.log.Debug("running pipeline", "up", up.String(), "down", down.String())
	if err := upCmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("upstream: %w", exitError(up.Name, err, nil))
	}
	if err := downCmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		_ = upCmd.Process.Kill()
		_ = upCmd.Wait()
		return fmt.Errorf("downstream: %w", exitError(down.Name, err, nil))
	}
	// The children hold their own copies; closing ours lets EOF and EPIPE
	// propagate when either side exits.
	pr.Close()
	pw.Close()

	upWait := upCmd.Wait()
	downWait := downCmd.Wait()

	var errs []error
	if upWait != nil {
		errs = append(errs, fmt.Errorf("upstream: %w", exitError(up.Name, upWait, upErr.Bytes())))
	}
	if downWait != nil {
		errs = append(errs, fmt.Errorf("downstream: %w", exitError(down.Name, downWait, downErr.Bytes())))
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.log.Error("pipeline failed", "up", up.Name, "down", down.Name, "error", err)
		return err
	}
	return nil
}
