// Package command runs the external storage tools image-info depends on
// (sfdisk, blkid, LVM, mount, qemu-img) and reports their failures with the
// tool's own diagnostic output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kriansa/image-info/internal/log"
)

// Result holds the captured output of a finished command
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner runs external commands
type Runner interface {
	// Run executes name with args. A non-zero exit returns both the Result and
	// a *ToolError; failure to start the command returns a nil Result.
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// ToolError is returned when a command exits with a non-zero status
type ToolError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no diagnostic output"
	}
	return fmt.Sprintf("%s %s: exit status %d: %s", e.Command, strings.Join(e.Args, " "), e.ExitCode, msg)
}

// ExitCodeOf returns the exit code carried by a *ToolError in err's chain, or -1
func ExitCodeOf(err error) int {
	var te *ToolError
	if errors.As(err, &te) {
		return te.ExitCode
	}
	return -1
}

// Exec implements Runner using os/exec
type Exec struct{}

// Run executes the command and captures stdout and stderr separately
func (Exec) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	log.Debug("running command", "command", name, "args", args)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ToolError{
			Command:  name,
			Args:     args,
			ExitCode: res.ExitCode,
			Stderr:   stderr.String(),
		}
	}

	return nil, fmt.Errorf("run %s: %w", name, err)
}
