package drbl

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig reports caller-supplied input the tool cannot act on, such
	// as an image that is not present in the image home.
	ErrConfig = errors.New("imaging tool configuration error")

	// ErrCommand reports a failed, missing or timed out tool invocation.
	ErrCommand = errors.New("imaging tool command error")
)

// CommandError describes a single failed invocation of an external command.
type CommandError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Timeout  bool
	Err      error
}

func (e *CommandError) Error() string {
	cmd := strings.Join(e.Command, " ")
	switch {
	case e.Timeout:
		return fmt.Sprintf("command timed out: %s", cmd)
	case e.Err != nil:
		return fmt.Sprintf("command execution error: %s: %v", cmd, e.Err)
	default:
		stderr := strings.TrimSpace(e.Stderr)
		if stderr == "" {
			return fmt.Sprintf("command failed: %s (exit %d)", cmd, e.ExitCode)
		}
		return fmt.Sprintf("command failed: %s (exit %d): %s", cmd, e.ExitCode, stderr)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is reports CommandError as ErrCommand.
func (e *CommandError) Is(target error) bool { return target == ErrCommand }
