package runner

import (
	"context"
	"io"
	"time"
)

// Result captures the outcome of a guarded command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	Error    error // set when the command could not run or was killed
}

// Command describes a single process to run.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env []string
	// Stdout and Stderr, when set, receive output as it is produced in
	// addition to the captured copy in Result.
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner executes a command within the context.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) Result
}
