package types

import "time"

// CommandSpec describes a one-shot command to run inside a session's
// execution unit. Either Command is set (a literal shell command), or
// Language/File/Args are set and resolve to a fixed interpreter
// invocation. Arguments are always passed as a vector, never concatenated
// into a string for interpretation.
type CommandSpec struct {
	Command  string   `json:"command,omitempty"`
	Language string   `json:"language,omitempty"`
	File     string   `json:"file,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// IsLiteral reports whether the spec is a literal shell command
func (c CommandSpec) IsLiteral() bool {
	return c.Command != ""
}

// ExecResult is the structured outcome of a one-shot execution.
// TimedOut is distinct from a nonzero ExitCode: a timed-out process was
// forcibly terminated by the runner, not by its own exit.
type ExecResult struct {
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exit_code"`
	TimedOut   bool      `json:"timed_out"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
