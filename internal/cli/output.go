package cli

import (
	"errors"
	"fmt"

	"github.com/roach88/verbatim/internal/problem"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful run, possibly with non-fatal degradations
	ExitFailure      = 1 // run-level failure (zero valid rows)
	ExitCommandError = 2 // command/acquisition error (bad flags, source not found)
)

// ExitError carries a specific exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// GetExitCode extracts the exit code for an error. Structured problems
// map by code: acquisition failures are command errors, a zero-valid run
// is a run failure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch problem.CodeOf(err) {
	case problem.CodeNoValidRows:
		return ExitFailure
	case problem.CodeDatabaseNotFound,
		problem.CodeManifestMissing,
		problem.CodePassphraseRequired,
		problem.CodeDecryptFailed,
		problem.CodeStagingFailed:
		return ExitCommandError
	}
	return ExitFailure
}
