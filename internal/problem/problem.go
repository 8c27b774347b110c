package problem

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Problem is a structured fatal-error payload. Fatal conditions abort the
// pipeline before (acquisition) or after (zero valid rows) the row pass;
// everything non-fatal is surfaced through the run report instead.
//
// The Code is a stable machine-readable string; downstream tooling matches
// on it, never on Summary.
type Problem struct {
	// Code identifies the failure category.
	Code Code

	// Summary is a human-readable description.
	Summary string

	// Context is a redacted path or identifier safe to log and emit.
	// It never contains the user's home directory.
	Context string

	// Err is the underlying cause, if any.
	Err error
}

// Code categorizes fatal pipeline failures.
type Code string

const (
	// CodeDatabaseNotFound indicates the source database does not exist.
	CodeDatabaseNotFound Code = "DATABASE_NOT_FOUND"

	// CodeManifestMissing indicates a backup root without a readable manifest.
	CodeManifestMissing Code = "BACKUP_MANIFEST_MISSING"

	// CodePassphraseRequired indicates an encrypted backup and no passphrase.
	CodePassphraseRequired Code = "PASSPHRASE_REQUIRED"

	// CodeDecryptFailed indicates the passphrase did not unlock the keybag.
	CodeDecryptFailed Code = "BACKUP_DECRYPT_FAILED"

	// CodeStagingFailed indicates the private working copy could not be made.
	CodeStagingFailed Code = "STAGING_FAILED"

	// CodeNoValidRows indicates every row in the run failed validation.
	CodeNoValidRows Code = "NO_VALID_ROWS"
)

// Error implements the error interface.
func (p *Problem) Error() string {
	if p.Context != "" {
		return fmt.Sprintf("%s: %s (%s)", p.Code, p.Summary, p.Context)
	}
	return fmt.Sprintf("%s: %s", p.Code, p.Summary)
}

func (p *Problem) Unwrap() error {
	return p.Err
}

// New creates a Problem with a redacted context path.
func New(code Code, summary, contextPath string) *Problem {
	return &Problem{Code: code, Summary: summary, Context: RedactPath(contextPath)}
}

// Wrap creates a Problem wrapping an underlying cause.
func Wrap(code Code, summary, contextPath string, err error) *Problem {
	return &Problem{Code: code, Summary: summary, Context: RedactPath(contextPath), Err: err}
}

// CodeOf extracts the code from an error chain. Returns "" if the chain
// contains no Problem.
func CodeOf(err error) Code {
	var p *Problem
	if errors.As(err, &p) {
		return p.Code
	}
	return ""
}

// IsFatal reports whether the error chain contains a Problem.
func IsFatal(err error) bool {
	var p *Problem
	return errors.As(err, &p)
}

// RedactPath replaces the user's home directory prefix with "~" so that
// emitted problem descriptions never leak the unredacted home path.
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" || home == "/" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}
