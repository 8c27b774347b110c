// Package transcribe turns resolved audio attachments into text through a
// local engine. Transcripts land in the message provenance bag; message
// text is never rewritten.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Engine produces a transcript for a local audio file.
type Engine interface {
	// Name identifies the engine in the run report.
	Name() string
	// Transcribe returns the transcript text for the file at path.
	Transcribe(ctx context.Context, path string) (string, error)
}

// Modes accepted by configuration.
const (
	ModeOff  = "off"
	ModeStub = "stub"
	ModeExec = "exec"
)

// New builds the engine for a configured mode. ModeOff returns nil: the
// pipeline skips transcription entirely.
func New(mode, binary, model string) (Engine, error) {
	switch mode {
	case ModeOff, "":
		return nil, nil
	case ModeStub:
		return StubEngine{}, nil
	case ModeExec:
		if binary == "" {
			return nil, fmt.Errorf("transcribe: exec mode requires a binary")
		}
		return &ExecEngine{Binary: binary, Model: model}, nil
	}
	return nil, fmt.Errorf("transcribe: unknown mode %q", mode)
}

// ExecEngine shells out to a local speech-to-text binary. It never opens
// a network connection; audio bytes stay on the machine.
type ExecEngine struct {
	Binary string
	// Model is passed as -m when set; whisper.cpp-compatible binaries
	// expect a local model path.
	Model string
}

func (e *ExecEngine) Name() string { return "exec:" + e.Binary }

func (e *ExecEngine) Transcribe(ctx context.Context, path string) (string, error) {
	args := []string{"--no-timestamps", "-f", path}
	if e.Model != "" {
		args = append(args, "-m", e.Model)
	}

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("transcribe: %s: %w (%s)", e.Binary, err, detail)
		}
		return "", fmt.Errorf("transcribe: %s: %w", e.Binary, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// StubEngine returns a fixed transcript derived from the filename. It
// keeps pipelines deterministic in tests and dry runs.
type StubEngine struct{}

func (StubEngine) Name() string { return "stub" }

func (StubEngine) Transcribe(_ context.Context, path string) (string, error) {
	return fmt.Sprintf("[stub transcript of %s]", lastSegment(path)), nil
}

func lastSegment(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
