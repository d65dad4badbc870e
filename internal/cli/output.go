package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/offsync/internal/dispatch"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Upstream unreachable, items left queued
	ExitCommandError = 2 // Bad arguments, invalid config, store not openable
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeConfig      = "E002"
	ErrCodeStore       = "E003"
	ErrCodeUpstream    = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeUnreachable = "E006"
	ErrCodeInstall     = "E007"
	ErrCodePending     = "E008"
	ErrCodeBadArgument = "E009"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError wrapping err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope every command writes in json format.
// Source, Offline and Queued describe where the proxy got its answer, so a
// script can tell a fresh upstream read from a stored copy.
type CLIResponse struct {
	Status  string    `json:"status"` // "ok" or "error"
	Data    any       `json:"data,omitempty"`
	Error   *CLIError `json:"error,omitempty"`
	Source  string    `json:"source,omitempty"`  // X-Offsync-Source of the last proxied response
	Offline bool      `json:"offline,omitempty"` // answered without reaching upstream
	Queued  bool      `json:"queued,omitempty"`  // write is waiting for replay
}

// CLIError is the error member of CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command results as text or a JSON envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics and provenance notes; defaults to Writer
	Verbose   bool

	// Source is the provenance of the last proxied response. Commands
	// that never reach the proxy leave it empty.
	Source string
}

func (f *OutputFormatter) envelope(status string) CLIResponse {
	resp := CLIResponse{Status: status, Source: f.Source}
	switch f.Source {
	case dispatch.SourceStore, dispatch.SourceCache:
		resp.Offline = true
	case dispatch.SourceDeferred:
		resp.Offline = true
		resp.Queued = true
	}
	return resp
}

// note returns the text-mode provenance line for Source, or "" when the
// answer came straight from upstream.
func (f *OutputFormatter) note() string {
	switch f.Source {
	case dispatch.SourceStore:
		return "served from the local store; upstream unreachable"
	case dispatch.SourceCache:
		return "served from the asset cache"
	case dispatch.SourceDeferred:
		return "queued; will sync when the proxy is back online"
	}
	return ""
}

// Success writes data. In text mode data is printed as is, followed by a
// provenance note on the diagnostic writer when the answer was not fresh.
func (f *OutputFormatter) Success(data any) error {
	return f.Render(data, func(w io.Writer) { fmt.Fprintln(w, data) })
}

// Render writes data as a JSON envelope, or calls text to write the
// human-readable form.
func (f *OutputFormatter) Render(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		resp := f.envelope("ok")
		resp.Data = data
		return json.NewEncoder(f.Writer).Encode(resp)
	}
	text(f.Writer)
	if n := f.note(); n != "" {
		fmt.Fprintln(f.errWriter(), "note:", n)
	}
	return nil
}

// Error writes an error. The envelope keeps Source so a not-found answered
// by the store is distinguishable from one answered upstream.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		resp := f.envelope("error")
		resp.Error = &CLIError{Code: code, Message: message, Details: details}
		return json.NewEncoder(f.Writer).Encode(resp)
	}

	if f.Source != "" && f.Source != dispatch.SourceNetwork {
		fmt.Fprintf(f.Writer, "Error [%s]: %s (source: %s)\n", code, message, f.Source)
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	}
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail writes an error and returns it as an ExitError with exitCode.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	var details any
	if err != nil {
		details = err.Error()
	}
	_ = f.Error(code, message, details)
	return WrapExitError(exitCode, code+": "+message, err)
}

// VerboseLog writes a diagnostic line when verbose mode is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
