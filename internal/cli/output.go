package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes. The shell contract is part of the operational surface:
// scripts distinguish a refused command from a broken invocation.
const (
	ExitSuccess      = 0 // command accepted, query answered
	ExitFailure      = 1 // domain or validation failure (refused command, bad amount, unknown account)
	ExitCommandError = 2 // broken invocation (unreadable config, database cannot open)
)

// Error codes carried in the JSON envelope.
const (
	ErrCodeGeneric    = "E001" // generic/unknown error
	ErrCodeConfig     = "E002" // configuration load or validation failed
	ErrCodeInvalidArg = "E003" // unusable argument (amount, account id)
	ErrCodeNode       = "E004" // node open or run failure
	ErrCodeNotFound   = "E005" // account or transaction not found
	ErrCodeRefused    = "E006" // command journaled as FAIL
)

// ExitError is an error with a process exit code attached.
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

// NewExitError creates an ExitError without an underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code and context to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, defaulting to
// ExitFailure for plain errors.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope every command emits in --format json.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError carries the machine-readable error half of a Response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter renders command results as text or as the JSON
// envelope. Diagnostic output goes to ErrWriter so JSON on Writer
// stays parseable.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// Success reports a result: the JSON envelope carries data, the text
// form prints the preformatted line.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error reports a failure in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

// VerboseLog prints a diagnostic line when --verbose is set.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
