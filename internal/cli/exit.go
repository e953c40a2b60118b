package cli

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/prunebox/internal/prune"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the run ended without deleting what it set out to
	ExitCommandError = 2 // bad flags, config or collaborators
)

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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error; nil is success and any
// other error is ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// outcomeError turns a finished run into the command's result. Declining
// a dialog is a normal way to end a run.
func outcomeError(report *prune.Report, runErr error) error {
	if report == nil {
		if runErr == nil {
			return nil
		}
		return WrapExitError(ExitFailure, "run failed", runErr)
	}
	switch report.Outcome {
	case prune.OutcomeCompleted, prune.OutcomeNothingToDo, prune.OutcomeCancelled, prune.OutcomePreflightCancelled:
		return nil
	}
	if runErr == nil {
		return NewExitError(ExitFailure, string(report.Outcome))
	}
	return WrapExitError(ExitFailure, string(report.Outcome), runErr)
}
