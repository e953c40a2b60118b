package prune

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCapabilityUnavailable = errors.New("payload deletion is unavailable in this record store")
	ErrEnumeration           = errors.New("selection enumeration failed")
	ErrGateMismatch          = errors.New("backup not complete")
	ErrCancelled             = errors.New("cancelled")
	ErrRunInProgress         = errors.New("a run is already in progress")
	ErrSinkUnavailable       = errors.New("backup sink unavailable")
	ErrAlreadyStarted        = errors.New("service already started")
	ErrNotRunning            = errors.New("service not running")
	ErrInvalidInput          = errors.New("invalid input")
)

// GateError reports why the consistency gate refused to allow deletion.
type GateError struct {
	ExpectedPayloads int      `json:"expectedPayloads"`
	SavedPayloads    int      `json:"savedPayloads"`
	ExpectedBodies   int      `json:"expectedBodies"`
	SavedBodies      int      `json:"savedBodies"`
	MissingPayloads  []string `json:"missingPayloads,omitempty"`
	MissingBodies    []string `json:"missingBodies,omitempty"`
}

// Details renders one line per mismatching count.
func (e *GateError) Details() []string {
	var lines []string
	if e.SavedPayloads != e.ExpectedPayloads {
		line := fmt.Sprintf("payloads saved %d/%d", e.SavedPayloads, e.ExpectedPayloads)
		if len(e.MissingPayloads) > 0 {
			line += " (missing sample: " + strings.Join(e.MissingPayloads, ", ") + ")"
		}
		lines = append(lines, line)
	}
	if e.SavedBodies != e.ExpectedBodies {
		line := fmt.Sprintf("bodies saved %d/%d", e.SavedBodies, e.ExpectedBodies)
		if len(e.MissingBodies) > 0 {
			line += " (missing sample IDs: " + strings.Join(e.MissingBodies, ", ") + ")"
		}
		lines = append(lines, line)
	}
	return lines
}

func (e *GateError) Error() string {
	return "backup verification failed: " + strings.Join(e.Details(), "; ")
}

func (e *GateError) Is(target error) bool {
	return target == ErrGateMismatch
}
