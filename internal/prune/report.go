package prune

import (
	"fmt"
	"strings"
	"time"
)

type RunOutcome string

const (
	OutcomeCompleted             RunOutcome = "completed"
	OutcomeCancelled             RunOutcome = "cancelled"
	OutcomePreflightCancelled    RunOutcome = "preflight_cancelled"
	OutcomeNothingToDo           RunOutcome = "nothing_to_do"
	OutcomeGateAborted           RunOutcome = "gate_aborted"
	OutcomeCapabilityUnavailable RunOutcome = "capability_unavailable"
	OutcomeSinkUnavailable       RunOutcome = "sink_unavailable"
	OutcomeEnumerationFailed     RunOutcome = "enumeration_failed"
	OutcomeFailed                RunOutcome = "failed"
)

// Report is the per-run summary. It is discarded when the run ends.
type Report struct {
	RunID            string          `json:"runId"`
	Outcome          RunOutcome      `json:"outcome"`
	Selected         int             `json:"selected"`
	Stats            Stats           `json:"stats"`
	BodyScope        BodyScope       `json:"bodyScope"`
	PayloadsExpected int             `json:"payloadsExpected"`
	PayloadsSaved    int             `json:"payloadsSaved"`
	PayloadFailures  int             `json:"payloadFailures"`
	BodiesExpected   int             `json:"bodiesExpected"`
	BodiesSaved      int             `json:"bodiesSaved"`
	BodyFailures     int             `json:"bodyFailures"`
	Intended         int             `json:"intended"`
	Deleted          int             `json:"deleted"`
	Gate             *GateError      `json:"gate,omitempty"`
	DeleteFailures   []DeleteFailure `json:"deleteFailures,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	FinishedAt       time.Time       `json:"finishedAt"`
}

// Notification builds the single terminal notification for the report.
func (r *Report) Notification() Notification {
	n := Notification{Outcome: r.Outcome, Report: r}
	switch r.Outcome {
	case OutcomeCompleted:
		n.Title = "Backup & Deletion Completed"
		n.Message = r.summary()
	case OutcomeCancelled, OutcomePreflightCancelled:
		n.Title = "Cancelled"
		n.Message = "Bulk deletion was cancelled."
	case OutcomeNothingToDo:
		n.Title = "No deletable payloads"
		n.Message = "No removable payloads were found in the selected records."
	case OutcomeGateAborted:
		n.Title = "Backup not complete - Deletion aborted"
		msg := "Backup verification failed."
		if r.Gate != nil {
			msg += "\n" + strings.Join(r.Gate.Details(), "\n")
		}
		n.Message = msg
	case OutcomeCapabilityUnavailable:
		n.Title = "Payload deletion unavailable"
		n.Message = "The record store does not support deleting payloads. Nothing was changed."
	case OutcomeSinkUnavailable:
		n.Title = "Backup sink unavailable"
		n.Message = "No backup sink is configured. Nothing was changed."
	case OutcomeEnumerationFailed:
		n.Title = "Selection could not be read"
		n.Message = r.Error
	default:
		n.Title = "Error during backup/verify/delete"
		n.Message = r.Error
	}
	return n
}

func (r *Report) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d records selected\n", r.Stats.AffectedRecords)
	fmt.Fprintf(&b, "%d/%d payloads saved, %d/%d payloads deleted", r.PayloadsSaved, r.PayloadsExpected, r.Deleted, r.Intended)
	var notes []string
	if r.PayloadFailures > 0 {
		notes = append(notes, fmt.Sprintf("%d payload(s) failed backup", r.PayloadFailures))
	}
	if r.BodyFailures > 0 {
		notes = append(notes, fmt.Sprintf("%d record bodies failed backup", r.BodyFailures))
	}
	if failed := len(r.DeleteFailures); failed > 0 {
		notes = append(notes, fmt.Sprintf("%d payload(s) could not be deleted", failed))
	}
	if len(notes) > 0 {
		b.WriteString("\nNotes: " + strings.Join(notes, ", "))
	}
	return b.String()
}
