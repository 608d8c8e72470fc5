package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Fault tells a caller who has to act on an error.
type Fault string

const (
	// FaultSnippet means the submitted code itself failed.
	FaultSnippet Fault = "snippet"
	// FaultSystem means the platform could not run the snippet.
	FaultSystem Fault = "system"
	// FaultCaller means the request was malformed or out of order.
	FaultCaller Fault = "caller"
)

// Coded is implemented by every error in the taxonomy.
type Coded interface {
	error
	Code() string
	Fault() Fault
}

// Classify returns the code and fault of err, falling back to an internal system error.
func Classify(err error) (string, Fault) {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code(), coded.Fault()
	}
	return "internal_error", FaultSystem
}

// Retryable reports whether repeating the same call with fresh state can succeed.
func Retryable(err error) bool {
	var stale *StaleSlotVersionError
	var infra *SandboxInfraError
	var full *QueueFullError
	return errors.As(err, &stale) || errors.As(err, &infra) || errors.As(err, &full)
}

// ValidationError aggregates input issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Code() string { return "invalid_request" }
func (e *ValidationError) Fault() Fault { return FaultCaller }

type InvalidEngineError struct {
	Language Language
	Engine   EngineID
	Reason   string
}

func (e *InvalidEngineError) Error() string {
	msg := fmt.Sprintf("invalid engine %q for language %q", e.Engine, e.Language)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
func (e *InvalidEngineError) Code() string { return "invalid_engine" }
func (e *InvalidEngineError) Fault() Fault { return FaultCaller }

type InvalidSlotError struct {
	Language Language
	SlotID   string
	Reason   string
}

func (e *InvalidSlotError) Error() string {
	return fmt.Sprintf("invalid slot %q for language %q: %s", e.SlotID, e.Language, e.Reason)
}
func (e *InvalidSlotError) Code() string { return "invalid_slot" }
func (e *InvalidSlotError) Fault() Fault { return FaultCaller }

type SandboxTimeoutError struct {
	StagingID string
	Elapsed   time.Duration
}

func (e *SandboxTimeoutError) Error() string {
	return fmt.Sprintf("staging %s: execution timed out after %s", e.StagingID, e.Elapsed)
}
func (e *SandboxTimeoutError) Code() string { return "sandbox_timeout" }
func (e *SandboxTimeoutError) Fault() Fault { return FaultSnippet }

type SandboxInfraError struct {
	StagingID string
	Engine    EngineID
	Attempts  int
	Err       error
}

func (e *SandboxInfraError) Error() string {
	return fmt.Sprintf("staging %s: engine %s unavailable after %d attempt(s): %v", e.StagingID, e.Engine, e.Attempts, e.Err)
}
func (e *SandboxInfraError) Unwrap() error { return e.Err }
func (e *SandboxInfraError) Code() string  { return "sandbox_unavailable" }
func (e *SandboxInfraError) Fault() Fault  { return FaultSystem }

type VerificationMismatchError struct {
	StagingID string
	// Status is empty when the record has not been verified yet.
	Status SpecStatus
}

func (e *VerificationMismatchError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("staging %s has not been verified", e.StagingID)
	}
	return fmt.Sprintf("staging %s verified %s, promotion requires PASS", e.StagingID, e.Status)
}
func (e *VerificationMismatchError) Code() string { return "verification_mismatch" }
func (e *VerificationMismatchError) Fault() Fault { return FaultCaller }

type AlreadyVerifiedError struct {
	StagingID string
	Status    SpecStatus
}

func (e *AlreadyVerifiedError) Error() string {
	return fmt.Sprintf("staging %s already verified (%s)", e.StagingID, e.Status)
}
func (e *AlreadyVerifiedError) Code() string { return "already_verified" }
func (e *AlreadyVerifiedError) Fault() Fault { return FaultCaller }

type AlreadyPromotedError struct {
	StagingID  string
	PromotedAt time.Time
}

func (e *AlreadyPromotedError) Error() string {
	return fmt.Sprintf("staging %s already promoted at %s", e.StagingID, e.PromotedAt.UTC().Format(time.RFC3339))
}
func (e *AlreadyPromotedError) Code() string { return "already_promoted" }
func (e *AlreadyPromotedError) Fault() Fault { return FaultCaller }

type StaleSlotVersionError struct {
	Slot     SlotKey
	Expected int64
	Actual   int64
}

func (e *StaleSlotVersionError) Error() string {
	return fmt.Sprintf("slot %s moved from version %d to %d", e.Slot, e.Expected, e.Actual)
}
func (e *StaleSlotVersionError) Code() string { return "stale_slot_version" }
func (e *StaleSlotVersionError) Fault() Fault { return FaultCaller }

type SlotLockedError struct {
	Slot   SlotKey
	Reason string
}

func (e *SlotLockedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("slot %s is locked", e.Slot)
	}
	return fmt.Sprintf("slot %s is locked: %s", e.Slot, e.Reason)
}
func (e *SlotLockedError) Code() string { return "slot_locked" }
func (e *SlotLockedError) Fault() Fault { return FaultCaller }

type UnknownStagingIDError struct {
	StagingID string
}

func (e *UnknownStagingIDError) Error() string {
	return fmt.Sprintf("unknown staging id %q", e.StagingID)
}
func (e *UnknownStagingIDError) Code() string { return "unknown_staging_id" }
func (e *UnknownStagingIDError) Fault() Fault { return FaultCaller }

type UnknownSlotError struct {
	Slot SlotKey
}

func (e *UnknownSlotError) Error() string {
	return fmt.Sprintf("unknown slot %s", e.Slot)
}
func (e *UnknownSlotError) Code() string { return "unknown_slot" }
func (e *UnknownSlotError) Fault() Fault { return FaultCaller }

type UnknownContentError struct {
	Hash string
}

func (e *UnknownContentError) Error() string {
	return fmt.Sprintf("unknown content hash %q", e.Hash)
}
func (e *UnknownContentError) Code() string { return "unknown_content" }
func (e *UnknownContentError) Fault() Fault { return FaultCaller }

// ExecutionStartedError is returned when abandoning an attempt whose execution already began.
type ExecutionStartedError struct {
	StagingID string
	State     StagingState
}

func (e *ExecutionStartedError) Error() string {
	return fmt.Sprintf("staging %s can no longer be abandoned (%s)", e.StagingID, e.State)
}
func (e *ExecutionStartedError) Code() string { return "execution_started" }
func (e *ExecutionStartedError) Fault() Fault { return FaultCaller }

type AbandonedError struct {
	StagingID string
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("staging %s was abandoned", e.StagingID)
}
func (e *AbandonedError) Code() string { return "staging_abandoned" }
func (e *AbandonedError) Fault() Fault { return FaultCaller }

type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("execution queue full (%d pending)", e.Capacity)
}
func (e *QueueFullError) Code() string { return "queue_full" }
func (e *QueueFullError) Fault() Fault { return FaultSystem }
