package domain

import (
	"fmt"
	"strings"
	"time"
)

type Language string

// Normalized lower-cases and trims a language tag.
func (l Language) Normalized() Language {
	return Language(strings.ToLower(strings.TrimSpace(string(l))))
}

// EngineID names a runtime variant as NAME-letter, for example "RUST-d".
type EngineID string

// Snippet is normalized source addressed by the sha256 of its bytes.
type Snippet struct {
	Hash     string
	Language Language
	Source   []byte
}

type SpecStatus string

const (
	SpecStatusPass    SpecStatus = "PASS"
	SpecStatusFail    SpecStatus = "FAIL"
	SpecStatusTimeout SpecStatus = "TIMEOUT"
	SpecStatusError   SpecStatus = "ERROR"
)

func (s SpecStatus) Valid() bool {
	switch s {
	case SpecStatusPass, SpecStatusFail, SpecStatusTimeout, SpecStatusError:
		return true
	default:
		return false
	}
}

// SpecResult is attached to a staging record exactly once.
type SpecResult struct {
	Status     SpecStatus    `json:"status"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Detail     string        `json:"detail,omitempty"`
	Output     string        `json:"output,omitempty"`
	VerifiedAt time.Time     `json:"verified_at"`
}

func (r SpecResult) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("invalid spec status %q", r.Status)
	}
	if r.Elapsed < 0 {
		return fmt.Errorf("elapsed must be >= 0")
	}
	if r.VerifiedAt.IsZero() {
		return fmt.Errorf("verified_at is required")
	}
	return nil
}

type StagingRecord struct {
	StagingID       string      `json:"staging_id"`
	ContentHash     string      `json:"content_hash"`
	Language        Language    `json:"language"`
	Engine          EngineID    `json:"engine"`
	SlotID          string      `json:"slot_id"`
	Position        int         `json:"position"`
	Label           string      `json:"label"`
	Submitter       string      `json:"submitter,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	SpecResult      *SpecResult `json:"spec_result,omitempty"`
	PromotedAt      *time.Time  `json:"promoted_at,omitempty"`
	AbandonedAt     *time.Time  `json:"abandoned_at,omitempty"`
	IntegritySHA256 string      `json:"integrity_sha256"`
}

func (r StagingRecord) SlotKey() SlotKey {
	return SlotKey{Language: r.Language, SlotID: r.SlotID}
}

func (r StagingRecord) State() StagingState {
	switch {
	case r.PromotedAt != nil:
		return StatePromoted
	case r.AbandonedAt != nil:
		return StateAbandoned
	case r.SpecResult == nil:
		return StateStaged
	case r.SpecResult.Status == SpecStatusPass:
		return StateVerifiedPass
	default:
		return StateVerifiedFail
	}
}

// SlotKey addresses a slot. SlotID carries the engine letter and the
// position, for example "d2".
type SlotKey struct {
	Language Language `json:"language"`
	SlotID   string   `json:"slot_id"`
}

func (k SlotKey) String() string {
	return string(k.Language) + "/" + k.SlotID
}

type PromotionEvent struct {
	StagingID         string    `json:"staging_id"`
	ContentHash       string    `json:"content_hash"`
	PromotedAt        time.Time `json:"promoted_at"`
	OutgoingStagingID string    `json:"outgoing_staging_id,omitempty"`
	Version           int64     `json:"version"`
}

type Slot struct {
	Key               SlotKey          `json:"key"`
	Position          int              `json:"position"`
	Version           int64            `json:"version"`
	ActiveStagingID   string           `json:"active_staging_id,omitempty"`
	ActiveSnippetHash string           `json:"active_snippet_hash,omitempty"`
	Locked            bool             `json:"locked"`
	LockReason        string           `json:"lock_reason,omitempty"`
	DeclaredAt        time.Time        `json:"declared_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	History           []PromotionEvent `json:"history"`
}

// Occupied reports whether any promotion has landed in the slot.
func (s Slot) Occupied() bool {
	return s.ActiveStagingID != ""
}

// Clone returns a copy whose history does not alias the receiver's.
func (s Slot) Clone() Slot {
	out := s
	out.History = append([]PromotionEvent(nil), s.History...)
	return out
}

type OutcomeKind string

const (
	OutcomeOK           OutcomeKind = "OK"
	OutcomeTimeout      OutcomeKind = "TIMEOUT"
	OutcomeRuntimeError OutcomeKind = "RUNTIME_ERROR"
)

// ExecutionOutcome is what a sandbox run produced. Infrastructure failures
// are reported as errors, never as an outcome.
type ExecutionOutcome struct {
	Kind       OutcomeKind   `json:"kind"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr,omitempty"`
	ExitStatus int           `json:"exit_status"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Truncated  bool          `json:"truncated,omitempty"`
	Attempts   int           `json:"attempts"`
}

// Err exposes a timeout as a typed error for callers that branch on errors.
func (o ExecutionOutcome) Err(stagingID string) error {
	if o.Kind == OutcomeTimeout {
		return &SandboxTimeoutError{StagingID: stagingID, Elapsed: o.Elapsed}
	}
	return nil
}
