// Package verifier judges execution outcomes against expected specs and
// attaches the verdict to the staging record exactly once.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/audit"
	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

const maxRecordedOutput = 4 << 10

// SpecSource is satisfied by *Catalog.
type SpecSource interface {
	Lookup(label string, language domain.Language) (Spec, bool)
}

type Options struct {
	// RequireSpec turns a missing spec into FAIL instead of an exit-status verdict.
	RequireSpec bool
	Logger      *slog.Logger
	Now         func() time.Time
}

type Verifier struct {
	staging     repo.StagingRepository
	specs       SpecSource
	audit       audit.Appender
	requireSpec bool
	logger      *slog.Logger
	now         func() time.Time
}

func New(staging repo.StagingRepository, specs SpecSource, log audit.Appender, opts Options) *Verifier {
	v := &Verifier{
		staging:     staging,
		specs:       specs,
		audit:       log,
		requireSpec: opts.RequireSpec,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if v.logger == nil {
		v.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Verify computes the verdict for the record's (label, language) and attaches it.
// A record that already carries a result yields *domain.AlreadyVerifiedError.
func (v *Verifier) Verify(ctx context.Context, stagingID string, outcome domain.ExecutionOutcome) (domain.SpecResult, error) {
	rec, err := v.staging.GetStaging(ctx, stagingID)
	if err != nil {
		return domain.SpecResult{}, mapStagingErr(stagingID, err)
	}
	if rec.SpecResult != nil {
		return domain.SpecResult{}, &domain.AlreadyVerifiedError{StagingID: stagingID, Status: rec.SpecResult.Status}
	}
	if rec.AbandonedAt != nil {
		return domain.SpecResult{}, &domain.AbandonedError{StagingID: stagingID}
	}

	spec, found := v.specs.Lookup(rec.Label, rec.Language)
	var specPtr *Spec
	if found {
		specPtr = &spec
	}
	result := Evaluate(specPtr, outcome, v.requireSpec)
	result.VerifiedAt = v.now().UTC().Truncate(time.Microsecond)

	updated, err := v.staging.AttachSpecResult(ctx, stagingID, result)
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyVerified) {
			current, getErr := v.staging.GetStaging(ctx, stagingID)
			status := domain.SpecStatus("")
			if getErr == nil && current.SpecResult != nil {
				status = current.SpecResult.Status
			}
			return domain.SpecResult{}, &domain.AlreadyVerifiedError{StagingID: stagingID, Status: status}
		}
		return domain.SpecResult{}, mapStagingErr(stagingID, err)
	}

	if _, err := v.audit.Append(ctx, domain.AuditEvent{
		Kind:        domain.EventVerified,
		StagingID:   stagingID,
		Language:    updated.Language,
		SlotID:      updated.SlotID,
		ContentHash: updated.ContentHash,
		OccurredAt:  result.VerifiedAt,
		Payload: map[string]any{
			audit.PayloadStatus:    string(result.Status),
			audit.PayloadElapsedNS: int64(result.Elapsed),
			audit.PayloadDetail:    result.Detail,
			"spec_found":           found,
		},
	}); err != nil {
		v.logger.Error("audit verified event", "staging_id", stagingID, "error", err)
	}

	v.logger.Info("staging verified",
		"staging_id", stagingID,
		"status", string(result.Status),
		"elapsed", result.Elapsed.String(),
	)
	return *updated.SpecResult, nil
}

// Evaluate maps an outcome to a verdict. Timeouts and runtime errors pass
// through; only a clean exit is compared with spec. VerifiedAt is left unset.
// Output and Detail are always valid UTF-8 without NUL bytes.
func Evaluate(spec *Spec, outcome domain.ExecutionOutcome, requireSpec bool) domain.SpecResult {
	result := evaluate(spec, outcome, requireSpec)
	result.Detail = clip(result.Detail, maxRecordedOutput)
	return result
}

func evaluate(spec *Spec, outcome domain.ExecutionOutcome, requireSpec bool) domain.SpecResult {
	result := domain.SpecResult{
		Elapsed: outcome.Elapsed,
		Output:  clip(outcome.Stdout, maxRecordedOutput),
	}
	switch outcome.Kind {
	case domain.OutcomeTimeout:
		result.Status = domain.SpecStatusTimeout
		result.Detail = fmt.Sprintf("timed out after %s", outcome.Elapsed.Round(time.Millisecond))
		result.Output = ""
		return result
	case domain.OutcomeRuntimeError:
		result.Status = domain.SpecStatusError
		result.Detail = fmt.Sprintf("exit status %d", outcome.ExitStatus)
		if tail := lastLine(outcome.Stderr); tail != "" {
			result.Detail += ": " + clip(tail, 512)
		}
		return result
	}

	if spec == nil {
		if requireSpec {
			result.Status = domain.SpecStatusFail
			result.Detail = "no spec registered"
			return result
		}
		result.Status = domain.SpecStatusPass
		result.Detail = "no spec registered; exit status 0"
		return result
	}

	stdout := canonicalOutput(outcome.Stdout)
	for _, check := range spec.Checks {
		if reason := check.evaluate(stdout, outcome.Elapsed); reason != "" {
			result.Status = domain.SpecStatusFail
			result.Detail = reason
			if outcome.Truncated {
				result.Detail += " (output truncated)"
			}
			return result
		}
	}
	result.Status = domain.SpecStatusPass
	return result
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func mapStagingErr(stagingID string, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return &domain.UnknownStagingIDError{StagingID: stagingID}
	case errors.Is(err, repo.ErrAbandoned):
		return &domain.AbandonedError{StagingID: stagingID}
	default:
		return fmt.Errorf("staging %s: %w", stagingID, err)
	}
}
