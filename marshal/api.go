package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/snippet-marshal/internal/audit"
	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
	"github.com/animus-labs/snippet-marshal/internal/intake"
	"github.com/animus-labs/snippet-marshal/internal/pipeline"
	"github.com/animus-labs/snippet-marshal/internal/platform/auth"
	"github.com/animus-labs/snippet-marshal/internal/platform/httpserver"
	"github.com/animus-labs/snippet-marshal/internal/promotion"
	"github.com/animus-labs/snippet-marshal/internal/repo"
	"github.com/animus-labs/snippet-marshal/internal/sandbox"
)

const maxBodyBytes = 4 << 20

type ContentFetcher interface {
	Fetch(ctx context.Context, hash string) (domain.Snippet, error)
}

type marshalAPI struct {
	logger      *slog.Logger
	engines     *engine.Catalog
	staging     repo.StagingRepository
	content     ContentFetcher
	audit       *audit.Log
	intake      *intake.Service
	coordinator *promotion.Coordinator
	pipeline    *pipeline.Pipeline
	sandbox     *sandbox.Pool
}

func (api *marshalAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/engines", api.handleListEngines)

	mux.HandleFunc("POST /v1/staging", api.handleSubmit)
	mux.HandleFunc("POST /v1/staging/run", api.handleRunFull)
	mux.HandleFunc("GET /v1/staging", api.handleListStaging)
	mux.HandleFunc("GET /v1/staging/summary", api.handleSummary)
	mux.HandleFunc("GET /v1/staging/{staging_id}", api.handleGetStaging)
	mux.HandleFunc("DELETE /v1/staging/{staging_id}", api.handleAbandon)
	mux.HandleFunc("POST /v1/staging/{staging_id}/promote", api.handlePromote)

	mux.HandleFunc("GET /v1/slots", api.handleListSlots)
	mux.HandleFunc("POST /v1/slots/reverify", api.handleReverifyAll)
	mux.HandleFunc("GET /v1/slots/{language}/{slot_id}", api.handleGetSlot)
	mux.HandleFunc("GET /v1/slots/{language}/{slot_id}/events", api.handleSlotEvents)
	mux.HandleFunc("POST /v1/slots/{language}/{slot_id}/lock", api.handleLock)
	mux.HandleFunc("DELETE /v1/slots/{language}/{slot_id}/lock", api.handleUnlock)
	mux.HandleFunc("POST /v1/slots/{language}/{slot_id}/reverify", api.handleReverify)

	mux.HandleFunc("GET /v1/content/{hash}", api.handleGetContent)
	mux.HandleFunc("GET /v1/content/{hash}/drift", api.handleDrift)

	mux.HandleFunc("GET /v1/audit", api.handleRecentAudit)
	mux.HandleFunc("GET /v1/audit/verify", api.handleVerifyAudit)
}

type engineView struct {
	ID       domain.EngineID `json:"id"`
	Name     string          `json:"name"`
	Letter   string          `json:"letter"`
	Language domain.Language `json:"language"`
	Display  string          `json:"display"`
	Enabled  bool            `json:"enabled"`
	Workers  int             `json:"workers"`
	MaxSlots int             `json:"max_slots"`
}

// stagingView adds the derived state to the stored record.
type stagingView struct {
	domain.StagingRecord
	State domain.StagingState `json:"state"`
}

func viewOf(rec domain.StagingRecord) stagingView {
	return stagingView{StagingRecord: rec, State: rec.State()}
}

type runView struct {
	Record         stagingView              `json:"record"`
	Outcome        *domain.ExecutionOutcome `json:"outcome,omitempty"`
	Promotion      *domain.PromotionEvent   `json:"promotion,omitempty"`
	PromotionError string                   `json:"promotion_error,omitempty"`
}

func runViewOf(res pipeline.Result) runView {
	return runView{
		Record:         viewOf(res.Record),
		Outcome:        res.Outcome,
		Promotion:      res.Promotion,
		PromotionError: res.PromotionError,
	}
}

func (api *marshalAPI) handleListEngines(w http.ResponseWriter, r *http.Request) {
	list := api.engines.List()
	out := make([]engineView, 0, len(list))
	for _, d := range list {
		out = append(out, engineView{
			ID:       d.ID(),
			Name:     d.Name,
			Letter:   d.Letter,
			Language: d.Language,
			Display:  d.Display(),
			Enabled:  d.Enabled,
			Workers:  d.Workers,
			MaxSlots: d.MaxSlots,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"engines": out})
}

func (api *marshalAPI) decodeSubmit(r *http.Request) (intake.Request, error) {
	var req intake.Request
	if err := decodeJSON(r, &req); err != nil {
		return intake.Request{}, &domain.ValidationError{Issues: []string{"invalid JSON body: " + err.Error()}}
	}
	if strings.TrimSpace(req.Submitter) == "" {
		req.Submitter = auth.Subject(r.Context(), "")
	}
	return req, nil
}

func (api *marshalAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := api.decodeSubmit(r)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	rec, err := api.intake.Submit(r.Context(), req)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/staging/"+rec.StagingID)
	api.writeJSON(w, http.StatusAccepted, viewOf(rec))
}

func (api *marshalAPI) handleRunFull(w http.ResponseWriter, r *http.Request) {
	req, err := api.decodeSubmit(r)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	res, err := api.pipeline.RunFull(r.Context(), req)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, runViewOf(res))
}

func (api *marshalAPI) handleListStaging(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.StagingFilter{
		Language:    domain.Language(q.Get("language")).Normalized(),
		SlotID:      strings.TrimSpace(q.Get("slot_id")),
		ContentHash: strings.TrimSpace(q.Get("content_hash")),
		Limit:       repo.ClampLimit(parseIntQuery(r, "limit", 100), 100, 1000),
	}
	if raw := strings.TrimSpace(q.Get("state")); raw != "" {
		state, err := domain.ParseStagingState(strings.ToUpper(raw))
		if err != nil {
			api.writeError(w, r, &domain.ValidationError{Issues: []string{err.Error()}})
			return
		}
		filter.State = state
	}
	recs, err := api.staging.ListStaging(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	out := make([]stagingView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (api *marshalAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := api.staging.CountByState(r.Context())
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"counts":  counts,
		"pending": api.pipeline.Pending(),
		"sandbox": api.sandbox.Stats(),
	})
}

func (api *marshalAPI) handleGetStaging(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("staging_id")
	rec, err := api.staging.GetStaging(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			err = &domain.UnknownStagingIDError{StagingID: id}
		}
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, viewOf(rec))
}

func (api *marshalAPI) handleAbandon(w http.ResponseWriter, r *http.Request) {
	rec, err := api.pipeline.Abandon(r.Context(), r.PathValue("staging_id"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, viewOf(rec))
}

// handlePromote makes a single attempt unless ?retries=N asks for more.
func (api *marshalAPI) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("staging_id")
	retries := parseIntQuery(r, "retries", 0)
	if retries < 0 || retries > 20 {
		api.writeError(w, r, &domain.ValidationError{Issues: []string{"retries must be between 0 and 20"}})
		return
	}
	event, err := api.coordinator.PromoteWithRetry(r.Context(), id, retries)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, event)
}

func slotKey(r *http.Request) domain.SlotKey {
	return domain.SlotKey{
		Language: domain.Language(r.PathValue("language")).Normalized(),
		SlotID:   strings.TrimSpace(r.PathValue("slot_id")),
	}
}

func (api *marshalAPI) handleListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := api.coordinator.ListSlots(r.Context(), domain.Language(r.URL.Query().Get("language")))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (api *marshalAPI) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := api.coordinator.GetSlot(r.Context(), slotKey(r))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, slot)
}

func (api *marshalAPI) handleSlotEvents(w http.ResponseWriter, r *http.Request) {
	key := slotKey(r)
	if _, err := api.coordinator.GetSlot(r.Context(), key); err != nil {
		var unknown *domain.UnknownSlotError
		if !errors.As(err, &unknown) {
			api.writeError(w, r, err)
			return
		}
	}
	var kinds []domain.EventKind
	for _, k := range r.URL.Query()["kind"] {
		kind := domain.EventKind(k)
		if !kind.Valid() {
			api.writeError(w, r, &domain.ValidationError{Issues: []string{"unknown event kind " + strconv.Quote(k)}})
			return
		}
		kinds = append(kinds, kind)
	}
	events, err := api.audit.ForSlot(r.Context(), key, kinds...)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type lockRequest struct {
	Reason string `json:"reason"`
}

func (api *marshalAPI) handleLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, &domain.ValidationError{Issues: []string{"invalid JSON body: " + err.Error()}})
			return
		}
	}
	slot, err := api.coordinator.Lock(r.Context(), slotKey(r), strings.TrimSpace(req.Reason))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, slot)
}

func (api *marshalAPI) handleUnlock(w http.ResponseWriter, r *http.Request) {
	slot, err := api.coordinator.Unlock(r.Context(), slotKey(r))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, slot)
}

func (api *marshalAPI) handleReverify(w http.ResponseWriter, r *http.Request) {
	res, err := api.pipeline.Reverify(r.Context(), slotKey(r))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, runViewOf(res))
}

func (api *marshalAPI) handleReverifyAll(w http.ResponseWriter, r *http.Request) {
	results, err := api.pipeline.ReverifyAll(r.Context())
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (api *marshalAPI) handleGetContent(w http.ResponseWriter, r *http.Request) {
	snippet, err := api.content.Fetch(r.Context(), r.PathValue("hash"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if snippet.Language != "" {
		w.Header().Set("X-Snippet-Language", string(snippet.Language))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(snippet.Source)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snippet.Source)
}

func (api *marshalAPI) handleDrift(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	report, err := api.audit.Drift(r.Context(), hash)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	if len(report.Attempts) == 0 {
		api.writeError(w, r, &domain.UnknownContentError{Hash: hash})
		return
	}
	api.writeJSON(w, http.StatusOK, report)
}

func (api *marshalAPI) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	after := int64(parseIntQuery(r, "after_seq", 0))
	events, err := api.audit.Recent(r.Context(), after, parseIntQuery(r, "limit", 100))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (api *marshalAPI) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	n, err := api.audit.VerifyChain(r.Context())
	if err != nil {
		api.logger.Error("audit chain broken", "error", err)
		api.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":      "audit_chain_broken",
			"fault":      domain.FaultSystem,
			"message":    err.Error(),
			"request_id": requestID(r),
		})
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"events": n})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *marshalAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(body); err != nil {
		api.logger.Error("encode response", "error", err)
		http.Error(w, `{"error":"internal_error","fault":"system"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (api *marshalAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code, fault := domain.Classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && code == "internal_error" {
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestID(r), "error", err)
		message = "internal error"
	}
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"fault":      fault,
		"message":    message,
		"request_id": requestID(r),
		"retryable":  domain.Retryable(err),
	})
}

func statusFor(err error) int {
	var (
		validation  *domain.ValidationError
		badEngine   *domain.InvalidEngineError
		badSlot     *domain.InvalidSlotError
		unknownID   *domain.UnknownStagingIDError
		unknownSlot *domain.UnknownSlotError
		unknownBlob *domain.UnknownContentError
		infra       *domain.SandboxInfraError
		full        *domain.QueueFullError
		coded       domain.Coded
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &badEngine), errors.As(err, &badSlot):
		return http.StatusBadRequest
	case errors.As(err, &unknownID), errors.As(err, &unknownSlot), errors.As(err, &unknownBlob):
		return http.StatusNotFound
	case errors.As(err, &infra), errors.As(err, &full), errors.Is(err, pipeline.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &coded) && coded.Fault() == domain.FaultCaller:
		// Remaining caller faults are lifecycle conflicts.
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requestID(r *http.Request) string {
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		return id
	}
	return r.Header.Get(httpserver.RequestIDHeader)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
