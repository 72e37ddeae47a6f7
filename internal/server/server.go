// Package server exposes the engine over HTTP: the ledger notification
// webhook, the policy API and Prometheus metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/ledger"
	"github.com/roach88/flowguard/internal/links"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/telemetry"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// Engine is the part of *engine.Engine the HTTP surface uses.
type Engine interface {
	Submit(ctx context.Context, n ledger.Notification) (*engine.Outcome, error)
	Mint(ctx context.Context, req engine.MintRequest) (policy.ID, error)
	GetPolicy(ctx context.Context, id policy.ID) (policy.Record, error)
	PoliciesOf(ctx context.Context, owner policy.Account) ([]policy.Record, error)
	Events(ctx context.Context, id policy.ID) ([]policy.Event, error)
	TransferOwnership(ctx context.Context, id policy.ID, from, to policy.Account) error
	Reconcile(ctx context.Context) (*engine.ReconcileReport, error)
}

var _ Engine = (*engine.Engine)(nil)

// Server holds the handlers' dependencies.
type Server struct {
	Engine     Engine
	Metrics    *telemetry.Metrics
	Governance *links.Governance
	Staking    *links.Staking
	Logger     *slog.Logger
}

// NewHandler builds the router.
//
//	POST /v1/ledger/notifications
//	POST /v1/policies
//	GET  /v1/policies/{id}
//	GET  /v1/policies/{id}/active
//	GET  /v1/policies/{id}/events
//	POST /v1/policies/{id}/transfer
//	GET  /v1/accounts/{account}/policies
//	GET  /v1/governance/holders
//	GET  /v1/staking/eligible
//	POST /v1/reconcile
//	GET  /metrics
//	GET  /healthz
func NewHandler(s *Server) http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":         "ok",
			"engine_version": policy.EngineVersion,
			"schema_version": policy.SchemaVersion,
		})
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ledger/notifications", s.notify)
		r.Post("/reconcile", s.reconcile)

		r.Post("/policies", s.mint)
		r.Route("/policies/{id}", func(r chi.Router) {
			r.Get("/", s.getPolicy)
			r.Get("/active", s.isActive)
			r.Get("/events", s.events)
			r.Post("/transfer", s.transfer)
		})
		r.Get("/accounts/{account}/policies", s.policiesOf)

		r.Get("/governance/holders", s.holders)
		r.Get("/staking/eligible", s.eligible)
	})
	return r
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type notifyResponse struct {
	Outcome *engine.Outcome `json:"outcome,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

// notify is the ledger webhook. A terminated notification is always
// acknowledged with 200, even when it cannot be decoded.
func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	n, err := ledger.DecodeNotification(bytes.NewReader(body))
	if err != nil {
		if looksLikeTermination(body) {
			s.Logger.Warn("undecodable termination acknowledged", "error", err)
			writeJSON(w, http.StatusOK, notifyResponse{})
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_NOTIFICATION", err.Error())
		return
	}

	out, err := s.Engine.Submit(r.Context(), n)
	if err != nil {
		status, code := statusOf(err)
		writeJSON(w, status, notifyResponse{Outcome: out, Error: &errorBody{Code: code, Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, notifyResponse{Outcome: out})
}

func looksLikeTermination(body []byte) bool {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(probe.Kind), string(ledger.Terminated))
}

type mintBody struct {
	Owner            string            `json:"owner"`
	CoverageType     string            `json:"coverage_type"`
	CoverageAmount   int64             `json:"coverage_amount"`
	UnderwriterRef   string            `json:"underwriter_ref"`
	RequiredFlowRate int64             `json:"required_flow_rate"`
	Terms            map[string]string `json:"terms,omitempty"`
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var body mintBody
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.Engine.Mint(r.Context(), engine.MintRequest{
		Owner:            policy.Account(body.Owner),
		CoverageType:     body.CoverageType,
		CoverageAmount:   body.CoverageAmount,
		UnderwriterRef:   body.UnderwriterRef,
		RequiredFlowRate: policy.Rate(body.RequiredFlowRate),
		Terms:            body.Terms,
	})
	if err != nil {
		s.fail(w, "mint", err)
		return
	}
	rec, err := s.Engine.GetPolicy(r.Context(), id)
	if err != nil {
		s.fail(w, "mint", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := policyID(w, r)
	if !ok {
		return
	}
	rec, err := s.Engine.GetPolicy(r.Context(), id)
	if err != nil {
		s.fail(w, "get policy", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) isActive(w http.ResponseWriter, r *http.Request) {
	id, ok := policyID(w, r)
	if !ok {
		return
	}
	rec, err := s.Engine.GetPolicy(r.Context(), id)
	if err != nil {
		s.fail(w, "is active", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy_id": rec.ID, "active": rec.Active()})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id, ok := policyID(w, r)
	if !ok {
		return
	}
	events, err := s.Engine.Events(r.Context(), id)
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type transferBody struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := policyID(w, r)
	if !ok {
		return
	}
	var body transferBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.Engine.TransferOwnership(r.Context(), id, policy.Account(body.From), policy.Account(body.To)); err != nil {
		s.fail(w, "transfer", err)
		return
	}
	rec, err := s.Engine.GetPolicy(r.Context(), id)
	if err != nil {
		s.fail(w, "transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) policiesOf(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Engine.PoliciesOf(r.Context(), policy.Account(chi.URLParam(r, "account")))
	if err != nil {
		s.fail(w, "policies of", err)
		return
	}
	if recs == nil {
		recs = []policy.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) holders(w http.ResponseWriter, r *http.Request) {
	if s.Governance == nil {
		writeError(w, http.StatusNotFound, "NOT_CONFIGURED", "governance link not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   s.Governance.HolderCount(),
		"holders": nonNil(s.Governance.Holders()),
	})
}

func (s *Server) eligible(w http.ResponseWriter, r *http.Request) {
	if s.Staking == nil {
		writeError(w, http.StatusNotFound, "NOT_CONFIGURED", "staking link not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": nonNil(s.Staking.EligiblePolicies())})
}

type reconcileResponse struct {
	Outcomes []*engine.Outcome `json:"outcomes"`
	Failures map[string]string `json:"failures"`
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.Engine.Reconcile(r.Context())
	if err != nil {
		s.fail(w, "reconcile", err)
		return
	}
	resp := reconcileResponse{
		Outcomes: report.Outcomes,
		Failures: make(map[string]string, len(report.Failures)),
	}
	if resp.Outcomes == nil {
		resp.Outcomes = []*engine.Outcome{}
	}
	for owner, err := range report.Failures {
		resp.Failures[string(owner)] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed", "op", op, "error", err)
	}
	writeError(w, status, code, err.Error())
}

// statusOf maps engine errors onto HTTP statuses. Ledger retries are
// driven by these: 4xx is final, 5xx and 409 are retried.
func statusOf(err error) (int, string) {
	var ee *engine.Error
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.ErrCodeInvalidCoverage:
			return http.StatusUnprocessableEntity, string(ee.Code)
		case engine.ErrCodeUnknownPolicy:
			return http.StatusNotFound, string(ee.Code)
		case engine.ErrCodeConcurrentMutation:
			return http.StatusConflict, string(ee.Code)
		case engine.ErrCodeDownstreamFailure:
			return http.StatusBadGateway, string(ee.Code)
		}
	}
	switch {
	case errors.Is(err, engine.ErrNotOwner):
		return http.StatusForbidden, "NOT_OWNER"
	case errors.Is(err, engine.ErrSelfTransfer), errors.Is(err, policy.ErrEmptyAccount):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, ledger.ErrInvalidNotification):
		return http.StatusBadRequest, "INVALID_NOTIFICATION"
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable, "STOPPED"
	case errors.Is(err, engine.ErrNoGateway):
		return http.StatusNotImplemented, "NO_GATEWAY"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func policyID(w http.ResponseWriter, r *http.Request) (policy.ID, bool) {
	id, err := policy.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
