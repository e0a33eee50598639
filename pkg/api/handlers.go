package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/statecraft-io/ordinance/pkg/contracts"
	"github.com/statecraft-io/ordinance/pkg/ledger"
	"github.com/statecraft-io/ordinance/pkg/pipeline"
	"github.com/statecraft-io/ordinance/pkg/policystore"
	"github.com/statecraft-io/ordinance/pkg/rollback"
)

const maxBodyBytes = 1 << 20

// Server exposes the pipeline over HTTP.
type Server struct {
	engine   *pipeline.Engine
	store    *policystore.Store
	rollback *rollback.Manager
	ledger   ledger.Ledger
	logger   *slog.Logger
}

// NewServer wires the HTTP surface over the pipeline.
func NewServer(engine *pipeline.Engine, store *policystore.Store, rb *rollback.Manager, led ledger.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, store: store, rollback: rb, ledger: led, logger: logger}
}

// Routes returns the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/proposals", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/proposals", s.handleListProposals)
	mux.HandleFunc("GET /api/v1/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("GET /api/v1/proposals/{id}/decisions", s.handleListDecisions)
	mux.HandleFunc("POST /api/v1/proposals/{id}/decide", s.handleDecide)

	mux.HandleFunc("POST /api/v1/policies", s.handleBootstrap)
	mux.HandleFunc("GET /api/v1/policies/{id}", s.handleGetPolicy)
	mux.HandleFunc("GET /api/v1/policies/{id}/versions", s.handleListVersions)
	mux.HandleFunc("GET /api/v1/policies/{id}/versions/{n}", s.handleGetVersion)
	mux.HandleFunc("POST /api/v1/policies/{id}/rollback", s.handleRollback)

	mux.HandleFunc("GET /api/v1/audit/entries", s.handleAuditEntries)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitRequest is the body of POST /api/v1/proposals.
type SubmitRequest struct {
	PolicyID string           `json:"policy_id"`
	Payload  json.RawMessage  `json:"payload"`
	Source   contracts.Source `json:"source"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	prop, err := s.engine.Submit(r.Context(), req.PolicyID, req.Payload, req.Source)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, prop)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		props []*contracts.Proposal
		err   error
	)
	if status := q.Get("status"); status != "" {
		props, err = s.engine.ListByStatus(r.Context(), contracts.ProposalStatus(status))
	} else {
		props, err = s.engine.ListPending(r.Context())
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if v := q.Get("tier"); v != "" {
		tier, err := strconv.Atoi(v)
		if err != nil || tier < 0 {
			WriteBadRequest(w, "tier must be a non-negative integer")
			return
		}
		filtered := props[:0]
		for _, p := range props {
			if p.Tier == tier {
				filtered = append(filtered, p)
			}
		}
		props = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": props})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	prop, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	trail, err := s.engine.Decisions(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": trail})
}

// DecideRequest is the body of POST /api/v1/proposals/{id}/decide.
// ReviewerID is taken from the authenticated principal when auth is
// enabled; the body field only applies in unauthenticated dev runs.
type DecideRequest struct {
	ReviewerID string                   `json:"reviewer_id,omitempty"`
	Action     contracts.DecisionAction `json:"action"`
	Reason     string                   `json:"reason"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	reviewerID := req.ReviewerID
	if p := PrincipalFrom(r.Context()); p != nil {
		if !p.HasRole(RoleReviewer) {
			WriteForbidden(w, "Reviewer role required")
			return
		}
		reviewerID = p.ID
	}

	prop, err := s.engine.Decide(r.Context(), r.PathValue("id"), reviewerID, req.Action, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

// BootstrapRequest is the body of POST /api/v1/policies.
type BootstrapRequest struct {
	PolicyID string          `json:"policy_id"`
	Content  json.RawMessage `json:"content"`
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.PolicyID == "" || len(req.Content) == 0 {
		WriteBadRequest(w, "Missing required fields: policy_id, content")
		return
	}

	author := "human:system"
	if p := PrincipalFrom(r.Context()); p != nil {
		if !p.HasRole(RoleOperator) {
			WriteForbidden(w, "Operator role required")
			return
		}
		author = "human:" + p.ID
	}

	pol, err := s.engine.Bootstrap(r.Context(), req.PolicyID, req.Content, author)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pol)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	pol, err := s.store.GetCurrent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if len(versions) == 0 {
		WriteNotFound(w, "No versions for policy "+r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(r.PathValue("n"), 10, 64)
	if err != nil || n < 1 {
		WriteBadRequest(w, "Version must be a positive integer")
		return
	}
	pol, err := s.store.GetVersion(r.Context(), r.PathValue("id"), n)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// RollbackRequest is the body of POST /api/v1/policies/{id}/rollback.
type RollbackRequest struct {
	TargetVersion int64  `json:"target_version"`
	Actor         string `json:"actor,omitempty"`
	Reason        string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	actor := req.Actor
	if p := PrincipalFrom(r.Context()); p != nil {
		if !p.HasRole(RoleOperator) {
			WriteForbidden(w, "Operator role required")
			return
		}
		actor = "human:" + p.ID
	}

	pol, err := s.rollback.Rollback(r.Context(), r.PathValue("id"), req.TargetVersion, actor, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Actor:      q.Get("actor"),
		Action:     contracts.AuditAction(q.Get("action")),
		PayloadRef: q.Get("payload_ref"),
	}
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "from must be a non-negative integer")
			return
		}
		f.FromSeq = n
	}
	if v := q.Get("to"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "to must be a non-negative integer")
			return
		}
		f.ToSeq = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from, to uint64
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "from must be a non-negative integer")
			return
		}
		from = n
	}
	if v := q.Get("to"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "to must be a non-negative integer")
			return
		}
		to = n
	}

	report, err := s.ledger.VerifyChain(r.Context(), from, to)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	status := http.StatusOK
	if !report.Intact {
		// The resource exists but its content is compromised.
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, contracts.ErrValidation):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, contracts.ErrPolicyNotFound),
		errors.Is(err, contracts.ErrVersionNotFound),
		errors.Is(err, contracts.ErrProposalNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, contracts.ErrInvalidTransition):
		WriteConflict(w, err.Error())
	case errors.Is(err, contracts.ErrUnauthorized):
		WriteForbidden(w, err.Error())
	case errors.Is(err, contracts.ErrIntegrity):
		s.logger.Error("integrity failure", "error", err)
		WriteError(w, http.StatusInternalServerError, "Integrity Verification Failed",
			"Stored policy data failed hash or signature verification")
	default:
		WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
