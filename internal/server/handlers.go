package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/approval"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/autonomy"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/requestctx"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/sandbox"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/trust"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime":         time.Since(s.startTime).String(),
		"policy_version": s.policy.VersionTag,
		"agent":          s.policy.Agent.Name,
	})
}

// --- approvals ---

func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.approvals.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": pending, "count": len(pending)})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, approval.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type resolveBody struct {
	Comment string `json:"comment"`
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, s.gate.Approve)
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, s.gate.Reject)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request,
	resolve func(ctx context.Context, id, operator, comment string) (*approval.Request, error)) {
	var body resolveBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	req, err := resolve(r.Context(), chi.URLParam(r, "id"), requestctx.Caller(r.Context()), body.Comment)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrRequestNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, approval.ErrAlreadyResolved):
			writeError(w, http.StatusConflict, "already_resolved", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- audit ---

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:     q.Get("actor"),
		Workspace: q.Get("workspace"),
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}

	entries, err := s.auditStore.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.auditStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.auditStore.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

// --- trust scopes ---

func (s *Server) handleScopeCreate(w http.ResponseWriter, r *http.Request) {
	var scope trust.Scope
	if err := json.NewDecoder(r.Body).Decode(&scope); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if scope.ClientID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "client_id is required")
		return
	}
	applyTrustDefaults(&scope, s.policy.Trust)

	if err := s.trustStore.Create(r.Context(), &scope); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, scope)
}

// applyTrustDefaults fills unset scope limits from policy defaults.
func applyTrustDefaults(scope *trust.Scope, defaults *policy.TrustDefaults) {
	if defaults == nil {
		return
	}
	if scope.MaxDailyActions == 0 {
		scope.MaxDailyActions = defaults.MaxDailyActions
	}
	if scope.MaxRiskLevel == "" {
		scope.MaxRiskLevel = defaults.MaxRiskLevel
	}
	if scope.Window.Start == "" {
		scope.Window.Start = defaults.WindowStart
	}
	if scope.Window.End == "" {
		scope.Window.End = defaults.WindowEnd
	}
	if scope.Window.Timezone == "" {
		scope.Window.Timezone = defaults.Timezone
	}
}

func (s *Server) handleScopeGet(w http.ResponseWriter, r *http.Request) {
	scope, err := s.trustStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, trust.ErrScopeNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scope)
}

type advanceBody struct {
	To       string `json:"to"`
	Evidence string `json:"evidence"`
}

func (s *Server) handleScopeAdvance(w http.ResponseWriter, r *http.Request) {
	var body advanceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	caller := requestctx.Caller(r.Context())
	tr, err := s.trustStore.Advance(r.Context(), chi.URLParam(r, "id"), trust.State(body.To), caller, body.Evidence)
	if err != nil {
		if errors.Is(err, trust.ErrScopeNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusConflict, "illegal_transition", err.Error())
		return
	}

	payload, _ := json.Marshal(tr)
	entry := &audit.Entry{
		Actor:     caller,
		EventType: audit.EventScopeTransition,
		Payload:   payload,
	}
	if err := s.auditStore.Append(r.Context(), entry); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleScopeTransitions(w http.ResponseWriter, r *http.Request) {
	history, err := s.trustStore.Transitions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": history, "count": len(history)})
}

type checkBody struct {
	Domain     string `json:"domain"`
	ChangeType string `json:"change_type"`
	RiskLevel  string `json:"risk_level"`
}

// handleScopeCheck runs a real authorization: an allowed result consumes
// one slot of the scope's daily budget.
func (s *Server) handleScopeCheck(w http.ResponseWriter, r *http.Request) {
	var body checkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	scope, err := s.trustStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	decision, err := s.authorizer.Authorize(r.Context(), scope, trust.ChangeRequest{
		Domain:     body.Domain,
		ChangeType: body.ChangeType,
		RiskLevel:  body.RiskLevel,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// --- proposals ---

func (s *Server) handleProposalCreate(w http.ResponseWriter, r *http.Request) {
	var p autonomy.Proposal
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if p.ClientID == "" || p.Domain == "" || p.ChangeType == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "client_id, domain, and change_type are required")
		return
	}
	if err := s.proposals.CreateProposal(r.Context(), &p); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProposalsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.proposals.ListProposals(r.Context(), q.Get("client_id"), q.Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": list, "count": len(list)})
}

func (s *Server) handleProposalGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.GetProposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, autonomy.ErrProposalNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalApprove(w http.ResponseWriter, r *http.Request) {
	p, err := s.executor.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalReject(w http.ResponseWriter, r *http.Request) {
	p, err := s.executor.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalExecute(w http.ResponseWriter, r *http.Request) {
	exec, token, err := s.executor.Execute(r.Context(), chi.URLParam(r, "id"), requestctx.Caller(r.Context()))
	if err != nil {
		writeProposalError(w, err)
		return
	}
	resp := map[string]interface{}{"execution": exec}
	if token != nil {
		resp["rollback_token"] = token
	}
	status := http.StatusOK
	if !exec.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

type rollbackBody struct {
	Token string `json:"token"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body rollbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "token is required")
		return
	}
	p, err := s.executor.Rollback(r.Context(), body.Token, requestctx.Caller(r.Context()))
	if err != nil {
		if errors.Is(err, autonomy.ErrTokenSpent) {
			writeError(w, http.StatusConflict, "token_spent", err.Error())
			return
		}
		writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeProposalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, autonomy.ErrProposalNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, autonomy.ErrWrongStatus):
		writeError(w, http.StatusConflict, "wrong_status", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// --- sessions ---

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Stop(id); err != nil {
		if errors.Is(err, sandbox.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "stop_requested"})
}
