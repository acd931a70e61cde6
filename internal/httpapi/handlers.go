package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neverdown-ai/healer/internal/eventsink"
	"github.com/neverdown-ai/healer/internal/orchestrator"
	"github.com/neverdown-ai/healer/internal/results"
	"github.com/neverdown-ai/healer/internal/runregistry"
)

const repoURLPrefix = "https://github.com/"

// newRunContext derives a cancelable context for one run from the
// server's base context, so CancelAll() on shutdown reaches every
// in-flight run without the Orchestrator needing to know about HTTP.
func newRunContext(base context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(base)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(s.registry.List()),
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.RepositoryURL == "" {
		writeError(w, http.StatusBadRequest, "repository_url is required")
		return
	}
	if !strings.HasPrefix(req.RepositoryURL, repoURLPrefix) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("repository_url must start with %q", repoURLPrefix))
		return
	}
	if req.TeamName == "" || req.LeaderName == "" {
		writeError(w, http.StatusBadRequest, "team_name and leader_name are required")
		return
	}

	repositoryURL := strings.TrimSuffix(req.RepositoryURL, ".git")

	ctx, cancel := newRunContext(s.baseCtx)
	h, err := s.orchestrator.Start(ctx, orchestrator.Request{
		RepositoryURL: repositoryURL,
		TeamName:      req.TeamName,
		LeaderName:    req.LeaderName,
	})
	if err != nil {
		cancel()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("starting run: %v", err))
		return
	}

	entry := &runregistry.Entry{
		RunID:   h.Run.RunID,
		Handle:  h,
		Cancel:  cancel,
		Started: time.Now(),
	}
	if err := s.registry.Register(entry); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitRunResponse{
		RunID:      h.Run.RunID,
		BranchName: h.Run.BranchName,
		Status:     "accepted",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.registry.List()})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	entry, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, entry.Status())
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	entry, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	eventsink.WriteSSE(w, r, entry.Handle.Sink)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	entry, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	select {
	case <-entry.Handle.Done():
	default:
		writeError(w, http.StatusConflict, "run still in progress")
		return
	}

	if doc, ok := results.Cached(runID); ok {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	if entry.Handle.Run.ResultsPath == "" {
		writeError(w, http.StatusNotFound, "no results recorded for this run")
		return
	}
	body, err := os.ReadFile(filepath.Join(filepath.Dir(entry.Handle.Run.ResultsPath), "results.json"))
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("reading results: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app_configured":      s.broker.IsAppConfigured(),
		"fallback_configured": s.broker.HasFallbackToken(),
		"auth_method":         s.broker.AuthMethod(),
	})
}

func (s *Server) handleAdminRepoAuthCheck(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	repo := r.URL.Query().Get("repo")
	if owner == "" || repo == "" {
		writeError(w, http.StatusBadRequest, "owner and repo query params are required")
		return
	}
	_, authMethod, err := s.broker.GetTokenForRepo(r.Context(), owner, repo)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner, "repo": repo, "auth_method": authMethod})
}

func (s *Server) handleAdminInstall(w http.ResponseWriter, r *http.Request) {
	installURL, err := s.broker.InstallURL(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.Redirect(w, r, installURL, http.StatusFound)
}

func (s *Server) handleAdminCallback(w http.ResponseWriter, r *http.Request) {
	idParam := r.URL.Query().Get("installation_id")
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "installation_id must be an integer")
		return
	}
	summary := s.broker.HandleInstallationCallback(r.Context(), id, r.URL.Query().Get("setup_action"))
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAdminInstallations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListInstallations(r.Context()))
}

func (s *Server) handleAdminTokenTest(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	repo := r.URL.Query().Get("repo")
	if owner == "" || repo == "" {
		writeError(w, http.StatusBadRequest, "owner and repo query params are required")
		return
	}
	token, authMethod, err := s.broker.GetTokenForRepo(r.Context(), owner, repo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_method":  authMethod,
		"token_prefix": tokenPrefix(token),
	})
}

// tokenPrefix never echoes a full credential back over HTTP.
func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "..."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
