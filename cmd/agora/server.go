package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agora/internal/config"
	"agora/internal/director"
	"agora/internal/domain"
	"agora/internal/notify"
)

type jobCounter interface {
	CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

type api struct {
	cfg      config.Config
	director *director.Director
	hub      *notify.Hub
	jobs     jobCounter
	logger   *slog.Logger
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/jobs", a.handleJobs)
	mux.HandleFunc("/groups", a.handleGroups)
	mux.HandleFunc("/groups/", a.handleGroupByID)
	return loggingMiddleware(a.logger, mux)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *api) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *api) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counts, err := a.jobs.CountJobsByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *api) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		groups, err := a.director.ListGroups(r.Context())
		if err != nil {
			writeDirectorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		group, err := a.director.CreateGroup(r.Context(), req.Name)
		if err != nil {
			writeDirectorError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, group)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *api) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/groups/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	groupID := parts[0]
	if groupID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("group id is required"))
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			group, err := a.director.GetGroup(r.Context(), groupID)
			if err != nil {
				writeDirectorError(w, err)
				return
			}
			members, err := a.director.ListMembers(r.Context(), groupID)
			if err != nil {
				writeDirectorError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"group": group, "members": members})
		case http.MethodDelete:
			if err := a.director.DeleteGroup(r.Context(), groupID); err != nil {
				writeDirectorError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "group_id": groupID})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	action := parts[1]
	switch action {
	case "members":
		a.handleMembers(w, r, groupID, parts[2:])
	case "relationships":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var rel domain.Relationship
		if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if err := a.director.SetRelationship(r.Context(), rel); err != nil {
			writeDirectorError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rel)
	case "messages":
		a.handleMessages(w, r, groupID)
	case "halt", "resume":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		op := a.director.Halt
		status := "halted"
		if action == "resume" {
			op = a.director.Resume
			status = "active"
		}
		if err := op(r.Context(), groupID); err != nil {
			writeDirectorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status, "group_id": groupID})
	case "state":
		a.list(w, r, func() (any, error) { return a.director.AgentStates(r.Context(), groupID) })
	case "seeds":
		a.list(w, r, func() (any, error) { return a.director.Seeds(r.Context(), groupID) })
	case "scenes":
		limit := queryInt(r, "limit", 20)
		a.list(w, r, func() (any, error) { return a.director.Scenes(r.Context(), groupID, limit) })
	case "decisions":
		limit := queryInt(r, "limit", 200)
		a.list(w, r, func() (any, error) { return a.director.Decisions(r.Context(), groupID, limit) })
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, err := a.director.GetGroup(r.Context(), groupID); err != nil {
			writeDirectorError(w, err)
			return
		}
		a.hub.ServeSSE(w, r, groupID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *api) handleMembers(w http.ResponseWriter, r *http.Request, groupID string, rest []string) {
	if len(rest) == 1 && rest[0] != "" {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := a.director.RemoveMember(r.Context(), groupID, rest[0]); err != nil {
			writeDirectorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "member_id": rest[0]})
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.list(w, r, func() (any, error) { return a.director.ListMembers(r.Context(), groupID) })
	case http.MethodPost:
		var member domain.GroupMember
		if err := json.NewDecoder(r.Body).Decode(&member); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		member.GroupID = groupID
		added, err := a.director.AddMember(r.Context(), member)
		if err != nil {
			writeDirectorError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, added)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *api) handleMessages(w http.ResponseWriter, r *http.Request, groupID string) {
	switch r.Method {
	case http.MethodGet:
		limit := queryInt(r, "limit", 100)
		a.list(w, r, func() (any, error) { return a.director.Transcript(r.Context(), groupID, limit) })
	case http.MethodPost:
		var req struct {
			AuthorID string `json:"author_id"`
			Content  string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		msg, err := a.director.PostMessage(r.Context(), groupID, req.AuthorID, req.Content)
		if err != nil {
			writeDirectorError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, msg)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *api) list(w http.ResponseWriter, r *http.Request, fetch func() (any, error)) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := fetch()
	if err != nil {
		writeDirectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func writeDirectorError(w http.ResponseWriter, err error) {
	switch {
	case director.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, director.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, director.ErrNotMember):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, director.ErrGroupInactive):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder captures the response code for the access log. It
// forwards Flush so SSE streams keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.code, "duration", time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
