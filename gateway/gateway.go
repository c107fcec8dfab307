// Package gateway exposes the loop over HTTP: session CRUD, message
// submission, confirmation-gate decisions, and a websocket event stream.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openloop-ai/openloop/llm"
	"github.com/openloop-ai/openloop/loop"
	"github.com/openloop-ai/openloop/store"
)

// maxRequestBody bounds request bodies (1MB).
const maxRequestBody = 1 << 20

// NewLoopFunc builds a loop whose events go to the given handler. The
// gateway calls it once per session so each session's events reach only
// that session's subscribers.
type NewLoopFunc func(events loop.EventHandler) (*loop.Loop, error)

// Handler is the HTTP surface. Suspended invocations are held in memory
// keyed by session until resumed; restarting the process abandons them.
type Handler struct {
	store   store.Store
	newLoop NewLoopFunc
	logger  *slog.Logger
	hub     *hub

	mu       sync.Mutex
	sessions map[string]*sessionRunner
}

// sessionRunner serializes loop invocations for one session and holds its
// suspension, if any.
type sessionRunner struct {
	mu      sync.Mutex
	loop    *loop.Loop
	pending *loop.Result
}

// New creates a gateway Handler.
func New(st store.Store, newLoop NewLoopFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    st,
		newLoop:  newLoop,
		logger:   logger,
		hub:      newHub(),
		sessions: make(map[string]*sessionRunner),
	}
}

// Routes returns the chi router for the API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Get("/", h.listSessions)
		r.Get("/{id}", h.getSession)
		r.Delete("/{id}", h.deleteSession)
		r.Post("/{id}/messages", h.postMessage)
		r.Post("/{id}/confirm", h.confirm)
		r.Get("/{id}/events", h.events)
	})
	return r
}

func (h *Handler) runner(sessionID string) (*sessionRunner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sr, ok := h.sessions[sessionID]; ok {
		return sr, nil
	}
	l, err := h.newLoop(h.hub.handler(sessionID))
	if err != nil {
		return nil, err
	}
	sr := &sessionRunner{loop: l}
	h.sessions[sessionID] = sr
	return sr, nil
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Title == "" {
		req.Title = "New session"
	}
	sess, err := h.store.CreateSession(r.Context(), req.Title)
	if err != nil {
		h.serverError(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		h.serverError(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.serverError(w, "get session", err)
		return
	}
	history, err := h.store.History(r.Context(), id)
	if err != nil {
		h.serverError(w, "load history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": history,
	})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.DeleteSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.serverError(w, "delete session", err)
		return
	}
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

type postMessageRequest struct {
	Message string `json:"message"`
}

// resultResponse is the wire form of a terminal loop result.
type resultResponse struct {
	Status     loop.Status            `json:"status"`
	Content    string                 `json:"content,omitempty"`
	Iterations int                    `json:"iterations"`
	ToolCalls  []loop.ToolCallRecord  `json:"tool_calls,omitempty"`
	Usage      llm.Usage              `json:"usage"`
	Pending    []loop.ToolCallRequest `json:"pending,omitempty"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req postMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.serverError(w, "get session", err)
		return
	}

	sr, err := h.runner(id)
	if err != nil {
		h.serverError(w, "build loop", err)
		return
	}
	if !sr.mu.TryLock() {
		writeError(w, http.StatusConflict, "session is busy")
		return
	}
	defer sr.mu.Unlock()

	if sr.pending != nil {
		writeError(w, http.StatusConflict, "session is awaiting confirmation")
		return
	}

	history, err := h.store.History(r.Context(), id)
	if err != nil {
		h.serverError(w, "load history", err)
		return
	}

	res, err := sr.loop.Run(r.Context(), req.Message, history)
	h.finishRun(w, r, id, sr, res, err)
}

type confirmRequest struct {
	Decisions map[string]bool `json:"decisions"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	h.mu.Lock()
	sr := h.sessions[id]
	h.mu.Unlock()
	if sr == nil {
		writeError(w, http.StatusNotFound, "no pending confirmation for session")
		return
	}
	if !sr.mu.TryLock() {
		writeError(w, http.StatusConflict, "session is busy")
		return
	}
	defer sr.mu.Unlock()

	if sr.pending == nil {
		writeError(w, http.StatusNotFound, "no pending confirmation for session")
		return
	}
	suspended := sr.pending
	sr.pending = nil

	res, err := sr.loop.Resume(r.Context(), suspended, req.Decisions)
	h.finishRun(w, r, id, sr, res, err)
}

// finishRun persists a run's outcome and writes the response. Suspensions
// are not persisted: the eventual terminal result carries every new turn
// since the run started.
func (h *Handler) finishRun(w http.ResponseWriter, r *http.Request, sessionID string, sr *sessionRunner, res *loop.Result, err error) {
	if err != nil {
		var le *loop.LoopError
		if errors.As(err, &le) {
			// Persist the progress made before the failure.
			if len(le.History) > 0 {
				if perr := h.store.AppendMessages(r.Context(), sessionID, le.History); perr != nil {
					h.logger.Error("persist failed run history", "session", sessionID, "error", perr)
				}
			}
			h.logger.Warn("loop failed", "session", sessionID, "kind", le.Kind, "error", le)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": le.Message,
				"kind":  le.Kind,
			})
			return
		}
		h.serverError(w, "run loop", err)
		return
	}

	if res.Status == loop.StatusAwaitingConfirmation {
		sr.pending = res
		writeJSON(w, http.StatusAccepted, resultResponse{
			Status:  res.Status,
			Pending: res.Pending,
		})
		return
	}

	if len(res.Messages) > 0 {
		if perr := h.store.AppendMessages(r.Context(), sessionID, res.Messages); perr != nil {
			h.serverError(w, "persist history", perr)
			return
		}
	}
	writeJSON(w, http.StatusOK, resultResponse{
		Status:     res.Status,
		Content:    res.Content,
		Iterations: res.Iterations,
		ToolCalls:  res.ToolCalls,
		Usage:      res.Usage,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, "error", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}
