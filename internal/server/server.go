// Package server exposes the HTTP API and the embedded dashboard.
// Every API response uses the same envelope: success flag, message,
// optional data.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"bandmonitor/internal/ledger"
	"bandmonitor/internal/models"
	"bandmonitor/internal/monitor"
	"bandmonitor/internal/probe"
	"bandmonitor/internal/storage"
)

//go:embed static/*
var embeddedStatic embed.FS

const (
	startTimeout      = 2 * time.Minute
	statusTimeout     = 10 * time.Second
	screenshotTimeout = 30 * time.Second
)

// AccountStore is the persistence surface the handlers need.
type AccountStore interface {
	AddAccount(username, password string) (int64, error)
	Account(id int64) (models.Account, error)
	Accounts() ([]models.Account, error)
	Delete(id int64) error
	SetTargetAndNotes(id int64, target int, notes string) error
}

// MonitorControl drives account lifecycle and exposes the event feed.
type MonitorControl interface {
	Start(ctx context.Context, id int64) error
	Pause(id int64) error
	Resume(id int64) error
	Close(id int64) error
	Running(id int64) bool
	Subscribe() (<-chan models.MonitorEvent, func())
	RecentEvents() []models.MonitorEvent
}

// SessionProbe is the slice of the browser layer the API touches
// directly: live position checks and manual screenshots.
type SessionProbe interface {
	CheckPosition(ctx context.Context, accountID int64) (probe.Position, error)
	CaptureArtifact(ctx context.Context, accountID int64, reason string) (string, error)
}

// Server wraps HTTP serving of API + static assets.
type Server struct {
	httpServer *http.Server
	store      AccountStore
	monitor    MonitorControl
	probe      SessionProbe
	staticFS   fs.FS
}

// New creates a configured HTTP server for the monitor.
func New(addr string, store AccountStore, monitor MonitorControl, sessionProbe SessionProbe) *Server {
	staticFS, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		panic("static assets missing: " + err.Error())
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		store:      store,
		monitor:    monitor,
		probe:      sessionProbe,
		staticFS:   staticFS,
	}
	s.registerRoutes(mux)
	return s
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the configured mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	mux.HandleFunc("POST /api/accounts", s.handleAddAccount)
	mux.HandleFunc("GET /api/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("DELETE /api/accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("GET /api/accounts/{id}/status", s.handleAccountStatus)
	mux.HandleFunc("PUT /api/accounts/{id}/target", s.handleSetTarget)
	mux.HandleFunc("POST /api/accounts/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/accounts/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/accounts/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/accounts/{id}/close", s.handleCloseSession)
	mux.HandleFunc("POST /api/accounts/{id}/screenshot", s.handleScreenshot)

	mux.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	data, err := fs.ReadFile(s.staticFS, "index.html")
	if err != nil {
		http.Error(w, "index missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, "ok", map[string]any{
		"time": time.Now().UTC(),
	})
}

// accountView is an account enriched with derived progress fields and
// the live task state, which persisted status alone cannot convey
// right after a crash or restart.
type accountView struct {
	models.Account
	MemberURL          string  `json:"member_url,omitempty"`
	ProgressPercentage float64 `json:"progress_percentage"`
	GoalReached        bool    `json:"goal_reached"`
	TaskActive         bool    `json:"task_active"`
}

func (s *Server) viewOf(acc models.Account) accountView {
	return accountView{
		Account:            acc,
		MemberURL:          acc.MemberURL(),
		ProgressPercentage: ledger.ProgressPercentage(acc),
		GoalReached:        ledger.GoalReached(acc),
		TaskActive:         s.monitor.Running(acc.ID),
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	accounts, err := s.store.Accounts()
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, s.viewOf(acc))
	}
	respond(w, http.StatusOK, "accounts", views)
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		respondErr(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}

	id, err := s.store.AddAccount(req.Username, req.Password)
	if err != nil {
		respondErr(w, http.StatusConflict, err)
		return
	}
	acc, err := s.store.Account(id)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusCreated, "account added", s.viewOf(acc))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusOK, "account", s.viewOf(acc))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}

	// Tear the session down first so the browser profile is not left
	// running for a row that no longer exists.
	if err := s.monitor.Close(acc.ID); err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.Delete(acc.ID); err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, "account deleted", nil)
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	pos, err := s.probe.CheckPosition(ctx, acc.ID)
	if err != nil {
		pos = probe.Position{}
	}

	respond(w, http.StatusOK, "status", map[string]any{
		"account":  s.viewOf(acc),
		"position": pos,
	})
}

func (s *Server) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}

	var req struct {
		Target int    `json:"target"`
		Notes  string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Target < 0 {
		respondErr(w, http.StatusBadRequest, errors.New("target must not be negative"))
		return
	}

	if err := s.store.SetTargetAndNotes(acc.ID, req.Target, req.Notes); err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	acc, err := s.store.Account(acc.ID)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, "target updated", s.viewOf(acc))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), startTimeout)
	defer cancel()
	if err := s.monitor.Start(ctx, acc.ID); err != nil {
		respondErr(w, http.StatusBadGateway, err)
		return
	}
	s.respondWithAccount(w, acc.ID, "monitoring started")
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	if err := s.monitor.Pause(acc.ID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrNotRunning) {
			status = http.StatusConflict
		}
		respondErr(w, status, err)
		return
	}
	s.respondWithAccount(w, acc.ID, "monitoring paused")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	if err := s.monitor.Resume(acc.ID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrNotPaused) {
			status = http.StatusConflict
		}
		respondErr(w, status, err)
		return
	}
	s.respondWithAccount(w, acc.ID, "monitoring resumed")
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	if err := s.monitor.Close(acc.ID); err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	s.respondWithAccount(w, acc.ID, "session closed")
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), screenshotTimeout)
	defer cancel()
	path, err := s.probe.CaptureArtifact(ctx, acc.ID, "manual")
	if err != nil {
		respondErr(w, http.StatusBadGateway, err)
		return
	}
	respond(w, http.StatusOK, "screenshot captured", map[string]string{"path": path})
}

func (s *Server) respondWithAccount(w http.ResponseWriter, id int64, message string) {
	acc, err := s.store.Account(id)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, message, s.viewOf(acc))
}

// accountFromPath resolves the {id} path segment to a stored account,
// writing the error response itself when it cannot.
func (s *Server) accountFromPath(w http.ResponseWriter, r *http.Request) (models.Account, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondErr(w, http.StatusBadRequest, errors.New("invalid account id"))
		return models.Account{}, false
	}
	acc, err := s.store.Account(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondErr(w, status, err)
		return models.Account{}, false
	}
	return acc, true
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func respondErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, envelope{Success: false, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
