// Package server exposes the recommendation engine, the per-user card
// collections, and the refresh orchestrator over a local HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/whichcard/whichcard/internal/bot"
	"github.com/whichcard/whichcard/internal/monitor"
	"github.com/whichcard/whichcard/internal/recommend"
	"github.com/whichcard/whichcard/internal/refresh"
)

const (
	defaultListen = "127.0.0.1:8787"

	adminKeyHeader  = "X-Admin-Key"
	requestIDHeader = "X-Request-Id"

	// Request bodies are small JSON objects; anything bigger is a mistake.
	maxBodyBytes = 1 << 20
)

// Recommender answers spending queries against the loaded catalog.
// *recommend.Engine satisfies it.
type Recommender interface {
	Recommend(ctx context.Context, query string, held []string) (recommend.Result, error)
	CardNames() []string
	Ready() bool
}

// CardStore persists which cards each user holds. *userstore.Store
// satisfies it.
type CardStore interface {
	Touch(ctx context.Context, userID string) error
	AddCard(ctx context.Context, userID string, cardName string) (bool, error)
	RemoveCard(ctx context.Context, userID string, cardName string) (bool, error)
	HeldCards(ctx context.Context, userID string) ([]string, error)
	UserCount(ctx context.Context) (int, error)
}

// Messenger routes free-form chat messages. *bot.Router satisfies it.
type Messenger interface {
	Handle(ctx context.Context, userID string, text string) (bot.Reply, error)
}

// Refresher rebuilds the knowledge index from the catalog.
// *refresh.Orchestrator satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, opts refresh.RunOptions) (refresh.Report, error)
	Status() refresh.Status
}

// ProcessMonitor reports resource usage for the status endpoint.
// *monitor.Service satisfies it.
type ProcessMonitor interface {
	Snapshot(ctx context.Context) monitor.Snapshot
}

type Options struct {
	Logger *slog.Logger

	// Listen is the host:port to bind. Empty means 127.0.0.1:8787.
	Listen string

	// AllowedOrigins for browser clients. Empty derives localhost
	// origins from Listen.
	AllowedOrigins []string

	// AdminKey guards the /admin routes. Empty disables them.
	AdminKey string

	Engine    Recommender
	Users     CardStore
	Bot       Messenger
	Refresher Refresher
	Monitor   ProcessMonitor

	// Version is the build version reported by /healthz.
	Version string
}

type Server struct {
	log *slog.Logger

	listen   string
	version  string
	adminKey []byte

	engine Recommender
	users  CardStore
	bot    Messenger
	ref    Refresher
	mon    ProcessMonitor

	handler http.Handler

	ln  net.Listener
	srv *http.Server
}

// AllowedOriginsForListen derives the browser origins that may call the
// API when no explicit list is configured.
func AllowedOriginsForListen(listen string) []string {
	_, port, err := net.SplitHostPort(strings.TrimSpace(listen))
	if err != nil || port == "" {
		_, port, _ = net.SplitHostPort(defaultListen)
	}
	return []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://[::1]:" + port,
	}
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("missing Engine")
	}
	if opts.Users == nil {
		return nil, errors.New("missing Users")
	}
	if opts.Bot == nil {
		return nil, errors.New("missing Bot")
	}
	if opts.Refresher == nil {
		return nil, errors.New("missing Refresher")
	}
	if opts.Monitor == nil {
		return nil, errors.New("missing Monitor")
	}
	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		listen = defaultListen
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		log:      logger,
		listen:   listen,
		version:  strings.TrimSpace(opts.Version),
		adminKey: []byte(strings.TrimSpace(opts.AdminKey)),
		engine:   opts.Engine,
		users:    opts.Users,
		bot:      opts.Bot,
		ref:      opts.Refresher,
		mon:      opts.Monitor,
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = AllowedOriginsForListen(listen)
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", adminKeyHeader, requestIDHeader},
	}).Handler(s.routes())

	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.accessLog, s.recoverPanic)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/recommend", s.handleRecommend).Methods(http.MethodPost)
	api.HandleFunc("/message", s.handleMessage).Methods(http.MethodPost)
	api.HandleFunc("/cards", s.handleListCards).Methods(http.MethodGet)
	api.HandleFunc("/cards/all", s.handleCatalog).Methods(http.MethodGet)
	api.HandleFunc("/cards/add", s.handleAddCard).Methods(http.MethodPost)
	api.HandleFunc("/cards/remove", s.handleRemoveCard).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdminKey)
	admin.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	return r
}

// Handler returns the fully wired HTTP handler. Exposed so callers can
// serve it on their own listener.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.handler
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "error", err)
		}
	}()

	s.log.Info("api listening", "addr", ln.Addr().String(), "admin_enabled", len(s.adminKey) > 0)
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

// Addr reports the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

type errResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type healthResp struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Ready   bool   `json:"ready"`
	Users   int    `json:"users"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.UserCount(r.Context())
	if err != nil {
		s.log.Warn("user count failed", "error", err)
		users = 0
	}
	writeJSON(w, http.StatusOK, healthResp{
		Status:  "ok",
		Version: s.version,
		Ready:   s.engine.Ready(),
		Users:   users,
	})
}

type statusResp struct {
	Refresh refresh.Status   `json:"refresh"`
	Process monitor.Snapshot `json:"process"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResp{
		Refresh: s.ref.Status(),
		Process: s.mon.Snapshot(r.Context()),
	})
}

type recommendReq struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "missing user_id"})
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "missing query"})
		return
	}

	if err := s.users.Touch(r.Context(), userID); err != nil {
		s.log.Warn("touch user failed", "user_id", userID, "error", err)
	}
	held, err := s.users.HeldCards(r.Context(), userID)
	if err != nil {
		s.log.Warn("held cards lookup failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "card lookup failed"})
		return
	}

	res, err := s.engine.Recommend(r.Context(), query, held)
	if err != nil {
		if errors.Is(err, recommend.ErrNotReady) {
			writeJSON(w, http.StatusServiceUnavailable, errResp{Error: "knowledge index not ready"})
			return
		}
		s.log.Warn("recommend failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "recommendation failed"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type messageReq struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "missing user_id"})
		return
	}
	reply, err := s.bot.Handle(r.Context(), req.UserID, req.Text)
	if err != nil {
		s.log.Warn("message handling failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "message handling failed"})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type cardsResp struct {
	UserID string   `json:"user_id,omitempty"`
	Cards  []string `json:"cards"`
	Count  int      `json:"count"`
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "missing user_id"})
		return
	}
	cards, err := s.users.HeldCards(r.Context(), userID)
	if err != nil {
		s.log.Warn("held cards lookup failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "card lookup failed"})
		return
	}
	if cards == nil {
		cards = []string{}
	}
	writeJSON(w, http.StatusOK, cardsResp{UserID: userID, Cards: cards, Count: len(cards)})
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	cards := s.engine.CardNames()
	if cards == nil {
		cards = []string{}
	}
	writeJSON(w, http.StatusOK, cardsResp{Cards: cards, Count: len(cards)})
}

type cardChangeReq struct {
	UserID string `json:"user_id"`
	Card   string `json:"card"`
}

type cardChangeResp struct {
	UserID  string `json:"user_id"`
	Card    string `json:"card"`
	Changed bool   `json:"changed"`
}

func (s *Server) handleAddCard(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCardChange(w, r)
	if !ok {
		return
	}
	names := s.engine.CardNames()
	if len(names) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: "card catalog not loaded yet"})
		return
	}
	canonical, ok := resolveName(names, req.Card)
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, errResp{Error: "unknown card: " + req.Card})
		return
	}
	added, err := s.users.AddCard(r.Context(), req.UserID, canonical)
	if err != nil {
		s.log.Warn("add card failed", "user_id", req.UserID, "card", canonical, "error", err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "add card failed"})
		return
	}
	writeJSON(w, http.StatusOK, cardChangeResp{UserID: req.UserID, Card: canonical, Changed: added})
}

func (s *Server) handleRemoveCard(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCardChange(w, r)
	if !ok {
		return
	}
	held, err := s.users.HeldCards(r.Context(), req.UserID)
	if err != nil {
		s.log.Warn("held cards lookup failed", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "card lookup failed"})
		return
	}
	// Resolve against held cards so a card that has left the catalog
	// can still be removed.
	canonical, ok := resolveName(held, req.Card)
	if !ok {
		writeJSON(w, http.StatusNotFound, errResp{Error: "card not held: " + req.Card})
		return
	}
	removed, err := s.users.RemoveCard(r.Context(), req.UserID, canonical)
	if err != nil {
		s.log.Warn("remove card failed", "user_id", req.UserID, "card", canonical, "error", err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "remove card failed"})
		return
	}
	writeJSON(w, http.StatusOK, cardChangeResp{UserID: req.UserID, Card: canonical, Changed: removed})
}

func (s *Server) decodeCardChange(w http.ResponseWriter, r *http.Request) (cardChangeReq, bool) {
	var req cardChangeReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
		return cardChangeReq{}, false
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Card = strings.TrimSpace(req.Card)
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "missing user_id"})
		return cardChangeReq{}, false
	}
	if req.Card == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "missing card"})
		return cardChangeReq{}, false
	}
	return req, true
}

func resolveName(names []string, raw string) (string, bool) {
	for _, n := range names {
		if strings.EqualFold(n, raw) {
			return n, true
		}
	}
	return "", false
}

type refreshReq struct {
	SkipFetch bool `json:"skip_fetch"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := decodeJSON(w, r, &req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
		return
	}
	rep, err := s.ref.Refresh(r.Context(), refresh.RunOptions{SkipFetch: req.SkipFetch})
	if err != nil {
		if errors.Is(err, refresh.ErrRefreshInProgress) {
			writeJSON(w, http.StatusConflict, errResp{Error: "refresh already in progress"})
			return
		}
		s.log.Warn("admin refresh failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminKey) == 0 {
			writeJSON(w, http.StatusForbidden, errResp{Error: "admin interface disabled: no admin key configured"})
			return
		}
		got := []byte(strings.TrimSpace(r.Header.Get(adminKeyHeader)))
		if subtle.ConstantTimeCompare(got, s.adminKey) != 1 {
			writeJSON(w, http.StatusUnauthorized, errResp{Error: "invalid admin key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const requestIDKey ctxKey = 0

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("http request",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("handler panicked",
					"request_id", requestIDFrom(r.Context()),
					"path", r.URL.Path,
					"panic", v)
				writeJSON(w, http.StatusInternalServerError, errResp{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
