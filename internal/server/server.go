package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"rerhythm/internal/app"
	"rerhythm/internal/ratelimit"
	"rerhythm/internal/util"
	"rerhythm/pkg/domain"
)

const (
	maxBodyBytes = 1 << 20
	bannerText   = "ReRhythm API is running"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Limiters are optional; a nil limiter disables throttling for its route.
	LoginLimiter    *ratelimit.FixedWindowLimiter
	RegisterLimiter *ratelimit.FixedWindowLimiter
	CORSOrigins     []string
	TrustedProxies  *util.TrustedProxies
	// Ready reports dependency health for /healthz. Nil means always ready.
	Ready func(r *http.Request) error
}

// Server exposes the REST API.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
	corsOrigins     []string
	trusted         *util.TrustedProxies
	ready           func(r *http.Request) error
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		loginLimiter:    cfg.LoginLimiter,
		registerLimiter: cfg.RegisterLimiter,
		corsOrigins:     cfg.CORSOrigins,
		trusted:         cfg.TrustedProxies,
		ready:           cfg.Ready,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/health", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.Handle("/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("/auth/account/wipe", s.authenticated(s.handleWipe))

	// check-in & wearables
	s.mux.Handle("/check-in/analyze", s.authenticated(s.handleAnalyze))
	s.mux.Handle("/check-in/history", s.authenticated(s.handleCheckInHistory))
	s.mux.Handle("/user/wearable", s.authenticated(s.handleSaveWearable))
	s.mux.Handle("/user/wearable/view", s.authenticated(s.handleWearableView))
	s.mux.Handle("/user/wearable/check", s.authenticated(s.handleWearableCheck))

	// journal
	s.mux.Handle("/journal/create", s.authenticated(s.handleJournalCreate))
	s.mux.Handle("/journal/history", s.authenticated(s.handleJournalHistory))
	s.mux.Handle("/journal/entry/", s.authenticated(s.handleJournalEntry))

	// library
	s.mux.HandleFunc("/library/interventions", s.handleInterventions)
	s.mux.HandleFunc("/library/interventions/", s.handleInterventionByID)
	s.mux.Handle("/library/interventions/complete", s.authenticated(s.handleCompleteIntervention))

	// counseling
	s.mux.Handle("/counseling/start", s.authenticated(s.handleCounselingStart))
	s.mux.Handle("/counseling/followup", s.authenticated(s.handleCounselingFollowUp))
	s.mux.Handle("/counseling/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/counseling/conversations/", s.authenticated(s.handleConversationMessages))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": bannerText})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r); err != nil {
			util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "token.verify", "fail", "reason", "missing_token")
		return domain.User{}, false
	}
	user, err := s.app.Authenticate(token)
	if err != nil {
		reason := "invalid_or_revoked"
		if !errors.Is(err, app.ErrUnauthorized) {
			reason = "verify_error"
			util.LoggerFromContext(r.Context()).Error("token verification failed", "err", err)
		}
		s.audit(r, "token.verify", "fail", "reason", reason)
		return domain.User{}, false
	}
	return user, true
}

// requireSubject rejects requests naming a user_id other than the caller.
func requireSubject(w http.ResponseWriter, user domain.User, requested string) bool {
	requested = strings.TrimSpace(requested)
	if requested != "" && requested != user.ID {
		writeError(w, http.StatusForbidden, "user_id does not match the authenticated user")
		return false
	}
	return true
}

// auth handlers
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req, false) {
		s.audit(r, "auth.login", "fail", "reason", "invalid_json")
		return
	}
	sess, err := s.app.Login(req.DeviceID, req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", sess.UserID, "anonymous", sess.IsAnonymous)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req, false) {
		s.audit(r, "auth.register", "fail", "reason", "invalid_json")
		return
	}
	sess, err := s.app.Register(req.DeviceID, req.Email, req.Password, req.RepeatPassword)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", sess.UserID)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "auth.logout", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleWipe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	var req userScopedRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if !requireSubject(w, user, req.UserID) {
		s.audit(r, "auth.wipe", "fail", "user_id", user.ID, "reason", "subject_mismatch")
		return
	}
	if err := s.app.WipeAccount(user.ID); err != nil {
		s.audit(r, "auth.wipe", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.wipe", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "All data deleted"})
}

// check-in & wearable handlers
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req checkInRequest
	if !decodeJSON(w, r, &req, false) || !requireSubject(w, user, req.UserID) {
		return
	}
	res, err := s.app.AnalyzeCheckIn(r.Context(), user.ID, req.CheckInData, rawText(req.WearableData))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckInHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !requireSubject(w, user, r.URL.Query().Get("user_id")) {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	items, err := s.app.CheckInHistory(user.ID, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleSaveWearable(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req wearableRequest
	if !decodeJSON(w, r, &req, false) || !requireSubject(w, user, req.UserID) {
		return
	}
	if err := s.app.SaveWearable(user.ID, rawText(req.WearableData)); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleWearableView(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !requireSubject(w, user, r.URL.Query().Get("user_id")) {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	items, err := s.app.SummarizeWearables(r.Context(), user.ID, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleWearableCheck(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !requireSubject(w, user, r.URL.Query().Get("user_id")) {
		return
	}
	check, err := s.app.CheckWearable(user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// journal handlers
func (s *Server) handleJournalCreate(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req journalCreateRequest
	if !decodeJSON(w, r, &req, false) || !requireSubject(w, user, req.UserID) {
		return
	}
	if _, err := s.app.CreateJournal(user.ID, req.JournalDescription, domain.ExpirationType(req.ExpirationType)); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "Journal entry created successfully"})
}

func (s *Server) handleJournalHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !requireSubject(w, user, r.URL.Query().Get("user_id")) {
		return
	}
	items, err := s.app.JournalHistory(user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleJournalEntry(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/journal/entry/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if !requireSubject(w, user, r.URL.Query().Get("user_id")) {
		return
	}
	if err := s.app.DeleteJournal(user.ID, id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "Journal entry deleted successfully"})
}

// library handlers
func (s *Server) handleInterventions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	query := app.LibraryQuery{
		IDs:     splitIDs(q["intervention_ids"]),
		Query:   q.Get("q"),
		Context: q.Get("context"),
	}
	requested := strings.TrimSpace(q.Get("user_id"))
	if requested != "" || r.Header.Get("Authorization") != "" {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !requireSubject(w, user, requested) {
			return
		}
		if requested != "" {
			query.UserID = user.ID
		}
	}
	items, err := s.app.ListInterventions(query)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, interventionListResponse{Count: len(items), Interventions: items})
}

func (s *Server) handleInterventionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/library/interventions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	detail, err := s.app.InterventionDetail(id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCompleteIntervention(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req completeInterventionRequest
	if !decodeJSON(w, r, &req, false) || !requireSubject(w, user, req.UserID) {
		return
	}
	if err := s.app.CompleteIntervention(user.ID, rawText(req.InterventionID)); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// counseling handlers
func (s *Server) handleCounselingStart(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req counselingStartRequest
	if !decodeJSON(w, r, &req, true) || !requireSubject(w, user, req.UserID) {
		return
	}
	ids := make([]string, 0, len(req.JournalIDs))
	for _, raw := range req.JournalIDs {
		ids = append(ids, rawText(raw))
	}
	res, err := s.app.StartCounseling(r.Context(), user.ID, ids)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCounselingFollowUp(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req followUpRequest
	if !decodeJSON(w, r, &req, false) || !requireSubject(w, user, req.UserID) {
		return
	}
	reply, err := s.app.FollowUp(r.Context(), user.ID, rawText(req.ConversationID), req.Message)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, followUpResponse{Counseling: reply})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	items, err := s.app.ListConversations(user.ID, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/counseling/conversations/"), "/")
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" || tail != "messages" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	msgs, err := s.app.ConversationMessages(user.ID, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// decodeJSON reads a size-limited JSON body. allowEmpty accepts a missing body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

// splitIDs accepts both repeated and comma-separated id parameters.
func splitIDs(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrConflict):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, app.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, app.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, app.ErrUpstream):
		util.LoggerFromContext(r.Context()).Error("upstream call failed", "path", r.URL.Path, "err", err)
		writeError(w, status, err.Error())
		return
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// rawText turns a JSON string into its value and any other JSON value into
// its compact text, so clients may send ids as numbers and payloads as objects.
func rawText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}
