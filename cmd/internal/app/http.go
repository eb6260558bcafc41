package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatline/cmd/identity"
	"chatline/cmd/internal/realtime"
	v1 "chatline/shared/contracts/realtime/v1"
)

// routes carries what the HTTP surface reads; it never mutates realtime state.
type routes struct {
	log       Logger
	cfg       Config
	pinger    func(r *http.Request) error
	dbEnabled bool
	users     identity.Directory
	core      *realtime.Core
	ws        http.Handler
	gatherer  prometheus.Gatherer
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, rt.log) })
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", rt.readyz)

	if rt.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}
	if rt.ws != nil {
		r.Handle("/ws", rt.ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/presence", rt.presence)
		r.Get("/users", rt.listUsers)
		r.Post("/users", rt.createUser)
		r.Get("/messages/general", rt.generalHistory)
		r.Get("/messages/private/{otherUserID}", rt.privateHistory)
	})

	return r
}

func (rt routes) readyz(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.ReadinessRequireDB && !rt.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if rt.dbEnabled && rt.pinger != nil {
		if err := rt.pinger(r); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

type presenceResponse struct {
	Online []int64 `json:"online"`
	Count  int     `json:"count"`
}

func (rt routes) presence(w http.ResponseWriter, _ *http.Request) {
	online := rt.core.Registry.Online()
	ids := make([]int64, 0, len(online))
	for _, id := range online {
		ids = append(ids, int64(id))
	}
	writeJSON(w, http.StatusOK, presenceResponse{Online: ids, Count: len(ids)})
}

type userResponse struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	LastSeen *time.Time `json:"last_seen"`
	Online   bool       `json:"online"`
}

type usersResponse struct {
	Users []userResponse `json:"users"`
}

func (rt routes) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := rt.users.ListUsers(r.Context())
	if err != nil {
		rt.log.Error("http.users.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "persist_failed", "users unavailable")
		return
	}

	online := make(map[int64]struct{})
	for _, id := range rt.core.Registry.Online() {
		online[int64(id)] = struct{}{}
	}
	out := usersResponse{Users: make([]userResponse, 0, len(users))}
	for _, u := range users {
		_, live := online[u.ID]
		out.Users = append(out.Users, userResponse{
			ID:       u.ID,
			Username: u.Username,
			LastSeen: u.LastSeen,
			Online:   live,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createUserRequest struct {
	Username string `json:"username"`
}

func (rt routes) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	u, err := rt.users.CreateUser(r.Context(), req.Username, time.Now().UTC())
	switch {
	case err == nil:
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid username")
		return
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "username taken")
		return
	default:
		rt.log.Error("http.users.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "persist_failed", "user could not be saved")
		return
	}

	rt.log.Info("http.users.created", "user_id", u.ID)
	writeJSON(w, http.StatusCreated, userResponse{ID: u.ID, Username: u.Username, LastSeen: u.LastSeen})
}

type historyResponse struct {
	Messages []v1.MessagePayload `json:"messages"`
}

func (rt routes) generalHistory(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if rt.core.Verifier != nil {
		viewer, err := queryUserID(r, "current_user_id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		if !rt.authorize(w, r, viewer) {
			return
		}
	}
	q.Scope = realtime.GeneralScope()
	rt.writeHistory(w, r, q)
}

func (rt routes) privateHistory(w http.ResponseWriter, r *http.Request) {
	other, err := parseUserID(chi.URLParam(r, "otherUserID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid otherUserID")
		return
	}
	viewer, err := queryUserID(r, "current_user_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if other == viewer {
		writeError(w, http.StatusBadRequest, "invalid_input", "private chat needs two distinct users")
		return
	}
	if !rt.authorize(w, r, viewer) {
		return
	}

	q, err := historyQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	q.Scope = realtime.PrivateScope(viewer, other)
	rt.writeHistory(w, r, q)
}

func (rt routes) writeHistory(w http.ResponseWriter, r *http.Request, q realtime.HistoryQuery) {
	msgs, err := rt.core.Engine.History(r.Context(), q)
	if err != nil {
		rt.log.Error("http.history.fail", "scope", q.Scope.Key(), "err", err)
		writeError(w, http.StatusInternalServerError, "persist_failed", "history unavailable")
		return
	}

	out := historyResponse{Messages: make([]v1.MessagePayload, 0, len(msgs))}
	for _, m := range msgs {
		name := rt.core.Names.Resolve(r.Context(), m.SenderID, "")
		out.Messages = append(out.Messages, m.ToPayload(name))
	}
	writeJSON(w, http.StatusOK, out)
}

// authorize requires a bearer token for viewer when identify tokens are enforced.
func (rt routes) authorize(w http.ResponseWriter, r *http.Request, viewer realtime.UserID) bool {
	if rt.core.Verifier == nil {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if err := rt.core.Verifier.Verify(token, viewer); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return false
	}
	return true
}

func historyQuery(r *http.Request) (realtime.HistoryQuery, error) {
	var q realtime.HistoryQuery
	if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return q, errors.New("invalid before")
		}
		before := realtime.MessageID(n)
		q.BeforeID = &before
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errors.New("invalid limit")
		}
		q.Limit = n
	}
	return q, nil
}

func queryUserID(r *http.Request, key string) (realtime.UserID, error) {
	id, err := parseUserID(r.URL.Query().Get(key))
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return id, nil
}

func parseUserID(raw string) (realtime.UserID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid user id")
	}
	return realtime.UserID(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.ErrorPayload{Code: code, Message: msg})
}
