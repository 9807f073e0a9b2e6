// Package api is the request/response side of the chat core: message
// creation, read receipts, block management and group administration.
// Every mutation is persisted first and then handed to the notification
// dispatcher for push delivery.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/blocking"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/moderation"
	"github.com/whisper/chatsync/internal/ratelimit"
	"github.com/whisper/chatsync/internal/session"
)

const (
	maxBodyBytes     = 64 << 10
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// errUnavailable marks a dependency failure that must not be treated as a
// permission decision, such as a block lookup that could not complete.
var errUnavailable = errors.New("api: dependency unavailable")

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// IdentityResolver resolves a bearer token to the full session identity,
// including the admin flag.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*session.Identity, error)
}

// ReadMarker marks a conversation read and broadcasts the receipt. It is
// the same path as the push conversation_read event.
type ReadMarker interface {
	ConversationRead(ctx context.Context, userID, conversationID string) (*chat.Conversation, error)
}

// Notifier pushes the outcome of a mutation to connected clients.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, conv *chat.Conversation, msg chat.Message) error
	NotifyAccountBlocked(ctx context.Context, userID, reason string)
	NotifyBlockingUpdate(ctx context.Context, blockerID, blockedID string, action chat.BlockAction)
	NotifyGroupNameUpdated(ctx context.Context, conv *chat.Conversation)
	NotifyGroupPhotoUpdated(ctx context.Context, conv *chat.Conversation)
	NotifyUserLeftGroup(ctx context.Context, conv *chat.Conversation, leaverID string)
	NotifyMembersAdded(ctx context.Context, conv *chat.Conversation, addedIDs []string, addedBy string)
	NotifyGroupAdminChanged(ctx context.Context, conv *chat.Conversation)
	NotifyMemberRemoved(ctx context.Context, conv *chat.Conversation, removedID, removedBy string)
}

// Limiter throttles message creation.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// retryAfterer is implemented by limiters that can tell a rejected caller
// when its window reopens.
type retryAfterer interface {
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Bans applies account blocks.
type Bans interface {
	RecordOffense(ctx context.Context, userID, reason string) (bool, time.Duration, error)
	OffenseCount(ctx context.Context, userID string) (int, error)
	Block(ctx context.Context, userID string, duration time.Duration, reason string) error
	Unblock(ctx context.Context, userID string) error
}

// FlagSink receives moderation flags for auditing.
type FlagSink interface {
	Flagged(ctx context.Context, f moderation.Flag) error
}

// Presence reports the number of online users.
type Presence interface {
	Count() int
}

// Deps wires a Server. Limiter, Filter, Bans, Flags, Presence and
// Identities are optional. Without Identities only AdminToken grants admin
// access.
type Deps struct {
	Store      chat.Store
	Blocks     *blocking.Checker
	Auth       Authenticator
	Reads      ReadMarker
	Notify     Notifier
	Limiter    Limiter
	Filter     *moderation.Filter
	Bans       Bans
	Flags      FlagSink
	Presence   Presence
	Identities IdentityResolver
	AdminToken string
	Log        zerolog.Logger
}

// Server serves the HTTP API.
type Server struct {
	Deps
	mux *http.ServeMux
	now func() time.Time
}

// New creates a Server with all routes registered.
func New(d Deps) *Server {
	s := &Server{Deps: d, mux: http.NewServeMux(), now: time.Now}

	s.route("GET /api/online", s.handleOnline)
	s.authed("GET /api/conversations", s.handleListConversations)
	s.authed("GET /api/conversations/{id}/messages", s.handleListMessages)
	s.authed("POST /api/conversations/{id}/read", s.handleMarkRead)
	s.authed("POST /api/messages", s.handleCreateMessage)

	s.authed("GET /api/users/me/blocked", s.handleBlockedUsers)
	s.authed("GET /api/users/{id}/block-status", s.handleBlockStatus)
	s.authed("POST /api/users/{id}/block", s.handleBlock)
	s.authed("DELETE /api/users/{id}/block", s.handleUnblock)

	s.authed("POST /api/groups", s.handleCreateGroup)
	s.authed("PATCH /api/groups/{id}", s.handleUpdateGroup)
	s.authed("POST /api/groups/{id}/leave", s.handleLeaveGroup)
	s.authed("POST /api/groups/{id}/members", s.handleAddMembers)
	s.authed("PUT /api/groups/{id}/admin", s.handleSetAdmin)
	s.authed("DELETE /api/groups/{id}/members/{userId}", s.handleRemoveMember)

	s.route("POST /api/admin/users/{id}/block-account", s.handleBlockAccount)
	s.route("DELETE /api/admin/users/{id}/block-account", s.handleUnblockAccount)
	return s
}

// SetClock overrides the time source used in moderation flags.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		metrics.APIRequests.WithLabelValues(pattern, strconv.Itoa(rec.code)).Inc()
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authed(pattern string, h authedHandler) {
	s.route(pattern, func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		userID, err := s.Auth.Authenticate(r.Context(), token)
		if err != nil || userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r, userID)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

// adminAuthorized accepts the shared X-Admin-Token or a bearer session
// flagged as admin.
func (s *Server) adminAuthorized(r *http.Request) bool {
	if s.AdminToken != "" {
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.AdminToken)) == 1 {
			return true
		}
	}
	token := bearerToken(r)
	if s.Identities == nil || token == "" {
		return false
	}
	id, err := s.Identities.Resolve(r.Context(), token)
	if err != nil {
		return false
	}
	return id.Admin
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotParticipant),
		errors.Is(err, chat.ErrNotAdmin),
		errors.Is(err, chat.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrInvalidTarget),
		errors.Is(err, chat.ErrNotGroup):
		return http.StatusBadRequest
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request) {
	n := 0
	if s.Presence != nil {
		n = s.Presence.Count()
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func pageLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultPageLimit
	}
	return min(n, maxPageLimit)
}
