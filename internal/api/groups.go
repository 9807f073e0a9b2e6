package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/whisper/chatsync/internal/chat"
)

func (s *Server) handleBlockedUsers(w http.ResponseWriter, r *http.Request, userID string) {
	ids, err := s.Store.BlockedUsers(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"blockedUsers": ids})
}

func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request, userID string) {
	status, err := chat.BlockStatusBetween(r.Context(), s.Store, userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, userID string) {
	s.changeBlock(w, r, userID, chat.BlockActionBlock)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request, userID string) {
	s.changeBlock(w, r, userID, chat.BlockActionUnblock)
}

func (s *Server) changeBlock(w http.ResponseWriter, r *http.Request, userID string, action chat.BlockAction) {
	ctx := r.Context()
	other := r.PathValue("id")

	var err error
	if action == chat.BlockActionBlock {
		err = s.Store.Block(ctx, userID, other)
	} else {
		err = s.Store.Unblock(ctx, userID, other)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.Notify.NotifyBlockingUpdate(ctx, userID, other, action)
	w.WriteHeader(http.StatusNoContent)
}

// CreateGroupRequest creates a group administered by the caller.
type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

// UpdateGroupRequest patches group metadata; absent fields are unchanged.
type UpdateGroupRequest struct {
	GroupName  *string `json:"groupName,omitempty"`
	GroupPhoto *string `json:"groupPhoto,omitempty"`
}

// MembersRequest lists users to add.
type MembersRequest struct {
	UserIDs []string `json:"userIds"`
}

// AdminRequest names the new admin.
type AdminRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateGroupRequest
	if !decode(w, r, &req) {
		return
	}
	if err := chat.ValidateGroupName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	members := slices.DeleteFunc(slices.Clone(req.MemberIDs), func(id string) bool { return id == userID || id == "" })
	if len(members) == 0 {
		writeError(w, http.StatusBadRequest, "a group needs at least one other member")
		return
	}

	conv, err := s.Store.CreateGroup(r.Context(), req.Name, userID, members)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.Notify.NotifyMembersAdded(r.Context(), conv, conv.OtherParticipantIDs(userID), userID)
	writeJSON(w, http.StatusCreated, conv)
}

// loadGroup fetches a group the caller belongs to, optionally requiring
// that the caller administers it.
func (s *Server) loadGroup(w http.ResponseWriter, r *http.Request, userID string, admin bool) (*chat.Conversation, bool) {
	conv, err := s.Store.GetConversation(r.Context(), r.PathValue("id"))
	if err == nil && !conv.IsGroup {
		err = chat.ErrNotGroup
	}
	if err == nil && !conv.IsParticipant(userID) {
		err = chat.ErrNotParticipant
	}
	if err == nil && admin && conv.GroupAdmin != userID {
		err = chat.ErrNotAdmin
	}
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return conv, true
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request, userID string) {
	var req UpdateGroupRequest
	if !decode(w, r, &req) {
		return
	}
	if req.GroupName == nil && req.GroupPhoto == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.GroupName != nil {
		if err := chat.ValidateGroupName(*req.GroupName); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if _, ok := s.loadGroup(w, r, userID, true); !ok {
		return
	}

	conv, err := s.Store.UpdateGroup(r.Context(), r.PathValue("id"), chat.GroupPatch{Name: req.GroupName, Photo: req.GroupPhoto})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.GroupName != nil {
		s.Notify.NotifyGroupNameUpdated(r.Context(), conv)
	}
	if req.GroupPhoto != nil {
		s.Notify.NotifyGroupPhotoUpdated(r.Context(), conv)
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request, userID string) {
	before, ok := s.loadGroup(w, r, userID, false)
	if !ok {
		return
	}
	conv, err := s.Store.RemoveMember(r.Context(), before.ID, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.Notify.NotifyUserLeftGroup(r.Context(), conv, userID)
	s.notifyAdminHandover(r.Context(), before, conv)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMembers(w http.ResponseWriter, r *http.Request, userID string) {
	var req MembersRequest
	if !decode(w, r, &req) {
		return
	}
	before, ok := s.loadGroup(w, r, userID, true)
	if !ok {
		return
	}
	var added []string
	for _, id := range req.UserIDs {
		if id != "" && !before.IsParticipant(id) && !slices.Contains(added, id) {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		writeError(w, http.StatusBadRequest, "no new members")
		return
	}

	conv, err := s.Store.AddMembers(r.Context(), before.ID, added)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.Notify.NotifyMembersAdded(r.Context(), conv, added, userID)
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSetAdmin(w http.ResponseWriter, r *http.Request, userID string) {
	var req AdminRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	before, ok := s.loadGroup(w, r, userID, true)
	if !ok {
		return
	}
	conv, err := s.Store.SetAdmin(r.Context(), before.ID, req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.Notify.NotifyGroupAdminChanged(r.Context(), conv)
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request, userID string) {
	removed := r.PathValue("userId")
	if removed == userID {
		writeError(w, http.StatusBadRequest, "use leave to remove yourself")
		return
	}
	before, ok := s.loadGroup(w, r, userID, true)
	if !ok {
		return
	}
	conv, err := s.Store.RemoveMember(r.Context(), before.ID, removed)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.Notify.NotifyMemberRemoved(r.Context(), conv, removed, userID)
	s.notifyAdminHandover(r.Context(), before, conv)
	writeJSON(w, http.StatusOK, conv)
}

// notifyAdminHandover announces an admin the store reassigned because the
// previous one left.
func (s *Server) notifyAdminHandover(ctx context.Context, before, after *chat.Conversation) {
	if after.GroupAdmin != "" && after.GroupAdmin != before.GroupAdmin {
		s.Notify.NotifyGroupAdminChanged(ctx, after)
	}
}

// BlockAccountRequest blocks an account. A zero duration is permanent.
type BlockAccountRequest struct {
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"durationSeconds,omitempty"`
}

func (s *Server) handleBlockAccount(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.Bans == nil {
		writeError(w, http.StatusServiceUnavailable, "account blocking is not configured")
		return
	}
	var req BlockAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "blocked by administrator"
	}

	userID := r.PathValue("id")
	d := time.Duration(req.DurationSeconds) * time.Second
	if err := s.Bans.Block(r.Context(), userID, d, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	s.Log.Info().Str("user_id", userID).Dur("duration", d).Str("reason", req.Reason).Msg("account blocked")
	s.Notify.NotifyAccountBlocked(r.Context(), userID, req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblockAccount(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.Bans == nil {
		writeError(w, http.StatusServiceUnavailable, "account blocking is not configured")
		return
	}
	userID := r.PathValue("id")
	if err := s.Bans.Unblock(r.Context(), userID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.Log.Info().Str("user_id", userID).Msg("account unblocked")
	w.WriteHeader(http.StatusNoContent)
}
