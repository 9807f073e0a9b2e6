// Package apiclient calls the chat HTTP API on behalf of one signed-in
// user. It is the Backend of the client-side reconciler.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/chatsync/internal/api"
	"github.com/whisper/chatsync/internal/chat"
)

// StatusError is a non-2xx API response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("apiclient: %s %s: status %d: %s (%s)", e.Method, e.Path, e.Code, e.Msg, e.Reason)
	}
	return fmt.Sprintf("apiclient: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Msg)
}

// Unwrap lets errors.Is match the chat sentinels that have a one-to-one
// status mapping.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return chat.ErrNotFound
	default:
		return nil
	}
}

// HasStatus reports whether err is a StatusError with code.
func HasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client is an authenticated API client.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a Client for the API rooted at base, e.g. http://host:8080.
func New(base, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode %s: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("apiclient: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: http.StatusText(resp.StatusCode)}
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			se.Msg, se.Reason = e.Error, e.Reason
		}
		return se
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("apiclient: decode %s: %w", path, err)
	}
	return nil
}

// Online returns the number of connected users.
func (c *Client) Online(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/api/online", nil, &out)
	return out.Count, err
}

// ListConversations returns the caller's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ListMessages returns up to limit of the newest messages, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage creates a message. Set ReceiverID for a first direct message.
func (c *Client) SendMessage(ctx context.Context, req api.CreateMessageRequest) (*api.MessageResponse, error) {
	var out api.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks a conversation read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BlockedUsers lists the ids the caller has blocked.
func (c *Client) BlockedUsers(ctx context.Context) ([]string, error) {
	var out struct {
		BlockedUsers []string `json:"blockedUsers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/users/me/blocked", nil, &out); err != nil {
		return nil, err
	}
	return out.BlockedUsers, nil
}

// BlockStatus reports the block edges between the caller and userID.
func (c *Client) BlockStatus(ctx context.Context, userID string) (chat.BlockStatus, error) {
	var out chat.BlockStatus
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/block-status", nil, &out)
	return out, err
}

// Block blocks userID.
func (c *Client) Block(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(userID)+"/block", nil, nil)
}

// Unblock lifts the caller's block on userID.
func (c *Client) Unblock(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(userID)+"/block", nil, nil)
}

// CreateGroup creates a group administered by the caller.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (*chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/groups", api.CreateGroupRequest{Name: name, MemberIDs: memberIDs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateGroup renames a group or changes its photo.
func (c *Client) UpdateGroup(ctx context.Context, groupID string, req api.UpdateGroupRequest) (*chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPatch, "/api/groups/"+url.PathEscape(groupID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveGroup removes the caller from a group.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/leave", nil, nil)
}

// AddMembers adds users to a group the caller administers.
func (c *Client) AddMembers(ctx context.Context, groupID string, userIDs []string) (*chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/members", api.MembersRequest{UserIDs: userIDs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetAdmin hands group administration to userID.
func (c *Client) SetAdmin(ctx context.Context, groupID, userID string) (*chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPut, "/api/groups/"+url.PathEscape(groupID)+"/admin", api.AdminRequest{UserID: userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveMember removes userID from a group the caller administers.
func (c *Client) RemoveMember(ctx context.Context, groupID, userID string) (*chat.Conversation, error) {
	var out chat.Conversation
	path := "/api/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
