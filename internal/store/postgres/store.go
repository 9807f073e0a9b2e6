// Package postgres implements chat.Store on PostgreSQL. Ids are generated
// in Go so the memory and SQL stores hand out the same id format.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/chatsync/internal/chat"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store manages users, blocks, conversations and messages in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ chat.Store = (*Store)(nil)

// New creates a store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// mapErr translates driver errors into chat sentinels.
func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return chat.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23503": // foreign_key_violation
			return chat.ErrNotFound
		case "23514": // check_violation
			return chat.ErrInvalidTarget
		}
	}
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users and blocks
// ---------------------------------------------------------------------------

func (s *Store) UpsertUser(ctx context.Context, u chat.User) error {
	if u.ID == "" {
		return chat.ErrInvalidTarget
	}
	const query = `
		INSERT INTO users (id, display_name, avatar)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, avatar = EXCLUDED.avatar`
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.DisplayName, u.Avatar); err != nil {
		return fmt.Errorf("postgres: upsert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*chat.User, error) {
	u := chat.User{ID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, avatar FROM users WHERE id = $1`, userID,
	).Scan(&u.DisplayName, &u.Avatar)
	if err != nil {
		return nil, mapErr(err)
	}
	blocked, err := s.blockedUsers(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	u.BlockedUsers = blocked
	return &u, nil
}

func userExists(ctx context.Context, q querier, userID string) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: user exists: %w", err)
	}
	return ok, nil
}

func (s *Store) BlockedUsers(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.blockedUsers(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		ok, err := userExists(ctx, s.db, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, chat.ErrNotFound
		}
	}
	return ids, nil
}

func (s *Store) blockedUsers(ctx context.Context, q querier, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT blocked_id FROM user_blocks WHERE blocker_id = $1 ORDER BY created_at, blocked_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: blocked users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan blocked user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return chat.ErrInvalidTarget
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_blocks (blocker_id, blocked_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, blockerID, blockedID)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) Unblock(ctx context.Context, blockerID, blockedID string) error {
	ok, err := userExists(ctx, s.db, blockerID)
	if err != nil {
		return err
	}
	if !ok {
		return chat.ErrNotFound
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM user_blocks WHERE blocker_id = $1 AND blocked_id = $2`, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("postgres: unblock: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// loadConversations assembles full conversations for ids, in ids order.
// Unknown ids are skipped.
func loadConversations(ctx context.Context, q querier, ids []string) ([]chat.Conversation, error) {
	if len(ids) == 0 {
		return []chat.Conversation{}, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, is_group, group_name, group_photo, COALESCE(group_admin, ''), last_message_id, updated_at
		FROM conversations WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: load conversations: %w", err)
	}
	byID := make(map[string]*chat.Conversation, len(ids))
	lastIDs := make([]string, 0, len(ids))
	for rows.Next() {
		c := &chat.Conversation{
			ReadAt:      make(map[string]time.Time),
			UnreadCount: make(map[string]int),
		}
		var last sql.NullString
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.GroupName, &c.GroupPhoto, &c.GroupAdmin, &last, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		if last.Valid {
			lastIDs = append(lastIDs, last.String)
		}
		byID[c.ID] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load conversations: %w", err)
	}

	if err := loadParticipants(ctx, q, ids, byID); err != nil {
		return nil, err
	}
	if len(lastIDs) > 0 {
		msgs, err := queryMessages(ctx, q, `
			SELECT m.id, m.conversation_id, m.content, m.created_at, u.id, u.display_name, u.avatar
			FROM messages m JOIN users u ON u.id = m.sender_id
			WHERE m.id = ANY($1)`, pq.Array(lastIDs))
		if err != nil {
			return nil, err
		}
		for i := range msgs {
			if c, ok := byID[msgs[i].ConversationID]; ok {
				c.LastMessage = &msgs[i]
			}
		}
	}

	out := make([]chat.Conversation, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func loadParticipants(ctx context.Context, q querier, ids []string, byID map[string]*chat.Conversation) error {
	rows, err := q.QueryContext(ctx, `
		SELECT p.conversation_id, u.id, u.display_name, u.avatar, p.unread_count, p.read_at
		FROM conversation_participants p JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ANY($1)
		ORDER BY p.conversation_id, p.seq`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: load participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convID string
			p      chat.Participant
			unread int
			readAt sql.NullTime
		)
		if err := rows.Scan(&convID, &p.ID, &p.DisplayName, &p.Avatar, &unread, &readAt); err != nil {
			return fmt.Errorf("postgres: scan participant: %w", err)
		}
		c, ok := byID[convID]
		if !ok {
			continue
		}
		c.Participants = append(c.Participants, p)
		c.UnreadCount[p.ID] = unread
		if readAt.Valid {
			c.ReadAt[p.ID] = readAt.Time.UTC()
		}
	}
	return rows.Err()
}

func getConversation(ctx context.Context, q querier, id string) (*chat.Conversation, error) {
	convs, err := loadConversations(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, chat.ErrNotFound
	}
	return &convs[0], nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	return getConversation(ctx, s.db, conversationID)
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id
		FROM conversation_participants p JOIN conversations c ON c.id = p.conversation_id
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	return loadConversations(ctx, s.db, ids)
}

func queryMessages(ctx context.Context, q querier, query string, args ...interface{}) ([]chat.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0)
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.CreatedAt,
			&m.Sender.ID, &m.Sender.DisplayName, &m.Sender.Avatar); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func conversationExists(ctx context.Context, q querier, id string) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: conversation exists: %w", err)
	}
	return ok, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	ok, err := conversationExists(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chat.ErrNotFound
	}

	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	return queryMessages(ctx, s.db, `
		SELECT id, conversation_id, content, created_at, sender_id, display_name, avatar
		FROM (
			SELECT m.id, m.conversation_id, m.content, m.created_at, m.seq,
			       u.id AS sender_id, u.display_name, u.avatar
			FROM messages m JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = $1
			ORDER BY m.seq DESC
			LIMIT $2
		) newest
		ORDER BY seq`, conversationID, lim)
}

func isParticipant(ctx context.Context, q querier, conversationID, userID string) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: participant check: %w", err)
	}
	return ok, nil
}

func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// findOrCreateDirect returns the direct conversation between sender and
// receiver, creating it on first use.
func (s *Store) findOrCreateDirect(ctx context.Context, tx *sql.Tx, senderID, receiverID string, now time.Time) (string, error) {
	key := directKey(senderID, receiverID)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, is_group, direct_key, updated_at)
		VALUES ($1, FALSE, $2, $3)
		ON CONFLICT (direct_key) DO NOTHING`, uuid.NewString(), key, now)
	if err != nil {
		return "", fmt.Errorf("postgres: create direct conversation: %w", err)
	}

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = $1`, key).Scan(&id); err != nil {
		return "", fmt.Errorf("postgres: find direct conversation: %w", err)
	}
	for _, uid := range []string{senderID, receiverID} {
		if err := addParticipant(ctx, tx, id, uid); err != nil {
			return "", err
		}
	}
	return id, nil
}

func addParticipant(ctx context.Context, q querier, conversationID, userID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, conversationID, userID)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, msg chat.NewMessage) (*chat.Message, *chat.Conversation, error) {
	if (msg.ConversationID == "") == (msg.ReceiverID == "") {
		return nil, nil, chat.ErrInvalidTarget
	}
	if msg.ReceiverID == msg.SenderID {
		return nil, nil, chat.ErrInvalidTarget
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	var (
		out  *chat.Message
		conv *chat.Conversation
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m := chat.Message{ID: uuid.NewString(), Content: msg.Content, CreatedAt: now}
		m.Sender.ID = msg.SenderID
		err := tx.QueryRowContext(ctx, `SELECT display_name, avatar FROM users WHERE id = $1`, msg.SenderID).
			Scan(&m.Sender.DisplayName, &m.Sender.Avatar)
		if err != nil {
			return mapErr(err)
		}

		convID := msg.ConversationID
		if convID != "" {
			ok, err := conversationExists(ctx, tx, convID)
			if err != nil {
				return err
			}
			if !ok {
				return chat.ErrNotFound
			}
			if ok, err := isParticipant(ctx, tx, convID, msg.SenderID); err != nil {
				return err
			} else if !ok {
				return chat.ErrNotParticipant
			}
		} else {
			ok, err := userExists(ctx, tx, msg.ReceiverID)
			if err != nil {
				return err
			}
			if !ok {
				return chat.ErrNotFound
			}
			if convID, err = s.findOrCreateDirect(ctx, tx, msg.SenderID, msg.ReceiverID, now); err != nil {
				return err
			}
		}
		m.ConversationID = convID

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5)`, m.ID, convID, msg.SenderID, msg.Content, now); err != nil {
			return fmt.Errorf("postgres: insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1`,
			convID, m.ID, now); err != nil {
			return fmt.Errorf("postgres: update conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants SET unread_count = unread_count + 1
			WHERE conversation_id = $1 AND user_id <> $2`, convID, msg.SenderID); err != nil {
			return fmt.Errorf("postgres: bump unread: %w", err)
		}

		c, err := getConversation(ctx, tx, convID)
		if err != nil {
			return err
		}
		out, conv = &m, c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, conv, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (*chat.Conversation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_participants SET read_at = $3, unread_count = 0
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := conversationExists(ctx, s.db, conversationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, chat.ErrNotFound
		}
		return nil, chat.ErrNotParticipant
	}
	return s.GetConversation(ctx, conversationID)
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

func (s *Store) CreateGroup(ctx context.Context, name, adminID string, memberIDs []string) (*chat.Conversation, error) {
	var conv *chat.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id := uuid.NewString()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, is_group, group_name, group_admin, updated_at)
			VALUES ($1, TRUE, $2, $3, $4)`, id, name, adminID, s.now().UTC())
		if err != nil {
			return mapErr(err)
		}
		for _, uid := range append([]string{adminID}, memberIDs...) {
			if err := addParticipant(ctx, tx, id, uid); err != nil {
				return err
			}
		}
		conv, err = getConversation(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// lockGroup locks a group row for update and returns its admin.
func lockGroup(ctx context.Context, tx *sql.Tx, conversationID string) (string, error) {
	var (
		isGroup bool
		admin   string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT is_group, COALESCE(group_admin, '') FROM conversations WHERE id = $1 FOR UPDATE`,
		conversationID).Scan(&isGroup, &admin)
	if err != nil {
		return "", mapErr(err)
	}
	if !isGroup {
		return "", chat.ErrNotGroup
	}
	return admin, nil
}

func (s *Store) touch(ctx context.Context, tx *sql.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, conversationID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: touch conversation: %w", err)
	}
	return nil
}

// mutateGroup runs fn on a locked group and returns the updated
// conversation.
func (s *Store) mutateGroup(ctx context.Context, conversationID string, fn func(tx *sql.Tx, admin string) error) (*chat.Conversation, error) {
	var conv *chat.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		admin, err := lockGroup(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if err := fn(tx, admin); err != nil {
			return err
		}
		if err := s.touch(ctx, tx, conversationID); err != nil {
			return err
		}
		conv, err = getConversation(ctx, tx, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Store) UpdateGroup(ctx context.Context, conversationID string, patch chat.GroupPatch) (*chat.Conversation, error) {
	return s.mutateGroup(ctx, conversationID, func(tx *sql.Tx, _ string) error {
		var name, photo sql.NullString
		if patch.Name != nil {
			name = sql.NullString{String: *patch.Name, Valid: true}
		}
		if patch.Photo != nil {
			photo = sql.NullString{String: *patch.Photo, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET group_name = COALESCE($2, group_name), group_photo = COALESCE($3, group_photo)
			WHERE id = $1`, conversationID, name, photo)
		if err != nil {
			return fmt.Errorf("postgres: update group: %w", err)
		}
		return nil
	})
}

func (s *Store) AddMembers(ctx context.Context, conversationID string, userIDs []string) (*chat.Conversation, error) {
	return s.mutateGroup(ctx, conversationID, func(tx *sql.Tx, _ string) error {
		for _, uid := range userIDs {
			if err := addParticipant(ctx, tx, conversationID, uid); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) (*chat.Conversation, error) {
	return s.mutateGroup(ctx, conversationID, func(tx *sql.Tx, admin string) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
			conversationID, userID)
		if err != nil {
			return fmt.Errorf("postgres: remove member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return chat.ErrNotParticipant
		}
		if admin != userID {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET group_admin = (
				SELECT user_id FROM conversation_participants
				WHERE conversation_id = $1 ORDER BY seq LIMIT 1
			) WHERE id = $1`, conversationID)
		if err != nil {
			return fmt.Errorf("postgres: reassign admin: %w", err)
		}
		return nil
	})
}

func (s *Store) SetAdmin(ctx context.Context, conversationID, userID string) (*chat.Conversation, error) {
	return s.mutateGroup(ctx, conversationID, func(tx *sql.Tx, _ string) error {
		ok, err := isParticipant(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return chat.ErrNotParticipant
		}
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET group_admin = $2 WHERE id = $1`, conversationID, userID)
		if err != nil {
			return fmt.Errorf("postgres: set admin: %w", err)
		}
		return nil
	})
}

// SetClock overrides the time source for message and update stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
