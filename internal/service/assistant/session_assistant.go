package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"edututor/internal/models"
)

const maxTitleRunes = 80

// CreateConversation inserts a new conversation for the student.
func (s *Service) CreateConversation(ctx context.Context, studentID int64, title string) (*models.Conversation, error) {
	if studentID <= 0 {
		return nil, errors.New("student_id is required")
	}
	if strings.TrimSpace(title) == "" {
		title = models.DefaultConversationTitle
	}
	now := s.now()
	id, err := s.db.InsertID(ctx,
		`INSERT INTO conversations (student_id, title, topic, created_at, updated_at) VALUES (?, ?, '', ?, ?)`,
		studentID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &models.Conversation{ID: id, StudentID: studentID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation returns a conversation owned by studentID.
func (s *Service) GetConversation(ctx context.Context, studentID, conversationID int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, student_id, title, topic, created_at, updated_at FROM conversations WHERE id = ? AND student_id = ?`,
		conversationID, studentID,
	).Scan(&c.ID, &c.StudentID, &c.Title, &c.Topic, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// GetOrCreateConversation returns the requested conversation, or a new one
// when conversationID is zero or does not belong to the student.
func (s *Service) GetOrCreateConversation(ctx context.Context, studentID, conversationID int64) (*models.Conversation, error) {
	if conversationID > 0 {
		c, err := s.GetConversation(ctx, studentID, conversationID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
	}
	return s.CreateConversation(ctx, studentID, models.DefaultConversationTitle)
}

// ListConversations returns a student's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, studentID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, student_id, title, topic, created_at, updated_at FROM conversations WHERE student_id = ? ORDER BY updated_at DESC, id DESC`,
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.StudentID, &c.Title, &c.Topic, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TitleFromMessage is the first line of text, capped at 80 runes.
func TitleFromMessage(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) > maxTitleRunes {
		line = string([]rune(line)[:maxTitleRunes])
	}
	return line
}

// EnsureTitle replaces the default title with a preview of firstMessage. It
// updates c in place and reports whether anything changed.
func (s *Service) EnsureTitle(ctx context.Context, c *models.Conversation, firstMessage string) (bool, error) {
	if c == nil || (c.Title != "" && c.Title != models.DefaultConversationTitle) {
		return false, nil
	}
	title := TitleFromMessage(firstMessage)
	if title == "" {
		return false, nil
	}
	if err := s.UpdateConversationTitle(ctx, c.ID, title); err != nil {
		return false, err
	}
	c.Title = title
	return true, nil
}

// UpdateConversationTitle sets a conversation title.
func (s *Service) UpdateConversationTitle(ctx context.Context, conversationID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	return s.updateConversation(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, conversationID)
}

// UpdateConversationTopic stores the classified topic of a conversation.
func (s *Service) UpdateConversationTopic(ctx context.Context, conversationID int64, topic string) error {
	return s.updateConversation(ctx, `UPDATE conversations SET topic = ?, updated_at = ? WHERE id = ?`, topic, conversationID)
}

func (s *Service) updateConversation(ctx context.Context, query, value string, conversationID int64) error {
	res, err := s.db.ExecContext(ctx, query, value, s.now(), conversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// SaveMessage stores a message and touches the conversation's updated_at.
func (s *Service) SaveMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.ConversationID <= 0 {
		return nil, errors.New("conversation_id is required")
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
	meta := []byte("{}")
	if len(msg.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(msg.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	provisional := 0
	if msg.Provisional {
		provisional = 1
	}
	now := s.now()
	id, err := s.db.InsertID(ctx,
		`INSERT INTO messages (conversation_id, sender, message_type, content, metadata, turn_id, provisional, file_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, string(msg.Sender), string(msg.Type), msg.Content, string(meta), msg.TurnID, provisional, msg.FilePath, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if !msg.Provisional {
		if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, msg.ConversationID); err != nil {
			return nil, fmt.Errorf("touch conversation: %w", err)
		}
	}
	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// SaveProvisional stores one streamed fragment of an assistant turn.
func (s *Service) SaveProvisional(ctx context.Context, conversationID int64, turnID, fragment string) error {
	_, err := s.SaveMessage(ctx, models.Message{
		ConversationID: conversationID,
		Sender:         models.SenderAssistant,
		Type:           models.MessageText,
		Content:        fragment,
		TurnID:         turnID,
		Provisional:    true,
	})
	return err
}

// DeleteProvisional removes the fragments of a finished turn.
func (s *Service) DeleteProvisional(ctx context.Context, conversationID int64, turnID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND turn_id = ? AND provisional = 1`,
		conversationID, turnID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete provisional messages: %w", err)
	}
	return res.RowsAffected()
}

// UpdateMessageContent rewrites the text of a stored message.
func (s *Service) UpdateMessageContent(ctx context.Context, messageID int64, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, messageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListMessages returns the final messages of a conversation in order.
// Provisional fragments are left out.
func (s *Service) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	return s.listMessages(ctx,
		`SELECT id, conversation_id, sender, message_type, content, metadata, turn_id, provisional, file_path, created_at
		 FROM messages WHERE conversation_id = ? AND provisional = 0 ORDER BY id ASC`,
		conversationID,
	)
}

// ListProvisional returns the stored fragments of one turn in arrival order.
func (s *Service) ListProvisional(ctx context.Context, conversationID int64, turnID string) ([]models.Message, error) {
	return s.listMessages(ctx,
		`SELECT id, conversation_id, sender, message_type, content, metadata, turn_id, provisional, file_path, created_at
		 FROM messages WHERE conversation_id = ? AND turn_id = ? AND provisional = 1 ORDER BY id ASC`,
		conversationID, turnID,
	)
}

func (s *Service) listMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m           models.Message
			sender      string
			msgType     string
			meta        string
			provisional int
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &msgType, &m.Content, &meta, &m.TurnID, &provisional, &m.FilePath, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = models.Sender(sender)
		m.Type = models.MessageType(msgType)
		m.Provisional = provisional != 0
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of message %d: %w", m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ConversationText joins the final text messages for topic classification.
func (s *Service) ConversationText(ctx context.Context, conversationID int64) (string, error) {
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == models.MessageText && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// DeleteProvisionalBefore removes fragments older than cutoff, left behind by
// turns that never finished.
func (s *Service) DeleteProvisionalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE provisional = 1 AND created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale provisional messages: %w", err)
	}
	return res.RowsAffected()
}
