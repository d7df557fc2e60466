package assistant

import (
	"context"
	"errors"
	"fmt"

	"edututor/internal/models"
)

// SaveMediaFile records a generated image or PDF stored on disk.
func (s *Service) SaveMediaFile(ctx context.Context, f models.MediaFile) (*models.MediaFile, error) {
	if f.ConversationID <= 0 {
		return nil, errors.New("conversation_id is required")
	}
	if f.StoredPath == "" {
		return nil, errors.New("stored_path is required")
	}
	f.CreatedAt = s.now()
	id, err := s.db.InsertID(ctx,
		`INSERT INTO media_files (conversation_id, kind, stored_path, content_type, caption, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ConversationID, string(f.Kind), f.StoredPath, f.ContentType, f.Caption, f.Size, f.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert media file: %w", err)
	}
	f.ID = id
	return &f, nil
}

// ListMediaFiles returns the media produced in a conversation, oldest first.
func (s *Service) ListMediaFiles(ctx context.Context, conversationID int64) ([]models.MediaFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, kind, stored_path, content_type, caption, size, created_at
		 FROM media_files WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list media files: %w", err)
	}
	defer rows.Close()

	var out []models.MediaFile
	for rows.Next() {
		var (
			f    models.MediaFile
			kind string
		)
		if err := rows.Scan(&f.ID, &f.ConversationID, &kind, &f.StoredPath, &f.ContentType, &f.Caption, &f.Size, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan media file: %w", err)
		}
		f.Kind = models.MessageType(kind)
		out = append(out, f)
	}
	return out, rows.Err()
}
