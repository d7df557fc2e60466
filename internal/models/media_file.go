package models

import "time"

// MediaFile records an image or PDF generated for a conversation.
type MediaFile struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Kind           MessageType `json:"kind"`
	StoredPath     string      `json:"stored_path"`
	ContentType    string      `json:"content_type"`
	Caption        string      `json:"caption"`
	Size           int64       `json:"size"`
	CreatedAt      time.Time   `json:"created_at"`
}
