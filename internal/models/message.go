package models

import "time"

// Sender identifies who authored a message in a conversation.
type Sender string

const (
	SenderStudent   Sender = "student"
	SenderAssistant Sender = "assistant"
)

// MessageType is the payload kind stored with a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
	MessageImage  MessageType = "image"
	MessagePDF    MessageType = "pdf"
)

// Message is one persisted entry of a conversation. Provisional messages hold
// streamed fragments of a turn until the turn is finalized.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	Sender         Sender         `json:"sender"`
	Type           MessageType    `json:"message_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	TurnID         string         `json:"turn_id,omitempty"`
	Provisional    bool           `json:"provisional,omitempty"`
	FilePath       string         `json:"file_path,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
