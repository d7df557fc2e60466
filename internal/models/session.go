package models

import "time"

// Conversation groups the messages exchanged with one learner.
type Conversation struct {
	ID        int64     `json:"id"`
	StudentID int64     `json:"student_id"`
	Title     string    `json:"title"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultConversationTitle is replaced by the first student message preview.
const DefaultConversationTitle = "Conversation"

// Student is the learner profile attached to an external user account.
type Student struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Age         int       `json:"age"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is the external account a bearer token is issued for.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}
