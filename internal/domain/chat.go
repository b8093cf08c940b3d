package domain

import "time"

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session represents a chat session
type Session struct {
	ID           string    `json:"id"`
	PrincipalID  int64     `json:"principal_id"`
	CollectionID int64     `json:"collection_id,omitempty"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message represents a chat message
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Role      string     `json:"role"` // user, assistant
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Citation is a source reference attached to an answer
type Citation struct {
	SourceID string `json:"sourceId"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet,omitempty"`
	URI      string `json:"uri,omitempty"`
	Store    string `json:"store,omitempty"`
}

// ChatRequest is the request to stream an answer
type ChatRequest struct {
	SessionID      string  `json:"session_id,omitempty"`
	CollectionIDs  []int64 `json:"collection_ids" binding:"required"`
	Question       string  `json:"question" binding:"required"`
	Model          string  `json:"model,omitempty"`
	MetadataFilter string  `json:"metadata_filter,omitempty"`
}
