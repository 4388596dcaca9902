package models

import "time"

// Session represents an independent conversation thread. It provides basic identification
// and labeling for organizing message logs; the messages themselves are owned by the
// session store and addressed by session id.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Message represents an individual communication entry within a session. Content holds
// plain or markdown text; Status tracks the delivery state of assistant responses as
// they are streamed in.
type Message struct {
	Role      Role
	Content   string
	Status    Status
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

// Status represents the delivery state of a message.
type Status string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"

	// StatusComplete marks a fully delivered message.
	StatusComplete Status = "complete"
	// StatusPending marks an assistant placeholder waiting for the first response byte.
	StatusPending Status = "pending"
	// StatusStreaming marks an assistant message whose content is still being accumulated.
	StatusStreaming Status = "streaming"
	// StatusErrored marks a message that ended with a user-facing failure note.
	StatusErrored Status = "errored"
)
