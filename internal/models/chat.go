package models

import (
	"strings"
	"time"
)

// Chat represents a conversation container in the chat panel. It is kept in memory only, and is
// discarded together with its session when the conversation is closed.
type Chat struct {
	ID      string
	Title   string
	Updated time.Time
}

// ChatMessage is a single entry of a conversation transcript. The JSON form is the one exchanged with
// the weekly-report chat endpoint as part of the request history.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the assistant. While a turn is in flight its
	// content grows as deltas arrive.
	RoleAssistant Role = "assistant"
)

const titleWords = 8

// ChatTitle derives a short title from the first user message of a transcript. It returns an empty
// string if the transcript has no user message yet.
func ChatTitle(messages []ChatMessage) string {
	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		words := strings.Fields(msg.Content)
		if len(words) <= titleWords {
			return strings.Join(words, " ")
		}
		return strings.Join(words[:titleWords], " ") + "…"
	}
	return ""
}
