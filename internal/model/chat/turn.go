package chat

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// Turn is one immutable entry of the conversation transcript.
type Turn struct {
	ID        string          `json:"id"`
	Role      schema.RoleType `json:"role"`
	Content   string          `json:"content"`
	Sources   []string        `json:"sources"`
	Failed    bool            `json:"failed,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// HistoryEntry is the reduced form of a turn forwarded to the backend.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Suggestions are the starter questions offered on an empty conversation.
var Suggestions = []string{
	"What is this document about?",
	"Summarize the key findings",
	"List the main conclusions",
}

// Clone returns a deep copy so callers cannot mutate stored sources.
func (t Turn) Clone() Turn {
	t.Sources = append(make([]string, 0, len(t.Sources)), t.Sources...)
	return t
}

// History reduces turns to role/content pairs, dropping sources.
func History(turns []Turn) []HistoryEntry {
	history := make([]HistoryEntry, 0, len(turns))
	for _, turn := range turns {
		history = append(history, HistoryEntry{Role: string(turn.Role), Content: turn.Content})
	}
	return history
}

// Messages converts the transcript into eino messages for callers that feed
// it into an eino prompt or chain.
func Messages(turns []Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	messages := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case schema.User:
			messages = append(messages, schema.UserMessage(turn.Content))
		case schema.Assistant:
			messages = append(messages, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return messages
}
