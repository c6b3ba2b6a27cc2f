package entities

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who spoke a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one message of prior context sent with an inference request.
type ConversationTurn struct {
	UtteranceID uuid.UUID `json:"utterance_id" bson:"utterance_id"`
	Role        Role      `json:"role" bson:"role"`
	Content     string    `json:"content" bson:"content"`
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
}

// LastTurns returns at most k of the most recent turns, oldest first.
func LastTurns(turns []ConversationTurn, k int) []ConversationTurn {
	if k <= 0 {
		return nil
	}
	if len(turns) <= k {
		out := make([]ConversationTurn, len(turns))
		copy(out, turns)
		return out
	}
	out := make([]ConversationTurn, k)
	copy(out, turns[len(turns)-k:])
	return out
}
