package usecase

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/voxloop/domain/entities"
)

const defaultHistoryTurns = 20

// History keeps the most recent conversation turns in memory
type History struct {
	mu    sync.RWMutex
	limit int
	turns []entities.ConversationTurn
}

// NewHistory creates a history bounded to limit turns
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryTurns
	}
	return &History{limit: limit}
}

// AppendExchange records a user transcript and the assistant reply to it
func (h *History) AppendExchange(id uuid.UUID, transcript, reply string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns,
		entities.ConversationTurn{UtteranceID: id, Role: entities.RoleUser, Content: transcript, Timestamp: at},
		entities.ConversationTurn{UtteranceID: id, Role: entities.RoleAssistant, Content: reply, Timestamp: at},
	)
	if len(h.turns) > h.limit {
		h.turns = append([]entities.ConversationTurn(nil), h.turns[len(h.turns)-h.limit:]...)
	}
}

// Turns returns a copy of the stored turns, oldest first
func (h *History) Turns() []entities.ConversationTurn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return entities.LastTurns(h.turns, len(h.turns))
}

// Reset drops every stored turn
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}
