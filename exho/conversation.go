package exho

import (
	"encoding/json"
	"github.com/sashabaranov/go-openai"
	"strings"
)

// TurnRole identifies who authored a ConversationTurn
type TurnRole string

const (
	RoleUser      TurnRole = "USER"
	RoleAssistant TurnRole = "ASSISTANT"

	// legacyRoleChatbot is how older history files recorded assistant turns
	legacyRoleChatbot = "CHATBOT"
)

// UnmarshalJSON accepts the legacy CHATBOT role as ASSISTANT
func (r *TurnRole) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToUpper(s) {
	case string(RoleUser):
		*r = RoleUser
	case string(RoleAssistant), legacyRoleChatbot:
		*r = RoleAssistant
	default:
		*r = TurnRole(s)
	}
	return nil
}

// ConversationTurn is a single message in a user's conversation history.
type ConversationTurn struct {
	Role      TurnRole `json:"role"`
	Message   string   `json:"message"`
	Timestamp string   `json:"timestamp,omitempty"`
}

func (t ConversationTurn) chatMessage() openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if t.Role == RoleAssistant {
		role = openai.ChatMessageRoleAssistant
	}
	return openai.ChatCompletionMessage{Role: role, Content: t.Message}
}

// historyCap returns the maximum history length for the given
// memory limit (turn pairs). A limit <= 0 means uncapped.
func historyCap(memoryLimit int) int {
	if memoryLimit <= 0 {
		return 0
	}
	return memoryLimit * 2
}

// appendTurn returns a new history with turn appended, dropping the
// oldest turns so the result has at most 2*memoryLimit entries.
// The given history is not modified.
func appendTurn(
	history []ConversationTurn,
	turn ConversationTurn,
	memoryLimit int,
) []ConversationTurn {
	updated := make([]ConversationTurn, 0, len(history)+1)
	updated = append(updated, history...)
	updated = append(updated, turn)

	limit := historyCap(memoryLimit)
	if limit > 0 && len(updated) > limit {
		updated = updated[len(updated)-limit:]
	}
	return updated
}
